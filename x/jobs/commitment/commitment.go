// Package commitment implements the commit-reveal scheme that binds a worker
// to a (model, input) pair before it computes, plus the hashing helpers every
// other component agrees on.
//
// Every hashed tuple is encoded field by field as
//
//	tag(1 byte) || len(4 bytes, big endian) || value
//
// behind a domain separator, so fields cannot be shifted into each other and a
// string never collides with a byte slice of the same content.
package commitment

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

const (
	tagString byte = 0x01
	tagBytes  byte = 0x02
	tagUint64 byte = 0x03

	// NonceSize is the length of a freshly generated reveal nonce.
	NonceSize = 32

	domainCommitment = "mosaic/commitment/v1"
	domainJobID      = "mosaic/job-id/v1"
	domainBinding    = "mosaic/binding/v1"
)

type encoder struct {
	h hash.Hash
}

func newEncoder(domain string) *encoder {
	e := &encoder{h: sha3.NewLegacyKeccak256()}
	e.str(domain)
	return e
}

func (e *encoder) field(tag byte, value []byte) {
	var hdr [5]byte
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(value)))
	e.h.Write(hdr[:])
	e.h.Write(value)
}

func (e *encoder) str(s string)   { e.field(tagString, []byte(s)) }
func (e *encoder) bytes(b []byte) { e.field(tagBytes, b) }
func (e *encoder) uint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.field(tagUint64, b[:])
}

func (e *encoder) sum() []byte { return e.h.Sum(nil) }

// Build returns the commitment hash over (modelID, inputHash, nonce, worker)
// as 0x-prefixed hex. inputHash must be a 32-byte hex digest.
func Build(modelID, inputHash string, nonce []byte, worker string) (string, error) {
	digest, err := buildRaw(modelID, inputHash, nonce, worker)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(digest), nil
}

func buildRaw(modelID, inputHash string, nonce []byte, worker string) ([]byte, error) {
	if modelID == "" {
		return nil, types.ErrInvalidCommitment.Wrap("model id is required")
	}
	if worker == "" {
		return nil, types.ErrInvalidCommitment.Wrap("worker address is required")
	}
	if len(nonce) == 0 {
		return nil, types.ErrInvalidCommitment.Wrap("nonce is required")
	}
	input, err := DecodeDigest(inputHash)
	if err != nil {
		return nil, types.ErrInvalidCommitment.Wrapf("input hash: %s", err)
	}

	e := newEncoder(domainCommitment)
	e.str(modelID)
	e.bytes(input)
	e.bytes(nonce)
	e.str(worker)
	return e.sum(), nil
}

// VerifyReveal recomputes the commitment from the revealed fields and compares
// it with the stored one in constant time.
func VerifyReveal(commitmentHash, modelID, inputHash string, nonce []byte, worker string) bool {
	stored, err := DecodeDigest(commitmentHash)
	if err != nil {
		return false
	}
	recomputed, err := buildRaw(modelID, inputHash, nonce, worker)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(stored, recomputed) == 1
}

// NewNonce returns a random reveal nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// HashOutput is the content hash of a task output: sha256, lowercase hex.
// Payer and worker compute it independently from the same string.
func HashOutput(output string) string {
	sum := sha256.Sum256([]byte(output))
	return hex.EncodeToString(sum[:])
}

// HashInput is the content hash of a task input.
func HashInput(input string) string {
	return HashOutput(input)
}

// JobID derives the deterministic job identifier.
func JobID(payer, inputHash string, createdAt time.Time) string {
	e := newEncoder(domainJobID)
	e.str(payer)
	e.str(NormalizeHex(inputHash))
	e.uint64(uint64(createdAt.UnixNano()))
	return "0x" + hex.EncodeToString(e.sum())
}

// BindingCommitment re-binds a reused proof to this job's output:
// keccak(outputHash || jobID || firstInstance).
func BindingCommitment(outputHash, jobID, firstInstance string) string {
	e := newEncoder(domainBinding)
	e.str(NormalizeHex(outputHash))
	e.str(NormalizeHex(jobID))
	e.str(firstInstance)
	return "0x" + hex.EncodeToString(e.sum())
}

// ProofHash is the keccak256 of raw proof bytes.
func ProofHash(proof []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(proof)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// NormalizeHex lowercases a hex string and strips a 0x prefix.
func NormalizeHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "0x")
}

// DecodeDigest parses a 32-byte hex digest with or without 0x prefix.
func DecodeDigest(s string) ([]byte, error) {
	bz, err := hex.DecodeString(NormalizeHex(s))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(bz) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(bz))
	}
	return bz, nil
}

// SameDigest compares two hex digests ignoring case and prefix.
func SameDigest(a, b string) bool {
	return a != "" && NormalizeHex(a) == NormalizeHex(b)
}
