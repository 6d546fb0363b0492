package circuits

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"cosmossdk.io/log"
	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

// CircuitID identifies the output-binding circuit and its version.
const CircuitID = "output-binding-v1"

const (
	provingKeyExt   = ".pk"
	verifyingKeyExt = ".vk"
)

var modelIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// modelKeys holds the Groth16 keys of a single model. pk is nil on
// verify-only nodes.
type modelKeys struct {
	pk groth16.ProvingKey
	vk groth16.VerifyingKey
}

// Registry holds the compiled circuit and the per-model Groth16 keys.
type Registry struct {
	logger log.Logger

	mu   sync.RWMutex
	ccs  constraint.ConstraintSystem
	keys map[string]*modelKeys
}

// NewRegistry creates an empty key registry.
func NewRegistry(logger log.Logger) *Registry {
	return &Registry{
		logger: logger.With("module", "x/jobs/circuits"),
		keys:   make(map[string]*modelKeys),
	}
}

// ValidateModelID checks a model id is usable as a key file name.
func ValidateModelID(modelID string) error {
	if !modelIDPattern.MatchString(modelID) {
		return types.ErrUnknownModel.Wrapf("invalid model id %q", modelID)
	}
	return nil
}

// compiled returns the constraint system, compiling it on first use.
// Callers must hold r.mu for writing.
func (r *Registry) compiled() (constraint.ConstraintSystem, error) {
	if r.ccs != nil {
		return r.ccs, nil
	}
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &OutputBindingCircuit{})
	if err != nil {
		return nil, fmt.Errorf("failed to compile circuit: %w", err)
	}
	r.logger.Info("compiled output binding circuit", "constraints", ccs.GetNbConstraints())
	r.ccs = ccs
	return ccs, nil
}

// Setup generates fresh proving and verifying keys for a model. Existing keys
// are kept.
func (r *Registry) Setup(modelID string) error {
	if err := ValidateModelID(modelID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if k, ok := r.keys[modelID]; ok && k.pk != nil {
		return nil
	}
	ccs, err := r.compiled()
	if err != nil {
		return err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return fmt.Errorf("failed to setup keys for %s: %w", modelID, err)
	}
	r.keys[modelID] = &modelKeys{pk: pk, vk: vk}
	r.logger.Info("generated model keys", "model_id", modelID)
	return nil
}

// HasVerifyingKey reports whether proofs for modelID can be verified.
func (r *Registry) HasVerifyingKey(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[modelID]
	return ok
}

// CanProve reports whether this node holds the proving key for modelID.
func (r *Registry) CanProve(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[modelID]
	return ok && k.pk != nil
}

// Models lists the registered model ids in sorted order.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.keys))
	for id := range r.keys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Prove generates a Groth16 proof for the statement and returns the
// serialized proof with its public inputs.
func (r *Registry) Prove(st Statement) ([]byte, PublicInputs, error) {
	r.mu.Lock()
	k, ok := r.keys[st.ModelID]
	if !ok || k.pk == nil {
		r.mu.Unlock()
		return nil, PublicInputs{}, types.ErrUnknownModel.Wrapf("no proving key for %s", st.ModelID)
	}
	ccs, err := r.compiled()
	r.mu.Unlock()
	if err != nil {
		return nil, PublicInputs{}, err
	}

	pub := st.Public()
	w, err := frontend.NewWitness(st.Assignment(), ecc.BN254.ScalarField())
	if err != nil {
		return nil, PublicInputs{}, fmt.Errorf("failed to build witness: %w", err)
	}
	proof, err := groth16.Prove(ccs, k.pk, w)
	if err != nil {
		return nil, PublicInputs{}, fmt.Errorf("failed to generate proof: %w", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, PublicInputs{}, fmt.Errorf("failed to serialize proof: %w", err)
	}
	return buf.Bytes(), pub, nil
}

// Verify checks a serialized proof against the model's verifying key and
// the given public inputs.
func (r *Registry) Verify(modelID string, proofData []byte, pub PublicInputs) error {
	r.mu.RLock()
	k, ok := r.keys[modelID]
	r.mu.RUnlock()
	if !ok {
		return types.ErrUnknownModel.Wrapf("no verifying key for %s", modelID)
	}

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofData)); err != nil {
		return types.ErrVerificationFailed.Wrapf("failed to deserialize proof: %v", err)
	}
	w, err := frontend.NewWitness(publicAssignment(pub), ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return types.ErrInvalidPublicInputs.Wrapf("failed to build public witness: %v", err)
	}
	if err := groth16.Verify(proof, k.vk, w); err != nil {
		return types.ErrVerificationFailed.Wrap(err.Error())
	}
	return nil
}

// Save writes every model's keys into dir as <model>.pk and <model>.vk.
func (r *Registry) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, k := range r.keys {
		if err := writeKey(filepath.Join(dir, id+verifyingKeyExt), k.vk); err != nil {
			return err
		}
		if k.pk != nil {
			if err := writeKey(filepath.Join(dir, id+provingKeyExt), k.pk); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load reads every <model>.vk in dir and its <model>.pk when present.
func (r *Registry) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read key directory: %w", err)
	}

	loaded := make(map[string]*modelKeys)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), verifyingKeyExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), verifyingKeyExt)
		if err := ValidateModelID(id); err != nil {
			r.logger.Error("skipping key file", "file", e.Name(), "error", err)
			continue
		}

		vk := groth16.NewVerifyingKey(ecc.BN254)
		if err := readKey(filepath.Join(dir, e.Name()), vk); err != nil {
			return err
		}
		mk := &modelKeys{vk: vk}

		pk := groth16.NewProvingKey(ecc.BN254)
		switch err := readKey(filepath.Join(dir, id+provingKeyExt), pk); {
		case err == nil:
			mk.pk = pk
		case errors.Is(err, fs.ErrNotExist):
		default:
			return err
		}
		loaded[id] = mk
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, mk := range loaded {
		r.keys[id] = mk
	}
	r.logger.Info("loaded model keys", "dir", dir, "count", len(loaded))
	return nil
}

type keyWriter interface {
	WriteTo(w io.Writer) (int64, error)
}

type keyReader interface {
	ReadFrom(r io.Reader) (int64, error)
}

func writeKey(path string, k keyWriter) error {
	var buf bytes.Buffer
	if _, err := k.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to serialize %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readKey(path string, k keyReader) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := k.ReadFrom(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return nil
}

// VerifyInstances verifies a proof against decimal public instances.
func (r *Registry) VerifyInstances(modelID string, proofData []byte, instances []string) error {
	pub, err := ParseInstances(instances)
	if err != nil {
		return err
	}
	return r.Verify(modelID, proofData, pub)
}
