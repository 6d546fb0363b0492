package circuits

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	mimcbn254 "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"golang.org/x/crypto/sha3"

	"github.com/paw-chain/mosaic/x/jobs/commitment"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

// PublicInputCount is the number of public instances of a proof.
const PublicInputCount = 5

const (
	jobIDDomain   = "mosaic/circuit/job-id"
	modelIDDomain = "mosaic/circuit/model-id"
)

// Statement is what a proof attests to: this output digest for this job and model.
type Statement struct {
	JobID   string
	ModelID string
	Output  [DigestSize]byte
}

// NewStatement builds a statement from a hex output digest.
func NewStatement(jobID, modelID, outputHash string) (Statement, error) {
	if jobID == "" || modelID == "" {
		return Statement{}, types.ErrInvalidPublicInputs.Wrap("job id and model id are required")
	}
	digest, err := commitment.DecodeDigest(outputHash)
	if err != nil {
		return Statement{}, types.ErrInvalidPublicInputs.Wrapf("output hash: %v", err)
	}
	st := Statement{JobID: jobID, ModelID: modelID}
	copy(st.Output[:], digest)
	return st, nil
}

// PublicInputs are the instance values of a statement, in circuit order.
type PublicInputs struct {
	JobID    *big.Int
	ModelID  *big.Int
	OutputHi *big.Int
	OutputLo *big.Int
	Binding  *big.Int
}

// Public computes the public instances of the statement.
func (s Statement) Public() PublicInputs {
	job := toField(jobIDDomain, s.JobID)
	model := toField(modelIDDomain, s.ModelID)
	hi := new(big.Int).SetBytes(s.Output[:limbSize])
	lo := new(big.Int).SetBytes(s.Output[limbSize:])
	return PublicInputs{
		JobID:    job,
		ModelID:  model,
		OutputHi: hi,
		OutputLo: lo,
		Binding:  nativeBinding(job, model, hi, lo),
	}
}

// Instances renders the public inputs as decimal strings.
func (p PublicInputs) Instances() []string {
	return []string{
		p.JobID.String(),
		p.ModelID.String(),
		p.OutputHi.String(),
		p.OutputLo.String(),
		p.Binding.String(),
	}
}

// ParseInstances reads decimal instances back into public inputs.
func ParseInstances(instances []string) (PublicInputs, error) {
	if len(instances) != PublicInputCount {
		return PublicInputs{}, types.ErrInvalidPublicInputs.Wrapf("expected %d instances, got %d", PublicInputCount, len(instances))
	}
	vals := make([]*big.Int, PublicInputCount)
	for i, s := range instances {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok || v.Sign() < 0 || v.Cmp(fr.Modulus()) >= 0 {
			return PublicInputs{}, types.ErrInvalidPublicInputs.Wrapf("instance %d is not a field element", i)
		}
		vals[i] = v
	}
	return PublicInputs{JobID: vals[0], ModelID: vals[1], OutputHi: vals[2], OutputLo: vals[3], Binding: vals[4]}, nil
}

// Equal reports whether two instance vectors are identical.
func (p PublicInputs) Equal(o PublicInputs) bool {
	return p.JobID.Cmp(o.JobID) == 0 &&
		p.ModelID.Cmp(o.ModelID) == 0 &&
		p.OutputHi.Cmp(o.OutputHi) == 0 &&
		p.OutputLo.Cmp(o.OutputLo) == 0 &&
		p.Binding.Cmp(o.Binding) == 0
}

// Assignment returns a full witness assignment for the statement.
func (s Statement) Assignment() *OutputBindingCircuit {
	a := publicAssignment(s.Public())
	for i, b := range s.Output {
		a.Output[i] = int(b)
	}
	return a
}

func publicAssignment(p PublicInputs) *OutputBindingCircuit {
	return &OutputBindingCircuit{
		JobID:    p.JobID,
		ModelID:  p.ModelID,
		OutputHi: p.OutputHi,
		OutputLo: p.OutputLo,
		Binding:  p.Binding,
	}
}

// toField maps an arbitrary string into the BN254 scalar field.
func toField(domain, s string) *big.Int {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(domain))
	h.Write([]byte(s))
	var el fr.Element
	el.SetBytes(h.Sum(nil))
	out := new(big.Int)
	el.BigInt(out)
	return out
}

func nativeBinding(vals ...*big.Int) *big.Int {
	h := mimcbn254.NewMiMC()
	for _, v := range vals {
		var el fr.Element
		el.SetBigInt(v)
		b := el.Bytes()
		h.Write(b[:])
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

func (p PublicInputs) String() string {
	return fmt.Sprintf("job=%s model=%s hi=%s lo=%s binding=%s", p.JobID, p.ModelID, p.OutputHi, p.OutputLo, p.Binding)
}
