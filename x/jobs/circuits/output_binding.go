package circuits

import (
	"fmt"

	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// DigestSize is the byte length of the output digest the circuit opens.
const DigestSize = 32

// limbSize is the byte length of each public digest limb.
const limbSize = DigestSize / 2

// OutputBindingCircuit proves knowledge of an output digest and binds it to
// one job and one model.
//
// Circuit Statement: "The 32-byte digest D splits into the public limbs
// (OutputHi, OutputLo), and Binding = MiMC(JobID, ModelID, OutputHi, OutputLo)."
//
// The public instances change with every output, so a proof for one job's
// output never verifies against another job or another output.
type OutputBindingCircuit struct {
	// Public inputs, in instance order
	JobID    frontend.Variable `gnark:",public"`
	ModelID  frontend.Variable `gnark:",public"`
	OutputHi frontend.Variable `gnark:",public"` // digest bytes 0..15, big-endian
	OutputLo frontend.Variable `gnark:",public"` // digest bytes 16..31, big-endian
	Binding  frontend.Variable `gnark:",public"`

	// Private inputs
	Output [DigestSize]frontend.Variable `gnark:",secret"`
}

// Define implements the gnark Circuit interface.
func (c *OutputBindingCircuit) Define(api frontend.API) error {
	hi := frontend.Variable(0)
	lo := frontend.Variable(0)
	for i := 0; i < DigestSize; i++ {
		// each digest element must be a byte
		api.ToBinary(c.Output[i], 8)
		if i < limbSize {
			hi = api.Add(api.Mul(hi, 256), c.Output[i])
		} else {
			lo = api.Add(api.Mul(lo, 256), c.Output[i])
		}
	}
	api.AssertIsEqual(hi, c.OutputHi)
	api.AssertIsEqual(lo, c.OutputLo)

	h, err := mimc.NewMiMC(api)
	if err != nil {
		return fmt.Errorf("failed to initialize MiMC: %w", err)
	}
	h.Write(c.JobID, c.ModelID, c.OutputHi, c.OutputLo)
	api.AssertIsEqual(h.Sum(), c.Binding)
	return nil
}
