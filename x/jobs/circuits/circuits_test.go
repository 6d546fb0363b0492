package circuits

import (
	"math/big"
	"testing"

	"cosmossdk.io/log"
	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/test"
	"github.com/stretchr/testify/require"

	"github.com/paw-chain/mosaic/x/jobs/commitment"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

const (
	testJobID = "0x5c1d7e2b3a4f6e8d9c0b1a2f3e4d5c6b7a8f9e0d1c2b3a4f5e6d7c8b9a0f1e2d"
	testModel = "sentiment-v1"
)

func testStatement(t *testing.T, output string) Statement {
	t.Helper()
	st, err := NewStatement(testJobID, testModel, commitment.HashOutput(output))
	require.NoError(t, err)
	return st
}

func TestOutputBindingCircuitSolves(t *testing.T) {
	st := testStatement(t, "positive growth")
	assert := test.NewAssert(t)
	assert.SolvingSucceeded(new(OutputBindingCircuit), st.Assignment(), test.WithCurves(ecc.BN254))
}

func TestOutputBindingCircuitRejectsWrongBinding(t *testing.T) {
	st := testStatement(t, "positive growth")
	bad := st.Assignment()
	bad.Binding = new(big.Int).Add(st.Public().Binding, big.NewInt(1))

	assert := test.NewAssert(t)
	assert.SolvingFailed(new(OutputBindingCircuit), bad, test.WithCurves(ecc.BN254))
}

func TestOutputBindingCircuitRejectsOtherOutput(t *testing.T) {
	st := testStatement(t, "positive growth")
	other := testStatement(t, "negative growth")

	bad := st.Assignment()
	for i := range bad.Output {
		bad.Output[i] = int(other.Output[i])
	}
	assert := test.NewAssert(t)
	assert.SolvingFailed(new(OutputBindingCircuit), bad, test.WithCurves(ecc.BN254))
}

func TestInstancesRoundTrip(t *testing.T) {
	pub := testStatement(t, "x").Public()
	parsed, err := ParseInstances(pub.Instances())
	require.NoError(t, err)
	require.True(t, pub.Equal(parsed))

	_, err = ParseInstances([]string{"1", "2"})
	require.ErrorIs(t, err, types.ErrInvalidPublicInputs)
	_, err = ParseInstances([]string{"1", "2", "3", "4", "-5"})
	require.ErrorIs(t, err, types.ErrInvalidPublicInputs)
}

func TestPublicInputsDifferPerJobAndOutput(t *testing.T) {
	a := testStatement(t, "x").Public()
	b := testStatement(t, "y").Public()
	require.False(t, a.Equal(b))

	st, err := NewStatement("0xother", testModel, commitment.HashOutput("x"))
	require.NoError(t, err)
	require.NotEqual(t, 0, a.JobID.Cmp(st.Public().JobID))
	require.NotEqual(t, 0, a.Binding.Cmp(st.Public().Binding))
}

func TestNewStatementRejectsBadDigest(t *testing.T) {
	_, err := NewStatement(testJobID, testModel, "abc")
	require.ErrorIs(t, err, types.ErrInvalidPublicInputs)
	_, err = NewStatement("", testModel, commitment.HashOutput("x"))
	require.ErrorIs(t, err, types.ErrInvalidPublicInputs)
}

func TestRegistryProveVerifySaveLoad(t *testing.T) {
	reg := NewRegistry(log.NewNopLogger())
	require.NoError(t, reg.Setup(testModel))
	require.True(t, reg.CanProve(testModel))

	st := testStatement(t, "positive growth")
	proof, pub, err := reg.Prove(st)
	require.NoError(t, err)
	require.NotEmpty(t, proof)
	require.NoError(t, reg.Verify(testModel, proof, pub))

	// the same proof must not verify for another output
	other := testStatement(t, "negative growth").Public()
	require.ErrorIs(t, reg.Verify(testModel, proof, other), types.ErrVerificationFailed)

	require.ErrorIs(t, reg.Verify("unknown", proof, pub), types.ErrUnknownModel)

	dir := t.TempDir()
	require.NoError(t, reg.Save(dir))

	loaded := NewRegistry(log.NewNopLogger())
	require.NoError(t, loaded.Load(dir))
	require.Equal(t, []string{testModel}, loaded.Models())
	require.True(t, loaded.HasVerifyingKey(testModel))
	require.True(t, loaded.CanProve(testModel))
	require.NoError(t, loaded.Verify(testModel, proof, pub))
}

func TestValidateModelID(t *testing.T) {
	require.NoError(t, ValidateModelID("llama-3.1_8b"))
	require.Error(t, ValidateModelID("../etc/passwd"))
	require.Error(t, ValidateModelID(""))
}
