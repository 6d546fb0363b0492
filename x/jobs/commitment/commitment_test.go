package commitment

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

const testWorker = "0x9f2c4e1a7b3d5f60718293a4b5c6d7e8f9012345"

func TestBuildAndVerifyReveal(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)
	require.Len(t, nonce, NonceSize)

	inputHash := HashInput("summarize the ETH/USDC pool")
	c, err := Build("sentiment-v1", inputHash, nonce, testWorker)
	require.NoError(t, err)
	require.Len(t, c, 66)
	require.True(t, VerifyReveal(c, "sentiment-v1", inputHash, nonce, testWorker))

	// prefix and case of the stored hash do not matter
	require.True(t, VerifyReveal(NormalizeHex(c), "sentiment-v1", "0x"+inputHash, nonce, testWorker))
}

func TestBuildRejectsBadFields(t *testing.T) {
	nonce := bytes.Repeat([]byte{7}, NonceSize)
	inputHash := HashInput("x")

	_, err := Build("", inputHash, nonce, testWorker)
	require.ErrorIs(t, err, types.ErrInvalidCommitment)
	_, err = Build("m", "zz", nonce, testWorker)
	require.ErrorIs(t, err, types.ErrInvalidCommitment)
	_, err = Build("m", inputHash, nil, testWorker)
	require.ErrorIs(t, err, types.ErrInvalidCommitment)
	_, err = Build("m", inputHash, nonce, "")
	require.ErrorIs(t, err, types.ErrInvalidCommitment)

	require.False(t, VerifyReveal("not-hex", "m", inputHash, nonce, testWorker))
}

func TestEncodingIsTypeTagged(t *testing.T) {
	a := newEncoder("d")
	a.str("abc")
	b := newEncoder("d")
	b.bytes([]byte("abc"))
	require.NotEqual(t, a.sum(), b.sum())
}

func TestEncodingIsOrderSensitive(t *testing.T) {
	nonce := bytes.Repeat([]byte{1}, NonceSize)
	inputHash := HashInput("in")

	c1, err := Build("ab", inputHash, nonce, "c")
	require.NoError(t, err)
	c2, err := Build("a", inputHash, nonce, "bc")
	require.NoError(t, err)
	require.NotEqual(t, c1, c2)

	c3, err := Build("c", inputHash, nonce, "ab")
	require.NoError(t, err)
	require.NotEqual(t, c1, c3)
}

func TestRevealProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		modelID := rapid.StringMatching(`[a-z0-9\-]{1,24}`).Draw(t, "modelID")
		input := rapid.String().Draw(t, "input")
		nonce := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "nonce")
		worker := rapid.StringMatching(`0x[0-9a-f]{40}`).Draw(t, "worker")
		inputHash := HashInput(input)

		c, err := Build(modelID, inputHash, nonce, worker)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if !VerifyReveal(c, modelID, inputHash, nonce, worker) {
			t.Fatal("honest reveal rejected")
		}

		switch rapid.IntRange(0, 3).Draw(t, "field") {
		case 0:
			if VerifyReveal(c, modelID+"x", inputHash, nonce, worker) {
				t.Fatal("mutated model id accepted")
			}
		case 1:
			other := HashInput(input + "x")
			if VerifyReveal(c, modelID, other, nonce, worker) {
				t.Fatal("mutated input hash accepted")
			}
		case 2:
			mutated := append([]byte(nil), nonce...)
			i := rapid.IntRange(0, len(mutated)-1).Draw(t, "byte")
			mutated[i] ^= 0x01
			if VerifyReveal(c, modelID, inputHash, mutated, worker) {
				t.Fatal("mutated nonce accepted")
			}
		case 3:
			if VerifyReveal(c, modelID, inputHash, nonce, worker+"0") {
				t.Fatal("mutated worker accepted")
			}
		}
	})
}

func TestOutputHashRoundTrip(t *testing.T) {
	output := "ETH/USDC liquidity rose 4.2% with positive growth signals"
	payerSide := HashOutput(output)
	workerSide := HashOutput(string([]byte(output)))
	require.Equal(t, payerSide, workerSide)
	require.Len(t, payerSide, 64)
	require.True(t, SameDigest(payerSide, "0x"+payerSide))
	require.False(t, SameDigest("", ""))
}

func TestJobIDDeterministic(t *testing.T) {
	at := time.Unix(1_700_000_000, 42)
	in := HashInput("task")
	require.Equal(t, JobID("payer", in, at), JobID("payer", in, at))
	require.NotEqual(t, JobID("payer", in, at), JobID("payer", in, at.Add(time.Nanosecond)))
	require.NotEqual(t, JobID("payer", in, at), JobID("payer2", in, at))
}

func TestBindingCommitment(t *testing.T) {
	out := HashOutput("o")
	b1 := BindingCommitment(out, "0xabc", "12345")
	require.Equal(t, b1, BindingCommitment("0x"+out, "0xABC", "12345"))
	require.NotEqual(t, b1, BindingCommitment(out, "0xabd", "12345"))
	require.NotEqual(t, b1, BindingCommitment(out, "0xabc", "12346"))
}
