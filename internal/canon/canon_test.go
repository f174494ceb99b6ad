package canon

import (
	"crypto/ed25519"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeKeyOrdering(t *testing.T) {
	in := map[string]any{
		"b": 1,
		"a": 2,
		"c": map[string]any{"z": 1, "y": 2},
	}
	out, err := Canonicalize(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(out))
}

func TestCanonicalizeNumbers(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{1, "1"},
		{0, "0"},
		{-5, "-5"},
		{1.5, "1.5"},
		{100.0, "100"},
	}
	for _, tc := range cases {
		out, err := Canonicalize(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(out))
	}
}

func TestCanonicalizeRejectsNonFinite(t *testing.T) {
	type payload struct {
		V float64
	}
	_, err := Canonicalize(payload{V: math.Inf(1)})
	require.Error(t, err)
}

func TestHashOfDeterministic(t *testing.T) {
	a := map[string]any{"x": 1, "y": 2}
	b := map[string]any{"y": 2, "x": 1}

	hashA, err := HashOf(a)
	require.NoError(t, err)
	hashB, err := HashOf(b)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB, "key order must not affect the hash")
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	hash, err := HashOf(map[string]any{"amount": 100})
	require.NoError(t, err)

	sig := Sign(priv, hash)
	assert.True(t, Verify(pub, hash, sig))
	assert.False(t, Verify(pub, hash, sig+"tampered"))

	otherHash, err := HashOf(map[string]any{"amount": 101})
	require.NoError(t, err)
	assert.False(t, Verify(pub, otherHash, sig))
}
