package encoding

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wiesiekpap/opentxs-sub020/crypto"
	"golang.org/x/xerrors"
)

type sample struct {
	B map[string]int
	A string
}

func TestMarshal_Deterministic(t *testing.T) {
	v := sample{A: "a", B: map[string]int{"z": 1, "a": 2, "m": 3}}

	first, err := Marshal(v)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		next, err := Marshal(v)
		require.NoError(t, err)
		require.Equal(t, first, next)
	}

	var out sample
	require.NoError(t, Unmarshal(first, &out))
	require.Equal(t, v, out)
}

func TestMarshal_Failures(t *testing.T) {
	_, err := Marshal(make(chan int))
	require.Error(t, err)
	require.True(t, xerrors.Is(err, NewEncodingError("chan int", nil)))

	var out sample
	err = Unmarshal([]byte{0xff}, &out)
	require.Error(t, err)
	require.True(t, xerrors.Is(err, NewDecodingError("*encoding.sample", nil)))
}

func TestFingerprint(t *testing.T) {
	f := crypto.NewHashFactory(crypto.Sha3_256)

	a, err := Fingerprint(f, sample{A: "a"})
	require.NoError(t, err)
	require.Len(t, a, 32)

	b, err := Fingerprint(f, sample{A: "b"})
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	_, err = Fingerprint(f, make(chan int))
	require.Error(t, err)
}
