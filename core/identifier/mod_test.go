package identifier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPair_Valid(t *testing.T) {
	require.True(t, NewPair("alice", "notary").Valid())
	require.False(t, NewPair("", "notary").Valid())
	require.False(t, NewPair("alice", "").Valid())
}

func TestPair_String(t *testing.T) {
	pair := NewPair("ot2abcdefghijk", "notary")
	require.Equal(t, "ot2abcde@notary", pair.String())
}

func TestPair_Key(t *testing.T) {
	require.Equal(t, []byte("alice/notary"), NewPair("alice", "notary").Key())
}
