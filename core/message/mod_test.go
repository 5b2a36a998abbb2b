package message

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/crypto/ed25519"
)

func TestMessage_SignAndVerify(t *testing.T) {
	signer := ed25519.NewSigner()

	msg := New(GetNymbox, identifier.NewPair("alice", "notary"))
	msg.RequestNumber = 3
	require.NoError(t, msg.SetPayload(map[string]int{"a": 1}))

	require.NoError(t, msg.Sign(signer))
	require.NotEmpty(t, msg.Signature)
	require.NoError(t, msg.Verify(ed25519.NewScheme()))

	// The correlation id is stamped after signing.
	msg.ID = "abc"
	require.NoError(t, msg.Verify(ed25519.NewScheme()))

	msg.RequestNumber = 4
	err := msg.Verify(ed25519.NewScheme())
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid signature: ")

	msg.Signature = nil
	require.EqualError(t, msg.Verify(ed25519.NewScheme()), "missing signature")

	msg.Signature = []byte{1}
	msg.PublicKey = []byte{}
	err = msg.Verify(ed25519.NewScheme())
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid public key: ")
}

func TestReply_SignAndVerify(t *testing.T) {
	signer := ed25519.NewSigner()

	msg := New(CheckNym, identifier.NewPair("alice", "notary"))
	msg.ID = "xyz"

	reply := NewReply(msg, true)
	require.Equal(t, "xyz", reply.ID)
	require.Equal(t, CheckNym, reply.Command)

	reply.NymboxHash = []byte{1, 2, 3}
	require.NoError(t, reply.Sign(signer))
	require.NoError(t, reply.Verify(ed25519.NewScheme()))

	reply.Success = false
	require.Error(t, reply.Verify(ed25519.NewScheme()))
}

func TestReply_DecodePayload(t *testing.T) {
	reply := NewReply(New(GetAccountData, identifier.Pair{}), true)

	var out []uint64
	err := reply.DecodePayload(&out)
	require.EqualError(t, err, "reply to 'getAccountData' has no payload")

	require.NoError(t, reply.SetPayload([]uint64{1, 2}))
	require.NoError(t, reply.DecodePayload(&out))
	require.Equal(t, []uint64{1, 2}, out)

	reply.Payload = []byte{0xff}
	err = reply.DecodePayload(&out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "payload: couldn't decode *[]uint64: ")

	err = reply.SetPayload(make(chan int))
	require.Error(t, err)
}

func TestDelivered(t *testing.T) {
	res := Delivered(nil)
	require.Equal(t, Unknown, res.Status)

	res = Delivered(&Reply{Success: true})
	require.Equal(t, MessageSuccess, res.Status)

	res = Delivered(&Reply{})
	require.Equal(t, MessageFailed, res.Status)
	require.NotNil(t, res.Reply)
}

func TestReplyStatus_String(t *testing.T) {
	require.Equal(t, "Unknown", Unknown.String())
	require.Equal(t, "NotSent", NotSent.String())
	require.Equal(t, "MessageSuccess", MessageSuccess.String())
	require.Equal(t, "MessageFailed", MessageFailed.String())
	require.Equal(t, "Unknown", ReplyStatus(99).String())
}
