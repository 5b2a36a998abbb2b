// Package message defines the requests a client sends to a notary and the
// replies it receives.
//
// A request is stamped with the request number of the consensus context and
// signed by the nym before it is submitted. The outcome of a round trip is a
// delivery result made of a status and the optional signed reply.
package message

import (
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/crypto"
	"github.com/wiesiekpap/opentxs-sub020/encoding"
	"golang.org/x/xerrors"
)

var fingerprintHash = crypto.NewHashFactory(crypto.Sha256)

// Command is the name of a notary command.
type Command string

const (
	RegisterNym                  Command = "registerNym"
	GetRequestNumber             Command = "getRequestNumber"
	GetNymbox                    Command = "getNymbox"
	ProcessNymbox                Command = "processNymbox"
	GetTransactionNumbers        Command = "getTransactionNumbers"
	NotarizeTransaction          Command = "notarizeTransaction"
	ProcessInbox                 Command = "processInbox"
	GetAccountData               Command = "getAccountData"
	GetBoxReceipt                Command = "getBoxReceipt"
	CheckNym                     Command = "checkNym"
	GetContract                  Command = "getInstrumentDefinition"
	RegisterContract             Command = "registerContract"
	SendNymMessage               Command = "sendNymMessage"
	SendPeerRequest              Command = "sendPeerRequest"
	SendPeerReply                Command = "sendPeerReply"
	RequestAdmin                 Command = "requestAdmin"
	RegisterAccount              Command = "registerAccount"
	RegisterInstrumentDefinition Command = "registerInstrumentDefinition"
)

// Message is a request sent to a notary.
type Message struct {
	// ID is the correlation identifier stamped by the transport.
	ID            string
	Command       Command
	Nym           identifier.Nym
	Notary        identifier.Notary
	RequestNumber uint64
	NymboxHash    []byte
	// Target is the nym, contract or account the command is about.
	Target  string
	Payload []byte

	PublicKey []byte
	Signature []byte
}

// New returns an unsigned message for the pair.
func New(cmd Command, pair identifier.Pair) *Message {
	return &Message{
		Command: cmd,
		Nym:     pair.Nym,
		Notary:  pair.Notary,
	}
}

// SetPayload encodes the value as the payload of the message.
func (m *Message) SetPayload(v interface{}) error {
	data, err := encoding.Marshal(v)
	if err != nil {
		return xerrors.Errorf("payload: %v", err)
	}

	m.Payload = data

	return nil
}

// Fingerprint returns the digest of the message without its signature.
func (m *Message) Fingerprint() ([]byte, error) {
	unsigned := *m
	unsigned.ID = ""
	unsigned.Signature = nil

	return encoding.Fingerprint(fingerprintHash, unsigned)
}

// Sign signs the fingerprint of the message and attaches the public key of the
// signer so the notary can authenticate the nym.
func (m *Message) Sign(signer crypto.Signer) error {
	pubkey, err := signer.GetPublicKey().MarshalBinary()
	if err != nil {
		return xerrors.Errorf("couldn't marshal public key: %v", err)
	}

	m.PublicKey = pubkey

	digest, err := m.Fingerprint()
	if err != nil {
		return xerrors.Errorf("couldn't fingerprint: %v", err)
	}

	sig, err := signer.Sign(digest)
	if err != nil {
		return xerrors.Errorf("couldn't sign: %v", err)
	}

	m.Signature, err = sig.MarshalBinary()
	if err != nil {
		return xerrors.Errorf("couldn't marshal signature: %v", err)
	}

	return nil
}

// Verify checks the signature of the message against the embedded public key.
func (m *Message) Verify(scheme crypto.Scheme) error {
	return verify(scheme, m.PublicKey, m.Signature, m.Fingerprint)
}

// Reply is the signed answer of a notary to a message.
type Reply struct {
	ID      string
	Command Command
	Nym     identifier.Nym
	Notary  identifier.Notary
	// Success is false when the notary refused the message as a whole.
	Success bool
	// RequestNumber is the next request number the notary expects.
	RequestNumber uint64
	// NymboxHash is the hash of the nymbox held by the notary.
	NymboxHash []byte
	Payload    []byte

	PublicKey []byte
	Signature []byte
}

// NewReply returns the reply skeleton to the message.
func NewReply(m *Message, success bool) *Reply {
	return &Reply{
		ID:      m.ID,
		Command: m.Command,
		Nym:     m.Nym,
		Notary:  m.Notary,
		Success: success,
	}
}

// SetPayload encodes the value as the payload of the reply.
func (r *Reply) SetPayload(v interface{}) error {
	data, err := encoding.Marshal(v)
	if err != nil {
		return xerrors.Errorf("payload: %v", err)
	}

	r.Payload = data

	return nil
}

// DecodePayload decodes the payload of the reply into v.
func (r *Reply) DecodePayload(v interface{}) error {
	if len(r.Payload) == 0 {
		return xerrors.Errorf("reply to '%s' has no payload", r.Command)
	}

	err := encoding.Unmarshal(r.Payload, v)
	if err != nil {
		return xerrors.Errorf("payload: %v", err)
	}

	return nil
}

// Fingerprint returns the digest of the reply without its signature.
func (r *Reply) Fingerprint() ([]byte, error) {
	unsigned := *r
	unsigned.Signature = nil

	return encoding.Fingerprint(fingerprintHash, unsigned)
}

// Sign signs the reply with the key of the notary.
func (r *Reply) Sign(signer crypto.Signer) error {
	pubkey, err := signer.GetPublicKey().MarshalBinary()
	if err != nil {
		return xerrors.Errorf("couldn't marshal public key: %v", err)
	}

	r.PublicKey = pubkey

	digest, err := r.Fingerprint()
	if err != nil {
		return xerrors.Errorf("couldn't fingerprint: %v", err)
	}

	sig, err := signer.Sign(digest)
	if err != nil {
		return xerrors.Errorf("couldn't sign: %v", err)
	}

	r.Signature, err = sig.MarshalBinary()
	if err != nil {
		return xerrors.Errorf("couldn't marshal signature: %v", err)
	}

	return nil
}

// Verify checks the signature of the reply against the embedded public key.
func (r *Reply) Verify(scheme crypto.Scheme) error {
	return verify(scheme, r.PublicKey, r.Signature, r.Fingerprint)
}

func verify(scheme crypto.Scheme, rawKey, rawSig []byte, fingerprint func() ([]byte, error)) error {
	if len(rawSig) == 0 {
		return xerrors.New("missing signature")
	}

	pubkey, err := scheme.GetPublicKeyFactory().FromBytes(rawKey)
	if err != nil {
		return xerrors.Errorf("invalid public key: %v", err)
	}

	sig, err := scheme.GetSignatureFactory().SignatureOf(rawSig)
	if err != nil {
		return xerrors.Errorf("invalid signature: %v", err)
	}

	digest, err := fingerprint()
	if err != nil {
		return xerrors.Errorf("couldn't fingerprint: %v", err)
	}

	err = pubkey.Verify(digest, sig)
	if err != nil {
		return xerrors.Errorf("invalid signature: %v", err)
	}

	return nil
}
