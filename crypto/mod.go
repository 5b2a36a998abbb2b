// Package crypto defines the cryptographic primitives used by the client to
// authenticate its requests and its transactions to a notary.
//
// The engine does not depend on a specific algorithm. The default
// implementation is the Schnorr signature over Ed25519 in the ed25519 package.
package crypto

import (
	"encoding"
	"fmt"
	"hash"
)

// HashFactory is an interface to produce a hash digest.
type HashFactory interface {
	New() hash.Hash
}

// PublicKey is a public identity that can be used to verify a signature.
type PublicKey interface {
	encoding.BinaryMarshaler
	fmt.Stringer

	// Verify returns nil if the signature matches the message.
	Verify(msg []byte, signature Signature) error

	// Equal returns true if the other public key is the same.
	Equal(other interface{}) bool
}

// PublicKeyFactory is a factory to create public keys.
type PublicKeyFactory interface {
	FromBytes(data []byte) (PublicKey, error)
}

// Signature is a verifiable element for a unique message.
type Signature interface {
	encoding.BinaryMarshaler

	Equal(other Signature) bool
}

// SignatureFactory is a factory to create signatures.
type SignatureFactory interface {
	SignatureOf(data []byte) (Signature, error)
}

// Scheme gathers the factories of a signature algorithm. It is enough to
// verify the messages of any signer of the algorithm.
type Scheme interface {
	GetPublicKeyFactory() PublicKeyFactory
	GetSignatureFactory() SignatureFactory
}

// Signer provides the primitives to sign and verify signatures.
type Signer interface {
	Scheme

	GetPublicKey() PublicKey
	Sign(msg []byte) (Signature, error)
}
