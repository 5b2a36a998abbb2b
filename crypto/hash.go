package crypto

import (
	"crypto/sha256"
	"hash"

	"golang.org/x/crypto/sha3"
)

// HashAlgorithm is the kind of digest a factory produces.
type HashAlgorithm int

const (
	// Sha256 is used to fingerprint the messages that are signed.
	Sha256 HashAlgorithm = iota
	// Sha3_256 is used for the consensus hashes of the boxes and ledgers.
	Sha3_256
)

// hashFactory is a hash factory that is using SHA algorithms.
//
// - implements crypto.HashFactory
type hashFactory struct {
	hashType HashAlgorithm
}

// NewHashFactory returns a new instance of the factory.
func NewHashFactory(a HashAlgorithm) HashFactory {
	return hashFactory{hashType: a}
}

// New implements crypto.HashFactory. It returns a new Hash instance.
func (f hashFactory) New() hash.Hash {
	switch f.hashType {
	case Sha256:
		return sha256.New()
	case Sha3_256:
		return sha3.New256()
	default:
		panic("unknown hash type")
	}
}

// Digest returns the digest of the concatenation of the chunks.
func Digest(f HashFactory, chunks ...[]byte) []byte {
	h := f.New()

	for _, chunk := range chunks {
		h.Write(chunk)
	}

	return h.Sum(nil)
}
