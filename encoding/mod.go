// Package encoding provides the deterministic encoding of the client objects.
//
// Messages, transactions and ledgers are encoded in CBOR with the core
// deterministic options so that two encodings of the same value are equal
// byte-for-byte. It makes the encoding suitable to compute fingerprints that
// are signed or compared against the hashes a notary advertises.
package encoding

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/wiesiekpap/opentxs-sub020/crypto"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("invalid encoding options: %v", err))
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("invalid decoding options: %v", err))
	}
}

// Marshal returns the deterministic encoding of the value.
func Marshal(v interface{}) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, NewEncodingError(fmt.Sprintf("%T", v), err)
	}

	return data, nil
}

// Unmarshal decodes the data into the value pointed by v.
func Unmarshal(data []byte, v interface{}) error {
	err := decMode.Unmarshal(data, v)
	if err != nil {
		return NewDecodingError(fmt.Sprintf("%T", v), err)
	}

	return nil
}

// Fingerprint returns the digest of the deterministic encoding of the value.
func Fingerprint(f crypto.HashFactory, v interface{}) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	return crypto.Digest(f, data), nil
}
