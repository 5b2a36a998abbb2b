package dispatch

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/crypto"
	"github.com/wiesiekpap/opentxs-sub020/crypto/ed25519"
	"github.com/wiesiekpap/opentxs-sub020/crypto/loader"
	"golang.org/x/xerrors"
)

// Keyring provides the signer of a nym.
type Keyring interface {
	Signer(nym identifier.Nym) (crypto.Signer, error)
}

// FileKeyring is a keyring that stores one private key per nym in a
// directory. A key is generated the first time a nym is used.
//
// - implements dispatch.Keyring
type FileKeyring struct {
	sync.Mutex

	dir     string
	signers map[identifier.Nym]ed25519.Signer
}

// NewFileKeyring creates a keyring using the directory. The directory is
// created if necessary.
func NewFileKeyring(dir string) (*FileKeyring, error) {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		return nil, xerrors.Errorf("couldn't create directory: %v", err)
	}

	k := &FileKeyring{
		dir:     dir,
		signers: make(map[identifier.Nym]ed25519.Signer),
	}

	return k, nil
}

// Signer implements dispatch.Keyring.
func (k *FileKeyring) Signer(nym identifier.Nym) (crypto.Signer, error) {
	if nym.Empty() {
		return nil, xerrors.New("nym is missing")
	}

	k.Lock()
	defer k.Unlock()

	signer, found := k.signers[nym]
	if found {
		return signer, nil
	}

	path := filepath.Join(k.dir, filepath.Base(string(nym))+".key")

	data, err := loader.NewFileLoader(path).LoadOrCreate(loader.GeneratorFunc(generate))
	if err != nil {
		return nil, xerrors.Errorf("couldn't load key of %s: %v", nym, err)
	}

	signer, err = ed25519.NewSignerFromBytes(data)
	if err != nil {
		return nil, xerrors.Errorf("couldn't unmarshal key of %s: %v", nym, err)
	}

	k.signers[nym] = signer

	return signer, nil
}

// generate creates a new random private key.
func generate() ([]byte, error) {
	return ed25519.NewSigner().MarshalBinary()
}
