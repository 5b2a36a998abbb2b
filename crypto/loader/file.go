package loader

import (
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

// fileLoader stores a key in a single file readable by the owner only. A new
// key is written to a temporary file first and renamed, so that a crash never
// leaves a partial key behind.
//
// - implements loader.Loader
type fileLoader struct {
	path string

	readFn   func(path string) ([]byte, error)
	renameFn func(from, to string) error
}

// NewFileLoader creates a new loader that is using the file given in parameter.
func NewFileLoader(path string) Loader {
	return fileLoader{
		path:     path,
		readFn:   os.ReadFile,
		renameFn: os.Rename,
	}
}

// LoadOrCreate implements loader.Loader.
func (l fileLoader) LoadOrCreate(g Generator) ([]byte, error) {
	data, err := l.readFn(l.path)
	if err == nil {
		if len(data) == 0 {
			return nil, xerrors.Errorf("key file '%s' is empty", l.path)
		}

		return data, nil
	}

	if !os.IsNotExist(err) {
		return nil, xerrors.Errorf("while reading file: %v", err)
	}

	data, err = g.Generate()
	if err != nil {
		return nil, xerrors.Errorf("generator failed: %v", err)
	}

	err = l.store(data)
	if err != nil {
		return nil, err
	}

	return data, nil
}

func (l fileLoader) store(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*")
	if err != nil {
		return xerrors.Errorf("while creating file: %v", err)
	}

	defer os.Remove(tmp.Name())

	_, err = tmp.Write(data)
	if err != nil {
		tmp.Close()
		return xerrors.Errorf("while writing: %v", err)
	}

	err = tmp.Close()
	if err != nil {
		return xerrors.Errorf("while closing: %v", err)
	}

	err = os.Chmod(tmp.Name(), 0400)
	if err != nil {
		return xerrors.Errorf("while setting permissions: %v", err)
	}

	err = l.renameFn(tmp.Name(), l.path)
	if err != nil {
		return xerrors.Errorf("while renaming: %v", err)
	}

	return nil
}
