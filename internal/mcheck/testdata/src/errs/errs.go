package errs

import (
	"errors"
	"fmt"
)

func fail() error {
	_ = fmt.Sprintf("fine")
	_ = errors.New("oops") // want "use xerrors.New instead of errors.New"

	return fmt.Errorf("oops") // want "use xerrors.Errorf instead of fmt.Errorf"
}
