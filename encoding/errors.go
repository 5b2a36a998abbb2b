package encoding

import "fmt"

// EncodingError is returned when a value cannot be encoded.
type EncodingError struct {
	Field string
	Err   error
}

// NewEncodingError returns the error for the field.
func NewEncodingError(field string, err error) EncodingError {
	return EncodingError{
		Field: field,
		Err:   err,
	}
}

func (e EncodingError) Error() string {
	return fmt.Sprintf("couldn't encode %s: %v", e.Field, e.Err)
}

// Is returns true if the error is about the same field.
func (e EncodingError) Is(err error) bool {
	other, ok := err.(EncodingError)

	return ok && other.Field == e.Field
}

func (e EncodingError) Unwrap() error {
	return e.Err
}

// DecodingError is returned when data cannot be decoded.
type DecodingError struct {
	Field string
	Err   error
}

// NewDecodingError returns the error for the field.
func NewDecodingError(field string, err error) DecodingError {
	return DecodingError{
		Field: field,
		Err:   err,
	}
}

func (e DecodingError) Error() string {
	return fmt.Sprintf("couldn't decode %s: %v", e.Field, e.Err)
}

// Is returns true if the error is about the same field.
func (e DecodingError) Is(err error) bool {
	other, ok := err.(DecodingError)

	return ok && other.Field == e.Field
}

func (e DecodingError) Unwrap() error {
	return e.Err
}
