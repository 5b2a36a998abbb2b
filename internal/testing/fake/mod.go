// Package fake provides fake implementations for interfaces commonly used in
// the repository.
// The implementations offer configuration to return errors when it is needed by
// the unit test and it is also possible to record the call of functions of an
// object in some cases.
package fake

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wiesiekpap/opentxs-sub020/core/future"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/crypto"
	"golang.org/x/xerrors"
)

// Call is a tool to keep track of a function calls.
type Call struct {
	sync.Mutex
	calls [][]interface{}
}

// Get returns the nth call ith parameter.
func (c *Call) Get(n, i int) interface{} {
	c.Lock()
	defer c.Unlock()

	return c.calls[n][i]
}

// Len returns the number of calls.
func (c *Call) Len() int {
	c.Lock()
	defer c.Unlock()

	return len(c.calls)
}

// Add adds a call to the list.
func (c *Call) Add(args ...interface{}) {
	c.Lock()
	defer c.Unlock()

	c.calls = append(c.calls, args)
}

// Clear forgets the calls.
func (c *Call) Clear() {
	c.Lock()
	defer c.Unlock()

	c.calls = nil
}

var fakeErr = xerrors.New("fake error")

// Err returns the expected error message for a fake error.
func Err(msg string) string {
	return fmt.Sprintf("%s: fake error", msg)
}

// NewError returns the fake error.
func NewError() error {
	return fakeErr
}

// Transport is a fake transport that resolves every submission with the same
// result, or never when the result is not set.
//
// - implements transport.Transport
type Transport struct {
	Result *message.DeliveryResult
	Calls  *Call
}

// NewTransport returns a transport that resolves with the status.
func NewTransport(status message.ReplyStatus) Transport {
	return Transport{
		Result: &message.DeliveryResult{Status: status},
		Calls:  &Call{},
	}
}

// NewBlockingTransport returns a transport that never resolves.
func NewBlockingTransport() Transport {
	return Transport{Calls: &Call{}}
}

// Submit implements transport.Transport.
func (t Transport) Submit(_ context.Context, msg *message.Message) *future.Future[message.DeliveryResult] {
	t.Calls.Add(msg)

	if t.Result == nil {
		_, fut := future.New[message.DeliveryResult]()
		return fut
	}

	return future.Resolved(*t.Result)
}

// Signer is a fake signer that fails.
//
// - implements crypto.Signer
type Signer struct {
	crypto.Signer
}

// NewBadSigner returns a signer that fails to sign.
func NewBadSigner() Signer {
	return Signer{}
}

// GetPublicKey implements crypto.Signer.
func (s Signer) GetPublicKey() crypto.PublicKey {
	return PublicKey{}
}

// Sign implements crypto.Signer. It always returns an error.
func (s Signer) Sign([]byte) (crypto.Signature, error) {
	return nil, fakeErr
}

// PublicKey is a fake public key.
//
// - implements crypto.PublicKey
type PublicKey struct {
	crypto.PublicKey
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (PublicKey) MarshalBinary() ([]byte, error) {
	return []byte("PK"), nil
}

// CheckLog returns a logger and a check function. When called, the function
// will verify if the logger has seen the message printed.
func CheckLog(msg string) (zerolog.Logger, func(t require.TestingT)) {
	buffer := new(syncBuffer)

	check := func(t require.TestingT) {
		require.Contains(t, buffer.String(), fmt.Sprintf(`"%s"`, msg))
	}

	return zerolog.New(buffer), check
}

type syncBuffer struct {
	sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.Lock()
	defer b.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.Lock()
	defer b.Unlock()

	return b.buf.String()
}
