// Package transport defines how a signed request reaches a notary and how its
// reply comes back.
//
// A transport makes at most one delivery attempt per call and never retries;
// the engine owns the retry policy. The future returned by a transport may
// never resolve when the network is down, which is why every consumer waits
// with a timeout and a context.
package transport

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/xid"
	"github.com/wiesiekpap/opentxs-sub020/core/future"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/crypto"
	"golang.org/x/xerrors"
)

// Transport submits messages to a notary.
type Transport interface {
	// Submit sends the message and returns a future that resolves with the
	// outcome of the round trip.
	Submit(ctx context.Context, msg *message.Message) *future.Future[message.DeliveryResult]
}

// Handler is the notary side of a transport. It returns the reply to a
// message, or an error when no reply can be produced.
type Handler interface {
	Handle(ctx context.Context, msg *message.Message) (*message.Reply, error)
}

// Stamp sets the correlation identifier of the message if it is missing.
func Stamp(msg *message.Message) {
	if msg.ID == "" {
		msg.ID = xid.New().String()
	}
}

// Check returns the delivery result of a reply received for the message. A
// reply that does not correlate with the message, or whose signature does not
// verify when a scheme is provided, is treated as malformed.
func Check(msg *message.Message, reply *message.Reply, scheme crypto.Scheme) (message.DeliveryResult, error) {
	if reply == nil {
		return message.DeliveryResult{Status: message.Unknown}, xerrors.New("missing reply")
	}

	if reply.ID != msg.ID || reply.Command != msg.Command {
		return message.DeliveryResult{Status: message.Unknown},
			xerrors.Errorf("reply '%s/%s' does not match request '%s/%s'",
				reply.Command, reply.ID, msg.Command, msg.ID)
	}

	if scheme != nil {
		err := reply.Verify(scheme)
		if err != nil {
			return message.DeliveryResult{Status: message.Unknown},
				xerrors.Errorf("malformed reply: %v", err)
		}
	}

	return message.Delivered(reply), nil
}

// RoundTrip submits the message and waits for the outcome. A timeout yields an
// Unknown result. It returns an error only when the context is done, in which
// case the result is Unknown as well.
func RoundTrip(ctx context.Context, t Transport, msg *message.Message,
	clock clockwork.Clock, timeout time.Duration) (message.DeliveryResult, error) {

	res, err := t.Submit(ctx, msg).WaitFor(ctx, clock, timeout)
	if err != nil {
		if xerrors.Is(err, future.ErrTimeout) {
			return message.DeliveryResult{Status: message.Unknown}, nil
		}

		return message.DeliveryResult{Status: message.Unknown}, err
	}

	return res, nil
}
