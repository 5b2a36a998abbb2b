// Package local implements an in-process transport. The message crosses an
// encoding boundary like it would on the network so that the notary never
// shares memory with the client.
package local

import (
	"context"

	"github.com/rs/zerolog"
	opentxs "github.com/wiesiekpap/opentxs-sub020"
	"github.com/wiesiekpap/opentxs-sub020/core/future"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/crypto"
	"github.com/wiesiekpap/opentxs-sub020/encoding"
	"github.com/wiesiekpap/opentxs-sub020/transport"
)

// Transport is an in-process transport to a handler.
//
// - implements transport.Transport
type Transport struct {
	handler transport.Handler
	scheme  crypto.Scheme
	logger  zerolog.Logger
}

// Option is the type of option to create a transport.
type Option func(*Transport)

// WithScheme is an option to verify the signature of the replies.
func WithScheme(scheme crypto.Scheme) Option {
	return func(t *Transport) {
		t.scheme = scheme
	}
}

// NewTransport returns a transport that delivers the messages to the handler.
func NewTransport(handler transport.Handler, opts ...Option) Transport {
	t := Transport{
		handler: handler,
		logger:  opentxs.Logger.With().Str("transport", "local").Logger(),
	}

	for _, opt := range opts {
		opt(&t)
	}

	return t
}

// Submit implements transport.Transport. The handler is called in the
// background and the future resolves with its reply.
func (t Transport) Submit(ctx context.Context, msg *message.Message) *future.Future[message.DeliveryResult] {
	transport.Stamp(msg)

	data, err := encoding.Marshal(msg)
	if err != nil {
		t.logger.Warn().Err(err).Msg("couldn't encode message")
		return future.Resolved(message.DeliveryResult{Status: message.NotSent})
	}

	promise, fut := future.New[message.DeliveryResult]()

	go func() {
		res := t.deliver(ctx, msg, data)
		promise.Resolve(res)
	}()

	return fut
}

func (t Transport) deliver(ctx context.Context, msg *message.Message, data []byte) message.DeliveryResult {
	in := new(message.Message)

	err := encoding.Unmarshal(data, in)
	if err != nil {
		t.logger.Warn().Err(err).Msg("couldn't decode message")
		return message.DeliveryResult{Status: message.NotSent}
	}

	reply, err := t.handler.Handle(ctx, in)
	if err != nil {
		t.logger.Debug().Err(err).Str("command", string(msg.Command)).Msg("no reply")
		return message.DeliveryResult{Status: message.Unknown}
	}

	raw, err := encoding.Marshal(reply)
	if err != nil {
		t.logger.Warn().Err(err).Msg("couldn't encode reply")
		return message.DeliveryResult{Status: message.Unknown}
	}

	out := new(message.Reply)

	err = encoding.Unmarshal(raw, out)
	if err != nil {
		return message.DeliveryResult{Status: message.Unknown}
	}

	res, err := transport.Check(msg, out, t.scheme)
	if err != nil {
		t.logger.Warn().Err(err).Msg("invalid reply")
	}

	return res
}
