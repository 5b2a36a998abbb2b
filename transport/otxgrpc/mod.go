// Package otxgrpc implements a transport over gRPC. The messages are encoded in
// CBOR through a custom codec so that no schema is needed, and the calls are
// traced with opentracing.
package otxgrpc

import (
	"context"
	"net"

	otgrpc "github.com/opentracing-contrib/go-grpc"
	"github.com/opentracing/opentracing-go"
	"github.com/rs/zerolog"
	opentxs "github.com/wiesiekpap/opentxs-sub020"
	"github.com/wiesiekpap/opentxs-sub020/core/future"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/crypto"
	"github.com/wiesiekpap/opentxs-sub020/encoding"
	"github.com/wiesiekpap/opentxs-sub020/internal/tracing"
	"github.com/wiesiekpap/opentxs-sub020/transport"
	"golang.org/x/xerrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName = "opentxs.Notary"
	submitPath  = "/" + serviceName + "/Submit"
)

// codec is the CBOR codec of the messages.
//
// - implements encoding.Codec of grpc
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	return encoding.Marshal(v)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	return encoding.Unmarshal(data, v)
}

func (codec) Name() string {
	return "cbor"
}

type notaryServer interface {
	Submit(ctx context.Context, msg *message.Message) (*message.Reply, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*notaryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Submit",
			Handler:    submitHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "opentxs/notary",
}

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor) (interface{}, error) {

	in := new(message.Message)

	err := dec(in)
	if err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(notaryServer).Submit(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: submitPath,
	}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(notaryServer).Submit(ctx, req.(*message.Message))
	}

	return interceptor(ctx, in, info, handler)
}

// Client is a transport to a notary reachable with gRPC.
//
// - implements transport.Transport
type Client struct {
	conn   *grpc.ClientConn
	scheme crypto.Scheme
	logger zerolog.Logger
}

// ClientOption is the type of option to create a client.
type ClientOption func(*clientTemplate)

type clientTemplate struct {
	scheme crypto.Scheme
	tracer opentracing.Tracer
}

// WithScheme is an option to verify the signature of the replies.
func WithScheme(scheme crypto.Scheme) ClientOption {
	return func(tmpl *clientTemplate) {
		tmpl.scheme = scheme
	}
}

// WithTracer is an option to use a specific tracer instead of the one of the
// address.
func WithTracer(tracer opentracing.Tracer) ClientOption {
	return func(tmpl *clientTemplate) {
		tmpl.tracer = tracer
	}
}

// Dial creates a client to the notary at the address.
func Dial(addr string, opts ...ClientOption) (*Client, error) {
	if addr == "" {
		return nil, xerrors.New("empty address is not allowed")
	}

	tmpl := clientTemplate{}
	for _, opt := range opts {
		opt(&tmpl)
	}

	if tmpl.tracer == nil {
		tracer, err := tracing.GetTracer(addr)
		if err != nil {
			return nil, xerrors.Errorf("failed to get tracer for addr %s: %v", addr, err)
		}

		tmpl.tracer = tracer
	}

	conn, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
		grpc.WithUnaryInterceptor(otgrpc.OpenTracingClientInterceptor(tmpl.tracer)))
	if err != nil {
		return nil, xerrors.Errorf("failed to create a dial connection: %v", err)
	}

	client := &Client{
		conn:   conn,
		scheme: tmpl.scheme,
		logger: opentxs.Logger.With().Str("transport", "grpc").Str("addr", addr).Logger(),
	}

	return client, nil
}

// Submit implements transport.Transport. The call is made in the background
// and the future resolves with the reply.
func (c *Client) Submit(ctx context.Context, msg *message.Message) *future.Future[message.DeliveryResult] {
	transport.Stamp(msg)

	promise, fut := future.New[message.DeliveryResult]()

	go func() {
		span, ctx := opentracing.StartSpanFromContext(ctx, "submit")
		span.SetTag(tracing.CommandTag, string(msg.Command))
		defer span.Finish()

		reply := new(message.Reply)

		err := c.conn.Invoke(ctx, submitPath, msg, reply)
		if err != nil {
			c.logger.Debug().Err(err).Str("command", string(msg.Command)).Msg("call failed")
			promise.Resolve(message.DeliveryResult{Status: message.Unknown})
			return
		}

		res, err := transport.Check(msg, reply, c.scheme)
		if err != nil {
			c.logger.Warn().Err(err).Msg("invalid reply")
		}

		promise.Resolve(res)
	}()

	return fut
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Server exposes a handler, usually a notary, over gRPC.
type Server struct {
	handler  transport.Handler
	server   *grpc.Server
	listener net.Listener
}

// NewServer creates a server listening on the address.
func NewServer(addr string, handler transport.Handler, tracer opentracing.Tracer) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("failed to listen: %v", err)
	}

	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}

	srv := &Server{
		handler:  handler,
		listener: lis,
		server: grpc.NewServer(
			grpc.ForceServerCodec(codec{}),
			grpc.UnaryInterceptor(otgrpc.OpenTracingServerInterceptor(tracer))),
	}

	srv.server.RegisterService(&serviceDesc, srv)

	return srv, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts the connections until the server is stopped.
func (s *Server) Serve() error {
	err := s.server.Serve(s.listener)
	if err != nil {
		return xerrors.Errorf("failed to serve: %v", err)
	}

	return nil
}

// Stop stops the server gracefully.
func (s *Server) Stop() {
	s.server.GracefulStop()
}

// Submit handles a message coming from a client.
func (s *Server) Submit(ctx context.Context, msg *message.Message) (*message.Reply, error) {
	reply, err := s.handler.Handle(ctx, msg)
	if err != nil {
		return nil, xerrors.Errorf("handler failed: %v", err)
	}

	return reply, nil
}
