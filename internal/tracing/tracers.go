// Package tracing provides the opentracing tracers of the gRPC transport. The
// tracers are configured from the JAEGER_* environment variables.
package tracing

import (
	"io"
	"sync"

	opentracing "github.com/opentracing/opentracing-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"golang.org/x/xerrors"
)

// CommandTag is the span tag used for the notary command of a request.
const CommandTag = "opentxs.command"

type closableTracer struct {
	tracer opentracing.Tracer
	closer io.Closer
}

type tracerCatalog struct {
	sync.Mutex
	tracers map[string]closableTracer
}

var catalog = tracerCatalog{
	tracers: make(map[string]closableTracer),
}

// GetTracer returns the tracer of the service. Tracers are cached so that a
// service always reports through the same one.
func GetTracer(service string) (opentracing.Tracer, error) {
	catalog.Lock()
	defer catalog.Unlock()

	tc, ok := catalog.tracers[service]
	if ok {
		return tc.tracer, nil
	}

	cfg, err := jaegercfg.FromEnv()
	if err != nil {
		return nil, xerrors.Errorf("error parsing jaeger configuration from environment: %v", err)
	}

	cfg.ServiceName = service

	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		return nil, xerrors.Errorf("error creating new tracer: %v", err)
	}

	catalog.tracers[service] = closableTracer{
		tracer: tracer,
		closer: closer,
	}

	return tracer, nil
}

// CloseAll closes all the tracer instances.
func CloseAll() error {
	catalog.Lock()
	defer catalog.Unlock()

	for service, tc := range catalog.tracers {
		err := tc.closer.Close()
		if err != nil {
			return xerrors.Errorf("failed to close tracer of '%s': %v", service, err)
		}

		delete(catalog.tracers, service)
	}

	return nil
}
