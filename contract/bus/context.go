package bus

import "context"

// HeaderPropagator abstracts injecting request-scoped context (tracing, tenancy)
// into the headers of messages leaving the process through a broker.
// Implementations must be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
}

// NopHeaderPropagator is a no-op implementation useful for tests or when tracing is disabled.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(ctx context.Context, headers map[string]string) {
	_ = ctx
	_ = headers
}

// StaticHeaders injects a fixed set of headers, e.g. the sending node name.
// Headers already present on the message win.
type StaticHeaders map[string]string

func (s StaticHeaders) Inject(_ context.Context, headers map[string]string) {
	for k, v := range s {
		if _, ok := headers[k]; !ok {
			headers[k] = v
		}
	}
}
