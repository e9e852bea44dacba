package publishers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Builder creates a Publisher from a config entry.
type Builder func(ctx context.Context, cfg PublisherConfig, log Logger) (Publisher, error)

// Registry maps publisher types to builders. It is not safe for concurrent
// registration; populate it before building.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// DefaultRegistry knows every sink type shipped with this package.
func DefaultRegistry() *Registry {
	return NewRegistry().
		Register(TypeHTTP, newHTTPPublisher).
		Register(TypeSQS, newSQSPublisher).
		Register(TypeSNS, newSNSPublisher).
		Register(TypePubSub, newPubSubPublisher)
}

// Register binds builder to typ and returns r for chaining.
func (r *Registry) Register(typ string, builder Builder) *Registry {
	if typ = strings.ToLower(strings.TrimSpace(typ)); typ != "" && builder != nil {
		r.builders[typ] = builder
	}
	return r
}

// Build creates the publisher for one config entry.
func (r *Registry) Build(ctx context.Context, cfg PublisherConfig, log Logger) (Publisher, error) {
	builder, ok := r.builders[strings.ToLower(strings.TrimSpace(cfg.Type))]
	if !ok {
		return nil, fmt.Errorf("publisher %q: no builder for type %q", cfg.ID, cfg.Type)
	}
	pub, err := builder(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("publisher %q: %w", cfg.ID, err)
	}
	return pub, nil
}

// BuildAll builds every entry. On failure the publishers built so far are closed.
func BuildAll(ctx context.Context, reg *Registry, cfgs []PublisherConfig, log Logger) ([]Publisher, error) {
	if reg == nil || len(cfgs) == 0 {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	pubs := make([]Publisher, 0, len(cfgs))
	for _, cfg := range cfgs {
		pub, err := reg.Build(ctx, cfg, log)
		if err != nil {
			return nil, errors.Join(err, closeAll(pubs))
		}
		pubs = append(pubs, pub)
	}
	return pubs, nil
}

func closeAll(pubs []Publisher) error {
	var errs []error
	for _, p := range pubs {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close publisher[%s]: %w", p.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}
