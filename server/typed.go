package server

import (
	"context"
	"fmt"

	"github.com/invopop/jsonschema"
)

// MethodOption customizes a MethodConfig built by NewTypedMethod.
type MethodOption func(*MethodConfig)

// WithMethodDescription sets the human readable description of a method.
func WithMethodDescription(desc string) MethodOption {
	return func(c *MethodConfig) { c.Description = desc }
}

// NewTypedMethod builds a method whose payload is decoded into In before fn
// runs. The JSON schemas of In and Out are reflected once and reported by
// Registry.Describe. A payload that does not decode fails the request.
func NewTypedMethod[In, Out any](fn func(ctx context.Context, rc *RequestContext, in In) (Out, error), opts ...MethodOption) MethodConfig {
	cfg := MethodConfig{
		PayloadSchema: reflectSchema[In](),
		ResultSchema:  reflectSchema[Out](),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	cfg.Handler = func(ctx context.Context, rc *RequestContext) (any, error) {
		var in In
		if err := rc.Bind(&in); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		return fn(ctx, rc, in)
	}
	return cfg
}

// DescribeMethod exposes reg.Describe as a method.
func DescribeMethod(reg *Registry) MethodConfig {
	return MethodConfig{
		Description: "List the topics and methods served by this endpoint.",
		Handler: func(ctx context.Context, _ *RequestContext) (any, error) {
			return reg.Describe(), nil
		},
	}
}

func reflectSchema[T any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	return r.Reflect(new(T))
}
