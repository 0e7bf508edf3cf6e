package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	// ErrUnknownExtension is returned when registering an extension type the
	// router does not run.
	ErrUnknownExtension = errors.New("unknown extension type")
	// ErrExtensionAborted wraps the error of a preSub extension that rejected
	// a subscription attempt.
	ErrExtensionAborted = errors.New("subscription aborted by extension")
)

// ExtensionType names a hook point in the router.
type ExtensionType string

// ExtPreSub runs before a topic handler is started for a subscription.
const ExtPreSub ExtensionType = "preSub"

// EmitFunc forwards one value of a topic's sequence to the subscriber. It
// returns an error once the subscription is disposed or the connection fails;
// handlers should stop producing when it does.
type EmitFunc func(ctx context.Context, value any) error

// TopicHandler produces the value sequence of one subscription by calling
// emit. ctx is cancelled when the subscription is disposed or its connection
// closes; the handler tears down whatever it started and returns. Returning
// early completes the sequence.
type TopicHandler func(ctx context.Context, sc *SubContext, emit EmitFunc) error

// MethodHandler answers one request. A non-nil error is replied to the caller
// with its message.
type MethodHandler func(ctx context.Context, rc *RequestContext) (any, error)

// ExtensionFunc is a cross-cutting hook. preSub extensions may mutate sc or
// return an error to abort the subscription attempt.
type ExtensionFunc func(ctx context.Context, topic *TopicConfig, sc *SubContext) error

// TopicConfig describes a registered topic.
type TopicConfig struct {
	// Name is set by the registry.
	Name        string
	Description string
	Handler     TopicHandler
}

// MethodConfig describes a registered method. The schemas are informational
// and surface through Describe.
type MethodConfig struct {
	// Name is set by the registry.
	Name          string
	Description   string
	Handler       MethodHandler
	PayloadSchema *jsonschema.Schema
	ResultSchema  *jsonschema.Schema
}

type extension struct {
	typ ExtensionType
	fn  ExtensionFunc
}

// Registry holds the topics, methods and extensions shared by every
// connection of a server. Registration is expected to happen during setup but
// is safe at any time; the last registration under a name wins.
type Registry struct {
	mu      sync.RWMutex
	topics  map[string]TopicConfig
	methods map[string]MethodConfig
	exts    []extension
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		topics:  make(map[string]TopicConfig),
		methods: make(map[string]MethodConfig),
	}
}

// Topic registers a topic. It panics if cfg has no handler.
func (r *Registry) Topic(name string, cfg TopicConfig) *Registry {
	if cfg.Handler == nil {
		panic(fmt.Sprintf("server: nil handler for topic %q", name))
	}
	cfg.Name = name

	r.mu.Lock()
	r.topics[name] = cfg
	r.mu.Unlock()
	return r
}

// Method registers a method. It panics if cfg has no handler.
func (r *Registry) Method(name string, cfg MethodConfig) *Registry {
	if cfg.Handler == nil {
		panic(fmt.Sprintf("server: nil handler for method %q", name))
	}
	cfg.Name = name

	r.mu.Lock()
	r.methods[name] = cfg
	r.mu.Unlock()
	return r
}

// Ext registers an extension. Only ExtPreSub is recognized; any other type
// fails with ErrUnknownExtension and nothing is registered.
func (r *Registry) Ext(typ ExtensionType, fn ExtensionFunc) error {
	if typ != ExtPreSub {
		return fmt.Errorf("%w: can't ext %q", ErrUnknownExtension, typ)
	}
	if fn == nil {
		return fmt.Errorf("nil %s extension", typ)
	}

	r.mu.Lock()
	r.exts = append(r.exts, extension{typ: typ, fn: fn})
	r.mu.Unlock()
	return nil
}

// MustExt is like Ext but panics on error.
func (r *Registry) MustExt(typ ExtensionType, fn ExtensionFunc) *Registry {
	if err := r.Ext(typ, fn); err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) lookupTopic(name string) (TopicConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	return t, ok
}

func (r *Registry) lookupMethod(name string) (MethodConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

func (r *Registry) extensions(typ ExtensionType) []ExtensionFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ExtensionFunc
	for _, e := range r.exts {
		if e.typ == typ {
			out = append(out, e.fn)
		}
	}
	return out
}

// runPreSub runs the preSub chain in registration order, each extension
// finishing before the next starts. The first failure stops the chain.
func (r *Registry) runPreSub(ctx context.Context, topic *TopicConfig, sc *SubContext) error {
	for _, fn := range r.extensions(ExtPreSub) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, topic, sc); err != nil {
			return fmt.Errorf("%w: %w", ErrExtensionAborted, err)
		}
	}
	return nil
}

// Description lists what a registry serves.
type Description struct {
	Topics  []TopicDescription  `json:"topics"`
	Methods []MethodDescription `json:"methods"`
}

type TopicDescription struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type MethodDescription struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Payload     *jsonschema.Schema `json:"payload,omitempty"`
	Result      *jsonschema.Schema `json:"result,omitempty"`
}

// Describe returns the registered topics and methods sorted by name.
func (r *Registry) Describe() Description {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d := Description{
		Topics:  make([]TopicDescription, 0, len(r.topics)),
		Methods: make([]MethodDescription, 0, len(r.methods)),
	}
	for _, t := range r.topics {
		d.Topics = append(d.Topics, TopicDescription{Name: t.Name, Description: t.Description})
	}
	for _, m := range r.methods {
		d.Methods = append(d.Methods, MethodDescription{
			Name:        m.Name,
			Description: m.Description,
			Payload:     m.PayloadSchema,
			Result:      m.ResultSchema,
		})
	}
	sort.Slice(d.Topics, func(i, j int) bool { return d.Topics[i].Name < d.Topics[j].Name })
	sort.Slice(d.Methods, func(i, j int) bool { return d.Methods[i].Name < d.Methods[j].Name })
	return d
}
