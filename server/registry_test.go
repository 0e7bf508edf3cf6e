package server

import (
	"context"
	"errors"
	"testing"
)

func noopTopic(ctx context.Context, sc *SubContext, emit EmitFunc) error { return nil }

func TestRegistry_ExtRejectsUnknownType(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	err := reg.Ext("postSub", func(ctx context.Context, topic *TopicConfig, sc *SubContext) error { return nil })
	if !errors.Is(err, ErrUnknownExtension) {
		t.Fatalf("expected ErrUnknownExtension, got %v", err)
	}
	if got := len(reg.extensions("postSub")); got != 0 {
		t.Fatalf("rejected extension was registered")
	}
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Method("todo", MethodConfig{Description: "first", Handler: func(ctx context.Context, rc *RequestContext) (any, error) { return 1, nil }})
	reg.Method("todo", MethodConfig{Description: "second", Handler: func(ctx context.Context, rc *RequestContext) (any, error) { return 2, nil }})

	m, ok := reg.lookupMethod("todo")
	if !ok {
		t.Fatal("method not found")
	}
	res, _ := m.Handler(context.Background(), &RequestContext{})
	if res != 2 || m.Description != "second" || m.Name != "todo" {
		t.Fatalf("expected second registration, got %v %q", res, m.Description)
	}
}

func TestRegistry_NilHandlerPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewRegistry().Topic("camp", TopicConfig{})
}

func TestRegistry_RunPreSubWrapsFailure(t *testing.T) {
	t.Parallel()

	denied := errors.New("denied")
	reg := NewRegistry()
	reg.MustExt(ExtPreSub, func(ctx context.Context, topic *TopicConfig, sc *SubContext) error { return denied })

	err := reg.runPreSub(context.Background(), &TopicConfig{Name: "camp"}, &SubContext{})
	if !errors.Is(err, ErrExtensionAborted) || !errors.Is(err, denied) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestRegistry_RunPreSubStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	var ran bool
	reg := NewRegistry()
	reg.MustExt(ExtPreSub, func(ctx context.Context, topic *TopicConfig, sc *SubContext) error {
		ran = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := reg.runPreSub(ctx, &TopicConfig{}, &SubContext{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ran {
		t.Fatal("extension ran for a disposed attempt")
	}
}

func TestRegistry_DescribeSortedWithSchemas(t *testing.T) {
	t.Parallel()

	type addIn struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	type addOut struct {
		Sum int `json:"sum"`
	}

	reg := NewRegistry()
	reg.Topic("zeta", TopicConfig{Handler: noopTopic})
	reg.Topic("alpha", TopicConfig{Description: "first", Handler: noopTopic})
	reg.Method("add", NewTypedMethod(func(ctx context.Context, rc *RequestContext, in addIn) (addOut, error) {
		return addOut{Sum: in.A + in.B}, nil
	}, WithMethodDescription("Add two numbers.")))
	reg.Method("describe", DescribeMethod(reg))

	d := reg.Describe()
	if len(d.Topics) != 2 || d.Topics[0].Name != "alpha" || d.Topics[1].Name != "zeta" {
		t.Fatalf("unexpected topics %+v", d.Topics)
	}
	if len(d.Methods) != 2 || d.Methods[0].Name != "add" || d.Methods[1].Name != "describe" {
		t.Fatalf("unexpected methods %+v", d.Methods)
	}

	add := d.Methods[0]
	if add.Description != "Add two numbers." {
		t.Fatalf("unexpected description %q", add.Description)
	}
	if add.Payload == nil || add.Payload.Properties == nil {
		t.Fatal("expected payload schema with properties")
	}
	if _, ok := add.Payload.Properties.Get("a"); !ok {
		t.Fatal("payload schema missing property a")
	}
	if _, ok := add.Result.Properties.Get("sum"); !ok {
		t.Fatal("result schema missing property sum")
	}
}

func TestNewTypedMethod_DecodesPayload(t *testing.T) {
	t.Parallel()

	type in struct {
		Name string `json:"name"`
	}
	cfg := NewTypedMethod(func(ctx context.Context, rc *RequestContext, p in) (string, error) {
		return "hello " + p.Name, nil
	})

	res, err := cfg.Handler(context.Background(), &RequestContext{Payload: []byte(`{"name":"cana"}`)})
	if err != nil || res != "hello cana" {
		t.Fatalf("unexpected result %v, %v", res, err)
	}

	if _, err := cfg.Handler(context.Background(), &RequestContext{Payload: []byte(`{"name":1}`)}); err == nil {
		t.Fatal("expected decode error")
	}
}
