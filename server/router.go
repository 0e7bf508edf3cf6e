package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ggoodman/cana-go/internal/logctx"
	"github.com/ggoodman/cana-go/internal/wire"
	"github.com/ggoodman/cana-go/transport"
)

// Router dispatches the frames of a single connection against a shared
// Registry and owns that connection's subscriptions. Handle must be called
// from one goroutine, in arrival order; handler work runs on goroutines of
// its own so a slow handler never holds up later frames.
type Router struct {
	reg  *Registry
	conn transport.Conn
	peer Peer
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

// subscription is recorded as soon as its sub frame arrives so a dispose
// can cancel it while the preSub chain is still running. It only counts as
// active once the chain has passed.
type subscription struct {
	sid     string
	topic   string
	cancel  context.CancelFunc
	started bool
}

// NewRouter creates the router of one connection. ctx bounds every handler
// the router starts; Close cancels it.
func NewRouter(ctx context.Context, reg *Registry, conn transport.Conn, peer Peer, log *slog.Logger) *Router {
	ctx, cancel := context.WithCancel(ctx)
	return &Router{
		reg:    reg,
		conn:   conn,
		peer:   peer,
		log:    logctx.Wrap(log),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
	}
}

// Handle routes one inbound frame. Malformed frames are dropped.
func (r *Router) Handle(data []byte) {
	f, err := wire.ParseClientFrame(data)
	if err != nil {
		r.log.DebugContext(r.ctx, "router.frame.invalid", slog.String("err", err.Error()))
		return
	}

	switch f.Type {
	case wire.TypeSubscribe:
		r.handleSub(f)
	case wire.TypeDispose:
		r.handleDispose(f)
	case wire.TypeRequest:
		r.handleRequest(f)
	}
}

// Active reports the number of live subscriptions. Attempts still in the
// preSub chain are not counted.
func (r *Router) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sub := range r.subs {
		if sub.started {
			n++
		}
	}
	return n
}

// Close disposes every live subscription exactly once, cancels in-flight
// requests and waits for all handlers to return.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	r.cancel()
	r.wg.Wait()

	r.log.DebugContext(r.ctx, "router.close", slog.Int("disposed", len(subs)))
}

func (r *Router) handleSub(f *wire.ClientFrame) {
	ctx := logctx.WithFrameData(r.ctx, &logctx.FrameData{Type: string(f.Type), ID: f.SID, Name: f.Topic})

	topic, ok := r.reg.lookupTopic(f.Topic)
	if !ok {
		r.log.DebugContext(ctx, "router.sub.unknown_topic")
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{sid: f.SID, topic: f.Topic, cancel: cancel}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return
	}
	prev := r.subs[f.SID]
	r.subs[f.SID] = sub
	r.wg.Add(1)
	r.mu.Unlock()

	// A client never reuses a sid on purpose; replace rather than leak.
	if prev != nil {
		prev.cancel()
	}

	sc := &SubContext{
		Topic:   f.Topic,
		SID:     f.SID,
		Payload: f.Payload,
		Conn:    r.conn,
		Peer:    r.peer,
	}

	go r.runSub(subCtx, &topic, sub, sc)
}

func (r *Router) runSub(ctx context.Context, topic *TopicConfig, sub *subscription, sc *SubContext) {
	defer r.wg.Done()
	defer r.release(sub)

	start := time.Now()

	if err := r.reg.runPreSub(ctx, topic, sc); err != nil {
		r.log.InfoContext(ctx, "router.sub.aborted", slog.String("err", err.Error()))
		return
	}

	r.mu.Lock()
	sub.started = true
	r.mu.Unlock()
	r.log.DebugContext(ctx, "router.sub.start")

	emit := func(ectx context.Context, value any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := wire.NewEvent(sub.sid, value)
		if err != nil {
			return err
		}
		// The write ends with the subscription, whatever context the
		// handler passed.
		wctx, cancel := context.WithCancel(ectx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		return r.send(wctx, frame)
	}

	err := r.callTopic(ctx, topic, sc, emit)
	switch {
	case err != nil && ctx.Err() == nil:
		r.log.WarnContext(ctx, "router.sub.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	case ctx.Err() != nil:
		r.log.DebugContext(ctx, "router.sub.disposed", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	default:
		r.log.DebugContext(ctx, "router.sub.complete", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}
}

func (r *Router) callTopic(ctx context.Context, topic *TopicConfig, sc *SubContext, emit EmitFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("topic handler panic: %v", p)
			r.log.ErrorContext(ctx, "router.sub.panic", slog.String("stack", string(debug.Stack())))
		}
	}()
	return topic.Handler(ctx, sc, emit)
}

// release forgets sub if it is still the live entry for its sid and cancels
// it. Cancelling an already cancelled subscription is a no-op.
func (r *Router) release(sub *subscription) {
	r.mu.Lock()
	if cur, ok := r.subs[sub.sid]; ok && cur == sub {
		delete(r.subs, sub.sid)
	}
	r.mu.Unlock()
	sub.cancel()
}

func (r *Router) handleDispose(f *wire.ClientFrame) {
	r.mu.Lock()
	sub, ok := r.subs[f.SID]
	if ok {
		delete(r.subs, f.SID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	sub.cancel()

	ctx := logctx.WithFrameData(r.ctx, &logctx.FrameData{Type: string(f.Type), ID: f.SID, Name: sub.topic})
	r.log.DebugContext(ctx, "router.dispose")
}

func (r *Router) handleRequest(f *wire.ClientFrame) {
	ctx := logctx.WithFrameData(r.ctx, &logctx.FrameData{Type: string(f.Type), ID: f.RID, Name: f.Cmd})

	method, ok := r.reg.lookupMethod(f.Cmd)
	if !ok {
		r.log.InfoContext(ctx, "router.req.not_found")
		if err := r.send(ctx, wire.NewError(f.RID, wire.MessageCommandNotFound)); err != nil {
			r.log.DebugContext(ctx, "router.send.fail", slog.String("err", err.Error()))
		}
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	rc := &RequestContext{
		Cmd:     f.Cmd,
		RID:     f.RID,
		Payload: f.Payload,
		Conn:    r.conn,
		Peer:    r.peer,
	}

	go func() {
		defer r.wg.Done()
		start := time.Now()

		res, err := r.callMethod(ctx, &method, rc)
		var reply *wire.ServerFrame
		if err == nil {
			reply, err = wire.NewResult(f.RID, res)
		}
		if err != nil {
			r.log.InfoContext(ctx, "router.req.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			reply = wire.NewError(f.RID, err.Error())
		} else {
			r.log.DebugContext(ctx, "router.req.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		}

		if err := r.send(ctx, reply); err != nil {
			r.log.DebugContext(ctx, "router.send.fail", slog.String("err", err.Error()))
		}
	}()
}

func (r *Router) callMethod(ctx context.Context, method *MethodConfig, rc *RequestContext) (res any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("method handler panic: %v", p)
			r.log.ErrorContext(ctx, "router.req.panic", slog.String("stack", string(debug.Stack())))
		}
	}()
	return method.Handler(ctx, rc)
}

// send serializes writes so frames of concurrent handlers never interleave.
func (r *Router) send(ctx context.Context, frame *wire.ServerFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.Write(ctx, b)
}
