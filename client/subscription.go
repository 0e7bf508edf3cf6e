package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/cana-go/internal/logctx"
	"github.com/ggoodman/cana-go/internal/wire"
	"github.com/ggoodman/cana-go/transport"
	"github.com/google/uuid"
)

// Subscription is one consumer of a topic. It subscribes anew on every
// connection the session makes and forwards the values of the current one.
// While the session is disconnected it delivers nothing and stays open.
type Subscription struct {
	s       *Session
	topic   string
	payload json.RawMessage

	c      chan json.RawMessage
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// live is the server-side counterpart of a Subscription on one connection.
type live struct {
	sid  string
	gen  uint64
	conn transport.Conn
	l    *Listener
	fwd  chan struct{}
}

// Subscribe starts a subscription to topic. Every call is independent, even
// for the same topic and payload. The subscription ends when Close is
// called, ctx is cancelled or the session closes. It returns ErrClosed
// once the session has closed.
func (s *Session) Subscribe(ctx context.Context, topic string, payload any) (*Subscription, error) {
	if s.status.Get().State == StateClosed {
		return nil, ErrClosed
	}
	raw, err := wire.EncodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	sub := &Subscription{
		s:       s,
		topic:   topic,
		payload: raw,
		c:       make(chan json.RawMessage),
		done:    make(chan struct{}),
	}
	sub.ctx, sub.cancel = context.WithCancel(ctx)

	go sub.run()
	return sub, nil
}

// Topic returns the subscribed topic.
func (sub *Subscription) Topic() string { return sub.topic }

// C returns the channel of raw values. It is closed when the subscription
// ends, never because of a lost connection.
func (sub *Subscription) C() <-chan json.RawMessage { return sub.c }

// Next waits for the next value and decodes it into out. It returns
// ErrClosed once the subscription has ended.
func (sub *Subscription) Next(ctx context.Context, out any) error {
	select {
	case v, ok := <-sub.c:
		if !ok {
			return ErrClosed
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(v, out); err != nil {
			return fmt.Errorf("failed to decode %s value: %w", sub.topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disposes the server-side subscription, if any, and closes C.
func (sub *Subscription) Close() {
	sub.cancel()
	<-sub.done
}

func (sub *Subscription) run() {
	defer close(sub.done)
	defer close(sub.c)

	var cur *live
	defer func() { sub.stop(cur) }()

	w := sub.s.Watch()
	for {
		st, ok, err := w.Next(sub.ctx)
		if err != nil || !ok {
			return
		}

		switch {
		case st.State == StateClosed:
			return
		case st.State != StateOpen:
			sub.stop(cur)
			cur = nil
		case cur == nil || cur.gen != st.Gen:
			sub.stop(cur)
			cur = sub.start(st)
		}
	}
}

func (sub *Subscription) start(st Status) *live {
	sid := "sid-" + uuid.NewString()
	ctx := logctx.WithFrameData(sub.ctx, &logctx.FrameData{Type: string(wire.TypeSubscribe), ID: sid, Name: sub.topic})

	lv := &live{
		sid:  sid,
		gen:  st.Gen,
		conn: st.Conn,
		l:    sub.s.frames.Listen(func(f *Frame) bool { return f.SID == sid }),
		fwd:  make(chan struct{}),
	}
	go sub.forward(lv)

	frame, err := wire.NewSubscribe(sub.topic, sid, sub.payload)
	if err == nil {
		err = sub.s.sendOn(ctx, st.Conn, frame)
	}
	if err != nil {
		sub.s.log.InfoContext(ctx, "session.sub.fail")
	} else {
		sub.s.log.DebugContext(ctx, "session.sub.sent")
	}
	return lv
}

// stop stops forwarding immediately and tells the server, best effort, to
// dispose its side of the subscription.
func (sub *Subscription) stop(lv *live) {
	if lv == nil {
		return
	}
	lv.l.Close()
	<-lv.fwd

	ctx := logctx.WithFrameData(context.WithoutCancel(sub.ctx), &logctx.FrameData{Type: string(wire.TypeDispose), ID: lv.sid, Name: sub.topic})
	_ = sub.s.sendOn(ctx, lv.conn, wire.NewDispose(sub.topic, lv.sid))
	sub.s.log.DebugContext(ctx, "session.sub.disposed")
}

func (sub *Subscription) forward(lv *live) {
	defer close(lv.fwd)
	for {
		f, err := lv.l.Next(sub.ctx)
		if err != nil {
			return
		}
		select {
		case sub.c <- f.Payload:
		case <-lv.l.Done():
			return
		case <-sub.ctx.Done():
			return
		}
	}
}
