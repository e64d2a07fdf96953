package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/common/lqerrors"
	"github.com/liveq/jobmanager/internal/common/util"
)

// transport is what a backend provides to the shared channel and mux logic.
type transport interface {
	// publish delivers msg to the subscribers of msg.Channel/msg.Action.
	publish(msg *Message) error
	// subscribe registers deliver for channel/action. deliver must be invoked sequentially.
	subscribe(channel, action string, deliver func(*Message)) (func() error, error)
	// replyTo publishes a reply to a reply inbox address.
	replyTo(address string, msg *Message) error
	// inbox is the reply address of this connection. Replies sent there must be handed to mux.resolve.
	inbox() string
	check() error
	close() error
}

type pendingCall struct {
	channel  *channel
	callback func(*Message, error)
	timer    *time.Timer
}

// mux matches replies to pending requests by correlation id.
type mux struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

func newMux() *mux {
	return &mux{pending: map[string]*pendingCall{}}
}

func (m *mux) register(cid string, call *pendingCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.pending[cid] = call
	return nil
}

// take removes and returns the pending call for cid. The caller that takes a call is the only one to complete it.
func (m *mux) take(cid string) *pendingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.pending[cid]
	if !ok {
		return nil
	}
	delete(m.pending, cid)
	return call
}

func (m *mux) complete(cid string, msg *Message, err error) {
	call := m.take(cid)
	if call == nil {
		return
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	call.callback(msg, err)
}

func (m *mux) resolve(msg *Message) {
	if msg.CorrelationId == "" {
		log.Warnf("Dropping reply for %s/%s without correlation id", msg.Channel, msg.Action)
		return
	}
	m.complete(msg.CorrelationId, msg, nil)
}

// failAll fails every pending call matching filter with err.
func (m *mux) failAll(filter func(*pendingCall) bool, err error) {
	m.mu.Lock()
	var failed []string
	for cid, call := range m.pending {
		if filter(call) {
			failed = append(failed, cid)
		}
	}
	m.mu.Unlock()
	for _, cid := range failed {
		m.complete(cid, nil, err)
	}
}

func (m *mux) close() {
	m.failAll(func(*pendingCall) bool { return true }, ErrClosed)
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// connection implements Bus on top of a transport.
type connection struct {
	ctx       *lqcontext.Context
	transport transport
	mux       *mux
	closeOnce sync.Once
	closeErr  error
}

func newConnection(ctx *lqcontext.Context, t transport, m *mux) *connection {
	return &connection{ctx: ctx, transport: t, mux: m}
}

func (c *connection) Channel(name string) Channel {
	return &channel{
		name:          name,
		conn:          c,
		subscriptions: map[*subscription]struct{}{},
	}
}

func (c *connection) Check() error {
	return c.transport.check()
}

func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		c.mux.close()
		c.closeErr = c.transport.close()
	})
	return c.closeErr
}

type channel struct {
	name string
	conn *connection

	mu            sync.Mutex
	closed        bool
	subscriptions map[*subscription]struct{}
}

func (ch *channel) Name() string {
	return ch.name
}

func (ch *channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *channel) newMessage(action string, payload any) (*Message, error) {
	msg := &Message{Channel: ch.name, Action: action}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding %s payload", action)
		}
		msg.Payload = data
	}
	return msg, nil
}

func (ch *channel) Send(_ *lqcontext.Context, action string, payload any) error {
	if ch.isClosed() {
		return ErrClosed
	}
	msg, err := ch.newMessage(action, payload)
	if err != nil {
		return err
	}
	return ch.conn.transport.publish(msg)
}

func (ch *channel) Request(ctx *lqcontext.Context, action string, payload any, timeout time.Duration) (*Message, error) {
	type result struct {
		msg *Message
		err error
	}
	done := make(chan result, 1)
	cid := ch.start(action, payload, timeout, func(msg *Message, err error) {
		done <- result{msg: msg, err: err}
	})
	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		if call := ch.conn.mux.take(cid); call != nil && call.timer != nil {
			call.timer.Stop()
		}
		return nil, ctx.Err()
	}
}

func (ch *channel) Go(action string, payload any, timeout time.Duration, callback func(*Message, error)) {
	ch.start(action, payload, timeout, callback)
}

// start publishes a request and returns its correlation id. callback is always invoked exactly once.
func (ch *channel) start(action string, payload any, timeout time.Duration, callback func(*Message, error)) string {
	cid := util.NewUUID()
	if ch.isClosed() {
		go callback(nil, ErrClosed)
		return cid
	}
	msg, err := ch.newMessage(action, payload)
	if err != nil {
		go callback(nil, err)
		return cid
	}
	msg.CorrelationId = cid
	msg.ReplyTo = ch.conn.transport.inbox()

	call := &pendingCall{channel: ch, callback: callback}
	if err := ch.conn.mux.register(cid, call); err != nil {
		go callback(nil, err)
		return cid
	}
	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() {
			ch.conn.mux.complete(cid, nil, errors.Wrapf(ErrTimeout, "%s on %s after %s", action, ch.name, timeout))
		})
	}
	if err := ch.conn.transport.publish(msg); err != nil {
		go ch.conn.mux.complete(cid, nil, err)
	}
	return cid
}

func (ch *channel) Subscribe(action string, handler Handler) (Subscription, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, ErrClosed
	}
	sub := &subscription{channel: ch}
	logCtx := lqcontext.WithLogFields(ch.conn.ctx, log.Fields{"channel": ch.name, "action": action})
	unsubscribe, err := ch.conn.transport.subscribe(ch.name, action, func(msg *Message) {
		ch.handle(logCtx, handler, msg)
	})
	if err != nil {
		return nil, err
	}
	sub.unsubscribe = unsubscribe
	ch.subscriptions[sub] = struct{}{}
	return sub, nil
}

func (ch *channel) handle(ctx *lqcontext.Context, handler Handler, msg *Message) {
	result, err := handler(ctx, msg)
	if err != nil {
		entry := ctx.Log.WithError(err)
		if lqerrors.IsClientError(err) {
			entry.Warnf("Rejected %s message", msg.Action)
		} else {
			entry.Errorf("Failed to handle %s message", msg.Action)
		}
	}
	if msg.ReplyTo == "" {
		return
	}
	if err != nil {
		result = lqerrors.ReplyFromError(err)
	} else if result == nil {
		result = lqerrors.OkReply()
	}
	reply, encodeErr := ch.newMessage(msg.Action, result)
	if encodeErr != nil {
		ctx.Log.WithError(encodeErr).Errorf("Failed to encode reply to %s", msg.Action)
		reply, _ = ch.newMessage(msg.Action, lqerrors.ReplyFromError(encodeErr))
	}
	reply.CorrelationId = msg.CorrelationId
	if err := ch.conn.transport.replyTo(msg.ReplyTo, reply); err != nil {
		ctx.Log.WithError(err).Warnf("Failed to reply to %s", msg.Action)
	}
}

func (ch *channel) removeSubscription(sub *subscription) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.subscriptions, sub)
}

func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	subs := ch.subscriptions
	ch.subscriptions = map[*subscription]struct{}{}
	ch.mu.Unlock()

	var firstErr error
	for sub := range subs {
		if err := sub.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ch.conn.mux.failAll(func(call *pendingCall) bool { return call.channel == ch }, ErrClosed)
	return firstErr
}

type subscription struct {
	channel     *channel
	unsubscribe func() error
	once        sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.channel.removeSubscription(s)
	return s.release()
}

func (s *subscription) release() error {
	var err error
	s.once.Do(func() {
		err = s.unsubscribe()
	})
	return err
}
