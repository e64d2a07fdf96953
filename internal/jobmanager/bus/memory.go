package bus

import (
	"sync"

	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/common/util"
)

// InMemoryHub routes messages between in-memory buses of one process. Several buses attached to the same hub behave
// like separate connections to one broker.
type InMemoryHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*mailbox]struct{}
	inboxes     map[string]*mailbox
}

func NewInMemoryHub() *InMemoryHub {
	return &InMemoryHub{
		subscribers: map[string]map[*mailbox]struct{}{},
		inboxes:     map[string]*mailbox{},
	}
}

// NewInMemoryBus attaches a new connection to hub.
func NewInMemoryBus(ctx *lqcontext.Context, hub *InMemoryHub) Bus {
	m := newMux()
	t := &inMemoryTransport{hub: hub, address: "_reply." + util.NewUUID()}
	t.replies = newMailbox(m.resolve)
	hub.mu.Lock()
	hub.inboxes[t.address] = t.replies
	hub.mu.Unlock()
	return newConnection(ctx, t, m)
}

func subject(channel, action string) string {
	return channel + "." + action
}

func (h *InMemoryHub) deliver(msg *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for mb := range h.subscribers[subject(msg.Channel, msg.Action)] {
		mb.push(msg)
	}
}

type inMemoryTransport struct {
	hub     *InMemoryHub
	address string
	replies *mailbox

	mu     sync.Mutex
	closed bool
	owned  map[*mailbox]string
}

func (t *inMemoryTransport) publish(msg *Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.hub.deliver(msg)
	return nil
}

func (t *inMemoryTransport) subscribe(channel, action string, deliver func(*Message)) (func() error, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	key := subject(channel, action)
	mb := newMailbox(deliver)
	if t.owned == nil {
		t.owned = map[*mailbox]string{}
	}
	t.owned[mb] = key

	t.hub.mu.Lock()
	if t.hub.subscribers[key] == nil {
		t.hub.subscribers[key] = map[*mailbox]struct{}{}
	}
	t.hub.subscribers[key][mb] = struct{}{}
	t.hub.mu.Unlock()

	return func() error {
		t.mu.Lock()
		delete(t.owned, mb)
		t.mu.Unlock()
		t.hub.remove(key, mb)
		return nil
	}, nil
}

func (h *InMemoryHub) remove(key string, mb *mailbox) {
	h.mu.Lock()
	delete(h.subscribers[key], mb)
	if len(h.subscribers[key]) == 0 {
		delete(h.subscribers, key)
	}
	h.mu.Unlock()
	mb.stop()
}

func (t *inMemoryTransport) replyTo(address string, msg *Message) error {
	t.hub.mu.RLock()
	inbox, ok := t.hub.inboxes[address]
	t.hub.mu.RUnlock()
	if ok {
		inbox.push(msg)
	}
	// Like a real broker, replying to a vanished requester is not an error.
	return nil
}

func (t *inMemoryTransport) inbox() string {
	return t.address
}

func (t *inMemoryTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *inMemoryTransport) check() error {
	if t.isClosed() {
		return ErrClosed
	}
	return nil
}

func (t *inMemoryTransport) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	owned := t.owned
	t.owned = nil
	t.mu.Unlock()

	for mb, key := range owned {
		t.hub.remove(key, mb)
	}
	t.hub.mu.Lock()
	delete(t.hub.inboxes, t.address)
	t.hub.mu.Unlock()
	t.replies.stop()
	return nil
}

// mailbox is an unbounded queue drained by one goroutine, so publishers never block on slow subscribers.
type mailbox struct {
	mu      sync.Mutex
	queue   []*Message
	signal  chan struct{}
	done    chan struct{}
	stopped bool
}

func newMailbox(deliver func(*Message)) *mailbox {
	mb := &mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go mb.run(deliver)
	return mb
}

func (mb *mailbox) push(msg *Message) {
	mb.mu.Lock()
	if mb.stopped {
		mb.mu.Unlock()
		return
	}
	mb.queue = append(mb.queue, msg)
	mb.mu.Unlock()
	select {
	case mb.signal <- struct{}{}:
	default:
	}
}

func (mb *mailbox) run(deliver func(*Message)) {
	for {
		select {
		case <-mb.done:
			return
		case <-mb.signal:
		}
		for {
			mb.mu.Lock()
			if mb.stopped || len(mb.queue) == 0 {
				mb.mu.Unlock()
				break
			}
			msg := mb.queue[0]
			mb.queue[0] = nil
			mb.queue = mb.queue[1:]
			mb.mu.Unlock()
			deliver(msg)
		}
	}
}

func (mb *mailbox) stop() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.stopped {
		return
	}
	mb.stopped = true
	mb.queue = nil
	close(mb.done)
}
