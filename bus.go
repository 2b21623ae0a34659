package agos

import (
	"log/slog"
	"sync"
	"time"
)

// busConfig holds options accumulated by BusOption calls.
type busConfig struct {
	maxInbox int
	msgTTL   time.Duration
	logger   *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*busConfig)

// WithMaxInbox caps each inbox at n messages. When a send would exceed
// the cap, the oldest message is evicted and logged. Zero (default)
// means unbounded.
func WithMaxInbox(n int) BusOption {
	return func(c *busConfig) { c.maxInbox = n }
}

// WithMessageTTL evicts messages older than d at receive time. Agents
// must tolerate missing a message; the next periodic collector cycle
// recovers the state. Zero (default) disables TTL eviction.
func WithMessageTTL(d time.Duration) BusOption {
	return func(c *busConfig) { c.msgTTL = d }
}

// WithBusLogger sets the structured logger for the bus.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(c *busConfig) { c.logger = l }
}

// inbox is one agent's FIFO queue. Each inbox has its own lock and
// condition variable so senders to different agents never contend.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Message
	closed bool
}

func newInbox() *inbox {
	in := &inbox{}
	in.cond = sync.NewCond(&in.mu)
	return in
}

// Bus delivers ACL messages between registered agents. Delivery is
// at-most-once, FIFO per receiver. The bus does not interpret
// performatives.
type Bus struct {
	mu      sync.RWMutex // guards the registration map
	inboxes map[string]*inbox

	maxInbox int
	msgTTL   time.Duration
	logger   *slog.Logger
}

// NewBus creates an empty message bus.
func NewBus(opts ...BusOption) *Bus {
	var cfg busConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return &Bus{
		inboxes:  make(map[string]*inbox),
		maxInbox: cfg.maxInbox,
		msgTTL:   cfg.msgTTL,
		logger:   cfg.logger,
	}
}

// Register creates an inbox for agentID. Registering an already
// registered id is an error.
func (b *Bus) Register(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inboxes[agentID]; ok {
		return &ErrComm{Agent: agentID, Message: "already registered"}
	}
	b.inboxes[agentID] = newInbox()
	b.logger.Debug("bus: registered", "agent", agentID)
	return nil
}

// Unregister removes agentID's inbox, dropping any queued messages.
// Unregistering an unknown id is an error.
func (b *Bus) Unregister(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.inboxes[agentID]
	if !ok {
		return &ErrComm{Agent: agentID, Message: "not registered"}
	}
	delete(b.inboxes, agentID)
	// Wake any blocked receivers so they observe the removal.
	in.mu.Lock()
	in.queue = nil
	in.closed = true
	in.cond.Broadcast()
	in.mu.Unlock()
	b.logger.Debug("bus: unregistered", "agent", agentID)
	return nil
}

// Registered reports whether agentID has an inbox.
func (b *Bus) Registered(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.inboxes[agentID]
	return ok
}

func (b *Bus) lookup(agentID string) (*inbox, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	in, ok := b.inboxes[agentID]
	return in, ok
}

// Send enqueues msg into the receiver's inbox. Sending to an
// unregistered receiver is a hard error.
func (b *Bus) Send(msg Message) error {
	in, ok := b.lookup(msg.Receiver)
	if !ok {
		return &ErrComm{Agent: msg.Receiver, Message: "send to unregistered agent"}
	}
	in.mu.Lock()
	if b.maxInbox > 0 && len(in.queue) >= b.maxInbox {
		evicted := in.queue[0]
		in.queue = in.queue[1:]
		b.logger.Warn("bus: inbox full, evicting oldest",
			"agent", msg.Receiver, "evicted_kind", evicted.Body.Kind(),
			"evicted_from", evicted.Sender)
	}
	in.queue = append(in.queue, msg)
	in.cond.Signal()
	in.mu.Unlock()
	return nil
}

// Broadcast sends a copy of msg to every registered agent. When
// excludeSender is true, msg.Sender is skipped. Each recipient gets a
// synthesized copy with its own Receiver field.
func (b *Bus) Broadcast(msg Message, excludeSender bool) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.inboxes))
	for id := range b.inboxes {
		if excludeSender && id == msg.Sender {
			continue
		}
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	for _, id := range ids {
		m := msg
		m.Receiver = id
		// Send can only fail if the agent unregistered between the
		// snapshot and now; broadcast tolerates that race.
		_ = b.Send(m)
	}
}

// Receive returns the next message for agentID, blocking up to timeout
// when the inbox is empty. Returns ok=false on empty (after timeout),
// on an unregistered id, or when timeout <= 0 and nothing is queued.
func (b *Bus) Receive(agentID string, timeout time.Duration) (Message, bool) {
	in, ok := b.lookup(agentID)
	if !ok {
		return Message{}, false
	}

	deadline := time.Now().Add(timeout)
	in.mu.Lock()
	defer in.mu.Unlock()
	for {
		if msg, ok := b.popLocked(in); ok {
			return msg, true
		}
		if in.closed {
			return Message{}, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Message{}, false
		}
		// sync.Cond has no timed wait; arm a one-shot wakeup. Spurious
		// wakeups loop back around and re-check the deadline.
		t := time.AfterFunc(remaining, func() {
			in.mu.Lock()
			in.cond.Broadcast()
			in.mu.Unlock()
		})
		in.cond.Wait()
		t.Stop()
	}
}

// TryReceive returns the next message for agentID without blocking.
func (b *Bus) TryReceive(agentID string) (Message, bool) {
	in, ok := b.lookup(agentID)
	if !ok {
		return Message{}, false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return b.popLocked(in)
}

// popLocked removes and returns the head of the queue, discarding
// expired messages first. Caller holds in.mu.
func (b *Bus) popLocked(in *inbox) (Message, bool) {
	for len(in.queue) > 0 {
		msg := in.queue[0]
		in.queue = in.queue[1:]
		if b.msgTTL > 0 && time.Since(msg.Timestamp) > b.msgTTL {
			b.logger.Warn("bus: dropping expired message",
				"receiver", msg.Receiver, "kind", msg.Body.Kind(),
				"age", time.Since(msg.Timestamp))
			continue
		}
		return msg, true
	}
	return Message{}, false
}

// Size returns the observable queue depth for agentID, or 0 for an
// unregistered id.
func (b *Bus) Size(agentID string) int {
	in, ok := b.lookup(agentID)
	if !ok {
		return 0
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// Clear drops all queued messages for agentID.
func (b *Bus) Clear(agentID string) {
	in, ok := b.lookup(agentID)
	if !ok {
		return
	}
	in.mu.Lock()
	in.queue = nil
	in.mu.Unlock()
}
