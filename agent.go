package agos

import (
	"context"
	"log/slog"
)

// Agent is a unit of coordination driven by the Scheduler. Step is
// invoked once per tick: drain inbox messages (nonblocking), dispatch
// by performative, then perform any time-driven periodic work.
//
// Step must be idempotent with respect to an empty inbox and must not
// block on network I/O; long I/O belongs in worker goroutines spawned
// from Step whose completion enqueues messages back onto the bus.
type Agent interface {
	// ID returns the agent's bus identifier.
	ID() string
	// Step advances the agent by one tick.
	Step(ctx context.Context) error
}

// BaseAgent carries the plumbing every concrete agent shares: a bus
// handle, an identifier, and a structured logger. Embed it and call
// Drain from Step.
type BaseAgent struct {
	id     string
	bus    *Bus
	logger *slog.Logger
}

// NewBaseAgent registers id on the bus and returns the embedded base.
// Registration failure (duplicate id) is returned unwrapped.
func NewBaseAgent(id string, bus *Bus, logger *slog.Logger) (BaseAgent, error) {
	if logger == nil {
		logger = nopLogger
	}
	if err := bus.Register(id); err != nil {
		return BaseAgent{}, err
	}
	return BaseAgent{id: id, bus: bus, logger: logger}, nil
}

// ID returns the agent's bus identifier.
func (a *BaseAgent) ID() string { return a.id }

// Bus returns the message bus.
func (a *BaseAgent) Bus() *Bus { return a.bus }

// Logger returns the agent's logger (never nil).
func (a *BaseAgent) Logger() *slog.Logger { return a.logger }

// Drain pops up to limit queued messages without blocking. limit <= 0
// drains everything currently queued.
func (a *BaseAgent) Drain(limit int) []Message {
	var msgs []Message
	for limit <= 0 || len(msgs) < limit {
		msg, ok := a.bus.TryReceive(a.id)
		if !ok {
			return msgs
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// Send enqueues a message from this agent.
func (a *BaseAgent) Send(p Performative, receiver string, body Body) error {
	return a.bus.Send(NewMessage(p, a.id, receiver, body))
}

// SendIn sends a message tagged with a conversation id and reply token.
func (a *BaseAgent) SendIn(p Performative, receiver string, body Body, conversationID, replyWith string) error {
	msg := NewMessage(p, a.id, receiver, body)
	msg.ConversationID = conversationID
	msg.ReplyWith = replyWith
	return a.bus.Send(msg)
}

// ReplyTo sends a correlated response to msg.
func (a *BaseAgent) ReplyTo(msg Message, p Performative, body Body) error {
	return a.bus.Send(msg.Reply(p, body))
}

// FailTo replies to msg with a FAILURE carrying the error text.
func (a *BaseAgent) FailTo(msg Message, err error) error {
	return a.bus.Send(msg.Reply(Failure, ErrorBody{Message: err.Error()}))
}

// nopLogger is a logger that discards all output. Used when no logger
// option is set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
