// Package conversation implements the per-agent Conversation Engine (C3):
// one single-writer loop per process-kind agent, turning inbound Discord
// events into context-aware, memory-backed replies while enforcing the
// admission filters and turn caps that keep cooperating agents from
// looping forever. Generalizes the teacher's App.Run/App.route pipeline
// (app.go, internal/app/router.go) from one Telegram owner-chat to N
// per-agent Discord subscriptions.
package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nevindra/oasis"
)

// Gateway is the subset of the Discord gateway a Conversation Engine needs.
// Defined locally (rather than importing the gateway package) so engines
// can be tested against a fake without a live Discord connection.
type Gateway interface {
	Subscribe(agentID string) <-chan oasis.InboundEvent
	Unsubscribe(agentID string)
	Send(ctx context.Context, req SendRequest) (string, error)
	Messages(ctx context.Context, bot, channelID string, limit int, before string) ([]oasis.ChatMessage, error)
}

// SendRequest mirrors gateway.SendRequest; kept as a separate type to avoid
// importing the gateway package here. internal/wiring's GatewayAdapter
// translates between the two.
type SendRequest struct {
	Bot       string
	ChannelID string
	Content   string
	ReplyTo   string
}

// similarityFloor is the minimum cosine score a memory hit must clear to be
// folded into a turn's prompt (spec §4.3 "retain results above a configured
// similarity floor").
const similarityFloor = 0.75

// Engine runs one process-kind agent's conversation loop: admit, assemble
// context, delay, call the LM, reply, memorize. Exactly one goroutine calls
// into gw/memory/provider per agent, so replies post in inbound order.
type Engine struct {
	spec       oasis.AgentSpec
	gw         Gateway
	memory     oasis.MemoryStore
	provider   oasis.Provider
	processors *oasis.ProcessorChain

	mu     sync.Mutex
	states map[string]*oasis.ConversationState

	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a structured logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithGuard registers a guard in the Engine's processor chain. g must
// implement oasis.PreProcessor, oasis.PostProcessor, or both; every
// PreProcessor runs before the provider call and every PostProcessor runs
// on its response. A guard returning *oasis.ErrHalt stops the turn and the
// halt's Response is sent in place of the LM's own reply.
func WithGuard(g any) Option {
	return func(e *Engine) { e.processors.Add(g) }
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Conversation Engine for spec, wired to gw for transport,
// memory for vector recall/storage, and provider for LM calls. provider
// should already be wrapped with oasis.WithRetry if retry-once-then-abort
// (spec §4.3 step 5) is desired; Run does not retry on its own.
func New(spec oasis.AgentSpec, gw Gateway, memory oasis.MemoryStore, provider oasis.Provider, opts ...Option) *Engine {
	e := &Engine{
		spec:       spec,
		gw:         gw,
		memory:     memory,
		provider:   provider,
		processors: oasis.NewProcessorChain(),
		states:     make(map[string]*oasis.ConversationState),
		logger:     nopLogger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run subscribes to the agent's Discord identity and processes events
// serially until ctx is done or the subscription channel closes.
func (e *Engine) Run(ctx context.Context) error {
	events := e.gw.Subscribe(e.spec.ID)
	defer e.gw.Unsubscribe(e.spec.ID)

	e.logger.Info("conversation engine started", "agent", e.spec.ID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.turn(ctx, ev)
		}
	}
}

// stateFor returns (creating if necessary) the ConversationState for key.
func (e *Engine) stateFor(key string) *oasis.ConversationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[key]
	if !ok {
		st = &oasis.ConversationState{}
		e.states[key] = st
	}
	return st
}
