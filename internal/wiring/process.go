// Package wiring connects the Discord Gateway (C2), the Conversation Engine
// (C3), and the Supervisor (C5) inside a single process: the gateway's
// BotIdentity subscriptions are delivered to engines over Go channels
// rather than a network hop, and each engine's Run loop is exposed to the
// Supervisor as a ProcessHandle so the standard process-kind state machine
// (starting -> running -> crash_loop -> ...) governs it unchanged.
package wiring

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nevindra/oasis"
	"github.com/nevindra/oasis/conversation"
	"github.com/nevindra/oasis/gateway"
	"github.com/nevindra/oasis/internal/supervisor"
)

// GatewayAdapter implements conversation.Gateway by delegating Subscribe,
// Unsubscribe, and Messages directly to *gateway.Gateway (their signatures
// already agree) and translating Send's request type, since
// gateway.SendRequest carries an Attachments field conversation.SendRequest
// does not.
type GatewayAdapter struct {
	gw *gateway.Gateway
}

// NewGatewayAdapter wraps gw for use as a conversation.Gateway.
func NewGatewayAdapter(gw *gateway.Gateway) *GatewayAdapter {
	return &GatewayAdapter{gw: gw}
}

func (a *GatewayAdapter) Subscribe(agentID string) <-chan oasis.InboundEvent {
	return a.gw.Subscribe(agentID)
}

func (a *GatewayAdapter) Unsubscribe(agentID string) {
	a.gw.Unsubscribe(agentID)
}

func (a *GatewayAdapter) Send(ctx context.Context, req conversation.SendRequest) (string, error) {
	return a.gw.Send(ctx, gateway.SendRequest{
		Bot:       req.Bot,
		ChannelID: req.ChannelID,
		Content:   req.Content,
		ReplyTo:   req.ReplyTo,
	})
}

func (a *GatewayAdapter) Messages(ctx context.Context, bot, channelID string, limit int, before string) ([]oasis.ChatMessage, error) {
	return a.gw.Messages(ctx, bot, channelID, limit, before)
}

var _ conversation.Gateway = (*GatewayAdapter)(nil)

// EngineFactory builds a Conversation Engine for a declared process-kind
// spec. Kept as a function rather than a fixed constructor so main can
// close over per-spec dependencies (resolved provider, memory store,
// guard) that the Supervisor itself has no business knowing about.
type EngineFactory func(spec oasis.AgentSpec) (*conversation.Engine, error)

// ProcessRuntime adapts EngineFactory to supervisor.ProcessRuntime: Start
// builds an Engine, launches its Run loop in a goroutine bound to a
// cancelable context, and returns a handle tracking that goroutine.
type ProcessRuntime struct {
	build  EngineFactory
	logger *slog.Logger
}

// Option configures a ProcessRuntime.
type Option func(*ProcessRuntime)

// WithLogger sets a structured logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *ProcessRuntime) { r.logger = l }
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewProcessRuntime creates a ProcessRuntime that builds engines via build.
func NewProcessRuntime(build EngineFactory, opts ...Option) *ProcessRuntime {
	r := &ProcessRuntime{build: build, logger: nopLogger}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start builds and launches the engine for spec, returning once the Run
// goroutine has been scheduled (not once it has subscribed).
func (r *ProcessRuntime) Start(spec oasis.AgentSpec) (supervisor.ProcessHandle, error) {
	engine, err := r.build(spec)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &engineHandle{cancel: cancel}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("conversation engine stopped", "agent", spec.ID, "error", err)
		}
		h.setDone()
	}()
	return h, nil
}

// engineHandle tracks one running Engine.Run goroutine.
type engineHandle struct {
	cancel context.CancelFunc

	mu   sync.Mutex
	done bool
	wg   sync.WaitGroup
}

func (h *engineHandle) setDone() {
	h.mu.Lock()
	h.done = true
	h.mu.Unlock()
}

// Alive reports whether the Run goroutine is still executing.
func (h *engineHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.done
}

// Stop cancels the engine's context and waits for Run to return.
func (h *engineHandle) Stop() {
	h.cancel()
	h.wg.Wait()
}

var (
	_ supervisor.ProcessRuntime = (*ProcessRuntime)(nil)
	_ supervisor.ProcessHandle  = (*engineHandle)(nil)
)
