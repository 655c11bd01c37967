// Package gateway implements the Discord Gateway (C2): one process holds
// all live Discord connections, multiplexing N bot identities over one
// connection pool so every spawned agent appears as an independent Discord
// user without owning a persistent gateway connection of its own.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/nevindra/oasis"
)

// subscriberBuffer is the bound on each subscription's drop-oldest fan-out
// buffer (spec §5 backpressure).
const subscriberBuffer = 256

// BotIdentity is one registered Discord credential and its live connection.
// Mutated only by the Gateway's single writer lock; outbound callers read
// it under a read lock.
type BotIdentity struct {
	ID          string // logical name used by callers; never the raw token
	UserID      string // Discord snowflake, discovered on connect
	DisplayName string

	mu    sync.RWMutex
	state oasis.ConnState

	session *discordgo.Session
	token   string

	global  *rate.Limiter
	routes  map[string]*rate.Limiter
	routeMu sync.Mutex

	subMu       sync.Mutex
	subscribers map[string]*subscription
	dropCount   uint64

	logger *slog.Logger
}

// State returns the identity's current connection state.
func (b *BotIdentity) State() oasis.ConnState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *BotIdentity) setState(s oasis.ConnState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// DropCount returns the monotonic count of events dropped across all
// subscribers to this identity due to backpressure.
func (b *BotIdentity) DropCount() uint64 {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return b.dropCount
}

// subscription is a per-(bot identity, subscriber) ordered event stream.
type subscription struct {
	ch chan oasis.InboundEvent
}

// routeLimiter returns (creating if necessary) the outbound rate limiter for
// a route bucket, e.g. "channel:<id>" or "guild:<id>".
func (b *BotIdentity) routeLimiter(route string) *rate.Limiter {
	b.routeMu.Lock()
	defer b.routeMu.Unlock()
	l, ok := b.routes[route]
	if !ok {
		// Discord's per-route buckets are roughly 5 requests / 5s for
		// message sends; this is a conservative default, overridden in
		// practice by 429 responses carrying their own Retry-After.
		l = rate.NewLimiter(rate.Every(time.Second), 5)
		b.routes[route] = l
	}
	return l
}

// awaitSend blocks until both the route and global limiters admit a send,
// or ctx is done.
func (b *BotIdentity) awaitSend(ctx context.Context, route string) error {
	if err := b.global.Wait(ctx); err != nil {
		return err
	}
	return b.routeLimiter(route).Wait(ctx)
}

// Gateway owns the fleet of BotIdentities. The identity map is mutated only
// on config reload under a single writer lock (spec §5); outbound sends
// take a read lock.
type Gateway struct {
	mu         sync.RWMutex
	identities map[string]*BotIdentity

	logger *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets a structured logger for the gateway. Defaults to a
// discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates an empty Gateway. Call RegisterBot for each configured
// identity, then Connect to dial all of them in parallel.
func New(opts ...Option) *Gateway {
	g := &Gateway{identities: make(map[string]*BotIdentity), logger: nopLogger}
	for _, o := range opts {
		o(g)
	}
	return g
}

// RegisterBot creates a BotIdentity for the given logical name and token in
// state "initializing". It does not connect; call Connect to dial.
func (g *Gateway) RegisterBot(name, token string) (*BotIdentity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.identities[name]; exists {
		return nil, &oasis.ConfigError{Field: "bot", Message: fmt.Sprintf("identity %q already registered", name)}
	}
	b := &BotIdentity{
		ID:          name,
		state:       oasis.ConnInitializing,
		token:       token,
		global:      rate.NewLimiter(rate.Every(time.Second), 50),
		routes:      make(map[string]*rate.Limiter),
		subscribers: make(map[string]*subscription),
		logger:      g.logger.With("component", "gateway", "bot", name),
	}
	g.identities[name] = b
	return b, nil
}

// Bot returns the registered identity by logical name, or (nil, false).
func (g *Gateway) Bot(name string) (*BotIdentity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.identities[name]
	return b, ok
}

// Bots returns a snapshot of all registered identities.
func (g *Gateway) Bots() []*BotIdentity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*BotIdentity, 0, len(g.identities))
	for _, b := range g.identities {
		out = append(out, b)
	}
	return out
}

// Connect dials every registered identity in parallel. A failure to connect
// marks that identity degraded but does not block the rest, matching
// spec §4.2.
func (g *Gateway) Connect(ctx context.Context) {
	g.mu.RLock()
	bots := make([]*BotIdentity, 0, len(g.identities))
	for _, b := range g.identities {
		bots = append(bots, b)
	}
	g.mu.RUnlock()

	var wg sync.WaitGroup
	for _, b := range bots {
		wg.Add(1)
		go func(b *BotIdentity) {
			defer wg.Done()
			g.connectWithRetry(ctx, b)
		}(b)
	}
	wg.Wait()
}

// connectWithRetry dials b, reconnecting with exponential backoff and jitter
// on failure, capped at 5 minutes, until ctx is done.
func (g *Gateway) connectWithRetry(ctx context.Context, b *BotIdentity) {
	attempt := 0
	for {
		b.setState(oasis.ConnConnecting)
		if err := g.dial(b); err != nil {
			b.setState(oasis.ConnDegraded)
			b.logger.Error("connect failed", "error", err, "attempt", attempt+1)
			delay := reconnectBackoff(attempt)
			attempt++
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				continue
			}
		}
		b.setState(oasis.ConnReady)
		b.logger.Info("connected", "user_id", b.UserID)
		return
	}
}

func (g *Gateway) dial(b *BotIdentity) error {
	session, err := discordgo.New("Bot " + b.token)
	if err != nil {
		return &oasis.TransportError{Op: "discordgo.New", Message: err.Error()}
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent | discordgo.IntentsDirectMessages
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		g.handleMessageCreate(b, s, m)
	})
	if err := session.Open(); err != nil {
		return &oasis.TransportError{Op: "session.Open", Message: err.Error()}
	}
	if session.State.User != nil {
		b.UserID = session.State.User.ID
		b.DisplayName = session.State.User.Username
	}
	b.mu.Lock()
	b.session = session
	b.mu.Unlock()
	return nil
}

// reconnectBackoff returns the delay before reconnect attempt i (0-indexed):
// exponential with jitter, capped at 5 minutes.
func reconnectBackoff(i int) time.Duration {
	const maxDelay = 5 * time.Minute
	base := time.Second * time.Duration(1<<uint(min(i, 8)))
	if base > maxDelay {
		base = maxDelay
	}
	jitter := time.Duration(float64(base) * 0.3 * jitterFrac())
	if d := base + jitter; d < maxDelay {
		return d
	}
	return maxDelay
}

// jitterFrac returns a random value in [0, 1).
func jitterFrac() float64 { return rand.Float64() }

// Subscribe returns botID's inbound event stream, registering botID itself
// as the subscriber key. botID must match a name passed to RegisterBot; an
// unknown bot yields an already-closed channel so a Conversation Engine's
// Run loop exits cleanly rather than blocking forever.
func (g *Gateway) Subscribe(botID string) <-chan oasis.InboundEvent {
	g.mu.RLock()
	b, ok := g.identities[botID]
	g.mu.RUnlock()
	if !ok {
		ch := make(chan oasis.InboundEvent)
		close(ch)
		return ch
	}
	return b.Subscribe(botID)
}

// Unsubscribe removes the subscription Subscribe registered for botID, if
// both the bot and the subscription exist.
func (g *Gateway) Unsubscribe(botID string) {
	g.mu.RLock()
	b, ok := g.identities[botID]
	g.mu.RUnlock()
	if ok {
		b.Unsubscribe(botID)
	}
}

// Close closes every bot identity's subscriptions and then disconnects its
// session, in that order (spec §5 graceful shutdown).
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var firstErr error
	for _, b := range g.identities {
		b.subMu.Lock()
		for _, sub := range b.subscribers {
			close(sub.ch)
		}
		b.subscribers = make(map[string]*subscription)
		b.subMu.Unlock()

		b.mu.Lock()
		if b.session != nil {
			if err := b.session.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		b.state = oasis.ConnClosed
		b.mu.Unlock()
	}
	return firstErr
}
