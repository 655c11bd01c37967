// Package supervisor implements the Supervisor (C5): owns the declared
// fleet of AgentSpecs, reconciles them against observed AgentInstances, and
// drives the per-instance state machine of spec §4.5. Generalizes the
// teacher's internal/bot.AgentManager (concurrency-capped registry,
// message-routing map, status formatting) from "N concurrent action agents
// in one Telegram chat" to "N declared specs resolved to instances across
// two kinds."
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nevindra/oasis"
	"github.com/nevindra/oasis/runtime/docker"
)

// ContainerRuntime is the subset of the Container Runtime Adapter (C4) the
// Supervisor drives for container-kind agents.
type ContainerRuntime interface {
	Launch(ctx context.Context, spec oasis.AgentSpec) (handle string, err error)
	Stop(ctx context.Context, handle string, grace time.Duration) error
	Remove(ctx context.Context, handle string) error
	Inspect(ctx context.Context, handle string) (docker.InspectResult, error)
	Exec(ctx context.Context, handle string, argv []string) (docker.ExecResult, error)
	Logs(ctx context.Context, handle string, tailLines int) (string, error)
}

// ProcessRuntime starts/stops a process-kind agent (in this module, a
// conversation.Engine's Run loop) and reports liveness between probes.
type ProcessRuntime interface {
	Start(spec oasis.AgentSpec) (handle ProcessHandle, err error)
}

// ProcessHandle is a live process-kind agent's control surface.
type ProcessHandle interface {
	Alive() bool
	Stop()
}

// TokenResolver resolves a discord_token_ref into its secret value.
type TokenResolver func(ref string) (string, error)

type instanceRecord struct {
	instance    oasis.AgentInstance
	handle      string // container id, empty for process kind
	proc        ProcessHandle
	restartsAt  []time.Time // restart timestamps within the budget window
}

// Supervisor owns the fleet. All mutation goes through its single lock;
// reconcile and health loops run as background goroutines per instance.
type Supervisor struct {
	mu        sync.Mutex
	specs     map[string]oasis.AgentSpec
	instances map[string]*instanceRecord

	container ContainerRuntime
	process   ProcessRuntime
	resolve   TokenResolver

	probeInterval       time.Duration
	startupTimeout      time.Duration
	restartBudgetN      int
	restartBudgetWindow time.Duration

	logger *slog.Logger

	stopCh chan struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// WithProbeInterval overrides the default 60s health-probe interval.
func WithProbeInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.probeInterval = d }
}

// WithStartupTimeout bounds how long a starting instance has to pass its
// first health probe before it is marked failed.
func WithStartupTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.startupTimeout = d }
}

// WithRestartBudget bounds restarts to n within window before an instance
// moves crash_loop -> failed.
func WithRestartBudget(n int, window time.Duration) Option {
	return func(s *Supervisor) { s.restartBudgetN = n; s.restartBudgetWindow = window }
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates an empty Supervisor. Call LoadSpecs before Deploy/Reconcile.
func New(container ContainerRuntime, process ProcessRuntime, resolve TokenResolver, opts ...Option) *Supervisor {
	s := &Supervisor{
		specs:               make(map[string]oasis.AgentSpec),
		instances:           make(map[string]*instanceRecord),
		container:           container,
		process:             process,
		resolve:             resolve,
		probeInterval:       60 * time.Second,
		startupTimeout:      30 * time.Second,
		restartBudgetN:      5,
		restartBudgetWindow: 10 * time.Minute,
		logger:              nopLogger,
		stopCh:              make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// LoadSpecs validates and declares specs, rejecting the whole batch with
// *oasis.ConfigError on a bad individual spec or a duplicate id, and with
// *oasis.DuplicateBotToken if two specs resolve to the same Discord token
// (spec §4.5 "duplicate-token detection").
func (s *Supervisor) LoadSpecs(specs []oasis.AgentSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seenID := make(map[string]bool, len(specs))
	seenToken := make(map[string]string, len(specs)) // resolved token -> spec id
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return err
		}
		if seenID[spec.ID] {
			return &oasis.ConfigError{Field: "id", Message: fmt.Sprintf("duplicate spec id %q", spec.ID)}
		}
		seenID[spec.ID] = true

		token, err := s.resolve(spec.DiscordTokenRef)
		if err != nil {
			return &oasis.ConfigError{Field: "discord_token_ref", Message: err.Error()}
		}
		if other, exists := seenToken[token]; exists {
			return &oasis.DuplicateBotToken{SpecA: other, SpecB: spec.ID}
		}
		seenToken[token] = spec.ID
	}

	for _, spec := range specs {
		s.specs[spec.ID] = spec
	}
	return nil
}

// ListSpecs returns all declared specs.
func (s *Supervisor) ListSpecs() []oasis.AgentSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]oasis.AgentSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		out = append(out, spec)
	}
	return out
}

// ListInstances returns a snapshot of all observed instances.
func (s *Supervisor) ListInstances() []oasis.AgentInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]oasis.AgentInstance, 0, len(s.instances))
	for _, r := range s.instances {
		out = append(out, r.instance)
	}
	return out
}

// Status returns the instance record for specID, if any.
func (s *Supervisor) Status(specID string) (oasis.AgentInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.instances[specID]
	if !ok {
		return oasis.AgentInstance{}, false
	}
	return r.instance, true
}

// Logs returns a tail of specID's output: container logs for container
// kind, unsupported for process kind (process agents have no independent
// log stream beyond the structured logger).
func (s *Supervisor) Logs(ctx context.Context, specID string, tailLines int) (string, error) {
	s.mu.Lock()
	spec, ok := s.specs[specID]
	rec, instOK := s.instances[specID]
	s.mu.Unlock()
	if !ok {
		return "", &oasis.ConfigError{Field: "spec_id", Message: fmt.Sprintf("unknown spec %q", specID)}
	}
	if spec.Kind != oasis.KindContainer {
		return "", &oasis.ConfigError{Field: "kind", Message: "logs are only available for container agents"}
	}
	if !instOK || rec.handle == "" {
		return "", &oasis.HandleLost{InstanceID: specID, Message: "no running container"}
	}
	return s.container.Logs(ctx, rec.handle, tailLines)
}

// isLive reports whether specID has an instance in a state that counts as
// "live" for deploy/reconcile decisions.
func isLive(state oasis.InstanceState) bool {
	switch state {
	case oasis.StateStarting, oasis.StateRunning, oasis.StateCrashLoop:
		return true
	default:
		return false
	}
}
