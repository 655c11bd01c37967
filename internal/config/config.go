// Package config loads the fleet's declarative configuration document:
// agents (map of spec_id -> AgentSpec), global (timeouts, probe interval,
// log root, embedding dimension, gateway base URL, memory connection
// string), and secrets_refs (names of environment variables the boot
// sequence must resolve). Generalizes the teacher's internal/config's
// Default()/Load(path) shape, but decodes strictly: an unknown key is a
// fatal startup error rather than silently ignored.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nevindra/oasis"
)

// Global holds fleet-wide settings that do not belong to any one AgentSpec.
type Global struct {
	ProbeInterval       Duration        `toml:"probe_interval"`
	StartupTimeout      Duration        `toml:"startup_timeout"`
	RestartBudgetN      int             `toml:"restart_budget_n"`
	RestartBudgetWindow Duration        `toml:"restart_budget_window"`
	LogRoot             string          `toml:"log_root"`
	EmbeddingDimension  int             `toml:"embedding_dimension"`
	Embedding           EmbeddingConfig `toml:"embedding"`
	GatewayBaseURL      string          `toml:"gateway_base_url"`
	GatewayListenAddr   string          `toml:"gateway_listen_addr"`
	MemoryDSN           string          `toml:"memory_dsn"`
	Observer            ObserverConfig  `toml:"observer"`
}

// ObserverConfig opts the fleet into OTEL cost/latency instrumentation
// around every provider and embedding call (spec §7 "token/cost
// accounting"). Disabled by default; pricing overrides merge over
// observer.DefaultPricing.
type ObserverConfig struct {
	Enabled bool                            `toml:"enabled"`
	Pricing map[string]ObserverModelPricing `toml:"pricing"`
}

// ObserverModelPricing mirrors observer.ModelPricing so this package does
// not need to import observer just to decode TOML.
type ObserverModelPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// EmbeddingConfig names the single shared embedding provider the Vector
// Memory Service uses for every agent (spec §2: "embedding dimension is a
// store-wide constant, fixed at initialization").
type EmbeddingConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyRef string `toml:"api_key_ref"`
}

// Config is the full document: declared agents, fleet-wide settings, and
// the names of secrets the boot sequence must resolve from the environment.
type Config struct {
	Agents      map[string]oasis.AgentSpec `toml:"agents"`
	Global      Global                     `toml:"global"`
	SecretsRefs []string                   `toml:"secrets_refs"`
}

// Default returns a Config with documented defaults applied and no agents
// declared.
func Default() Config {
	return Config{
		Agents: make(map[string]oasis.AgentSpec),
		Global: Global{
			ProbeInterval:       Duration(60 * time.Second),
			StartupTimeout:      Duration(30 * time.Second),
			RestartBudgetN:      5,
			RestartBudgetWindow: Duration(10 * time.Minute),
			LogRoot:             "/var/log/oasis",
			EmbeddingDimension:  1536,
			Embedding:           EmbeddingConfig{Provider: "gemini", Model: "gemini-embedding-001"},
			GatewayBaseURL:      "http://localhost:8080",
			GatewayListenAddr:   ":8080",
		},
	}
}

// Load reads the document at path, starting from Default and decoding the
// TOML file over it. Unlike the teacher's permissive Load, decode errors
// and unknown keys are fatal: "unknown keys are rejected; absent optional
// keys take documented defaults."
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &oasis.ConfigError{Field: "path", Message: err.Error()}
	}

	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, &oasis.ConfigError{Field: "toml", Message: err.Error()}
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, &oasis.ConfigError{Field: undecoded[0].String(), Message: "unknown key"}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks document-level invariants beyond what each AgentSpec
// checks of itself: map keys must agree with spec ids, and the global
// section must be complete enough to boot.
func (c Config) Validate() error {
	for id, spec := range c.Agents {
		if spec.ID == "" {
			spec.ID = id
		}
		if spec.ID != id {
			return &oasis.ConfigError{Field: "agents", Message: fmt.Sprintf("key %q does not match spec id %q", id, spec.ID)}
		}
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	if c.Global.EmbeddingDimension <= 0 {
		return &oasis.ConfigError{Field: "global.embedding_dimension", Message: "must be positive"}
	}
	if c.Global.MemoryDSN == "" {
		return &oasis.ConfigError{Field: "global.memory_dsn", Message: "must not be empty"}
	}
	if c.Global.Embedding.APIKeyRef == "" {
		return &oasis.ConfigError{Field: "global.embedding.api_key_ref", Message: "must not be empty"}
	}
	return nil
}

// Specs returns the declared AgentSpecs as a slice, filling each spec's ID
// from its map key when the document left it blank.
func (c Config) Specs() []oasis.AgentSpec {
	out := make([]oasis.AgentSpec, 0, len(c.Agents))
	for id, spec := range c.Agents {
		if spec.ID == "" {
			spec.ID = id
		}
		out = append(out, spec)
	}
	return out
}
