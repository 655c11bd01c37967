package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nevindra/oasis"
)

func agentSpecWithoutID(t *testing.T) oasis.AgentSpec {
	t.Helper()
	return oasis.AgentSpec{
		Kind:            oasis.KindProcess,
		DisplayName:     "Beta",
		DiscordTokenRef: "DISCORD_TOKEN_B",
		LLM:             oasis.LLMConfig{Provider: "openai", Model: "gpt-4o", APIKeyRef: "OPENAI_API_KEY"},
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Global.EmbeddingDimension != 1536 {
		t.Errorf("expected 1536, got %d", cfg.Global.EmbeddingDimension)
	}
	if time.Duration(cfg.Global.ProbeInterval) != 60*time.Second {
		t.Errorf("expected 60s, got %s", cfg.Global.ProbeInterval)
	}
	if cfg.Global.RestartBudgetN != 5 {
		t.Errorf("expected 5, got %d", cfg.Global.RestartBudgetN)
	}
	if len(cfg.Agents) != 0 {
		t.Errorf("expected no declared agents, got %d", len(cfg.Agents))
	}
}

func validDoc() string {
	return `
secrets_refs = ["DISCORD_TOKEN_A", "OPENAI_API_KEY", "GEMINI_API_KEY"]

[global]
memory_dsn = "postgres://localhost/oasis"
embedding_dimension = 1536
probe_interval = "30s"

[global.embedding]
provider = "gemini"
model = "gemini-embedding-001"
api_key_ref = "GEMINI_API_KEY"

[agents.alpha]
id = "alpha"
kind = "process"
display_name = "Alpha"
discord_token_ref = "DISCORD_TOKEN_A"

[agents.alpha.llm]
provider = "openai"
model = "gpt-4o"
api_key_ref = "OPENAI_API_KEY"

[agents.alpha.behavior]
max_context_messages = 20
`
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.toml")
	if err := os.WriteFile(path, []byte(validDoc()), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Global.MemoryDSN != "postgres://localhost/oasis" {
		t.Errorf("memory_dsn = %q", cfg.Global.MemoryDSN)
	}
	if time.Duration(cfg.Global.ProbeInterval) != 30*time.Second {
		t.Errorf("probe_interval = %s, want 30s", cfg.Global.ProbeInterval)
	}
	if time.Duration(cfg.Global.StartupTimeout) != 30*time.Second {
		t.Errorf("startup_timeout default not preserved: %s", cfg.Global.StartupTimeout)
	}
	spec, ok := cfg.Agents["alpha"]
	if !ok {
		t.Fatal("agents.alpha not decoded")
	}
	if spec.LLM.Provider != "openai" || spec.LLM.Model != "gpt-4o" {
		t.Errorf("agents.alpha.llm = %+v", spec.LLM)
	}
	if len(cfg.SecretsRefs) != 3 {
		t.Errorf("secrets_refs = %v, want 3 entries", cfg.SecretsRefs)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.toml")
	doc := validDoc() + "\nnot_a_real_key = true\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load with unknown top-level key: want error, got nil")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/fleet.toml"); err == nil {
		t.Fatal("Load of missing file: want error, got nil")
	}
}

func TestLoadRejectsInvalidAgentSpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.toml")
	doc := `
[global]
memory_dsn = "postgres://localhost/oasis"
embedding_dimension = 1536

[agents.bad]
id = "bad"
kind = "not-a-real-kind"
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load with invalid agent kind: want error, got nil")
	}
}

func TestSpecsFillsIDFromMapKey(t *testing.T) {
	cfg := Default()
	cfg.Agents["beta"] = agentSpecWithoutID(t)
	specs := cfg.Specs()
	if len(specs) != 1 || specs[0].ID != "beta" {
		t.Fatalf("Specs() = %+v, want one spec with id beta", specs)
	}
}
