// Package oasis holds the shared types and contracts of a multi-agent
// Discord fleet: a Supervisor that keeps declared agents running, a Discord
// Gateway that multiplexes their bot identities, and a Conversation Engine
// per agent backed by vector memory and an LLM provider.
//
// # Core Interfaces
//
// The root package defines the contracts the component packages implement:
//
//   - [Provider] — LLM backend (chat, tool calling, streaming)
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [MemoryStore] — per-agent semantic memory
//   - [Tracer] / [Span] — optional tracing hooks
//
// It also carries the fleet data model ([AgentSpec], [AgentInstance],
// [InboundEvent]), the typed errors, the [PreProcessor]/[PostProcessor]
// guard chain ([NewInjectionGuard], [NewContentGuard]), [WithRetry] for
// transient provider errors, and [NewID].
//
// # Included Implementations
//
// Providers: provider/anthropic, provider/gemini, provider/openaicompat
// (OpenAI-compatible APIs), and provider/resolve to pick one by name.
// Memory: memory/postgres (pgvector), memory/sqlite (local).
// Fleet: gateway, conversation, runtime/docker, internal/supervisor,
// observer (OTEL instrumentation of provider and embedding calls).
//
// See cmd/fleet for the binary that wires these together.
package oasis
