package oasis

import (
	"fmt"
	"strconv"
	"time"
)

// ErrLLM wraps an error returned by a Provider's own API (invalid request,
// content filtered, context length exceeded, etc).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP wraps a non-2xx HTTP response from a Provider's transport.
// RetryAfter is the server-requested minimum delay before retrying, parsed
// from the Retry-After header (or a provider-specific equivalent); zero when
// the response carried no such hint.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses an HTTP Retry-After header value, which is either a
// number of seconds or an HTTP-date. Returns 0 if empty or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ConfigError indicates the fleet configuration is invalid or incomplete
// (bad TOML, missing secret, duplicate spec_id, etc). Fatal: the supervisor
// does not start with a ConfigError outstanding.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// TransportError indicates a network-level failure talking to Discord, a
// provider, or the memory store (connection refused, timeout, DNS failure).
// Retryable with backoff.
type TransportError struct {
	Op      string
	Message string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %s", e.Op, e.Message)
}

// RateLimited indicates Discord or a provider returned a 429. RetryAfter is
// the minimum delay the caller must wait before retrying.
type RateLimited struct {
	Scope      string // "discord-route", "discord-global", "provider"
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited (%s): retry after %s", e.Scope, e.RetryAfter)
}

// ProviderError indicates an LM provider call failed after its single retry.
// The conversation engine aborts the turn on ProviderError.
type ProviderError struct {
	Provider string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// EmbeddingUnavailable indicates the embedding backend could not be reached.
// The memory service degrades gracefully: a turn proceeds without retrieved
// context rather than aborting.
type EmbeddingUnavailable struct {
	Message string
}

func (e *EmbeddingUnavailable) Error() string {
	return fmt.Sprintf("embedding unavailable: %s", e.Message)
}

// StoreUnavailable indicates a MemoryStore insert failed against its
// backing database (connection refused, constraint violation, driver
// error) after the embedding step already succeeded. Distinct from
// EmbeddingUnavailable so callers can tell which half of Store failed.
type StoreUnavailable struct {
	Backend string
	Message string
}

func (e *StoreUnavailable) Error() string {
	return fmt.Sprintf("store unavailable (%s): %s", e.Backend, e.Message)
}

// HandleLost indicates the supervisor lost contact with a running instance
// (process exited unexpectedly, container vanished from the engine). Drives
// the instance toward crash_loop.
type HandleLost struct {
	InstanceID string
	Message    string
}

func (e *HandleLost) Error() string {
	return fmt.Sprintf("handle lost for instance %s: %s", e.InstanceID, e.Message)
}

// PermissionDenied indicates a Discord operation failed because the bot
// lacks the required guild/channel permission.
type PermissionDenied struct {
	Op      string
	Message string
}

func (e *PermissionDenied) Error() string {
	return fmt.Sprintf("permission denied: %s: %s", e.Op, e.Message)
}

// DuplicateBotToken indicates two distinct AgentSpecs resolved to the same
// Discord token at boot — the class of bug documented as catastrophic,
// since every such bot would appear as the same identity. The supervisor
// refuses to start with this outstanding.
type DuplicateBotToken struct {
	SpecA, SpecB string
}

func (e *DuplicateBotToken) Error() string {
	return fmt.Sprintf("DuplicateBotToken: specs %q and %q resolve to the same discord token", e.SpecA, e.SpecB)
}

// Overloaded indicates a component shed load deliberately (a bounded queue
// was full, a concurrency cap was reached) rather than failing outright.
type Overloaded struct {
	Component string
	Message   string
}

func (e *Overloaded) Error() string {
	return fmt.Sprintf("overloaded: %s: %s", e.Component, e.Message)
}
