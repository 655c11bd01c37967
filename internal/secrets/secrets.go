// Package secrets performs the fleet's single boot-time resolution of
// secret material into an immutable object, replacing the scattered
// os.Getenv reads the teacher's cmd/oasis/main.go and internal/config.Load
// do inline. Every component that needs a token or API key receives it by
// parameter from a Resolver built once at startup; no package in this
// module reads an environment variable for secret material anywhere else.
package secrets

import (
	"fmt"
	"os"

	"github.com/nevindra/oasis"
)

// Resolver holds the values named in a document's secrets_refs, resolved
// once from the environment at boot.
type Resolver struct {
	values map[string]string
}

// Resolve reads refs from the environment via lookup, failing fast with
// *oasis.ConfigError on the first missing name: "missing any referenced
// secret is a fatal startup error."
func Resolve(refs []string, lookup func(string) (string, bool)) (*Resolver, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	values := make(map[string]string, len(refs))
	for _, ref := range refs {
		v, ok := lookup(ref)
		if !ok || v == "" {
			return nil, &oasis.ConfigError{Field: "secrets_refs", Message: fmt.Sprintf("missing required secret %q", ref)}
		}
		values[ref] = v
	}
	return &Resolver{values: values}, nil
}

// Get returns the resolved value for ref, or an error if ref was never
// declared in secrets_refs.
func (r *Resolver) Get(ref string) (string, error) {
	v, ok := r.values[ref]
	if !ok {
		return "", &oasis.ConfigError{Field: "secrets_refs", Message: fmt.Sprintf("%q was not declared in secrets_refs", ref)}
	}
	return v, nil
}

// TokenResolver adapts the Resolver to supervisor.TokenResolver's
// signature (ref string) (string, error), used to detect duplicate
// Discord tokens across AgentSpecs at load time.
func (r *Resolver) TokenResolver() func(ref string) (string, error) {
	return r.Get
}
