// Package sync provides the common interfaces of the propsync pipeline.
//
// These contracts let external projects swap in their own secret management
// backend (Vault, SOPS, a test fake) without touching the workflow engine.
package sync

import "context"

// SecretProvider defines the interface for retrieving the property value
// from an external secret store.
//
// Fetch returns the secret identified by name as a plain string. If the
// stored value is a JSON object and jsonKey is non-empty, implementations
// return the string form of that key's value; if the key is missing or the
// value is not JSON, the raw stored string is returned (with a warning).
// A secret that cannot be represented as text is an error.
type SecretProvider interface {
	Fetch(ctx context.Context, name, jsonKey string) (string, error)
}

// Synchronizer runs one synchronization of a secret value into a
// repository and reports the outcome. Implementations are single-flight:
// one call owns the configured working directory for its duration.
type Synchronizer interface {
	Execute(ctx context.Context) Result
}

// Result is the outcome of one synchronization run.
type Result struct {
	// Updated reports whether a change was published. It is false for the
	// idempotent no-op path and for dry runs.
	Updated bool

	// Branch is the feature branch the change was published on. Empty when
	// Updated is false.
	Branch string

	// Key is the property key that was inspected.
	Key string

	// OldValue and NewValue are the property values before and after the
	// run. They are equal when no update was needed.
	OldValue string
	NewValue string

	// Err is the first error encountered, nil on success.
	Err error
}

// Success reports whether the run completed without error. A no-op run is
// a success.
func (r Result) Success() bool {
	return r.Err == nil
}
