package provider

import (
	"fmt"
	"sync"
)

// ErrorKind classifies expected provider failure modes so the dispatcher has
// a single uniform retry decision.
type ErrorKind string

const (
	// ErrorTransient covers timeouts, rate limits and upstream flakiness;
	// the dispatcher retries these with backoff.
	ErrorTransient ErrorKind = "transient"
	// ErrorFatal covers failures retrying cannot fix (bad credentials,
	// rejected requests); the cell fails immediately.
	ErrorFatal ErrorKind = "fatal"
)

// Error is an expected provider failure. Adapters signal these through the
// Outcome rather than a Go error, so calling code never has to distinguish
// panics-by-another-name from routine upstream trouble.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s error: %s", e.Kind, e.Message)
}

// Transient reports whether the failure is worth retrying.
func (e *Error) Transient() bool {
	return e != nil && e.Kind == ErrorTransient
}

// Outcome is the uniform result of one provider invocation.
type Outcome struct {
	Success bool
	Answer  string
	Err     *Error
}

// Registry maps model identifiers to the adapter serving them. Adapters are
// selected once, at matrix-seed time.
type Registry struct {
	mu      sync.RWMutex
	byModel map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{byModel: make(map[string]Adapter)}
}

// Register binds a model identifier to an adapter. Later registrations for
// the same model win.
func (r *Registry) Register(model string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byModel[model] = a
}

// Adapter returns the adapter serving a model identifier.
func (r *Registry) Adapter(model string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byModel[model]
	return a, ok
}

// Models lists the registered model identifiers.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := make([]string, 0, len(r.byModel))
	for m := range r.byModel {
		models = append(models, m)
	}
	return models
}
