package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"dispatch-core/internal/models"
)

// ErrUnknownJobType is returned for jobs no handler is registered for.
var ErrUnknownJobType = errors.New("no handler registered for job type")

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// PermanentError wraps a handler error that must not be retried.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string { return e.Cause.Error() }
func (e *PermanentError) Unwrap() error { return e.Cause }

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Cause: err}
}

// IsPermanent reports whether err, or anything it wraps, is a PermanentError.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type, replacing any previous one.
func (r *Registry) Register(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[jobType] = h
	r.mu.Unlock()
}

func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Handle registers fn for jobType with the payload decoded into P. A payload
// that does not decode fails the job permanently.
func Handle[P any](r *Registry, jobType string, fn func(ctx context.Context, job models.Job, payload P) error) {
	r.Register(jobType, func(ctx context.Context, job models.Job) error {
		var payload P
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return Permanent(fmt.Errorf("decode %s payload: %w", jobType, err))
		}
		return fn(ctx, job, payload)
	})
}
