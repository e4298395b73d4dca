package handler

import (
	"context"
	"fmt"

	"github.com/cuongbtq/pixelhive/internal/job"
)

// Request is what a handler receives for one attempt
type Request struct {
	JobID    string
	Category job.Category
	Input    job.Payload
	Attempt  int
}

// Handler performs the category-specific work of a job. Handlers never
// touch the store or the queue; they return a result or a classified error.
type Handler interface {
	Handle(ctx context.Context, req Request) (*job.Result, error)
}

// Func adapts a function to Handler
type Func func(ctx context.Context, req Request) (*job.Result, error)

func (f Func) Handle(ctx context.Context, req Request) (*job.Result, error) {
	return f(ctx, req)
}

// Registry maps categories to handlers
type Registry struct {
	handlers map[job.Category]Handler
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[job.Category]Handler)}
}

// Register binds h to category, replacing any previous binding
func (r *Registry) Register(category job.Category, h Handler) {
	r.handlers[category] = h
}

// Get returns the handler bound to category
func (r *Registry) Get(category job.Category) (Handler, error) {
	h, ok := r.handlers[category]
	if !ok {
		return nil, fmt.Errorf("no handler registered for category %q", category)
	}
	return h, nil
}

// input asserts the payload type a handler expects
func input[T job.Payload](req Request) (T, error) {
	in, ok := req.Input.(T)
	if !ok {
		var zero T
		return zero, job.Validationf("unexpected input %T for %s job", req.Input, req.Category)
	}
	if err := in.Validate(); err != nil {
		return in, err
	}
	return in, nil
}
