package pipeline

import (
	"context"
	"fmt"
)

// Router implements Processor and routes jobs to their concrete handlers by
// job type.
type Router struct {
	handlers map[JobType]Processor
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[JobType]Processor)}
}

// Handle registers p for jobs of type t, replacing any previous handler.
func (r *Router) Handle(t JobType, p Processor) *Router {
	r.handlers[t] = p
	return r
}

func (r *Router) Process(ctx context.Context, job Job) Result {
	h, ok := r.handlers[job.Type]
	if !ok {
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
	return h.Process(ctx, job)
}
