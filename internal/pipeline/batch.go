package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// SubmitWait enqueues job, blocking while the queue is full.
func (p *Pipeline) SubmitWait(ctx context.Context, job Job) error {
	err := p.Submit(job)
	if err != ErrQueueFull {
		return err
	}
	// Submit already recorded the job; retry the send only.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- job:
		return nil
	}
}

// RunBatch submits jobs and waits for all of them. Results are paired with
// jobs by index. A failing job never prevents its siblings from running.
func (p *Pipeline) RunBatch(ctx context.Context, jobs []Job) ([]Result, error) {
	results := make([]Result, len(jobs))
	if len(jobs) == 0 {
		return results, nil
	}

	index := make(map[string]int, len(jobs))
	for i, job := range jobs {
		if _, dup := index[job.ID]; dup {
			return nil, fmt.Errorf("duplicate job id %s", job.ID)
		}
		index[job.ID] = i
	}

	resCh, unsubscribe := p.SubscribeN(len(jobs) + 8)
	defer unsubscribe()

	for _, job := range jobs {
		if err := p.SubmitWait(ctx, job); err != nil {
			return nil, fmt.Errorf("dispatch %s: %w", job.ID, err)
		}
	}

	remaining := len(jobs)
	for remaining > 0 {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return results, fmt.Errorf("pipeline stopped with %d jobs outstanding", remaining)
			}
			i, mine := index[res.Job.ID]
			if !mine {
				continue
			}
			delete(index, res.Job.ID)
			results[i] = res
			remaining--
		}
	}
	return results, nil
}

// Map applies fn to every item using at most workers goroutines and returns
// the outputs in input order. The first error, or a panic in fn, cancels the
// remaining work and is returned.
func Map[T, R any](ctx context.Context, workers int, items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	if workers < 1 {
		workers = 1
	}
	out := make([]R, len(items))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	idx := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				if ctx.Err() != nil {
					continue
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							fail(fmt.Errorf("panic in worker for item %d: %v\n%s", i, r, debug.Stack()))
						}
					}()
					res, err := fn(ctx, items[i])
					if err != nil {
						fail(err)
						return
					}
					out[i] = res
				}()
			}
		}()
	}

feed:
	for i := range items {
		select {
		case <-ctx.Done():
			break feed
		case idx <- i:
		}
	}
	close(idx)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
