package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"log/slog"

	"refbuild/internal/logging"
	"refbuild/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobReference JobType = "reference"
	JobColfig    JobType = "colfig"
)

// ErrQueueFull is returned by Submit when the bounded queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single processing request.
type Job struct {
	ID      string
	Type    JobType
	Input   string // human-readable description of the work unit
	Output  string
	Options map[string]any
	Payload any // typed work unit for the processor
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job Job) Result

func (f ProcessorFunc) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a new Pipeline with the given concurrency and processor implementation.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logging.OrDiscard(logger),
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.Input,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.run(ctx, job))
		}
	}
}

// run executes one job. A panic inside the processor fails only this job.
func (p *Pipeline) run(ctx context.Context, job Job) (res Result) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.Options)
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			res = Result{Job: job, Error: fmt.Errorf("panic in %s job %s: %v\n%s", job.Type, job.ID, r, debug.Stack())}
		}
		duration := time.Since(start)
		status := "completed"
		if res.Error != nil {
			status = "failed"
			logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
				"input":  job.Input,
				"output": job.Output,
			})
		} else {
			logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
		}
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
		}
	}()

	res = p.processor.Process(ctx, job)
	res.Job = job
	return res
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	return p.SubscribeN(8)
}

// SubscribeN subscribes with a channel buffer of size n.
func (p *Pipeline) SubscribeN(n int) (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, n)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
