package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestRouterDispatchesByType(t *testing.T) {
	var refCalls, colCalls int
	r := NewRouter().
		Handle(JobReference, ProcessorFunc(func(ctx context.Context, job Job) Result {
			refCalls++
			return Result{Job: job, Meta: map[string]any{"status": "built"}}
		})).
		Handle(JobColfig, ProcessorFunc(func(ctx context.Context, job Job) Result {
			colCalls++
			return Result{Job: job}
		}))

	res := r.Process(context.Background(), Job{ID: "ref-1", Type: JobReference})
	if res.Error != nil || res.Meta["status"] != "built" {
		t.Fatalf("unexpected reference result %+v", res)
	}
	r.Process(context.Background(), Job{ID: "col-1", Type: JobColfig})
	if refCalls != 1 || colCalls != 1 {
		t.Fatalf("expected one call each, got %d %d", refCalls, colCalls)
	}
	if res := r.Process(context.Background(), Job{ID: "x", Type: "bogus"}); res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

func TestRunBatchIsolatesFailuresAndPairsResults(t *testing.T) {
	proc := ProcessorFunc(func(ctx context.Context, job Job) Result {
		switch job.ID {
		case "job-1":
			return Result{Error: errors.New("downstream failed")}
		case "job-3":
			panic("corrupt input")
		}
		time.Sleep(time.Millisecond)
		return Result{Meta: map[string]any{"id": job.ID}}
	})
	p := New(context.Background(), 3, nil, nil, proc)
	defer p.Stop()

	jobs := make([]Job, 12)
	for i := range jobs {
		jobs[i] = Job{ID: fmt.Sprintf("job-%d", i), Type: JobReference}
	}
	results, err := p.RunBatch(context.Background(), jobs)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	for i, res := range results {
		if res.Job.ID != jobs[i].ID {
			t.Fatalf("result %d paired with %s", i, res.Job.ID)
		}
		switch res.Job.ID {
		case "job-1", "job-3":
			if res.Error == nil {
				t.Fatalf("expected %s to fail", res.Job.ID)
			}
		default:
			if res.Error != nil {
				t.Fatalf("sibling %s failed: %v", res.Job.ID, res.Error)
			}
			if res.Meta["id"] != res.Job.ID {
				t.Fatalf("meta mismatch for %s", res.Job.ID)
			}
		}
	}
}

func TestRunBatchRejectsDuplicateIDs(t *testing.T) {
	p := New(context.Background(), 1, nil, nil, ProcessorFunc(func(ctx context.Context, job Job) Result { return Result{} }))
	defer p.Stop()
	if _, err := p.RunBatch(context.Background(), []Job{{ID: "a"}, {ID: "a"}}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestMapPreservesOrder(t *testing.T) {
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}
	out, err := Map(context.Background(), 4, items, func(ctx context.Context, v int) (int, error) {
		return v * v, nil
	})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	for i, v := range out {
		if v != i*i {
			t.Fatalf("index %d: got %d", i, v)
		}
	}
}

func TestMapAbortsOnPanic(t *testing.T) {
	var calls atomic.Int32
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}
	_, err := Map(context.Background(), 2, items, func(ctx context.Context, v int) (int, error) {
		calls.Add(1)
		if v == 5 {
			panic("pool fault")
		}
		return v, nil
	})
	if err == nil {
		t.Fatalf("expected panic to surface as error")
	}
	if calls.Load() == int32(len(items)) {
		t.Fatalf("expected remaining work to be cancelled")
	}
}
