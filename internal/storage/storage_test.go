package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "refbuild.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordJobQueued(JobRecord{ID: "x"}); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if err := s.RecordReference(ReferenceRecord{}); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if _, err := s.Runs(1); err == nil {
		t.Fatalf("nil store reads should fail")
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "ref-1", JobType: "reference", Status: "queued", InputPath: "16000/u"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordJobStart("ref-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordJobResult("ref-1", "failed", map[string]any{"n_used": 3}, "swarp exited 1"); err != nil {
		t.Fatalf("result: %v", err)
	}
	jobs, err := s.RecentJobs(10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("recent jobs: %v %v", jobs, err)
	}
	if jobs[0].Status != "failed" || jobs[0].Error != "swarp exited 1" || jobs[0].StartedAt == nil {
		t.Fatalf("unexpected job %+v", jobs[0])
	}
	meta, err := s.JobMeta("ref-1")
	if err != nil || meta["n_used"] != float64(3) {
		t.Fatalf("meta: %v %v", meta, err)
	}
}

func TestRunsExposuresAndReferences(t *testing.T) {
	s := openStore(t)
	if err := s.RecordRunStart(RunRecord{ID: "run-1", Telescope: "ML1", QCFlagMax: "yellow"}); err != nil {
		t.Fatalf("run start: %v", err)
	}
	seeing := 1.8
	rows := []ExposureRow{
		{Path: "a_red.fits", MJD: 58484.5, FieldID: 16000, Filter: "u", QCFlag: "green", SortValue: 20},
		{Path: "b_red.fits", MJD: 58485.5, FieldID: 16000, Filter: "u", QCFlag: "yellow", SortValue: 21, Seeing: &seeing},
	}
	if err := s.RecordExposures("run-1", rows); err != nil {
		t.Fatalf("exposures: %v", err)
	}
	if n, err := s.ExposureCount("run-1"); err != nil || n != 2 {
		t.Fatalf("exposure count = %d, %v", n, err)
	}

	if _, err := s.LatestReference("ML1", 16000, "u"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no reference yet, got %v", err)
	}
	for _, st := range []string{"built", "skipped"} {
		if err := s.RecordReference(ReferenceRecord{RunID: "run-1", Telescope: "ML1", FieldID: 16000, Filter: "u", Path: "/ref/16000/ML1_u_red.fits", Fingerprint: "abc", NUsed: 2, Status: st}); err != nil {
			t.Fatalf("reference: %v", err)
		}
	}
	ref, err := s.LatestReference("ML1", 16000, "u")
	if err != nil || ref.Status != "built" || ref.NUsed != 2 {
		t.Fatalf("latest reference: %+v %v", ref, err)
	}
	refs, err := s.References(10)
	if err != nil || len(refs) != 2 || refs[0].Status != "skipped" {
		t.Fatalf("references: %+v %v", refs, err)
	}

	if err := s.RecordRunResult(RunRecord{ID: "run-1", Status: "completed", FilesConsidered: 2, Cohorts: 1, Built: 1}); err != nil {
		t.Fatalf("run result: %v", err)
	}
	runs, err := s.Runs(5)
	if err != nil || len(runs) != 1 || runs[0].Built != 1 || runs[0].CompletedAt == nil {
		t.Fatalf("runs: %+v %v", runs, err)
	}
}
