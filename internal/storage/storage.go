package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for runs, jobs, scanned exposures
// and built references.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Workers record job transitions concurrently; one connection keeps
	// sqlite from reporting SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            telescope TEXT NOT NULL,
            date_start TEXT,
            date_end TEXT,
            field_pattern TEXT,
            filters TEXT,
            qc_flag_max TEXT,
            seeing_max REAL,
            status TEXT NOT NULL,
            files_considered INTEGER DEFAULT 0,
            cohorts INTEGER DEFAULT 0,
            built INTEGER DEFAULT 0,
            skipped INTEGER DEFAULT 0,
            failed INTEGER DEFAULT 0,
            started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS exposures (
            run_id TEXT NOT NULL,
            file_path TEXT NOT NULL,
            mjd_obs REAL,
            field_id INTEGER,
            filter TEXT,
            qc_flag TEXT,
            sort_value REAL,
            seeing REAL,
            PRIMARY KEY (run_id, file_path)
        );`,
		`CREATE TABLE IF NOT EXISTS reference_images (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT,
            telescope TEXT NOT NULL,
            field_id INTEGER NOT NULL,
            filter TEXT NOT NULL,
            path TEXT NOT NULL,
            fingerprint TEXT,
            n_used INTEGER,
            status TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_exposures_field ON exposures(field_id, filter);`,
		`CREATE INDEX IF NOT EXISTS idx_reference_images_field ON reference_images(telescope, field_id, filter);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RunRecord captures one invocation and its summary counters.
type RunRecord struct {
	ID              string
	Telescope       string
	DateStart       string
	DateEnd         string
	FieldPattern    string
	Filters         string
	QCFlagMax       string
	SeeingMax       float64
	Status          string
	FilesConsidered int
	Cohorts         int
	Built           int
	Skipped         int
	Failed          int
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// ExposureRow is one scanned header record.
type ExposureRow struct {
	Path      string
	MJD       float64
	FieldID   int
	Filter    string
	QCFlag    string
	SortValue float64
	Seeing    *float64
}

// ReferenceRecord describes one reference build outcome.
type ReferenceRecord struct {
	RunID       string
	Telescope   string
	FieldID     int
	Filter      string
	Path        string
	Fingerprint string
	NUsed       int
	Status      string // built, skipped
	CreatedAt   time.Time
}

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, telescope, date_start, date_end, field_pattern, filters, qc_flag_max, seeing_max, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'running');`,
		rec.ID, rec.Telescope, rec.DateStart, rec.DateEnd, rec.FieldPattern, rec.Filters, rec.QCFlagMax, rec.SeeingMax)
	return err
}

// RecordRunResult stores the final counters of a run.
func (s *Store) RecordRunResult(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, files_considered=?, cohorts=?, built=?, skipped=?, failed=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		rec.Status, rec.FilesConsidered, rec.Cohorts, rec.Built, rec.Skipped, rec.Failed, rec.ID)
	return err
}

// Runs returns the latest runs up to limit.
func (s *Store) Runs(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, telescope, date_start, date_end, field_pattern, filters, qc_flag_max, seeing_max, status, files_considered, cohorts, built, skipped, failed, started_at, completed_at FROM runs ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Telescope, &rec.DateStart, &rec.DateEnd, &rec.FieldPattern, &rec.Filters, &rec.QCFlagMax, &rec.SeeingMax,
			&rec.Status, &rec.FilesConsidered, &rec.Cohorts, &rec.Built, &rec.Skipped, &rec.Failed, &rec.StartedAt, &completed); err != nil {
			return nil, err
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordExposures stores the scanned header table of a run in one
// transaction.
func (s *Store) RecordExposures(runID string, rows []ExposureRow) error {
	if s == nil || len(rows) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO exposures (run_id, file_path, mjd_obs, field_id, filter, qc_flag, sort_value, seeing) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		var seeing any
		if r.Seeing != nil {
			seeing = *r.Seeing
		}
		if _, err := stmt.Exec(runID, r.Path, r.MJD, r.FieldID, r.Filter, r.QCFlag, r.SortValue, seeing); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert exposure %s: %w", r.Path, err)
		}
	}
	return tx.Commit()
}

// ExposureCount returns the number of exposures recorded for a run.
func (s *Store) ExposureCount(runID string) (int, error) {
	if s == nil {
		return 0, errors.New("store not initialized")
	}
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM exposures WHERE run_id=?;`, runID).Scan(&n)
	return n, err
}

// RecordReference stores the outcome of one reference job.
func (s *Store) RecordReference(rec ReferenceRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO reference_images (run_id, telescope, field_id, filter, path, fingerprint, n_used, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Telescope, rec.FieldID, rec.Filter, rec.Path, rec.Fingerprint, rec.NUsed, rec.Status)
	return err
}

// LatestReference returns the most recent built reference of a field and
// filter, or sql.ErrNoRows.
func (s *Store) LatestReference(telescope string, fieldID int, filter string) (ReferenceRecord, error) {
	if s == nil {
		return ReferenceRecord{}, errors.New("store not initialized")
	}
	var rec ReferenceRecord
	err := s.DB.QueryRow(`SELECT run_id, telescope, field_id, filter, path, fingerprint, n_used, status, created_at FROM reference_images
        WHERE telescope=? AND field_id=? AND filter=? AND status='built' ORDER BY id DESC LIMIT 1;`, telescope, fieldID, filter).
		Scan(&rec.RunID, &rec.Telescope, &rec.FieldID, &rec.Filter, &rec.Path, &rec.Fingerprint, &rec.NUsed, &rec.Status, &rec.CreatedAt)
	return rec, err
}

// References returns the latest reference outcomes up to limit.
func (s *Store) References(limit int) ([]ReferenceRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, telescope, field_id, filter, path, fingerprint, n_used, status, created_at FROM reference_images ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ReferenceRecord
	for rows.Next() {
		var rec ReferenceRecord
		if err := rows.Scan(&rec.RunID, &rec.Telescope, &rec.FieldID, &rec.Filter, &rec.Path, &rec.Fingerprint, &rec.NUsed, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
