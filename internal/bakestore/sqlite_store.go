// Package bakestore persists bake jobs and baked probe assets using SQLite.
package bakestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/probebake/server/internal/bake"
	"github.com/probebake/server/internal/placement"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("bakestore: not found")

// JobStatus represents the current state of a bake job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Finished reports whether the status is final.
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// BakeRequest is the input of a bake job: the loaded scenes with their authoring.
type BakeRequest struct {
	Label  string            `json:"label,omitempty" yaml:"label"`
	Scenes []placement.Scene `json:"scenes" yaml:"scenes"`
}

// JobProgress reports the phase a running job is in.
type JobProgress struct {
	Phase    string  `json:"phase"`
	Fraction float64 `json:"fraction"`
}

// BakeJob represents a bake job.
type BakeJob struct {
	ID         string       `json:"job_id"`
	Status     JobStatus    `json:"status"`
	Request    BakeRequest  `json:"-"`
	Progress   JobProgress  `json:"progress"`
	Report     *bake.Report `json:"report,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// AssetRecord describes a stored asset without its payload.
type AssetRecord struct {
	Scene        string    `json:"scene"`
	JobID        string    `json:"job_id"`
	MaxCellIndex [3]int    `json:"max_cell_index"`
	Cells        int       `json:"cells"`
	Probes       int       `json:"probes"`
	Size         int       `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store provides persistent storage for bake jobs and assets.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens or creates the SQLite database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bake_jobs (
		job_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		request_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		fraction REAL DEFAULT 0,
		report_json TEXT,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_bake_jobs_status ON bake_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_bake_jobs_finished ON bake_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS probe_assets (
		scene TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		max_x INTEGER NOT NULL,
		max_y INTEGER NOT NULL,
		max_z INTEGER NOT NULL,
		cells INTEGER NOT NULL,
		probes INTEGER NOT NULL,
		data BLOB NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, status, request_json, phase, fraction, report_json, error, created_at, started_at, finished_at`

// CreateJob inserts a job record.
func (s *Store) CreateJob(job *BakeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	requestJSON, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO bake_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?, NULL, NULL)
	`,
		job.ID,
		string(job.Status),
		string(requestJSON),
		job.Progress.Phase,
		job.Progress.Fraction,
		job.Error,
		job.CreatedAt.UTC().Format(timeLayout),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*BakeJob, error) {
	var job BakeJob
	var requestJSON, createdAtStr string
	var reportJSON, startedAtStr, finishedAtStr sql.NullString

	if err := row.Scan(
		&job.ID,
		&job.Status,
		&requestJSON,
		&job.Progress.Phase,
		&job.Progress.Fraction,
		&reportJSON,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(requestJSON), &job.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if reportJSON.Valid && reportJSON.String != "" {
		job.Report = &bake.Report{}
		if err := json.Unmarshal([]byte(reportJSON.String), job.Report); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report: %w", err)
		}
	}

	job.CreatedAt, _ = time.Parse(timeLayout, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(timeLayout, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(timeLayout, finishedAtStr.String)
		job.FinishedAt = &t
	}
	return &job, nil
}

// GetJob retrieves a job by ID. It returns ErrNotFound for unknown ids.
func (s *Store) GetJob(jobID string) (*BakeJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM bake_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return job, err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE bake_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now(), jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, fraction float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE bake_jobs SET phase = ?, fraction = ?
		WHERE job_id = ?
	`, phase, fraction, jobID)
	return err
}

// UpdateJobStatus sets the status and error message. Final statuses also
// stamp finished_at.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Finished() {
		t := now()
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE bake_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobReport stores the summary of a completed bake.
func (s *Store) UpdateJobReport(jobID string, report *bake.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	_, err = s.db.Exec(`UPDATE bake_jobs SET report_json = ? WHERE job_id = ?`, string(reportJSON), jobID)
	return err
}

// ListJobs returns the most recent jobs, newest first.
func (s *Store) ListJobs(limit int) ([]*BakeJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM bake_jobs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*BakeJob, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM bake_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE bake_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now(), string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(timeLayout)
	result, err := s.db.Exec(`
		DELETE FROM bake_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job record. Assets produced by the job are kept.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM bake_jobs WHERE job_id = ?", jobID)
	return err
}

func scanJobs(rows *sql.Rows) ([]*BakeJob, error) {
	var jobs []*BakeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ReplaceAssets stores the assets of a bake, replacing all previously baked
// lighting data in one transaction.
func (s *Store) ReplaceAssets(jobID string, assets []*bake.Asset) error {
	encoded := make([][]byte, len(assets))
	for i, a := range assets {
		data, err := EncodeAsset(a)
		if err != nil {
			return fmt.Errorf("failed to encode asset %q: %w", a.Scene, err)
		}
		encoded[i] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM probe_assets"); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO probe_assets (scene, job_id, max_x, max_y, max_z, cells, probes, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	created := now()
	for i, a := range assets {
		if _, err := stmt.Exec(
			a.Scene, jobID,
			a.MaxCellIndex[0], a.MaxCellIndex[1], a.MaxCellIndex[2],
			len(a.Cells), a.ProbeCount(),
			encoded[i], created,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetAssetBlob returns the compressed payload and metadata of a scene's asset.
func (s *Store) GetAssetBlob(scene string) ([]byte, *AssetRecord, error) {
	row := s.db.QueryRow(`
		SELECT scene, job_id, max_x, max_y, max_z, cells, probes, length(data), created_at, data
		FROM probe_assets WHERE scene = ?
	`, scene)

	var rec AssetRecord
	var createdAtStr string
	var data []byte
	err := row.Scan(
		&rec.Scene, &rec.JobID,
		&rec.MaxCellIndex[0], &rec.MaxCellIndex[1], &rec.MaxCellIndex[2],
		&rec.Cells, &rec.Probes, &rec.Size, &createdAtStr, &data,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: asset %q", ErrNotFound, scene)
	}
	if err != nil {
		return nil, nil, err
	}
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAtStr)
	return data, &rec, nil
}

// GetAsset loads and decodes a scene's asset.
func (s *Store) GetAsset(scene string) (*bake.Asset, error) {
	data, _, err := s.GetAssetBlob(scene)
	if err != nil {
		return nil, err
	}
	return DecodeAsset(data)
}

// ListAssets returns metadata of every stored asset ordered by scene.
func (s *Store) ListAssets() ([]*AssetRecord, error) {
	rows, err := s.db.Query(`
		SELECT scene, job_id, max_x, max_y, max_z, cells, probes, length(data), created_at
		FROM probe_assets ORDER BY scene
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AssetRecord
	for rows.Next() {
		var rec AssetRecord
		var createdAtStr string
		if err := rows.Scan(
			&rec.Scene, &rec.JobID,
			&rec.MaxCellIndex[0], &rec.MaxCellIndex[1], &rec.MaxCellIndex[2],
			&rec.Cells, &rec.Probes, &rec.Size, &createdAtStr,
		); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(timeLayout, createdAtStr)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// DeleteAssets removes all baked lighting data and returns the number of assets removed.
func (s *Store) DeleteAssets() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM probe_assets")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}
