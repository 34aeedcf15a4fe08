package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"trackd/internal/track"
)

// Journal persists job lifecycle records so a batch run can be audited
// after the fact.
type Journal struct {
	db *sql.DB
}

// JobRecord is one tracking job as stored in the journal
type JobRecord struct {
	ID           string
	VideoID      string
	VideoPath    string
	EngineID     string
	Mode         string
	Status       string
	TotalFrames  int
	Placeholders int
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// ChunkFailureRecord is one chunk-level failure attached to a job
type ChunkFailureRecord struct {
	JobID      string
	ChunkIndex int
	StartFrame int
	EndFrame   int
	Attempts   int
	Detail     string
	At         time.Time
}

// Open creates a journal backed by SQLite at dbPath
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// WAL mode for concurrent readers while a job is writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			video_id TEXT NOT NULL,
			video_path TEXT NOT NULL,
			engine_id TEXT NOT NULL,
			mode TEXT,
			status TEXT DEFAULT 'running',
			total_frames INTEGER,
			placeholders INTEGER DEFAULT 0,
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS chunk_failures (
			job_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			start_frame INTEGER,
			end_frame INTEGER,
			attempts INTEGER,
			detail TEXT,
			at DATETIME NOT NULL,
			FOREIGN KEY (job_id) REFERENCES jobs(id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			job_id TEXT NOT NULL,
			at DATETIME NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT,
			FOREIGN KEY (job_id) REFERENCES jobs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_video ON jobs(video_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, at)`,
	}

	for _, m := range migrations {
		if _, err := j.db.Exec(m); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// JobStarted records a new job at the moment dispatch begins
func (j *Journal) JobStarted(job *track.TrackingJob) error {
	query := `INSERT INTO jobs (id, video_id, video_path, engine_id, total_frames, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			video_path = excluded.video_path,
			engine_id = excluded.engine_id,
			total_frames = excluded.total_frames,
			started_at = excluded.started_at`

	_, err := j.db.Exec(query, job.ID, job.VideoID, job.VideoPath, job.EngineID, job.TotalFrames, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record job start: %w", err)
	}
	return nil
}

// JobFinished stamps the final outcome of a job
func (j *Journal) JobFinished(jobID string, mode track.ExecutionMode, status track.JobStatus, placeholders int) error {
	query := `UPDATE jobs SET mode = ?, status = ?, placeholders = ?, finished_at = ? WHERE id = ?`

	_, err := j.db.Exec(query, string(mode), string(status), placeholders, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to record job finish: %w", err)
	}
	return nil
}

// SaveChunkFailure records one chunk failure for a job
func (j *Journal) SaveChunkFailure(jobID string, ce track.ChunkError) error {
	query := `INSERT INTO chunk_failures (job_id, chunk_index, start_frame, end_frame, attempts, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.Exec(query, jobID, ce.ChunkIndex, ce.StartFrame, ce.EndFrame, ce.Attempts, ce.Detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record chunk failure: %w", err)
	}
	return nil
}

// SaveEvent appends a free-form lifecycle event for a job
func (j *Journal) SaveEvent(jobID, kind, detail string) error {
	query := `INSERT INTO events (job_id, at, kind, detail) VALUES (?, ?, ?, ?)`

	_, err := j.db.Exec(query, jobID, time.Now().UTC(), kind, detail)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID. Returns nil when the job is unknown.
func (j *Journal) GetJob(id string) (*JobRecord, error) {
	query := `SELECT id, video_id, video_path, engine_id, COALESCE(mode, ''), status,
		COALESCE(total_frames, 0), placeholders, started_at, finished_at FROM jobs WHERE id = ?`

	var rec JobRecord
	err := j.db.QueryRow(query, id).Scan(&rec.ID, &rec.VideoID, &rec.VideoPath, &rec.EngineID,
		&rec.Mode, &rec.Status, &rec.TotalFrames, &rec.Placeholders, &rec.StartedAt, &rec.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &rec, nil
}

// ListJobs returns the most recent jobs, newest first
func (j *Journal) ListJobs(limit int) ([]*JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, video_id, video_path, engine_id, COALESCE(mode, ''), status,
		COALESCE(total_frames, 0), placeholders, started_at, finished_at
		FROM jobs ORDER BY started_at DESC LIMIT ?`

	rows, err := j.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*JobRecord
	for rows.Next() {
		var rec JobRecord
		if err := rows.Scan(&rec.ID, &rec.VideoID, &rec.VideoPath, &rec.EngineID,
			&rec.Mode, &rec.Status, &rec.TotalFrames, &rec.Placeholders, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, &rec)
	}
	return jobs, rows.Err()
}

// ListChunkFailures returns the chunk failures recorded for a job
func (j *Journal) ListChunkFailures(jobID string) ([]*ChunkFailureRecord, error) {
	query := `SELECT job_id, chunk_index, start_frame, end_frame, attempts, detail, at
		FROM chunk_failures WHERE job_id = ? ORDER BY chunk_index`

	rows, err := j.db.Query(query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk failures: %w", err)
	}
	defer rows.Close()

	var out []*ChunkFailureRecord
	for rows.Next() {
		var rec ChunkFailureRecord
		if err := rows.Scan(&rec.JobID, &rec.ChunkIndex, &rec.StartFrame, &rec.EndFrame,
			&rec.Attempts, &rec.Detail, &rec.At); err != nil {
			return nil, fmt.Errorf("failed to scan chunk failure: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
