// This file contains database methods related to jobs, including the
// atomic lease claim at the heart of internal/scheduler (spec.md §4.4).

package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/noncelogic/cortex-plane/internal/models"
)

// CreateJob inserts a new job in SCHEDULED status, ready for a worker to
// claim on its next poll.
func (db *DB) CreateJob(agentID, sessionID int64, payload models.JobPayload, priority models.JobPriority, maxAttempts int, timeoutSeconds int) (*models.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	var job models.Job
	query := `
        INSERT INTO jobs (agent_id, session_id, payload, priority, max_attempts, attempt, status, run_at, timeout_seconds)
        VALUES ($1, $2, $3, $4, $5, 0, 'SCHEDULED', now(), $6)
        RETURNING *`
	err = db.Get(&job, query, agentID, sessionID, raw, priority, maxAttempts, timeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return &job, nil
}

// ClaimNextJob atomically claims one SCHEDULED or RETRYING job whose run_at
// has arrived, transitioning it to RUNNING and stamping the claiming
// worker's identity. Returns sql.ErrNoRows if nothing is claimable.
//
// The UPDATE ... RETURNING with a correlated subquery is the lease: Postgres
// row locking (FOR UPDATE SKIP LOCKED) ensures at most one worker can claim
// any given row, even under N concurrent pollers (spec.md §4.4, §5).
func (db *DB) ClaimNextJob(workerID string) (*models.Job, error) {
	var job models.Job
	query := `
        UPDATE jobs SET
            status = 'RUNNING',
            attempt = attempt + 1,
            locked_by = $1,
            locked_at = now(),
            updated_at = now()
        WHERE id = (
            SELECT id FROM jobs
            WHERE status IN ('SCHEDULED', 'RETRYING') AND run_at <= now()
            ORDER BY
                CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
                run_at ASC
            FOR UPDATE SKIP LOCKED
            LIMIT 1
        )
        RETURNING *`
	err := db.Get(&job, query, workerID)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob retrieves a job by id.
func (db *DB) GetJob(jobID int64) (*models.Job, error) {
	var job models.Job
	if err := db.Get(&job, `SELECT * FROM jobs WHERE id = $1`, jobID); err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", jobID, err)
	}
	return &job, nil
}

// SetCheckpoint persists an opaque resume blob plus its CRC alongside the job row.
func (db *DB) SetCheckpoint(jobID int64, checkpoint string, crc uint32) error {
	_, err := db.Exec(`UPDATE jobs SET checkpoint = $1, checkpoint_crc = $2, updated_at = now() WHERE id = $3`,
		checkpoint, crc, jobID)
	if err != nil {
		return fmt.Errorf("failed to set checkpoint for job %d: %w", jobID, err)
	}
	return nil
}

// CompleteJob transitions a job to COMPLETED and records its result.
func (db *DB) CompleteJob(jobID int64, result string) error {
	_, err := db.Exec(`
        UPDATE jobs SET status = 'COMPLETED', result = $1, locked_by = NULL, locked_at = NULL, updated_at = now()
        WHERE id = $2`, result, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", jobID, err)
	}
	return nil
}

// RetryJob releases the lease and schedules the job to run again at runAt.
func (db *DB) RetryJob(jobID int64, lastError string, runAt time.Time) error {
	_, err := db.Exec(`
        UPDATE jobs SET status = 'RETRYING', last_error = $1, run_at = $2, locked_by = NULL, locked_at = NULL, updated_at = now()
        WHERE id = $3`, lastError, runAt, jobID)
	if err != nil {
		return fmt.Errorf("failed to retry job %d: %w", jobID, err)
	}
	return nil
}

// FailJob transitions a job to one of the terminal failure states
// (FAILED, TIMED_OUT, DEAD_LETTER).
func (db *DB) FailJob(jobID int64, status models.JobStatus, lastError string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("FailJob called with non-terminal status %q", status)
	}
	_, err := db.Exec(`
        UPDATE jobs SET status = $1, last_error = $2, locked_by = NULL, locked_at = NULL, updated_at = now()
        WHERE id = $3`, status, lastError, jobID)
	if err != nil {
		return fmt.Errorf("failed to fail job %d: %w", jobID, err)
	}
	return nil
}

// WaitForApproval suspends a job pending a human decision and releases its
// lease so the scheduler stops polling it (spec.md §4.7 step 5).
func (db *DB) WaitForApproval(jobID int64) error {
	_, err := db.Exec(`
        UPDATE jobs SET status = 'WAITING_FOR_APPROVAL', locked_by = NULL, locked_at = NULL, updated_at = now()
        WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to suspend job %d for approval: %w", jobID, err)
	}
	return nil
}

// ResumeAfterApproval appends resumePayload to the job's payload and
// transitions it back to SCHEDULED for the next scheduler poll.
func (db *DB) ResumeAfterApproval(jobID int64, resumePayload json.RawMessage) error {
	job, err := db.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %d for resume: %w", jobID, err)
	}

	var payload models.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job %d payload: %w", jobID, err)
	}
	payload.ResumePayload = resumePayload
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal resumed job %d payload: %w", jobID, err)
	}

	_, err = db.Exec(`
        UPDATE jobs SET payload = $1, status = 'SCHEDULED', run_at = now(), updated_at = now()
        WHERE id = $2`, raw, jobID)
	if err != nil {
		return fmt.Errorf("failed to resume job %d: %w", jobID, err)
	}
	return nil
}

// FindLatestJobForAgent returns the most recently created job for an agent,
// used by the lifecycle manager's hydration step to recover the in-flight
// job (if any) after a crash or cold start (spec.md §4.5 "Hydration").
func (db *DB) FindLatestJobForAgent(agentID int64) (*models.Job, error) {
	var job models.Job
	query := `SELECT * FROM jobs WHERE agent_id = $1 ORDER BY created_at DESC LIMIT 1`
	if err := db.Get(&job, query, agentID); err != nil {
		return nil, err
	}
	return &job, nil
}

// CountClaimableJobs returns the number of jobs a worker could claim right
// now, the same predicate ClaimNextJob locks against (internal/metrics
// QueueDepth gauge).
func (db *DB) CountClaimableJobs() (int, error) {
	var count int
	query := `SELECT count(*) FROM jobs WHERE status IN ('SCHEDULED', 'RETRYING') AND run_at <= now()`
	if err := db.Get(&count, query); err != nil {
		return 0, fmt.Errorf("failed to count claimable jobs: %w", err)
	}
	return count, nil
}

// IsNoRows reports whether err is the sentinel "no rows" value, so callers
// outside this package don't need to import database/sql directly.
func IsNoRows(err error) bool {
	return err == sql.ErrNoRows
}
