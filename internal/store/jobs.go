package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/remotesensinginfo/eodatadown/internal/models"
)

const jobColumns = `id, sensor, scene_id, kind, state, lease_owner, lease_expires_at,
	attempt, run_at, last_error, created_at, updated_at`

// insertJob enqueues a job inside the caller's transaction. The partial
// unique index on live jobs makes a second live row for the same
// (sensor, scene_id, kind) impossible.
func insertJob(ctx context.Context, tx pgx.Tx, sensor, sceneID, kind string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, sensor, scene_id, kind, state, attempt, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6, $6)
	`, uuid.New().String(), sensor, sceneID, kind, models.JobQueued, now)
	if err != nil {
		return fmt.Errorf("insert %s job: %w", kind, err)
	}
	return nil
}

// ClaimJob atomically leases the oldest eligible queued job for the owner.
// Eligibility is state=queued with run_at due; SKIP LOCKED keeps concurrent
// claimants from blocking on or double-claiming the same row. The attempt
// counter increments at claim time, so a crashed attempt still counts.
// Returns ok=false when no job is eligible.
func (s *Store) ClaimJob(ctx context.Context, owner string, leaseDuration time.Duration) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET state = $1, lease_owner = $2, lease_expires_at = NOW() + $3, attempt = attempt + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = $4 AND run_at <= NOW()
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		models.JobLeased, owner, leaseDuration, models.JobQueued)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// ExtendLease pushes the lease deadline forward for a job the owner still
// holds. A zero-row update means the lease was already reaped.
func (s *Store) ExtendLease(ctx context.Context, jobID, owner string, leaseDuration time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = NOW() + $3, updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2 AND state = $4
	`, jobID, owner, leaseDuration, models.JobLeased)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &models.LeaseExpiredError{JobID: jobID, ExpiredAt: time.Now().UTC()}
	}
	return nil
}

// MarkDownloading transitions the scene into downloading. The first attempt
// moves it from discovered; retries find it already downloading.
func (s *Store) MarkDownloading(ctx context.Context, sensor, sceneID string) error {
	return s.stepScene(ctx, sensor, sceneID, models.SceneDownloading,
		models.SceneDiscovered, models.SceneDownloading)
}

// MarkProcessing transitions the scene into processing.
func (s *Store) MarkProcessing(ctx context.Context, sensor, sceneID string) error {
	return s.stepScene(ctx, sensor, sceneID, models.SceneProcessing,
		models.SceneDownloaded, models.SceneProcessing)
}

func (s *Store) stepScene(ctx context.Context, sensor, sceneID, to string, from ...string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scenes SET status = $3, updated_at = NOW()
		WHERE sensor = $1 AND scene_id = $2 AND status = ANY($4)
	`, sensor, sceneID, to, from)
	if err != nil {
		return fmt.Errorf("transition scene to %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// CompleteDownload commits a verified download in one transaction: the scene
// becomes downloaded with its committed path and checksum, the download job
// succeeds, and the process job is enqueued. The job update is guarded by
// lease ownership so a reaped worker cannot double-commit.
func (s *Store) CompleteDownload(ctx context.Context, job models.Job, localPath, checksum string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.succeedJob(ctx, tx, job); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE scenes
		SET status = $3, local_path = $4, checksum = $5, download_attempts = $6, updated_at = NOW()
		WHERE sensor = $1 AND scene_id = $2 AND status = $7
	`, job.Sensor, job.SceneID, models.SceneDownloaded, localPath, checksum, job.Attempt, models.SceneDownloading)
	if err != nil {
		return fmt.Errorf("mark scene downloaded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}

	if err := insertJob(ctx, tx, job.Sensor, job.SceneID, models.KindProcess, time.Now().UTC()); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CompleteProcess commits a successful ARD conversion: scene processed,
// process job succeeded, in one transaction.
func (s *Store) CompleteProcess(ctx context.Context, job models.Job) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.succeedJob(ctx, tx, job); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE scenes SET status = $3, process_attempts = $4, updated_at = NOW()
		WHERE sensor = $1 AND scene_id = $2 AND status = $5
	`, job.Sensor, job.SceneID, models.SceneProcessed, job.Attempt, models.SceneProcessing)
	if err != nil {
		return fmt.Errorf("mark scene processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) succeedJob(ctx context.Context, tx pgx.Tx, job models.Job) error {
	owner := ""
	if job.LeaseOwner != nil {
		owner = *job.LeaseOwner
	}
	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET state = $3, lease_owner = NULL, lease_expires_at = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2 AND state = $4
	`, job.ID, owner, models.JobSucceeded, models.JobLeased)
	if err != nil {
		return fmt.Errorf("mark job succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &models.LeaseExpiredError{JobID: job.ID, ExpiredAt: time.Now().UTC()}
	}
	return nil
}

// RequeueJob records a failed attempt that will be retried: the job returns
// to queued with its backoff deadline and captured error, keeping the lease
// ownership guard. The scene's per-kind attempt counter tracks the job's.
func (s *Store) RequeueJob(ctx context.Context, job models.Job, runAt time.Time, cause string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	owner := ""
	if job.LeaseOwner != nil {
		owner = *job.LeaseOwner
	}
	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET state = $3, lease_owner = NULL, lease_expires_at = NULL, run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2 AND state = $6
	`, job.ID, owner, models.JobQueued, runAt, cause, models.JobLeased)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &models.LeaseExpiredError{JobID: job.ID, ExpiredAt: time.Now().UTC()}
	}

	if err := s.recordAttempt(ctx, tx, job, cause); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FailJobTerminal ends retries: the job becomes failed with its diagnostics
// and the scene moves to the matching terminal failure status, in one
// transaction. Diagnostics stay queryable in the store.
func (s *Store) FailJobTerminal(ctx context.Context, job models.Job, cause string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	owner := ""
	if job.LeaseOwner != nil {
		owner = *job.LeaseOwner
	}
	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET state = $3, lease_owner = NULL, lease_expires_at = NULL, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2 AND state = $5
	`, job.ID, owner, models.JobFailed, cause, models.JobLeased)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &models.LeaseExpiredError{JobID: job.ID, ExpiredAt: time.Now().UTC()}
	}

	sceneStatus := models.SceneDownloadFailed
	fromStatus := models.SceneDownloading
	if job.Kind == models.KindProcess {
		sceneStatus = models.SceneProcessingFailed
		fromStatus = models.SceneProcessing
	}
	sceneTag, err := tx.Exec(ctx, `
		UPDATE scenes SET status = $3, updated_at = NOW()
		WHERE sensor = $1 AND scene_id = $2 AND status = $4
	`, job.Sensor, job.SceneID, sceneStatus, fromStatus)
	if err != nil {
		return fmt.Errorf("mark scene failed: %w", err)
	}
	if sceneTag.RowsAffected() == 0 {
		// The failure landed before the scene entered fromStatus, or the
		// scene was settled elsewhere (e.g. marked invalid). The job's
		// terminal record still commits.
		log.Printf("job %s: scene %s/%s not in %s, leaving its status as is",
			job.ID, job.Sensor, job.SceneID, fromStatus)
	}

	if err := s.recordAttempt(ctx, tx, job, cause); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) recordAttempt(ctx context.Context, tx pgx.Tx, job models.Job, cause string) error {
	column := "download_attempts"
	if job.Kind == models.KindProcess {
		column = "process_attempts"
	}
	_, err := tx.Exec(ctx, `
		UPDATE scenes SET `+column+` = $3, updated_at = NOW()
		WHERE sensor = $1 AND scene_id = $2
	`, job.Sensor, job.SceneID, job.Attempt)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// ReleaseLease puts a leased job straight back to queued, immediately
// claimable. Used on shutdown so cancelled work never waits out its lease.
// The attempt spent on the cancelled run is not charged back.
func (s *Store) ReleaseLease(ctx context.Context, jobID, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $3, lease_owner = NULL, lease_expires_at = NULL, attempt = attempt - 1, run_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2 AND state = $4
	`, jobID, owner, models.JobQueued, models.JobLeased)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// ReapExpiredLeases resets jobs whose lease expired without completion back
// to queued. This is the sole recovery path after a worker crash.
func (s *Store) ReapExpiredLeases(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET state = $1, lease_owner = NULL, lease_expires_at = NULL, run_at = NOW(), updated_at = NOW()
		WHERE state = $2 AND lease_expires_at < $3
		RETURNING id
	`, models.JobQueued, models.JobLeased, now)
	if err != nil {
		return nil, fmt.Errorf("reap expired leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reaped id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListFailedJobs returns terminal failures with their captured diagnostics,
// most recent first.
func (s *Store) ListFailedJobs(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, models.JobFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// QueuedDepth counts jobs ready to be claimed.
func (s *Store) QueuedDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE state = $1 AND run_at <= NOW()
	`, models.JobQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgxRow) (models.Job, error) {
	var job models.Job
	var leaseOwner, lastErr pgtype.Text
	var leaseExpires pgtype.Timestamptz
	err := row.Scan(&job.ID, &job.Sensor, &job.SceneID, &job.Kind, &job.State,
		&leaseOwner, &leaseExpires, &job.Attempt, &job.RunAt, &lastErr,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.LeaseOwner = textPtr(leaseOwner)
	if leaseExpires.Valid {
		t := leaseExpires.Time
		job.LeaseExpiresAt = &t
	}
	job.LastError = textPtr(lastErr)
	return job, nil
}
