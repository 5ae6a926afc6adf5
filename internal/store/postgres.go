package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/remotesensinginfo/eodatadown/internal/models"
)

// ErrSceneNotFound is returned when a lookup misses.
var ErrSceneNotFound = errors.New("scene not found")

// ErrIllegalTransition is returned when a guarded status update matched no
// row, meaning the scene was concurrently moved to an incompatible status.
var ErrIllegalTransition = errors.New("illegal scene status transition")

// Store wraps pgxpool for Postgres persistence. It is the sole arbiter of
// truth for scenes and jobs; every state transition is a single transaction.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateSceneParams collects inputs for inserting a newly discovered scene.
type CreateSceneParams struct {
	Sensor     string
	SceneID    string
	AcquiredAt time.Time
	Footprint  string
	CloudCover float64
	Source     string
	MD5        string
	SizeBytes  int64
}

// CreateSceneWithDownloadJob inserts a scene in status discovered and its
// download job in one transaction, so no scene exists without a queued job.
// Re-running with an already known scene ID is a no-op: it returns false
// without touching the existing row.
func (s *Store) CreateSceneWithDownloadJob(ctx context.Context, p CreateSceneParams) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		INSERT INTO scenes (sensor, scene_id, acquired_at, discovered_at, footprint, cloud_cover, source, remote_md5, size_bytes, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $4)
		ON CONFLICT (sensor, scene_id) DO NOTHING
	`, p.Sensor, p.SceneID, p.AcquiredAt, now, p.Footprint, p.CloudCover, p.Source, p.MD5, p.SizeBytes, models.SceneDiscovered)
	if err != nil {
		return false, fmt.Errorf("insert scene: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertJob(ctx, tx, p.Sensor, p.SceneID, models.KindDownload, now); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// RecordInvalidScene inserts a scene directly in the terminal invalid status,
// with the validation failure captured. No job is created.
func (s *Store) RecordInvalidScene(ctx context.Context, p CreateSceneParams, reason string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scenes (sensor, scene_id, acquired_at, discovered_at, footprint, cloud_cover, source, remote_md5, size_bytes, status, invalid_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $4)
		ON CONFLICT (sensor, scene_id) DO NOTHING
	`, p.Sensor, p.SceneID, p.AcquiredAt, now, p.Footprint, p.CloudCover, p.Source, p.MD5, p.SizeBytes, models.SceneInvalid, reason)
	if err != nil {
		return fmt.Errorf("insert invalid scene: %w", err)
	}
	return nil
}

// GetScene fetches one scene row.
func (s *Store) GetScene(ctx context.Context, sensor, sceneID string) (models.Scene, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT sensor, scene_id, acquired_at, discovered_at, footprint, cloud_cover,
		       source, remote_md5, size_bytes, status, local_path, checksum, invalid_reason,
		       download_attempts, process_attempts, updated_at
		FROM scenes WHERE sensor = $1 AND scene_id = $2
	`, sensor, sceneID)
	return scanScene(row)
}

// ListScenes returns scenes for a sensor, optionally filtered by status,
// newest acquisitions first.
func (s *Store) ListScenes(ctx context.Context, sensor, status string, limit int) ([]models.Scene, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT sensor, scene_id, acquired_at, discovered_at, footprint, cloud_cover,
		       source, remote_md5, size_bytes, status, local_path, checksum, invalid_reason,
		       download_attempts, process_attempts, updated_at
		FROM scenes
		WHERE sensor = $1 AND ($2 = '' OR status = $2)
		ORDER BY acquired_at DESC
		LIMIT $3
	`, sensor, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query scenes: %w", err)
	}
	defer rows.Close()

	var scenes []models.Scene
	for rows.Next() {
		sc, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, sc)
	}
	return scenes, rows.Err()
}

// MarkSceneInvalid moves a scene from any non-terminal status to invalid.
func (s *Store) MarkSceneInvalid(ctx context.Context, sensor, sceneID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scenes SET status = $3, invalid_reason = $4, updated_at = NOW()
		WHERE sensor = $1 AND scene_id = $2
		  AND status NOT IN ($5, $6, $7, $8)
	`, sensor, sceneID, models.SceneInvalid, reason,
		models.SceneDownloadFailed, models.SceneProcessingFailed, models.SceneInvalid, models.SceneArchived)
	if err != nil {
		return fmt.Errorf("mark scene invalid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// ArchiveScene moves a processed scene into the archived terminal status.
func (s *Store) ArchiveScene(ctx context.Context, sensor, sceneID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scenes SET status = $3, updated_at = NOW()
		WHERE sensor = $1 AND scene_id = $2 AND status = $4
	`, sensor, sceneID, models.SceneArchived, models.SceneProcessed)
	if err != nil {
		return fmt.Errorf("archive scene: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// ResetScene is the administrative escape hatch out of a terminal failure:
// download_failed re-enters discovered with a fresh download job, and
// processing_failed re-enters downloaded with a fresh process job. Attempt
// counters for the failed step are cleared.
func (s *Store) ResetScene(ctx context.Context, sensor, sceneID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM scenes WHERE sensor = $1 AND scene_id = $2 FOR UPDATE
	`, sensor, sceneID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSceneNotFound
	}
	if err != nil {
		return fmt.Errorf("lock scene: %w", err)
	}

	now := time.Now().UTC()
	switch status {
	case models.SceneDownloadFailed:
		_, err = tx.Exec(ctx, `
			UPDATE scenes SET status = $3, download_attempts = 0, updated_at = NOW()
			WHERE sensor = $1 AND scene_id = $2
		`, sensor, sceneID, models.SceneDiscovered)
		if err != nil {
			return fmt.Errorf("reset scene: %w", err)
		}
		if err := insertJob(ctx, tx, sensor, sceneID, models.KindDownload, now); err != nil {
			return err
		}
	case models.SceneProcessingFailed:
		_, err = tx.Exec(ctx, `
			UPDATE scenes SET status = $3, process_attempts = 0, updated_at = NOW()
			WHERE sensor = $1 AND scene_id = $2
		`, sensor, sceneID, models.SceneDownloaded)
		if err != nil {
			return fmt.Errorf("reset scene: %w", err)
		}
		if err := insertJob(ctx, tx, sensor, sceneID, models.KindProcess, now); err != nil {
			return err
		}
	default:
		return fmt.Errorf("scene %s/%s in status %s: %w", sensor, sceneID, status, ErrIllegalTransition)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SuspendSensor records that a sensor's polling is halted, typically after an
// authentication failure. Suspension survives restarts.
func (s *Store) SuspendSensor(ctx context.Context, sensor, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sensor_suspensions (sensor, reason, suspended_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (sensor) DO UPDATE SET reason = EXCLUDED.reason, suspended_at = NOW()
	`, sensor, reason)
	if err != nil {
		return fmt.Errorf("suspend sensor: %w", err)
	}
	return nil
}

// ResumeSensor clears a suspension after configuration is corrected.
func (s *Store) ResumeSensor(ctx context.Context, sensor string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sensor_suspensions WHERE sensor = $1`, sensor)
	if err != nil {
		return fmt.Errorf("resume sensor: %w", err)
	}
	return nil
}

// IsSensorSuspended reports whether polling for the sensor is halted.
func (s *Store) IsSensorSuspended(ctx context.Context, sensor string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM sensor_suspensions WHERE sensor = $1`, sensor).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query suspension: %w", err)
	}
	return true, nil
}

type pgxRow interface {
	Scan(dest ...any) error
}

func scanScene(row pgxRow) (models.Scene, error) {
	var sc models.Scene
	var localPath, checksum, invalidReason pgtype.Text
	err := row.Scan(&sc.Sensor, &sc.SceneID, &sc.AcquiredAt, &sc.DiscoveredAt, &sc.Footprint,
		&sc.CloudCover, &sc.Source, &sc.RemoteMD5, &sc.SizeBytes, &sc.Status, &localPath, &checksum,
		&invalidReason, &sc.DownloadAttempts, &sc.ProcessAttempts, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Scene{}, ErrSceneNotFound
	}
	if err != nil {
		return models.Scene{}, fmt.Errorf("scan scene: %w", err)
	}
	sc.LocalPath = textPtr(localPath)
	sc.Checksum = textPtr(checksum)
	sc.InvalidReason = textPtr(invalidReason)
	return sc, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
