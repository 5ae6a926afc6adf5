// Package downloader moves a claimed download job from provider bytes to a
// verified file in final storage.
package downloader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/remotesensinginfo/eodatadown/internal/config"
	"github.com/remotesensinginfo/eodatadown/internal/models"
	"github.com/remotesensinginfo/eodatadown/internal/sensor"
	"github.com/remotesensinginfo/eodatadown/internal/telemetry"
)

// Store is the slice of the state store the downloader needs.
type Store interface {
	GetScene(ctx context.Context, sensorName, sceneID string) (models.Scene, error)
	MarkDownloading(ctx context.Context, sensorName, sceneID string) error
	CompleteDownload(ctx context.Context, job models.Job, localPath, checksum string) error
}

// Limiter gates provider requests; nil-safe via the interface check in Handle.
type Limiter interface {
	Wait(ctx context.Context, sensorName string) error
}

// Downloader executes download jobs: stage, verify, commit.
type Downloader struct {
	cfg     config.Config
	store   Store
	sensors map[string]sensor.Sensor
	limiter Limiter
}

func New(cfg config.Config, st Store, sensors map[string]sensor.Sensor, limiter Limiter) *Downloader {
	return &Downloader{cfg: cfg, store: st, sensors: sensors, limiter: limiter}
}

// Handle runs one claimed download job. State moves only through the store;
// nothing is cached across the staging and commit steps.
func (d *Downloader) Handle(ctx context.Context, job models.Job) error {
	sn, ok := d.sensors[job.Sensor]
	if !ok {
		return fmt.Errorf("no sensor registered for %s", job.Sensor)
	}

	scene, err := d.store.GetScene(ctx, job.Sensor, job.SceneID)
	if err != nil {
		return err
	}

	if d.cfg.DownloadMaxBytes > 0 && scene.SizeBytes > d.cfg.DownloadMaxBytes {
		return &models.InvalidSceneError{
			SceneID: scene.SceneID,
			Reason:  fmt.Sprintf("declared size %d exceeds download limit %d", scene.SizeBytes, d.cfg.DownloadMaxBytes),
		}
	}

	if err := d.store.MarkDownloading(ctx, job.Sensor, job.SceneID); err != nil {
		return err
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, job.Sensor); err != nil {
			return err
		}
	}

	staging := filepath.Join(d.cfg.StagingDir, job.Sensor, job.SceneID+".part")
	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.Remove(staging) // no-op once committed

	desc := sensor.SceneDescriptor{
		SceneID:    scene.SceneID,
		AcquiredAt: scene.AcquiredAt,
		Footprint:  scene.Footprint,
		CloudCover: scene.CloudCover,
		Source:     scene.Source,
		Size:       scene.SizeBytes,
		MD5:        scene.RemoteMD5,
	}
	token, err := sn.Download(ctx, desc, staging)
	if err != nil {
		return err
	}

	checksum, size, err := md5File(staging)
	if err != nil {
		return fmt.Errorf("checksum staging file: %w", err)
	}
	if d.cfg.DownloadMaxBytes > 0 && size > d.cfg.DownloadMaxBytes {
		return &models.InvalidSceneError{
			SceneID: scene.SceneID,
			Reason:  fmt.Sprintf("downloaded size %d exceeds download limit %d", size, d.cfg.DownloadMaxBytes),
		}
	}
	if err := verify(token, scene, checksum, size); err != nil {
		telemetry.ChecksumMismatches.Inc()
		return err
	}

	final := filepath.Join(d.cfg.StorageDir, job.Sensor, job.SceneID+sourceExt(scene.Source))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("commit download: %w", err)
	}

	if err := d.store.CompleteDownload(ctx, job, final, checksum); err != nil {
		// The lease may have been reaped mid-download; the committed file is
		// left for the re-claimed attempt to overwrite.
		return err
	}
	telemetry.DownloadsSucceeded.Inc()
	return nil
}

// verify compares the computed digest against the integrity token, falling
// back to an expected-size check when no digest is available.
func verify(token sensor.IntegrityToken, scene models.Scene, checksum string, size int64) error {
	expected := token.MD5
	if expected == "" {
		expected = scene.RemoteMD5
	}
	if expected != "" {
		if !strings.EqualFold(expected, checksum) {
			return &models.ChecksumMismatchError{SceneID: scene.SceneID, Expected: strings.ToLower(expected), Actual: checksum}
		}
		return nil
	}
	if token.Size > 0 && token.Size != size {
		return &models.ChecksumMismatchError{
			SceneID:  scene.SceneID,
			Expected: fmt.Sprintf("%d bytes", token.Size),
			Actual:   fmt.Sprintf("%d bytes", size),
		}
	}
	if token.Size == 0 && size == 0 {
		return &models.ChecksumMismatchError{SceneID: scene.SceneID, Expected: "non-empty file", Actual: "0 bytes"}
	}
	return nil
}

func md5File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// sourceExt keeps the provider's bundle extension on the committed file.
func sourceExt(source string) string {
	ext := filepath.Ext(source)
	if ext == "" || len(ext) > 8 || strings.ContainsAny(ext, "?&=") {
		return ".dat"
	}
	return ext
}
