// Package ard runs the external analysis-ready-data conversion tool for
// downloaded scenes and interprets its outcome.
package ard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/remotesensinginfo/eodatadown/internal/config"
	"github.com/remotesensinginfo/eodatadown/internal/models"
	"github.com/remotesensinginfo/eodatadown/internal/sensor"
	"github.com/remotesensinginfo/eodatadown/internal/telemetry"
)

// stderrTailBytes bounds how much tool output is persisted as diagnostics.
const stderrTailBytes = 4096

// Store is the slice of the state store the invoker needs.
type Store interface {
	GetScene(ctx context.Context, sensorName, sceneID string) (models.Scene, error)
	MarkProcessing(ctx context.Context, sensorName, sceneID string) error
	CompleteProcess(ctx context.Context, job models.Job) error
}

// Archiver pushes finished ARD artifacts to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, sensorName, sceneID, artifactPath string) (string, error)
}

// Invoker executes process jobs: run the tool, check the artifact, record
// the outcome.
type Invoker struct {
	cfg      config.Config
	store    Store
	sensors  map[string]sensor.Sensor
	archiver Archiver
}

func New(cfg config.Config, st Store, sensors map[string]sensor.Sensor, archiver Archiver) *Invoker {
	return &Invoker{cfg: cfg, store: st, sensors: sensors, archiver: archiver}
}

// Handle runs one claimed process job.
func (v *Invoker) Handle(ctx context.Context, job models.Job) error {
	sn, ok := v.sensors[job.Sensor]
	if !ok {
		return fmt.Errorf("no sensor registered for %s", job.Sensor)
	}

	scene, err := v.store.GetScene(ctx, job.Sensor, job.SceneID)
	if err != nil {
		return err
	}
	if scene.LocalPath == nil || *scene.LocalPath == "" {
		return fmt.Errorf("scene %s/%s has no downloaded file", job.Sensor, job.SceneID)
	}

	if err := v.store.MarkProcessing(ctx, job.Sensor, job.SceneID); err != nil {
		return err
	}

	outDir := filepath.Join(v.cfg.ARDOutputDir, job.Sensor, job.SceneID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create ard output dir: %w", err)
	}

	inv, err := sn.Process(*scene.LocalPath, outDir, v.cfg.ARDTmpDir)
	if err != nil {
		return err
	}

	if err := v.run(ctx, job.SceneID, inv); err != nil {
		return err
	}

	artifact := inv.OutputArtifact
	if artifact == "" {
		artifact = outDir
	}
	if _, err := os.Stat(artifact); err != nil {
		return &models.ExternalToolFailure{
			SceneID:  job.SceneID,
			ExitCode: 0,
			Stderr:   fmt.Sprintf("expected output artifact missing: %s", artifact),
		}
	}

	// Quicklook and archive are supplemental products: their failure is
	// logged but does not fail the conversion that already succeeded.
	if v.cfg.QuicklookDir != "" {
		if _, err := GenerateQuicklook(artifact, filepath.Join(v.cfg.QuicklookDir, job.Sensor, job.SceneID+".png")); err != nil {
			log.Printf("quicklook for %s/%s: %v", job.Sensor, job.SceneID, err)
		}
	}
	if v.archiver != nil {
		if loc, err := v.archiver.Archive(ctx, job.Sensor, job.SceneID, artifact); err != nil {
			log.Printf("archive for %s/%s: %v", job.Sensor, job.SceneID, err)
		} else {
			log.Printf("archived %s/%s to %s", job.Sensor, job.SceneID, loc)
		}
	}

	if err := v.store.CompleteProcess(ctx, job); err != nil {
		return err
	}
	telemetry.ARDSucceeded.Inc()
	return nil
}

// run executes the tool as an isolated subprocess in its own process group.
// The group is killed on timeout or cancellation and the child is always
// reaped: Wait runs on every path, with WaitDelay as the backstop against a
// child that ignores the kill.
func (v *Invoker) run(parent context.Context, sceneID string, inv sensor.Invocation) error {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, inv.Program, inv.Args...)
	cmd.Dir = v.cfg.ARDTmpDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 10 * time.Second

	var stderr tailBuffer
	cmd.Stderr = &stderr

	if v.cfg.ARDTmpDir != "" {
		if err := os.MkdirAll(v.cfg.ARDTmpDir, 0o755); err != nil {
			return fmt.Errorf("create ard tmp dir: %w", err)
		}
	}

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		// Shutdown cancellation, not a tool failure; the lease is released
		// by the caller so the job is immediately reclaimable.
		return parent.Err()
	}

	failure := &models.ExternalToolFailure{
		SceneID: sceneID,
		Stderr:  stderr.String(),
	}
	if ctx.Err() != nil {
		failure.TimedOut = true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		failure.ExitCode = exitErr.ExitCode()
	} else if !failure.TimedOut {
		failure.Stderr = fmt.Sprintf("start %s: %v", inv.Program, err)
		failure.ExitCode = -1
	}
	return failure
}

// tailBuffer keeps the last stderrTailBytes of written output.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if t.buf.Len() > stderrTailBytes {
		trimmed := t.buf.Bytes()[t.buf.Len()-stderrTailBytes:]
		var next bytes.Buffer
		next.Write(trimmed)
		t.buf = next
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
