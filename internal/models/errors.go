package models

import (
	"fmt"
	"time"
)

// TransientNetworkError marks a download/query failure worth retrying with
// backoff.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// AuthenticationError is fatal for a sensor's pipeline: polling is suspended
// until configuration is corrected. It never crashes the process.
type AuthenticationError struct {
	Sensor string
	Err    error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for sensor %s: %v", e.Sensor, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ChecksumMismatchError reports a downloaded file whose checksum does not
// match the provider's integrity token. Treated as transient up to the
// configured attempt limit.
type ChecksumMismatchError struct {
	SceneID  string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for scene %s: expected %s got %s", e.SceneID, e.Expected, e.Actual)
}

// ExternalToolFailure captures the outcome of a failed ARD tool invocation.
type ExternalToolFailure struct {
	SceneID  string
	ExitCode int
	Stderr   string
	TimedOut bool
}

func (e *ExternalToolFailure) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("ard tool timed out for scene %s: %s", e.SceneID, e.Stderr)
	}
	return fmt.Sprintf("ard tool exited %d for scene %s: %s", e.ExitCode, e.SceneID, e.Stderr)
}

// ConfigurationError is fatal at startup, before any worker starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// InvalidSceneError marks a descriptor whose metadata failed validation; the
// scene is recorded terminally Invalid rather than retried.
type InvalidSceneError struct {
	SceneID string
	Reason  string
}

func (e *InvalidSceneError) Error() string {
	return fmt.Sprintf("invalid scene %s: %s", e.SceneID, e.Reason)
}

// LeaseExpiredError reports a completion attempt against a lease the worker
// no longer holds (reaped after expiry at lease_expires_at).
type LeaseExpiredError struct {
	JobID     string
	ExpiredAt time.Time
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("lease on job %s expired at %s", e.JobID, e.ExpiredAt.UTC().Format(time.RFC3339))
}
