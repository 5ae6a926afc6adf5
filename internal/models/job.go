package models

import (
	"time"
)

// Job kinds dispatched by the scheduler.
const (
	KindDownload = "download"
	KindProcess  = "process"
)

// JobState enumerates queue states persisted in Postgres.
const (
	JobQueued    = "queued"
	JobLeased    = "leased"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Job is one unit of dispatched work against a scene. The scene outlives
// its jobs; jobs are retained as history once terminal.
type Job struct {
	ID             string     `json:"id"`
	SceneID        string     `json:"scene_id"`
	Sensor         string     `json:"sensor"`
	Kind           string     `json:"kind"`
	State          string     `json:"state"`
	LeaseOwner     *string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Attempt        int        `json:"attempt"`
	RunAt          time.Time  `json:"run_at"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
