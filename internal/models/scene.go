package models

import (
	"time"
)

// SceneStatus enumerates the per-scene lifecycle states persisted in Postgres.
const (
	SceneDiscovered       = "discovered"
	SceneDownloading      = "downloading"
	SceneDownloaded       = "downloaded"
	SceneDownloadFailed   = "download_failed"
	SceneProcessing       = "processing"
	SceneProcessed        = "processed"
	SceneProcessingFailed = "processing_failed"
	SceneInvalid          = "invalid"
	SceneArchived         = "archived"
)

// statusRank orders statuses along the forward direction of the lifecycle
// graph. Terminal failure states share the rank of the step they failed at.
var statusRank = map[string]int{
	SceneDiscovered:       0,
	SceneDownloading:      1,
	SceneDownloadFailed:   1,
	SceneDownloaded:       2,
	SceneProcessing:       3,
	SceneProcessingFailed: 3,
	SceneProcessed:        4,
	SceneArchived:         5,
	SceneInvalid:          6,
}

// forward lists the legal automated transitions out of each status.
var forward = map[string][]string{
	SceneDiscovered:  {SceneDownloading, SceneInvalid},
	SceneDownloading: {SceneDownloaded, SceneDownloadFailed, SceneInvalid},
	SceneDownloaded:  {SceneProcessing, SceneInvalid},
	SceneProcessing:  {SceneProcessed, SceneProcessingFailed, SceneInvalid},
	SceneProcessed:   {SceneArchived, SceneInvalid},
}

// CanTransition reports whether from -> to is a legal automated transition.
// Administrative resets bypass this check deliberately.
func CanTransition(from, to string) bool {
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no automated transition leaves the status.
func IsTerminal(status string) bool {
	switch status {
	case SceneDownloadFailed, SceneProcessingFailed, SceneInvalid, SceneArchived:
		return true
	}
	return false
}

// StatusRank returns the graph order of a status, for monotonicity checks.
// Unknown statuses rank below every known one.
func StatusRank(status string) int {
	if r, ok := statusRank[status]; ok {
		return r
	}
	return -1
}

// Scene is one discovered satellite acquisition tracked as a row of record.
type Scene struct {
	SceneID      string    `json:"scene_id"`
	Sensor       string    `json:"sensor"`
	AcquiredAt   time.Time `json:"acquired_at"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Footprint    string    `json:"footprint,omitempty"`
	CloudCover   float64   `json:"cloud_cover"`
	// Source, RemoteMD5, and SizeBytes echo the provider descriptor so a
	// download job can be dispatched from the stored row alone.
	Source    string  `json:"source"`
	RemoteMD5 string  `json:"remote_md5,omitempty"`
	SizeBytes int64   `json:"size_bytes"`
	Status    string  `json:"status"`
	LocalPath *string `json:"local_path,omitempty"`
	Checksum  *string `json:"checksum,omitempty"`
	// InvalidReason captures why validation rejected the scene.
	InvalidReason *string `json:"invalid_reason,omitempty"`
	// Attempt counters per job kind.
	DownloadAttempts int       `json:"download_attempts"`
	ProcessAttempts  int       `json:"process_attempts"`
	UpdatedAt        time.Time `json:"updated_at"`
}
