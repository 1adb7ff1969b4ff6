package model

import "time"

// Marker is the freshness marker of an artifact: existence plus timestamp.
type Marker struct {
	Path    string    `json:"path"`
	Exists  bool      `json:"exists"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// NewerOrEqual reports whether m exists and is not older than other.
// A missing other never makes m stale.
func (m Marker) NewerOrEqual(other Marker) bool {
	if !m.Exists {
		return false
	}
	if !other.Exists {
		return true
	}
	return !m.ModTime.Before(other.ModTime)
}

// ArtifactRecord is the persisted view of an output artifact.
type ArtifactRecord struct {
	Marker
	Producer  TaskID `json:"producer"`
	Transient bool   `json:"transient"`
	// Removed is set when a transient artifact was deleted after all of
	// its consumers succeeded.
	Removed bool `json:"removed"`
}

// Run is one invocation of the pipeline.
type Run struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
