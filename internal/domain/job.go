package domain

import (
	"encoding/json"
	"time"
)

type JobKind string

const (
	JobKindAnalysis      JobKind = "analysis"
	JobKindOptimization  JobKind = "optimization"
	JobKindSkillAddition JobKind = "skill_addition"
	JobKindCoverLetter   JobKind = "cover_letter"
	JobKindPrepGuide     JobKind = "prep_guide"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

const (
	// StaleAfter is the inactivity window after which a queued or processing
	// job is reclaimed by the staleness sweep, measured from creation.
	StaleAfter = 10 * time.Minute

	// KeepAliveInterval is the cadence of liveness pings emitted while a job
	// occupies the execution shim's background handle.
	KeepAliveInterval = 5 * time.Second

	// MaxProgress is the progress value a job reaches on completion.
	MaxProgress = 100
)

// Job is the persisted unit of queued or in-flight generation work.
type Job struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"ownerId"`
	Kind         JobKind         `json:"kind"`
	Status       JobStatus       `json:"status"`
	Progress     int             `json:"progress"`
	Stage        string          `json:"stage,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ResultRef    string          `json:"resultRef,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ContinuableInBackground reports whether a job of this kind is expected to
// keep running silently after the host application leaves the foreground.
// The long-running generation kinds ride on the background handle and its
// keep-alive pings; everything else gets a user-facing stall warning.
func (k JobKind) ContinuableInBackground() bool {
	switch k {
	case JobKindAnalysis, JobKindOptimization, JobKindSkillAddition:
		return true
	default:
		return false
	}
}

// Stale reports whether the job has sat in a non-terminal status past the
// staleness window.
func (j *Job) Stale(now time.Time) bool {
	if j.Status.Terminal() {
		return false
	}
	return now.Sub(j.CreatedAt) > StaleAfter
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Payload = append([]byte(nil), j.Payload...)
	return &clone
}
