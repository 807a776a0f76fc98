package domain

import (
	"database/sql"
	"time"
)

type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateProcessing JobState = "processing"
	JobStateDone       JobState = "done"
	JobStateFailed     JobState = "failed"
	JobStateRemoved    JobState = "removed"
)

// Terminal reports whether no worker will touch the job again.
func (s JobState) Terminal() bool {
	return s == JobStateDone || s == JobStateFailed || s == JobStateRemoved
}

// InFlight reports whether the job still holds its source key.
func (s JobState) InFlight() bool {
	return s == JobStatePending || s == JobStateProcessing
}

var transitions = map[JobState][]JobState{
	JobStatePending:    {JobStateProcessing},
	JobStateProcessing: {JobStateDone, JobStateFailed},
}

// CanTransition reports whether from → to is a legal worker transition.
// Removal is not listed here: only the expiration sweep moves jobs to removed.
func CanTransition(from, to JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Trim selects a segment of the source audio. The zero value means "whole track".
type Trim struct {
	Start    time.Duration `json:"start"`
	Duration time.Duration `json:"duration"`
}

func (t Trim) IsZero() bool {
	return t.Start == 0 && t.Duration == 0
}

// JobParams are the validated options a job is created with.
type JobParams struct {
	Locator     string
	Quality     string
	Trim        Trim
	ArtifactKey string
	Retention   time.Duration
}

type Job struct {
	ID           string       `json:"id"`
	SourceKey    string       `json:"source_key"`
	Locator      string       `json:"locator"`
	State        JobState     `json:"state"`
	Quality      string       `json:"quality"`
	Trim         Trim         `json:"trim"`
	ArtifactKey  string       `json:"artifact_key"`
	ArtifactRef  string       `json:"-"`
	Size         int64        `json:"size"`
	Duration     float64      `json:"duration"`
	Title        string       `json:"title"`
	ErrorMessage string       `json:"error,omitempty"`
	Progress     int          `json:"progress"`
	Provider     string       `json:"-"`
	RequestedAt  time.Time    `json:"requested_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CompletedAt  sql.NullTime `json:"-"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// IsExpired reports whether the job's retention window has elapsed at now.
func (j *Job) IsExpired(now time.Time) bool {
	return !now.Before(j.ExpiresAt)
}

// Reusable reports whether a finished job can answer a new request for the
// same artifact key without running the pipeline again.
func (j *Job) Reusable(artifactKey string, now time.Time) bool {
	return j.State == JobStateDone && j.ArtifactKey == artifactKey && !j.IsExpired(now)
}

// TransitionDetails carries the fields persisted alongside a state change.
type TransitionDetails struct {
	ArtifactRef  string
	Size         int64
	Duration     float64
	Title        string
	Provider     string
	ErrorMessage string
}
