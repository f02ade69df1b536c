package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Job is one accepted webhook event waiting for (or taken by) a downstream
// worker.
type Job struct {
	ID            string
	Source        string
	EventType     string
	Payload       json.RawMessage
	Status        Status
	Attempt       int
	MaxAttempts   int
	SubmittedBy   string
	DedupeKey     *string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	NextRetryAt   *time.Time
	LastError     *string
	SourceEventID *string
}

type EnqueueRequest struct {
	Source        string
	EventType     string
	Payload       json.RawMessage
	MaxAttempts   int
	SubmittedBy   string
	DedupeKey     *string
	SourceEventID *string
}

var ErrJobNotFound = errors.New("job not found")
