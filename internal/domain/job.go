package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusNew        Status = "NEW"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
	StatusDead       Status = "DEAD"
)

// Terminal reports whether s is a final status that must never change again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDead
}

// Job is one inbox row: a unit of work delivered at-least-once.
// Status == PROCESSING implies LockedBy and LockedAt are set.
type Job struct {
	ID             int64
	Status         Status
	Payload        json.RawMessage
	CorrelationKey string
	LockedBy       *string
	LockedAt       *time.Time
	AttemptCount   int
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Stale reports whether the job's processing lock is older than threshold at now.
func (j Job) Stale(now time.Time, threshold time.Duration) bool {
	return j.Status == StatusProcessing && j.LockedAt != nil && now.Sub(*j.LockedAt) > threshold
}
