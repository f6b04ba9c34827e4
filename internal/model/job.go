// Package model contains simple struct definitions shared across packages.
package model

import (
	"time"
)

// JobStatus describes the conversion lifecycle. A named string type keeps
// statuses from being mixed up with arbitrary strings.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a job may move from s to next. Transitions
// only ever go forward and processing is never skipped.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// Predecessor returns the only status that may transition into s.
func (s JobStatus) Predecessor() (JobStatus, bool) {
	switch s {
	case StatusProcessing:
		return StatusPending, true
	case StatusCompleted, StatusFailed:
		return StatusProcessing, true
	}
	return "", false
}

// BlobRef points at an object in the blob store.
type BlobRef struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Job is a single conversion attempt. Result is only set once the job is
// completed and ErrorMessage only once it failed.
type Job struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"ownerId"`
	TemplateID    string            `json:"templateId"`
	Input         BlobRef           `json:"input"`
	ImageMappings map[string]string `json:"imageMappings,omitempty"`
	PairCount     int               `json:"pairCount"`
	Status        JobStatus         `json:"status"`
	Result        *BlobRef          `json:"result,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// IsDone reports whether the job reached a terminal state.
func (j *Job) IsDone() bool {
	return j.Status.Terminal()
}

// JobPatch is used for partial updates. Status is required; stores apply the
// patch only while the job still sits in the status that precedes it.
type JobPatch struct {
	Status       JobStatus
	Result       *BlobRef
	ErrorMessage *string
}

// Apply copies the patch onto j.
func (p JobPatch) Apply(j *Job, now time.Time) {
	j.Status = p.Status
	if p.Result != nil {
		ref := *p.Result
		j.Result = &ref
	}
	if p.ErrorMessage != nil {
		j.ErrorMessage = *p.ErrorMessage
	}
	j.UpdatedAt = now
}

// Clone returns a deep copy so stores can hand out jobs without sharing maps
// or pointers with their internal state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.ImageMappings != nil {
		out.ImageMappings = make(map[string]string, len(j.ImageMappings))
		for k, v := range j.ImageMappings {
			out.ImageMappings[k] = v
		}
	}
	if j.Result != nil {
		ref := *j.Result
		out.Result = &ref
	}
	return &out
}
