// Package model defines the core domain types for the OPAL orchestrator.
//
// Types correspond directly to database tables and API payloads. Job inputs
// and results are typed per job kind and serialized to JSON only at the
// storage boundary.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of an asynchronous job.
//
// The only legal transition sequence is
// Pending -> Processing -> {Completed, Failed}.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobKind tags the type of work a job carries.
type JobKind string

const (
	JobKindChat JobKind = "chat"
	JobKindPlan JobKind = "plan"
)

// Job is a single unit of asynchronous work. A job is created Pending,
// started exactly once, and finishes Completed or Failed. Failed jobs are
// terminal; callers resubmit instead of retrying.
type Job struct {
	ID              uuid.UUID       `json:"id"`
	Kind            JobKind         `json:"kind"`
	Status          JobStatus       `json:"status"`
	Input           json.RawMessage `json:"input,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *string         `json:"error,omitempty"`
	Progress        int             `json:"progress"`
	ProgressMessage *string         `json:"progress_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// ChatJobInput is the typed input payload for JobKindChat.
type ChatJobInput struct {
	Message        string     `json:"message"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
}

// ChatJobResult is the immutable result snapshot of a completed chat job.
type ChatJobResult struct {
	Content        string    `json:"content"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Plan           *Plan     `json:"plan,omitempty"`
	Sources        []Source  `json:"sources"`
}

// PlanJobInput is the typed input payload for JobKindPlan.
type PlanJobInput struct {
	Goal        string            `json:"goal"`
	Context     map[string]string `json:"context,omitempty"`
	Constraints []string          `json:"constraints,omitempty"`
}

// DecodeJobInput unmarshals a job's raw input into the typed payload for its
// kind. Unknown kinds are rejected so a mistagged row fails loudly instead of
// executing with a zero-value input.
func DecodeJobInput(j Job) (any, error) {
	switch j.Kind {
	case JobKindChat:
		var in ChatJobInput
		if err := json.Unmarshal(j.Input, &in); err != nil {
			return nil, fmt.Errorf("model: decode chat job input: %w", err)
		}
		return in, nil
	case JobKindPlan:
		var in PlanJobInput
		if err := json.Unmarshal(j.Input, &in); err != nil {
			return nil, fmt.Errorf("model: decode plan job input: %w", err)
		}
		return in, nil
	default:
		return nil, fmt.Errorf("model: unknown job kind %q", j.Kind)
	}
}
