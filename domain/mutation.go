package domain

import (
	"time"

	"github.com/google/uuid"
)

// MutationType names the remote operation a queue entry stands for.
type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

func (t MutationType) Valid() bool {
	switch t {
	case MutationCreate, MutationUpdate, MutationDelete:
		return true
	}
	return false
}

// MutationPayload holds the data a mutation applies remotely.
// Create carries the full record, update a patch stamped with the local edit time,
// delete the last known snapshot (for diagnostics only).
type MutationPayload struct {
	Task      *Task     `json:"task,omitempty"`
	Patch     *Patch    `json:"patch,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// EditedAt returns the local edit time the payload represents.
func (p MutationPayload) EditedAt() time.Time {
	if !p.UpdatedAt.IsZero() {
		return p.UpdatedAt
	}
	if p.Task != nil {
		return p.Task.UpdatedAt
	}
	return time.Time{}
}

// Mutation is one pending change waiting for remote confirmation.
type Mutation struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	Type        MutationType    `json:"type"`
	Payload     MutationPayload `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	RetryCount  int             `json:"retry_count"`
	LastAttempt time.Time       `json:"last_attempt,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Normalize fills the identifier and enqueue time when missing.
func (m *Mutation) Normalize(now time.Time) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
}
