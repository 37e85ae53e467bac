package domain

import (
	"strings"
	"time"
)

// Status is the user-facing progress of a task.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusInProgress || s == StatusDone
}

// SyncState describes whether the locally held copy is confirmed by the remote store.
// It never leaves the client.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
	SyncFailed  SyncState = "failed"
)

const (
	MinImportance = 1
	MaxImportance = 10
)

// Task represents a board item as held by the local store.
type Task struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Deadline   Date      `json:"deadline"`
	Importance int       `json:"importance"`
	Status     Status    `json:"status"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	SyncState  SyncState `json:"sync_state,omitempty"`
	SyncError  string    `json:"sync_error,omitempty"`
	// Confirmed is set once the remote has acknowledged the record.
	Confirmed  bool      `json:"confirmed,omitempty"`
}

func (t *Task) IsCompleted() bool {
	return t != nil && t.Status == StatusDone
}

// Remote returns a copy suitable for the remote store, with local-only fields cleared.
func (t Task) Remote() Task {
	t.SyncState = ""
	t.SyncError = ""
	t.Confirmed = false
	return t
}

// MarkSynced clears any failure and flags the record as confirmed.
func (t *Task) MarkSynced() {
	t.SyncState = SyncSynced
	t.SyncError = ""
	t.Confirmed = true
}

// MarkPending flags the record as awaiting confirmation.
func (t *Task) MarkPending() {
	t.SyncState = SyncPending
	t.SyncError = ""
}

// MarkFailed flags the record as abandoned by the sync engine.
func (t *Task) MarkFailed(reason string) {
	t.SyncState = SyncFailed
	t.SyncError = reason
}

// Validate checks the user-controlled fields.
func (t *Task) Validate() error {
	if t == nil {
		return ErrInvalidPayload
	}
	if strings.TrimSpace(t.Title) == "" {
		return NewError(ErrCodeInvalid, "title must not be empty")
	}
	if t.Deadline.IsZero() {
		return NewError(ErrCodeInvalid, "deadline is required")
	}
	if t.Importance < MinImportance || t.Importance > MaxImportance {
		return NewError(ErrCodeInvalid, "importance must be between 1 and 10")
	}
	if !t.Status.Valid() {
		return NewError(ErrCodeInvalid, "unknown status")
	}
	return nil
}

// Patch is a partial change to the user-controlled fields of a task.
// Nil fields are left untouched.
type Patch struct {
	Title      *string `json:"title,omitempty"`
	Deadline   *Date   `json:"deadline,omitempty"`
	Importance *int    `json:"importance,omitempty"`
	Status     *Status `json:"status,omitempty"`
}

func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Deadline == nil && p.Importance == nil && p.Status == nil
}

// Apply merges the patch into t.
func (p Patch) Apply(t *Task) {
	if t == nil {
		return
	}
	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Deadline != nil {
		t.Deadline = *p.Deadline
	}
	if p.Importance != nil {
		t.Importance = *p.Importance
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
}

// FullPatch returns a patch carrying every user-controlled field of t.
func FullPatch(t Task) Patch {
	title := t.Title
	deadline := t.Deadline
	importance := t.Importance
	status := t.Status
	return Patch{
		Title:      &title,
		Deadline:   &deadline,
		Importance: &importance,
		Status:     &status,
	}
}

// Update is a versioned partial write against the remote store.
type Update struct {
	Fields      Patch     `json:"fields"`
	UpdatedAt   time.Time `json:"updated_at"`
	BaseVersion int       `json:"base_version"`
}

// NewTask carries the user input for a task creation.
type NewTask struct {
	Title      string `json:"title"`
	Deadline   Date   `json:"deadline"`
	Importance int    `json:"importance"`
}
