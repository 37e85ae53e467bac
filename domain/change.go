package domain

// ChangeType classifies a remote change notification.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is published by the remote store whenever any client mutates a task.
// For deletes only Task.ID is guaranteed to be set.
type ChangeEvent struct {
	Type ChangeType `json:"type"`
	Task Task       `json:"task"`
}
