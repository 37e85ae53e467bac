package transport

import (
	"encoding/json"
	"time"

	"github.com/fastygo/taskboard/domain"
)

// Envelope is the standard API response wrapper used for both success and error payloads.
type Envelope struct {
	Status string      `json:"status"`
	Code   string      `json:"code,omitempty"`
	Data   interface{} `json:"data,omitempty"`
	Error  interface{} `json:"error,omitempty"`
	Meta   interface{} `json:"meta,omitempty"`
}

// NewSuccess returns a success envelope.
func NewSuccess(data interface{}, meta interface{}) Envelope {
	return Envelope{
		Status: "success",
		Data:   data,
		Meta:   meta,
	}
}

// NewError returns an error envelope with optional metadata.
func NewError(code string, err interface{}, meta interface{}) Envelope {
	return Envelope{
		Status: "error",
		Code:   code,
		Error:  err,
		Meta:   meta,
	}
}

// String returns the JSON representation (best-effort) for logging purposes.
func (e Envelope) String() string {
	out, err := json.Marshal(e)
	if err != nil {
		return "{}"
	}
	return string(out)
}

// TaskView is a task as rendered on the board, with its derived card size.
type TaskView struct {
	domain.Task
	DaysLeft int     `json:"days_left"`
	Size     float64 `json:"size"`
}

func NewTaskView(task domain.Task, today time.Time) TaskView {
	return TaskView{
		Task:     task,
		DaysLeft: domain.DaysUntil(task.Deadline, today),
		Size:     domain.Size(task.Deadline, task.Importance, today),
	}
}

// NewTaskViews keeps the input order.
func NewTaskViews(tasks []domain.Task, today time.Time) []TaskView {
	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, NewTaskView(task, today))
	}
	return views
}

// BoardMeta accompanies task listings.
type BoardMeta struct {
	Count  int  `json:"count"`
	Online bool `json:"online"`
}
