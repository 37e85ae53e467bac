package transport

import (
	"github.com/fastygo/taskboard/domain"
)

type CreateTaskRequest struct {
	Title      string `json:"title"`
	Deadline   string `json:"deadline"`
	Importance int    `json:"importance"`
}

// ToNewTask parses the deadline; field validation is left to the use case.
func (r CreateTaskRequest) ToNewTask() (domain.NewTask, error) {
	deadline, err := domain.ParseDate(r.Deadline)
	if err != nil {
		return domain.NewTask{}, err
	}
	return domain.NewTask{
		Title:      r.Title,
		Deadline:   deadline,
		Importance: r.Importance,
	}, nil
}

// UpdateTaskRequest is a partial update; omitted fields stay untouched.
type UpdateTaskRequest struct {
	Title      *string `json:"title"`
	Deadline   *string `json:"deadline"`
	Importance *int    `json:"importance"`
	Status     *string `json:"status"`
}

func (r UpdateTaskRequest) ToPatch() (domain.Patch, error) {
	patch := domain.Patch{
		Title:      r.Title,
		Importance: r.Importance,
	}
	if r.Deadline != nil {
		deadline, err := domain.ParseDate(*r.Deadline)
		if err != nil {
			return domain.Patch{}, err
		}
		patch.Deadline = &deadline
	}
	if r.Status != nil {
		status := domain.Status(*r.Status)
		if !status.Valid() {
			return domain.Patch{}, domain.NewError(domain.ErrCodeInvalid, "unknown status")
		}
		patch.Status = &status
	}
	return patch, nil
}

type ConnectivityRequest struct {
	Online *bool `json:"online"`
}
