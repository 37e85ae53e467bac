package postgres

import (
	"time"

	"github.com/fastygo/taskboard/domain"
)

const taskColumns = `id, title, deadline, importance, status, version, created_at, updated_at`

func nullableDate(d *domain.Date) interface{} {
	if d == nil || d.IsZero() {
		return nil
	}
	return d.Time
}

func nullableStatus(s *domain.Status) interface{} {
	if s == nil {
		return nil
	}
	return string(*s)
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

func nonZeroTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
