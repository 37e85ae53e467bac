package domain

import (
	"math"
	"time"
)

// DaysUntil returns the whole days from today to deadline, rounded up and never below one.
func DaysUntil(deadline Date, today time.Time) int {
	start := NewDate(today)
	days := int(math.Ceil(deadline.Sub(start.Time).Hours() / 24))
	if days < 1 {
		return 1
	}
	return days
}

// Size derives the visual weight of a task card: (importance / 10) * min(10, 30 / daysUntilDeadline).
func Size(deadline Date, importance int, today time.Time) float64 {
	days := DaysUntil(deadline, today)
	urgency := math.Min(10, 30/float64(days))
	return (float64(importance) / 10) * urgency
}
