package domain

import "time"

// WorkSession is a time-bounded record of work on a task by one agent
// (SPEC §3). An open session has EndedAt == nil.
type WorkSession struct {
	ID                int64      `json:"id"`
	TaskID            int64      `json:"task_id"`
	Agent             string     `json:"agent"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	Notes             *string    `json:"notes,omitempty"`
	ProductivityScore *float64   `json:"productivity_score,omitempty"`
}

// Open reports whether the session has not yet been closed.
func (s WorkSession) Open() bool { return s.EndedAt == nil }

// ValidateProductivityScore enforces the [0,1] bound from SPEC §4.3.
func ValidateProductivityScore(score *float64) error {
	if score == nil {
		return nil
	}
	if *score < 0 || *score > 1 {
		return NewError(Validation, "productivity_score must be in [0,1]")
	}
	return nil
}
