// Package domain holds the pure types and invariants shared by every
// layer of the coordination engine: task lifecycle, filters, sessions
// and messages. Nothing in this package touches the database or the
// wire protocol.
package domain

import (
	"strings"
	"time"
)

// TaskState is the closed set of states a Task can occupy (SPEC §3).
type TaskState string

const (
	TaskCreated    TaskState = "Created"
	TaskInProgress TaskState = "InProgress"
	TaskBlocked    TaskState = "Blocked"
	TaskReview     TaskState = "Review"
	TaskDone       TaskState = "Done"
	TaskArchived   TaskState = "Archived"
)

// transitions is the single source of truth for the task state machine.
// Done -> Archived is listed here, but only the dedicated archive
// operation (store.ArchiveTask, which requires the current state to be
// Done) writes Archived; store.SetTaskState refuses it as a target.
var transitions = map[TaskState]map[TaskState]bool{
	TaskCreated:    {TaskInProgress: true},
	TaskInProgress: {TaskBlocked: true, TaskReview: true, TaskDone: true},
	TaskBlocked:    {TaskInProgress: true},
	TaskReview:     {TaskInProgress: true, TaskDone: true},
	TaskDone:       {TaskArchived: true},
	TaskArchived:   {},
}

// CanTransitionTo reports whether moving from the receiver state to next
// is legal. Self-transitions are always rejected.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	if s == next {
		return false
	}
	return transitions[s][next]
}

// Valid reports whether s is one of the six known states.
func (s TaskState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Task is the unit of work tracked by the coordinator.
type Task struct {
	ID          int64      `json:"id"`
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Owner       *string    `json:"owner"`
	State       TaskState  `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	DoneAt      *time.Time `json:"done_at,omitempty"`
}

// Claimable reports whether the task may be claimed: unassigned and not
// archived (SPEC §4.3). discover_work is narrower: it hands out only
// unassigned tasks in Created, Blocked or Review.
func (t Task) Claimable() bool {
	return t.Owner == nil && t.State != TaskArchived
}

// ValidateCode rejects empty or whitespace-only codes. The store also
// enforces uniqueness; this only checks shape.
func ValidateCode(code string) error {
	if strings.TrimSpace(code) == "" {
		return NewError(Validation, "code must not be empty")
	}
	if len(code) > 128 {
		return NewError(Validation, "code exceeds maximum length of 128")
	}
	return nil
}

// ValidateName rejects empty names.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewError(Validation, "name must not be empty")
	}
	return nil
}

// ValidateOwner rejects owner strings that are present but pure whitespace.
// A nil owner (unassigned) is always valid.
func ValidateOwner(owner *string) error {
	if owner == nil {
		return nil
	}
	if strings.TrimSpace(*owner) == "" {
		return NewError(Validation, "owner must not be blank")
	}
	return nil
}
