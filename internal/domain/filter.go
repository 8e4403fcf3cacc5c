package domain

import "time"

// TaskFilter is a bag of optional predicates for list_tasks. Unset
// pointer/string fields are not applied; all set fields combine with AND
// (SPEC §4.2).
type TaskFilter struct {
	Owner            *string
	State            *TaskState
	CreatedAfter     *time.Time
	CreatedBefore    *time.Time
	CompletedAfter   *time.Time
	CompletedBefore  *time.Time
	Limit            int
	Offset           int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Normalize clamps Limit into a sane range and leaves Offset non-negative.
// Contradictory ranges (CreatedAfter > CreatedBefore) are left as-is; the
// store translates them into a query that returns zero rows rather than
// erroring (SPEC §8, boundary behavior).
func (f TaskFilter) Normalize() TaskFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// TargetFilter is the tri-valued sentinel for get_task_messages' target
// predicate: absent (any), a specific agent name, or explicitly
// broadcast-only (NULL target). Never overload an empty string for two
// meanings — that is exactly the mistake SPEC §9 warns against.
type TargetFilter struct {
	set        bool
	broadcast  bool
	agentName  string
}

// AnyTarget is the zero value: no predicate applied.
func AnyTarget() TargetFilter { return TargetFilter{} }

// TargetNamed restricts to messages addressed to a specific agent.
func TargetNamed(agent string) TargetFilter {
	return TargetFilter{set: true, agentName: agent}
}

// TargetBroadcast restricts to messages with no target (NULL).
func TargetBroadcast() TargetFilter {
	return TargetFilter{set: true, broadcast: true}
}

// Set reports whether a predicate was supplied at all.
func (f TargetFilter) Set() bool { return f.set }

// Broadcast reports whether the predicate means "NULL target only".
func (f TargetFilter) Broadcast() bool { return f.broadcast }

// Agent returns the agent name predicate; only meaningful when Set() is
// true and Broadcast() is false.
func (f TargetFilter) Agent() string { return f.agentName }

// MessageFilter is the bag of optional predicates for get_task_messages.
type MessageFilter struct {
	Author      *string
	Target      TargetFilter
	MessageType *string
	ReplyTo     *int64
	Limit       int
}

const (
	defaultMessageLimit = 100
	maxMessageLimit     = 500
)

func (f MessageFilter) Normalize() MessageFilter {
	if f.Limit <= 0 {
		f.Limit = defaultMessageLimit
	}
	if f.Limit > maxMessageLimit {
		f.Limit = maxMessageLimit
	}
	return f
}
