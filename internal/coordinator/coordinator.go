// Package coordinator implements the business operations of the task
// coordination engine against the Store. It holds no mutable state of
// its own beyond the Store handle (SPEC §3, "Ownership in design terms").
package coordinator

import (
	"context"
	"time"

	"github.com/basket/taskcoord/internal/domain"
	"github.com/basket/taskcoord/internal/store"
)

const (
	minMaxTasks     = 1
	maxMaxTasks     = 100
	defaultMaxTasks = 10
)

// Coordinator wraps a Store handle and exposes the operations listed in
// spec §4.3. Every method is safe to call concurrently; ordering and
// atomicity guarantees come entirely from the Store.
type Coordinator struct {
	store *store.Store
	now   func() time.Time
}

// New builds a Coordinator over store. A nil store panics immediately
// rather than surfacing confusing nil-pointer errors downstream.
func New(s *store.Store) *Coordinator {
	if s == nil {
		panic("coordinator: nil store")
	}
	return &Coordinator{store: s, now: time.Now}
}

func (c *Coordinator) clock() time.Time { return c.now().UTC() }

// CreateTask validates inputs and inserts a new task in state Created.
func (c *Coordinator) CreateTask(ctx context.Context, code, name, description string, owner *string) (domain.Task, error) {
	if err := domain.ValidateCode(code); err != nil {
		return domain.Task{}, err
	}
	if err := domain.ValidateName(name); err != nil {
		return domain.Task{}, err
	}
	if err := domain.ValidateOwner(owner); err != nil {
		return domain.Task{}, err
	}
	return c.store.InsertTask(ctx, code, name, description, owner, c.clock())
}

// TaskUpdate is a partial-update bag; nil fields are left unchanged.
type TaskUpdate struct {
	Name        *string
	Description *string
	Owner       *string
	OwnerSet    bool
}

// UpdateTask requires at least one field to be present and rejects
// updates to archived tasks (SPEC §4.3).
func (c *Coordinator) UpdateTask(ctx context.Context, id int64, u TaskUpdate) (domain.Task, error) {
	if u.Name == nil && u.Description == nil && !u.OwnerSet {
		return domain.Task{}, domain.NewError(domain.Validation, "update_task requires at least one field")
	}
	if u.Name != nil {
		if err := domain.ValidateName(*u.Name); err != nil {
			return domain.Task{}, err
		}
	}
	if u.OwnerSet {
		if err := domain.ValidateOwner(u.Owner); err != nil {
			return domain.Task{}, err
		}
	}
	return c.store.UpdateTask(ctx, id, u.Name, u.Description, u.Owner, u.OwnerSet)
}

// SetTaskState drives the task through its lifecycle. The transition
// check itself lives in the Store as the defensive second check; the
// Coordinator does not duplicate the table.
func (c *Coordinator) SetTaskState(ctx context.Context, id int64, next domain.TaskState) (domain.Task, error) {
	if !next.Valid() {
		return domain.Task{}, domain.NewErrorf(domain.Validation, "unknown task state %q", next)
	}
	return c.store.SetTaskState(ctx, id, next, c.clock())
}

// GetTaskByID returns (Task{}, false, nil) on a miss — fetch misses
// are never an error (SPEC §4.1, §7).
func (c *Coordinator) GetTaskByID(ctx context.Context, id int64) (domain.Task, bool, error) {
	t, err := c.store.GetTaskByID(ctx, id)
	if domain.Is(err, domain.NotFound) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}

func (c *Coordinator) GetTaskByCode(ctx context.Context, code string) (domain.Task, bool, error) {
	t, err := c.store.GetTaskByCode(ctx, code)
	if domain.Is(err, domain.NotFound) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}

func (c *Coordinator) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	return c.store.ListTasks(ctx, filter.Normalize())
}

// AssignTask is the administrative reassignment path, distinct from
// ClaimTask: it overwrites the owner unconditionally.
func (c *Coordinator) AssignTask(ctx context.Context, id int64, newOwner string) (domain.Task, error) {
	if err := domain.ValidateOwner(&newOwner); err != nil {
		return domain.Task{}, err
	}
	return c.store.AssignTask(ctx, id, newOwner)
}

func (c *Coordinator) ArchiveTask(ctx context.Context, id int64) (domain.Task, error) {
	return c.store.ArchiveTask(ctx, id, c.clock())
}

// clampMaxTasks enforces the [1,100] bound with a default of 10 (SPEC
// §4.3 discover_work).
func clampMaxTasks(n int) int {
	if n <= 0 {
		return defaultMaxTasks
	}
	if n > maxMaxTasks {
		return maxMaxTasks
	}
	return n
}

// DiscoverWork returns unassigned tasks in Created, Blocked or Review,
// ordered for fair hand-out. capabilities is accepted for forward compatibility and
// intentionally unused: the v1 schema has no capability column (SPEC §9
// open question — preserved, not guessed away).
func (c *Coordinator) DiscoverWork(ctx context.Context, agent string, capabilities []string, maxTasks int) ([]domain.Task, error) {
	if err := domain.ValidateOwner(&agent); err != nil {
		return nil, err
	}
	_ = capabilities
	return c.store.DiscoverWork(ctx, clampMaxTasks(maxTasks))
}

func (c *Coordinator) ClaimTask(ctx context.Context, id int64, agent string) (domain.Task, error) {
	if err := domain.ValidateOwner(&agent); err != nil {
		return domain.Task{}, err
	}
	return c.store.ClaimTask(ctx, id, agent)
}

func (c *Coordinator) ReleaseTask(ctx context.Context, id int64, agent string) (domain.Task, error) {
	if err := domain.ValidateOwner(&agent); err != nil {
		return domain.Task{}, err
	}
	return c.store.ReleaseTask(ctx, id, agent)
}

func (c *Coordinator) StartWorkSession(ctx context.Context, taskID int64, agent string) (domain.WorkSession, error) {
	if err := domain.ValidateOwner(&agent); err != nil {
		return domain.WorkSession{}, err
	}
	return c.store.StartWorkSession(ctx, taskID, agent, c.clock())
}

func (c *Coordinator) EndWorkSession(ctx context.Context, sessionID int64, notes *string, score *float64) (domain.WorkSession, error) {
	if err := domain.ValidateProductivityScore(score); err != nil {
		return domain.WorkSession{}, err
	}
	return c.store.EndWorkSession(ctx, sessionID, notes, score, c.clock())
}

// RecordMessageInput mirrors the record_message parameter bag (SPEC §4.3).
type RecordMessageInput struct {
	TaskCode    string
	Author      string
	Target      *string
	MessageType string
	Content     string
	ReplyTo     *int64
}

func (c *Coordinator) RecordMessage(ctx context.Context, in RecordMessageInput) (domain.TaskMessage, error) {
	if err := domain.ValidateAuthor(in.Author); err != nil {
		return domain.TaskMessage{}, err
	}
	if err := domain.ValidateMessageType(in.MessageType); err != nil {
		return domain.TaskMessage{}, err
	}
	if err := domain.ValidateContent(in.Content); err != nil {
		return domain.TaskMessage{}, err
	}
	return c.store.RecordMessage(ctx, in.TaskCode, in.Author, in.Target, in.MessageType, in.Content, in.ReplyTo, c.clock())
}

func (c *Coordinator) QueryMessages(ctx context.Context, taskCode string, filter domain.MessageFilter) ([]domain.TaskMessage, error) {
	return c.store.QueryMessages(ctx, taskCode, filter.Normalize())
}

// HealthCheck reports liveness by issuing a cheap store query, mirroring
// the teacher's TaskCounts-as-health-probe pattern.
func (c *Coordinator) HealthCheck(ctx context.Context) (database bool) {
	return c.store.Ping(ctx) == nil
}
