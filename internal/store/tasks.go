package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/basket/taskcoord/internal/domain"
)

const taskColumns = `id, code, name, description, owner, state, created_at, done_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var owner sql.NullString
	var doneAt sql.NullTime
	var createdAt time.Time
	if err := row.Scan(&t.ID, &t.Code, &t.Name, &t.Description, &owner, &t.State, &createdAt, &doneAt); err != nil {
		return domain.Task{}, err
	}
	t.CreatedAt = createdAt.UTC()
	if owner.Valid {
		o := owner.String
		t.Owner = &o
	}
	if doneAt.Valid {
		d := doneAt.Time.UTC()
		t.DoneAt = &d
	}
	return t, nil
}

// getTaskByID reads a task over q, which may be the ambient *sql.DB or
// an in-flight *sql.Tx.
func getTaskByID(ctx context.Context, q conn, id int64) (domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.NewErrorf(domain.NotFound, "task %d not found", id)
	}
	if err != nil {
		return domain.Task{}, domain.Wrap(domain.Database, "get task by id", err)
	}
	return t, nil
}

func getTaskByCode(ctx context.Context, q conn, code string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task WHERE code = ?;`, code)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.NewErrorf(domain.NotFound, "task %q not found", code)
	}
	if err != nil {
		return domain.Task{}, domain.Wrap(domain.Database, "get task by code", err)
	}
	return t, nil
}

// InsertTask creates a task in TaskCreated state. owner may be nil.
func (s *Store) InsertTask(ctx context.Context, code, name, description string, owner *string, now time.Time) (domain.Task, error) {
	var out domain.Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return domain.Wrap(domain.Database, "begin insert task tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO task (code, name, description, owner, state, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, code, name, description, owner, domain.TaskCreated, now.UTC())
		if err != nil {
			return mapWriteErr(err, code)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.Wrap(domain.Database, "read inserted task id", err)
		}
		out, err = getTaskByID(ctx, tx, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return out, err
}

// GetTaskByID returns (Task{}, domain.NotFound) when no row exists — the
// Coordinator is responsible for distinguishing "fetch miss" (returns
// null, not an error) from "mutate miss" (returns NotFound) per SPEC §4.1.
func (s *Store) GetTaskByID(ctx context.Context, id int64) (domain.Task, error) {
	return getTaskByID(ctx, s.db, id)
}

func (s *Store) GetTaskByCode(ctx context.Context, code string) (domain.Task, error) {
	return getTaskByCode(ctx, s.db, code)
}

// UpdateTask applies a partial update. Passing nil for a field leaves it
// unchanged; the Coordinator enforces "at least one field present". The
// archived-state check and the write happen inside one transaction so a
// concurrent archive_task cannot slip in between the check and the
// UPDATE (SPEC §4.1, §4.3).
func (s *Store) UpdateTask(ctx context.Context, id int64, name, description, owner *string, ownerSet bool) (domain.Task, error) {
	var out domain.Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return domain.Wrap(domain.Database, "begin update task tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := getTaskByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing.State == domain.TaskArchived {
			return domain.NewError(domain.Validation, "cannot update an archived task")
		}
		if name == nil {
			name = &existing.Name
		}
		if description == nil {
			description = &existing.Description
		}
		if !ownerSet {
			owner = existing.Owner
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE task SET name = ?, description = ?, owner = ? WHERE id = ? AND state != ?;
		`, *name, *description, owner, id, domain.TaskArchived)
		if err != nil {
			return domain.Wrap(domain.Database, "update task", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.NewError(domain.Validation, "cannot update an archived task")
		}
		out, err = getTaskByID(ctx, tx, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return out, err
}

// SetTaskState validates the transition against the domain state machine
// (the Coordinator only checks that next is a known state), refuses
// Archived as a target (that is ArchiveTask's job), then writes the new
// state, stamping done_at iff moving into TaskDone (SPEC §3 invariant 2).
// The check and the write are one transaction so a concurrent mutation
// cannot invalidate the transition between them (SPEC §4.1, §4.3, §5).
func (s *Store) SetTaskState(ctx context.Context, id int64, next domain.TaskState, now time.Time) (domain.Task, error) {
	var out domain.Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return domain.Wrap(domain.Database, "begin set task state tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := getTaskByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if next == domain.TaskArchived || !existing.State.CanTransitionTo(next) {
			return domain.NewErrorf(domain.InvalidStateTransition, "cannot transition from %s to %s", existing.State, next).
				WithData(map[string]any{"from_state": string(existing.State), "to_state": string(next)})
		}
		var doneAt any
		if next == domain.TaskDone {
			doneAt = now.UTC()
		} else {
			doneAt = existing.DoneAt
		}
		res, err := tx.ExecContext(ctx, `UPDATE task SET state = ?, done_at = ? WHERE id = ? AND state = ?;`,
			next, doneAt, id, existing.State)
		if err != nil {
			return domain.Wrap(domain.Database, "set task state", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.NewErrorf(domain.InvalidStateTransition, "cannot transition from %s to %s", existing.State, next).
				WithData(map[string]any{"from_state": string(existing.State), "to_state": string(next)})
		}
		out, err = getTaskByID(ctx, tx, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return out, err
}

// AssignTask overwrites owner unconditionally, regardless of current
// owner (SPEC §4.3, distinct from the atomic ClaimTask path). The
// archived-state check and the write are one transaction (SPEC §4.1).
func (s *Store) AssignTask(ctx context.Context, id int64, newOwner string) (domain.Task, error) {
	var out domain.Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return domain.Wrap(domain.Database, "begin assign task tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := getTaskByID(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE task SET owner = ? WHERE id = ? AND state != ?;`, newOwner, id, domain.TaskArchived)
		if err != nil {
			return domain.Wrap(domain.Database, "assign task", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.NewError(domain.Validation, "cannot assign an archived task")
		}
		out, err = getTaskByID(ctx, tx, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return out, err
}

// ClaimTask is the single conditional UPDATE that makes claiming atomic
// (SPEC §4.3, §5). Zero rows affected means the race was lost. No
// preceding SELECT is needed: the WHERE clause itself is the check, so
// there is nothing for a second writer to race between.
func (s *Store) ClaimTask(ctx context.Context, id int64, agent string) (domain.Task, error) {
	var out domain.Task
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task SET owner = ? WHERE id = ? AND owner IS NULL AND state != ?;
		`, agent, id, domain.TaskArchived)
		if err != nil {
			return domain.Wrap(domain.Database, "claim task", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return domain.Wrap(domain.Database, "read claim rows affected", err)
		}
		if n == 0 {
			return domain.NewErrorf(domain.ClaimConflict, "task %d is not claimable", id).WithData(map[string]any{"task_id": id})
		}
		out, err = s.GetTaskByID(ctx, id)
		return err
	})
	return out, err
}

// ReleaseTask clears owner iff it currently equals agent. Like
// ClaimTask, the WHERE clause is itself the check, so a single
// conditional UPDATE is already race-free without a transaction.
func (s *Store) ReleaseTask(ctx context.Context, id int64, agent string) (domain.Task, error) {
	var out domain.Task
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task SET owner = NULL WHERE id = ? AND owner = ?;
		`, id, agent)
		if err != nil {
			return domain.Wrap(domain.Database, "release task", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return domain.Wrap(domain.Database, "read release rows affected", err)
		}
		if n == 0 {
			return domain.NewErrorf(domain.NotOwner, "agent %q does not own task %d", agent, id)
		}
		out, err = s.GetTaskByID(ctx, id)
		return err
	})
	return out, err
}

// ArchiveTask enforces "current state must be Done" before writing
// Archived. The Done check and the state write happen inside one
// transaction: archive_task is logically one multi-step operation, not
// two independent store calls (SPEC §4.1, §4.3).
func (s *Store) ArchiveTask(ctx context.Context, id int64, now time.Time) (domain.Task, error) {
	var out domain.Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return domain.Wrap(domain.Database, "begin archive task tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := getTaskByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing.State != domain.TaskDone {
			return domain.NewErrorf(domain.InvalidStateTransition, "cannot archive task not in Done state (current: %s)", existing.State).
				WithData(map[string]any{"from_state": string(existing.State), "to_state": string(domain.TaskArchived)})
		}
		res, err := tx.ExecContext(ctx, `UPDATE task SET state = ? WHERE id = ? AND state = ?;`, domain.TaskArchived, id, domain.TaskDone)
		if err != nil {
			return domain.Wrap(domain.Database, "archive task", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.NewErrorf(domain.InvalidStateTransition, "cannot archive task not in Done state (current: %s)", existing.State).
				WithData(map[string]any{"from_state": string(existing.State), "to_state": string(domain.TaskArchived)})
		}
		out, err = getTaskByID(ctx, tx, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return out, err
}

// DiscoverWork returns unassigned tasks in Created, Blocked or Review,
// ordered by (created_at, id) for fair hand-out (SPEC §4.3).
func (s *Store) DiscoverWork(ctx context.Context, maxTasks int) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM task
		WHERE owner IS NULL AND state IN (?, ?, ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, domain.TaskCreated, domain.TaskBlocked, domain.TaskReview, maxTasks)
	if err != nil {
		return nil, domain.Wrap(domain.Database, "discover work", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, domain.Wrap(domain.Database, "scan discovered task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasks applies TaskFilter predicates with AND semantics (SPEC §4.2).
func (s *Store) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	f = f.Normalize()

	var b strings.Builder
	b.WriteString(`SELECT ` + taskColumns + ` FROM task WHERE 1=1`)
	var args []any

	if f.Owner != nil {
		b.WriteString(` AND owner = ?`)
		args = append(args, *f.Owner)
	}
	if f.State != nil {
		b.WriteString(` AND state = ?`)
		args = append(args, *f.State)
	}
	if f.CreatedAfter != nil {
		b.WriteString(` AND created_at > ?`)
		args = append(args, f.CreatedAfter.UTC())
	}
	if f.CreatedBefore != nil {
		b.WriteString(` AND created_at < ?`)
		args = append(args, f.CreatedBefore.UTC())
	}
	if f.CompletedAfter != nil {
		b.WriteString(` AND done_at > ?`)
		args = append(args, f.CompletedAfter.UTC())
	}
	if f.CompletedBefore != nil {
		b.WriteString(` AND done_at < ?`)
		args = append(args, f.CompletedBefore.UTC())
	}
	b.WriteString(` ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?;`)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, domain.Wrap(domain.Database, "list tasks", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, domain.Wrap(domain.Database, "scan listed task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
