package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/basket/taskcoord/internal/domain"
)

const sessionColumns = `id, task_id, agent, started_at, ended_at, notes, productivity_score`

func scanSession(row interface{ Scan(...any) error }) (domain.WorkSession, error) {
	var ws domain.WorkSession
	var startedAt time.Time
	var endedAt sql.NullTime
	var notes sql.NullString
	var score sql.NullFloat64
	if err := row.Scan(&ws.ID, &ws.TaskID, &ws.Agent, &startedAt, &endedAt, &notes, &score); err != nil {
		return domain.WorkSession{}, err
	}
	ws.StartedAt = startedAt.UTC()
	if endedAt.Valid {
		e := endedAt.Time.UTC()
		ws.EndedAt = &e
	}
	if notes.Valid {
		n := notes.String
		ws.Notes = &n
	}
	if score.Valid {
		sc := score.Float64
		ws.ProductivityScore = &sc
	}
	return ws, nil
}

func getWorkSession(ctx context.Context, q conn, id int64) (domain.WorkSession, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM work_session WHERE id = ?;`, id)
	ws, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkSession{}, domain.NewErrorf(domain.NotFound, "work session %d not found", id)
	}
	if err != nil {
		return domain.WorkSession{}, domain.Wrap(domain.Database, "get work session", err)
	}
	return ws, nil
}

// StartWorkSession opens a session. The partial unique index
// idx_work_session_open enforces "at most one open session per
// (task, agent)" (SPEC §3 invariant 4); a violation maps to Conflict.
// An archived task is rejected with Validation. The task check and the
// INSERT run in one transaction so a concurrent archive_task cannot slip
// in between them (SPEC §4.1, §4.3).
func (s *Store) StartWorkSession(ctx context.Context, taskID int64, agent string, now time.Time) (domain.WorkSession, error) {
	var out domain.WorkSession
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return domain.Wrap(domain.Database, "begin start work session tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := getTaskByID(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.State == domain.TaskArchived {
			return domain.NewErrorf(domain.Validation, "cannot start a work session on archived task %d", taskID)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO work_session (task_id, agent, started_at) VALUES (?, ?, ?);
		`, taskID, agent, now.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return domain.NewErrorf(domain.Conflict, "agent %q already has an open session on task %d", agent, taskID)
			}
			return domain.Wrap(domain.Database, "start work session", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.Wrap(domain.Database, "read inserted session id", err)
		}
		out, err = getWorkSession(ctx, tx, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return out, err
}

func (s *Store) GetWorkSession(ctx context.Context, id int64) (domain.WorkSession, error) {
	return getWorkSession(ctx, s.db, id)
}

// EndWorkSession closes an open session, rejecting a session that is
// already closed with Validation per SPEC §4.3. The open-check and the
// write happen in one transaction so a concurrent end_work_session call
// cannot double-close the same session (SPEC §4.1, §4.3, §5).
func (s *Store) EndWorkSession(ctx context.Context, id int64, notes *string, score *float64, now time.Time) (domain.WorkSession, error) {
	var out domain.WorkSession
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return domain.Wrap(domain.Database, "begin end work session tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := getWorkSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if !existing.Open() {
			return domain.NewErrorf(domain.Validation, "work session %d is already closed", id)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE work_session SET ended_at = ?, notes = ?, productivity_score = ? WHERE id = ? AND ended_at IS NULL;
		`, now.UTC(), notes, score, id)
		if err != nil {
			return domain.Wrap(domain.Database, "end work session", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.NewErrorf(domain.Validation, "work session %d is already closed", id)
		}
		out, err = getWorkSession(ctx, tx, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return out, err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
