package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/basket/taskcoord/internal/domain"
)

const messageColumns = `id, task_code, author, target, message_type, content, reply_to_message_id, created_at`

func scanMessage(row interface{ Scan(...any) error }) (domain.TaskMessage, error) {
	var m domain.TaskMessage
	var target sql.NullString
	var replyTo sql.NullInt64
	var createdAt time.Time
	if err := row.Scan(&m.ID, &m.TaskCode, &m.Author, &target, &m.MessageType, &m.Content, &replyTo, &createdAt); err != nil {
		return domain.TaskMessage{}, err
	}
	m.CreatedAt = createdAt.UTC()
	if target.Valid {
		t := target.String
		m.Target = &t
	}
	if replyTo.Valid {
		r := replyTo.Int64
		m.ReplyToMessageID = &r
	}
	return m, nil
}

// RecordMessage inserts an append-only message, verifying task_code
// exists and, if reply_to is set, that the parent belongs to the same
// task_code (SPEC §3 invariant 5, §4.3). Both checks and the INSERT run
// in one transaction so a concurrent archive_task or reply-parent
// mutation cannot invalidate them mid-operation (SPEC §4.1, §4.3).
func (s *Store) RecordMessage(ctx context.Context, taskCode, author string, target *string, messageType, content string, replyTo *int64, now time.Time) (domain.TaskMessage, error) {
	var out domain.TaskMessage
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return domain.Wrap(domain.Database, "begin record message tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := getTaskByCode(ctx, tx, taskCode); err != nil {
			return err
		}
		if replyTo != nil {
			parent, err := getMessageByID(ctx, tx, *replyTo)
			if err != nil {
				return err
			}
			if parent.TaskCode != taskCode {
				return domain.NewErrorf(domain.Validation, "reply_to_message_id %d belongs to a different task", *replyTo)
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_message (task_code, author, target, message_type, content, reply_to_message_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, taskCode, author, target, messageType, content, replyTo, now.UTC())
		if err != nil {
			return domain.Wrap(domain.Database, "record message", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.Wrap(domain.Database, "read inserted message id", err)
		}
		out, err = getMessageByID(ctx, tx, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return out, err
}

func getMessageByID(ctx context.Context, q conn, id int64) (domain.TaskMessage, error) {
	row := q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM task_message WHERE id = ?;`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskMessage{}, domain.NewErrorf(domain.Validation, "reply_to_message_id %d does not exist", id)
	}
	if err != nil {
		return domain.TaskMessage{}, domain.Wrap(domain.Database, "get message by id", err)
	}
	return m, nil
}

// QueryMessages applies MessageFilter predicates with AND semantics,
// honoring the tri-valued target sentinel (SPEC §4.6, §9).
func (s *Store) QueryMessages(ctx context.Context, taskCode string, f domain.MessageFilter) ([]domain.TaskMessage, error) {
	f = f.Normalize()

	var b strings.Builder
	b.WriteString(`SELECT ` + messageColumns + ` FROM task_message WHERE task_code = ?`)
	args := []any{taskCode}

	if f.Author != nil {
		b.WriteString(` AND author = ?`)
		args = append(args, *f.Author)
	}
	if f.Target.Set() {
		if f.Target.Broadcast() {
			b.WriteString(` AND target IS NULL`)
		} else {
			b.WriteString(` AND target = ?`)
			args = append(args, f.Target.Agent())
		}
	}
	if f.MessageType != nil {
		b.WriteString(` AND message_type = ?`)
		args = append(args, *f.MessageType)
	}
	if f.ReplyTo != nil {
		b.WriteString(` AND reply_to_message_id = ?`)
		args = append(args, *f.ReplyTo)
	}
	b.WriteString(` ORDER BY created_at ASC, id ASC LIMIT ?;`)
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, domain.Wrap(domain.Database, "query messages", err)
	}
	defer rows.Close()

	var out []domain.TaskMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, domain.Wrap(domain.Database, "scan message", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
