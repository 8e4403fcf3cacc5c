package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/taskcoord/internal/coordinator"
	"github.com/basket/taskcoord/internal/domain"
)

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(rfc3339Milli) }

func parseTimeField(s string) (*time.Time, *RPCError) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, newRPCError(CodeInvalidParams, "invalid RFC3339 timestamp: "+s)
	}
	t = t.UTC()
	return &t, nil
}

// taskView is the wire shape for domain.Task; done_at/owner are nil-able.
type taskView struct {
	ID          int64   `json:"id"`
	Code        string  `json:"code"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Owner       *string `json:"owner"`
	State       string  `json:"state"`
	CreatedAt   string  `json:"created_at"`
	DoneAt      *string `json:"done_at,omitempty"`
}

func toTaskView(t domain.Task) taskView {
	v := taskView{
		ID: t.ID, Code: t.Code, Name: t.Name, Description: t.Description,
		Owner: t.Owner, State: string(t.State), CreatedAt: formatTime(t.CreatedAt),
	}
	if t.DoneAt != nil {
		s := formatTime(*t.DoneAt)
		v.DoneAt = &s
	}
	return v
}

type sessionView struct {
	ID                int64    `json:"id"`
	TaskID            int64    `json:"task_id"`
	Agent             string   `json:"agent"`
	StartedAt         string   `json:"started_at"`
	EndedAt           *string  `json:"ended_at,omitempty"`
	Notes             *string  `json:"notes,omitempty"`
	ProductivityScore *float64 `json:"productivity_score,omitempty"`
}

func toSessionView(s domain.WorkSession) sessionView {
	v := sessionView{
		ID: s.ID, TaskID: s.TaskID, Agent: s.Agent, StartedAt: formatTime(s.StartedAt),
		Notes: s.Notes, ProductivityScore: s.ProductivityScore,
	}
	if s.EndedAt != nil {
		e := formatTime(*s.EndedAt)
		v.EndedAt = &e
	}
	return v
}

type messageView struct {
	ID               int64   `json:"id"`
	TaskCode         string  `json:"task_code"`
	Author           string  `json:"author"`
	Target           *string `json:"target"`
	MessageType      string  `json:"message_type"`
	Content          string  `json:"content"`
	ReplyToMessageID *int64  `json:"reply_to_message_id,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

func toMessageView(m domain.TaskMessage) messageView {
	return messageView{
		ID: m.ID, TaskCode: m.TaskCode, Author: m.Author, Target: m.Target,
		MessageType: m.MessageType, Content: m.Content,
		ReplyToMessageID: m.ReplyToMessageID, CreatedAt: formatTime(m.CreatedAt),
	}
}

func handleCreateTask(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var p struct {
		Code        string  `json:"code"`
		Name        string  `json:"name"`
		Description string  `json:"description"`
		Owner       *string `json:"owner_agent_name"`
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	t, err := d.coord.CreateTask(ctx, p.Code, p.Name, p.Description, p.Owner)
	if err != nil {
		return nil, mapDomainError(err)
	}
	return toTaskView(t), nil
}

func handleUpdateTask(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var p struct {
		ID          int64   `json:"id"`
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Owner       *string `json:"owner_agent_name"`
	}
	var probe map[string]json.RawMessage
	if rerr := decodeParams(raw, &probe); rerr != nil {
		return nil, rerr
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	_, ownerSet := probe["owner_agent_name"]

	t, err := d.coord.UpdateTask(ctx, p.ID, coordinator.TaskUpdate{
		Name: p.Name, Description: p.Description, Owner: p.Owner, OwnerSet: ownerSet,
	})
	if err != nil {
		return nil, mapDomainError(err)
	}
	return toTaskView(t), nil
}

func handleSetTaskState(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var p struct {
		ID    int64  `json:"id"`
		State string `json:"state"`
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	t, err := d.coord.SetTaskState(ctx, p.ID, domain.TaskState(p.State))
	if err != nil {
		return nil, mapDomainError(err)
	}
	return toTaskView(t), nil
}

func handleGetTaskByID(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var p struct {
		ID int64 `json:"id"`
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	t, ok, err := d.coord.GetTaskByID(ctx, p.ID)
	if err != nil {
		return nil, mapDomainError(err)
	}
	if !ok {
		return nil, nil
	}
	return toTaskView(t), nil
}

func handleGetTaskByCode(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var p struct {
		Code string `json:"code"`
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	t, ok, err := d.coord.GetTaskByCode(ctx, p.Code)
	if err != nil {
		return nil, mapDomainError(err)
	}
	if !ok {
		return nil, nil
	}
	return toTaskView(t), nil
}

func handleListTasks(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var p struct {
		Owner           *string `json:"owner"`
		State           *string `json:"state"`
		CreatedAfter    string  `json:"created_after"`
		CreatedBefore   string  `json:"created_before"`
		CompletedAfter  string  `json:"completed_after"`
		CompletedBefore string  `json:"completed_before"`
		Limit           int     `json:"limit"`
		Offset          int     `json:"offset"`
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}

	filter := domain.TaskFilter{Owner: p.Owner, Limit: p.Limit, Offset: p.Offset}
	if p.State != nil {
		st := domain.TaskState(*p.State)
		filter.State = &st
	}
	for _, pair := range []struct {
		s   string
		dst **time.Time
	}{
		{p.CreatedAfter, &filter.CreatedAfter},
		{p.CreatedBefore, &filter.CreatedBefore},
		{p.CompletedAfter, &filter.CompletedAfter},
		{p.CompletedBefore, &filter.CompletedBefore},
	} {
		t, rerr := parseTimeField(pair.s)
		if rerr != nil {
			return nil, rerr
		}
		*pair.dst = t
	}

	tasks, err := d.coord.ListTasks(ctx, filter)
	if err != nil {
		return nil, mapDomainError(err)
	}
	views := make([]taskView, len(tasks))
	for i, t := range tasks {
		views[i] = toTaskView(t)
	}
	return views, nil
}

func handleAssignTask(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var p struct {
		ID       int64  `json:"id"`
		NewOwner string `json:"new_owner"`
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	t, err := d.coord.AssignTask(ctx, p.ID, p.NewOwner)
	if err != nil {
		return nil, mapDomainError(err)
	}
	return toTaskView(t), nil
}

func handleArchiveTask(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var p struct {
		ID int64 `json:"id"`
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	t, err := d.coord.ArchiveTask(ctx, p.ID)
	if err != nil {
		return nil, mapDomainError(err)
	}
	return toTaskView(t), nil
}

func handleDiscoverWork(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var p struct {
		Agent        string   `json:"agent_name"`
		Capabilities []string `json:"capabilities"`
		MaxTasks     int      `json:"max_tasks"`
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	tasks, err := d.coord.DiscoverWork(ctx, p.Agent, p.Capabilities, p.MaxTasks)
	if err != nil {
		return nil, mapDomainError(err)
	}
	views := make([]taskView, len(tasks))
	for i, t := range tasks {
		views[i] = toTaskView(t)
	}
	return views, nil
}

func handleClaimTask(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var p struct {
		TaskID int64  `json:"task_id"`
		Agent  string `json:"agent_name"`
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	t, err := d.coord.ClaimTask(ctx, p.TaskID, p.Agent)
	if err != nil {
		return nil, mapDomainError(err)
	}
	return toTaskView(t), nil
}

func handleReleaseTask(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var p struct {
		TaskID int64  `json:"task_id"`
		Agent  string `json:"agent_name"`
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	t, err := d.coord.ReleaseTask(ctx, p.TaskID, p.Agent)
	if err != nil {
		return nil, mapDomainError(err)
	}
	return toTaskView(t), nil
}

func handleStartWorkSession(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var p struct {
		TaskID int64  `json:"task_id"`
		Agent  string `json:"agent_name"`
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	s, err := d.coord.StartWorkSession(ctx, p.TaskID, p.Agent)
	if err != nil {
		return nil, mapDomainError(err)
	}
	return struct {
		SessionID int64  `json:"session_id"`
		StartedAt string `json:"started_at"`
	}{SessionID: s.ID, StartedAt: formatTime(s.StartedAt)}, nil
}

func handleEndWorkSession(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var p struct {
		SessionID         int64    `json:"session_id"`
		Notes             *string  `json:"notes"`
		ProductivityScore *float64 `json:"productivity_score"`
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	s, err := d.coord.EndWorkSession(ctx, p.SessionID, p.Notes, p.ProductivityScore)
	if err != nil {
		return nil, mapDomainError(err)
	}
	return toSessionView(s), nil
}

func handleCreateTaskMessage(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var p struct {
		TaskCode    string  `json:"task_code"`
		Author      string  `json:"author_agent_name"`
		Target      *string `json:"target_agent_name"`
		MessageType string  `json:"message_type"`
		Content     string  `json:"content"`
		ReplyTo     *int64  `json:"reply_to_message_id"`
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}
	m, err := d.coord.RecordMessage(ctx, coordinator.RecordMessageInput{
		TaskCode: p.TaskCode, Author: p.Author, Target: p.Target,
		MessageType: p.MessageType, Content: p.Content, ReplyTo: p.ReplyTo,
	})
	if err != nil {
		return nil, mapDomainError(err)
	}
	return toMessageView(m), nil
}

func handleGetTaskMessages(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	var probe map[string]json.RawMessage
	if rerr := decodeParams(raw, &probe); rerr != nil {
		return nil, rerr
	}
	var p struct {
		TaskCode    string  `json:"task_code"`
		Author      *string `json:"author_agent_name"`
		Target      *string `json:"target_agent_name"`
		MessageType *string `json:"message_type"`
		ReplyTo     *int64  `json:"reply_to_message_id"`
		Limit       int     `json:"limit"`
	}
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}

	filter := domain.MessageFilter{Author: p.Author, MessageType: p.MessageType, ReplyTo: p.ReplyTo, Limit: p.Limit}
	if _, ok := probe["target_agent_name"]; ok {
		if p.Target == nil {
			filter.Target = domain.TargetBroadcast()
		} else {
			filter.Target = domain.TargetNamed(*p.Target)
		}
	}

	messages, err := d.coord.QueryMessages(ctx, p.TaskCode, filter)
	if err != nil {
		return nil, mapDomainError(err)
	}
	views := make([]messageView, len(messages))
	for i, m := range messages {
		views[i] = toMessageView(m)
	}
	return views, nil
}

// ServerVersion is reported by health_check; set at build time in a
// real release, a fixed literal here since no release pipeline exists
// in this repo.
const ServerVersion = "1.0.0"

func handleHealthCheck(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError) {
	healthy := d.coord.HealthCheck(ctx)
	status := "ok"
	if !healthy {
		status = "degraded"
	}
	return struct {
		Status    string `json:"status"`
		Version   string `json:"version"`
		Database  bool   `json:"database"`
		Timestamp string `json:"timestamp"`
	}{Status: status, Version: ServerVersion, Database: healthy, Timestamp: formatTime(d.now())}, nil
}
