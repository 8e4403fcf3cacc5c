package dispatcher_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/basket/taskcoord/internal/coordinator"
	"github.com/basket/taskcoord/internal/dispatcher"
	"github.com/basket/taskcoord/internal/store"
)

func newTestDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "taskcoord.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return dispatcher.New(coordinator.New(s))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return b
}

func TestDispatch_UnknownMethod(t *testing.T) {
	d := newTestDispatcher(t)
	_, rerr := d.Dispatch(context.Background(), "no_such_method", nil)
	if rerr == nil || rerr.Code != dispatcher.CodeMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", rerr)
	}
}

func TestDispatch_CreateTask_MissingRequiredField(t *testing.T) {
	d := newTestDispatcher(t)
	params := mustJSON(t, map[string]string{"name": "missing code"})
	_, rerr := d.Dispatch(context.Background(), "create_task", params)
	if rerr == nil || rerr.Code != dispatcher.CodeInvalidParams {
		t.Fatalf("expected InvalidParams, got %+v", rerr)
	}
}

func TestDispatch_CreateTaskThenGetByID(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	params := mustJSON(t, map[string]any{"code": "X-1", "name": "do the thing"})
	result, rerr := d.Dispatch(ctx, "create_task", params)
	if rerr != nil {
		t.Fatalf("create_task: %+v", rerr)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal create_task result: %v", err)
	}
	var decoded struct {
		ID   int64  `json:"id"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal create_task result: %v", err)
	}
	if decoded.Code != "X-1" {
		t.Fatalf("expected code X-1, got %q", decoded.Code)
	}

	getParams := mustJSON(t, map[string]int64{"id": decoded.ID})
	fetched, rerr := d.Dispatch(ctx, "get_task_by_id", getParams)
	if rerr != nil {
		t.Fatalf("get_task_by_id: %+v", rerr)
	}
	if fetched == nil {
		t.Fatalf("expected a task, got nil")
	}
}

func TestDispatch_GetTaskByID_MissIsNullNotError(t *testing.T) {
	d := newTestDispatcher(t)
	params := mustJSON(t, map[string]int64{"id": 99999})
	result, rerr := d.Dispatch(context.Background(), "get_task_by_id", params)
	if rerr != nil {
		t.Fatalf("expected no error on miss, got %+v", rerr)
	}
	if result != nil {
		t.Fatalf("expected nil result on miss, got %+v", result)
	}
}

func TestDispatch_DuplicateCodeMapsToApplicationConflict(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	params := mustJSON(t, map[string]any{"code": "DUP", "name": "first"})
	if _, rerr := d.Dispatch(ctx, "create_task", params); rerr != nil {
		t.Fatalf("first create_task: %+v", rerr)
	}
	_, rerr := d.Dispatch(ctx, "create_task", params)
	if rerr == nil || rerr.Code != dispatcher.CodeDuplicateCode {
		t.Fatalf("expected DuplicateCode mapping, got %+v", rerr)
	}
}

func TestDispatch_SetTaskState_InvalidTransitionMapsToConflict(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	createParams := mustJSON(t, map[string]any{"code": "X-1", "name": "n"})
	result, rerr := d.Dispatch(ctx, "create_task", createParams)
	if rerr != nil {
		t.Fatalf("create_task: %+v", rerr)
	}
	raw, _ := json.Marshal(result)
	var decoded struct {
		ID int64 `json:"id"`
	}
	_ = json.Unmarshal(raw, &decoded)

	stateParams := mustJSON(t, map[string]any{"id": decoded.ID, "state": "Archived"})
	_, rerr = d.Dispatch(ctx, "set_task_state", stateParams)
	if rerr == nil || rerr.Code != dispatcher.CodeInvalidStateTransition {
		t.Fatalf("expected InvalidStateTransition mapping, got %+v", rerr)
	}
}

func TestDispatch_HealthCheck(t *testing.T) {
	d := newTestDispatcher(t)
	result, rerr := d.Dispatch(context.Background(), "health_check", nil)
	if rerr != nil {
		t.Fatalf("health_check: %+v", rerr)
	}
	raw, _ := json.Marshal(result)
	var decoded struct {
		Status   string `json:"status"`
		Database bool   `json:"database"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal health_check result: %v", err)
	}
	if decoded.Status != "ok" || !decoded.Database {
		t.Fatalf("expected healthy status, got %+v", decoded)
	}
}

func TestDispatch_GetTaskMessages_BroadcastOnlyFilter(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	createParams := mustJSON(t, map[string]any{"code": "MSG-1", "name": "n"})
	if _, rerr := d.Dispatch(ctx, "create_task", createParams); rerr != nil {
		t.Fatalf("create_task: %+v", rerr)
	}

	targeted := mustJSON(t, map[string]any{
		"task_code": "MSG-1", "author_agent_name": "alice", "target_agent_name": "bob",
		"message_type": "note", "content": "for bob only",
	})
	if _, rerr := d.Dispatch(ctx, "create_task_message", targeted); rerr != nil {
		t.Fatalf("create_task_message (targeted): %+v", rerr)
	}
	broadcast := mustJSON(t, map[string]any{
		"task_code": "MSG-1", "author_agent_name": "alice",
		"message_type": "note", "content": "for everyone",
	})
	if _, rerr := d.Dispatch(ctx, "create_task_message", broadcast); rerr != nil {
		t.Fatalf("create_task_message (broadcast): %+v", rerr)
	}

	// target_agent_name explicitly null selects broadcast-only messages.
	nullTarget := json.RawMessage(`{"task_code": "MSG-1", "target_agent_name": null}`)
	result, rerr := d.Dispatch(ctx, "get_task_messages", nullTarget)
	if rerr != nil {
		t.Fatalf("get_task_messages (null target): %+v", rerr)
	}
	raw, _ := json.Marshal(result)
	var broadcastOnly []struct {
		Content string  `json:"content"`
		Target  *string `json:"target"`
	}
	if err := json.Unmarshal(raw, &broadcastOnly); err != nil {
		t.Fatalf("unmarshal get_task_messages result: %v", err)
	}
	if len(broadcastOnly) != 1 || broadcastOnly[0].Target != nil || broadcastOnly[0].Content != "for everyone" {
		t.Fatalf("expected exactly the one broadcast message, got %+v", broadcastOnly)
	}

	// Omitting target_agent_name entirely applies no target filter.
	allParams := mustJSON(t, map[string]any{"task_code": "MSG-1"})
	result, rerr = d.Dispatch(ctx, "get_task_messages", allParams)
	if rerr != nil {
		t.Fatalf("get_task_messages (no filter): %+v", rerr)
	}
	raw, _ = json.Marshal(result)
	var all []struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &all); err != nil {
		t.Fatalf("unmarshal get_task_messages result: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both messages with no target filter, got %+v", all)
	}
}

func TestKnownMethod(t *testing.T) {
	if !dispatcher.KnownMethod("create_task") {
		t.Fatalf("expected create_task to be known")
	}
	if dispatcher.KnownMethod("delete_everything") {
		t.Fatalf("expected unknown method to report false")
	}
}
