package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskcoord/internal/domain"
	"github.com/basket/taskcoord/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskcoord.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func queryOneString(t *testing.T, s *store.Store, q string) string {
	t.Helper()
	var out string
	if err := s.DB().QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestOpen_ConfiguresWALAndSchema(t *testing.T) {
	s := openTestStore(t)

	if journal := queryOneString(t, s, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	requiredTables := []string{"schema_migrations", "task", "task_message", "work_session"}
	for _, table := range requiredTables {
		var got string
		if err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestOpen_RejectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskcoord.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=1;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err = store.Open(dbPath)
	if err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}

func TestInsertAndGetTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.InsertTask(ctx, "X-1", "a task", "desc", nil, time.Now())
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if created.State != domain.TaskCreated {
		t.Fatalf("expected state Created, got %s", created.State)
	}
	if created.Owner != nil {
		t.Fatalf("expected nil owner, got %v", *created.Owner)
	}

	got, err := s.GetTaskByCode(ctx, "X-1")
	if err != nil {
		t.Fatalf("get by code: %v", err)
	}
	if got.ID != created.ID || got.Name != "a task" {
		t.Fatalf("round trip mismatch: %+v vs %+v", created, got)
	}
}

func TestInsertTask_DuplicateCode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertTask(ctx, "X-1", "a", "b", nil, time.Now()); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	_, err := s.InsertTask(ctx, "X-1", "a2", "b2", nil, time.Now())
	if !domain.Is(err, domain.DuplicateCode) {
		t.Fatalf("expected DuplicateCode, got %v", err)
	}
}

func TestGetTaskByID_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetTaskByID(context.Background(), 999)
	if !domain.Is(err, domain.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSetTaskState_RejectsIllegalTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.InsertTask(ctx, "X-1", "a", "b", nil, time.Now())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = s.SetTaskState(ctx, task.ID, domain.TaskArchived, time.Now())
	if !domain.Is(err, domain.InvalidStateTransition) {
		t.Fatalf("expected InvalidStateTransition, got %v", err)
	}
}

func TestSetTaskState_StampsDoneAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.InsertTask(ctx, "X-1", "a", "b", nil, time.Now())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	task, err = s.SetTaskState(ctx, task.ID, domain.TaskInProgress, time.Now())
	if err != nil {
		t.Fatalf("to in-progress: %v", err)
	}
	task, err = s.SetTaskState(ctx, task.ID, domain.TaskDone, time.Now())
	if err != nil {
		t.Fatalf("to done: %v", err)
	}
	if task.DoneAt == nil {
		t.Fatalf("expected done_at to be set")
	}
}

func TestArchiveTask_RequiresDoneState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.InsertTask(ctx, "X-1", "a", "b", nil, time.Now())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = s.ArchiveTask(ctx, task.ID, time.Now())
	if !domain.Is(err, domain.InvalidStateTransition) {
		t.Fatalf("expected InvalidStateTransition archiving a Created task, got %v", err)
	}
}

func TestClaimTask_ConcurrentRaceHasExactlyOneWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.InsertTask(ctx, "X-1", "race", "", nil, time.Now())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	const racers = 10
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		agent := "agent"
		go func(i int) {
			_, err := s.ClaimTask(ctx, task.ID, agent)
			results <- err
		}(i)
	}

	var winners, conflicts int
	for i := 0; i < racers; i++ {
		err := <-results
		switch {
		case err == nil:
			winners++
		case domain.Is(err, domain.ClaimConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
	if conflicts != racers-1 {
		t.Fatalf("expected %d conflicts, got %d", racers-1, conflicts)
	}
}

func TestClaimTask_ArchivedIsNotClaimable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.InsertTask(ctx, "X-1", "a", "b", nil, time.Now())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.SetTaskState(ctx, task.ID, domain.TaskInProgress, time.Now()); err != nil {
		t.Fatalf("to in-progress: %v", err)
	}
	if _, err := s.SetTaskState(ctx, task.ID, domain.TaskDone, time.Now()); err != nil {
		t.Fatalf("to done: %v", err)
	}
	if _, err := s.ArchiveTask(ctx, task.ID, time.Now()); err != nil {
		t.Fatalf("archive: %v", err)
	}
	_, err = s.ClaimTask(ctx, task.ID, "alice")
	if !domain.Is(err, domain.ClaimConflict) {
		t.Fatalf("expected ClaimConflict (not NotFound) on archived task, got %v", err)
	}
}

func TestReleaseTask_RejectsWrongAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.InsertTask(ctx, "X-1", "a", "b", nil, time.Now())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.ClaimTask(ctx, task.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = s.ReleaseTask(ctx, task.ID, "bob")
	if !domain.Is(err, domain.NotOwner) {
		t.Fatalf("expected NotOwner, got %v", err)
	}
}

func TestDiscoverWork_OrdersByCreatedAtThenID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	if _, err := s.InsertTask(ctx, "X-2", "second", "", nil, base.Add(time.Second)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertTask(ctx, "X-1", "first", "", nil, base); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tasks, err := s.DiscoverWork(ctx, 10)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(tasks) != 2 || tasks[0].Code != "X-1" || tasks[1].Code != "X-2" {
		t.Fatalf("expected X-1 then X-2, got %+v", tasks)
	}
}

func TestDiscoverWork_ExcludesOwnedAndArchived(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	owned := "alice"
	if _, err := s.InsertTask(ctx, "X-1", "owned", "", &owned, time.Now()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	task, err := s.InsertTask(ctx, "X-2", "archivable", "", nil, time.Now())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.SetTaskState(ctx, task.ID, domain.TaskInProgress, time.Now()); err != nil {
		t.Fatalf("to in-progress: %v", err)
	}
	if _, err := s.SetTaskState(ctx, task.ID, domain.TaskDone, time.Now()); err != nil {
		t.Fatalf("to done: %v", err)
	}
	if _, err := s.ArchiveTask(ctx, task.ID, time.Now()); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := s.InsertTask(ctx, "X-3", "claimable", "", nil, time.Now()); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tasks, err := s.DiscoverWork(ctx, 10)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Code != "X-3" {
		t.Fatalf("expected only X-3, got %+v", tasks)
	}
}

func TestWorkSession_OnlyOneOpenPerTaskAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.InsertTask(ctx, "X-1", "a", "b", nil, time.Now())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.StartWorkSession(ctx, task.ID, "alice", time.Now()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	_, err = s.StartWorkSession(ctx, task.ID, "alice", time.Now())
	if !domain.Is(err, domain.Conflict) {
		t.Fatalf("expected Conflict on second open session, got %v", err)
	}
}

func TestWorkSession_EndTwiceFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.InsertTask(ctx, "X-1", "a", "b", nil, time.Now())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	session, err := s.StartWorkSession(ctx, task.ID, "alice", time.Now())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	score := 0.8
	if _, err := s.EndWorkSession(ctx, session.ID, nil, &score, time.Now()); err != nil {
		t.Fatalf("end session: %v", err)
	}
	_, err = s.EndWorkSession(ctx, session.ID, nil, nil, time.Now())
	if !domain.Is(err, domain.Validation) {
		t.Fatalf("expected Validation ending a closed session, got %v", err)
	}
}

func TestMessages_ReplyMustShareTaskCode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertTask(ctx, "X-1", "a", "b", nil, time.Now()); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if _, err := s.InsertTask(ctx, "Y-1", "c", "d", nil, time.Now()); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	target := "bob"
	msg, err := s.RecordMessage(ctx, "X-1", "alice", &target, "handoff", "please pick up", nil, time.Now())
	if err != nil {
		t.Fatalf("record message: %v", err)
	}

	if _, err := s.RecordMessage(ctx, "X-1", "bob", nil, "ack", "on it", &msg.ID, time.Now()); err != nil {
		t.Fatalf("reply on same task: %v", err)
	}

	_, err = s.RecordMessage(ctx, "Y-1", "bob", nil, "ack", "on it", &msg.ID, time.Now())
	if !domain.Is(err, domain.Validation) {
		t.Fatalf("expected Validation for cross-task reply, got %v", err)
	}
}

func TestQueryMessages_TargetSentinel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertTask(ctx, "X-1", "a", "b", nil, time.Now()); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	bob := "bob"
	if _, err := s.RecordMessage(ctx, "X-1", "alice", &bob, "handoff", "to bob", nil, time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := s.RecordMessage(ctx, "X-1", "alice", nil, "note", "broadcast", nil, time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}

	any, err := s.QueryMessages(ctx, "X-1", domain.MessageFilter{})
	if err != nil {
		t.Fatalf("query any: %v", err)
	}
	if len(any) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(any))
	}

	broadcastOnly, err := s.QueryMessages(ctx, "X-1", domain.MessageFilter{Target: domain.TargetBroadcast()})
	if err != nil {
		t.Fatalf("query broadcast: %v", err)
	}
	if len(broadcastOnly) != 1 || broadcastOnly[0].Target != nil {
		t.Fatalf("expected 1 broadcast message, got %+v", broadcastOnly)
	}

	namedOnly, err := s.QueryMessages(ctx, "X-1", domain.MessageFilter{Target: domain.TargetNamed("bob")})
	if err != nil {
		t.Fatalf("query named: %v", err)
	}
	if len(namedOnly) != 1 || namedOnly[0].Target == nil || *namedOnly[0].Target != "bob" {
		t.Fatalf("expected 1 message targeted at bob, got %+v", namedOnly)
	}
}

func TestListTasks_ContradictoryRangeReturnsEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertTask(ctx, "X-1", "a", "b", nil, time.Now()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	after := time.Now().Add(time.Hour)
	before := time.Now().Add(-time.Hour)
	tasks, err := s.ListTasks(ctx, domain.TaskFilter{CreatedAfter: &after, CreatedBefore: &before})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty result for contradictory range, got %d", len(tasks))
	}
}
