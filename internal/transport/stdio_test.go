package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskcoord/internal/coordinator"
	"github.com/basket/taskcoord/internal/dispatcher"
	"github.com/basket/taskcoord/internal/store"
)

func newTestStdio(t *testing.T) *StdioTransport {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "taskcoord.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewStdio(dispatcher.New(coordinator.New(s)), nil, 0)
}

func TestStdio_RequestGetsOneResponseLine(t *testing.T) {
	st := newTestStdio(t)
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"create_task","params":{"code":"X-1","name":"n"}}` + "\n")
	var out bytes.Buffer

	if err := st.Run(context.Background(), in, &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly 1 response line, got %d: %q", len(lines), out.String())
	}
	var resp rpcResponse
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestStdio_NotificationGetsNoResponse(t *testing.T) {
	st := newTestStdio(t)
	in := strings.NewReader(`{"jsonrpc":"2.0","method":"create_task","params":{"code":"X-1","name":"n"}}` + "\n")
	var out bytes.Buffer

	if err := st.Run(context.Background(), in, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output for a notification, got %q", out.String())
	}
}

func TestStdio_MalformedLineWithRecoverableID(t *testing.T) {
	st := newTestStdio(t)
	in := strings.NewReader(`{"jsonrpc":"2.0","id":7,"method":}` + "\n")
	var out bytes.Buffer

	if err := st.Run(context.Background(), in, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != dispatcher.CodeParseError {
		t.Fatalf("expected ParseError response, got %+v", resp)
	}
}

func TestStdio_MalformedLineWithNoID_IsDropped(t *testing.T) {
	st := newTestStdio(t)
	in := strings.NewReader(`not json at all` + "\n")
	var out bytes.Buffer

	if err := st.Run(context.Background(), in, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output for unrecoverable malformed input, got %q", out.String())
	}
}

func TestStdio_UnknownMethodMapsToMethodNotFound(t *testing.T) {
	st := newTestStdio(t)
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"nope","params":{}}` + "\n")
	var out bytes.Buffer

	if err := st.Run(context.Background(), in, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != dispatcher.CodeMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp)
	}
}
