package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/taskcoord/internal/dispatcher"
)

// StdioTransport reads newline-delimited JSON-RPC envelopes from in and
// writes responses to out, one per line (SPEC §4.5 "Byte-stream
// adapter"). It never buffers ahead of what the writer can keep up
// with: each line is dispatched and its response written before the
// next line is read, so a slow writer naturally blocks the reader.
type StdioTransport struct {
	dispatcher     *dispatcher.Dispatcher
	logger         *slog.Logger
	requestTimeout time.Duration

	writeMu sync.Mutex
}

// NewStdio builds a stdio adapter. requestTimeout <= 0 disables the
// per-request deadline.
func NewStdio(d *dispatcher.Dispatcher, logger *slog.Logger, requestTimeout time.Duration) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{dispatcher: d, logger: logger, requestTimeout: requestTimeout}
}

// Run processes in until EOF or ctx is cancelled. It never returns an
// error for malformed individual lines — those produce a ParseError
// response (or are dropped, if no id could be recovered) — only for
// fatal I/O conditions, or ctx.Err() when ctx is found cancelled
// before a line is handled.
func (t *StdioTransport) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.handleLine(ctx, append([]byte(nil), line...), out)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (t *StdioTransport) handleLine(ctx context.Context, line []byte, out io.Writer) {
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		// Try to salvage an id so the caller can correlate the error;
		// if even that fails, log and drop per SPEC §4.5.
		// The object's members are walked token by token, so an id that
		// precedes the syntax error is still found.
		id, hasID := any(nil), false
		dec := json.NewDecoder(bytes.NewReader(line))
		if tok, terr := dec.Token(); terr == nil && tok == json.Delim('{') {
			for !hasID && dec.More() {
				key, kerr := dec.Token()
				var val json.RawMessage
				if kerr != nil || dec.Decode(&val) != nil {
					break
				}
				if key == "id" {
					id, hasID = decodeID(val)
				}
			}
		}
		if !hasID {
			t.logger.Error("stdio: malformed request with no recoverable id, dropping", "error", err)
			return
		}
		t.writeResponse(out, errorResponse(id, &dispatcher.RPCError{
			Code: dispatcher.CodeParseError, Message: "invalid JSON: " + err.Error(),
		}))
		return
	}

	id, hasID := decodeID(req.ID)
	t.logger.Info("stdio: request", "method", req.Method, "notification", !hasID)

	if t.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.requestTimeout)
		defer cancel()
	}

	result, rerr := t.dispatcher.Dispatch(ctx, req.Method, req.Params)
	if !hasID {
		// Notifications are executed but never answered, error or not.
		return
	}
	if rerr == nil && ctx.Err() != nil {
		rerr = &dispatcher.RPCError{Code: dispatcher.CodeInternalError, Message: "request exceeded its deadline"}
	}
	if rerr != nil {
		t.writeResponse(out, errorResponse(id, rerr))
		return
	}
	t.writeResponse(out, resultResponse(id, result))
}

func (t *StdioTransport) writeResponse(out io.Writer, resp rpcResponse) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	b, err := json.Marshal(resp)
	if err != nil {
		t.logger.Error("stdio: failed to marshal response", "error", err)
		return
	}
	b = append(b, '\n')
	if _, err := out.Write(b); err != nil {
		t.logger.Error("stdio: write error", "error", err)
	}
}
