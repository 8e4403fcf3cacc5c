// Package dispatcher maps JSON-RPC method names and parameters onto
// Coordinator calls: a method table rather than the teacher's big
// switch, with per-method JSON Schema validation standing in for
// hand-rolled field checks (SPEC §4.4).
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskcoord/internal/coordinator"
	"github.com/basket/taskcoord/internal/domain"
)

// Numeric error codes. The transport-level codes follow the JSON-RPC
// 2.0 convention; the application range (1000s) is this server's own,
// per SPEC §7's distinct application-level range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeNotFound               = 1001
	CodeValidation             = 1002
	CodeDuplicateCode          = 1003
	CodeInvalidStateTransition = 1004
	CodeClaimConflict          = 1005
	CodeNotOwner               = 1006
	CodeConflict               = 1007
)

// RPCError is the envelope's error member.
type RPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

func newRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// mapDomainError turns a *domain.Error into the wire envelope, per the
// SPEC §4.4/§7 mapping table. Any other error (should not happen below
// the Coordinator) is treated as Internal.
func mapDomainError(err error) *RPCError {
	de, ok := err.(*domain.Error)
	if !ok {
		return newRPCError(CodeInternalError, err.Error())
	}
	var code int
	switch de.Kind {
	case domain.NotFound:
		code = CodeNotFound
	case domain.Validation:
		code = CodeValidation
	case domain.DuplicateCode:
		code = CodeDuplicateCode
	case domain.InvalidStateTransition:
		code = CodeInvalidStateTransition
	case domain.ClaimConflict:
		code = CodeClaimConflict
	case domain.NotOwner:
		code = CodeNotOwner
	case domain.Conflict:
		code = CodeConflict
	default: // domain.Database and anything unrecognized
		code = CodeInternalError
	}
	return &RPCError{Code: code, Message: de.Message, Data: de.Data}
}

// Dispatcher is stateless beyond the Coordinator handle; every call may
// run concurrently with every other (SPEC §4.4 "Concurrency").
type Dispatcher struct {
	coord  *coordinator.Coordinator
	now    func() time.Time
	logger *slog.Logger
}

func New(c *coordinator.Coordinator) *Dispatcher {
	return &Dispatcher{coord: c, now: time.Now, logger: slog.Default()}
}

// WithLogger overrides the logger used for per-request trace lines.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	if logger != nil {
		d.logger = logger
	}
	return d
}

// handlerFunc decodes raw params (already schema-validated), invokes the
// Coordinator, and returns the JSON-marshalable result.
type handlerFunc func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *RPCError)

var methods = map[string]handlerFunc{
	"create_task":         handleCreateTask,
	"update_task":         handleUpdateTask,
	"set_task_state":      handleSetTaskState,
	"get_task_by_id":      handleGetTaskByID,
	"get_task_by_code":    handleGetTaskByCode,
	"list_tasks":          handleListTasks,
	"assign_task":         handleAssignTask,
	"archive_task":        handleArchiveTask,
	"discover_work":       handleDiscoverWork,
	"claim_task":          handleClaimTask,
	"release_task":        handleReleaseTask,
	"start_work_session":  handleStartWorkSession,
	"end_work_session":    handleEndWorkSession,
	"create_task_message": handleCreateTaskMessage,
	"get_task_messages":   handleGetTaskMessages,
	"health_check":        handleHealthCheck,
}

// KnownMethod reports whether name is one of the recognized methods.
func KnownMethod(name string) bool {
	_, ok := methods[name]
	return ok
}

// Dispatch routes one decoded method+params pair to its handler. It
// never panics on well-formed input: schema validation and handler
// decoding both return InvalidParams rather than crashing the process.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, *RPCError) {
	start := d.now()
	traceID := uuid.NewString()
	logger := d.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("trace_id", traceID, "method", method)

	handler, ok := methods[method]
	if !ok {
		logger.Warn("dispatch: unknown method")
		return nil, newRPCError(CodeMethodNotFound, "unknown method: "+method)
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if err := validateParams(method, params); err != nil {
		logger.Info("dispatch: invalid params", "error", err)
		return nil, newRPCError(CodeInvalidParams, err.Error())
	}

	result, rerr := handler(ctx, d, params)
	if rerr != nil {
		logger.Info("dispatch: error", "code", rerr.Code, "message", rerr.Message, "duration", d.now().Sub(start))
	} else {
		logger.Info("dispatch: ok", "duration", d.now().Sub(start))
	}
	return result, rerr
}

// validateParams runs the method's compiled JSON Schema against the raw
// params, using jsonschema.UnmarshalJSON so numbers are compared the
// way the schema library expects (SPEC §4.4 "shallow validation").
func validateParams(method string, raw json.RawMessage) error {
	schema, ok := paramSchemas[method]
	if !ok {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

func decodeParams(raw json.RawMessage, out any) *RPCError {
	if err := json.Unmarshal(raw, out); err != nil {
		return newRPCError(CodeInvalidParams, "malformed params: "+err.Error())
	}
	return nil
}
