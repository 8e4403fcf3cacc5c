// Package transport implements the two wire adapters sharing one
// Dispatcher: a newline-delimited byte-stream adapter and an
// HTTP-POST-plus-event-stream adapter (SPEC §4.5).
package transport

import (
	"encoding/json"

	"github.com/basket/taskcoord/internal/dispatcher"
)

const jsonrpcVersion = "2.0"

// rpcRequest is the wire shape of one JSON-RPC 2.0 request/notification.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the wire shape of one JSON-RPC 2.0 response. Result is
// pre-marshaled so a fetch-miss (Go nil) still serializes as an explicit
// JSON null (SPEC §4.4), while an error response — which never sets
// Result — omits the key entirely rather than carrying both "result"
// and "error".
type rpcResponse struct {
	JSONRPC string               `json:"jsonrpc"`
	ID      any                  `json:"id"`
	Result  json.RawMessage      `json:"result,omitempty"`
	Error   *dispatcher.RPCError `json:"error,omitempty"`
}

// decodeID returns the decoded id and whether one was present at all.
// A present-but-null id is still "present" per JSON-RPC 2.0; its absence
// (the key missing) is what makes a request a notification.
func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var id any
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, false
	}
	return id, true
}

func errorResponse(id any, rerr *dispatcher.RPCError) rpcResponse {
	return rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Error: rerr}
}

func resultResponse(id any, result any) rpcResponse {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, &dispatcher.RPCError{Code: dispatcher.CodeInternalError, Message: "marshal result: " + err.Error()})
	}
	return rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Result: raw}
}
