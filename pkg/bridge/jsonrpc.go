package bridge

import (
	"encoding/json"
)

// JSON-RPC 2.0 error codes used by the bridge.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Request is one incoming JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Validate enforces the strict 2.0 envelope.
func (r *Request) Validate() *RPCError {
	if r.JSONRPC != "2.0" {
		return NewError(CodeInvalidRequest, "jsonrpc must be \"2.0\"", "")
	}
	if r.Method == "" {
		return NewError(CodeInvalidRequest, "method is required", "")
	}
	if len(r.ID) == 0 || string(r.ID) == "null" {
		return NewError(CodeInvalidRequest, "id is required", "")
	}
	return nil
}

// RPCError is the JSON-RPC error object. Data.Detail carries diagnostics;
// tokens are never echoed there.
type RPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData is the optional structured error payload.
type ErrorData struct {
	Detail string `json:"detail,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// NewError builds an RPCError with a single-line message.
func NewError(code int, message, detail string) *RPCError {
	err := &RPCError{Code: code, Message: message}
	if detail != "" {
		err.Data = &ErrorData{Detail: detail}
	}
	return err
}

// Response is one outgoing JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// resultResponse wraps a payload for id.
func resultResponse(id, result json.RawMessage) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

// errorResponse wraps an error for id; a nil id stays null per the spec's
// parse-error rule.
func errorResponse(id json.RawMessage, err *RPCError) Response {
	if id == nil {
		id = json.RawMessage("null")
	}
	return Response{JSONRPC: "2.0", ID: id, Error: err}
}
