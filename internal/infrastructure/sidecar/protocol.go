package sidecar

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 wire format for sidecar IPC.
// Spec: https://www.jsonrpc.org/specification

const jsonRPCVersion = "2.0"

// Request is a JSON-RPC 2.0 request. A request without an id is a
// notification and gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes plus application range.
const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603

	ErrSidecarNotReady = -32001
	ErrTimeout         = -32002
)

// NewRequest creates a JSON-RPC request with marshalled params.
func NewRequest(id any, method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}
	return &Request{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: raw}, nil
}

// NewNotification creates a request without an id.
func NewNotification(method string, params any) (*Request, error) {
	req, err := NewRequest(nil, method, params)
	if err != nil {
		return nil, err
	}
	req.ID = nil
	return req, nil
}

// NewResponse creates a success response.
func NewResponse(id any, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: jsonRPCVersion, ID: id, Result: b}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id any, code int, message string) *Response {
	return &Response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool { return r.ID == nil }

// ParseParams decodes params into v.
func (r *Request) ParseParams(v any) error {
	if r.Params == nil {
		return nil
	}
	return json.Unmarshal(r.Params, v)
}

// ParseResult decodes the result into v.
func (r *Response) ParseResult(v any) error {
	if r.Result == nil {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

// Lifecycle methods every sidecar speaks. Capability methods beyond these
// are sidecar-defined (e.g. "tokenize/count", "git/status").
const (
	MethodInitialize  = "initialize"
	MethodShutdown    = "shutdown"
	MethodHealthCheck = "health/check"
)

// InitializeParams is sent core -> sidecar on startup.
type InitializeParams struct {
	Config map[string]string `json:"config,omitempty"`
}

// InitializeResult is the sidecar's self-description.
type InitializeResult struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// HealthResult is the health_check reply.
type HealthResult struct {
	Health string `json:"health"` // "starting" | "ready" | "degraded" | "unavailable"
}
