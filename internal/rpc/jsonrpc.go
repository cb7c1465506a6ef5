// Package rpc implements the tool facade: JSON-RPC 2.0 types, the tool
// registry, and the handlers binding the channel and bot services to
// the transport surface.
package rpc

import (
	"encoding/json"
	"strconv"
	"strings"
)

// JSONRPCRequest is the JSON-RPC 2.0 request shape (jsonrpc, id, method, params).
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is the JSON-RPC 2.0 response shape (result or error).
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the JSON-RPC 2.0 error object (code, message).
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC 2.0 reserved error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRPC     = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalRPC    = -32603
)

// IsNotification reports whether the request is a notification (no id).
func IsNotification(req JSONRPCRequest) bool {
	return len(req.ID) == 0 && strings.HasPrefix(req.Method, "notifications/")
}

// ErrorResponse builds a JSON-RPC error response for the given id.
func ErrorResponse(id json.RawMessage, code int, message string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}

// ResultResponse builds a JSON-RPC success response for the given id.
func ResultResponse(id json.RawMessage, result any) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

// RawStringID returns a JSON-RPC id as quoted string raw message.
func RawStringID(id string) json.RawMessage {
	return json.RawMessage([]byte(strconv.Quote(id)))
}

// NewToolCallRequest builds a tools/call request with the given id,
// tool name, and arguments. Used by the CLI client.
func NewToolCallRequest(id, toolName string, args map[string]any) (JSONRPCRequest, error) {
	params := map[string]any{
		"name":      toolName,
		"arguments": args,
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return JSONRPCRequest{}, err
	}
	return JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      RawStringID(id),
		Method:  "tools/call",
		Params:  rawParams,
	}, nil
}

// StructuredContent extracts result.structuredContent from a decoded
// response payload, or parses result.content text as JSON.
func StructuredContent(payload map[string]any) (map[string]any, bool) {
	result, ok := payload["result"].(map[string]any)
	if !ok {
		return nil, false
	}
	if structured, ok := result["structuredContent"].(map[string]any); ok {
		return structured, true
	}
	if text := ContentText(result); text != "" {
		var out map[string]any
		if err := json.Unmarshal([]byte(text), &out); err == nil {
			return out, true
		}
	}
	return nil, false
}

// ContentText returns the first content item's text from a tool result.
func ContentText(result map[string]any) string {
	rawContent, ok := result["content"].([]any)
	if !ok || len(rawContent) == 0 {
		return ""
	}
	first, ok := rawContent[0].(map[string]any)
	if !ok {
		return ""
	}
	text, _ := first["text"].(string)
	return text
}
