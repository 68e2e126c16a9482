package proxy

import "encoding/json"

// JSON-RPC 2.0 error codes used by the proxy (spec.md §4.4).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	CodeNoActiveSess   = -32001
	CodeForwardFailed  = -32000
)

// RPCRequest is one JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is the standard JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// RPCResponse is one JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func newResult(id json.RawMessage, result interface{}) *RPCResponse {
	return &RPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func newRPCError(id json.RawMessage, code int, msg string) *RPCResponse {
	return &RPCResponse{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}}
}

// toolCallParams is the shape of tools/call's params.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// toolResult is the MCP tool response envelope: both a text rendering
// of the structured content and the structured content itself.
type toolResult struct {
	Content           []toolContentItem `json:"content"`
	StructuredContent interface{}       `json:"structuredContent,omitempty"`
	IsError           bool              `json:"isError"`
}

type toolContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func newToolResult(codec Codec, structured interface{}, isError bool) (*toolResult, error) {
	text, err := codec.Marshal(structured)
	if err != nil {
		return nil, err
	}
	return &toolResult{
		Content:           []toolContentItem{{Type: "text", Text: string(text)}},
		StructuredContent: structured,
		IsError:           isError,
	}, nil
}

// toolSchema describes one entry of a tools/list response.
type toolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

func rawID(id int) json.RawMessage {
	b, _ := json.Marshal(id)
	return b
}
