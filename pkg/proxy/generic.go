package proxy

import (
	"context"
	"fmt"
)

// forwardTyped forwards a tools/call request to port and decodes its
// structuredContent into T — a generic, type-safe wrapper around
// WorkerPool.Forward in the spirit of the teacher's CallTyped.
func forwardTyped[T any](ctx context.Context, pool *WorkerPool, codec Codec, port int, toolName string, arguments interface{}) (T, error) {
	var out T

	params := map[string]interface{}{"name": toolName, "arguments": arguments}
	paramsJSON, err := codec.Marshal(params)
	if err != nil {
		return out, fmt.Errorf("encode %s arguments: %w", toolName, err)
	}
	req := RPCRequest{JSONRPC: "2.0", ID: rawID(1), Method: "tools/call", Params: paramsJSON}
	reqBytes, err := codec.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("encode %s request: %w", toolName, err)
	}

	respBytes, err := pool.Forward(ctx, port, "tools/call", reqBytes)
	if err != nil {
		return out, err
	}

	var resp RPCResponse
	if err := codec.Unmarshal(respBytes, &resp); err != nil {
		return out, fmt.Errorf("decode %s response: %w", toolName, err)
	}
	if resp.Error != nil {
		return out, fmt.Errorf("%s: %s", toolName, resp.Error.Message)
	}

	data, err := extractStructured(resp.Result)
	if err != nil {
		return out, err
	}
	raw, err := codec.Marshal(data)
	if err != nil {
		return out, err
	}
	if err := codec.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s structured content: %w", toolName, err)
	}
	return out, nil
}

// closeAck is the worker's response shape to tools/call idalib_close.
type closeAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
