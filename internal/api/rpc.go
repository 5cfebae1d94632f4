package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/state"
)

// JSON-RPC 2.0 wire codes. The -32000 range carries the domain kinds.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603

	codeNotFound            = -32001
	codeUpstreamUnavailable = -32002
	codeDeadlineExceeded    = -32003
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// errorCode folds a domain error chain onto its wire code.
func errorCode(err error) int {
	switch {
	case errors.Is(err, state.ErrNotFound):
		return codeNotFound
	case errors.Is(err, state.ErrInvalidInput),
		errors.Is(err, state.ErrInvalidTransition),
		errors.Is(err, mcp.ErrUnknownTool),
		errors.Is(err, llm.ErrInvalidRequest):
		return codeInvalidParams
	case errors.Is(err, llm.ErrProviderNotAvailable),
		errors.Is(err, llm.ErrRateLimitExceeded):
		return codeUpstreamUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codeDeadlineExceeded
	default:
		return codeInternal
	}
}
