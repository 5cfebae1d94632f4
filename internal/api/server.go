package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/loomhq/loom/internal/broadcaster"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/idgen"
	"github.com/loomhq/loom/internal/part"
	"github.com/loomhq/loom/internal/state"
)

type Server struct {
	Processor *engine.Processor
	Store     *state.Store
	Bus       *broadcaster.Broadcaster
	Heartbeat time.Duration
	Logger    *slog.Logger
	StartedAt time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)
	return mux
}

func (s *Server) heartbeatInterval() time.Duration {
	if s.Heartbeat > 0 {
		return s.Heartbeat
	}
	return 15 * time.Second
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"time":       time.Now().UTC(),
		"started_at": s.StartedAt,
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, codeParseError, "parse error: "+err.Error())
		return
	}
	if req.JSONRPC != "2.0" {
		writeRPCError(w, req.ID, codeInvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}

	switch req.Method {
	case "message/send":
		s.handleMessageSend(w, r, req)
	case "message/stream":
		s.handleMessageStream(w, r, req)
	case "message/list":
		s.handleMessageList(w, r, req)
	case "tasks/get":
		s.handleTaskGet(w, r, req)
	case "tasks/cancel":
		s.handleTaskCancel(w, r, req)
	default:
		writeRPCError(w, req.ID, codeMethodNotFound, "unknown method "+req.Method)
	}
}

type messageParams struct {
	Message struct {
		MessageID string      `json:"message_id"`
		ContextID string      `json:"context_id"`
		TaskID    string      `json:"task_id,omitempty"`
		Role      string      `json:"role"`
		Parts     []part.Part `json:"parts"`
	} `json:"message"`
	Configuration struct {
		Agent string `json:"agent,omitempty"`
	} `json:"configuration,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (p *messageParams) request() (engine.Request, error) {
	if p.Message.Role != "" && p.Message.Role != "user" {
		return engine.Request{}, badInput("message role must be \"user\"")
	}
	if len(p.Message.Parts) == 0 {
		return engine.Request{}, badInput("message has no parts")
	}
	for _, prt := range p.Message.Parts {
		if err := prt.Validate(); err != nil {
			return engine.Request{}, badInput(err.Error())
		}
	}
	ids := map[string]string{
		"message_id": p.Message.MessageID,
		"task_id":    p.Message.TaskID,
		"context_id": p.Message.ContextID,
	}
	for field, id := range ids {
		if id == "" {
			continue
		}
		if err := idgen.ValidateCustomID(id); err != nil {
			return engine.Request{}, badInput(field + ": " + err.Error())
		}
	}
	req := engine.Request{
		MessageID: p.Message.MessageID,
		ContextID: p.Message.ContextID,
		TaskID:    p.Message.TaskID,
		AgentName: p.Configuration.Agent,
		Parts:     p.Message.Parts,
	}
	req.UserID = metadataString(p.Metadata, "user_id")
	req.SessionID = metadataString(p.Metadata, "session_id")
	req.TraceID = metadataString(p.Metadata, "trace_id")
	return req, nil
}

func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params messageParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}
	procReq, err := params.request()
	if err != nil {
		writeRPCError(w, req.ID, errorCode(err), err.Error())
		return
	}
	task, err := s.Processor.Process(r.Context(), procReq)
	if err != nil {
		writeRPCError(w, req.ID, errorCode(err), err.Error())
		return
	}
	writeRPCResult(w, req.ID, taskView(task))
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params struct {
		ContextID string `json:"context_id"`
		Limit     int    `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}
	if params.ContextID == "" {
		writeRPCError(w, req.ID, codeInvalidParams, "context_id is required")
		return
	}
	messages, err := s.Store.ListContextMessages(r.Context(), params.ContextID, params.Limit)
	if err != nil {
		writeRPCError(w, req.ID, errorCode(err), err.Error())
		return
	}
	writeRPCResult(w, req.ID, map[string]any{
		"context_id": params.ContextID,
		"messages":   messages,
	})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params struct {
		ID            string `json:"id"`
		HistoryLength int    `json:"history_length,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}
	task, err := s.Store.GetTask(r.Context(), params.ID)
	if err != nil {
		writeRPCError(w, req.ID, errorCode(err), err.Error())
		return
	}
	view, err := s.fullTaskView(r.Context(), task, params.HistoryLength)
	if err != nil {
		writeRPCError(w, req.ID, errorCode(err), err.Error())
		return
	}
	writeRPCResult(w, req.ID, view)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params struct {
		ID     string `json:"id"`
		Reason string `json:"reason,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}
	if _, err := s.Store.GetTask(r.Context(), params.ID); err != nil {
		writeRPCError(w, req.ID, errorCode(err), err.Error())
		return
	}
	if err := s.Processor.Cancel(r.Context(), params.ID, params.Reason); err != nil {
		writeRPCError(w, req.ID, errorCode(err), err.Error())
		return
	}
	task, err := s.Store.GetTask(r.Context(), params.ID)
	if err != nil {
		writeRPCError(w, req.ID, errorCode(err), err.Error())
		return
	}
	writeRPCResult(w, req.ID, taskView(task))
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}

type inputError struct {
	msg string
}

func (e inputError) Error() string { return e.msg }

func (e inputError) Unwrap() error { return state.ErrInvalidInput }

func badInput(msg string) error {
	return inputError{msg: msg}
}
