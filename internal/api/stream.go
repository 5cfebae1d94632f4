package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/loomhq/loom/internal/idgen"
	"github.com/loomhq/loom/internal/state"
	"github.com/loomhq/loom/internal/stream"
)

// handleMessageStream runs message/send and then holds the connection open
// as an SSE stream of the context's events until the task reaches a
// terminal status or the client goes away.
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRPCError(w, req.ID, codeInternal, "streaming unsupported by connection")
		return
	}
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

	// The subscription must be live before the worker starts or the first
	// deltas race past it.
	if procReq.ContextID == "" {
		procReq.ContextID = idgen.New()
	}
	sub := s.Bus.Subscribe(procReq.ContextID)
	defer sub.Close()

	task, err := s.Processor.Process(r.Context(), procReq)
	if err != nil {
		writeRPCError(w, req.ID, errorCode(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The first frame echoes the accepted task so the client learns the
	// task and context ids before any event arrives.
	writeSSE(w, flusher, mustMarshal(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: taskView(task)}))

	heartbeat := time.NewTicker(s.heartbeatInterval())
	defer heartbeat.Stop()
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSEHeartbeat(w, flusher)
		case frame, open := <-sub.C:
			if !open {
				return
			}
			writeSSE(w, flusher, frame)
			if terminalFrame(frame, task.TaskID) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload []byte) {
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
}

func writeSSEHeartbeat(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = w.Write([]byte("event: heartbeat\ndata: {}\n\n"))
	flusher.Flush()
}

// terminalFrame reports whether the frame ends the stream for taskID. Other
// tasks sharing the context keep the stream open only via their own frames,
// so their terminal events are ignored here.
func terminalFrame(frame []byte, taskID string) bool {
	var ev stream.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return false
	}
	if ev.TaskID != taskID {
		return false
	}
	switch ev.Type {
	case stream.TypeTaskCompleted, stream.TypeTaskFailed:
		return true
	case stream.TypeTaskStatusChanged:
		return ev.Status == string(state.TaskCanceled)
	default:
		return false
	}
}

func mustMarshal(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return payload
}
