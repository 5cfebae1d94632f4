package testutil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
)

// handlerTransport dispatches requests straight into a handler, skipping
// the network.
type handlerTransport struct {
	handler http.Handler
}

func (t *handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	t.handler.ServeHTTP(rec, req)
	res := rec.Result()
	res.Request = req
	return res, nil
}

// NewInProcessClient returns an http.Client whose requests are served by
// handler without a listener. Works for request/response calls; streaming
// handlers need a StreamRecorder instead.
func NewInProcessClient(handler http.Handler) *http.Client {
	return &http.Client{Transport: &handlerTransport{handler: handler}}
}

// StreamRecorder is a ResponseWriter whose body is readable while the
// handler is still writing, for exercising SSE handlers that only return
// when the stream ends.
type StreamRecorder struct {
	HeaderMap http.Header
	Code      int
	Body      io.ReadCloser
	writer    io.WriteCloser
}

func NewStreamRecorder() *StreamRecorder {
	r, w := io.Pipe()
	return &StreamRecorder{
		HeaderMap: make(http.Header),
		Code:      http.StatusOK,
		Body:      r,
		writer:    w,
	}
}

func (sr *StreamRecorder) Header() http.Header { return sr.HeaderMap }

func (sr *StreamRecorder) WriteHeader(statusCode int) { sr.Code = statusCode }

func (sr *StreamRecorder) Write(p []byte) (int, error) { return sr.writer.Write(p) }

func (sr *StreamRecorder) Flush() {}

// Close ends the body; call it after the handler returns so readers see
// EOF.
func (sr *StreamRecorder) Close() error { return sr.writer.Close() }

func ReadAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func NewRequest(method, path string, body []byte) *http.Request {
	if body == nil {
		body = []byte{}
	}
	return httptest.NewRequest(method, "http://in-process"+path, bytes.NewReader(body))
}

// ParseSSEFrames extracts the data payloads from a raw SSE stream,
// dropping heartbeat filler.
func ParseSSEFrames(raw string) []string {
	var frames []string
	for _, block := range strings.Split(raw, "\n\n") {
		for _, line := range strings.Split(block, "\n") {
			if data, ok := strings.CutPrefix(line, "data: "); ok && data != "{}" {
				frames = append(frames, data)
			}
		}
	}
	return frames
}
