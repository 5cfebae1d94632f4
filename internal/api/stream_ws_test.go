package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/loomhq/loom/internal/broadcaster"
	"github.com/loomhq/loom/internal/stream"
)

type fakeWSWriter struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (w *fakeWSWriter) Write(ctx context.Context, msgType websocket.MessageType, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return context.Canceled
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	w.frames = append(w.frames, buf)
	return nil
}

func (w *fakeWSWriter) snapshot() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.frames))
	copy(out, w.frames)
	return out
}

func TestPumpWSForwardsFrames(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := broadcaster.New(logger)
	server := &Server{Bus: bus, Heartbeat: time.Hour}

	sub := bus.Subscribe("ctx-ws")
	writer := &fakeWSWriter{}

	done := make(chan error, 1)
	go func() {
		done <- server.pumpWS(context.Background(), sub, writer)
	}()

	bus.Broadcast("ctx-ws", stream.TextDelta("task-1", "ctx-ws", "a"))
	bus.Broadcast("ctx-ws", stream.TextDelta("task-1", "ctx-ws", "b"))

	deadline := time.Now().Add(2 * time.Second)
	for len(writer.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("frames never arrived: %d", len(writer.snapshot()))
		}
		time.Sleep(2 * time.Millisecond)
	}

	sub.Close()
	if err := <-done; err != nil {
		t.Fatalf("pump error: %v", err)
	}

	frames := writer.snapshot()
	var first stream.Event
	if err := json.Unmarshal(frames[0], &first); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if first.Type != stream.TypeTextDelta || first.Chunk != "a" {
		t.Fatalf("first frame = %+v", first)
	}
}

func TestPumpWSHeartbeat(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := broadcaster.New(logger)
	server := &Server{Bus: bus, Heartbeat: 10 * time.Millisecond}

	sub := bus.Subscribe("ctx-hb")
	defer sub.Close()
	writer := &fakeWSWriter{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.pumpWS(ctx, sub, writer)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(writer.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no heartbeat arrived")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	var hb struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(writer.snapshot()[0], &hb); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if hb.Type != "heartbeat" {
		t.Fatalf("first frame = %s", writer.snapshot()[0])
	}
}

func TestPumpWSStopsOnWriteFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := broadcaster.New(logger)
	server := &Server{Bus: bus, Heartbeat: time.Hour}

	sub := bus.Subscribe("ctx-fail")
	defer sub.Close()
	writer := &fakeWSWriter{fail: true}

	done := make(chan error, 1)
	go func() {
		done <- server.pumpWS(context.Background(), sub, writer)
	}()
	bus.Broadcast("ctx-fail", stream.TextDelta("task-1", "ctx-fail", "x"))

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("pump should surface the write failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pump did not stop after write failure")
	}
}
