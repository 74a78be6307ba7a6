package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/twitchcore/bot-core/internal/ipc"
)

// recordingHandler is a minimal ipc.Handler that records every frame it
// receives by type, so tests can assert on hello/subscribe/register/
// heartbeat/unregister traffic without standing up the real Hub or Monitor.
type recordingHandler struct {
	mu     sync.Mutex
	frames []json.RawMessage
	types  []ipc.Type
}

func (h *recordingHandler) OnFrame(conn *ipc.Conn, typ ipc.Type, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := append(json.RawMessage(nil), raw...)
	h.frames = append(h.frames, cp)
	h.types = append(h.types, typ)
}

func (h *recordingHandler) OnClose(conn *ipc.Conn) {}

func (h *recordingHandler) seenTypes() []ipc.Type {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ipc.Type(nil), h.types...)
}

func startServer(t *testing.T, socketPath string, handler ipc.Handler) *ipc.Server {
	t.Helper()
	srv := ipc.NewServer(socketPath, 16, handler, zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	return srv
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type chatTracker struct {
	mu      sync.Mutex
	running bool
}

func (c *chatTracker) Run(ctx context.Context) {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	<-ctx.Done()
}

func (c *chatTracker) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func TestWorkerSendsHelloSubscribeRegisterAndUnregister(t *testing.T) {
	dir := t.TempDir()
	hubSock := filepath.Join(dir, "hub.sock")
	monSock := filepath.Join(dir, "monitor.sock")

	hubHandler := &recordingHandler{}
	monHandler := &recordingHandler{}
	startServer(t, hubSock, hubHandler)
	startServer(t, monSock, monHandler)

	chat := &chatTracker{}
	w := New(Config{
		Channel: "alpha", ChannelID: "100", Topics: []string{"stream.online"},
		HubSocketPath: hubSock, MonitorSocketPath: monSock,
		HeartbeatInterval: 20 * time.Millisecond, IPCOutboxSize: 16,
	}, chat, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	waitUntil(t, time.Second, func() bool {
		types := hubHandler.seenTypes()
		return len(types) >= 2
	})
	hubTypes := hubHandler.seenTypes()
	if hubTypes[0] != ipc.TypeHello {
		t.Fatalf("want first hub frame hello, got %s", hubTypes[0])
	}
	if hubTypes[1] != ipc.TypeSubscribe {
		t.Fatalf("want second hub frame subscribe, got %s", hubTypes[1])
	}

	waitUntil(t, time.Second, func() bool {
		types := monHandler.seenTypes()
		return len(types) >= 1 && types[0] == ipc.TypeRegister
	})

	waitUntil(t, time.Second, func() bool { return chat.isRunning() })

	waitUntil(t, time.Second, func() bool {
		for _, typ := range monHandler.seenTypes() {
			if typ == ipc.TypeHeartbeat {
				return true
			}
		}
		return false
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker.Run did not return after cancellation")
	}

	waitUntil(t, time.Second, func() bool {
		types := monHandler.seenTypes()
		return len(types) > 0 && types[len(types)-1] == ipc.TypeUnregister
	})
}

func TestWorkerContinuesChatWhenHubUnreachable(t *testing.T) {
	dir := t.TempDir()
	// Point the Hub socket at a path nothing listens on.
	hubSock := filepath.Join(dir, "nowhere.sock")
	monSock := filepath.Join(dir, "monitor.sock")

	monHandler := &recordingHandler{}
	startServer(t, monSock, monHandler)

	chat := &chatTracker{}
	w := New(Config{
		Channel: "beta", ChannelID: "200", Topics: []string{"stream.online"},
		HubSocketPath: hubSock, MonitorSocketPath: monSock,
		HeartbeatInterval: 20 * time.Millisecond, IPCOutboxSize: 16,
	}, chat, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	waitUntil(t, time.Second, func() bool { return chat.isRunning() })
	waitUntil(t, time.Second, func() bool {
		for _, typ := range monHandler.seenTypes() {
			if typ == ipc.TypeRegister {
				return true
			}
		}
		return false
	})
}

func TestWorkerContinuesChatWhenMonitorUnreachable(t *testing.T) {
	dir := t.TempDir()
	hubSock := filepath.Join(dir, "hub.sock")
	monSock := filepath.Join(dir, "nowhere.sock")

	hubHandler := &recordingHandler{}
	startServer(t, hubSock, hubHandler)

	chat := &chatTracker{}
	w := New(Config{
		Channel: "gamma", ChannelID: "300", Topics: []string{"stream.online"},
		HubSocketPath: hubSock, MonitorSocketPath: monSock,
		HeartbeatInterval: 20 * time.Millisecond, IPCOutboxSize: 16,
	}, chat, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	waitUntil(t, time.Second, func() bool { return chat.isRunning() })
	waitUntil(t, time.Second, func() bool {
		types := hubHandler.seenTypes()
		return len(types) >= 2 && types[0] == ipc.TypeHello
	})
}

func TestOnHubFrameDispatchesEventsubEventToHandler(t *testing.T) {
	var got struct {
		topic, eventID string
		payload        json.RawMessage
	}
	handlerCalled := make(chan struct{}, 1)

	w := New(Config{Channel: "delta", ChannelID: "400"}, nil, func(topic, eventID string, payload json.RawMessage) {
		got.topic, got.eventID, got.payload = topic, eventID, payload
		handlerCalled <- struct{}{}
	}, zerolog.Nop())

	ev := ipc.NewEventsubEvent("400", "stream.online", "evt-1", json.RawMessage(`{"ok":true}`))
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	w.onHubFrame(ipc.TypeEventsubEvent, raw)

	select {
	case <-handlerCalled:
	case <-time.After(time.Second):
		t.Fatal("onEvent was not invoked")
	}
	if got.topic != "stream.online" || got.eventID != "evt-1" {
		t.Fatalf("unexpected dispatch: %+v", got)
	}
}
