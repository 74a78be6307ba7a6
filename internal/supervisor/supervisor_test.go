package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/twitchcore/bot-core/internal/registry"
)

func openTestStore(t *testing.T) registry.Store {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// sleeperSpec returns a ChildSpec that runs `sleep 30` so health checks see
// it as alive until explicitly stopped or killed.
func sleeperSpec(name string) ChildSpec {
	return ChildSpec{Name: name, Command: "/bin/sleep", Args: []string{"30"}}
}

// shortLivedSpec exits almost immediately, to exercise crash/restart.
func shortLivedSpec(name string) ChildSpec {
	return ChildSpec{Name: name, Command: "/bin/sh", Args: []string{"-c", "exit 1"}}
}

func TestStartAllSpawnsInOrder(t *testing.T) {
	store := openTestStore(t)
	sup := New(Config{InterStartDelay: 10 * time.Millisecond, StopTimeout: time.Second}, store, zerolog.Nop())

	monitor := sleeperSpec("monitor")
	hub := sleeperSpec("hub")
	workers := []ChildSpec{sleeperSpec("worker:alpha"), sleeperSpec("worker:beta")}

	ctx := context.Background()
	if err := sup.StartAll(ctx, &monitor, &hub, workers); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer sup.StopAll(ctx)

	sup.mu.Lock()
	order := append([]string(nil), sup.order...)
	sup.mu.Unlock()

	want := []string{"monitor", "hub", "worker:alpha", "worker:beta"}
	if len(order) != len(want) {
		t.Fatalf("want spawn order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("want spawn order %v, got %v", want, order)
		}
	}
}

func TestRestartBackoffCapsAtConfiguredMax(t *testing.T) {
	base := 100 * time.Millisecond
	capDelay := time.Second

	if got := restartBackoff(base, capDelay, 0); got != base {
		t.Fatalf("k=0: want %s, got %s", base, got)
	}
	if got := restartBackoff(base, capDelay, 1); got != 200*time.Millisecond {
		t.Fatalf("k=1: want 200ms, got %s", got)
	}
	if got := restartBackoff(base, capDelay, 2); got != 400*time.Millisecond {
		t.Fatalf("k=2: want 400ms, got %s", got)
	}
	if got := restartBackoff(base, capDelay, 10); got != capDelay {
		t.Fatalf("k=10: want capped %s, got %s", capDelay, got)
	}
}

// TestHandleCrashGapDoublesPerConsecutiveCrash covers P7 / §8 scenario 4:
// the gap before the k-th restart is min(base*2^k, cap), keyed off the
// 1-indexed consecutive crash count — 2x base after the 1st crash, 4x
// after the 2nd, 8x after the 3rd. A call site that passes count-1 instead
// of count would halve every one of these gaps.
func TestHandleCrashGapDoublesPerConsecutiveCrash(t *testing.T) {
	store := openTestStore(t)
	base := 20 * time.Millisecond
	sup := New(Config{
		MaxCrashCount:      10,
		RestartBackoffBase: base,
		RestartBackoffCap:  time.Second,
	}, store, zerolog.Nop())

	spec := shortLivedSpec("worker:flappy")
	if err := sup.startChild(spec); err != nil {
		t.Fatalf("startChild: %v", err)
	}
	sup.mu.Lock()
	c := sup.children["worker:flappy"]
	sup.mu.Unlock()

	ctx := context.Background()
	wantGaps := []time.Duration{2 * base, 4 * base, 8 * base}
	for i, want := range wantGaps {
		start := time.Now()
		sup.handleCrash(ctx, c)
		elapsed := time.Since(start)
		if elapsed < want {
			t.Fatalf("crash %d: want gap >= %s, got %s", i+1, want, elapsed)
		}
	}
}

func TestHandleCrashDisablesAfterMaxCrashCount(t *testing.T) {
	store := openTestStore(t)
	sup := New(Config{
		MaxCrashCount:      1,
		RestartBackoffBase: time.Millisecond,
		RestartBackoffCap:  10 * time.Millisecond,
	}, store, zerolog.Nop())

	spec := shortLivedSpec("worker:flappy")
	if err := sup.startChild(spec); err != nil {
		t.Fatalf("startChild: %v", err)
	}

	sup.mu.Lock()
	c := sup.children["worker:flappy"]
	sup.mu.Unlock()

	ctx := context.Background()
	sup.handleCrash(ctx, c) // crashCount=1, within MaxCrashCount, restarts
	c.state.mu.Lock()
	disabledAfterFirst := c.state.disabled
	c.state.mu.Unlock()
	if disabledAfterFirst {
		t.Fatal("should not be disabled after the first crash when MaxCrashCount=1")
	}

	sup.handleCrash(ctx, c) // crashCount=2, exceeds MaxCrashCount=1
	c.state.mu.Lock()
	disabledAfterSecond := c.state.disabled
	c.state.mu.Unlock()
	if !disabledAfterSecond {
		t.Fatal("want child disabled once crash count exceeds MaxCrashCount")
	}

	audits, err := store.ReadSnapshot(ctx)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	_ = audits // snapshot only covers desired/active subscriptions, not audit rows
}

func TestStopAllStopsEveryChild(t *testing.T) {
	store := openTestStore(t)
	sup := New(Config{StopTimeout: 2 * time.Second}, store, zerolog.Nop())

	for _, name := range []string{"monitor", "hub", "worker:alpha"} {
		if err := sup.startChild(sleeperSpec(name)); err != nil {
			t.Fatalf("startChild(%s): %v", name, err)
		}
	}

	ctx := context.Background()
	sup.StopAll(ctx)

	sup.mu.Lock()
	defer sup.mu.Unlock()
	for name, c := range sup.children {
		if c.isAlive() {
			t.Fatalf("child %s still alive after StopAll", name)
		}
	}
}

type fakeCommandHandler struct {
	started, stopped, restarted []string
	failChannel                 string
}

func (f *fakeCommandHandler) StartChannel(ctx context.Context, channel string) error {
	if channel == f.failChannel {
		return errFake
	}
	f.started = append(f.started, channel)
	return nil
}

func (f *fakeCommandHandler) StopChannel(ctx context.Context, channel string) error {
	f.stopped = append(f.stopped, channel)
	return nil
}

func (f *fakeCommandHandler) RestartChannel(ctx context.Context, channel string) error {
	f.restarted = append(f.restarted, channel)
	return nil
}

var errFake = fakeErr("induced failure")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestCommandInboxProcessesStartStopRestartAndQuit(t *testing.T) {
	dir := t.TempDir()
	cmdPath := filepath.Join(dir, "cmd")
	resultPath := filepath.Join(dir, "result")

	handler := &fakeCommandHandler{failChannel: "bad"}
	quit := false
	inbox := NewCommandInbox(cmdPath, resultPath, time.Second, handler, func() { quit = true })

	ctx := context.Background()

	writeAndPoll := func(line string) string {
		if err := os.WriteFile(cmdPath, []byte(line), 0o644); err != nil {
			t.Fatalf("write command: %v", err)
		}
		inbox.pollOnce(ctx)
		data, err := os.ReadFile(resultPath)
		if err != nil {
			t.Fatalf("read result for %q: %v", line, err)
		}
		os.Remove(resultPath)
		return string(data)
	}

	if got := writeAndPoll("start alpha"); got != "SUCCESS: start alpha" {
		t.Fatalf("start alpha: got %q", got)
	}
	if got := writeAndPoll("stop alpha"); got != "SUCCESS: stop alpha" {
		t.Fatalf("stop alpha: got %q", got)
	}
	if got := writeAndPoll("restart alpha"); got != "SUCCESS: restart alpha" {
		t.Fatalf("restart alpha: got %q", got)
	}
	if got := writeAndPoll("start bad"); got != "ERROR: induced failure" {
		t.Fatalf("start bad: got %q", got)
	}
	if got := writeAndPoll("bogus"); got == "" || got[:5] != "ERROR" {
		t.Fatalf("bogus: want ERROR result, got %q", got)
	}
	if got := writeAndPoll("quit"); got != "SUCCESS: quitting" {
		t.Fatalf("quit: got %q", got)
	}
	if !quit {
		t.Fatal("want quit callback invoked")
	}

	if _, err := os.Stat(cmdPath); !os.IsNotExist(err) {
		t.Fatal("want command file deleted after processing")
	}

	if len(handler.started) != 1 || handler.started[0] != "alpha" {
		t.Fatalf("want one started channel alpha, got %v", handler.started)
	}
}

func TestCommandInboxSurfacesTimeout(t *testing.T) {
	dir := t.TempDir()
	cmdPath := filepath.Join(dir, "cmd")
	resultPath := filepath.Join(dir, "result")

	blocking := &blockingHandler{release: make(chan struct{})}
	inbox := NewCommandInbox(cmdPath, resultPath, 20*time.Millisecond, blocking, nil)
	defer close(blocking.release)

	if err := os.WriteFile(cmdPath, []byte("start slow"), 0o644); err != nil {
		t.Fatalf("write command: %v", err)
	}
	inbox.pollOnce(context.Background())

	data, err := os.ReadFile(resultPath)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if string(data) != "ERROR: timeout" {
		t.Fatalf("want timeout error, got %q", data)
	}
}

type blockingHandler struct {
	release chan struct{}
}

func (b *blockingHandler) StartChannel(ctx context.Context, channel string) error {
	<-b.release
	return nil
}
func (b *blockingHandler) StopChannel(ctx context.Context, channel string) error    { return nil }
func (b *blockingHandler) RestartChannel(ctx context.Context, channel string) error { return nil }
