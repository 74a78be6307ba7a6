package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/twitchcore/bot-core/internal/ipc"
	"github.com/twitchcore/bot-core/internal/registry"
)

func TestSinkPersistsRegisterHeartbeatAndUsage(t *testing.T) {
	dir := t.TempDir()
	store, err := registry.Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := zerolog.Nop()
	sink := NewSink(filepath.Join(dir, "monitor.sock"), 16, 1000, store, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sink.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cli := ipc.NewClient("unix", filepath.Join(dir, "monitor.sock"), logger, 16, func() {}, func(ipc.Type, []byte) {})
	go cli.Run(ctx)
	waitConnected(t, cli)

	cli.Send(ipc.NewRegister("demo", 42, map[string]bool{"chat": true}))
	rss := 12.5
	cli.Send(ipc.NewHeartbeat("demo", 42, &rss, nil))
	cli.Send(ipc.NewLLMUsage("demo", "gpt", "summary", 10, 20, 150, 0.01))

	waitForCondition(t, func() bool {
		regs, err := store.ListWorkerRegistrations(ctx)
		return err == nil && len(regs) == 1 && regs[0].Status == registry.WorkerOnline
	})

	cli.Send(ipc.NewUnregister("demo", 42))
	waitForCondition(t, func() bool {
		regs, err := store.ListWorkerRegistrations(ctx)
		return err == nil && len(regs) == 1 && regs[0].Status == registry.WorkerOffline
	})
}

func waitConnected(t *testing.T, cli *ipc.Client) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cli.IsConnected() {
		select {
		case <-deadline:
			t.Fatal("client never connected")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
