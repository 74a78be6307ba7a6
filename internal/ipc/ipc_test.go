package ipc

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	msg := NewHello("bot", "100", []string{"stream.online"})

	done := make(chan error, 1)
	go func() { done <- writeFrame(client, msg) }()

	fr := NewFrameReader(server)
	raw, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	typ, err := PeekType(raw)
	if err != nil {
		t.Fatalf("PeekType: %v", err)
	}
	if typ != TypeHello {
		t.Fatalf("got type %q, want %q", typ, TypeHello)
	}
	if bytes.Contains(raw, []byte("\n")) {
		t.Fatalf("frame should have newline trimmed: %q", raw)
	}
}

func TestFrameReaderDiscardsPartialLineAtEOF(t *testing.T) {
	server, client := net.Pipe()

	go func() {
		client.Write([]byte(`{"type":"ping"`)) // no trailing newline
		client.Close()
	}()

	fr := NewFrameReader(server)
	if _, err := fr.ReadFrame(); err == nil {
		t.Fatal("expected an error for a partial frame at EOF, got nil")
	}
}

func TestPeekTypeRejectsMissingType(t *testing.T) {
	if _, err := PeekType([]byte(`{"channel":"c"}`)); err == nil {
		t.Fatal("expected error for frame with no type field")
	}
}

func TestBackoffIsCappedAndMonotonicBeforeCap(t *testing.T) {
	b := &Backoff{Base: 500 * time.Millisecond, Factor: 2, Cap: 30 * time.Second, Jitter: 0}
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Next()
		if d > b.Cap {
			t.Fatalf("attempt %d: delay %v exceeds cap %v", i, d, b.Cap)
		}
		if d < prev && d != b.Cap {
			t.Fatalf("attempt %d: delay %v decreased from %v before reaching cap", i, d, prev)
		}
		prev = d
	}
}

func TestBackoffResetReturnsToBase(t *testing.T) {
	b := DefaultIPCBackoff()
	b.Jitter = 0
	_ = b.Next()
	_ = b.Next()
	b.Reset()
	if d := b.Next(); d != b.Base {
		t.Fatalf("after Reset, first Next() = %v, want base %v", d, b.Base)
	}
}

func TestClientServerDeliversFramesBothWays(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	logger := zerolog.Nop()

	var mu sync.Mutex
	var received []Type

	srv := NewServer(sockPath, 16, testHandler{
		onFrame: func(c *Conn, typ Type, raw []byte) {
			mu.Lock()
			received = append(received, typ)
			mu.Unlock()
			c.Send(NewEventsubEvent("100", "stream.online", "evt-1", []byte(`{}`)))
		},
	}, logger)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	var gotEvent sync.WaitGroup
	gotEvent.Add(1)
	cli := NewClient("unix", sockPath, logger, 16, func() {}, func(typ Type, raw []byte) {
		if typ == TypeEventsubEvent {
			gotEvent.Done()
		}
	})
	go cli.Run(ctx)

	deadline := time.After(2 * time.Second)
	for !cli.IsConnected() {
		select {
		case <-deadline:
			t.Fatal("client never connected")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cli.Send(NewHello("bot", "100", []string{"stream.online"}))

	waitDone := make(chan struct{})
	go func() { gotEvent.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("never received forwarded event frame")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != TypeHello {
		t.Fatalf("server received %v, want [hello]", received)
	}
}

type testHandler struct {
	onFrame func(c *Conn, typ Type, raw []byte)
}

func (h testHandler) OnFrame(c *Conn, typ Type, raw []byte) { h.onFrame(c, typ, raw) }
func (h testHandler) OnClose(c *Conn)                       {}
