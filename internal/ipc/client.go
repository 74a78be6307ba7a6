package ipc

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// FrameHandler is invoked once per received frame, with the frame's raw JSON
// bytes and its discriminator Type already peeked. Handlers must not block;
// they run on the client's single reader goroutine.
type FrameHandler func(typ Type, raw []byte)

// ConnectHandler runs once a fresh connection is established, before any
// queued Send()s drain. Workers use it to (re)send hello + subscribe frames
// so a reconnect re-asserts desired state, per §4.5.3 "the next Worker boot
// will re-assert them" generalized to "the next reconnect re-asserts them".
type ConnectHandler func()

// Client is a reconnecting, fire-and-forget IPC client over a Unix-domain
// stream socket. It is used by Worker→Hub and Worker→Monitor. The teacher
// has no client-side reconnect loop to borrow — it only accepts inbound WS
// connections — so the dial/backoff/resubscribe loop here is original,
// built on the buffered-send-queue shape of the teacher's
// internal/shared/connection.go Conn.
type Client struct {
	network string
	addr    string
	logger  zerolog.Logger
	backoff *Backoff

	onConnect ConnectHandler
	onFrame   FrameHandler

	outbox chan any

	connected   atomic.Bool
	sendDropped atomic.Int64
}

// NewClient builds a client. outboxSize bounds how many not-yet-sent
// messages may queue while disconnected or mid-reconnect; beyond that,
// Send drops and increments a counter rather than blocking (§4.1 fail modes).
func NewClient(network, addr string, logger zerolog.Logger, outboxSize int, onConnect ConnectHandler, onFrame FrameHandler) *Client {
	return &Client{
		network:   network,
		addr:      addr,
		logger:    logger,
		backoff:   DefaultIPCBackoff(),
		onConnect: onConnect,
		onFrame:   onFrame,
		outbox:    make(chan any, outboxSize),
	}
}

// Send enqueues a message for best-effort delivery. Never blocks: if the
// outbox is full the message is dropped and SendDropped is incremented.
func (c *Client) Send(v any) {
	select {
	case c.outbox <- v:
	default:
		c.sendDropped.Add(1)
	}
}

func (c *Client) IsConnected() bool   { return c.connected.Load() }
func (c *Client) SendDropped() int64 { return c.sendDropped.Load() }

// Run connects and reconnects with capped exponential backoff until ctx is
// cancelled. Call it in a dedicated goroutine.
func (c *Client) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := c.runOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Debug().Err(err).Str("addr", c.addr).Msg("ipc connection lost")
		}
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		delay := c.backoff.Next()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, c.network, c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.backoff.Reset()
	c.connected.Store(true)
	c.logger.Info().Str("addr", c.addr).Msg("ipc connected")

	if c.onConnect != nil {
		c.onConnect()
	}

	errCh := make(chan error, 2)

	go func() {
		fr := NewFrameReader(conn)
		for {
			raw, err := fr.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			typ, err := PeekType(raw)
			if err != nil {
				c.logger.Warn().Err(err).Msg("malformed ipc frame, dropping")
				continue
			}
			if c.onFrame != nil {
				c.onFrame(typ, raw)
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case msg := <-c.outbox:
				if err := writeFrame(conn, msg); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()

	return <-errCh
}
