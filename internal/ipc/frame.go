package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// WriteTimeout bounds every individual frame write (§5 "IPC writes: 2s").
const WriteTimeout = 2 * time.Second

// maxFrameBytes bounds a single JSONL line to guard against a misbehaving
// peer streaming an unbounded line and pinning memory in ReadFrame.
const maxFrameBytes = 1 << 20 // 1MiB

// writeFrame marshals v to JSON, appends the line terminator, and writes it
// to conn within WriteTimeout. One call = one line = one message; there is
// no partial-frame write path by construction.
func writeFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	if err := conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// FrameReader reads one JSONL frame at a time from a stream socket.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(conn net.Conn) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(conn, 4096)}
}

// ReadFrame returns the next line's raw JSON bytes, without the trailing
// newline. Per §4.1: an incomplete line at EOF is discarded, not returned —
// the caller sees io.EOF (or the underlying read error) and should reconnect
// rather than try to interpret a partial frame.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var line []byte
	for {
		chunk, err := fr.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxFrameBytes {
			return nil, fmt.Errorf("frame exceeds %d bytes, dropping connection", maxFrameBytes)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			// ReadSlice returns any bytes read so far alongside the error; a
			// partial line at EOF is exactly this case. Discard it.
			return nil, err
		}
		break
	}
	// Trim the trailing '\n' (and a possible '\r' for CRLF peers).
	n := len(line) - 1
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return line[:n], nil
}

// PeekType extracts just the "type" discriminator from a raw frame, so the
// caller can dispatch without double-unmarshaling the whole payload.
func PeekType(raw []byte) (Type, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("frame missing required \"type\" field")
	}
	return env.Type, nil
}
