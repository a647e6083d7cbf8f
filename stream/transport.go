package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Transport.Send once the channel is closed, either
// locally or because the client went away.
var ErrClosed = errors.New("stream: channel closed")

// Transport delivers frames to one client.
type Transport interface {
	Send(frame Frame) error
	Close() error
	// Done is closed once the transport can no longer deliver frames.
	Done() <-chan struct{}
}

type closer struct {
	once sync.Once
	done chan struct{}
}

func (c *closer) close() bool {
	fired := false
	c.once.Do(func() {
		close(c.done)
		fired = true
	})
	return fired
}

func (c *closer) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// SSETransport writes frames as server-sent events.
type SSETransport struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closer
}

func NewSSETransport(w http.ResponseWriter) (*SSETransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSETransport{w: w, flusher: flusher, closer: closer{done: make(chan struct{})}}, nil
}

func (t *SSETransport) Send(frame Frame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() {
		return ErrClosed
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", frame.Event, b); err != nil {
		t.closer.close()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	t.flusher.Flush()
	return nil
}

// KeepAlive writes comment lines every interval until the transport closes
// or stop fires.
func (t *SSETransport) KeepAlive(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.isClosed() {
				t.mu.Unlock()
				return
			}
			if _, err := t.w.Write([]byte(": keepalive\n\n")); err != nil {
				t.closer.close()
				t.mu.Unlock()
				return // client disconnected
			}
			t.flusher.Flush()
			t.mu.Unlock()
		}
	}
}

func (t *SSETransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closer.close()
	return nil
}

func (t *SSETransport) Done() <-chan struct{} { return t.done }

// WebSocketTransport sends frames as JSON text messages.
type WebSocketTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closer
}

func NewWebSocketTransport(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketTransport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebSocketTransport{conn: conn, writeTimeout: writeTimeout, closer: closer{done: make(chan struct{})}}
}

func (t *WebSocketTransport) Send(frame Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() {
		return ErrClosed
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := t.conn.WriteJSON(frame); err != nil {
		t.closer.close()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Disconnected marks the transport closed after the peer went away.
func (t *WebSocketTransport) Disconnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closer.close()
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closer.close() {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"), deadline)
	return t.conn.Close()
}

func (t *WebSocketTransport) Done() <-chan struct{} { return t.done }

// WriterTransport writes newline-delimited JSON frames, for CLIs and logs.
type WriterTransport struct {
	mu  sync.Mutex
	enc *json.Encoder
	closer
}

func NewWriterTransport(w io.Writer) *WriterTransport {
	return &WriterTransport{enc: json.NewEncoder(w), closer: closer{done: make(chan struct{})}}
}

func (t *WriterTransport) Send(frame Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() {
		return ErrClosed
	}
	return t.enc.Encode(frame)
}

func (t *WriterTransport) Close() error {
	t.closer.close()
	return nil
}

func (t *WriterTransport) Done() <-chan struct{} { return t.done }

// MemoryTransport records frames in memory.
type MemoryTransport struct {
	mu      sync.Mutex
	frames  []Frame
	sendErr error
	closes  int
	closer
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{closer: closer{done: make(chan struct{})}}
}

func (t *MemoryTransport) Send(frame Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() {
		return ErrClosed
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	t.frames = append(t.frames, frame)
	return nil
}

// FailSends makes every later Send return err.
func (t *MemoryTransport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// Disconnect simulates the client going away.
func (t *MemoryTransport) Disconnect() {
	t.closer.close()
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	t.closer.close()
	return nil
}

func (t *MemoryTransport) Done() <-chan struct{} { return t.done }

func (t *MemoryTransport) Frames() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Frame(nil), t.frames...)
}

// Events lists the event name of every recorded frame, in order.
func (t *MemoryTransport) Events() []Event {
	frames := t.Frames()
	out := make([]Event, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

func (t *MemoryTransport) Closed() bool { return t.isClosed() }

func (t *MemoryTransport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}
