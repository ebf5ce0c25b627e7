package web

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
)

// StatusPath is the SSE endpoint; go-sse uses the request path as channel name.
const StatusPath = "/status/stream"

// historySize is how many recent events GET /status returns.
const historySize = 50

// StatusEvent represents a single status message for SSE.
type StatusEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// queueSize is how many events may wait for the SSE relay before new
// ones are dropped from the stream. Dropped events stay in the history.
const queueSize = 256

// StatusBroadcaster distributes status messages to SSE clients and keeps
// the most recent ones for clients that connect late.
//
// Only the relay goroutine talks to the SSE server, so a client that stops
// reading can stall the stream but never a caller of Broadcast.
type StatusBroadcaster struct {
	sse   *sse.Server
	queue chan *sse.Message

	mu      sync.Mutex
	history []StatusEvent
	closed  bool
	dropped int
}

// NewStatusBroadcaster creates a new broadcaster and starts its relay.
func NewStatusBroadcaster() *StatusBroadcaster {
	b := &StatusBroadcaster{
		sse: sse.NewServer(&sse.Options{
			Logger: log.New(io.Discard, "", 0),
		}),
		queue: make(chan *sse.Message, queueSize),
	}
	go b.relay()
	return b
}

// relay forwards queued events to the SSE clients, then shuts the SSE
// server down once Close has been called and the queue is drained.
func (b *StatusBroadcaster) relay() {
	for msg := range b.queue {
		b.sse.SendMessage(StatusPath, msg)
	}
	b.sse.Shutdown()
}

// Broadcast records a message and queues it for all subscribed clients.
// It never blocks on a client.
// Messages are sent as JSON: {"t":"...","l":"info","msg":"..."}
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	evt := StatusEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, evt)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	if b.closed {
		return
	}
	select {
	case b.queue <- sse.SimpleMessage(string(data)):
	default:
		b.dropped++
	}
}

// Dropped returns how many events were kept out of the stream because the
// relay was behind.
func (b *StatusBroadcaster) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// Recent returns a copy of the latest events, oldest first.
func (b *StatusBroadcaster) Recent() []StatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StatusEvent(nil), b.history...)
}

// ServeHTTP streams events to one SSE client until it disconnects.
func (b *StatusBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.sse.ServeHTTP(w, r)
}

// Close stops streaming. Clients are disconnected once the relay has sent
// what is already queued; Close itself does not wait for that. Later
// events are only kept in the history.
func (b *StatusBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.queue)
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.BroadcastMsg(msg)
	}
	return len(p), nil
}
