package services

import (
	"bytes"
	"sync"
)

// Stream messages are "output:<line>" while running and one final
// "complete:<status>".
const (
	StreamOutputPrefix   = "output:"
	StreamCompletePrefix = "complete:"
)

// streamHub fans output lines out to subscribers of a run id. Slow
// subscribers drop lines rather than block the run.
type streamHub struct {
	mu      sync.RWMutex
	streams map[int64][]chan string
}

func newStreamHub() *streamHub {
	return &streamHub{streams: make(map[int64][]chan string)}
}

func (h *streamHub) subscribe(id int64) chan string {
	ch := make(chan string, 100)
	h.mu.Lock()
	h.streams[id] = append(h.streams[id], ch)
	h.mu.Unlock()
	return ch
}

func (h *streamHub) unsubscribe(id int64, ch chan string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	channels := h.streams[id]
	for i, c := range channels {
		if c == ch {
			h.streams[id] = append(channels[:i], channels[i+1:]...)
			close(ch)
			break
		}
	}
	if len(h.streams[id]) == 0 {
		delete(h.streams, id)
	}
}

func (h *streamHub) broadcast(id int64, msg string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.streams[id] {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *streamHub) line(id int64, line string) {
	h.broadcast(id, StreamOutputPrefix+line)
}

func (h *streamHub) complete(id int64, status string) {
	h.broadcast(id, StreamCompletePrefix+status)
}

// outputCollector is an io.Writer that splits writes into lines, forwards
// each to a hub and keeps up to limit bytes of combined output.
type outputCollector struct {
	mu        sync.Mutex
	hub       *streamHub
	id        int64
	limit     int
	buf       bytes.Buffer
	partial   []byte
	truncated bool
}

func newOutputCollector(hub *streamHub, id int64, limit int) *outputCollector {
	return &outputCollector{hub: hub, id: id, limit: limit}
}

func (o *outputCollector) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.partial = append(o.partial, p...)
	for {
		i := bytes.IndexByte(o.partial, '\n')
		if i < 0 {
			break
		}
		o.emit(string(bytes.TrimRight(o.partial[:i], "\r")))
		o.partial = o.partial[i+1:]
	}
	return len(p), nil
}

func (o *outputCollector) emit(line string) {
	if o.hub != nil {
		o.hub.line(o.id, line)
	}
	if o.truncated {
		return
	}
	if o.limit > 0 && o.buf.Len()+len(line)+1 > o.limit {
		o.truncated = true
		o.buf.WriteString("... output truncated\n")
		return
	}
	o.buf.WriteString(line)
	o.buf.WriteByte('\n')
}

// String flushes any unterminated line and returns the collected output.
func (o *outputCollector) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.partial) > 0 {
		o.emit(string(o.partial))
		o.partial = nil
	}
	return o.buf.String()
}
