package webui

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	sseBuffer    = 16
	sseHeartbeat = 30 * time.Second
)

// subscriber is one open event stream.
type subscriber struct {
	ch    chan []byte
	topic string
}

// Broadcaster fans snapshots out to every stream open on a topic
// ("room:<id>", "battle:<id>").
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*subscriber]struct{})}
}

func (b *Broadcaster) register(topic string) *subscriber {
	s := &subscriber{ch: make(chan []byte, sseBuffer), topic: topic}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Broadcaster) unregister(s *subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
	b.mu.Unlock()
}

// Broadcast queues data for every stream on topic. Slow streams miss
// messages; each message is a full snapshot so the next one catches them up.
func (b *Broadcaster) Broadcast(topic string, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.topic != topic {
			continue
		}
		select {
		case s.ch <- data:
		default:
		}
	}
}

// Count returns the number of open streams on topic.
func (b *Broadcaster) Count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for s := range b.subs {
		if s.topic == topic {
			n++
		}
	}
	return n
}

// Serve streams topic to w until the client goes away. first, when non-nil,
// is written before anything else.
func (b *Broadcaster) Serve(w http.ResponseWriter, r *http.Request, topic string, first []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s := b.register(topic)
	defer b.unregister(s)

	if first != nil {
		fmt.Fprintf(w, "data: %s\n\n", first)
	}
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-s.ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
