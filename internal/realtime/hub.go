package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const hubChannelBuffer = 64

// Hub is an in-process Transport. Every channel on a topic receives the
// broadcasts of every other subscribed channel on that topic.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*hubChannel]struct{}

	subscribeDelay time.Duration
	neverSubscribe bool
	echo           bool
}

// HubOption tweaks a Hub.
type HubOption func(*Hub)

// WithSubscribeDelay delays subscription confirmation, like a slow socket.
func WithSubscribeDelay(d time.Duration) HubOption {
	return func(h *Hub) { h.subscribeDelay = d }
}

// WithNeverSubscribe makes subscriptions hang forever.
func WithNeverSubscribe() HubOption {
	return func(h *Hub) { h.neverSubscribe = true }
}

// WithEcho delivers broadcasts back to their sender regardless of
// ChannelOptions.Self, like providers that always echo.
func WithEcho() HubOption {
	return func(h *Hub) { h.echo = true }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{topics: make(map[string]map[*hubChannel]struct{})}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Channel opens a channel on topic.
func (h *Hub) Channel(topic string, opts ChannelOptions) Channel {
	c := &hubChannel{
		hub:      h,
		topic:    topic,
		self:     opts.Self || h.echo,
		handlers: make(map[string][]Handler),
		queue:    make(chan Message, hubChannelBuffer),
		done:     make(chan struct{}),
	}
	go c.pump()
	return c
}

// Publish injects a server-side event (e.g. a row change) to every subscriber of topic.
func (h *Hub) Publish(topic, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.deliver(nil, topic, Message{Event: event, Payload: raw})
	return nil
}

// Subscribers counts the confirmed subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) join(c *hubChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[c.topic]
	if !ok {
		set = make(map[*hubChannel]struct{})
		h.topics[c.topic] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) leave(c *hubChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.topics[c.topic], c)
}

func (h *Hub) deliver(from *hubChannel, topic string, m Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.topics[topic] {
		if c == from && !c.self {
			continue
		}
		select {
		case c.queue <- m:
		default:
			// Subscriber is lagging; drop like a real provider would.
		}
	}
}

type hubChannel struct {
	hub   *Hub
	topic string
	self  bool

	mu         sync.RWMutex
	handlers   map[string][]Handler
	subscribed bool
	closed     bool
	timer      *time.Timer

	queue     chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (c *hubChannel) Topic() string { return c.topic }

func (c *hubChannel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *hubChannel) Subscribe(onStatus func(Status, error)) error {
	if c.hub.neverSubscribe {
		return nil
	}
	confirm := func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.subscribed = true
		c.mu.Unlock()
		c.hub.join(c)
		if onStatus != nil {
			onStatus(StatusSubscribed, nil)
		}
	}
	if c.hub.subscribeDelay <= 0 {
		go confirm()
		return nil
	}
	c.mu.Lock()
	c.timer = time.AfterFunc(c.hub.subscribeDelay, confirm)
	c.mu.Unlock()
	return nil
}

func (c *hubChannel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	closed, subscribed := c.closed, c.subscribed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !subscribed {
		return ErrNotSubscribed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.hub.deliver(c, c.topic, Message{Event: event, Payload: raw})
	return nil
}

func (c *hubChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.subscribed = false
		if c.timer != nil {
			c.timer.Stop()
		}
		c.mu.Unlock()
		c.hub.leave(c)
		close(c.done)
	})
	return nil
}

func (c *hubChannel) pump() {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.queue:
			c.dispatch(m)
		}
	}
}

func (c *hubChannel) dispatch(m Message) {
	c.mu.RLock()
	hs := append([]Handler(nil), c.handlers[m.Event]...)
	c.mu.RUnlock()
	for _, h := range hs {
		h(m)
	}
}
