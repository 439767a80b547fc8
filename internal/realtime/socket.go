// internal/realtime/socket.go
//
// Phoenix-channel websocket client speaking the Supabase Realtime protocol.
// Responsibilities:
//   - One websocket per process, multiplexing many topic channels.
//   - phx_join with broadcast/postgres_changes config; phx_reply confirms.
//   - "broadcast" frames routed to handlers by their inner event name.
//   - "postgres_changes" frames routed as EventRowChange with the new record.
//   - Heartbeats on the "phoenix" topic; phx_leave on channel close.

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	protocolVersion   = "1.0.0"
	heartbeatInterval = 30 * time.Second
	writeWait         = 10 * time.Second
	sendBuffer        = 64

	topicPrefix = "realtime:"
)

// Phoenix control events.
const (
	phxJoin      = "phx_join"
	phxLeave     = "phx_leave"
	phxReply     = "phx_reply"
	phxError     = "phx_error"
	phxClose     = "phx_close"
	phxHeartbeat = "heartbeat"
	phxBroadcast = "broadcast"
	phxAccess    = "access_token"
)

// frame is one Phoenix v1 JSON message.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// Socket is a Transport over one Phoenix websocket.
type Socket struct {
	conn   *websocket.Conn
	apiKey string

	token atomic.Value // string

	ref  atomic.Uint64
	send chan frame

	mu       sync.Mutex
	channels map[string]*socketChannel

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// SocketURL turns a realtime endpoint (http(s) or ws(s), with or without the
// /realtime/v1/websocket suffix) into the dial URL.
func SocketURL(endpoint, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("realtime url: unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", protocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the realtime endpoint. token is the user's access token,
// or empty to use the api key as the token.
func Dial(ctx context.Context, endpoint, apiKey, token string) (*Socket, error) {
	target, err := SocketURL(endpoint, apiKey)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	s := &Socket{
		conn:     conn,
		apiKey:   apiKey,
		send:     make(chan frame, sendBuffer),
		channels: make(map[string]*socketChannel),
		done:     make(chan struct{}),
	}
	s.SetToken(token)
	go s.writePump()
	go s.readPump()
	return s, nil
}

// SetToken replaces the access token used for subsequent joins and pushes it
// to joined channels.
func (s *Socket) SetToken(token string) {
	if token == "" {
		token = s.apiKey
	}
	s.token.Store(token)

	s.mu.Lock()
	chans := make([]*socketChannel, 0, len(s.channels))
	for _, c := range s.channels {
		chans = append(chans, c)
	}
	s.mu.Unlock()
	for _, c := range chans {
		if c.isSubscribed() {
			payload, _ := json.Marshal(map[string]string{"access_token": token})
			s.push(frame{Topic: c.wireTopic, Event: phxAccess, Payload: payload, Ref: s.nextRef(), JoinRef: c.joinRef})
		}
	}
}

func (s *Socket) accessToken() string {
	v, _ := s.token.Load().(string)
	return v
}

// Done is closed when the connection is gone.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Err is the reason the connection ended, once Done is closed.
func (s *Socket) Err() error {
	<-s.done
	return s.err
}

// Close closes every channel and the connection.
func (s *Socket) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Socket) shutdown(reason error) {
	s.closeOnce.Do(func() {
		s.err = reason
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = s.conn.Close()

		s.mu.Lock()
		chans := s.channels
		s.channels = make(map[string]*socketChannel)
		s.mu.Unlock()
		for _, c := range chans {
			c.lost(reason)
		}
	})
}

func (s *Socket) nextRef() string { return strconv.FormatUint(s.ref.Add(1), 10) }

func (s *Socket) push(f frame) bool {
	select {
	case <-s.done:
		return false
	case s.send <- f:
		return true
	}
}

// Channel opens a channel on topic. Each topic can be open once per socket;
// opening it again replaces the previous channel.
func (s *Socket) Channel(topic string, opts ChannelOptions) Channel {
	c := &socketChannel{
		socket:    s,
		topic:     topic,
		wireTopic: topicPrefix + topic,
		opts:      opts,
		handlers:  make(map[string][]Handler),
	}
	s.mu.Lock()
	prev := s.channels[c.wireTopic]
	s.channels[c.wireTopic] = c
	s.mu.Unlock()
	if prev != nil {
		prev.detach()
	}
	return c
}

func (s *Socket) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.shutdown(fmt.Errorf("realtime write: %w", err))
				return
			}
		case <-ticker.C:
			hb := frame{Topic: "phoenix", Event: phxHeartbeat, Payload: json.RawMessage(`{}`), Ref: s.nextRef()}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(hb); err != nil {
				s.shutdown(fmt.Errorf("realtime heartbeat: %w", err))
				return
			}
		}
	}
}

func (s *Socket) readPump() {
	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				s.shutdown(fmt.Errorf("realtime read: %w", err))
			}
			return
		}
		if f.Topic == "phoenix" {
			continue
		}
		s.mu.Lock()
		c := s.channels[f.Topic]
		s.mu.Unlock()
		if c == nil {
			continue
		}
		c.handle(f)
	}
}

type socketChannel struct {
	socket    *Socket
	topic     string
	wireTopic string
	opts      ChannelOptions

	mu         sync.RWMutex
	handlers   map[string][]Handler
	onStatus   func(Status, error)
	joinRef    string
	subscribed bool
	closed     bool
}

func (c *socketChannel) Topic() string { return c.topic }

func (c *socketChannel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

type joinConfig struct {
	Broadcast struct {
		Self bool `json:"self"`
		Ack  bool `json:"ack"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
	PostgresChanges []ChangeFilter `json:"postgres_changes"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

func (c *socketChannel) Subscribe(onStatus func(Status, error)) error {
	var jp joinPayload
	jp.Config.Broadcast.Self = c.opts.Self
	jp.Config.PostgresChanges = c.opts.Changes
	if jp.Config.PostgresChanges == nil {
		jp.Config.PostgresChanges = []ChangeFilter{}
	}
	jp.AccessToken = c.socket.accessToken()
	payload, err := json.Marshal(jp)
	if err != nil {
		return err
	}

	ref := c.socket.nextRef()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.onStatus = onStatus
	c.joinRef = ref
	c.mu.Unlock()

	if !c.socket.push(frame{Topic: c.wireTopic, Event: phxJoin, Payload: payload, Ref: ref, JoinRef: ref}) {
		return ErrClosed
	}
	return nil
}

type broadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (c *socketChannel) Send(ctx context.Context, event string, payload any) error {
	c.mu.RLock()
	closed, subscribed, joinRef := c.closed, c.subscribed, c.joinRef
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !subscribed {
		return ErrNotSubscribed
	}
	inner, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(broadcastPayload{Type: phxBroadcast, Event: event, Payload: inner})
	if err != nil {
		return err
	}
	f := frame{Topic: c.wireTopic, Event: phxBroadcast, Payload: body, Ref: c.socket.nextRef(), JoinRef: joinRef}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.socket.done:
		return ErrClosed
	case c.socket.send <- f:
		return nil
	}
}

func (c *socketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasJoined := c.joinRef != ""
	joinRef := c.joinRef
	c.subscribed = false
	c.mu.Unlock()

	c.socket.mu.Lock()
	if c.socket.channels[c.wireTopic] == c {
		delete(c.socket.channels, c.wireTopic)
	}
	c.socket.mu.Unlock()

	if wasJoined {
		c.socket.push(frame{Topic: c.wireTopic, Event: phxLeave, Payload: json.RawMessage(`{}`), Ref: c.socket.nextRef(), JoinRef: joinRef})
	}
	return nil
}

// detach stops delivery without leaving, for a channel replaced on its topic.
func (c *socketChannel) detach() {
	c.mu.Lock()
	c.closed = true
	c.subscribed = false
	c.mu.Unlock()
}

func (c *socketChannel) isSubscribed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed
}

func (c *socketChannel) lost(reason error) {
	c.mu.Lock()
	c.subscribed = false
	onStatus := c.onStatus
	c.mu.Unlock()
	if onStatus != nil {
		onStatus(StatusClosed, reason)
	}
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	Data *struct {
		Type   string          `json:"type"`
		Record json.RawMessage `json:"record"`
	} `json:"data"`
	Record json.RawMessage `json:"record"`
}

func (c *socketChannel) handle(f frame) {
	c.mu.RLock()
	closed, joinRef, onStatus := c.closed, c.joinRef, c.onStatus
	c.mu.RUnlock()
	if closed {
		return
	}

	switch f.Event {
	case phxReply:
		if f.Ref != joinRef {
			return
		}
		var rp replyPayload
		_ = json.Unmarshal(f.Payload, &rp)
		if rp.Status == "ok" {
			c.mu.Lock()
			c.subscribed = true
			c.mu.Unlock()
			log.Debug().Str("topic", c.topic).Msg("realtime subscribed")
			if onStatus != nil {
				onStatus(StatusSubscribed, nil)
			}
			return
		}
		err := fmt.Errorf("realtime join %s: %s %s", c.topic, rp.Status, string(rp.Response))
		if onStatus != nil {
			onStatus(StatusChannelError, err)
		}
	case phxError:
		c.mu.Lock()
		c.subscribed = false
		c.mu.Unlock()
		if onStatus != nil {
			onStatus(StatusChannelError, errors.New("realtime: channel error on "+c.topic))
		}
	case phxClose:
		c.mu.Lock()
		c.subscribed = false
		c.mu.Unlock()
		if onStatus != nil {
			onStatus(StatusClosed, nil)
		}
	case phxBroadcast:
		var bp broadcastPayload
		if err := json.Unmarshal(f.Payload, &bp); err != nil || bp.Event == "" {
			return
		}
		c.dispatch(Message{Event: bp.Event, Payload: bp.Payload})
	case EventRowChange:
		var cp changePayload
		if err := json.Unmarshal(f.Payload, &cp); err != nil {
			return
		}
		record := cp.Record
		if cp.Data != nil && len(cp.Data.Record) > 0 {
			record = cp.Data.Record
		}
		if len(record) == 0 {
			return
		}
		c.dispatch(Message{Event: EventRowChange, Payload: record})
	}
}

func (c *socketChannel) dispatch(m Message) {
	c.mu.RLock()
	hs := append([]Handler(nil), c.handlers[m.Event]...)
	c.mu.RUnlock()
	for _, h := range hs {
		h(m)
	}
}
