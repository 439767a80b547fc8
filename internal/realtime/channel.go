// internal/realtime/channel.go
//
// Broadcast channels between the two players of a battle.
//
// Delivery is best effort: messages may be dropped, arrive out of order, or
// (depending on the provider) be echoed back to the sender. Callers must not
// assume more than at-most-once delivery per Send.
//
// Two transports implement the same Channel interface:
//   - Socket (socket.go): Phoenix-protocol websocket, as spoken by Supabase Realtime.
//   - Hub (hub.go): in-process fan-out for local play and tests.

package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

// Event names carried on a battle channel.
const (
	EventCellSelected   = "cell_selected"
	EventCellFilled     = "cell_filled"
	EventPlayerFinished = "player_finished"

	// EventRowChange delivers the battle row after a database change.
	EventRowChange = "postgres_changes"
)

// ErrNotSubscribed is returned by Send before the subscription is confirmed.
var ErrNotSubscribed = errors.New("realtime: channel not subscribed")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("realtime: channel closed")

// BattleTopic is the channel name for a battle.
func BattleTopic(battleID string) string { return "battle-" + battleID }

// Status is a subscription state change.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusClosed       Status = "CLOSED"
)

// Message is one inbound event.
type Message struct {
	Event   string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error { return json.Unmarshal(m.Payload, v) }

// Handler receives inbound messages. Handlers for one channel run one at a
// time on the transport's delivery goroutine and must not block.
type Handler func(Message)

// Channel is a subscription to one topic.
type Channel interface {
	Topic() string

	// On registers h for event. Register before Subscribe so nothing that
	// arrives right after confirmation is missed.
	On(event string, h Handler)

	// Subscribe starts joining the topic and returns immediately. onStatus is
	// called on confirmation and on later failures; it may never be called if
	// the provider never answers.
	Subscribe(onStatus func(Status, error)) error

	// Send broadcasts payload under event. Fails with ErrNotSubscribed until
	// the subscription is confirmed.
	Send(ctx context.Context, event string, payload any) error

	// Close leaves the topic and stops delivery.
	Close() error
}

// ChangeFilter selects database change notifications to deliver as EventRowChange.
type ChangeFilter struct {
	Event  string `json:"event"` // "*", "INSERT", "UPDATE", "DELETE"
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// BattleRowFilter watches one battle row.
func BattleRowFilter(battleID string) ChangeFilter {
	return ChangeFilter{Event: "*", Schema: "public", Table: "battles", Filter: "id=eq." + battleID}
}

// ChannelOptions configure a subscription.
type ChannelOptions struct {
	Self    bool           // receive own broadcasts
	Changes []ChangeFilter // database changes to deliver
}

// Transport opens channels.
type Transport interface {
	Channel(topic string, opts ChannelOptions) Channel
}

// Payloads. Field names are shared with the browser client and must round-trip.

type CellSelected struct {
	Row    int    `json:"row"`
	Col    int    `json:"col"`
	Player string `json:"player"`
}

type CellFilled struct {
	Row    int    `json:"row"`
	Col    int    `json:"col"`
	Letter string `json:"letter"`
	Player string `json:"player"`
}

type PlayerFinished struct {
	Player string `json:"player"`
}
