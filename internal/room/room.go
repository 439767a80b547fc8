// internal/room/room.go
//
// Battle waiting room: the rendezvous before gameplay.
// Responsibilities:
//   - Resolve identity (session or guest) and the local seat.
//   - Fetch the battle row, absorbing the race with invite acceptance by
//     retrying "not found" on a fixed delay.
//   - Track opponent presence and both ready flags from row change
//     notifications on the battle channel.
//   - Fire the transition to gameplay exactly once when both seats are ready.
//
// State flow:
//   AuthCheck -> Fetching -> WaitingForOpponent | ReadyPending -> BothReady -> Transitioned
//   LoadFailed and LoginRequired are terminal until Reload.

package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crosswars/go-client/internal/api"
	"github.com/crosswars/go-client/internal/auth"
	"github.com/crosswars/go-client/internal/localstore"
	"github.com/crosswars/go-client/internal/realtime"
	"github.com/crosswars/go-client/internal/retry"
)

// State is a waiting room state.
type State int

const (
	AuthCheck State = iota
	Fetching
	WaitingForOpponent
	ReadyPending
	BothReady
	Transitioned
	LoadFailed
	LoginRequired
)

var stateNames = [...]string{
	"auth_check", "fetching", "waiting_for_opponent", "ready_pending",
	"both_ready", "transitioned", "load_failed", "login_required",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON views.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// DefaultFetchPolicy absorbs the delay between invite acceptance and the
// battle row becoming visible.
var DefaultFetchPolicy = retry.Policy{Interval: 500 * time.Millisecond, Attempts: 12}

// ErrNotLoaded is returned by Ready before the battle has been fetched.
var ErrNotLoaded = errors.New("battle not loaded")

// Identities resolves the local player.
type Identities interface {
	Identity(ctx context.Context) (auth.Identity, error)
}

// Backend is the subset of the REST client used by the room.
type Backend interface {
	JoinBattle(ctx context.Context, id, bearer string) (*api.Battle, error)
	MarkReady(ctx context.Context, id string, seat int, bearer string) error
}

// Deps are the room's collaborators.
type Deps struct {
	Identities Identities
	Backend    Backend
	Store      localstore.Store
	Transport  realtime.Transport
}

// Ready is one seat's ready flag. The optimistic half is set locally when
// the player clicks ready; the authoritative half comes from the backend.
type Ready struct {
	Optimistic    bool `json:"optimistic"`
	Authoritative bool `json:"authoritative"`
}

// Shown is what the view displays.
func (r Ready) Shown() bool { return r.Optimistic || r.Authoritative }

// Snapshot is a point-in-time view of the room.
type Snapshot struct {
	BattleID       string `json:"battleId"`
	State          State  `json:"state"`
	Seat           int    `json:"seat,omitempty"`
	OpponentJoined bool   `json:"opponentJoined"`
	Me             Ready  `json:"me"`
	Opponent       Ready  `json:"opponent"`
	Error          string `json:"error,omitempty"`
	ReadyError     string `json:"readyError,omitempty"`
	Redirect       string `json:"redirect,omitempty"`
	PlayPath       string `json:"playPath,omitempty"`
}

// PlayPath is the gameplay page for a battle.
func PlayPath(battleID string) string { return "/battle/" + battleID + "/play" }

// Option configures a Room.
type Option func(*Room)

// WithFetchPolicy overrides DefaultFetchPolicy.
func WithFetchPolicy(p retry.Policy) Option { return func(r *Room) { r.policy = p } }

// OnTransition registers fn to run (once) when the room transitions.
func OnTransition(fn func()) Option { return func(r *Room) { r.onTransition = fn } }

// Room is one battle's waiting room.
type Room struct {
	id           string
	deps         Deps
	policy       retry.Policy
	onTransition func()

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	identity       auth.Identity
	seat           int
	opponentJoined bool
	me, opp        Ready
	loadErr        error
	readyErr       error
	redirect       string
	ch             realtime.Channel

	transitioned chan struct{}
	once         sync.Once
	updates      chan Snapshot
}

// New creates a room for battleID. Call Start to run it.
func New(battleID string, deps Deps, opts ...Option) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		id:           battleID,
		deps:         deps,
		policy:       DefaultFetchPolicy,
		ctx:          ctx,
		cancel:       cancel,
		transitioned: make(chan struct{}),
		updates:      make(chan Snapshot, 1),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start resolves identity and seat and fetches the battle. It returns when
// the room reaches WaitingForOpponent/ReadyPending (or transitions), or with
// the error that made it LoadFailed/LoginRequired.
func (r *Room) Start(ctx context.Context) error {
	r.mu.Lock()
	done := r.state == Transitioned
	r.mu.Unlock()
	if done {
		return nil
	}
	r.setState(AuthCheck)
	id, err := r.deps.Identities.Identity(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrLoginRequired) {
			redirect := auth.LoginRedirect("/battle-room/" + r.id)
			r.mu.Lock()
			r.state = LoginRequired
			r.redirect = redirect.(*auth.RedirectError).Location()
			r.mu.Unlock()
			r.publish()
			return redirect
		}
		return r.fail(err)
	}
	r.mu.Lock()
	r.identity = id
	r.loadErr = nil
	r.mu.Unlock()

	r.setState(Fetching)
	row, err := r.fetch(ctx)
	if err != nil {
		return r.fail(err)
	}

	seat, err := ResolveSeat(ctx, r.deps.Store, r.id)
	if err != nil {
		return r.fail(err)
	}
	r.mu.Lock()
	r.seat = seat
	r.mu.Unlock()
	log.Info().Str("battle", r.id).Int("seat", seat).Bool("guest", id.Guest).Msg("joined waiting room")

	r.apply(row)
	r.listen()
	return nil
}

// Reload retries a failed load.
func (r *Room) Reload(ctx context.Context) error { return r.Start(ctx) }

// fetch joins the battle, retrying while the row is not visible yet. Any
// other error stops immediately.
func (r *Room) fetch(ctx context.Context) (*api.Battle, error) {
	ctx, stop := mergeDone(ctx, r.ctx)
	defer stop()

	bearer := r.bearer()
	var row *api.Battle
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		b, err := r.deps.Backend.JoinBattle(ctx, r.id, bearer)
		if errors.Is(err, api.ErrNotFound) {
			log.Debug().Str("battle", r.id).Msg("battle not visible yet")
			return err
		}
		if err != nil {
			return retry.Permanent(err)
		}
		row = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load battle %s: %w", r.id, err)
	}
	return row, nil
}

func (r *Room) fail(err error) error {
	r.mu.Lock()
	r.state = LoadFailed
	r.loadErr = err
	r.mu.Unlock()
	log.Error().Err(err).Str("battle", r.id).Msg("waiting room failed")
	r.publish()
	return err
}

// listen subscribes to row changes on the battle channel, once.
func (r *Room) listen() {
	r.mu.Lock()
	if r.ch != nil || r.deps.Transport == nil {
		r.mu.Unlock()
		return
	}
	ch := r.deps.Transport.Channel(realtime.BattleTopic(r.id), realtime.ChannelOptions{
		Changes: []realtime.ChangeFilter{realtime.BattleRowFilter(r.id)},
	})
	r.ch = ch
	r.mu.Unlock()

	ch.On(realtime.EventRowChange, func(m realtime.Message) {
		var row api.Battle
		if err := m.Decode(&row); err != nil {
			log.Warn().Err(err).Msg("bad battle row change")
			return
		}
		if row.ID != "" && row.ID != r.id {
			return
		}
		r.apply(&row)
	})
	if err := ch.Subscribe(func(s realtime.Status, err error) {
		if err != nil {
			log.Warn().Err(err).Str("status", string(s)).Str("battle", r.id).Msg("room channel")
		}
	}); err != nil {
		log.Warn().Err(err).Str("battle", r.id).Msg("room subscribe")
	}
}

// apply folds an authoritative battle row into the room.
func (r *Room) apply(row *api.Battle) {
	r.mu.Lock()
	if r.state == Transitioned || r.seat == 0 {
		r.mu.Unlock()
		return
	}
	other := Other(r.seat)
	r.opponentJoined = row.Occupied(other)
	r.me.Authoritative = row.Ready(r.seat)
	r.opp.Authoritative = row.Ready(other)

	both := r.me.Authoritative && r.opp.Authoritative
	switch {
	case both:
		r.state = BothReady
	case r.opponentJoined:
		r.state = ReadyPending
	default:
		r.state = WaitingForOpponent
	}
	r.mu.Unlock()

	if both {
		r.transition()
	}
	r.publish()
}

func (r *Room) transition() {
	r.once.Do(func() {
		r.mu.Lock()
		r.state = Transitioned
		r.mu.Unlock()
		log.Info().Str("battle", r.id).Msg("both players ready")
		close(r.transitioned)
		if r.onTransition != nil {
			r.onTransition()
		}
	})
}

// Ready marks the local seat ready: optimistically at once, then on the
// backend. A backend failure is logged and recorded but the optimistic flag
// stays; calling Ready again retries.
func (r *Room) Ready(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case WaitingForOpponent, ReadyPending, BothReady:
	default:
		r.mu.Unlock()
		return ErrNotLoaded
	}
	r.me.Optimistic = true
	r.readyErr = nil
	seat := r.seat
	r.mu.Unlock()
	r.publish()

	err := r.deps.Backend.MarkReady(ctx, r.id, seat, r.bearer())
	if err != nil {
		log.Warn().Err(err).Str("battle", r.id).Int("seat", seat).Msg("ready update failed")
		r.mu.Lock()
		r.readyErr = err
		r.mu.Unlock()
		r.publish()
	}
	return err
}

// Transitioned is closed when both players are ready.
func (r *Room) Transitioned() <-chan struct{} { return r.transitioned }

// Updates delivers the latest snapshot after each change. Only the most
// recent undelivered snapshot is kept.
func (r *Room) Updates() <-chan Snapshot { return r.updates }

// Snapshot returns the current view.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		BattleID:       r.id,
		State:          r.state,
		Seat:           r.seat,
		OpponentJoined: r.opponentJoined,
		Me:             r.me,
		Opponent:       r.opp,
		Redirect:       r.redirect,
	}
	if r.loadErr != nil {
		s.Error = "Failed to load battle."
	}
	if r.readyErr != nil {
		s.ReadyError = api.Message(r.readyErr)
	}
	if r.state == Transitioned {
		s.PlayPath = PlayPath(r.id)
	}
	return s
}

// Identity is the identity resolved by Start.
func (r *Room) Identity() auth.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// Close stops retries and leaves the channel.
func (r *Room) Close() error {
	r.cancel()
	r.mu.Lock()
	ch := r.ch
	r.mu.Unlock()
	if ch != nil {
		return ch.Close()
	}
	return nil
}

func (r *Room) bearer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity.Token
}

func (r *Room) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.publish()
}

func (r *Room) publish() {
	s := r.Snapshot()
	for {
		select {
		case r.updates <- s:
			return
		default:
		}
		select {
		case <-r.updates:
		default:
		}
	}
}

// mergeDone returns a context cancelled when either a or b is done.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
