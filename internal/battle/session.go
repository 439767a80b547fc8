// internal/battle/session.go
//
// Battle gameplay: two clients loosely synchronized over a broadcast channel
// that may drop, reorder, or echo messages, with the backend as the single
// authority on who won.
// Responsibilities:
//   - Local grid input with auto-advance; completion detected once.
//   - Outbound cell_selected / cell_filled / player_finished broadcasts,
//     retried in the background while the channel subscribes.
//   - Inbound events applied to the opponent mirror, ignoring our own echoes.
//   - Win/loss from the backend: complete (409 -> read), or poll after the
//     opponent finishes.
//
// Notes:
//   - Only letters that match the solution are broadcast. Clearing a cell is
//     never broadcast.
//   - The board is only written by Input; the mirror only by inbound events.

package battle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crosswars/go-client/internal/api"
	"github.com/crosswars/go-client/internal/auth"
	"github.com/crosswars/go-client/internal/game"
	"github.com/crosswars/go-client/internal/localstore"
	"github.com/crosswars/go-client/internal/realtime"
	"github.com/crosswars/go-client/internal/retry"
	"github.com/crosswars/go-client/internal/room"
)

var (
	// ErrFrozen is returned for input after the game is over for this player.
	ErrFrozen = errors.New("input is frozen")

	// ErrNotFinished is returned by ResolveOutcome before anyone finished.
	ErrNotFinished = errors.New("nobody has finished yet")

	// ErrResolving is returned by ResolveOutcome while a resolution is running.
	ErrResolving = errors.New("outcome resolution in progress")

	errNoWinnerYet = errors.New("winner not recorded yet")
)

// DefaultSendPolicy covers the channel's subscription latency.
var DefaultSendPolicy = retry.Policy{Interval: 120 * time.Millisecond, Attempts: 25}

// DefaultWinnerPolicy bounds polling for the winner after the opponent finishes.
var DefaultWinnerPolicy = retry.Policy{Interval: 500 * time.Millisecond, Attempts: 20}

// Identities resolves the local player.
type Identities interface {
	Identity(ctx context.Context) (auth.Identity, error)
}

// Backend is the subset of the REST client used during play.
type Backend interface {
	BattlePuzzle(ctx context.Context, battleID string) (*game.Wire, error)
	StartBattle(ctx context.Context, id, bearer string) error
	CompleteBattle(ctx context.Context, id string, req api.CompleteRequest, bearer string) (string, error)
	GetBattle(ctx context.Context, id, bearer string) (*api.Battle, error)
	UpdateBattleStats(ctx context.Context, r api.BattleResult, bearer string) error
}

// Deps are the session's collaborators.
type Deps struct {
	Identities Identities
	Backend    Backend
	Store      localstore.Store
	Transport  realtime.Transport
}

// Option configures a Session.
type Option func(*Session)

// WithSendPolicy overrides DefaultSendPolicy.
func WithSendPolicy(p retry.Policy) Option { return func(s *Session) { s.sendPolicy = p } }

// WithWinnerPolicy overrides DefaultWinnerPolicy.
func WithWinnerPolicy(p retry.Policy) Option { return func(s *Session) { s.winnerPolicy = p } }

// WithClock sets the timer's clock.
func WithClock(now func() time.Time) Option { return func(s *Session) { s.timer.Now = now } }

// Session is one player's view of a battle.
type Session struct {
	id           string
	deps         Deps
	identity     auth.Identity
	seat         int
	puzzle       *game.Puzzle
	sendPolicy   retry.Policy
	winnerPolicy retry.Policy

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
	life    sync.Mutex // guards closed and every pending.Add
	closed  bool
	ch      realtime.Channel
	ready   atomic.Bool
	dropped atomic.Int64

	mu               sync.Mutex
	board            *game.Board
	mirror           *game.Mirror
	cursor           *game.Cursor
	timer            game.Timer
	completed        bool
	frozen           bool
	opponentFinished bool
	resolving        bool
	outcome          game.Outcome
	winnerID         string
	resolveErr       error

	resolved     chan struct{}
	resolvedOnce sync.Once
	updates      chan Snapshot
}

// Open loads the puzzle, subscribes to the battle channel, and starts the
// clock. Handlers are registered before subscribing so nothing sent right
// after confirmation is lost.
func Open(ctx context.Context, battleID string, deps Deps, opts ...Option) (*Session, error) {
	id, err := deps.Identities.Identity(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrLoginRequired) {
			return nil, auth.LoginRedirect(room.PlayPath(battleID))
		}
		return nil, err
	}
	seat, err := room.ResolveSeat(ctx, deps.Store, battleID)
	if err != nil {
		return nil, err
	}
	wire, err := deps.Backend.BattlePuzzle(ctx, battleID)
	if err != nil {
		return nil, fmt.Errorf("load battle puzzle: %w", err)
	}
	p, err := game.ParsePuzzle(*wire)
	if err != nil {
		return nil, fmt.Errorf("load battle puzzle: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           battleID,
		deps:         deps,
		identity:     id,
		seat:         seat,
		puzzle:       p,
		sendPolicy:   DefaultSendPolicy,
		winnerPolicy: DefaultWinnerPolicy,
		ctx:          sctx,
		cancel:       cancel,
		board:        game.NewBoard(p),
		mirror:       game.NewMirror(p),
		outcome:      game.OutcomePending,
		resolved:     make(chan struct{}),
		updates:      make(chan Snapshot, 1),
	}
	for _, o := range opts {
		o(s)
	}

	s.ch = deps.Transport.Channel(realtime.BattleTopic(battleID), realtime.ChannelOptions{})
	s.ch.On(realtime.EventCellSelected, s.onCellSelected)
	s.ch.On(realtime.EventCellFilled, s.onCellFilled)
	s.ch.On(realtime.EventPlayerFinished, s.onPlayerFinished)
	if err := s.ch.Subscribe(s.onStatus); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", realtime.BattleTopic(battleID), err)
	}

	s.timer.Start()
	s.spawn(func(ctx context.Context) {
		if err := deps.Backend.StartBattle(ctx, battleID, id.Token); err != nil {
			log.Warn().Err(err).Str("battle", battleID).Msg("start battle")
		}
	})
	log.Info().Str("battle", battleID).Str("player", id.ID).Int("seat", seat).Msg("battle opened")
	return s, nil
}

func (s *Session) onStatus(st realtime.Status, err error) {
	switch st {
	case realtime.StatusSubscribed:
		s.ready.Store(true)
		log.Debug().Str("battle", s.id).Msg("battle channel ready")
	default:
		s.ready.Store(false)
		log.Warn().Err(err).Str("battle", s.id).Str("status", string(st)).Msg("battle channel")
	}
	s.publish()
}

// ------------------------------- input --------------------------------------

// Select moves the local cursor and tells the opponent.
func (s *Session) Select(row, col int) error {
	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		return ErrFrozen
	}
	if !s.puzzle.InRange(row, col) {
		s.mu.Unlock()
		return game.ErrOutOfRange
	}
	if s.puzzle.IsBlocked(row, col) {
		s.mu.Unlock()
		return game.ErrBlockedCell
	}
	s.cursor = &game.Cursor{Row: row, Col: col}
	s.mu.Unlock()

	s.broadcast(realtime.EventCellSelected, realtime.CellSelected{Row: row, Col: col, Player: s.identity.ID})
	s.publish()
	return nil
}

// Input writes value into (row, col). The board keeps exactly what was typed;
// only a correct letter is broadcast. The cursor advances to the next white
// cell in the row after a letter.
func (s *Session) Input(row, col int, value string) error {
	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		return ErrFrozen
	}
	letter, err := s.board.Set(s.puzzle, row, col, value)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if letter != "" {
		if next, ok := game.NextCell(s.puzzle, row, col); ok {
			s.cursor = &next
		}
	}
	correct := letter != "" && s.puzzle.Matches(row, col, letter)
	finished := !s.completed && s.board.Complete(s.puzzle)
	if finished {
		s.completed = true
		s.frozen = true
		s.timer.Stop()
	}
	s.mu.Unlock()

	if correct {
		s.broadcast(realtime.EventCellFilled, realtime.CellFilled{Row: row, Col: col, Letter: letter, Player: s.identity.ID})
	}
	if finished {
		log.Info().Str("battle", s.id).Int("seconds", s.elapsed()).Msg("puzzle complete")
		s.spawn(s.finish)
	}
	s.publish()
	return nil
}

// ------------------------------ outbound ------------------------------------

// broadcast sends in the background, retrying while the channel is not yet
// subscribed. It never blocks the caller; after the last attempt the message
// is dropped with a warning.
func (s *Session) broadcast(event string, payload any) {
	s.life.Lock()
	defer s.life.Unlock()
	if s.closed {
		return
	}
	task := retry.Schedule(s.ctx, s.sendPolicy, func(ctx context.Context) error {
		if !s.ready.Load() {
			return realtime.ErrNotSubscribed
		}
		err := s.ch.Send(ctx, event, payload)
		if err == nil || errors.Is(err, realtime.ErrNotSubscribed) {
			return err
		}
		return retry.Permanent(err)
	})
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := task.Wait(); err != nil && s.ctx.Err() == nil {
			s.dropped.Add(1)
			log.Warn().Err(err).Str("battle", s.id).Str("event", event).Msg("dropping broadcast")
		}
	}()
}

// ------------------------------ inbound -------------------------------------

func (s *Session) self(player string) bool { return player == s.identity.ID }

func (s *Session) onCellSelected(m realtime.Message) {
	var ev realtime.CellSelected
	if err := m.Decode(&ev); err != nil || s.self(ev.Player) {
		return
	}
	s.mu.Lock()
	changed := s.mirror.Select(s.puzzle, ev.Row, ev.Col)
	s.mu.Unlock()
	if changed {
		s.publish()
	}
}

func (s *Session) onCellFilled(m realtime.Message) {
	var ev realtime.CellFilled
	if err := m.Decode(&ev); err != nil || s.self(ev.Player) {
		return
	}
	s.mu.Lock()
	changed := s.mirror.Fill(s.puzzle, ev.Row, ev.Col, ev.Letter)
	s.mu.Unlock()
	if changed {
		s.publish()
	}
}

// onPlayerFinished treats the broadcast only as "stop typing"; the winner
// always comes from the backend.
func (s *Session) onPlayerFinished(m realtime.Message) {
	var ev realtime.PlayerFinished
	if err := m.Decode(&ev); err != nil || s.self(ev.Player) {
		return
	}
	s.mu.Lock()
	if s.opponentFinished {
		s.mu.Unlock()
		return
	}
	s.opponentFinished = true
	s.frozen = true
	s.timer.Stop()
	start := s.outcome == game.OutcomePending && !s.resolving
	if start {
		s.resolving = true
	}
	s.mu.Unlock()
	log.Info().Str("battle", s.id).Msg("opponent finished")

	if start {
		s.spawn(func(ctx context.Context) {
			err := s.pollWinner(ctx)
			s.endResolve(err)
		})
	}
	s.publish()
}

// ----------------------------- resolution -----------------------------------

// finish runs once after local completion: complete on the backend (reading
// the row if the opponent got there first), then tell the opponent.
func (s *Session) finish(ctx context.Context) {
	s.mu.Lock()
	if s.resolving {
		s.mu.Unlock()
		s.broadcast(realtime.EventPlayerFinished, realtime.PlayerFinished{Player: s.identity.ID})
		return
	}
	s.resolving = true
	s.mu.Unlock()

	err := s.complete(ctx)
	s.endResolve(err)
	s.broadcast(realtime.EventPlayerFinished, realtime.PlayerFinished{Player: s.identity.ID})
}

func (s *Session) complete(ctx context.Context) error {
	req := api.CompleteRequest{PlayerID: s.identity.ID, IsGuest: s.identity.Guest}
	winner, err := s.deps.Backend.CompleteBattle(ctx, s.id, req, s.identity.Token)
	switch {
	case errors.Is(err, api.ErrAlreadyCompleted):
		log.Info().Str("battle", s.id).Msg("battle already completed; reading winner")
		return s.pollWinner(ctx)
	case err != nil:
		return fmt.Errorf("complete battle: %w", err)
	case winner == "":
		return s.pollWinner(ctx)
	}
	s.setOutcome(winner)
	return nil
}

// pollWinner reads the battle row until it names a winner.
func (s *Session) pollWinner(ctx context.Context) error {
	var winner string
	err := retry.Do(ctx, s.winnerPolicy, func(ctx context.Context) error {
		b, err := s.deps.Backend.GetBattle(ctx, s.id, s.identity.Token)
		if err != nil {
			if api.IsTransient(err) {
				return err
			}
			return retry.Permanent(err)
		}
		if b.WinnerID == "" {
			return errNoWinnerYet
		}
		winner = b.WinnerID
		return nil
	})
	if err != nil {
		return fmt.Errorf("read winner: %w", err)
	}
	s.setOutcome(winner)
	return nil
}

func (s *Session) endResolve(err error) {
	s.mu.Lock()
	s.resolving = false
	if err != nil && s.outcome == game.OutcomePending {
		s.resolveErr = err
	}
	s.mu.Unlock()
	if err != nil && s.ctx.Err() == nil {
		log.Error().Err(err).Str("battle", s.id).Msg("battle outcome unresolved")
	}
	s.publish()
}

func (s *Session) setOutcome(winner string) {
	s.mu.Lock()
	if s.outcome != game.OutcomePending {
		s.mu.Unlock()
		return
	}
	s.winnerID = winner
	s.outcome = game.OutcomeLost
	if winner == s.identity.ID {
		s.outcome = game.OutcomeWon
	}
	s.resolveErr = nil
	s.frozen = true
	s.timer.Stop()
	outcome := s.outcome
	s.mu.Unlock()

	log.Info().Str("battle", s.id).Str("winner", winner).Str("outcome", string(outcome)).Msg("battle resolved")
	s.resolvedOnce.Do(func() { close(s.resolved) })

	if !s.identity.Guest {
		s.spawn(func(ctx context.Context) {
			res := api.BattleResult{UserID: s.identity.ID, BattleID: s.id, Won: outcome == game.OutcomeWon}
			if err := s.deps.Backend.UpdateBattleStats(ctx, res, s.identity.Token); err != nil {
				log.Warn().Err(err).Str("battle", s.id).Msg("update battle stats")
			}
		})
	}
	s.publish()
}

// ResolveOutcome retries resolution after a failure. It is a no-op once the
// outcome is known.
func (s *Session) ResolveOutcome(ctx context.Context) error {
	s.mu.Lock()
	if s.outcome != game.OutcomePending {
		s.mu.Unlock()
		return nil
	}
	if s.resolving {
		s.mu.Unlock()
		return ErrResolving
	}
	completed, opponent := s.completed, s.opponentFinished
	if !completed && !opponent {
		s.mu.Unlock()
		return ErrNotFinished
	}
	s.resolving = true
	s.mu.Unlock()

	var err error
	if completed {
		err = s.complete(ctx)
	} else {
		err = s.pollWinner(ctx)
	}
	s.endResolve(err)
	return err
}

// --------------------------------- views ------------------------------------

// Snapshot is a point-in-time view of the battle.
type Snapshot struct {
	BattleID         string       `json:"battleId"`
	PlayerID         string       `json:"playerId"`
	Guest            bool         `json:"guest"`
	Seat             int          `json:"seat"`
	Rows             int          `json:"rows"`
	Cols             int          `json:"cols"`
	Numbers          [][]int      `json:"numbers"`
	Across           []game.Clue  `json:"across"`
	Down             []game.Clue  `json:"down"`
	Grid             [][]string   `json:"grid"`
	OpponentGrid     [][]string   `json:"opponentGrid"`
	Cursor           *game.Cursor `json:"cursor,omitempty"`
	OpponentCursor   *game.Cursor `json:"opponentCursor,omitempty"`
	Progress         int          `json:"progress"`
	OpponentProgress int          `json:"opponentProgress"`
	Elapsed          int          `json:"elapsed"`
	Clock            string       `json:"clock"`
	Connected        bool         `json:"connected"`
	Completed        bool         `json:"completed"`
	Frozen           bool         `json:"frozen"`
	OpponentFinished bool         `json:"opponentFinished"`
	Outcome          game.Outcome `json:"outcome"`
	WinnerID         string       `json:"winnerId,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// Snapshot returns the current view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		BattleID:         s.id,
		PlayerID:         s.identity.ID,
		Guest:            s.identity.Guest,
		Seat:             s.seat,
		Rows:             s.puzzle.Rows,
		Cols:             s.puzzle.Cols,
		Numbers:          s.puzzle.Numbers,
		Across:           s.puzzle.Across,
		Down:             s.puzzle.Down,
		Grid:             s.board.Rows(),
		OpponentGrid:     s.mirror.Rows(),
		Progress:         s.board.Progress(s.puzzle),
		OpponentProgress: s.mirror.Progress(s.puzzle),
		Elapsed:          s.timer.Elapsed(),
		Connected:        s.ready.Load(),
		Completed:        s.completed,
		Frozen:           s.frozen,
		OpponentFinished: s.opponentFinished,
		Outcome:          s.outcome,
		WinnerID:         s.winnerID,
	}
	snap.Clock = game.FormatTime(snap.Elapsed)
	if s.cursor != nil {
		c := *s.cursor
		snap.Cursor = &c
	}
	if c, ok := s.mirror.Selected(); ok {
		snap.OpponentCursor = &c
	}
	if s.resolveErr != nil {
		snap.Error = api.Message(s.resolveErr)
	}
	return snap
}

// Updates delivers the latest snapshot after each change.
func (s *Session) Updates() <-chan Snapshot { return s.updates }

// Resolved is closed once the outcome is known.
func (s *Session) Resolved() <-chan struct{} { return s.resolved }

// Dropped counts broadcasts given up after the send policy ran out.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Identity is the local player.
func (s *Session) Identity() auth.Identity { return s.identity }

// Flush waits for background sends and backend calls to finish.
func (s *Session) Flush() { s.pending.Wait() }

// Close cancels pending sends and retries and leaves the channel.
func (s *Session) Close() error {
	s.life.Lock()
	s.closed = true
	s.life.Unlock()
	s.cancel()
	err := s.ch.Close()
	s.pending.Wait()
	return err
}

func (s *Session) elapsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer.Elapsed()
}

func (s *Session) spawn(fn func(ctx context.Context)) {
	s.life.Lock()
	defer s.life.Unlock()
	if s.closed {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		fn(s.ctx)
	}()
}

func (s *Session) publish() {
	snap := s.Snapshot()
	for {
		select {
		case s.updates <- snap:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}
