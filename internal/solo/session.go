// internal/solo/session.go
//
// Solo play: the daily puzzle (or a freshly generated themed one) with no
// opponent and no channel.
// Responsibilities:
//   - Once-a-day gate: backend stats for accounts, the local plays table for
//     guests and anonymous players.
//   - Grid input with auto-advance, completion detected once, timer stop.
//   - Best-effort stats push for authenticated users; local play record for
//     everyone else.

package solo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crosswars/go-client/internal/api"
	"github.com/crosswars/go-client/internal/auth"
	"github.com/crosswars/go-client/internal/daily"
	"github.com/crosswars/go-client/internal/game"
)

// DefaultTheme is used when a generated puzzle is requested without a theme.
const DefaultTheme = "technology"

// anonymous keys local plays when nobody is signed in and guest mode is off.
const anonymous = "anonymous"

var (
	ErrPlayedToday = errors.New("you have already played today's puzzle")
	ErrCompleted   = errors.New("puzzle already completed")
)

// Identities resolves the local player.
type Identities interface {
	Identity(ctx context.Context) (auth.Identity, error)
}

// Backend is the subset of the REST client used for solo play.
type Backend interface {
	UserStats(ctx context.Context, userID, bearer string) (*api.Stats, error)
	SoloPuzzle(ctx context.Context) (*game.Wire, error)
	GeneratePuzzle(ctx context.Context, theme string) (*game.Wire, error)
	UpdateUserStats(ctx context.Context, r api.SoloResult, bearer string) error
}

// Plays is the local record of finished puzzles.
type Plays interface {
	AlreadyPlayed(ctx context.Context, identity, date string) (bool, error)
	Record(ctx context.Context, p daily.Play) error
}

// Deps are the session's collaborators. Plays may be nil, which disables the
// local gate.
type Deps struct {
	Identities Identities
	Backend    Backend
	Plays      Plays
	Zone       *time.Location
}

// Option configures a Session.
type Option func(*Session)

// Generate asks for a freshly generated puzzle on theme instead of the daily
// one. Generated puzzles bypass the daily gate.
func Generate(theme string) Option {
	return func(s *Session) {
		if theme == "" {
			theme = DefaultTheme
		}
		s.theme = theme
	}
}

// WithClock sets the clock used for the timer and the daily gate.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
		s.timer.Now = now
	}
}

// Session is one solo game.
type Session struct {
	deps     Deps
	identity auth.Identity
	theme    string
	now      func() time.Time
	puzzle   *game.Puzzle

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
	life    sync.Mutex // guards closed and every pending.Add
	closed  bool

	mu        sync.Mutex
	board     *game.Board
	cursor    *game.Cursor
	timer     game.Timer
	completed bool

	updates chan Snapshot
}

// Start checks the daily gate, loads the puzzle and starts the clock.
func Start(ctx context.Context, deps Deps, opts ...Option) (*Session, error) {
	s := &Session{deps: deps, now: time.Now, updates: make(chan Snapshot, 1)}
	for _, o := range opts {
		o(s)
	}
	if s.deps.Zone == nil {
		s.deps.Zone = daily.LoadZone("")
	}

	id, err := deps.Identities.Identity(ctx)
	switch {
	case errors.Is(err, auth.ErrLoginRequired):
		id = auth.Identity{ID: anonymous}
	case err != nil:
		return nil, err
	}
	s.identity = id

	if s.theme == "" {
		if err := s.gate(ctx); err != nil {
			return nil, err
		}
	}

	var wire *game.Wire
	if s.theme != "" {
		log.Info().Str("theme", s.theme).Msg("generating puzzle")
		wire, err = deps.Backend.GeneratePuzzle(ctx, s.theme)
	} else {
		wire, err = deps.Backend.SoloPuzzle(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("load solo puzzle: %w", err)
	}
	p, err := game.ParsePuzzle(*wire)
	if err != nil {
		return nil, fmt.Errorf("load solo puzzle: %w", err)
	}
	s.puzzle = p
	s.board = game.NewBoard(p)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.timer.Start()
	return s, nil
}

func (s *Session) account() bool { return s.identity.Token != "" && !s.identity.Guest }

func (s *Session) gate(ctx context.Context) error {
	now := s.now()
	if s.account() {
		st, err := s.deps.Backend.UserStats(ctx, s.identity.ID, s.identity.Token)
		if err != nil {
			return fmt.Errorf("load stats: %w", err)
		}
		if st != nil && daily.PlayedToday(st.LastSoloPlayed, now, s.deps.Zone) {
			return ErrPlayedToday
		}
		return nil
	}
	if s.deps.Plays == nil {
		return nil
	}
	played, err := s.deps.Plays.AlreadyPlayed(ctx, s.identity.ID, daily.DateKey(now, s.deps.Zone))
	if err != nil {
		return fmt.Errorf("check local plays: %w", err)
	}
	if played {
		return ErrPlayedToday
	}
	return nil
}

// Select moves the cursor.
func (s *Session) Select(row, col int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return ErrCompleted
	}
	if !s.puzzle.InRange(row, col) {
		return game.ErrOutOfRange
	}
	if s.puzzle.IsBlocked(row, col) {
		return game.ErrBlockedCell
	}
	s.cursor = &game.Cursor{Row: row, Col: col}
	return nil
}

// Input writes value into (row, col) and advances the cursor after a letter.
func (s *Session) Input(row, col int, value string) error {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return ErrCompleted
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
	finished := s.board.Complete(s.puzzle)
	if finished {
		s.completed = true
		s.timer.Stop()
	}
	seconds := s.timer.Elapsed()
	s.mu.Unlock()

	if finished {
		log.Info().Str("player", s.identity.ID).Int("seconds", seconds).Msg("solo puzzle complete")
		s.spawn(func(ctx context.Context) { s.record(ctx, seconds) })
	}
	s.publish()
	return nil
}

func (s *Session) record(ctx context.Context, seconds int) {
	// Generated puzzles are practice; only the daily puzzle counts.
	if s.theme != "" {
		return
	}
	now := s.now().UTC()
	if s.account() {
		res := api.SoloResult{UserID: s.identity.ID, Seconds: seconds, PlayedAt: now.Format(time.RFC3339)}
		if err := s.deps.Backend.UpdateUserStats(ctx, res, s.identity.Token); err != nil {
			log.Warn().Err(err).Msg("update solo stats")
		}
		return
	}
	if s.deps.Plays == nil {
		return
	}
	play := daily.Play{
		Identity: s.identity.ID,
		Date:     daily.DateKey(now, s.deps.Zone),
		Seconds:  seconds,
		PlayedAt: now.Format(time.RFC3339),
	}
	if err := s.deps.Plays.Record(ctx, play); err != nil {
		log.Warn().Err(err).Msg("record local play")
	}
}

// Snapshot is a point-in-time view of the game.
type Snapshot struct {
	PlayerID  string       `json:"playerId"`
	Theme     string       `json:"theme,omitempty"`
	Rows      int          `json:"rows"`
	Cols      int          `json:"cols"`
	Numbers   [][]int      `json:"numbers"`
	Across    []game.Clue  `json:"across"`
	Down      []game.Clue  `json:"down"`
	Grid      [][]string   `json:"grid"`
	Cursor    *game.Cursor `json:"cursor,omitempty"`
	Progress  int          `json:"progress"`
	Elapsed   int          `json:"elapsed"`
	Clock     string       `json:"clock"`
	Completed bool         `json:"completed"`
}

// Snapshot returns the current view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		PlayerID:  s.identity.ID,
		Theme:     s.theme,
		Rows:      s.puzzle.Rows,
		Cols:      s.puzzle.Cols,
		Numbers:   s.puzzle.Numbers,
		Across:    s.puzzle.Across,
		Down:      s.puzzle.Down,
		Grid:      s.board.Rows(),
		Progress:  s.board.Progress(s.puzzle),
		Elapsed:   s.timer.Elapsed(),
		Completed: s.completed,
	}
	snap.Clock = game.FormatTime(snap.Elapsed)
	if s.cursor != nil {
		c := *s.cursor
		snap.Cursor = &c
	}
	return snap
}

// Updates delivers the latest snapshot after each change.
func (s *Session) Updates() <-chan Snapshot { return s.updates }

// Identity is the local player.
func (s *Session) Identity() auth.Identity { return s.identity }

// Flush waits for the completion record to be written.
func (s *Session) Flush() { s.pending.Wait() }

// Close cancels any pending stats push.
func (s *Session) Close() error {
	s.life.Lock()
	s.closed = true
	s.life.Unlock()
	s.cancel()
	s.pending.Wait()
	return nil
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
