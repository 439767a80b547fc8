package battle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crosswars/go-client/internal/api"
	"github.com/crosswars/go-client/internal/auth"
	"github.com/crosswars/go-client/internal/game"
	"github.com/crosswars/go-client/internal/localstore"
	"github.com/crosswars/go-client/internal/realtime"
	"github.com/crosswars/go-client/internal/retry"
)

//	C A T
//	A # O
//	R O W
var solution = [][]string{{"C", "A", "T"}, {"A", "-", "O"}, {"R", "O", "W"}}

type staticIdentity struct{ id auth.Identity }

func (s staticIdentity) Identity(context.Context) (auth.Identity, error) { return s.id, nil }

type fakeBackend struct {
	mu         sync.Mutex
	winner     string
	hideWinner int // GETs that still show no winner
	completes  int
	gets       int
	starts     int
	stats      []api.BattleResult
}

func (f *fakeBackend) BattlePuzzle(context.Context, string) (*game.Wire, error) {
	return &game.Wire{Grid: solution, CluesAcross: []string{"Feline", "Line up"}, CluesDown: []string{"Vehicle", "Pull along"}}, nil
}

func (f *fakeBackend) StartBattle(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeBackend) CompleteBattle(_ context.Context, _ string, req api.CompleteRequest, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes++
	if f.winner != "" {
		return "", fmt.Errorf("%w: Battle already completed", api.ErrAlreadyCompleted)
	}
	f.winner = req.PlayerID
	return f.winner, nil
}

func (f *fakeBackend) GetBattle(_ context.Context, id, _ string) (*api.Battle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	b := &api.Battle{ID: id}
	if f.gets > f.hideWinner {
		b.WinnerID = f.winner
	}
	return b, nil
}

func (f *fakeBackend) UpdateBattleStats(_ context.Context, r api.BattleResult, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, r)
	return nil
}

func (f *fakeBackend) counts() (completes, gets int, stats []api.BattleResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completes, f.gets, append([]api.BattleResult(nil), f.stats...)
}

// spy records every outbound Send.
type spy struct {
	inner realtime.Transport
	mu    sync.Mutex
	sent  []sent
}

type sent struct {
	event   string
	payload any
}

func (s *spy) Channel(topic string, opts realtime.ChannelOptions) realtime.Channel {
	return &spyChannel{Channel: s.inner.Channel(topic, opts), spy: s}
}

func (s *spy) events(event string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, m := range s.sent {
		if m.event == event {
			out = append(out, m.payload)
		}
	}
	return out
}

type spyChannel struct {
	realtime.Channel
	spy *spy
}

func (c *spyChannel) Send(ctx context.Context, event string, payload any) error {
	err := c.Channel.Send(ctx, event, payload)
	if err == nil {
		c.spy.mu.Lock()
		c.spy.sent = append(c.spy.sent, sent{event, payload})
		c.spy.mu.Unlock()
	}
	return err
}

var fast = retry.Policy{Interval: time.Millisecond, Attempts: 25}

func open(t *testing.T, tr realtime.Transport, be Backend, id auth.Identity, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithSendPolicy(fast), WithWinnerPolicy(fast)}, opts...)
	s, err := Open(context.Background(), "b1", Deps{
		Identities: staticIdentity{id},
		Backend:    be,
		Store:      localstore.NewMemory(),
		Transport:  tr,
	}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connected(t *testing.T, s *Session) {
	t.Helper()
	eventually(t, "subscription", func() bool { return s.Snapshot().Connected })
}

func fillAll(t *testing.T, s *Session) {
	t.Helper()
	for r, row := range solution {
		for c, v := range row {
			if v == "-" {
				continue
			}
			if err := s.Input(r, c, v); err != nil {
				t.Fatalf("Input(%d,%d): %v", r, c, err)
			}
		}
	}
}

var (
	alice = auth.Identity{ID: "u1", Token: "jwt-1", DisplayName: "Alice"}
	guest = auth.Identity{ID: "guest-2", Guest: true}
)

func TestIncorrectLetterNeverBroadcast(t *testing.T) {
	sp := &spy{inner: realtime.NewHub()}
	s := open(t, sp, &fakeBackend{}, alice)
	connected(t, s)

	if err := s.Input(0, 0, "x"); err != nil {
		t.Fatal(err)
	}
	if got := s.Snapshot().Grid[0][0]; got != "X" {
		t.Fatalf("local cell = %q, want what was typed", got)
	}
	_ = s.Input(0, 0, "")
	_ = s.Input(0, 0, "c")
	_ = s.Input(1, 2, "q")
	s.Flush()

	fills := sp.events(realtime.EventCellFilled)
	if len(fills) != 1 {
		t.Fatalf("cell_filled broadcasts = %v", fills)
	}
	if f := fills[0].(realtime.CellFilled); f.Letter != "C" || f.Row != 0 || f.Col != 0 || f.Player != "u1" {
		t.Fatalf("broadcast = %+v", f)
	}
}

func TestInputRules(t *testing.T) {
	s := open(t, realtime.NewHub(), &fakeBackend{}, alice)
	if err := s.Input(1, 1, "A"); !errors.Is(err, game.ErrBlockedCell) {
		t.Fatalf("blocked: %v", err)
	}
	if err := s.Input(0, 0, "7"); !errors.Is(err, game.ErrBadLetter) {
		t.Fatalf("digit: %v", err)
	}
	if err := s.Select(9, 9); !errors.Is(err, game.ErrOutOfRange) {
		t.Fatalf("select: %v", err)
	}
	_ = s.Input(0, 0, "C")
	if c := s.Snapshot().Cursor; c == nil || *c != (game.Cursor{Row: 0, Col: 1}) {
		t.Fatalf("cursor = %+v", c)
	}
	if p := s.Snapshot().Progress; p != 13 {
		t.Fatalf("progress = %d", p)
	}
}

func TestSelfEchoesIgnored(t *testing.T) {
	hub := realtime.NewHub(realtime.WithEcho())
	s := open(t, hub, &fakeBackend{}, alice)
	connected(t, s)

	_ = s.Select(0, 0)
	_ = s.Input(0, 0, "C")
	s.Flush()
	_ = hub.Publish(realtime.BattleTopic("b1"), realtime.EventPlayerFinished, realtime.PlayerFinished{Player: "u1"})
	time.Sleep(30 * time.Millisecond)

	snap := s.Snapshot()
	if snap.OpponentCursor != nil || snap.OpponentProgress != 0 || snap.OpponentGrid[0][0] != "" {
		t.Fatalf("own echo reached the mirror: %+v", snap)
	}
	if snap.Frozen || snap.OpponentFinished {
		t.Fatal("own player_finished froze input")
	}
}

func TestOpponentMirror(t *testing.T) {
	hub := realtime.NewHub()
	be := &fakeBackend{}
	a := open(t, hub, be, alice)
	b := open(t, hub, be, guest)
	connected(t, a)
	connected(t, b)

	_ = a.Select(2, 1)
	_ = a.Input(2, 1, "O")
	_ = a.Input(2, 2, "z")

	eventually(t, "mirror update", func() bool {
		snap := b.Snapshot()
		return snap.OpponentGrid[2][1] == "O" && snap.OpponentCursor != nil
	})
	a.Flush()
	time.Sleep(20 * time.Millisecond)
	snap := b.Snapshot()
	if snap.OpponentGrid[2][2] != "" {
		t.Fatal("incorrect letter reached the opponent")
	}
	if snap.Grid[2][1] != "" {
		t.Fatal("opponent event wrote the local grid")
	}
	if c := snap.OpponentCursor; *c != (game.Cursor{Row: 2, Col: 1}) {
		t.Fatalf("opponent cursor = %+v", c)
	}
}

func TestCompletionFiresOnceAndResolves(t *testing.T) {
	hub := realtime.NewHub()
	be := &fakeBackend{}
	sp := &spy{inner: hub}
	a := open(t, sp, be, alice)
	b := open(t, hub, be, guest)
	connected(t, a)
	connected(t, b)

	fillAll(t, a)
	if err := a.Input(0, 0, "C"); !errors.Is(err, ErrFrozen) {
		t.Fatalf("input after completion: %v", err)
	}

	select {
	case <-a.Resolved():
	case <-time.After(2 * time.Second):
		t.Fatal("winner not resolved")
	}
	if snap := a.Snapshot(); snap.Outcome != game.OutcomeWon || snap.WinnerID != "u1" || !snap.Completed {
		t.Fatalf("a = %+v", snap)
	}

	select {
	case <-b.Resolved():
	case <-time.After(2 * time.Second):
		t.Fatal("opponent never learned the winner")
	}
	snapB := b.Snapshot()
	if snapB.Outcome != game.OutcomeLost || !snapB.Frozen || !snapB.OpponentFinished {
		t.Fatalf("b = %+v", snapB)
	}
	if err := b.Input(0, 0, "C"); !errors.Is(err, ErrFrozen) {
		t.Fatalf("b input after opponent finished: %v", err)
	}

	// Re-checking after completion never re-fires.
	a.Flush()
	b.Flush()
	completes, _, stats := be.counts()
	if completes != 1 {
		t.Fatalf("complete calls = %d", completes)
	}
	if len(sp.events(realtime.EventPlayerFinished)) != 1 {
		t.Fatal("player_finished not sent exactly once")
	}
	if len(stats) != 1 || stats[0].UserID != "u1" || !stats[0].Won {
		t.Fatalf("stats = %+v (guests must not push stats)", stats)
	}
}

func TestAlreadyCompletedFallsBackToRead(t *testing.T) {
	be := &fakeBackend{winner: "u2"}
	s := open(t, realtime.NewHub(), be, alice)
	fillAll(t, s)

	select {
	case <-s.Resolved():
	case <-time.After(2 * time.Second):
		t.Fatal("not resolved")
	}
	if snap := s.Snapshot(); snap.Outcome != game.OutcomeLost || snap.WinnerID != "u2" {
		t.Fatalf("snap = %+v", snap)
	}
	if _, gets, _ := be.counts(); gets == 0 {
		t.Fatal("no fallback read")
	}
}

func TestOpponentFinishPollsUntilWinnerRecorded(t *testing.T) {
	hub := realtime.NewHub()
	be := &fakeBackend{winner: "u9", hideWinner: 3}
	s := open(t, hub, be, alice)
	connected(t, s)

	_ = hub.Publish(realtime.BattleTopic("b1"), realtime.EventPlayerFinished, realtime.PlayerFinished{Player: "u9"})
	select {
	case <-s.Resolved():
	case <-time.After(2 * time.Second):
		t.Fatal("not resolved")
	}
	if _, gets, _ := be.counts(); gets != 4 {
		t.Fatalf("gets = %d", gets)
	}
	if s.Snapshot().Outcome != game.OutcomeLost {
		t.Fatal("expected loss")
	}
}

func TestResolveOutcomeRecovers(t *testing.T) {
	hub := realtime.NewHub()
	be := &fakeBackend{winner: "u9", hideWinner: 1000}
	s := open(t, hub, be, alice, WithWinnerPolicy(retry.Policy{Interval: time.Millisecond, Attempts: 2}))
	connected(t, s)

	if err := s.ResolveOutcome(context.Background()); !errors.Is(err, ErrNotFinished) {
		t.Fatalf("err = %v", err)
	}
	_ = hub.Publish(realtime.BattleTopic("b1"), realtime.EventPlayerFinished, realtime.PlayerFinished{Player: "u9"})
	eventually(t, "resolution failure", func() bool { return s.Snapshot().Error != "" })

	be.mu.Lock()
	be.hideWinner = 0
	be.mu.Unlock()
	if err := s.ResolveOutcome(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap := s.Snapshot(); snap.Outcome != game.OutcomeLost || snap.Error != "" {
		t.Fatalf("snap = %+v", snap)
	}
}

func TestSendGivesUpWhenNeverSubscribed(t *testing.T) {
	hub := realtime.NewHub(realtime.WithNeverSubscribe())
	s := open(t, hub, &fakeBackend{}, alice, WithSendPolicy(retry.Policy{Interval: time.Millisecond, Attempts: 5}))

	start := time.Now()
	if err := s.Input(0, 0, "C"); err != nil {
		t.Fatal(err)
	}
	if err := s.Select(0, 1); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("input blocked on the channel")
	}
	s.Flush()
	if n := s.Dropped(); n != 2 {
		t.Fatalf("dropped = %d", n)
	}
	if err := s.Input(0, 1, "A"); err != nil {
		t.Fatalf("input after drops: %v", err)
	}
}

func TestOpenRequiresIdentity(t *testing.T) {
	_, err := Open(context.Background(), "b1", Deps{
		Identities: loginRequired{},
		Backend:    &fakeBackend{},
		Store:      localstore.NewMemory(),
		Transport:  realtime.NewHub(),
	})
	var re *auth.RedirectError
	if !errors.As(err, &re) || re.Next != "/battle/b1/play" {
		t.Fatalf("err = %v", err)
	}
}

type loginRequired struct{}

func (loginRequired) Identity(context.Context) (auth.Identity, error) {
	return auth.Identity{}, auth.ErrLoginRequired
}

func TestCloseWaitsForEveryBackgroundSend(t *testing.T) {
	sp := &spy{inner: realtime.NewHub()}
	s := open(t, sp, &fakeBackend{}, alice)
	connected(t, s)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = s.Select(0, 0)
			}
		}
	}()
	time.Sleep(5 * time.Millisecond)
	_ = s.Close()
	selects, dropped := len(sp.events(realtime.EventCellSelected)), s.Dropped()

	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()
	if got := len(sp.events(realtime.EventCellSelected)); got != selects {
		t.Fatalf("sends after Close: %d -> %d", selects, got)
	}
	if s.Dropped() != dropped {
		t.Fatalf("drops after Close: %d -> %d", dropped, s.Dropped())
	}
}
