package webui

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crosswars/go-client/internal/api"
	"github.com/crosswars/go-client/internal/auth"
	"github.com/crosswars/go-client/internal/battle"
	"github.com/crosswars/go-client/internal/game"
	"github.com/crosswars/go-client/internal/invite"
	"github.com/crosswars/go-client/internal/localstore"
	"github.com/crosswars/go-client/internal/realtime"
	"github.com/crosswars/go-client/internal/room"
	"github.com/crosswars/go-client/internal/solo"
)

type fakeAccounts struct {
	mu   sync.Mutex
	id   *auth.Identity
	sess *auth.Session
}

func (f *fakeAccounts) SignUp(_ context.Context, req auth.SignUpRequest) (*auth.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return f.Login(context.Background(), req.Email, req.Password)
}

func (f *fakeAccounts) Login(_ context.Context, email, _ string) (*auth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sess = &auth.Session{AccessToken: "jwt", User: auth.User{ID: "u1", Email: email, DisplayName: "Alice"}}
	f.id = &auth.Identity{ID: "u1", Token: "jwt", DisplayName: "Alice"}
	return f.sess, nil
}

func (f *fakeAccounts) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sess, f.id = nil, nil
	return nil
}

func (f *fakeAccounts) SetGuestMode(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sess = nil
	f.id = &auth.Identity{ID: "guest-1", Guest: true}
	return nil
}

func (f *fakeAccounts) Session() *auth.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess
}

func (f *fakeAccounts) Identity(context.Context) (auth.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.id == nil {
		return auth.Identity{}, auth.ErrLoginRequired
	}
	return *f.id, nil
}

// fakeBackend stands in for every REST call the UI reaches.
type fakeBackend struct {
	mu    sync.Mutex
	ready []int
	stats *api.Stats
}

func (f *fakeBackend) CreateInvite(context.Context, string) (*api.Invite, error) {
	return &api.Invite{InviteToken: "tok1", BattleID: "b1"}, nil
}

func (f *fakeBackend) AcceptInvite(_ context.Context, token, _ string) (*api.Acceptance, error) {
	if token != "tok1" {
		return nil, &api.HTTPError{Status: http.StatusNotFound, Detail: "Invite not found"}
	}
	return &api.Acceptance{BattleID: "b1"}, nil
}

func (f *fakeBackend) JoinBattle(_ context.Context, id, _ string) (*api.Battle, error) {
	return &api.Battle{ID: id, Player1ID: "u0", Player2IsGuest: true}, nil
}

func (f *fakeBackend) MarkReady(_ context.Context, _ string, seat int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, seat)
	return nil
}

func puzzle() *game.Wire {
	return &game.Wire{
		Grid:        [][]string{{"c", "a", "t"}, {"a", "-", "o"}, {"r", "o", "w"}},
		CluesAcross: []string{"Feline", "Line up"},
		CluesDown:   []string{"Vehicle", "Pull along"},
	}
}

func (f *fakeBackend) BattlePuzzle(context.Context, string) (*game.Wire, error) { return puzzle(), nil }
func (f *fakeBackend) StartBattle(context.Context, string, string) error        { return nil }
func (f *fakeBackend) CompleteBattle(_ context.Context, _ string, req api.CompleteRequest, _ string) (string, error) {
	return req.PlayerID, nil
}
func (f *fakeBackend) GetBattle(_ context.Context, id, _ string) (*api.Battle, error) {
	return &api.Battle{ID: id}, nil
}
func (f *fakeBackend) UpdateBattleStats(context.Context, api.BattleResult, string) error { return nil }
func (f *fakeBackend) UserStats(context.Context, string, string) (*api.Stats, error) {
	return f.stats, nil
}
func (f *fakeBackend) SoloPuzzle(context.Context) (*game.Wire, error)             { return puzzle(), nil }
func (f *fakeBackend) GeneratePuzzle(context.Context, string) (*game.Wire, error) { return puzzle(), nil }
func (f *fakeBackend) UpdateUserStats(context.Context, api.SoloResult, string) error {
	return nil
}

func newServer(t *testing.T, accts *fakeAccounts, be *fakeBackend) *Server {
	t.Helper()
	st := localstore.NewMemory()
	hub := realtime.NewHub()
	s := New(Deps{
		Accounts: accts,
		Issuer:   invite.NewIssuer(accts, be, "http://localhost:5173"),
		Acceptor: invite.NewAcceptor(accts, be, st),
		Rooms:    room.Deps{Identities: accts, Backend: be, Store: st, Transport: hub},
		Battles:  battle.Deps{Identities: accts, Backend: be, Store: st, Transport: hub},
		Solo:     solo.Deps{Identities: accts, Backend: be},
		Stats:    be,
	})
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestHealthAndNotFound(t *testing.T) {
	s := newServer(t, &fakeAccounts{}, &fakeBackend{})
	if rec, out := do(t, s, http.MethodGet, "/health", ""); rec.Code != http.StatusOK || out["ok"] != true {
		t.Fatalf("health = %d %v", rec.Code, out)
	}
	rec, out := do(t, s, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound || out["path"] != "/nope" {
		t.Fatalf("404 = %d %v", rec.Code, out)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q", ct)
	}
}

func TestGatedRoutesRedirectToLogin(t *testing.T) {
	s := newServer(t, &fakeAccounts{}, &fakeBackend{})
	cases := map[string]string{
		"/api/rooms/b1":   "/loginSignup?redirect=/battle-room/b1",
		"/api/battles/b1": "/loginSignup?redirect=/battle/b1/play",
		"/api/accept/tok": "/loginSignup?redirect=/accept/tok",
		"/api/invites":    "/loginSignup?redirect=/dashboard",
	}
	for path, want := range cases {
		rec, out := do(t, s, http.MethodPost, path, "")
		if rec.Code != http.StatusUnauthorized || out["redirect"] != want {
			t.Errorf("%s: %d %v", path, rec.Code, out)
		}
	}
}

func TestLoginGuestAndLogout(t *testing.T) {
	s := newServer(t, &fakeAccounts{}, &fakeBackend{})
	if rec, _ := do(t, s, http.MethodPost, "/api/signup", `{"email":"a@b.co","password":"pw"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("signup without display name = %d", rec.Code)
	}
	if rec, _ := do(t, s, http.MethodPost, "/api/login", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json = %d", rec.Code)
	}
	rec, out := do(t, s, http.MethodPost, "/api/login", `{"email":"a@b.co","password":"pw"}`)
	if rec.Code != http.StatusOK || out["signedIn"] != true || out["playerId"] != "u1" {
		t.Fatalf("login = %d %v", rec.Code, out)
	}
	_, out = do(t, s, http.MethodPost, "/api/guest", "")
	if out["signedIn"] != false || out["guest"] != true {
		t.Fatalf("guest = %v", out)
	}
	do(t, s, http.MethodPost, "/api/logout", "")
	if _, out := do(t, s, http.MethodGet, "/api/session", ""); out["playerId"] != nil {
		t.Fatalf("session after logout = %v", out)
	}
}

func TestInvites(t *testing.T) {
	accts := &fakeAccounts{}
	s := newServer(t, accts, &fakeBackend{})

	_ = accts.SetGuestMode(context.Background())
	if rec, _ := do(t, s, http.MethodPost, "/api/invites", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("guest invite = %d", rec.Code)
	}

	_, _ = accts.Login(context.Background(), "a@b.co", "pw")
	rec, out := do(t, s, http.MethodPost, "/api/invites", "")
	if rec.Code != http.StatusCreated || out["token"] != "tok1" || out["link"] != "http://localhost:5173/battle/tok1" || out["roomPath"] != "/battle-room/b1" {
		t.Fatalf("invite = %d %v", rec.Code, out)
	}

	rec, _ = do(t, s, http.MethodGet, "/api/invites/tok1/qr?size=128", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" ||
		!bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Fatalf("qr = %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if rec, _ := do(t, s, http.MethodGet, "/api/invites/other/qr", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown qr = %d", rec.Code)
	}

	rec, out = do(t, s, http.MethodPost, "/api/accept/tok1", "")
	if rec.Code != http.StatusOK || out["battleId"] != "b1" || out["next"] != "/battle-room/b1" {
		t.Fatalf("accept = %d %v", rec.Code, out)
	}
	if rec, _ := do(t, s, http.MethodPost, "/api/accept/bad", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad token = %d", rec.Code)
	}
}

func TestRoomAndBattle(t *testing.T) {
	accts := &fakeAccounts{}
	be := &fakeBackend{}
	s := newServer(t, accts, be)
	_ = accts.SetGuestMode(context.Background())

	if rec, _ := do(t, s, http.MethodPost, "/api/rooms/b1/ready", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("ready before open = %d", rec.Code)
	}
	rec, out := do(t, s, http.MethodPost, "/api/rooms/b1", "")
	if rec.Code != http.StatusOK || out["state"] != "ready_pending" || out["opponentJoined"] != true {
		t.Fatalf("room = %d %v", rec.Code, out)
	}
	if rec, _ := do(t, s, http.MethodPost, "/api/rooms/b1/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}
	be.mu.Lock()
	seats := append([]int(nil), be.ready...)
	be.mu.Unlock()
	if len(seats) != 1 {
		t.Fatalf("ready seats = %v", seats)
	}

	rec, out = do(t, s, http.MethodPost, "/api/battles/b1", "")
	if rec.Code != http.StatusOK || out["playerId"] != "guest-1" || out["rows"] != float64(3) {
		t.Fatalf("battle = %d %v", rec.Code, out)
	}
	if rec, _ := do(t, s, http.MethodPost, "/api/battles/b1/input", `{"row":1,"col":1,"value":"A"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("blocked = %d", rec.Code)
	}
	rec, out = do(t, s, http.MethodPost, "/api/battles/b1/input", `{"row":0,"col":0,"value":"c"}`)
	if rec.Code != http.StatusOK || out["grid"].([]any)[0].([]any)[0] != "C" {
		t.Fatalf("input = %d %v", rec.Code, out)
	}
	if rec, _ := do(t, s, http.MethodPost, "/api/battles/b1/resolve", ""); rec.Code != http.StatusConflict {
		t.Fatalf("resolve before finish = %d", rec.Code)
	}
	if rec, _ := do(t, s, http.MethodGet, "/api/battles/b2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unopened battle = %d", rec.Code)
	}
}

func TestSoloOverSSE(t *testing.T) {
	s := newServer(t, &fakeAccounts{}, &fakeBackend{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	if rec, _ := do(t, s, http.MethodGet, "/api/solo", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("solo before start = %d", rec.Code)
	}
	if rec, out := do(t, s, http.MethodPost, "/api/solo", ""); rec.Code != http.StatusCreated || out["playerId"] != "anonymous" {
		t.Fatalf("solo = %d %v", rec.Code, out)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/solo/events", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	lines := bufio.NewScanner(res.Body)
	next := func() map[string]any {
		for lines.Scan() {
			if data, ok := strings.CutPrefix(lines.Text(), "data: "); ok {
				var snap map[string]any
				if err := json.Unmarshal([]byte(data), &snap); err != nil {
					t.Fatal(err)
				}
				return snap
			}
		}
		t.Fatal("stream ended")
		return nil
	}
	if first := next(); first["completed"] != false {
		t.Fatalf("first event = %v", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Broadcaster().Count(soloTopic) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	do(t, s, http.MethodPost, "/api/solo/input", `{"row":2,"col":2,"value":"w"}`)
	if snap := next(); snap["grid"].([]any)[2].([]any)[2] != "W" {
		t.Fatalf("streamed grid = %v", snap["grid"])
	}
}

func TestStats(t *testing.T) {
	accts := &fakeAccounts{}
	fastest := 95
	be := &fakeBackend{stats: &api.Stats{DisplayName: "Alice", SoloStreak: 3, FastestSoloTime: &fastest, BattlesPlayed: 4, BattlesWon: 1}}
	s := newServer(t, accts, be)

	_ = accts.SetGuestMode(context.Background())
	if rec, _ := do(t, s, http.MethodGet, "/api/stats", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("guest stats = %d", rec.Code)
	}
	_, _ = accts.Login(context.Background(), "a@b.co", "pw")
	rec, out := do(t, s, http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusOK || out["fastestSolo"] != "1:35" || out["playedToday"] != false || out["battlesWon"] != float64(1) {
		t.Fatalf("stats = %d %v", rec.Code, out)
	}
}

func TestIdentityChangeClosesLiveGames(t *testing.T) {
	accts := &fakeAccounts{}
	s := newServer(t, accts, &fakeBackend{})
	_ = accts.SetGuestMode(context.Background())

	if rec, out := do(t, s, http.MethodPost, "/api/battles/b1", ""); rec.Code != http.StatusOK || out["playerId"] != "guest-1" {
		t.Fatalf("battle = %d %v", rec.Code, out)
	}
	if rec, _ := do(t, s, http.MethodPost, "/api/rooms/b1", ""); rec.Code != http.StatusOK {
		t.Fatalf("room = %d", rec.Code)
	}

	if rec, _ := do(t, s, http.MethodPost, "/api/login", `{"email":"alice@example.com","password":"pw"}`); rec.Code != http.StatusOK {
		t.Fatalf("login = %d", rec.Code)
	}
	if rec, _ := do(t, s, http.MethodGet, "/api/battles/b1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("guest battle survived login: %d", rec.Code)
	}
	if rec, _ := do(t, s, http.MethodGet, "/api/rooms/b1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("guest room survived login: %d", rec.Code)
	}
	rec, out := do(t, s, http.MethodPost, "/api/battles/b1", "")
	if rec.Code != http.StatusOK || out["playerId"] != "u1" || out["guest"] != false {
		t.Fatalf("reopened battle = %d %v", rec.Code, out)
	}
}
