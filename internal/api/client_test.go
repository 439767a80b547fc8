package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestClient(t *testing.T, r chi.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", srv.Client())
}

func TestCreateInvite_SendsBearer(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/invites/create", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			http.Error(w, `{"detail":"Not authenticated"}`, http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"invite_token":"inv1","battle_id":"b1"}`))
	})
	c := newTestClient(t, r)

	inv, err := c.CreateInvite(context.Background(), "tok")
	if err != nil {
		t.Fatal(err)
	}
	if inv.InviteToken != "inv1" || inv.BattleID != "b1" {
		t.Fatalf("invite = %+v", inv)
	}

	_, err = c.CreateInvite(context.Background(), "")
	var he *HTTPError
	if !errors.As(err, &he) || he.Status != http.StatusUnauthorized || he.Detail != "Not authenticated" {
		t.Fatalf("err = %#v", err)
	}
	if Message(err) != "Not authenticated" {
		t.Fatalf("Message = %q", Message(err))
	}
	if IsTransient(err) {
		t.Fatal("401 must not be transient")
	}
}

func TestJoinBattle_NotFoundAndDecode(t *testing.T) {
	calls := 0
	r := chi.NewRouter()
	r.Post("/api/battles/{id}", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, `{"detail":"Battle not found"}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"battle":{"id":"` + chi.URLParam(r, "id") + `","player1_id":"u1","player2_id":null,"player2_is_guest":true,"player1_ready":true}}`))
	})
	c := newTestClient(t, r)

	_, err := c.JoinBattle(context.Background(), "b1", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	b, err := c.JoinBattle(context.Background(), "b1", "")
	if err != nil {
		t.Fatal(err)
	}
	if b.ID != "b1" || !b.Occupied(1) || !b.Occupied(2) || !b.Ready(1) || b.Ready(2) {
		t.Fatalf("battle = %+v", b)
	}
}

func TestMarkReady_Body(t *testing.T) {
	var got readyReq
	r := chi.NewRouter()
	r.Post("/api/battles/{id}/ready", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, r)
	if err := c.MarkReady(context.Background(), "b1", 2, ""); err != nil {
		t.Fatal(err)
	}
	if got.PlayerNumber != 2 {
		t.Fatalf("playerNumber = %d", got.PlayerNumber)
	}
}

func TestCompleteBattle(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/battles/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		var req CompleteRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if chi.URLParam(r, "id") == "done" {
			http.Error(w, `{"detail":"Battle already completed"}`, http.StatusConflict)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"winner_id": req.PlayerID})
	})
	c := newTestClient(t, r)

	winner, err := c.CompleteBattle(context.Background(), "b1", CompleteRequest{PlayerID: "u1"}, "")
	if err != nil || winner != "u1" {
		t.Fatalf("winner = %q, err = %v", winner, err)
	}
	_, err = c.CompleteBattle(context.Background(), "done", CompleteRequest{PlayerID: "u1"}, "")
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestPuzzles(t *testing.T) {
	const body = `{"data":{"grid":[["A","-"],["B","C"]],"clues_across":["x"],"clues_down":["y"]}}`
	var theme string
	var battleID string
	r := chi.NewRouter()
	r.Get("/crossword/battle", func(w http.ResponseWriter, r *http.Request) {
		battleID = r.URL.Query().Get("battle_id")
		_, _ = io.WriteString(w, body)
	})
	r.Get("/crossword/solo", func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, body) })
	r.Post("/crossword/generate", func(w http.ResponseWriter, r *http.Request) {
		var req generateReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		theme = req.Theme
		_, _ = io.WriteString(w, `{"data":{}}`)
	})
	c := newTestClient(t, r)

	wire, err := c.BattlePuzzle(context.Background(), "b 1")
	if err != nil {
		t.Fatal(err)
	}
	if battleID != "b 1" || len(wire.Grid) != 2 || wire.CluesDown[0] != "y" {
		t.Fatalf("battleID=%q wire=%+v", battleID, wire)
	}
	if _, err := c.SoloPuzzle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GeneratePuzzle(context.Background(), "space"); err == nil {
		t.Fatal("empty grid should be an error")
	}
	if theme != "space" {
		t.Fatalf("theme = %q", theme)
	}
}

func TestStats(t *testing.T) {
	var method string
	r := chi.NewRouter()
	r.Get("/stats/get_user_stats/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "nobody" {
			_, _ = io.WriteString(w, `{"exists":false,"data":[]}`)
			return
		}
		_, _ = io.WriteString(w, `{"exists":true,"data":[{"user_id":"u1","display_name":"Ada","fastest_solo_time":75,"last_solo_played":null,"battles_won":3}]}`)
	})
	r.Put("/stats/update_battle_stats", func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusOK)
	})
	r.Put("/stats/update_user_stats", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	c := newTestClient(t, r)

	s, err := c.UserStats(context.Background(), "u1", "tok")
	if err != nil {
		t.Fatal(err)
	}
	if s.DisplayName != "Ada" || s.FastestSoloTime == nil || *s.FastestSoloTime != 75 || s.LastSoloPlayed != nil {
		t.Fatalf("stats = %+v", s)
	}
	if s, err := c.UserStats(context.Background(), "nobody", "tok"); s != nil || err != nil {
		t.Fatalf("missing stats = %+v, %v", s, err)
	}
	if err := c.UpdateBattleStats(context.Background(), BattleResult{UserID: "u1", Won: true}, "tok"); err != nil {
		t.Fatal(err)
	}
	if method != http.MethodPut {
		t.Fatalf("method = %s", method)
	}
	err = c.UpdateUserStats(context.Background(), SoloResult{UserID: "u1"}, "tok")
	if !IsTransient(err) {
		t.Fatalf("502 should be transient: %v", err)
	}
}

func TestDetailOf(t *testing.T) {
	cases := map[string]string{
		`{"detail":"nope"}`:                    "nope",
		`{"detail":[{"msg":"a"},{"msg":"b"}]}`: "a; b",
		`{"error":"bad"}`:                      "bad",
		`plain text`:                           "plain text",
		`{"detail":{"code":1}}`:                `{"code":1}`,
	}
	for in, want := range cases {
		if got := detailOf([]byte(in)); got != want {
			t.Errorf("detailOf(%s) = %q, want %q", in, got, want)
		}
	}
}
