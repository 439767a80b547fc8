// internal/api/client.go
//
// REST client for the Cross Wars backend.
// Responsibilities:
//   - One method per backend call (invites, battles, crossword, stats).
//   - Bearer auth where the backend wants it; optional elsewhere.
//   - Error taxonomy: HTTPError (status + detail), ErrNotFound,
//     ErrAlreadyCompleted, IsTransient for retry decisions.
//
// Paths are fixed by the backend and must not change.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crosswars/go-client/internal/game"
)

const defaultTimeout = 30 * time.Second

// Client talks to the backend at BaseURL.
type Client struct {
	base string
	http *http.Client
}

// New builds a client. hc may be nil.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{base: strings.TrimSuffix(baseURL, "/"), http: hc}
}

// BaseURL returns the resolved backend root.
func (c *Client) BaseURL() string { return c.base }

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	log.Debug().Str("method", method).Str("path", path).Int("status", res.StatusCode).
		Dur("took", time.Since(start)).Msg("api")

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &HTTPError{Method: method, Path: path, Status: res.StatusCode, Detail: detailOf(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// ----------------------------- invites -------------------------------------

// Invite is returned by /invites/create.
type Invite struct {
	InviteToken string `json:"invite_token"`
	BattleID    string `json:"battle_id"`
}

// Acceptance is returned by /invites/accept/{token}.
type Acceptance struct {
	BattleID string `json:"battle_id"`
	IsGuest  bool   `json:"is_guest"`
}

// CreateInvite mints a single-use invite token and its battle.
func (c *Client) CreateInvite(ctx context.Context, bearer string) (*Invite, error) {
	var out Invite
	if err := c.do(ctx, http.MethodPost, "/invites/create", bearer, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcceptInvite consumes an invite token. bearer is empty for guests.
func (c *Client) AcceptInvite(ctx context.Context, token, bearer string) (*Acceptance, error) {
	var out Acceptance
	path := "/invites/accept/" + url.PathEscape(token)
	if err := c.do(ctx, http.MethodPost, path, bearer, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ----------------------------- battles -------------------------------------

// Battle is the backend's battle row.
type Battle struct {
	ID             string `json:"id"`
	Player1ID      string `json:"player1_id,omitempty"`
	Player2ID      string `json:"player2_id,omitempty"`
	Player1IsGuest bool   `json:"player1_is_guest"`
	Player2IsGuest bool   `json:"player2_is_guest"`
	Player1Ready   bool   `json:"player1_ready"`
	Player2Ready   bool   `json:"player2_ready"`
	WinnerID       string `json:"winner_id,omitempty"`
	Status         string `json:"status,omitempty"`
}

// Occupied reports whether seat (1 or 2) holds a user or a guest.
func (b *Battle) Occupied(seat int) bool {
	if seat == 1 {
		return b.Player1ID != "" || b.Player1IsGuest
	}
	return b.Player2ID != "" || b.Player2IsGuest
}

// Ready reports the ready flag of seat (1 or 2).
func (b *Battle) Ready(seat int) bool {
	if seat == 1 {
		return b.Player1Ready
	}
	return b.Player2Ready
}

type battleEnvelope struct {
	Battle *Battle `json:"battle"`
}

func battlePath(id string) string { return "/api/battles/" + url.PathEscape(id) }

// JoinBattle fetches the battle row via POST, which also registers the caller
// with the backend. Returns ErrNotFound (via errors.Is) while the row is not
// visible yet.
func (c *Client) JoinBattle(ctx context.Context, id, bearer string) (*Battle, error) {
	return c.battle(ctx, http.MethodPost, id, bearer, struct{}{})
}

// GetBattle reads the battle row.
func (c *Client) GetBattle(ctx context.Context, id, bearer string) (*Battle, error) {
	return c.battle(ctx, http.MethodGet, id, bearer, nil)
}

func (c *Client) battle(ctx context.Context, method, id, bearer string, in any) (*Battle, error) {
	var env battleEnvelope
	if err := c.do(ctx, method, battlePath(id), bearer, in, &env); err != nil {
		return nil, err
	}
	if env.Battle == nil {
		return nil, fmt.Errorf("%s %s: response has no battle", method, battlePath(id))
	}
	return env.Battle, nil
}

type readyReq struct {
	PlayerNumber int `json:"playerNumber"`
}

// MarkReady flags seat as ready.
func (c *Client) MarkReady(ctx context.Context, id string, seat int, bearer string) error {
	return c.do(ctx, http.MethodPost, battlePath(id)+"/ready", bearer, readyReq{PlayerNumber: seat}, nil)
}

// StartBattle marks the battle as started. The backend treats repeats as no-ops.
func (c *Client) StartBattle(ctx context.Context, id, bearer string) error {
	return c.do(ctx, http.MethodPost, battlePath(id)+"/start", bearer, struct{}{}, nil)
}

// CompleteRequest identifies who finished.
type CompleteRequest struct {
	PlayerID string `json:"player_id"`
	IsGuest  bool   `json:"is_guest"`
}

type completeRes struct {
	WinnerID string `json:"winner_id"`
}

// CompleteBattle attempts to finalize the battle and returns the winner.
// If the other player completed first it returns ErrAlreadyCompleted.
func (c *Client) CompleteBattle(ctx context.Context, id string, req CompleteRequest, bearer string) (string, error) {
	var out completeRes
	err := c.do(ctx, http.MethodPost, battlePath(id)+"/complete", bearer, req, &out)
	var he *HTTPError
	if errors.As(err, &he) && he.alreadyCompleted() {
		return "", fmt.Errorf("%w: %s", ErrAlreadyCompleted, he.Detail)
	}
	if err != nil {
		return "", err
	}
	return out.WinnerID, nil
}

// ----------------------------- crossword -----------------------------------

type puzzleEnvelope struct {
	Data *game.Wire `json:"data"`
}

// BattlePuzzle fetches the shared puzzle for a battle.
func (c *Client) BattlePuzzle(ctx context.Context, battleID string) (*game.Wire, error) {
	return c.puzzle(ctx, http.MethodGet, "/crossword/battle?battle_id="+url.QueryEscape(battleID), nil)
}

// SoloPuzzle fetches today's solo puzzle.
func (c *Client) SoloPuzzle(ctx context.Context) (*game.Wire, error) {
	return c.puzzle(ctx, http.MethodGet, "/crossword/solo", nil)
}

type generateReq struct {
	Theme string `json:"theme"`
}

// GeneratePuzzle asks the backend to generate a themed puzzle. This can take
// tens of seconds.
func (c *Client) GeneratePuzzle(ctx context.Context, theme string) (*game.Wire, error) {
	return c.puzzle(ctx, http.MethodPost, "/crossword/generate", generateReq{Theme: theme})
}

func (c *Client) puzzle(ctx context.Context, method, path string, in any) (*game.Wire, error) {
	var env puzzleEnvelope
	if err := c.do(ctx, method, path, "", in, &env); err != nil {
		return nil, err
	}
	if env.Data == nil || len(env.Data.Grid) == 0 {
		return nil, fmt.Errorf("%s %s: no grid returned", method, path)
	}
	return env.Data, nil
}

// ------------------------------- stats -------------------------------------

// Stats is a user's aggregate stats row.
type Stats struct {
	UserID          string  `json:"user_id"`
	DisplayName     string  `json:"display_name"`
	SoloStreak      int     `json:"solo_streak"`
	FastestSoloTime *int    `json:"fastest_solo_time"`
	LastSoloPlayed  *string `json:"last_solo_played"`
	BattlesPlayed   int     `json:"battles_played"`
	BattlesWon      int     `json:"battles_won"`
}

type statsEnvelope struct {
	Exists bool    `json:"exists"`
	Data   []Stats `json:"data"`
}

// UserStats returns the stats row for userID, or (nil, nil) if none exists.
func (c *Client) UserStats(ctx context.Context, userID, bearer string) (*Stats, error) {
	var env statsEnvelope
	if err := c.do(ctx, http.MethodGet, "/stats/get_user_stats/"+url.PathEscape(userID), bearer, nil, &env); err != nil {
		return nil, err
	}
	if !env.Exists || len(env.Data) == 0 {
		return nil, nil
	}
	return &env.Data[0], nil
}

// NewStats creates a stats row.
type NewStats struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// CreateUserStats creates the stats row for a new account.
func (c *Client) CreateUserStats(ctx context.Context, s NewStats, bearer string) error {
	return c.do(ctx, http.MethodPost, "/stats/create_user_stats", bearer, s, nil)
}

// SoloResult is pushed after a solo completion.
type SoloResult struct {
	UserID   string `json:"user_id"`
	Seconds  int    `json:"time_seconds"`
	PlayedAt string `json:"played_at"`
}

// UpdateUserStats records a finished solo puzzle.
func (c *Client) UpdateUserStats(ctx context.Context, r SoloResult, bearer string) error {
	return c.do(ctx, http.MethodPut, "/stats/update_user_stats", bearer, r, nil)
}

// BattleResult is pushed after a battle resolves.
type BattleResult struct {
	UserID   string `json:"user_id"`
	BattleID string `json:"battle_id"`
	Won      bool   `json:"won"`
}

// UpdateBattleStats records a resolved battle.
func (c *Client) UpdateBattleStats(ctx context.Context, r BattleResult, bearer string) error {
	return c.do(ctx, http.MethodPut, "/stats/update_battle_stats", bearer, r, nil)
}
