package webui

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crosswars/go-client/internal/auth"
	"github.com/crosswars/go-client/internal/daily"
	"github.com/crosswars/go-client/internal/game"
	"github.com/crosswars/go-client/internal/invite"
)

var errBadJSON = errors.New("invalid_json")

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return errBadJSON
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadJSON
	}
	return nil
}

// ------------------------------- AUTH --------------------------------------

type sessionView struct {
	SignedIn    bool       `json:"signedIn"`
	Guest       bool       `json:"guest"`
	PlayerID    string     `json:"playerId,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	User        *auth.User `json:"user,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

func (s *Server) sessionView(r *http.Request) sessionView {
	var v sessionView
	if sess := s.deps.Accounts.Session(); sess != nil {
		v.SignedIn = true
		u := sess.User
		v.User = &u
		exp := sess.ExpiresAt
		v.ExpiresAt = &exp
	}
	if id, err := s.deps.Accounts.Identity(r.Context()); err == nil {
		v.Guest = id.Guest
		v.PlayerID = id.ID
		v.DisplayName = id.DisplayName
	}
	return v
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionView(r))
}

func (s *Server) handleGuest(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Accounts.SetGuestMode(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	s.resetGames()
	writeJSON(w, http.StatusOK, s.sessionView(r))
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginReq
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if _, err := s.deps.Accounts.Login(r.Context(), body.Email, body.Password); err != nil {
		writeErr(w, err)
		return
	}
	s.resetGames()
	writeJSON(w, http.StatusOK, s.sessionView(r))
}

type signupReq struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var body signupReq
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	req := auth.SignUpRequest{Email: body.Email, Password: body.Password, DisplayName: body.DisplayName}
	if _, err := s.deps.Accounts.SignUp(r.Context(), req); err != nil {
		writeErr(w, err)
		return
	}
	s.resetGames()
	writeJSON(w, http.StatusOK, s.sessionView(r))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Accounts.SignOut(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	s.resetGames()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ------------------------------ INVITES ------------------------------------

type inviteView struct {
	*invite.Invite
	QR       string `json:"qr"`
	RoomPath string `json:"roomPath"`
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	inv, err := s.deps.Issuer.Issue(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	s.mu.Lock()
	s.invites[inv.Token] = inv
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, inviteView{
		Invite:   inv,
		QR:       "/api/invites/" + inv.Token + "/qr",
		RoomPath: invite.RoomPath(inv.BattleID),
	})
}

// handleInviteQR renders the invite link of a token issued by this server as
// a PNG. ?size= is clamped to 64..1024 pixels.
func (s *Server) handleInviteQR(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	inv := s.invites[chi.URLParam(r, "token")]
	s.mu.Unlock()
	if inv == nil {
		writeError(w, http.StatusNotFound, "unknown invite")
		return
	}
	size := 256
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil {
		size = min(max(v, 64), 1024)
	}
	png, err := inv.QRCode(size)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	battleID, err := s.deps.Acceptor.Accept(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"battleId": battleID, "next": invite.RoomPath(battleID)})
}

// ------------------------------- STATS -------------------------------------

type statsView struct {
	DisplayName   string `json:"displayName"`
	SoloStreak    int    `json:"soloStreak"`
	FastestSolo   string `json:"fastestSolo"`
	PlayedToday   bool   `json:"playedToday"`
	BattlesPlayed int    `json:"battlesPlayed"`
	BattlesWon    int    `json:"battlesWon"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if id.Guest {
		writeError(w, http.StatusForbidden, "guests have no stats")
		return
	}
	st, err := s.deps.Stats.UserStats(r.Context(), id.ID, id.Token)
	if err != nil {
		writeErr(w, err)
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "no stats yet")
		return
	}
	zone := s.deps.Solo.Zone
	if zone == nil {
		zone = daily.LoadZone("")
	}
	writeJSON(w, http.StatusOK, statsView{
		DisplayName:   st.DisplayName,
		SoloStreak:    st.SoloStreak,
		FastestSolo:   game.FormatAny(st.FastestSoloTime),
		PlayedToday:   daily.PlayedToday(st.LastSoloPlayed, time.Now(), zone),
		BattlesPlayed: st.BattlesPlayed,
		BattlesWon:    st.BattlesWon,
	})
}
