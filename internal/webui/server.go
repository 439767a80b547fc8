// internal/webui/server.go
//
// HTTP front end for the local client: a browser (or curl) drives the game
// through JSON endpoints and watches rooms and battles over SSE.
// Responsibilities:
//   - Router + middleware (JSON, CORS, timeouts, panic recovery, request IDs).
//   - Public endpoints: "/", "/health", session, login/signup/logout/guest.
//   - Identity-gated endpoints: invites, accept, rooms, battles, stats.
//   - Solo endpoints (anyone may play).
//   - Live room/battle/solo registry and their SSE fan-out.
//
// Notes:
//   - Long-lived routes (SSE, puzzle generation) sit outside the timeout group.
//   - Gated routes answer 401 with the login redirect path when nobody is
//     signed in and guest mode is off.

package webui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/crosswars/go-client/internal/api"
	"github.com/crosswars/go-client/internal/auth"
	"github.com/crosswars/go-client/internal/battle"
	"github.com/crosswars/go-client/internal/invite"
	"github.com/crosswars/go-client/internal/room"
	"github.com/crosswars/go-client/internal/solo"
)

// Accounts is the auth surface the UI needs.
type Accounts interface {
	SignUp(ctx context.Context, req auth.SignUpRequest) (*auth.Session, error)
	Login(ctx context.Context, email, password string) (*auth.Session, error)
	SignOut(ctx context.Context) error
	SetGuestMode(ctx context.Context) error
	Session() *auth.Session
	Identity(ctx context.Context) (auth.Identity, error)
}

// StatsSource reads a user's backend stats row.
type StatsSource interface {
	UserStats(ctx context.Context, userID, bearer string) (*api.Stats, error)
}

// Deps wires the server to the game packages.
type Deps struct {
	Accounts Accounts
	Issuer   *invite.Issuer
	Acceptor *invite.Acceptor
	Rooms    room.Deps
	Battles  battle.Deps
	Solo     solo.Deps
	Stats    StatsSource
	// Origin is the browser origin allowed by CORS.
	Origin string
}

// Server bundles the router and the live game registry.
type Server struct {
	r     *chi.Mux
	deps  Deps
	hub   *Broadcaster
	ctx   context.Context
	close context.CancelFunc

	mu      sync.Mutex
	invites map[string]*invite.Invite
	rooms   map[string]*room.Room
	battles map[string]*battle.Session
	pumps   map[string]context.CancelFunc // by SSE topic
	solo    *soloGame

	battleOpts []battle.Option
	roomOpts   []room.Option
}

// Option configures a Server.
type Option func(*Server)

// WithBattleOptions passes options to every battle session the server opens.
func WithBattleOptions(opts ...battle.Option) Option {
	return func(s *Server) { s.battleOpts = append(s.battleOpts, opts...) }
}

// WithRoomOptions passes options to every waiting room the server opens.
func WithRoomOptions(opts ...room.Option) Option {
	return func(s *Server) { s.roomOpts = append(s.roomOpts, opts...) }
}

// New constructs a Server, installs middleware, and registers routes.
func New(deps Deps, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		r:       chi.NewRouter(),
		deps:    deps,
		hub:     NewBroadcaster(),
		ctx:     ctx,
		close:   cancel,
		invites: make(map[string]*invite.Invite),
		rooms:   make(map[string]*room.Room),
		battles: make(map[string]*battle.Session),
		pumps:   make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(s)
	}

	// --- middleware ---
	s.r.Use(chimw.RequestID)
	s.r.Use(chimw.RealIP)
	s.r.Use(requestLogger)
	s.r.Use(chimw.Recoverer)
	s.r.Use(jsonContentType)
	s.r.Use(cors(deps.Origin))

	// --- diagnostics ---
	s.r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"service":"crosswars","endpoints":["/health","/api/session","/api/rooms/{id}","/api/battles/{id}","/api/solo"]}`))
	})
	s.r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	s.r.Route("/api", func(rt chi.Router) {
		rt.Group(func(g chi.Router) {
			g.Use(chimw.Timeout(15 * time.Second))

			g.Get("/session", s.handleSession)
			g.Post("/guest", s.handleGuest)
			g.Post("/login", s.handleLogin)
			g.Post("/signup", s.handleSignup)
			g.Post("/logout", s.handleLogout)

			g.Get("/solo", s.handleSoloSnapshot)
			g.Post("/solo/input", s.handleSoloInput)
			g.Post("/solo/select", s.handleSoloSelect)

			g.Get("/invites/{token}/qr", s.handleInviteQR)

			g.Group(func(gated chi.Router) {
				gated.Use(s.requireIdentity)
				gated.Post("/invites", s.handleCreateInvite)
				gated.Post("/accept/{token}", s.handleAccept)
				gated.Post("/rooms/{id}", s.handleRoomStart)
				gated.Get("/rooms/{id}", s.handleRoomSnapshot)
				gated.Post("/rooms/{id}/ready", s.handleRoomReady)
				gated.Post("/battles/{id}/select", s.handleBattleSelect)
				gated.Post("/battles/{id}/input", s.handleBattleInput)
				gated.Post("/battles/{id}/resolve", s.handleBattleResolve)
				gated.Get("/battles/{id}", s.handleBattleSnapshot)
				gated.Get("/stats", s.handleStats)
			})
		})

		// Opening a battle may wait on the puzzle; solo generation can take
		// tens of seconds.
		rt.With(s.requireIdentity).Post("/battles/{id}", s.handleBattleOpen)
		rt.Post("/solo", s.handleSoloStart)

		rt.With(s.requireIdentity).Get("/rooms/{id}/events", s.handleRoomEvents)
		rt.With(s.requireIdentity).Get("/battles/{id}/events", s.handleBattleEvents)
		rt.Get("/solo/events", s.handleSoloEvents)
	})

	s.r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "path": r.URL.Path})
	})
	return s
}

// Handler exposes the router (useful for tests).
func (s *Server) Handler() http.Handler { return s.r }

// Broadcaster exposes the SSE fan-out.
func (s *Server) Broadcaster() *Broadcaster { return s.hub }

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
// and closes every live game.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.r, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("web ui listening")

	select {
	case err := <-errc:
		s.Close()
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdown)
	s.Close()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// Close stops every live room, battle and solo game.
func (s *Server) Close() {
	s.close()
	s.resetGames()
}

// resetGames closes every live game. Games hold the identity they were opened
// with, so this runs whenever the signed-in identity changes.
func (s *Server) resetGames() {
	s.mu.Lock()
	rooms, battles, sg, pumps := s.rooms, s.battles, s.solo, s.pumps
	s.rooms = make(map[string]*room.Room)
	s.battles = make(map[string]*battle.Session)
	s.pumps = make(map[string]context.CancelFunc)
	s.solo = nil
	s.mu.Unlock()

	for _, stop := range pumps {
		stop()
	}

	for _, r := range rooms {
		_ = r.Close()
	}
	for _, b := range battles {
		_ = b.Close()
	}
	if sg != nil {
		sg.stop()
		_ = sg.session.Close()
	}
}

// ----------------------------- middleware ----------------------------------

// jsonContentType sets a default JSON Content-Type header on all responses.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
	})
}

// cors enables credentialed CORS for a single origin.
func cors(origin string) func(http.Handler) http.Handler {
	if origin == "" {
		origin = "http://localhost:5173"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("http")
	})
}

type ctxIdentityKey struct{}

// requireIdentity resolves the local player and stores it in the request
// context. Without a session or guest mode it answers 401 with the login
// redirect back to the page being opened.
func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.deps.Accounts.Identity(r.Context())
		if err != nil {
			if errors.Is(err, auth.ErrLoginRequired) {
				err = auth.LoginRedirect(pagePath(r))
			}
			writeErr(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxIdentityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(r *http.Request) auth.Identity {
	id, _ := r.Context().Value(ctxIdentityKey{}).(auth.Identity)
	return id
}

// pagePath maps an API route to the page a browser would return to after
// logging in.
func pagePath(r *http.Request) string {
	switch id := chi.URLParam(r, "id"); {
	case id != "" && strings.HasPrefix(r.URL.Path, "/api/battles/"):
		return room.PlayPath(id)
	case id != "":
		return invite.RoomPath(id)
	}
	if token := chi.URLParam(r, "token"); token != "" {
		return invite.AcceptPath(token)
	}
	return "/dashboard"
}

// ------------------------------- replies -----------------------------------

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeErr maps domain errors to status codes.
func writeErr(w http.ResponseWriter, err error) {
	var (
		re *auth.RedirectError
		pe *auth.ProviderError
		he *api.HTTPError
	)
	switch {
	case errors.As(err, &re):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "login_required", "redirect": re.Location()})
	case errors.Is(err, auth.ErrLoginRequired):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "login_required", "redirect": "/loginSignup"})
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrEmptyPassword),
		errors.Is(err, auth.ErrDisplayNameRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrConfirmationRequired):
		writeError(w, http.StatusAccepted, err.Error())
	case errors.As(err, &pe):
		code := pe.Status
		if code < 400 || code >= 500 {
			code = http.StatusBadGateway
		}
		writeError(w, code, pe.Message)
	case errors.Is(err, invite.ErrGuestCannotInvite):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, invite.ErrInvalid), errors.Is(err, invite.ErrMissingToken):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, solo.ErrPlayedToday), errors.Is(err, solo.ErrCompleted),
		errors.Is(err, battle.ErrFrozen), errors.Is(err, battle.ErrNotFinished),
		errors.Is(err, battle.ErrResolving):
		writeError(w, http.StatusConflict, err.Error())
	case isInputError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &he):
		writeError(w, http.StatusBadGateway, api.Message(err))
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
