// app.go
//
// Wiring shared by every subcommand.
// Responsibilities:
//   - Local state: SQLite store (sealed when a state key is set) and the
//     local solo plays table.
//   - Backend REST client and auth manager (session restore, stats row on
//     sign-up).
//   - Realtime transport: a websocket when configured, else an in-process hub.

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crosswars/go-client/internal/api"
	"github.com/crosswars/go-client/internal/auth"
	"github.com/crosswars/go-client/internal/battle"
	"github.com/crosswars/go-client/internal/daily"
	"github.com/crosswars/go-client/internal/invite"
	"github.com/crosswars/go-client/internal/localstore"
	"github.com/crosswars/go-client/internal/realtime"
	"github.com/crosswars/go-client/internal/room"
	"github.com/crosswars/go-client/internal/solo"
	"github.com/crosswars/go-client/internal/webui"
)

type app struct {
	cfg   *Config
	db    *localstore.SQLite
	store localstore.Store
	api   *api.Client
	auth  *auth.Manager
	plays *daily.Store
	zone  *time.Location

	mu        sync.Mutex
	transport realtime.Transport
	socket    *realtime.Socket
	unsub     func()
}

func openApp(ctx context.Context, cfg *Config) (*app, error) {
	db, err := localstore.OpenSQLite(cfg.stateDB)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	a := &app{
		cfg:   cfg,
		db:    db,
		store: db,
		api:   api.New(cfg.apiBase(), nil),
		plays: daily.NewStore(db.DB()),
		zone:  daily.LoadZone(cfg.timezone),
	}
	if cfg.stateKey != "" {
		sealed, err := localstore.NewSealed(ctx, db, cfg.stateKey, localstore.KeyAuthSession)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.store = sealed
	}

	provider := auth.NewGoTrue(cfg.authBase(), cfg.authKey, cfg.jwtSecret, nil)
	a.auth = auth.NewManager(provider, a.store, auth.WithSignUpHook(a.createStats))
	if err := a.auth.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("restore session")
	}
	return a, nil
}

// createStats gives a new account its stats row.
func (a *app) createStats(ctx context.Context, s *auth.Session) error {
	return a.api.CreateUserStats(ctx, api.NewStats{UserID: s.User.ID, DisplayName: s.User.DisplayName}, s.AccessToken)
}

// realtime returns the battle transport, dialing the socket on first use.
func (a *app) realtime(ctx context.Context) (realtime.Transport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.transport != nil {
		return a.transport, nil
	}
	if a.cfg.realtimeURL == "" {
		log.Warn().Msg("no --realtime-url; battles only sync within this process")
		a.transport = realtime.NewHub()
		return a.transport, nil
	}
	token := a.cfg.authKey
	if s := a.auth.Session(); s != nil {
		token = s.AccessToken
	}
	sock, err := realtime.Dial(ctx, a.cfg.realtimeURL, a.cfg.authKey, token)
	if err != nil {
		return nil, fmt.Errorf("connect realtime: %w", err)
	}
	a.unsub = a.auth.Subscribe(func(s *auth.Session) {
		if s != nil {
			sock.SetToken(s.AccessToken)
		} else {
			sock.SetToken(a.cfg.authKey)
		}
	})
	a.socket, a.transport = sock, sock
	return sock, nil
}

func (a *app) roomDeps(ctx context.Context) (room.Deps, error) {
	tr, err := a.realtime(ctx)
	if err != nil {
		return room.Deps{}, err
	}
	return room.Deps{Identities: a.auth, Backend: a.api, Store: a.store, Transport: tr}, nil
}

func (a *app) battleDeps(ctx context.Context) (battle.Deps, error) {
	tr, err := a.realtime(ctx)
	if err != nil {
		return battle.Deps{}, err
	}
	return battle.Deps{Identities: a.auth, Backend: a.api, Store: a.store, Transport: tr}, nil
}

func (a *app) soloDeps() solo.Deps {
	return solo.Deps{Identities: a.auth, Backend: a.api, Plays: a.plays, Zone: a.zone}
}

func (a *app) issuer() *invite.Issuer { return invite.NewIssuer(a.auth, a.api, a.cfg.origin) }

func (a *app) acceptor() *invite.Acceptor { return invite.NewAcceptor(a.auth, a.api, a.store) }

func (a *app) webDeps(ctx context.Context) (webui.Deps, error) {
	rd, err := a.roomDeps(ctx)
	if err != nil {
		return webui.Deps{}, err
	}
	bd, err := a.battleDeps(ctx)
	if err != nil {
		return webui.Deps{}, err
	}
	return webui.Deps{
		Accounts: a.auth,
		Issuer:   a.issuer(),
		Acceptor: a.acceptor(),
		Rooms:    rd,
		Battles:  bd,
		Solo:     a.soloDeps(),
		Stats:    a.api,
		Origin:   a.cfg.origin,
	}, nil
}

func (a *app) close() {
	a.mu.Lock()
	if a.unsub != nil {
		a.unsub()
	}
	if a.socket != nil {
		_ = a.socket.Close()
	}
	a.mu.Unlock()
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("close state db")
	}
}
