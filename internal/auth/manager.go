// internal/auth/manager.go
//
// Session/auth adapter.
// Responsibilities:
//   - Sign-up, login, sign-out, and the current session over a Provider.
//   - Guest mode: a local flag plus a stable guest id for this local session.
//   - Persistence of the session in the local store so it survives restarts.
//   - Subscribers notified on every session change.
//
// Resolution order for Identity: authenticated session, then guest mode,
// otherwise ErrLoginRequired.

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/crosswars/go-client/internal/localstore"
)

// GuestIDPrefix prefixes generated guest identities.
const GuestIDPrefix = "guest-"

// Manager is the session adapter shared by every screen.
type Manager struct {
	provider Provider
	store    localstore.Store
	now      func() time.Time
	onSignUp func(ctx context.Context, s *Session) error

	mu      sync.Mutex
	session *Session
	subs    map[int]func(*Session)
	nextSub int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithSignUpHook runs fn after a sign-up that produced a session. Hook errors
// are logged, never returned.
func WithSignUpHook(fn func(ctx context.Context, s *Session) error) Option {
	return func(m *Manager) { m.onSignUp = fn }
}

// NewManager builds a Manager. Call Restore to load a persisted session.
func NewManager(p Provider, st localstore.Store, opts ...Option) *Manager {
	m := &Manager{provider: p, store: st, now: time.Now, subs: make(map[int]func(*Session))}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Restore loads the persisted session, refreshing it once if expired. A
// session that cannot be refreshed is discarded.
func (m *Manager) Restore(ctx context.Context) error {
	raw, err := m.store.Get(ctx, localstore.KeyAuthSession)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.AccessToken == "" {
		log.Warn().Err(err).Msg("discarding unreadable auth session")
		return m.store.Delete(ctx, localstore.KeyAuthSession)
	}
	if s.Expired(m.now()) {
		fresh, err := m.refresh(ctx, &s)
		if err != nil {
			log.Warn().Err(err).Msg("stored session expired and could not be refreshed")
			return m.store.Delete(ctx, localstore.KeyAuthSession)
		}
		s = *fresh
	}
	return m.adopt(ctx, &s)
}

// SignUp validates the form and registers. It returns ErrConfirmationRequired
// when the provider wants the email confirmed before a session exists.
func (m *Manager) SignUp(ctx context.Context, req SignUpRequest) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s, err := m.provider.SignUp(ctx, req)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrConfirmationRequired
	}
	if s.User.DisplayName == "" {
		s.User.DisplayName = req.DisplayName
	}
	if err := m.adopt(ctx, s); err != nil {
		return nil, err
	}
	if m.onSignUp != nil {
		if err := m.onSignUp(ctx, s); err != nil {
			log.Warn().Err(err).Str("user", s.User.ID).Msg("sign-up hook")
		}
	}
	return m.Session(), nil
}

// Login signs in with email and password.
func (m *Manager) Login(ctx context.Context, email, password string) (*Session, error) {
	if err := validateLogin(email, password); err != nil {
		return nil, err
	}
	s, err := m.provider.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := m.adopt(ctx, s); err != nil {
		return nil, err
	}
	return m.Session(), nil
}

// SignOut ends the session. Provider failures are logged; the local session
// is cleared regardless.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s != nil {
		if err := m.provider.Logout(ctx, s.AccessToken); err != nil {
			log.Warn().Err(err).Msg("provider logout")
		}
	}
	return m.clear(ctx)
}

// SetGuestMode signs out and switches to guest mode.
func (m *Manager) SetGuestMode(ctx context.Context) error {
	if err := m.SignOut(ctx); err != nil {
		return err
	}
	if err := localstore.SetFlag(ctx, m.store, localstore.KeyGuest, true); err != nil {
		return err
	}
	_, err := m.GuestID(ctx)
	return err
}

// IsGuest reports whether guest mode is on and no session exists.
func (m *Manager) IsGuest(ctx context.Context) bool {
	return m.Session() == nil && localstore.Flag(ctx, m.store, localstore.KeyGuest)
}

// GuestID returns the guest identity for this local session, creating it once.
func (m *Manager) GuestID(ctx context.Context) (string, error) {
	id, err := m.store.Get(ctx, localstore.KeyGuestID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return "", err
	}
	id = GuestIDPrefix + uuid.NewString()
	if err := m.store.Set(ctx, localstore.KeyGuestID, id); err != nil {
		return "", err
	}
	return id, nil
}

// Session returns a copy of the current session, or nil.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	cp := *m.session
	return &cp
}

// Identity resolves the local player, refreshing an expired session first.
func (m *Manager) Identity(ctx context.Context) (Identity, error) {
	if s := m.Session(); s != nil {
		if s.Expired(m.now()) {
			fresh, err := m.refresh(ctx, s)
			if err != nil {
				log.Warn().Err(err).Msg("session refresh failed; signing out")
				_ = m.clear(ctx)
				return m.guestIdentity(ctx)
			}
			if err := m.adopt(ctx, fresh); err != nil {
				return Identity{}, err
			}
			s = fresh
		}
		return Identity{ID: s.User.ID, Token: s.AccessToken, DisplayName: s.User.DisplayName}, nil
	}
	return m.guestIdentity(ctx)
}

func (m *Manager) guestIdentity(ctx context.Context) (Identity, error) {
	if !localstore.Flag(ctx, m.store, localstore.KeyGuest) {
		return Identity{}, ErrLoginRequired
	}
	id, err := m.GuestID(ctx)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: id, Guest: true, DisplayName: "Guest"}, nil
}

// Subscribe registers fn for session changes (nil on sign-out) and returns
// the unsubscribe function.
func (m *Manager) Subscribe(fn func(*Session)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) refresh(ctx context.Context, s *Session) (*Session, error) {
	if s.RefreshToken == "" {
		return nil, errors.New("session expired")
	}
	return m.provider.Refresh(ctx, s.RefreshToken)
}

func (m *Manager) adopt(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, localstore.KeyAuthSession, string(raw)); err != nil {
		return err
	}
	if err := localstore.SetFlag(ctx, m.store, localstore.KeyGuest, false); err != nil {
		return err
	}
	cp := *s
	m.mu.Lock()
	m.session = &cp
	m.mu.Unlock()
	m.notify(&cp)
	return nil
}

func (m *Manager) clear(ctx context.Context) error {
	m.mu.Lock()
	had := m.session != nil
	m.session = nil
	m.mu.Unlock()
	if err := m.store.Delete(ctx, localstore.KeyAuthSession); err != nil {
		return err
	}
	if had {
		m.notify(nil)
	}
	return nil
}

func (m *Manager) notify(s *Session) {
	m.mu.Lock()
	fns := make([]func(*Session), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		if s == nil {
			fn(nil)
			continue
		}
		cp := *s
		fn(&cp)
	}
}
