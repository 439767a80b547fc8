// internal/invite/invite.go
//
// Invite issuance and acceptance.
// Responsibilities:
//   - Issuer: mint a single-use invite for an authenticated user, retrying
//     transient backend failures, and render the shareable link (text + QR).
//   - Acceptor: resolve a token to a battle id for an authenticated user or a
//     guest, flag the local session as the invited seat, and do it only once.

package invite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/crosswars/go-client/internal/api"
	"github.com/crosswars/go-client/internal/auth"
	"github.com/crosswars/go-client/internal/localstore"
	"github.com/crosswars/go-client/internal/retry"
)

var (
	// ErrGuestCannotInvite is returned to guests and signed-out users.
	ErrGuestCannotInvite = errors.New("You must be logged in to invite players to battle.")

	// ErrInvalid means the backend refused the token.
	ErrInvalid = errors.New("Invite invalid or expired")

	// ErrNoBattle means the backend accepted the token but named no battle.
	ErrNoBattle = errors.New("invite response has no battle id")

	// ErrMissingToken is returned for an empty token.
	ErrMissingToken = errors.New("missing invite token")
)

// DefaultPolicy retries invite creation on network errors and 5xx.
var DefaultPolicy = retry.Policy{Interval: time.Second, Attempts: 3}

// Identities resolves the local player.
type Identities interface {
	Identity(ctx context.Context) (auth.Identity, error)
}

// Backend is the subset of the REST client used here.
type Backend interface {
	CreateInvite(ctx context.Context, bearer string) (*api.Invite, error)
	AcceptInvite(ctx context.Context, token, bearer string) (*api.Acceptance, error)
}

// Invite is an issued invite.
type Invite struct {
	Token    string `json:"token"`
	BattleID string `json:"battleId"`
	Link     string `json:"link"`
}

// LinkFor builds the shareable link for token.
func LinkFor(origin, token string) string {
	return strings.TrimSuffix(origin, "/") + "/battle/" + token
}

// AcceptPath is the page that accepts token.
func AcceptPath(token string) string { return "/accept/" + token }

// RoomPath is the waiting room page for a battle.
func RoomPath(battleID string) string { return "/battle-room/" + battleID }

// QRCode renders the link as a PNG of size x size pixels.
func (i *Invite) QRCode(size int) ([]byte, error) {
	return qrcode.Encode(i.Link, qrcode.Medium, size)
}

// TerminalQR renders the link for a terminal using half-block characters.
func (i *Invite) TerminalQR() (string, error) {
	q, err := qrcode.New(i.Link, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}

// ----------------------------- issuance ------------------------------------

// Issuer creates invites.
type Issuer struct {
	ids     Identities
	backend Backend
	origin  string
	policy  retry.Policy
}

// NewIssuer builds an Issuer whose links point at origin.
func NewIssuer(ids Identities, backend Backend, origin string) *Issuer {
	return &Issuer{ids: ids, backend: backend, origin: origin, policy: DefaultPolicy}
}

// WithPolicy overrides the retry policy.
func (is *Issuer) WithPolicy(p retry.Policy) *Issuer {
	is.policy = p
	return is
}

// Issue mints an invite. Backend validation errors are returned as-is (use
// api.Message for their text); transient failures are retried first.
func (is *Issuer) Issue(ctx context.Context) (*Invite, error) {
	id, err := is.ids.Identity(ctx)
	if err != nil || id.Guest {
		return nil, ErrGuestCannotInvite
	}

	var out *api.Invite
	attempt := 0
	err = retry.Do(ctx, is.policy, func(ctx context.Context) error {
		attempt++
		inv, err := is.backend.CreateInvite(ctx, id.Token)
		if err != nil {
			if !api.IsTransient(err) {
				return retry.Permanent(err)
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("create invite")
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create invite: %w", err)
	}
	if out.InviteToken == "" {
		return nil, errors.New("create invite: backend returned no token")
	}
	return &Invite{Token: out.InviteToken, BattleID: out.BattleID, Link: LinkFor(is.origin, out.InviteToken)}, nil
}

// ---------------------------- acceptance -----------------------------------

type acceptResult struct {
	battleID string
	err      error
}

// Acceptor consumes invite tokens.
type Acceptor struct {
	ids     Identities
	backend Backend
	store   localstore.Store

	mu   sync.Mutex
	seen map[string]*acceptResult
}

// NewAcceptor builds an Acceptor.
func NewAcceptor(ids Identities, backend Backend, st localstore.Store) *Acceptor {
	return &Acceptor{ids: ids, backend: backend, store: st, seen: make(map[string]*acceptResult)}
}

// Accept resolves token to a battle id and marks the local session as the
// invited seat. A token is sent to the backend at most once per Acceptor;
// repeats return the first outcome. Without a session or guest mode it
// returns an auth.RedirectError back to the accept page.
func (a *Acceptor) Accept(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	id, err := a.ids.Identity(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrLoginRequired) {
			return "", auth.LoginRedirect(AcceptPath(token))
		}
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.seen[token]; ok {
		return r.battleID, r.err
	}
	r := &acceptResult{}
	r.battleID, r.err = a.accept(ctx, token, id)
	if ctx.Err() == nil {
		a.seen[token] = r
	}
	return r.battleID, r.err
}

func (a *Acceptor) accept(ctx context.Context, token string, id auth.Identity) (string, error) {
	res, err := a.backend.AcceptInvite(ctx, token, id.Token)
	if err != nil {
		var he *api.HTTPError
		if errors.As(err, &he) {
			log.Warn().Err(err).Msg("accept invite")
			return "", ErrInvalid
		}
		return "", fmt.Errorf("accept invite: %w", err)
	}
	if res.BattleID == "" {
		return "", ErrNoBattle
	}
	if err := localstore.SetFlag(ctx, a.store, localstore.KeyInviteJoin, true); err != nil {
		return "", err
	}
	log.Info().Str("battle", res.BattleID).Bool("guest", id.Guest).Msg("invite accepted")
	return res.BattleID, nil
}
