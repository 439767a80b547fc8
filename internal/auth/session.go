// internal/auth/session.go
//
// Sessions and identities.
// Responsibilities:
//   - Session: the provider's access/refresh token pair plus the user it names.
//   - Claims: user id, email, and display name read from the access token.
//   - Identity: the canonical "who am I" used to tag broadcasts and backend calls.

package auth

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrLoginRequired means neither a session nor guest mode is active.
var ErrLoginRequired = errors.New("login required")

// Validation errors for sign-up and login forms.
var (
	ErrInvalidEmail         = errors.New("please enter a valid email address")
	ErrEmptyPassword        = errors.New("please enter a password")
	ErrDisplayNameRequired  = errors.New("please enter a display name")
	ErrConfirmationRequired = errors.New("check your email to confirm your account before logging in")
)

// User is the account a session belongs to.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Session is an authenticated provider session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Expired reports whether the access token is expired (or about to be) at now.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(30 * time.Second).Before(s.ExpiresAt)
}

// Identity is the resolved local player.
type Identity struct {
	ID          string
	Guest       bool
	Token       string // bearer for the backend; empty for guests
	DisplayName string
}

// Claims is the subset of access token claims the client reads.
type Claims struct {
	Email        string `json:"email"`
	UserMetadata struct {
		DisplayName string `json:"display_name"`
	} `json:"user_metadata"`
	jwt.RegisteredClaims
}

// ParseClaims reads the claims of an access token. With a non-empty secret
// the HS256 signature is verified; otherwise the token is decoded without
// verification and the backend remains the verifier. Expiry is left to
// Session.Expired so stale sessions can still be refreshed.
func ParseClaims(token string, secret []byte) (*Claims, error) {
	var c Claims
	if len(secret) == 0 {
		p := jwt.NewParser()
		if _, _, err := p.ParseUnverified(token, &c); err != nil {
			return nil, fmt.Errorf("decode access token: %w", err)
		}
	} else {
		p := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
		t, err := p.ParseWithClaims(token, &c, func(*jwt.Token) (interface{}, error) { return secret, nil })
		if err != nil || !t.Valid {
			return nil, fmt.Errorf("verify access token: %w", err)
		}
	}
	if c.Subject == "" {
		return nil, errors.New("access token has no subject")
	}
	return &c, nil
}

// sessionFromTokens builds a Session from a token pair, filling the user and
// expiry from the access token's claims.
func sessionFromTokens(access, refresh string, secret []byte) (*Session, error) {
	c, err := ParseClaims(access, secret)
	if err != nil {
		return nil, err
	}
	s := &Session{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         User{ID: c.Subject, Email: c.Email, DisplayName: c.UserMetadata.DisplayName},
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s, nil
}

// SignUpRequest is the sign-up form.
type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// Validate checks the form the way the login page does.
func (r SignUpRequest) Validate() error {
	if err := validateLogin(r.Email, r.Password); err != nil {
		return err
	}
	if strings.TrimSpace(r.DisplayName) == "" {
		return ErrDisplayNameRequired
	}
	return nil
}

func validateLogin(email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return ErrInvalidEmail
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmail
	}
	if password == "" {
		return ErrEmptyPassword
	}
	return nil
}

// RedirectError is ErrLoginRequired carrying the page to return to after login.
type RedirectError struct {
	Next string
}

func (e *RedirectError) Error() string { return "login required (redirect " + e.Next + ")" }

// Is matches ErrLoginRequired.
func (e *RedirectError) Is(target error) bool { return target == ErrLoginRequired }

// Location is the login page URL that returns to Next.
func (e *RedirectError) Location() string { return "/loginSignup?redirect=" + e.Next }

// LoginRedirect returns ErrLoginRequired remembering next.
func LoginRedirect(next string) error { return &RedirectError{Next: next} }
