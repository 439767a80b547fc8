// internal/auth/gotrue.go
//
// GoTrue (Supabase Auth) provider over REST.
//   POST /auth/v1/signup
//   POST /auth/v1/token?grant_type=password
//   POST /auth/v1/token?grant_type=refresh_token
//   POST /auth/v1/logout
// Every request carries the project's "apikey" header.

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Provider is an external auth service.
type Provider interface {
	// SignUp registers an account. The session is nil when the provider
	// requires email confirmation first.
	SignUp(ctx context.Context, req SignUpRequest) (*Session, error)
	Login(ctx context.Context, email, password string) (*Session, error)
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
	Logout(ctx context.Context, accessToken string) error
}

// ProviderError is a non-2xx auth response.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("auth: %d %s", e.Status, http.StatusText(e.Status))
	}
	return "auth: " + e.Message
}

// GoTrue talks to a GoTrue server.
type GoTrue struct {
	base   string
	apiKey string
	secret []byte
	http   *http.Client
}

// NewGoTrue builds a provider for the auth server at baseURL (the project URL;
// "/auth/v1" is appended). jwtSecret may be empty.
func NewGoTrue(baseURL, apiKey, jwtSecret string, hc *http.Client) *GoTrue {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	base := strings.TrimSuffix(baseURL, "/")
	if !strings.HasSuffix(base, "/auth/v1") {
		base += "/auth/v1"
	}
	return &GoTrue{base: base, apiKey: apiKey, secret: []byte(jwtSecret), http: hc}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (g *GoTrue) session(tr tokenResponse) (*Session, error) {
	s, err := sessionFromTokens(tr.AccessToken, tr.RefreshToken, g.secret)
	if err != nil {
		return nil, err
	}
	if s.ExpiresAt.IsZero() && tr.ExpiresIn > 0 {
		s.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return s, nil
}

// SignUp registers an account with the display name in user metadata.
func (g *GoTrue) SignUp(ctx context.Context, req SignUpRequest) (*Session, error) {
	body := map[string]any{
		"email":    strings.TrimSpace(req.Email),
		"password": req.Password,
		"data":     map[string]string{"display_name": strings.TrimSpace(req.DisplayName)},
	}
	var tr tokenResponse
	if err := g.post(ctx, "/signup", "", body, &tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, nil
	}
	return g.session(tr)
}

// Login exchanges email and password for a session.
func (g *GoTrue) Login(ctx context.Context, email, password string) (*Session, error) {
	var tr tokenResponse
	body := map[string]string{"email": strings.TrimSpace(email), "password": password}
	if err := g.post(ctx, "/token?grant_type=password", "", body, &tr); err != nil {
		return nil, err
	}
	return g.session(tr)
}

// Refresh exchanges a refresh token for a new session.
func (g *GoTrue) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	var tr tokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := g.post(ctx, "/token?grant_type=refresh_token", "", body, &tr); err != nil {
		return nil, err
	}
	return g.session(tr)
}

// Logout revokes the session server-side.
func (g *GoTrue) Logout(ctx context.Context, accessToken string) error {
	return g.post(ctx, "/logout", accessToken, nil, nil)
}

func (g *GoTrue) post(ctx context.Context, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", g.apiKey)
	if bearer == "" {
		bearer = g.apiKey
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	res, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth %s: %w", path, err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	log.Debug().Str("path", path).Int("status", res.StatusCode).Msg("auth")

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &ProviderError{Status: res.StatusCode, Message: providerMessage(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// providerMessage picks the human-readable part of a GoTrue error body.
func providerMessage(raw []byte) string {
	var e struct {
		ErrorDescription string `json:"error_description"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		Error            string `json:"error"`
	}
	if json.Unmarshal(raw, &e) != nil {
		return strings.TrimSpace(string(raw))
	}
	for _, s := range []string{e.ErrorDescription, e.Msg, e.Message, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}
