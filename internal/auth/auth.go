// Package auth obtains bearer tokens for the remote service.
//
// A Source either hands out a fixed token or exchanges an API key for a JWT
// at the token endpoint. Tokens are inspected without verification to learn
// their expiry; the service remains the authority on validity.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Sentinel errors for typed error checking.
var (
	ErrNoCredentials = errors.New("no credentials configured")
	ErrTokenTooShort = errors.New("token lifetime too short")
)

// refreshSkew renews cached tokens this long before they expire.
const refreshSkew = time.Minute

// Options configures a Source.
type Options struct {
	// Token, when set, is used as-is and never refreshed.
	Token string

	JWTURL     string
	OID        string
	APIKey     string
	HTTPClient *http.Client
}

// Source hands out tokens, exchanging the API key for a JWT when needed.
type Source struct {
	opts Options
	http *http.Client
	now  func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewSource creates a token source.
func NewSource(opts Options) *Source {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	s := &Source{opts: opts, http: hc, now: time.Now}
	if opts.Token != "" {
		s.token = opts.Token
		s.expiry, _ = Expiry(opts.Token)
	}
	return s
}

// Static reports whether the source was given a fixed token.
func (s *Source) Static() bool {
	return s.opts.Token != ""
}

// Token returns a token, fetching a new one when the cached one is near expiry.
func (s *Source) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Static() {
		return s.token, nil
	}
	if s.token != "" && (s.expiry.IsZero() || s.expiry.Sub(s.now()) > refreshSkew) {
		return s.token, nil
	}
	return s.fetch(ctx, time.Time{})
}

// EnsureLifetime returns a token that stays valid for at least d. A fixed
// token that expires too soon fails with ErrTokenTooShort; an API key is
// exchanged for a token with the required expiry.
func (s *Source) EnsureLifetime(ctx context.Context, d time.Duration) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := s.now().Add(d).Truncate(time.Second)
	if s.token != "" && (s.expiry.IsZero() || !s.expiry.Before(want)) {
		return s.token, s.expiry, nil
	}
	if s.Static() {
		return "", time.Time{}, fmt.Errorf("%w: token expires at %s, need %s",
			ErrTokenTooShort, s.expiry.UTC().Format(time.RFC3339), want.UTC().Format(time.RFC3339))
	}

	token, err := s.fetch(ctx, want)
	if err != nil {
		return "", time.Time{}, err
	}
	if !s.expiry.IsZero() && s.expiry.Before(want) {
		return "", time.Time{}, fmt.Errorf("%w: issued token expires at %s",
			ErrTokenTooShort, s.expiry.UTC().Format(time.RFC3339))
	}
	return token, s.expiry, nil
}

// fetch must be called with s.mu held.
func (s *Source) fetch(ctx context.Context, expiry time.Time) (string, error) {
	if s.opts.APIKey == "" || s.opts.JWTURL == "" {
		return "", ErrNoCredentials
	}

	form := url.Values{"secret": {s.opts.APIKey}}
	if s.opts.OID != "" {
		form.Set("oid", s.opts.OID)
	}
	if !expiry.IsZero() {
		form.Set("expiry", strconv.FormatInt(expiry.Unix(), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.JWTURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting token for oid=%s: %w", s.opts.OID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("requesting token for oid=%s: status %d: %s",
			s.opts.OID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		JWT string `json:"jwt"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if out.JWT == "" {
		return "", fmt.Errorf("token response for oid=%s has no jwt", s.opts.OID)
	}

	exp, err := Expiry(out.JWT)
	if err != nil {
		log.Warn().Err(err).Msg("could not read token expiry")
	}
	s.token = out.JWT
	s.expiry = exp
	log.Debug().Str("oid", s.opts.OID).Time("expiry", exp).Msg("token refreshed")
	return s.token, nil
}

// Expiry reads the exp claim of a JWT without verifying its signature.
// A token without exp yields the zero time.
func Expiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parsing token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
