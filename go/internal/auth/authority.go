package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/Xodls128/partyboom/go/internal/syncerr"
)

// Clock is the time source used for expiry checks.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
}

// Exchanger trades a refresh token for a new access token. Rejections by the
// auth service must wrap syncerr.ErrAuthExpired; anything else is treated as
// a transient failure.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Config holds renewal settings.
type Config struct {
	// RenewTimeout bounds one refresh exchange. The exchange is detached from
	// the callers' contexts.
	RenewTimeout time.Duration
	// ExpirySkew is how early the token source renews before the access
	// token's exp claim.
	ExpirySkew time.Duration
}

// DefaultConfig returns default renewal settings.
func DefaultConfig() Config {
	return Config{
		RenewTimeout: 10 * time.Second,
		ExpirySkew:   15 * time.Second,
	}
}

// Option customizes an Authority.
type Option func(*Authority)

// WithClock replaces the real clock.
func WithClock(clock Clock) Option {
	return func(a *Authority) { a.clock = clock }
}

// WithLogger replaces the default component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Authority) { a.logger = logger }
}

// renewal is the shared in-flight slot. Fields are written before done is
// closed and only read after.
type renewal struct {
	done  chan struct{}
	token string
	err   error
}

// Authority owns the credential pair and serializes renewals: at most one
// refresh exchange is outstanding at any time, and every caller that asks for
// a renewal while one is running waits for that same result.
type Authority struct {
	exchanger Exchanger
	config    Config
	clock     Clock
	logger    zerolog.Logger

	mu       sync.Mutex
	token    *oauth2.Token
	epoch    uint64 // bumped by SetCredentials and Clear
	inFlight *renewal

	listenersMu    sync.Mutex
	listeners      map[uint64]func(error)
	nextListenerID uint64
}

// NewAuthority creates an authority with no credentials.
func NewAuthority(exchanger Exchanger, config Config, opts ...Option) *Authority {
	a := &Authority{
		exchanger: exchanger,
		config:    config,
		clock:     clockwork.NewRealClock(),
		logger:    log.Logger.With().Str("component", "auth").Logger(),
		listeners: make(map[uint64]func(error)),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.config.RenewTimeout <= 0 {
		a.config.RenewTimeout = DefaultConfig().RenewTimeout
	}
	return a
}

// SetCredentials stores a freshly issued pair (login).
func (a *Authority) SetCredentials(access, refresh string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.token = newToken(access, refresh)
	a.epoch++
}

// Clear wipes both tokens (logout). A renewal still running when Clear is
// called has its result discarded.
func (a *Authority) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.token = nil
	a.epoch++
}

// AuthHeader returns the Authorization header value, or false when the user
// was never authenticated or the credentials were cleared.
func (a *Authority) AuthHeader() (string, bool) {
	access, ok := a.AccessToken()
	if !ok {
		return "", false
	}
	return "Bearer " + access, true
}

// AccessToken returns the current access token.
func (a *Authority) AccessToken() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token == nil || a.token.AccessToken == "" {
		return "", false
	}
	return a.token.AccessToken, true
}

// Token returns a copy of the held credential pair.
func (a *Authority) Token() (*oauth2.Token, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token == nil || a.token.AccessToken == "" {
		return nil, false
	}
	tok := *a.token
	return &tok, true
}

// Expiry reports the exp claim of the current access token. It is false for
// opaque tokens and when no credentials are held.
func (a *Authority) Expiry() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token == nil || a.token.Expiry.IsZero() {
		return time.Time{}, false
	}
	return a.token.Expiry, true
}

// Renew obtains a new access token, joining the renewal already in flight
// if there is one.
func (a *Authority) Renew(ctx context.Context) (string, error) {
	return a.renew(ctx, "")
}

// RenewIfCurrent renews only if used is still the current access token.
// When another caller already replaced it, the current token is returned
// without a new exchange.
func (a *Authority) RenewIfCurrent(ctx context.Context, used string) (string, error) {
	return a.renew(ctx, used)
}

func (a *Authority) renew(ctx context.Context, used string) (string, error) {
	a.mu.Lock()
	if used != "" && a.token != nil && a.token.AccessToken != "" && a.token.AccessToken != used {
		current := a.token.AccessToken
		a.mu.Unlock()
		return current, nil
	}

	r := a.inFlight
	if r == nil {
		r = &renewal{done: make(chan struct{})}
		a.inFlight = r
		refresh := ""
		if a.token != nil {
			refresh = a.token.RefreshToken
		}
		go a.exchange(ctx, r, refresh, a.epoch)
	}
	a.mu.Unlock()

	select {
	case <-r.done:
		return r.token, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// exchange runs the refresh call and resolves the slot.
func (a *Authority) exchange(parent context.Context, r *renewal, refresh string, epoch uint64) {
	var (
		tok *oauth2.Token
		err error
	)
	if refresh == "" {
		err = fmt.Errorf("%w: no refresh token held", syncerr.ErrAuthExpired)
	} else {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), a.config.RenewTimeout)
		tok, err = a.exchanger.Exchange(ctx, refresh)
		cancel()
		if err == nil && (tok == nil || tok.AccessToken == "") {
			err = fmt.Errorf("%w: refresh answer carried no access token", syncerr.ErrNetwork)
		}
	}

	var raise error

	a.mu.Lock()
	switch {
	case epoch != a.epoch:
		// Credentials were replaced or cleared while the exchange ran.
		if a.token != nil && a.token.AccessToken != "" {
			r.token = a.token.AccessToken
		} else {
			r.err = fmt.Errorf("%w: credentials cleared during renewal", syncerr.ErrAuthExpired)
		}
	case err == nil:
		rotated := tok.RefreshToken
		if rotated == "" {
			rotated = refresh
		}
		a.token = newToken(tok.AccessToken, rotated)
		if a.token.Expiry.IsZero() {
			a.token.Expiry = tok.Expiry
		}
		r.token = tok.AccessToken
		a.logger.Info().Time("expires_at", a.token.Expiry).Msg("access token renewed")
	case errors.Is(err, syncerr.ErrAuthExpired):
		a.token = nil
		a.epoch++
		r.err = err
		raise = err
		a.logger.Warn().Err(err).Msg("refresh rejected, credentials cleared")
	default:
		if !errors.Is(err, syncerr.ErrNetwork) {
			err = fmt.Errorf("%w: %w", syncerr.ErrNetwork, err)
		}
		r.err = err
		a.logger.Error().Err(err).Msg("token renewal failed, keeping current credentials")
	}
	a.inFlight = nil
	close(r.done)
	a.mu.Unlock()

	if raise != nil {
		a.notifyAuthRequired(raise)
	}
}

// OnAuthRequired registers fn to be called whenever the credentials are
// dropped because the auth service refused a renewal.
func (a *Authority) OnAuthRequired(fn func(error)) func() {
	a.listenersMu.Lock()
	id := a.nextListenerID
	a.nextListenerID++
	a.listeners[id] = fn
	a.listenersMu.Unlock()

	return func() {
		a.listenersMu.Lock()
		delete(a.listeners, id)
		a.listenersMu.Unlock()
	}
}

func (a *Authority) notifyAuthRequired(err error) {
	a.listenersMu.Lock()
	fns := make([]func(error), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.listenersMu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

func newToken(access, refresh string) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		Expiry:       accessExpiry(access),
	}
}

// accessExpiry decodes the exp claim without verifying the signature; the
// server is the only party that validates tokens.
func accessExpiry(access string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(access, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
