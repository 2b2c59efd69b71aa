package auth

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/Xodls128/partyboom/go/internal/syncerr"
)

type tokenSource struct {
	ctx       context.Context
	authority *Authority
}

// TokenSource adapts the authority to oauth2 so other HTTP clients can be
// built with oauth2.NewClient. Tokens within ExpirySkew of their exp claim
// are renewed before being handed out.
func (a *Authority) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, authority: a}
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	a := s.authority

	tok, ok := a.Token()
	if !ok {
		return nil, syncerr.ErrAuthExpired
	}
	if tok.Expiry.IsZero() || a.clock.Now().Add(a.config.ExpirySkew).Before(tok.Expiry) {
		return tok, nil
	}

	if _, err := a.RenewIfCurrent(s.ctx, tok.AccessToken); err != nil {
		return nil, err
	}
	tok, ok = a.Token()
	if !ok {
		return nil, syncerr.ErrAuthExpired
	}
	return tok, nil
}
