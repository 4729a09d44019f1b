package providers

import (
	"context"
	"sync"

	"golang.org/x/oauth2"

	"github.com/datadrivensurveys/dds/internal/models"
)

// OAuthSettings is the per-provider client configuration supplied by
// the engine config.
type OAuthSettings struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

func (s OAuthSettings) config(authURL, tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		RedirectURL:  s.RedirectURL,
		Scopes:       s.Scopes,
		Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
	}
}

type exchangeResult struct {
	token *oauth2.Token
	err   error
}

// exchangeGuard makes authorization-code exchange idempotent under
// retry. Codes are single-use at the provider: once an exchange has a
// confirmed outcome, a repeated call with the same code returns that
// outcome instead of resubmitting the code.
type exchangeGuard struct {
	mu   sync.Mutex
	done map[string]exchangeResult
}

func newExchangeGuard() *exchangeGuard {
	return &exchangeGuard{done: map[string]exchangeResult{}}
}

func (g *exchangeGuard) exchange(ctx context.Context, conf *oauth2.Config, code string) (*oauth2.Token, error) {
	g.mu.Lock()
	if res, ok := g.done[code]; ok {
		g.mu.Unlock()
		return res.token, res.err
	}
	g.mu.Unlock()

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		// Context cancellation is not a confirmed outcome; the code may
		// still be unredeemed, so leave it unrecorded.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err = models.NewError(models.ErrorInvalidCredentials, "authorization code exchange failed: "+err.Error())
	}

	g.mu.Lock()
	g.done[code] = exchangeResult{token: tok, err: err}
	g.mu.Unlock()
	return tok, err
}

// refreshCredentials trades a refresh token for fresh credentials.
func (s OAuthSettings) refreshCredentials(ctx context.Context, authURL, tokenURL string, creds *Credentials) (*Credentials, error) {
	if creds == nil || creds.RefreshToken == "" {
		return nil, models.NewError(models.ErrorTokenExpired, "no refresh token stored for account")
	}
	conf := s.config(authURL, tokenURL)
	src := conf.TokenSource(ctx, &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       creds.Expiry,
	})
	tok, err := src.Token()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.NewError(models.ErrorTokenExpired, "token refresh failed: "+err.Error())
	}
	fresh := credentialsFromToken(tok)
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = creds.RefreshToken
	}
	return &fresh, nil
}

func credentialsFromToken(tok *oauth2.Token) Credentials {
	return Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}

// authCodeURL renders the provider authorization endpoint, overriding
// configured scopes when the caller passes an explicit set.
func authCodeURL(conf *oauth2.Config, state string, scopes []string) string {
	if len(scopes) > 0 {
		override := *conf
		override.Scopes = scopes
		conf = &override
	}
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline)
}
