package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datadrivensurveys/dds/internal/models"
)

func tokenEndpoint(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestExchangeGuardCachesSuccess(t *testing.T) {
	srv, calls := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "at-1", "token_type": "bearer", "refresh_token": "rt-1"}`))
	})

	settings := OAuthSettings{ClientID: "id", ClientSecret: "secret"}
	conf := settings.config(srv.URL+"/authorize", srv.URL+"/token")
	guard := newExchangeGuard()

	first, err := guard.exchange(context.Background(), conf, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", first.AccessToken)

	second, err := guard.exchange(context.Background(), conf, "code-1")
	require.NoError(t, err)
	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls), "a redeemed code must not be resubmitted")
}

func TestExchangeGuardCachesConfirmedFailure(t *testing.T) {
	srv, calls := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid_grant"}`))
	})

	settings := OAuthSettings{ClientID: "id", ClientSecret: "secret"}
	conf := settings.config(srv.URL+"/authorize", srv.URL+"/token")
	guard := newExchangeGuard()

	_, err := guard.exchange(context.Background(), conf, "code-1")
	assert.True(t, models.HasCode(err, models.ErrorInvalidCredentials), "got %v", err)

	_, err2 := guard.exchange(context.Background(), conf, "code-1")
	assert.Equal(t, err, err2)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls), "a confirmed failure must not be retried")
}

func TestExchangeGuardDistinctCodes(t *testing.T) {
	srv, calls := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "at", "token_type": "bearer"}`))
	})

	settings := OAuthSettings{ClientID: "id", ClientSecret: "secret"}
	conf := settings.config(srv.URL+"/authorize", srv.URL+"/token")
	guard := newExchangeGuard()

	_, err := guard.exchange(context.Background(), conf, "code-1")
	require.NoError(t, err)
	_, err = guard.exchange(context.Background(), conf, "code-2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestAuthCodeURLScopeOverride(t *testing.T) {
	settings := OAuthSettings{
		ClientID:    "id",
		RedirectURL: "https://engine.example/callback",
		Scopes:      []string{"activity"},
	}
	conf := settings.config("https://provider.example/authorize", "https://provider.example/token")

	url := authCodeURL(conf, "state-1", nil)
	assert.Contains(t, url, "scope=activity")
	assert.Contains(t, url, "state=state-1")

	url = authCodeURL(conf, "state-1", []string{"profile"})
	assert.Contains(t, url, "scope=profile")
	assert.NotContains(t, url, "activity")
	// Override must not mutate the shared config.
	assert.Equal(t, []string{"activity"}, conf.Scopes)
}

func TestCredentialsFromToken(t *testing.T) {
	srv, _ := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "at", "token_type": "bearer", "refresh_token": "rt", "expires_in": 3600}`))
	})
	settings := OAuthSettings{ClientID: "id", ClientSecret: "secret"}
	conf := settings.config(srv.URL+"/authorize", srv.URL+"/token")

	tok, err := newExchangeGuard().exchange(context.Background(), conf, "code-1")
	require.NoError(t, err)
	creds := credentialsFromToken(tok)
	assert.Equal(t, "at", creds.AccessToken)
	assert.Equal(t, "rt", creds.RefreshToken)
	assert.False(t, creds.Expiry.IsZero())
}
