package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datadrivensurveys/dds/internal/api"
	"github.com/datadrivensurveys/dds/internal/db"
	"github.com/datadrivensurveys/dds/internal/middleware"
	"github.com/datadrivensurveys/dds/internal/models"
	"github.com/datadrivensurveys/dds/internal/providers"
	"github.com/datadrivensurveys/dds/internal/services"
	"github.com/datadrivensurveys/dds/internal/surveyplatform"
)

// trackerProvider serves canned activity data and records fetch counts.
type trackerProvider struct {
	mu         sync.Mutex
	fetchCalls int
}

func (p *trackerProvider) Name() string { return "fitbit" }

func (p *trackerProvider) AuthorizeURL(state string, scopes []string) string {
	return "https://provider.example/authorize?state=" + state
}

func (p *trackerProvider) ExchangeCode(ctx context.Context, code string) (*providers.Account, error) {
	return &providers.Account{
		Provider:    "fitbit",
		UserID:      "u1",
		UserName:    "Integration User",
		Credentials: providers.Credentials{AccessToken: "at", Expiry: time.Now().Add(time.Hour)},
	}, nil
}

func (p *trackerProvider) RefreshCredentials(ctx context.Context, creds *providers.Credentials) (*providers.Credentials, error) {
	return creds, nil
}

func (p *trackerProvider) FetchCategory(ctx context.Context, name string, creds *providers.Credentials) ([]models.DataItem, error) {
	p.mu.Lock()
	p.fetchCalls++
	p.mu.Unlock()
	day := func(d int) models.Value {
		return models.DateValue(time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC))
	}
	return []models.DataItem{
		{"activity_type": models.TextValue("Run"), "date": day(1), "duration": models.NumberValue(30)},
		{"activity_type": models.TextValue("Walk"), "date": day(2), "duration": models.NumberValue(90)},
		{"activity_type": models.TextValue("Run"), "date": day(3), "duration": models.NumberValue(45)},
	}, nil
}

func (p *trackerProvider) DataCategories() []models.DataCategory {
	return []models.DataCategory{{
		Name:  "activities",
		Label: "Activities",
		Attributes: []models.Attribute{
			{Name: "activity_type", Type: models.TypeText},
			{Name: "date", Type: models.TypeDate},
			{Name: "duration", Type: models.TypeNumber, Unit: "minutes"},
		},
		CustomVariablesEnabled: true,
	}}
}

func (p *trackerProvider) Builtins() []providers.BuiltinSpec {
	return []providers.BuiltinSpec{{
		Variable: models.BuiltinVariable{Name: "activity_count", DataProvider: "fitbit", Type: models.TypeNumber},
		Requires: []string{"activities"},
		Compute: func(ctx context.Context, env providers.BuiltinEnv) (models.Value, error) {
			items, err := env.Fetch(ctx, "activities")
			if err != nil {
				return models.Value{}, err
			}
			return models.NumberValue(float64(len(items))), nil
		},
	}}
}

// fakePlatform mimics the survey platform's contact and distribution
// endpoints and captures uploaded embedded data.
type fakePlatform struct {
	mu       sync.Mutex
	contacts map[string]map[string]string // extRef -> embedded data
	upserts  int
}

func (p *fakePlatform) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/mailinglists/{list}/contacts", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		extRef := r.URL.Query().Get("extRef")
		elements := []map[string]string{}
		if _, ok := p.contacts[extRef]; ok {
			elements = append(elements, map[string]string{"contactId": "contact-" + extRef})
		}
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"elements": elements}})
	})
	mux.HandleFunc("POST /v3/mailinglists/{list}/contacts", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			ExtRef       string            `json:"extRef"`
			EmbeddedData map[string]string `json:"embeddedData"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		p.mu.Lock()
		p.contacts[payload.ExtRef] = payload.EmbeddedData
		p.upserts++
		p.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"id": "contact-" + payload.ExtRef}})
	})
	mux.HandleFunc("POST /v3/distributions", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			ContactID string `json:"contactId"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"link": "https://surveys.example/d/" + payload.ContactID},
		})
	})
	return mux
}

type engine struct {
	handler  http.Handler
	sessions *middleware.Sessions
	store    *db.SQLiteStore
	provider *trackerProvider
	platform *fakePlatform
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	logger := zap.NewNop()

	sqlDB, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "dds.sqlite")+"?_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.RunMigrations(sqlDB, ""))

	key := make([]byte, 32)
	sealer, err := db.NewSealer(key)
	require.NoError(t, err)
	store, err := db.NewSQLiteStore(sqlDB, sealer, logger)
	require.NoError(t, err)

	platform := &fakePlatform{contacts: map[string]map[string]string{}}
	platformSrv := httptest.NewServer(platform.handler())
	t.Cleanup(platformSrv.Close)
	platformClient := surveyplatform.NewClient(platformSrv.URL, "tok", "SV_1", http.DefaultClient, logger)

	provider := &trackerProvider{}
	registry := providers.NewRegistry(provider)

	projects := projectSource{
		"proj-1": {
			ProjectID:        "proj-1",
			EnabledProviders: []string{"fitbit"},
			MailingListID:    "ML_1",
			CustomVariables: []models.CustomVariable{{
				VariableName: "longest_activity",
				DataProvider: "fitbit",
				DataCategory: "activities",
				Selection:    models.Selection{Operator: models.SelectMax, Attribute: "duration"},
				Enabled:      true,
			}},
			BuiltinVariables: []models.BuiltinVariable{{
				Name: "activity_count", DataProvider: "fitbit", Type: models.TypeNumber, Enabled: true,
			}},
		},
	}

	variables := services.NewVariableService(registry, store, logger)
	distributions := services.NewDistributionService(store, platformClient, variables, logger)
	sessions := middleware.NewSessions("integration-secret", time.Hour)

	mux := http.NewServeMux()
	api.NewRouter(registry, projects, sessions, store, variables, distributions, logger).Register(mux)

	return &engine{
		handler:  sessions.WithSession(mux),
		sessions: sessions,
		store:    store,
		provider: provider,
		platform: platform,
	}
}

type projectSource map[string]models.ProjectConfig

func (s projectSource) ProjectConfig(projectID string) (*models.ProjectConfig, error) {
	p, ok := s[projectID]
	if !ok {
		return nil, models.NewNotFoundError("unknown project " + projectID)
	}
	return &p, nil
}

func (e *engine) post(t *testing.T, path, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestEvaluateAndDistributeFlow(t *testing.T) {
	e := newEngine(t)

	// Connect the participant's account and store its credentials, as
	// the OAuth callback would.
	account, err := e.provider.ExchangeCode(context.Background(), "code")
	require.NoError(t, err)
	require.NoError(t, e.store.SaveProviderToken("proj-1", account))

	token, err := e.sessions.Sign(middleware.SessionClaims{
		ProjectID: "proj-1",
		Accounts:  []models.ProviderAccount{{Provider: "fitbit", UserID: "u1"}},
	})
	require.NoError(t, err)

	rec, body := e.post(t, "/api/projects/proj-1/evaluate", token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	values, _ := body["values"].(map[string]any)
	assert.Equal(t, "45", values["dds.fitbit.custom.activities.longest_activity.duration"])
	assert.Equal(t, "Run", values["dds.fitbit.custom.activities.longest_activity.activity_type"])
	assert.Equal(t, "3", values["dds.fitbit.builtin.activity_count"])

	rec, body = e.post(t, "/api/projects/proj-1/distribute", token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, body["reused"])
	url, _ := body["url"].(string)
	assert.NotEmpty(t, url)

	// The uploaded contact carries the full merged variable mapping.
	e.platform.mu.Lock()
	require.Len(t, e.platform.contacts, 1)
	for _, data := range e.platform.contacts {
		assert.Equal(t, "45", data["dds.fitbit.custom.activities.longest_activity.duration"])
		assert.Equal(t, "3", data["dds.fitbit.builtin.activity_count"])
	}
	e.platform.mu.Unlock()

	// A second request reuses the existing distribution without another
	// upload.
	rec, body = e.post(t, "/api/projects/proj-1/distribute", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["reused"])
	assert.Equal(t, url, body["url"])

	e.platform.mu.Lock()
	assert.Equal(t, 1, e.platform.upserts)
	e.platform.mu.Unlock()
}

func TestDistributeWithoutSessionIsRejected(t *testing.T) {
	e := newEngine(t)
	rec, body := e.post(t, "/api/projects/proj-1/distribute", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unknown_respondent", body["error"])
}

func TestEvaluateIsDeterministicAcrossRequests(t *testing.T) {
	e := newEngine(t)

	account, err := e.provider.ExchangeCode(context.Background(), "code")
	require.NoError(t, err)
	require.NoError(t, e.store.SaveProviderToken("proj-1", account))

	token, err := e.sessions.Sign(middleware.SessionClaims{
		ProjectID: "proj-1",
		Accounts:  []models.ProviderAccount{{Provider: "fitbit", UserID: "u1"}},
	})
	require.NoError(t, err)

	_, first := e.post(t, "/api/projects/proj-1/evaluate", token)
	_, second := e.post(t, "/api/projects/proj-1/evaluate", token)
	assert.Equal(t, first["values"], second["values"])
}
