package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/datadrivensurveys/dds/internal/middleware"
	"github.com/datadrivensurveys/dds/internal/models"
	"github.com/datadrivensurveys/dds/internal/providers"
	"github.com/datadrivensurveys/dds/internal/services"
)

// TokenSaver persists the credentials of a freshly connected account.
type TokenSaver interface {
	SaveProviderToken(projectID string, account *providers.Account) error
}

// Router exposes the engine's participant-facing endpoints: the
// provider connect flow, evaluation (live and preview) and the
// distribution request. The admin CRUD surface is out of scope; it
// feeds the engine through ProjectSource.
type Router struct {
	registry      *providers.Registry
	projects      ProjectSource
	sessions      *middleware.Sessions
	tokens        TokenSaver
	variables     *services.VariableService
	distributions *services.DistributionService
	log           *zap.SugaredLogger
}

func NewRouter(registry *providers.Registry, projects ProjectSource, sessions *middleware.Sessions, tokens TokenSaver, variables *services.VariableService, distributions *services.DistributionService, log *zap.Logger) *Router {
	return &Router{
		registry:      registry,
		projects:      projects,
		sessions:      sessions,
		tokens:        tokens,
		variables:     variables,
		distributions: distributions,
		log:           log.Sugar(),
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/providers", rt.handleListProviders)
	mux.HandleFunc("GET /api/projects/{id}/connect/{provider}", rt.handleConnect)
	mux.HandleFunc("GET /api/projects/{id}/oauth/callback", rt.handleCallback)
	mux.HandleFunc("POST /api/projects/{id}/preview", rt.handlePreview)
	mux.HandleFunc("POST /api/projects/{id}/evaluate", rt.handleEvaluate)
	mux.HandleFunc("POST /api/projects/{id}/distribute", rt.handleDistribute)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine error codes to HTTP statuses. Participants
// get the code, not the underlying cause; causes are logged.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := models.ErrorCode("internal")
	if ee, ok := models.AsEngineError(err); ok {
		code = ee.Code
		switch ee.Code {
		case models.ErrorInvalid:
			status = http.StatusBadRequest
		case models.ErrorNotFound:
			status = http.StatusNotFound
		case models.ErrorTokenExpired, models.ErrorInvalidCredentials, models.ErrorUnknownRespondent:
			status = http.StatusUnauthorized
		case models.ErrorInsufficientScope:
			status = http.StatusForbidden
		case models.ErrorAmbiguousVariableName:
			status = http.StatusConflict
		case models.ErrorRateLimited:
			status = http.StatusTooManyRequests
		case models.ErrorUnreachable, models.ErrorMalformedResponse, models.ErrorUploadFailed:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, map[string]any{"error": string(code)})
}

type providerInfo struct {
	Name             string                   `json:"name"`
	DataCategories   []models.DataCategory    `json:"data_categories"`
	BuiltinVariables []models.BuiltinVariable `json:"builtin_variables"`
}

func (rt *Router) handleListProviders(w http.ResponseWriter, r *http.Request) {
	out := []providerInfo{}
	for _, name := range rt.registry.Names() {
		p, _ := rt.registry.Get(name)
		out = append(out, providerInfo{
			Name:             name,
			DataCategories:   p.DataCategories(),
			BuiltinVariables: providers.BuiltinVariables(p),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleConnect starts the OAuth round-trip for one provider. The
// participant's accumulated accounts travel in the signed state token.
func (rt *Router) handleConnect(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	providerName := r.PathValue("provider")

	cfg, err := rt.projects.ProjectConfig(projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !cfg.ProviderEnabled(providerName) {
		writeError(w, models.NewInvalidError("provider not enabled for project"))
		return
	}
	p, ok := rt.registry.Get(providerName)
	if !ok {
		writeError(w, models.NewNotFoundError("unknown provider "+providerName))
		return
	}

	claims := middleware.SessionClaims{ProjectID: projectID, PendingProvider: providerName}
	if sess := middleware.SessionFromContext(r.Context()); sess != nil && sess.ProjectID == projectID {
		claims.Accounts = sess.Accounts
	}
	state, err := rt.sessions.Sign(claims)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorize_url": p.AuthorizeURL(state, nil)})
}

// handleCallback finishes the OAuth round-trip: redeems the code,
// seals the tokens, and returns a session token now carrying the new
// account.
func (rt *Router) handleCallback(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, models.NewInvalidError("state and code are required"))
		return
	}

	claims, err := rt.sessions.Parse(state)
	if err != nil || claims.ProjectID != projectID || claims.PendingProvider == "" {
		writeError(w, models.NewInvalidError("invalid state token"))
		return
	}
	p, ok := rt.registry.Get(claims.PendingProvider)
	if !ok {
		writeError(w, models.NewNotFoundError("unknown provider "+claims.PendingProvider))
		return
	}

	account, err := p.ExchangeCode(r.Context(), code)
	if err != nil {
		rt.log.Warnw("code exchange failed", "provider", claims.PendingProvider, "error", err)
		writeError(w, err)
		return
	}
	if err := rt.tokens.SaveProviderToken(projectID, account); err != nil {
		rt.log.Errorw("token save failed", "provider", account.Provider, "error", err)
		writeError(w, err)
		return
	}

	accounts := models.RespondentIdentity(append(claims.Accounts, models.ProviderAccount{
		Provider: account.Provider,
		UserID:   account.UserID,
	})).Canonical()
	token, err := rt.sessions.Sign(middleware.SessionClaims{ProjectID: projectID, Accounts: accounts})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":   token,
		"accounts":  accounts,
		"user_name": account.UserName,
	})
}

// handlePreview renders the variable set with placeholders, for the
// admin surface's live preview before any participant connects.
func (rt *Router) handlePreview(w http.ResponseWriter, r *http.Request) {
	cfg, err := rt.projects.ProjectConfig(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	values, err := rt.variables.Preview(*cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": values})
}

func (rt *Router) respondentSession(r *http.Request, projectID string) (*middleware.SessionClaims, error) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil || sess.ProjectID != projectID || len(sess.Accounts) == 0 {
		return nil, models.NewError(models.ErrorUnknownRespondent, "no connected accounts in session")
	}
	return sess, nil
}

func (rt *Router) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	cfg, err := rt.projects.ProjectConfig(projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := rt.respondentSession(r, projectID)
	if err != nil {
		writeError(w, err)
		return
	}

	identity := models.RespondentIdentity(sess.Accounts)
	respondent, err := rt.distributions.ResolveRespondent(*cfg, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	values, err := rt.variables.Evaluate(r.Context(), *cfg, identity, respondent.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": services.FormatEmbedded(values)})
}

func (rt *Router) handleDistribute(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	cfg, err := rt.projects.ProjectConfig(projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := rt.respondentSession(r, projectID)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := rt.distributions.GetOrCreateDistribution(r.Context(), *cfg, models.RespondentIdentity(sess.Accounts))
	if err != nil {
		// The cause stays in the researcher-facing logs; participants
		// see only a generic failure.
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":    result.Distribution.URL,
		"reused": result.Reused,
	})
}
