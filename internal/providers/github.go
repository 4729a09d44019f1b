package providers

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/datadrivensurveys/dds/internal/models"
	"github.com/datadrivensurveys/dds/internal/operators"
)

const (
	githubAuthURL  = "https://github.com/login/oauth/authorize"
	githubTokenURL = "https://github.com/login/oauth/access_token"
	githubAPIBase  = "https://api.github.com"
)

// GitHub fetches repository metadata for the authorized user.
type GitHub struct {
	settings OAuthSettings
	client   *fetchClient
	guard    *exchangeGuard
	apiBase  string
	log      *zap.SugaredLogger
}

func NewGitHub(settings OAuthSettings, httpc HTTPClient, maxTries uint, log *zap.Logger) *GitHub {
	if len(settings.Scopes) == 0 {
		settings.Scopes = []string{"read:user", "repo"}
	}
	return &GitHub{
		settings: settings,
		client:   newFetchClient(httpc, maxTries, log.Sugar()),
		guard:    newExchangeGuard(),
		apiBase:  githubAPIBase,
		log:      log.Sugar(),
	}
}

func (g *GitHub) Name() string { return "github" }

func (g *GitHub) AuthorizeURL(state string, scopes []string) string {
	return authCodeURL(g.settings.config(githubAuthURL, githubTokenURL), state, scopes)
}

func (g *GitHub) RefreshCredentials(ctx context.Context, creds *Credentials) (*Credentials, error) {
	return g.settings.refreshCredentials(ctx, githubAuthURL, githubTokenURL, creds)
}

type githubUserResponse struct {
	ID          int64  `json:"id"`
	Login       string `json:"login"`
	CreatedAt   string `json:"created_at"`
	PublicRepos int    `json:"public_repos"`
}

func (g *GitHub) ExchangeCode(ctx context.Context, code string) (*Account, error) {
	tok, err := g.guard.exchange(ctx, g.settings.config(githubAuthURL, githubTokenURL), code)
	if err != nil {
		return nil, err
	}
	creds := credentialsFromToken(tok)
	var user githubUserResponse
	if err := g.client.getJSON(ctx, g.apiBase+"/user", creds.AccessToken, &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, models.NewError(models.ErrorMalformedResponse, "github user response has no id")
	}
	return &Account{
		Provider:    g.Name(),
		UserID:      strconv.FormatInt(user.ID, 10),
		UserName:    user.Login,
		Credentials: creds,
	}, nil
}

type githubRepo struct {
	Name            string `json:"name"`
	Language        string `json:"language"`
	StargazersCount int    `json:"stargazers_count"`
	OpenIssuesCount int    `json:"open_issues_count"`
	CreatedAt       string `json:"created_at"`
}

func (g *GitHub) FetchCategory(ctx context.Context, name string, creds *Credentials) ([]models.DataItem, error) {
	if name != "repositories" {
		return nil, models.NewError(models.ErrorInvalid, fmt.Sprintf("github has no category %q", name))
	}
	items := []models.DataItem{}
	for page := 1; ; page++ {
		var repos []githubRepo
		url := fmt.Sprintf("%s/user/repos?per_page=100&page=%d&sort=created&direction=desc", g.apiBase, page)
		if err := g.client.getJSON(ctx, url, creds.AccessToken, &repos); err != nil {
			return nil, err
		}
		for _, r := range repos {
			item := models.DataItem{
				"name":        models.TextValue(r.Name),
				"language":    models.TextValue(r.Language),
				"stars":       models.NumberValue(float64(r.StargazersCount)),
				"open_issues": models.NumberValue(float64(r.OpenIssuesCount)),
			}
			if t, err := operators.ParseDate(r.CreatedAt); err == nil {
				item["created_date"] = models.DateValue(t)
			}
			items = append(items, item)
		}
		if len(repos) < 100 {
			break
		}
	}
	g.log.Debugw("github repositories fetched", "items", len(items))
	return items, nil
}

func (g *GitHub) DataCategories() []models.DataCategory {
	return []models.DataCategory{
		{
			Name:  "repositories",
			Label: "Repositories",
			Attributes: []models.Attribute{
				{Name: "name", Type: models.TypeText},
				{Name: "language", Type: models.TypeText},
				{Name: "stars", Type: models.TypeNumber},
				{Name: "open_issues", Type: models.TypeNumber},
				{Name: "created_date", Type: models.TypeDate},
			},
			CustomVariablesEnabled: true,
		},
	}
}

func (g *GitHub) Builtins() []BuiltinSpec {
	return []BuiltinSpec{
		{
			Variable: models.BuiltinVariable{
				Name: "account_created_date", DataProvider: g.Name(), Type: models.TypeDate,
			},
			Compute: func(ctx context.Context, env BuiltinEnv) (models.Value, error) {
				var user githubUserResponse
				if err := g.client.getJSON(ctx, g.apiBase+"/user", env.Creds.AccessToken, &user); err != nil {
					return models.Value{}, err
				}
				t, err := operators.ParseDate(user.CreatedAt)
				if err != nil {
					return models.Value{}, nil
				}
				return models.DateValue(t), nil
			},
		},
		{
			Variable: models.BuiltinVariable{
				Name: "public_repository_count", DataProvider: g.Name(), Type: models.TypeNumber,
			},
			Compute: func(ctx context.Context, env BuiltinEnv) (models.Value, error) {
				var user githubUserResponse
				if err := g.client.getJSON(ctx, g.apiBase+"/user", env.Creds.AccessToken, &user); err != nil {
					return models.Value{}, err
				}
				return models.NumberValue(float64(user.PublicRepos)), nil
			},
		},
		{
			Variable: models.BuiltinVariable{
				Name: "languages_by_use", DataProvider: g.Name(), Type: models.TypeText,
				Index: intPtr(0),
			},
			Requires: []string{"repositories"},
			Compute: func(ctx context.Context, env BuiltinEnv) (models.Value, error) {
				items, err := env.Fetch(ctx, "repositories")
				if err != nil {
					return models.Value{}, err
				}
				return rankByFrequency(items, "language", env.Index), nil
			},
		},
	}
}
