package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/datadrivensurveys/dds/internal/models"
	"github.com/datadrivensurveys/dds/internal/providers"
)

// DefaultTestValuePlaceholder substitutes undefined values in preview
// mode so the admin surface can render a full variable set without live
// provider data.
const DefaultTestValuePlaceholder = "test_value_placeholder"

// TokenStore yields and updates the stored credentials for one
// connected account.
type TokenStore interface {
	GetProviderToken(projectID, provider, userID string) (*providers.Credentials, error)
	SaveProviderCredentials(projectID, provider, userID string, creds *providers.Credentials) error
}

// VariableService computes the full qualified-name to value mapping for
// one respondent in one project: it plans the required (provider,
// category) fetches, runs them once each, and reduces the collections
// through the builtin and custom evaluators.
type VariableService struct {
	registry *providers.Registry
	tokens   TokenStore
	validate *validator.Validate
	log      *zap.SugaredLogger
}

func NewVariableService(registry *providers.Registry, tokens TokenStore, log *zap.Logger) *VariableService {
	return &VariableService{
		registry: registry,
		tokens:   tokens,
		validate: validator.New(),
		log:      log.Sugar(),
	}
}

// fetchCache deduplicates category fetches within one evaluation: if
// two variables need the same (provider, category) pair the collection
// is fetched once and reused.
type fetchCache struct {
	mu       sync.Mutex
	provider providers.Provider
	creds    *providers.Credentials
	items    map[string][]models.DataItem
}

func newFetchCache(p providers.Provider, creds *providers.Credentials) *fetchCache {
	return &fetchCache{provider: p, creds: creds, items: map[string][]models.DataItem{}}
}

func (c *fetchCache) fetch(ctx context.Context, category string) ([]models.DataItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if items, ok := c.items[category]; ok {
		return items, nil
	}
	items, err := c.provider.FetchCategory(ctx, category, c.creds)
	if err != nil {
		return nil, err
	}
	c.items[category] = items
	return items, nil
}

func (c *fetchCache) cached(category string) []models.DataItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[category]
}

// evaluationPlan is everything one provider account contributes to an
// evaluation: which categories to prefetch, which variables to compute.
type evaluationPlan struct {
	account    models.ProviderAccount
	provider   providers.Provider
	cache      *fetchCache
	categories []string
	customs    []models.CustomVariable
	builtins   []plannedBuiltin
}

type plannedBuiltin struct {
	variable models.BuiltinVariable
	spec     providers.BuiltinSpec
}

// QualifiedNames resolves every enabled variable of the project to its
// qualified names and rejects collisions before any fetch or upload.
func (s *VariableService) QualifiedNames(cfg models.ProjectConfig) ([]string, error) {
	var names []string
	seen := map[string]bool{}
	add := func(name string) error {
		if seen[name] {
			return models.NewAmbiguousNameError("duplicate qualified variable name " + name)
		}
		seen[name] = true
		names = append(names, name)
		return nil
	}

	for _, bv := range cfg.BuiltinVariables {
		if !bv.Enabled {
			continue
		}
		if err := add(bv.QualifiedName()); err != nil {
			return nil, err
		}
	}
	for _, cv := range cfg.CustomVariables {
		if !cv.Enabled {
			continue
		}
		p, ok := s.registry.Get(cv.DataProvider)
		if !ok {
			return nil, models.NewInvalidError(fmt.Sprintf("unknown data provider %q", cv.DataProvider))
		}
		category, ok := providers.Category(p, cv.DataCategory)
		if !ok {
			return nil, models.NewInvalidError(
				fmt.Sprintf("provider %q has no category %q", cv.DataProvider, cv.DataCategory))
		}
		for _, attr := range category.Attributes {
			name := models.CustomQualifiedName(cv.DataProvider, cv.DataCategory, cv.VariableName, attr.Name)
			if err := add(name); err != nil {
				return nil, err
			}
		}
	}
	return names, nil
}

// Preview returns every enabled variable's qualified name mapped to the
// test placeholder. No provider data is touched.
func (s *VariableService) Preview(cfg models.ProjectConfig) (map[string]string, error) {
	names, err := s.QualifiedNames(cfg)
	if err != nil {
		return nil, err
	}
	placeholder := cfg.TestValuePlaceholder
	if placeholder == "" {
		placeholder = DefaultTestValuePlaceholder
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		out[n] = placeholder
	}
	return out, nil
}

// Evaluate computes the merged mapping for one respondent. Fetches for
// independent providers run concurrently; categories within a provider
// are fetched sequentially to respect provider rate limits. The merge
// only happens after every required fetch resolved: a single failure
// fails the evaluation rather than distributing a survey with silently
// missing personalization.
func (s *VariableService) Evaluate(ctx context.Context, cfg models.ProjectConfig, identity models.RespondentIdentity, respondentID string) (map[string]models.Value, error) {
	if err := s.validate.Struct(cfg); err != nil {
		return nil, models.NewInvalidError("invalid project configuration: " + err.Error())
	}
	if _, err := s.QualifiedNames(cfg); err != nil {
		return nil, err
	}

	plans, err := s.plan(ctx, cfg, identity)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range plans {
		plan := p
		g.Go(func() error {
			for _, category := range plan.categories {
				if _, err := plan.cache.fetch(gctx, category); err != nil {
					s.log.Warnw("category fetch failed",
						"provider", plan.account.Provider, "category", category, "error", err)
					return err
				}
				s.log.Debugw("category fetched",
					"provider", plan.account.Provider, "category", category,
					"items", len(plan.cache.cached(category)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := map[string]models.Value{}
	for _, plan := range plans {
		for _, cv := range plan.customs {
			category, _ := providers.Category(plan.provider, cv.DataCategory)
			values, err := EvaluateCustomVariable(cv, category, plan.cache.cached(cv.DataCategory), respondentID)
			if err != nil {
				return nil, err
			}
			for _, vv := range values {
				out[vv.QualifiedName] = vv.Value
			}
		}
		for _, pb := range plan.builtins {
			env := providers.BuiltinEnv{Creds: plan.cache.creds, Fetch: plan.cache.fetch}
			if pb.variable.Index != nil {
				env.Index = *pb.variable.Index
			} else if pb.spec.Variable.Index != nil {
				env.Index = *pb.spec.Variable.Index
			}
			value, err := pb.spec.Compute(ctx, env)
			if err != nil {
				return nil, err
			}
			out[pb.variable.QualifiedName()] = value
		}
	}
	return out, nil
}

// plan resolves which provider accounts participate and what each one
// has to fetch and compute.
func (s *VariableService) plan(ctx context.Context, cfg models.ProjectConfig, identity models.RespondentIdentity) ([]*evaluationPlan, error) {
	accounts := identity.Canonical()
	if len(accounts) == 0 {
		return nil, models.NewError(models.ErrorUnknownRespondent, "respondent has no connected provider accounts")
	}

	plans := make([]*evaluationPlan, 0, len(accounts))
	for _, account := range accounts {
		if !cfg.ProviderEnabled(account.Provider) {
			continue
		}
		p, ok := s.registry.Get(account.Provider)
		if !ok {
			return nil, models.NewInvalidError(fmt.Sprintf("unknown data provider %q", account.Provider))
		}
		creds, err := s.tokens.GetProviderToken(cfg.ProjectID, account.Provider, account.UserID)
		if err != nil {
			return nil, err
		}
		if creds == nil {
			return nil, models.NewError(models.ErrorInvalidCredentials,
				fmt.Sprintf("no stored credentials for %s account %s", account.Provider, account.UserID))
		}
		creds, err = s.freshCredentials(ctx, cfg.ProjectID, account, p, creds)
		if err != nil {
			return nil, err
		}

		plan := &evaluationPlan{account: account, provider: p, cache: newFetchCache(p, creds)}
		needed := map[string]bool{}

		for _, cv := range cfg.CustomVariables {
			if !cv.Enabled || cv.DataProvider != account.Provider {
				continue
			}
			plan.customs = append(plan.customs, cv)
			needed[cv.DataCategory] = true
		}

		specs := p.Builtins()
		for _, bv := range cfg.BuiltinVariables {
			if !bv.Enabled || bv.DataProvider != account.Provider {
				continue
			}
			spec, ok := builtinSpec(specs, bv.Name)
			if !ok {
				return nil, models.NewInvalidError(
					fmt.Sprintf("provider %q has no builtin variable %q", account.Provider, bv.Name))
			}
			plan.builtins = append(plan.builtins, plannedBuiltin{variable: bv, spec: spec})
			for _, c := range spec.Requires {
				needed[c] = true
			}
		}

		for c := range needed {
			plan.categories = append(plan.categories, c)
		}
		if len(plan.customs) > 0 || len(plan.builtins) > 0 {
			plans = append(plans, plan)
		}
	}
	return plans, nil
}

// freshCredentials refreshes expired access tokens before fetching and
// persists the new credentials so later evaluations skip the refresh.
func (s *VariableService) freshCredentials(ctx context.Context, projectID string, account models.ProviderAccount, p providers.Provider, creds *providers.Credentials) (*providers.Credentials, error) {
	if creds.Expiry.IsZero() || creds.Expiry.After(time.Now()) {
		return creds, nil
	}
	refreshed, err := p.RefreshCredentials(ctx, creds)
	if err != nil {
		s.log.Warnw("token refresh failed",
			"provider", account.Provider, "account", account.UserID, "error", err)
		return nil, err
	}
	if err := s.tokens.SaveProviderCredentials(projectID, account.Provider, account.UserID, refreshed); err != nil {
		return nil, err
	}
	s.log.Infow("provider token refreshed", "provider", account.Provider, "account", account.UserID)
	return refreshed, nil
}

func builtinSpec(specs []providers.BuiltinSpec, name string) (providers.BuiltinSpec, bool) {
	for _, s := range specs {
		if s.Variable.Name == name {
			return s, true
		}
	}
	return providers.BuiltinSpec{}, false
}

// FormatEmbedded renders a computed mapping the way the survey platform
// stores it. No-value entries become empty strings.
func FormatEmbedded(values map[string]models.Value) map[string]string {
	out := make(map[string]string, len(values))
	for name, v := range values {
		out[name] = v.String()
	}
	return out
}
