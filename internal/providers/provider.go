// Package providers implements the pluggable data-provider capability:
// OAuth authorization, category fetches normalized into typed data
// items, and the builtin-variable computations each provider ships.
// The registry is closed and assembled once at startup.
package providers

import (
	"context"
	"sort"
	"time"

	"github.com/datadrivensurveys/dds/internal/models"
)

// Credentials is what a provider needs to call its API on behalf of one
// connected account.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Account is the result of a successful authorization-code exchange.
type Account struct {
	Provider    string
	UserID      string
	UserName    string
	Credentials Credentials
}

// BuiltinEnv is what a builtin computation runs against. Fetch goes
// through the evaluation's shared cache so builtin and custom variables
// never fetch the same category twice. Index passes through the
// parametrized variants unchanged.
type BuiltinEnv struct {
	Creds *Credentials
	Index int
	Fetch func(ctx context.Context, category string) ([]models.DataItem, error)
}

// BuiltinFunc computes one builtin variable. Unavailable data yields
// the zero value, not an error.
type BuiltinFunc func(ctx context.Context, env BuiltinEnv) (models.Value, error)

// BuiltinSpec declares one builtin variable: its metadata, the
// categories that must be fetched before it can run, and the
// computation itself.
type BuiltinSpec struct {
	Variable models.BuiltinVariable
	Requires []string
	Compute  BuiltinFunc
}

// Provider is the capability contract one external service implements.
// Implementations hold no shared mutable state; all side effects are
// network I/O.
type Provider interface {
	Name() string

	// AuthorizeURL builds the external authorization endpoint. Pure
	// function of client config; empty scopes means provider defaults.
	AuthorizeURL(state string, scopes []string) string

	// ExchangeCode redeems a single-use authorization code. A retry
	// after a confirmed failure must not resubmit the same code.
	ExchangeCode(ctx context.Context, code string) (*Account, error)

	// RefreshCredentials trades the stored refresh token for fresh
	// credentials when the access token has expired.
	RefreshCredentials(ctx context.Context, creds *Credentials) (*Credentials, error)

	// FetchCategory materializes the full collection for one category.
	FetchCategory(ctx context.Context, name string, creds *Credentials) ([]models.DataItem, error)

	// DataCategories and Builtins are static metadata, no network call.
	DataCategories() []models.DataCategory
	Builtins() []BuiltinSpec
}

// Category returns provider p's category metadata by name.
func Category(p Provider, name string) (models.DataCategory, bool) {
	for _, c := range p.DataCategories() {
		if c.Name == name {
			return c, true
		}
	}
	return models.DataCategory{}, false
}

// BuiltinVariables lists provider p's builtin variable metadata.
func BuiltinVariables(p Provider) []models.BuiltinVariable {
	specs := p.Builtins()
	out := make([]models.BuiltinVariable, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Variable)
	}
	return out
}

// Registry maps a provider key to its implementation. Immutable after
// construction; built once in cmd/server from engine config.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(ps ...Provider) *Registry {
	m := make(map[string]Provider, len(ps))
	for _, p := range ps {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
