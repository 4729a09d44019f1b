package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/datadrivensurveys/dds/internal/api"
	"github.com/datadrivensurveys/dds/internal/config"
	dbstore "github.com/datadrivensurveys/dds/internal/db"
	"github.com/datadrivensurveys/dds/internal/logging"
	"github.com/datadrivensurveys/dds/internal/middleware"
	"github.com/datadrivensurveys/dds/internal/providers"
	"github.com/datadrivensurveys/dds/internal/services"
	"github.com/datadrivensurveys/dds/internal/surveyplatform"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	sqlDB, err := openDatabase(cfg)
	if err != nil {
		sugar.Fatalw("database init failed", "error", err)
	}
	defer sqlDB.Close()

	sealKey, err := cfg.SealKeyBytes()
	if err != nil {
		sugar.Fatalw("invalid seal key", "error", err)
	}
	sealer, err := dbstore.NewSealer(sealKey)
	if err != nil {
		sugar.Fatalw("sealer init failed", "error", err)
	}
	store, err := dbstore.NewSQLiteStore(sqlDB, sealer, logger)
	if err != nil {
		sugar.Fatalw("store init failed", "error", err)
	}

	projects, err := api.NewFileProjectSource(cfg.ProjectsFile)
	if err != nil {
		sugar.Fatalw("projects load failed", "error", err)
	}

	httpc := &http.Client{Timeout: time.Duration(cfg.HTTPTimeoutSecs) * time.Second}
	registry := buildRegistry(cfg, httpc, logger)
	sugar.Infow("provider registry assembled", "providers", registry.Names())

	platform := surveyplatform.NewClient(
		cfg.SurveyPlatform.BaseURL, cfg.SurveyPlatform.APIToken, cfg.SurveyPlatform.SurveyID, httpc, logger)

	variables := services.NewVariableService(registry, store, logger)
	distributions := services.NewDistributionService(store, platform, variables, logger)
	sessions := middleware.NewSessions(cfg.JWTSecret, 2*time.Hour)

	mux := http.NewServeMux()
	api.NewRouter(registry, projects, sessions, store, variables, distributions, logger).Register(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "name": "DDS engine"})
	})

	handler := middleware.RequestLog(logger)(
		middleware.SecureHeaders(middleware.CORS(sessions.WithSession(mux))))

	sugar.Infow("DDS engine listening", "addr", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		sugar.Fatalw("server error", "error", err)
	}
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000", filepath.ToSlash(cfg.DatabasePath))
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := dbstore.RunMigrations(sqlDB, cfg.MigrationsDir); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return sqlDB, nil
}

// buildRegistry assembles the closed provider registry from engine
// config. Providers without a client registration are left out.
func buildRegistry(cfg *config.Config, httpc providers.HTTPClient, logger *zap.Logger) *providers.Registry {
	var ps []providers.Provider
	settings := func(name string) (providers.OAuthSettings, bool) {
		pc, ok := cfg.Providers[name]
		if !ok || pc.ClientID == "" {
			return providers.OAuthSettings{}, false
		}
		return providers.OAuthSettings{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.RedirectURL,
			Scopes:       pc.Scopes,
		}, true
	}
	if s, ok := settings("fitbit"); ok {
		ps = append(ps, providers.NewFitbit(s, httpc, cfg.FetchMaxTries, logger))
	}
	if s, ok := settings("github"); ok {
		ps = append(ps, providers.NewGitHub(s, httpc, cfg.FetchMaxTries, logger))
	}
	if s, ok := settings("google"); ok {
		ps = append(ps, providers.NewGoogle(s, httpc, cfg.FetchMaxTries, logger))
	}
	if s, ok := settings("surveymonkey"); ok {
		ps = append(ps, providers.NewSurveyMonkey(s, httpc, cfg.FetchMaxTries, logger))
	}
	return providers.NewRegistry(ps...)
}
