package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ProviderConfig is the OAuth client registration for one data
// provider.
type ProviderConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
}

type SurveyPlatformConfig struct {
	BaseURL  string `mapstructure:"base_url" validate:"required,url"`
	APIToken string `mapstructure:"api_token" validate:"required"`
	SurveyID string `mapstructure:"survey_id" validate:"required"`
}

type Config struct {
	Addr          string `mapstructure:"addr" validate:"required"`
	DatabasePath  string `mapstructure:"database_path" validate:"required"`
	MigrationsDir string `mapstructure:"migrations_dir"`
	ProjectsFile  string `mapstructure:"projects_file" validate:"required"`
	LogLevel      string `mapstructure:"log_level" validate:"required"`
	LogFormat     string `mapstructure:"log_format" validate:"oneof=json console"`
	JWTSecret     string `mapstructure:"jwt_secret" validate:"required"`
	// SealKey is 32 bytes, hex encoded; it encrypts provider tokens at
	// rest.
	SealKey         string                    `mapstructure:"seal_key" validate:"required,len=64,hexadecimal"`
	HTTPTimeoutSecs int                       `mapstructure:"http_timeout_secs" validate:"min=1"`
	FetchMaxTries   uint                      `mapstructure:"fetch_max_tries" validate:"min=1"`
	SurveyPlatform  SurveyPlatformConfig      `mapstructure:"survey_platform"`
	Providers       map[string]ProviderConfig `mapstructure:"providers"`
}

func (c *Config) SealKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.SealKey)
	if err != nil {
		return nil, fmt.Errorf("decode seal key: %w", err)
	}
	return key, nil
}

// Load reads configuration from an optional yaml file plus DDS_ env
// overrides and validates it.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("addr", ":8080")
	v.SetDefault("database_path", "./data/dds.sqlite")
	v.SetDefault("migrations_dir", "")
	v.SetDefault("projects_file", "./projects.json")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("http_timeout_secs", 30)
	v.SetDefault("fetch_max_tries", 4)

	v.SetEnvPrefix("DDS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile := os.Getenv("DDS_CONFIG_PATH"); configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/dds/")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}
	return &cfg, nil
}
