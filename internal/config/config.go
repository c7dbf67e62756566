// Package config loads the extractor configuration from the legacy
// configuracao.ini layout, with OMIE_-prefixed environment variables
// taking precedence over the file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps all validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultConfigFile is the legacy INI file name searched in the working
// directory.
const DefaultConfigFile = "configuracao.ini"

// APIConfig holds credentials and endpoints (section [omie_api]).
type APIConfig struct {
	AppKey         string
	AppSecret      string
	ListURL        string
	FetchURL       string
	CallsPerSecond int
}

// QueryConfig holds the listing window (section [query_params]).
type QueryConfig struct {
	StartDate      string // DD/MM/YYYY
	EndDate        string // DD/MM/YYYY
	RecordsPerPage int
}

// PathsConfig holds filesystem locations (section [paths]).
type PathsConfig struct {
	OutputDir string
	DBPath    string
}

// ExtractorConfig holds runtime tuning (section [extractor]).
type ExtractorConfig struct {
	Workers     int
	LogLevel    string
	MetricsAddr string // empty disables the metrics listener
}

// Config is the full extractor configuration.
type Config struct {
	API       APIConfig
	Query     QueryConfig
	Paths     PathsConfig
	Extractor ExtractorConfig
}

// Load reads path (or DefaultConfigFile in the working directory when path
// is empty) and applies OMIE_ environment overrides. A missing file is
// fine as long as the environment supplies the credentials.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("ini")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("configuracao")
		v.SetConfigType("ini")
		v.AddConfigPath(".")
		// File is optional when env vars carry the credentials.
		_ = v.ReadInConfig()
	}

	// "omie_api.app_key" resolves from OMIE_API_APP_KEY and so on; the
	// section names already carry the OMIE_ prefix.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Config{
		API: APIConfig{
			AppKey:         v.GetString("omie_api.app_key"),
			AppSecret:      v.GetString("omie_api.app_secret"),
			ListURL:        v.GetString("omie_api.base_url_nf"),
			FetchURL:       v.GetString("omie_api.base_url_xml"),
			CallsPerSecond: v.GetInt("omie_api.calls_per_second"),
		},
		Query: QueryConfig{
			StartDate:      v.GetString("query_params.start_date"),
			EndDate:        v.GetString("query_params.end_date"),
			RecordsPerPage: v.GetInt("query_params.records_per_page"),
		},
		Paths: PathsConfig{
			OutputDir: v.GetString("paths.output_dir"),
			DBPath:    v.GetString("paths.db_path"),
		},
		Extractor: ExtractorConfig{
			Workers:     v.GetInt("extractor.workers"),
			LogLevel:    v.GetString("extractor.log_level"),
			MetricsAddr: v.GetString("extractor.metrics_addr"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("omie_api.calls_per_second", 4)
	v.SetDefault("query_params.records_per_page", 500)
	v.SetDefault("paths.output_dir", "resultado")
	v.SetDefault("paths.db_path", "omie.db")
	v.SetDefault("extractor.workers", 4)
	v.SetDefault("extractor.log_level", "info")
}

func (c *Config) validate() error {
	if c.API.AppKey == "" || c.API.AppSecret == "" {
		return fmt.Errorf("%w: app_key and app_secret are required", ErrInvalidConfig)
	}
	if c.API.CallsPerSecond <= 0 {
		return fmt.Errorf("%w: calls_per_second must be positive (got %d)", ErrInvalidConfig, c.API.CallsPerSecond)
	}
	if c.Query.RecordsPerPage <= 0 {
		return fmt.Errorf("%w: records_per_page must be positive (got %d)", ErrInvalidConfig, c.Query.RecordsPerPage)
	}
	if c.Extractor.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive (got %d)", ErrInvalidConfig, c.Extractor.Workers)
	}
	if c.Query.StartDate == "" || c.Query.EndDate == "" {
		return fmt.Errorf("%w: start_date and end_date are required", ErrInvalidConfig)
	}
	return nil
}
