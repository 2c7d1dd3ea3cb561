// Package config loads and validates the reconciliation engine's
// configuration: the two remote credential/endpoint documents plus the
// engine's tuning knobs (coalescing window, cooldowns, concurrency). Per §6,
// the two remote documents are JSON files with environment variable
// overrides named after the remote; github.com/spf13/viper merges both.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ipiton/zoho-airtable-sync/internal/model"
)

// RemoteConfig holds credentials and endpoints for one remote (source CRM or
// datastore), per §6's "Persisted state layout".
type RemoteConfig struct {
	BaseURL      string `mapstructure:"base_url" validate:"required,url"`
	ClientID     string `mapstructure:"client_id" validate:"required"`
	ClientSecret string `mapstructure:"client_secret" validate:"required"`
	RefreshToken string `mapstructure:"refresh_token" validate:"required"`
	AccessToken  string `mapstructure:"access_token"`
	Region       string `mapstructure:"region"`
}

// Config is the engine's full configuration.
type Config struct {
	Source    RemoteConfig    `mapstructure:"source"`
	Datastore RemoteConfig    `mapstructure:"datastore"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
}

// SyncConfig carries the tuning knobs named throughout §3-§5 of the
// reconciliation spec.
type SyncConfig struct {
	CoalescingWindow    time.Duration `mapstructure:"coalescing_window"`
	FieldCooldown       time.Duration `mapstructure:"field_cooldown"`
	RecordCooldown      time.Duration `mapstructure:"record_cooldown"`
	OrphanAgeThreshold  time.Duration `mapstructure:"orphan_age_threshold"`
	BatchSize           int           `mapstructure:"batch_size" validate:"gte=1,lte=10"`
	ExecutorConcurrency int           `mapstructure:"executor_concurrency" validate:"gte=1"`
	BulkSchedule        string        `mapstructure:"bulk_schedule"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	ModuleRunTimeout    time.Duration `mapstructure:"module_run_timeout"`
	DeletedStatusValue  string        `mapstructure:"deleted_status_value"`
	Modules             []ModuleSpec  `mapstructure:"modules" validate:"dive"`
}

// ModuleSpec configures one synced module: its canonical name plus each
// side's native identifier, and whether it's an ancillary module (Books,
// Projects) excluded from the scheduler's default bulk set, per §3.1.
type ModuleSpec struct {
	Name           string `mapstructure:"name" validate:"required"`
	SourceAPI      string `mapstructure:"source_api" validate:"required"`
	DatastoreTable string `mapstructure:"datastore_table" validate:"required"`
	Ancillary      bool   `mapstructure:"ancillary"`
}

// ToModel converts a ModuleSpec to the model.Module the registry and
// scheduler wiring deal in.
func (m ModuleSpec) ToModel() model.Module {
	return model.Module{Name: m.Name, SourceAPI: m.SourceAPI, DatastoreTbl: m.DatastoreTable, Ancillary: m.Ancillary}
}

// ModuleNames returns the configured modules' canonical names, optionally
// excluding ancillary ones (the scheduler's default bulk set per §3.1).
func (c SyncConfig) ModuleNames(includeAncillary bool) []string {
	names := make([]string, 0, len(c.Modules))
	for _, m := range c.Modules {
		if m.Ancillary && !includeAncillary {
			continue
		}
		names = append(names, m.Name)
	}
	return names
}

// ModuleSpecFunc resolves a canonical module name to its source API name and
// datastore table, for registry.NewRemoteLoader. Unknown names fall back to
// passing the canonical name through unchanged on both sides.
func (c SyncConfig) ModuleSpecFunc() func(string) (string, string) {
	byName := make(map[string]ModuleSpec, len(c.Modules))
	for _, m := range c.Modules {
		byName[m.Name] = m
	}
	return func(module string) (string, string) {
		if m, ok := byName[module]; ok {
			return m.SourceAPI, m.DatastoreTable
		}
		return module, module
	}
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Filename string `mapstructure:"filename"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// WebhookConfig configures the Event Ingest HTTP server.
type WebhookConfig struct {
	Addr               string        `mapstructure:"addr"`
	DelayedFetchWait    time.Duration `mapstructure:"delayed_fetch_wait"`
	DelayedFetchRetries int           `mapstructure:"delayed_fetch_retries"`
}

// DefaultSyncConfig returns the defaults named in §3-§5 of the spec.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		CoalescingWindow:    30 * time.Second,
		FieldCooldown:       10 * time.Second,
		RecordCooldown:      120 * time.Second,
		OrphanAgeThreshold:  24 * time.Hour,
		BatchSize:           10,
		ExecutorConcurrency: 4,
		BulkSchedule:        "@every 1h",
		PollInterval:        time.Minute,
		ModuleRunTimeout:    10 * time.Minute,
		DeletedStatusValue:  "Deleted",
	}
}

// Load reads configuration from the given file paths (JSON documents for
// source/datastore remotes plus an optional engine config file) and
// environment variables, then validates the result.
//
// Env vars follow SOURCE_CLIENT_ID / DATASTORE_API_TOKEN-style naming: the
// remote name upper-cased, underscore, field name upper-cased.
func Load(engineConfigPath, sourceConfigPath, datastoreConfigPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	cfg := &Config{Sync: DefaultSyncConfig(), Log: LogConfig{Level: "info", Format: "json"}}

	if engineConfigPath != "" {
		v.SetConfigFile(engineConfigPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config-invalid: reading engine config: %w", err)
		}
	}

	bindEnv(v, "source", "SOURCE")
	bindEnv(v, "datastore", "DATASTORE")

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config-invalid: unmarshalling engine config: %w", err)
	}

	if sourceConfigPath != "" {
		if err := loadRemoteDocument(sourceConfigPath, &cfg.Source); err != nil {
			return nil, err
		}
	}
	if datastoreConfigPath != "" {
		if err := loadRemoteDocument(datastoreConfigPath, &cfg.Datastore); err != nil {
			return nil, err
		}
	}

	applyRemoteEnvOverrides(&cfg.Source, "SOURCE")
	applyRemoteEnvOverrides(&cfg.Datastore, "DATASTORE")

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRemoteDocument(path string, out *RemoteConfig) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config-missing: reading %s: %w", path, err)
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("config-invalid: unmarshalling %s: %w", path, err)
	}
	return nil
}

func bindEnv(v *viper.Viper, section, prefix string) {
	for _, field := range []string{"client_id", "client_secret", "refresh_token", "access_token", "base_url", "region"} {
		_ = v.BindEnv(section+"."+field, prefix+"_"+strings.ToUpper(field))
	}
}

func applyRemoteEnvOverrides(rc *RemoteConfig, prefix string) {
	envOr(&rc.ClientID, prefix+"_CLIENT_ID")
	envOr(&rc.ClientSecret, prefix+"_CLIENT_SECRET")
	envOr(&rc.RefreshToken, prefix+"_REFRESH_TOKEN")
	envOr(&rc.AccessToken, prefix+"_ACCESS_TOKEN")
	envOr(&rc.BaseURL, prefix+"_BASE_URL")
}

func envOr(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

var validate = validator.New()

// Validate runs struct tag validation plus cross-field sanity checks,
// returning a config-invalid error on any failure.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config-invalid: %w", err)
	}
	if cfg.Sync.CoalescingWindow <= 0 {
		return fmt.Errorf("config-invalid: sync.coalescing_window must be positive")
	}
	if cfg.Sync.FieldCooldown <= 0 || cfg.Sync.RecordCooldown <= 0 {
		return fmt.Errorf("config-invalid: sync cooldowns must be positive")
	}
	return nil
}
