package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"azure-utilities/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Azure    AzureConfig    `mapstructure:"azure"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Cosmos   CosmosConfig   `mapstructure:"cosmos"`
	SQL      SQLConfig      `mapstructure:"sql"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Database DatabaseConfig `mapstructure:"database"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// AzureConfig carries subscription and service principal settings.
type AzureConfig struct {
	SubscriptionID string `mapstructure:"subscription_id"`
	TenantID       string `mapstructure:"tenant_id"`
	ClientID       string `mapstructure:"client_id"`
	ClientSecret   string `mapstructure:"client_secret"`
	Region         string `mapstructure:"region"`
	CLIPath        string `mapstructure:"cli_path"`
}

// HasServicePrincipal reports whether all service principal fields are set.
func (a AzureConfig) HasServicePrincipal() bool {
	return a.SubscriptionID != "" && a.TenantID != "" && a.ClientID != "" && a.ClientSecret != ""
}

// StorageConfig covers blob and table storage connectivity.
type StorageConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	Container        string `mapstructure:"container"`
	Table            string `mapstructure:"table"`
	AutoKeys         bool   `mapstructure:"auto_keys"`
	DownloadWorkers  int    `mapstructure:"download_workers"`
}

// HasCredentials reports whether a connection string or account key pair is set.
func (s StorageConfig) HasCredentials() bool {
	return s.ConnectionString != "" || (s.AccountName != "" && s.AccountKey != "")
}

// CosmosConfig captures Cosmos DB connectivity.
type CosmosConfig struct {
	Endpoint         string `mapstructure:"endpoint"`
	Key              string `mapstructure:"key"`
	Database         string `mapstructure:"database"`
	Container        string `mapstructure:"container"`
	PartitionKeyPath string `mapstructure:"partition_key_path"`
}

// SQLConfig covers Azure SQL management and connectivity.
type SQLConfig struct {
	Server        string        `mapstructure:"server"`
	Database      string        `mapstructure:"database"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Table         string        `mapstructure:"table"`
	ResourceGroup string        `mapstructure:"resource_group"`
	Region        string        `mapstructure:"region"`
	SKU           SQLSKUConfig  `mapstructure:"sku"`
	DSN           string        `mapstructure:"dsn"`
	QueryTimeout  time.Duration `mapstructure:"query_timeout"`
}

// SQLSKUConfig describes the database SKU.
type SQLSKUConfig struct {
	Name     string `mapstructure:"name"`
	Tier     string `mapstructure:"tier"`
	Size     string `mapstructure:"size"`
	Family   string `mapstructure:"family"`
	Capacity int32  `mapstructure:"capacity"`
}

// PollerConfig governs the differential poll loop.
type PollerConfig struct {
	Name            string        `mapstructure:"name"`
	Source          string        `mapstructure:"source"`
	Column          string        `mapstructure:"column"`
	CursorKind      string        `mapstructure:"cursor_kind"`
	InitialCursor   string        `mapstructure:"initial_cursor"`
	ValueColumn     string        `mapstructure:"value_column"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Retries         uint64        `mapstructure:"retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	Cooldown  time.Duration   `mapstructure:"cooldown"`
	Channels  []string        `mapstructure:"channels"`
	Threshold ThresholdConfig `mapstructure:"threshold"`
	Email     EmailConfig     `mapstructure:"email"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
}

// ThresholdConfig lists the threshold conditions; nil fields are not evaluated.
type ThresholdConfig struct {
	GreaterThan   *float64  `mapstructure:"greater_than"`
	LessThan      *float64  `mapstructure:"less_than"`
	AvgGreater    *float64  `mapstructure:"avg_greater_than"`
	AvgLess       *float64  `mapstructure:"avg_less_than"`
	ValuesBetween []float64 `mapstructure:"values_between"`
}

// IsZero reports whether no condition is configured.
func (t ThresholdConfig) IsZero() bool {
	return t.GreaterThan == nil && t.LessThan == nil && t.AvgGreater == nil && t.AvgLess == nil && len(t.ValuesBetween) == 0
}

// EmailConfig describes the SMTP-over-TLS channel.
type EmailConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Sender   string        `mapstructure:"sender"`
	Password string        `mapstructure:"password"`
	To       []string      `mapstructure:"to"`
	Subject  string        `mapstructure:"subject"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TelegramConfig describes the Telegram bot channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// CleanupConfig parameterises the scheduled resource-group cleanup function.
type CleanupConfig struct {
	ResourceGroup   string `mapstructure:"resource_group"`
	Schedule        string `mapstructure:"schedule"`
	TriggerName     string `mapstructure:"trigger_name"`
	DeployGroup     string `mapstructure:"deploy_group"`
	DeployRegion    string `mapstructure:"deploy_region"`
	StorageAccount  string `mapstructure:"storage_account"`
	FunctionApp     string `mapstructure:"function_app"`
	OutputDir       string `mapstructure:"output_dir"`
	Executable      string `mapstructure:"executable"`
	FuncToolPath    string `mapstructure:"func_tool_path"`
	NotifyRecipient string `mapstructure:"notify_recipient"`
}

// DatabaseConfig encapsulates the PostgreSQL audit store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// AlertRetention prunes older alerts when watch starts. Zero keeps all.
	AlertRetention time.Duration `mapstructure:"alert_retention"`

	// MigrationsPath overrides the embedded migrations with a directory.
	MigrationsPath string `mapstructure:"migrations_path"`
	AutoMigrate    bool   `mapstructure:"auto_migrate"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AZUTIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindAzureEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// bindAzureEnv lets the standard AZURE_* variables fill the service principal fields.
func bindAzureEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"azure.subscription_id": {"AZUTIL_AZURE_SUBSCRIPTION_ID", "AZURE_SUBSCRIPTION_ID"},
		"azure.tenant_id":       {"AZUTIL_AZURE_TENANT_ID", "AZURE_TENANT_ID"},
		"azure.client_id":       {"AZUTIL_AZURE_CLIENT_ID", "AZURE_CLIENT_ID"},
		"azure.client_secret":   {"AZUTIL_AZURE_CLIENT_SECRET", "AZURE_CLIENT_SECRET"},
		"cosmos.endpoint":       {"AZUTIL_COSMOS_ENDPOINT", "ACCOUNT_URI"},
		"cosmos.key":            {"AZUTIL_COSMOS_KEY", "ACCOUNT_KEY"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "azutil")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("azure.region", "westus")
	v.SetDefault("azure.cli_path", "az")

	v.SetDefault("storage.container", "defaultcontainerpython")
	v.SetDefault("storage.table", "defaulttablepython")
	v.SetDefault("storage.auto_keys", false)
	v.SetDefault("storage.download_workers", 10)

	v.SetDefault("cosmos.database", "defaultpythondb")
	v.SetDefault("cosmos.container", "defaultpythoncontainer")

	v.SetDefault("sql.server", "default-server-python")
	v.SetDefault("sql.database", "default-database-python")
	v.SetDefault("sql.username", "default-username-python")
	v.SetDefault("sql.table", "default_table_python")
	v.SetDefault("sql.resource_group", "default_rg_python")
	v.SetDefault("sql.region", "westus")
	v.SetDefault("sql.sku.name", "Free")
	v.SetDefault("sql.sku.tier", "Free")
	v.SetDefault("sql.query_timeout", "30s")

	v.SetDefault("poller.name", "default")
	v.SetDefault("poller.source", "sql")
	v.SetDefault("poller.interval", "30s")
	v.SetDefault("poller.align_to_interval", false)
	v.SetDefault("poller.startup_delay", "0s")
	v.SetDefault("poller.retries", 3)
	v.SetDefault("poller.retry_base_delay", "2s")
	v.SetDefault("poller.advisory_lock_key", int64(0))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "1m")
	v.SetDefault("alerting.channels", []string{"email"})
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.host", "smtp.gmail.com")
	v.SetDefault("alerting.email.port", 465)
	v.SetDefault("alerting.email.timeout", "15s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("cleanup.resource_group", "sql")
	v.SetDefault("cleanup.schedule", "0 30 19 * * *")
	v.SetDefault("cleanup.trigger_name", "mytimer")
	v.SetDefault("cleanup.deploy_group", "clean-up-resources-rg")
	v.SetDefault("cleanup.deploy_region", "westeurope")
	v.SetDefault("cleanup.output_dir", "cleanup-function")
	v.SetDefault("cleanup.executable", "azutil")
	v.SetDefault("cleanup.func_tool_path", "func")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.alert_retention", "0s")

	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var validSources = map[string]bool{"sql": true, "table": true, "cosmos": true}

var validCursorKinds = map[string]bool{"": true, "time": true, "number": true, "string": true}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than zero")
	}
	if !validSources[strings.ToLower(c.Poller.Source)] {
		return fmt.Errorf("poller.source must be one of sql, table, cosmos; got %q", c.Poller.Source)
	}
	if !validCursorKinds[strings.ToLower(c.Poller.CursorKind)] {
		return fmt.Errorf("poller.cursor_kind must be time, number or string; got %q", c.Poller.CursorKind)
	}
	if c.Storage.DownloadWorkers <= 0 {
		return fmt.Errorf("storage.download_workers must be greater than zero")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Database.AlertRetention < 0 {
		return fmt.Errorf("database.alert_retention cannot be negative")
	}
	if n := len(c.Alerting.Threshold.ValuesBetween); n != 0 {
		if n != 2 {
			return fmt.Errorf("alerting.threshold.values_between must hold exactly two values")
		}
		if c.Alerting.Threshold.ValuesBetween[0] > c.Alerting.Threshold.ValuesBetween[1] {
			return fmt.Errorf("alerting.threshold.values_between lower bound exceeds upper bound")
		}
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.Sender == "" || c.Alerting.Email.Password == "" {
			return fmt.Errorf("alerting.email.sender and alerting.email.password are required")
		}
		if len(c.Alerting.Email.To) == 0 {
			return fmt.Errorf("alerting.email.to requires at least one recipient")
		}
		if c.Alerting.Email.Port <= 0 {
			return fmt.Errorf("alerting.email.port must be greater than zero")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// DefaultColumn returns the differential column for the configured source.
func (p PollerConfig) DefaultColumn() string {
	if p.Column != "" {
		return p.Column
	}
	switch strings.ToLower(p.Source) {
	case "table":
		return "Timestamp"
	case "cosmos":
		return "_ts"
	default:
		return "create_dttm"
	}
}

// DefaultCursorKind returns the cursor kind for the configured source.
func (p PollerConfig) DefaultCursorKind() string {
	if p.CursorKind != "" {
		return strings.ToLower(p.CursorKind)
	}
	switch strings.ToLower(p.Source) {
	case "cosmos":
		return "number"
	case "table":
		if p.DefaultColumn() != "Timestamp" {
			return "number"
		}
		return "time"
	default:
		return "time"
	}
}
