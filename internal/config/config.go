package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/caesar-terminal/feedhub/internal/adapter"
)

// Config holds all application configuration.
type Config struct {
	Env        string
	Feed       FeedConfig
	Supervisor SupervisorConfig
	Dispatcher DispatcherConfig
	Server     ServerConfig
	Export     ExportConfig
	DB         DBConfig
	Redis      RedisConfig
}

// FeedConfig selects what to ingest.
type FeedConfig struct {
	Exchanges []string
	Symbol    string
	Level     string
	// CrossThreshold is the minimum bid-over-ask spread reported as a
	// cross between venues.
	CrossThreshold float64
	// Console logs every record.
	Console bool
	// APIKey and APISecret are only needed by private channels.
	APIKey    string
	APISecret string
}

// Credentials seals the API key pair, or returns nil when none is set.
func (f FeedConfig) Credentials() *adapter.Credentials {
	return adapter.NewCredentials([]byte(f.APIKey), []byte(f.APISecret))
}

// SupervisorConfig mirrors adapter.SupervisorConfig.
type SupervisorConfig struct {
	HandshakeTimeout time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	BackoffFactor    float64
	BackoffJitter    float64
	StabilityWindow  time.Duration
	RetryBudget      int
	StaleThreshold   time.Duration
}

// DispatcherConfig mirrors adapter.DispatcherConfig.
type DispatcherConfig struct {
	QueueSize   int
	ChannelSize int
}

// ServerConfig holds the re-exposition listeners.
type ServerConfig struct {
	Enabled  bool
	HTTPAddr string
	GRPCAddr string
}

// ExportConfig bounds a CSV export.
type ExportConfig struct {
	Output   string
	Count    int
	Duration time.Duration
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	Enabled       bool
	Host          string
	Port          int
	User          string
	Password      string
	DBName        string
	SSLMode       string
	Table         string
	BatchSize     int
	FlushInterval time.Duration
}

// DSN returns the PostgreSQL connection string.
func (d DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"exchange": "feed.exchanges",
	"symbol":   "feed.symbol",
	"level":    "feed.level",
	"console":  "feed.console",
	"serve":    "server.enabled",
	"http":     "server.http_addr",
	"grpc":     "server.grpc_addr",
	"redis":    "redis.enabled",
	"postgres": "db.enabled",
	"output":   "export.output",
	"count":    "export.count",
	"duration": "export.duration",
}

// Load reads configuration from defaults, environment variables prefixed
// with FEEDHUB_ and, when fs is non-nil, any flags it defines. Flags win
// over the environment.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEEDHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind --%s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	cfg.Env = v.GetString("env")

	cfg.Feed = FeedConfig{
		Exchanges:      splitList(v.GetStringSlice("feed.exchanges")),
		Symbol:         v.GetString("feed.symbol"),
		Level:          v.GetString("feed.level"),
		CrossThreshold: v.GetFloat64("feed.cross_threshold"),
		Console:        v.GetBool("feed.console"),
		APIKey:         v.GetString("feed.api_key"),
		APISecret:      v.GetString("feed.api_secret"),
	}

	cfg.Supervisor = SupervisorConfig{
		HandshakeTimeout: v.GetDuration("supervisor.handshake_timeout"),
		BackoffInitial:   v.GetDuration("supervisor.backoff_initial"),
		BackoffMax:       v.GetDuration("supervisor.backoff_max"),
		BackoffFactor:    v.GetFloat64("supervisor.backoff_factor"),
		BackoffJitter:    v.GetFloat64("supervisor.backoff_jitter"),
		StabilityWindow:  v.GetDuration("supervisor.stability_window"),
		RetryBudget:      v.GetInt("supervisor.retry_budget"),
		StaleThreshold:   v.GetDuration("supervisor.stale_threshold"),
	}

	cfg.Dispatcher = DispatcherConfig{
		QueueSize:   v.GetInt("dispatcher.queue_size"),
		ChannelSize: v.GetInt("dispatcher.channel_size"),
	}

	cfg.Server = ServerConfig{
		Enabled:  v.GetBool("server.enabled"),
		HTTPAddr: v.GetString("server.http_addr"),
		GRPCAddr: v.GetString("server.grpc_addr"),
	}

	cfg.Export = ExportConfig{
		Output:   v.GetString("export.output"),
		Count:    v.GetInt("export.count"),
		Duration: v.GetDuration("export.duration"),
	}

	cfg.DB = DBConfig{
		Enabled:       v.GetBool("db.enabled"),
		Host:          v.GetString("db.host"),
		Port:          v.GetInt("db.port"),
		User:          v.GetString("db.user"),
		Password:      v.GetString("db.password"),
		DBName:        v.GetString("db.dbname"),
		SSLMode:       v.GetString("db.sslmode"),
		Table:         v.GetString("db.table"),
		BatchSize:     v.GetInt("db.batch_size"),
		FlushInterval: v.GetDuration("db.flush_interval"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("redis.enabled"),
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("feed.exchanges", []string{})
	v.SetDefault("feed.level", string(adapter.LevelL1))
	v.SetDefault("feed.cross_threshold", 0.0)
	v.SetDefault("feed.console", false)
	v.SetDefault("feed.api_key", "")
	v.SetDefault("feed.api_secret", "")

	sup := adapter.DefaultSupervisorConfig()
	v.SetDefault("supervisor.handshake_timeout", sup.HandshakeTimeout)
	v.SetDefault("supervisor.backoff_initial", sup.BackoffInitial)
	v.SetDefault("supervisor.backoff_max", sup.BackoffMax)
	v.SetDefault("supervisor.backoff_factor", sup.BackoffFactor)
	v.SetDefault("supervisor.backoff_jitter", sup.BackoffJitter)
	v.SetDefault("supervisor.stability_window", sup.StabilityWindow)
	v.SetDefault("supervisor.retry_budget", sup.RetryBudget)
	v.SetDefault("supervisor.stale_threshold", adapter.DefaultHealthConfig().StaleThreshold)

	disp := adapter.DefaultDispatcherConfig()
	v.SetDefault("dispatcher.queue_size", disp.QueueSize)
	v.SetDefault("dispatcher.channel_size", disp.ChannelSize)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")

	v.SetDefault("export.output", "")
	v.SetDefault("export.count", 0)
	v.SetDefault("export.duration", time.Duration(0))

	pg := adapter.DefaultPgWriterConfig()
	v.SetDefault("db.enabled", false)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "feedhub")
	v.SetDefault("db.password", "feedhub")
	v.SetDefault("db.dbname", "feedhub")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.table", pg.Table)
	v.SetDefault("db.batch_size", pg.BatchSize)
	v.SetDefault("db.flush_interval", pg.FlushInterval)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

// splitList accepts both repeated values and comma-separated ones, which
// is what FEEDHUB_FEED_EXCHANGES=binance,kraken produces.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate returns the first invalid setting.
func (c *Config) Validate() error {
	if len(c.Feed.Exchanges) == 0 {
		return errors.New("feed.exchanges is required")
	}
	for _, ex := range c.Feed.Exchanges {
		if _, err := adapter.ParseExchange(ex); err != nil {
			return fmt.Errorf("feed.exchanges: %w", err)
		}
	}
	if strings.TrimSpace(c.Feed.Symbol) == "" {
		return errors.New("feed.symbol is required")
	}
	if !strings.EqualFold(c.Feed.Level, string(adapter.LevelL1)) {
		return fmt.Errorf("feed.level %q is not supported", c.Feed.Level)
	}
	if c.Feed.CrossThreshold < 0 {
		return errors.New("feed.cross_threshold must not be negative")
	}
	if _, err := adapter.NewBackoff(c.Supervisor.BackoffInitial, c.Supervisor.BackoffMax,
		c.Supervisor.BackoffFactor, c.Supervisor.BackoffJitter); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	if c.Supervisor.HandshakeTimeout <= 0 {
		return errors.New("supervisor.handshake_timeout must be positive")
	}
	if c.Supervisor.RetryBudget <= 0 {
		return errors.New("supervisor.retry_budget must be positive")
	}
	if c.Dispatcher.QueueSize <= 0 {
		return errors.New("dispatcher.queue_size must be positive")
	}
	if c.Server.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required when serving")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if c.DB.Enabled && c.DB.Host == "" {
		return errors.New("db.host is required")
	}
	if c.Export.Count < 0 || c.Export.Duration < 0 {
		return errors.New("export limits must not be negative")
	}
	return nil
}

// ValidateExport checks the settings of the export command.
func (c *Config) ValidateExport() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Export.Output == "" {
		return errors.New("export.output is required")
	}
	if c.Export.Count == 0 && c.Export.Duration == 0 {
		return errors.New("export needs a count or a duration")
	}
	return nil
}

// AdapterSupervisor converts to the adapter package's type.
func (c SupervisorConfig) AdapterSupervisor() adapter.SupervisorConfig {
	out := adapter.DefaultSupervisorConfig()
	out.HandshakeTimeout = c.HandshakeTimeout
	out.BackoffInitial = c.BackoffInitial
	out.BackoffMax = c.BackoffMax
	out.BackoffFactor = c.BackoffFactor
	out.BackoffJitter = c.BackoffJitter
	out.StabilityWindow = c.StabilityWindow
	out.RetryBudget = c.RetryBudget
	return out
}

// AdapterHealth returns the health monitor settings.
func (c SupervisorConfig) AdapterHealth() adapter.HealthConfig {
	out := adapter.DefaultHealthConfig()
	out.StaleThreshold = c.StaleThreshold
	return out
}

// AdapterDispatcher converts to the adapter package's type.
func (c DispatcherConfig) AdapterDispatcher() adapter.DispatcherConfig {
	return adapter.DispatcherConfig{QueueSize: c.QueueSize, ChannelSize: c.ChannelSize}
}

// PgWriter returns the Postgres sink settings.
func (d DBConfig) PgWriter() adapter.PgWriterConfig {
	return adapter.PgWriterConfig{Table: d.Table, BatchSize: d.BatchSize, FlushInterval: d.FlushInterval}
}
