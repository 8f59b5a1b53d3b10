// Package config handles settler configuration from an optional TOML file and
// environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mbd888/xmrescrow/internal/sale"
	"github.com/mbd888/xmrescrow/internal/walletrpc"
	"github.com/mbd888/xmrescrow/internal/xmr"
)

// RPC is a wallet or daemon JSON-RPC endpoint.
type RPC struct {
	URL      string `toml:"url"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// Redis connection settings. An empty Addr selects the in-process lease and
// observation stores.
type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// SMTP settings for sale notices. An empty Addr logs notices instead of
// mailing them.
type SMTP struct {
	Addr     string `toml:"addr"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	From     string `toml:"from"`
}

// Archive settings. An empty Bucket disables archiving.
type Archive struct {
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"` // S3-compatible stores (MinIO, R2)
	Prefix          string `toml:"prefix"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Env       string `toml:"env"` // "development", "staging", "production"
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // "json" or "text"
	HTTPAddr  string `toml:"http_addr"`

	// Storage (in-memory if DatabaseURL is empty)
	DatabaseURL string `toml:"database_url"`
	Redis       Redis  `toml:"redis"`

	// Monero
	Wallet     RPC           `toml:"wallet"`
	Daemon     RPC           `toml:"daemon"`
	RPCTimeout time.Duration `toml:"rpc_timeout"`
	NetType    string        `toml:"net_type"`

	// Settlement
	PlatformFeePercent    decimal.Decimal `toml:"platform_fee_percent"`
	EscrowPeriodDays      int             `toml:"escrow_period_days"`
	MinimumConfirmations  uint64          `toml:"minimum_confirmations"`
	PlatformPayoutAddress string          `toml:"platform_payout_address"`
	CacheTTL              time.Duration   `toml:"cache_ttl"`
	LeaseTTL              time.Duration   `toml:"lease_ttl"`

	// Scheduler
	WorkerPoolSize   int           `toml:"worker_pool_size"`
	PollInterval     time.Duration `toml:"poll_interval"`
	PayoutInterval   time.Duration `toml:"payout_interval"`
	SweepInterval    time.Duration `toml:"sweep_interval"`
	CancelInterval   time.Duration `toml:"cancel_interval"`
	NoticeInterval   time.Duration `toml:"notice_interval"`
	FinalizeCooldown time.Duration `toml:"finalize_cooldown"`
	SchedulerJitter  time.Duration `toml:"scheduler_jitter"`

	// Notices
	SiteName string `toml:"site_name"`
	SiteURL  string `toml:"site_url"`
	SMTP     SMTP   `toml:"smtp"`

	// Optional operator mirror of every notice
	NotifyWebhookURL    string `toml:"notify_webhook_url"`
	NotifyWebhookSecret string `toml:"notify_webhook_secret"`

	Archive      Archive `toml:"archive"`
	OTLPEndpoint string  `toml:"otlp_endpoint"`
}

// Defaults match the settings the marketplace has always run with.
const (
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultHTTPAddr         = "127.0.0.1:8090"
	DefaultEscrowPeriodDays = 30
	DefaultConfirmations    = 10
	DefaultWorkerPoolSize   = 4
	DefaultNetType          = "mainnet"
	DefaultSiteName         = "xmrescrow"
	DefaultArchivePrefix    = "sales/"
)

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		Env:                  DefaultEnv,
		LogLevel:             DefaultLogLevel,
		LogFormat:            DefaultLogFormat,
		HTTPAddr:             DefaultHTTPAddr,
		Redis:                Redis{Prefix: "xmrescrow:"},
		RPCTimeout:           walletrpc.DefaultTimeout,
		NetType:              DefaultNetType,
		PlatformFeePercent:   decimal.NewFromInt(4),
		EscrowPeriodDays:     DefaultEscrowPeriodDays,
		MinimumConfirmations: DefaultConfirmations,
		CacheTTL:             time.Hour,
		LeaseTTL:             2 * time.Minute,
		WorkerPoolSize:       DefaultWorkerPoolSize,
		PollInterval:         3 * time.Minute,
		PayoutInterval:       3 * time.Minute,
		SweepInterval:        30 * time.Minute,
		CancelInterval:       time.Minute,
		NoticeInterval:       time.Minute,
		FinalizeCooldown:     12 * time.Hour,
		SchedulerJitter:      10 * time.Second,
		SiteName:             DefaultSiteName,
		Archive:              Archive{Prefix: DefaultArchivePrefix},
	}
}

// Load reads configuration from defaults, the TOML file named by
// SETTLER_CONFIG (if set) and environment variables, in that order.
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("SETTLER_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnv(c *Config) error {
	setStr(&c.Env, "ENV")
	setStr(&c.LogLevel, "LOG_LEVEL")
	setStr(&c.LogFormat, "LOG_FORMAT")
	setStr(&c.HTTPAddr, "HTTP_ADDR")
	setStr(&c.DatabaseURL, "DATABASE_URL")

	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setStr(&c.Redis.Prefix, "REDIS_PREFIX")

	setStr(&c.Wallet.URL, "WALLET_RPC_URL")
	setStr(&c.Wallet.User, "WALLET_RPC_USER")
	setStr(&c.Wallet.Password, "WALLET_RPC_PASS")
	setStr(&c.Daemon.URL, "DAEMON_RPC_URL")
	setStr(&c.Daemon.User, "DAEMON_RPC_USER")
	setStr(&c.Daemon.Password, "DAEMON_RPC_PASS")
	setStr(&c.NetType, "NET_TYPE")

	setStr(&c.PlatformPayoutAddress, "PLATFORM_PAYOUT_ADDRESS")
	setStr(&c.SiteName, "SITE_NAME")
	setStr(&c.SiteURL, "SITE_URL")
	setStr(&c.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	setStr(&c.SMTP.Addr, "SMTP_ADDR")
	setStr(&c.SMTP.User, "SMTP_USER")
	setStr(&c.SMTP.Password, "SMTP_PASS")
	setStr(&c.SMTP.From, "SMTP_FROM")
	setStr(&c.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")
	setStr(&c.NotifyWebhookSecret, "NOTIFY_WEBHOOK_SECRET")

	setStr(&c.Archive.Bucket, "ARCHIVE_BUCKET")
	setStr(&c.Archive.Region, "ARCHIVE_REGION")
	setStr(&c.Archive.Endpoint, "ARCHIVE_ENDPOINT")
	setStr(&c.Archive.Prefix, "ARCHIVE_PREFIX")
	setStr(&c.Archive.AccessKeyID, "ARCHIVE_ACCESS_KEY_ID")
	setStr(&c.Archive.SecretAccessKey, "ARCHIVE_SECRET_ACCESS_KEY")

	var errs []error
	errs = append(errs,
		setInt(&c.Redis.DB, "REDIS_DB"),
		setInt(&c.EscrowPeriodDays, "ESCROW_PERIOD_DAYS"),
		setInt(&c.WorkerPoolSize, "WORKER_POOL_SIZE"),
		setUint(&c.MinimumConfirmations, "MINIMUM_CONFIRMATIONS"),
		setDecimal(&c.PlatformFeePercent, "PLATFORM_FEE_PERCENT"),
		setDuration(&c.RPCTimeout, "RPC_TIMEOUT"),
		setDuration(&c.CacheTTL, "CACHE_TTL"),
		setDuration(&c.LeaseTTL, "LEASE_TTL"),
		setDuration(&c.PollInterval, "POLL_INTERVAL"),
		setDuration(&c.PayoutInterval, "PAYOUT_INTERVAL"),
		setDuration(&c.SweepInterval, "SWEEP_INTERVAL"),
		setDuration(&c.CancelInterval, "CANCEL_INTERVAL"),
		setDuration(&c.NoticeInterval, "NOTICE_INTERVAL"),
		setDuration(&c.FinalizeCooldown, "FINALIZE_COOLDOWN"),
		setDuration(&c.SchedulerJitter, "SCHEDULER_JITTER"),
	)
	return errors.Join(errs...)
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Wallet.URL == "" {
		return fmt.Errorf("WALLET_RPC_URL is required")
	}

	if c.PlatformFeePercent.IsNegative() || c.PlatformFeePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be in [0, 100), got %s", c.PlatformFeePercent)
	}
	if c.EscrowPeriodDays < 1 {
		return fmt.Errorf("ESCROW_PERIOD_DAYS must be at least 1")
	}
	if c.MinimumConfirmations < 1 {
		return fmt.Errorf("MINIMUM_CONFIRMATIONS must be at least 1")
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be at least 1")
	}

	intervals := []struct {
		name string
		d    time.Duration
	}{
		{"POLL_INTERVAL", c.PollInterval},
		{"PAYOUT_INTERVAL", c.PayoutInterval},
		{"SWEEP_INTERVAL", c.SweepInterval},
		{"CANCEL_INTERVAL", c.CancelInterval},
		{"NOTICE_INTERVAL", c.NoticeInterval},
		{"RPC_TIMEOUT", c.RPCTimeout},
		{"CACHE_TTL", c.CacheTTL},
		{"LEASE_TTL", c.LeaseTTL},
	}
	for _, iv := range intervals {
		if iv.d <= 0 {
			return fmt.Errorf("%s must be positive", iv.name)
		}
	}
	if c.FinalizeCooldown < time.Hour {
		return fmt.Errorf("FINALIZE_COOLDOWN must be at least 1h, got %s", c.FinalizeCooldown)
	}
	if c.SchedulerJitter < 0 {
		return fmt.Errorf("SCHEDULER_JITTER must not be negative")
	}

	if c.PlatformPayoutAddress != "" && !xmr.ValidAddress(c.PlatformPayoutAddress) {
		return fmt.Errorf("PLATFORM_PAYOUT_ADDRESS is not a valid Monero address")
	}
	if c.SMTP.Addr != "" && c.SMTP.From == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_ADDR is set")
	}
	if c.Archive.Bucket != "" && c.Archive.Region == "" {
		return fmt.Errorf("ARCHIVE_REGION is required when ARCHIVE_BUCKET is set")
	}

	return nil
}

// SaleSettings converts the settlement knobs into engine settings.
func (c *Config) SaleSettings() sale.Settings {
	s := sale.DefaultSettings()
	s.PlatformFeePercent = c.PlatformFeePercent
	s.EscrowPeriodDays = c.EscrowPeriodDays
	s.MinimumConfirmations = c.MinimumConfirmations
	s.PlatformPayoutAddress = c.PlatformPayoutAddress
	s.CacheTTL = c.CacheTTL
	s.LeaseTTL = c.LeaseTTL
	s.FinalizeCooldown = c.FinalizeCooldown
	s.NetType = c.NetType
	s.SiteName = c.SiteName
	s.SiteURL = c.SiteURL
	return s
}

// WalletRPC returns the wallet endpoint config.
func (c *Config) WalletRPC() walletrpc.Config {
	return walletrpc.Config{URL: c.Wallet.URL, User: c.Wallet.User, Password: c.Wallet.Password, Timeout: c.RPCTimeout}
}

// DaemonRPC returns the daemon endpoint config.
func (c *Config) DaemonRPC() walletrpc.Config {
	return walletrpc.Config{URL: c.Daemon.URL, User: c.Daemon.User, Password: c.Daemon.Password, Timeout: c.RPCTimeout}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = i
	return nil
}

func setUint(dst *uint64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = i
	return nil
}

func setDecimal(dst *decimal.Decimal, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
