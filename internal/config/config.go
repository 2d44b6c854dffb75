// Package config loads and validates harvester configuration via Viper.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Portal   PortalConfig   `mapstructure:"portal"`
	Auction  AuctionConfig  `mapstructure:"auction"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Harvest  HarvestConfig  `mapstructure:"harvest"`
	Download DownloadConfig `mapstructure:"download"`
	DB       DBConfig       `mapstructure:"db"`
	Alert    AlertConfig    `mapstructure:"alert"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PortalConfig points at the procurement portal's listing UI.
type PortalConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	ListingPath      string `mapstructure:"listing_path"`
	YearSelector     string `mapstructure:"year_selector"`
	PageSizeSelector string `mapstructure:"page_size_selector"`
	PageSizeValue    string `mapstructure:"page_size_value"`
	RowSelector      string `mapstructure:"row_selector"`
	NextSelector     string `mapstructure:"next_selector"`
	DocLinkSelector  string `mapstructure:"doc_link_selector"`
}

// AuctionConfig points at the auction sub-system's JSON API.
type AuctionConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	BaseURL           string  `mapstructure:"base_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// AuthConfig carries the portal login credentials and session policy.
type AuthConfig struct {
	LoginPath       string `mapstructure:"login_path"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	StateFile       string `mapstructure:"state_file"`
	SessionTTLHours int    `mapstructure:"session_ttl_hours"`
}

// BrowserConfig tunes the headless session pool.
type BrowserConfig struct {
	PoolSize          int    `mapstructure:"pool_size"`
	Headless          bool   `mapstructure:"headless"`
	UserAgent         string `mapstructure:"user_agent"`
	NavTimeoutSec     int    `mapstructure:"nav_timeout_seconds"`
	AcquireTimeoutSec int    `mapstructure:"acquire_timeout_seconds"`
}

// HarvestConfig governs run behavior.
type HarvestConfig struct {
	Workers        int     `mapstructure:"workers"`
	StaggerSeconds int     `mapstructure:"stagger_seconds"`
	MaxPages       int     `mapstructure:"max_pages"`
	EmptyPageStop  int     `mapstructure:"empty_page_stop"`
	DriftThreshold float64 `mapstructure:"drift_threshold"`
	DataDir        string  `mapstructure:"data_dir"`
}

// DownloadConfig tunes document fetching.
type DownloadConfig struct {
	Dir               string  `mapstructure:"dir"`
	MinBytes          int     `mapstructure:"min_bytes"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// AlertConfig points failure notifications at a webhook; empty URL keeps
// them log-only.
type AlertConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// MetricsConfig exposes the Prometheus endpoint; empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, eris.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, eris.Wrap(err, "unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.listing_path", "/tenders?category=%s")
	v.SetDefault("portal.row_selector", "table.results a.detail-link")
	v.SetDefault("portal.next_selector", "a.pagination-next:not(.disabled)")
	v.SetDefault("portal.doc_link_selector", "a.document-link")
	v.SetDefault("auction.enabled", false)
	v.SetDefault("auction.requests_per_second", 2)
	v.SetDefault("auth.login_path", "/login")
	v.SetDefault("auth.state_file", "session.json")
	v.SetDefault("auth.session_ttl_hours", 4)
	v.SetDefault("browser.pool_size", 4)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "tender-harvester/0.1")
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.acquire_timeout_seconds", 60)
	v.SetDefault("harvest.workers", 4)
	v.SetDefault("harvest.stagger_seconds", 2)
	v.SetDefault("harvest.max_pages", 500)
	v.SetDefault("harvest.empty_page_stop", 2)
	v.SetDefault("harvest.drift_threshold", 0.80)
	v.SetDefault("harvest.data_dir", "data")
	v.SetDefault("download.dir", "data/documents")
	v.SetDefault("download.min_bytes", 512)
	v.SetDefault("download.timeout_seconds", 60)
	v.SetDefault("download.requests_per_second", 2)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Portal.BaseURL == "" {
		return eris.New("portal.base_url is required")
	}
	if c.Auction.Enabled && c.Auction.BaseURL == "" {
		return eris.New("auction.base_url must be set when auction is enabled")
	}
	if c.Harvest.Workers <= 0 {
		return eris.New("harvest.workers must be > 0")
	}
	if c.Browser.PoolSize <= 0 {
		return eris.New("browser.pool_size must be > 0")
	}
	if c.Harvest.DriftThreshold <= 0 || c.Harvest.DriftThreshold > 1 {
		return eris.New("harvest.drift_threshold must be in (0, 1]")
	}
	return nil
}

// SessionTTL converts the configured hours into a duration.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Auth.SessionTTLHours) * time.Hour
}

// NavTimeout converts the configured seconds into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSec) * time.Second
}

// Stagger converts the configured seconds into a duration.
func (c Config) Stagger() time.Duration {
	return time.Duration(c.Harvest.StaggerSeconds) * time.Second
}
