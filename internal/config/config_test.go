package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
portal:
  base_url: https://portal.example
  listing_path: "/nabavke?kategorija=%s"
  year_selector: "select#archive-year"
auction:
  enabled: true
  base_url: https://auction.example
  requests_per_second: 4
auth:
  login_path: /prijava
  username: harvester
  password: secret
  state_file: /var/lib/harvester/session.json
  session_ttl_hours: 6
browser:
  pool_size: 8
  headless: false
  nav_timeout_seconds: 30
harvest:
  workers: 6
  stagger_seconds: 3
  max_pages: 100
  drift_threshold: 0.9
download:
  dir: /var/lib/harvester/docs
  min_bytes: 1024
db:
  dsn: postgres://localhost/tenders
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Portal.BaseURL != "https://portal.example" {
		t.Fatalf("expected portal base url, got %q", cfg.Portal.BaseURL)
	}
	if cfg.Portal.ListingPath != "/nabavke?kategorija=%s" {
		t.Fatalf("expected listing path override, got %q", cfg.Portal.ListingPath)
	}
	if cfg.Portal.RowSelector != "table.results a.detail-link" {
		t.Fatalf("expected row selector default to survive overrides, got %q", cfg.Portal.RowSelector)
	}
	if !cfg.Auction.Enabled || cfg.Auction.RequestsPerSecond != 4 {
		t.Fatalf("expected auction overrides to apply: %+v", cfg.Auction)
	}
	if cfg.Browser.PoolSize != 8 || cfg.Browser.Headless {
		t.Fatalf("expected browser overrides to apply: %+v", cfg.Browser)
	}
	if cfg.Harvest.Workers != 6 || cfg.Harvest.DriftThreshold != 0.9 {
		t.Fatalf("expected harvest overrides to apply: %+v", cfg.Harvest)
	}
	if got := cfg.SessionTTL(); got != 6*time.Hour {
		t.Fatalf("expected session ttl 6h, got %v", got)
	}
	if got := cfg.NavTimeout(); got != 30*time.Second {
		t.Fatalf("expected nav timeout 30s, got %v", got)
	}
	if got := cfg.Stagger(); got != 3*time.Second {
		t.Fatalf("expected stagger 3s, got %v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Portal:  PortalConfig{BaseURL: "https://portal.example"},
		Browser: BrowserConfig{PoolSize: 4},
		Harvest: HarvestConfig{Workers: 4, DriftThreshold: 0.8},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "missing portal base url",
			cfg: func() Config {
				c := base
				c.Portal.BaseURL = ""
				return c
			}(),
			want: "portal.base_url",
		},
		{
			name: "auction enabled without base url",
			cfg: func() Config {
				c := base
				c.Auction.Enabled = true
				return c
			}(),
			want: "auction.base_url",
		},
		{
			name: "invalid workers",
			cfg: func() Config {
				c := base
				c.Harvest.Workers = 0
				return c
			}(),
			want: "harvest.workers",
		},
		{
			name: "invalid pool size",
			cfg: func() Config {
				c := base
				c.Browser.PoolSize = 0
				return c
			}(),
			want: "browser.pool_size",
		},
		{
			name: "drift threshold out of range",
			cfg: func() Config {
				c := base
				c.Harvest.DriftThreshold = 1.5
				return c
			}(),
			want: "harvest.drift_threshold",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
