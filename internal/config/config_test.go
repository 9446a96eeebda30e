package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jensholdgaard/nft-auction-engine/internal/config"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "valid full config",
			yaml: `
database:
  host: "db.example.com"
  port: 5433
  user: "auctiond"
  password: "secret"
  dbname: "auctions"
  sslmode: "require"
  driver: "sqlx"
redis:
  enabled: true
  addr: "redis:6379"
server:
  port: 9090
auth:
  jwt_secret: "s3cret"
telemetry:
  service_name: "auction-engine"
  otlp_endpoint: "localhost:4318"
scheduler:
  spec: "@every 10s"
bidding:
  max_attempts: 5
  default_increment: "0.5"
`,
			wantErr: false,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Database.Port != 5433 {
					t.Errorf("got db port %d, want %d", cfg.Database.Port, 5433)
				}
				if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis:6379" {
					t.Errorf("got redis %+v, want enabled at redis:6379", cfg.Redis)
				}
				if cfg.Server.Port != 9090 {
					t.Errorf("got server port %d, want %d", cfg.Server.Port, 9090)
				}
				if cfg.Telemetry.ServiceName != "auction-engine" {
					t.Errorf("got service name %q, want %q", cfg.Telemetry.ServiceName, "auction-engine")
				}
				if cfg.Scheduler.Spec != "@every 10s" {
					t.Errorf("got scheduler spec %q, want %q", cfg.Scheduler.Spec, "@every 10s")
				}
				if cfg.Bidding.MaxAttempts != 5 {
					t.Errorf("got max attempts %d, want 5", cfg.Bidding.MaxAttempts)
				}
				if cfg.Bidding.DefaultIncrement.String() != "0.5" {
					t.Errorf("got default increment %s, want 0.5", cfg.Bidding.DefaultIncrement)
				}
			},
		},
		{
			name: "defaults applied",
			yaml: `
auth:
  jwt_secret: "tok"
`,
			wantErr: false,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Database.Host != "localhost" {
					t.Errorf("got db host %q, want %q", cfg.Database.Host, "localhost")
				}
				if cfg.Database.Driver != "sqlx" {
					t.Errorf("got driver %q, want %q", cfg.Database.Driver, "sqlx")
				}
				if cfg.Server.Port != 8080 {
					t.Errorf("got server port %d, want %d", cfg.Server.Port, 8080)
				}
				if cfg.Scheduler.Spec != "@every 30s" {
					t.Errorf("got scheduler spec %q, want %q", cfg.Scheduler.Spec, "@every 30s")
				}
				if cfg.Bidding.MaxAttempts != 3 {
					t.Errorf("got max attempts %d, want 3", cfg.Bidding.MaxAttempts)
				}
				if cfg.Cache.AuctionTTL != 5*time.Minute || cfg.Cache.ActiveTTL != time.Minute {
					t.Errorf("got cache ttls %v/%v, want 5m/1m", cfg.Cache.AuctionTTL, cfg.Cache.ActiveTTL)
				}
				if cfg.Redis.FactsStream != "ledger:facts" {
					t.Errorf("got facts stream %q, want %q", cfg.Redis.FactsStream, "ledger:facts")
				}
			},
		},
		{
			name:    "invalid yaml",
			yaml:    `{{{invalid`,
			wantErr: true,
		},
		{
			name: "memory driver accepted",
			yaml: `
auth:
  jwt_secret: "tok"
database:
  driver: "memory"
`,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Database.Driver != "memory" {
					t.Errorf("got driver %q, want %q", cfg.Database.Driver, "memory")
				}
			},
		},
		{
			name: "invalid driver rejected",
			yaml: `
auth:
  jwt_secret: "tok"
database:
  driver: "mongodb"
`,
			wantErr: true,
		},
		{
			name: "missing jwt secret rejected",
			yaml: `
server:
  port: 9000
`,
			wantErr: true,
		},
		{
			name: "zero attempts rejected",
			yaml: `
auth:
  jwt_secret: "tok"
bidding:
  max_attempts: 0
`,
			wantErr: true,
		},
		{
			name: "negative default increment rejected",
			yaml: `
auth:
  jwt_secret: "tok"
bidding:
  default_increment: "-1"
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}

			cfg, err := config.Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && cfg != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := config.Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "user",
		Password: "pass",
		DBName:   "testdb",
		SSLMode:  "disable",
	}
	want := "host=localhost port=5432 user=user password=pass dbname=testdb sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
