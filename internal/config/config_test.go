package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("REMIT_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Confirmation.MaxDuration != 90*time.Second || cfg.Confirmation.PollInterval != 3*time.Second {
		t.Fatalf("unexpected confirmation defaults %+v", cfg.Confirmation)
	}
	if cfg.Disbursement.MaxTriggered != 100 || cfg.Retry.MaxRetries != 3 {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Disbursement, cfg.Retry)
	}
	if cfg.Service.SessionTTL != 15*time.Minute {
		t.Fatalf("unexpected session ttl %s", cfg.Service.SessionTTL)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remit.yaml")
	body := `
service:
  httpPort: 8081
backend:
  baseUrl: https://api.example.test/v1
  timeout: 5s
confirmation:
  maxDuration: 60s
store:
  driver: sqlite
  path: /tmp/remit.db
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("API_HTTP_PORT", "9090")
	t.Setenv("CONFIRM_POLL_INTERVAL", "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 9090 {
		t.Fatalf("env must override file, got port %d", cfg.Service.HTTPPort)
	}
	if cfg.Backend.BaseURL != "https://api.example.test/v1" || cfg.Backend.Timeout != 5*time.Second {
		t.Fatalf("unexpected backend %+v", cfg.Backend)
	}
	if cfg.Confirmation.MaxDuration != 60*time.Second || cfg.Confirmation.PollInterval != 2*time.Second {
		t.Fatalf("unexpected confirmation %+v", cfg.Confirmation)
	}
	if cfg.Confirmation.MaxConsecutiveFailures != 5 {
		t.Fatalf("unset fields keep defaults, got %d", cfg.Confirmation.MaxConsecutiveFailures)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("unexpected store %+v", cfg.Store)
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Driver = "postgres"
	cfg.Disbursement.VerifyOnchain = true
	cfg.Service.SessionTTL = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"store.dsn", "chain.rpcUrl", "service.sessionTTL"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
