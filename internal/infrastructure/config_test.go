package infra

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig([]string{
		"--app_id", "progress",
		"--security.jwt_secret", "secret",
		"--security.token_name", "token",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("sync.interval = %s", cfg.Sync.Interval)
	}
	if cfg.Sync.MaxAttempts != 10 || cfg.Sync.ConflictRetries != 3 {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Local.Backend != "sqlite" {
		t.Errorf("unexpected backends %s/%s", cfg.Database.Driver, cfg.Local.Backend)
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("GOAPP_APP_ID", "from-env")
	t.Setenv("GOAPP_SECURITY_JWT_SECRET", "secret")
	t.Setenv("GOAPP_SECURITY_TOKEN_NAME", "token")
	t.Setenv("GOAPP_SYNC_INTERVAL", "1m")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AppID != "from-env" {
		t.Errorf("app_id = %s", cfg.AppID)
	}
	if cfg.Sync.Interval != time.Minute {
		t.Errorf("sync.interval = %s", cfg.Sync.Interval)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := LoadConfig([]string{
		"--database.driver", "oracle",
		"--local.backend", "redis",
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"app_id is required",
		"database.driver must be one of",
		"security.jwt_secret is required",
		"kv.enabled must be set",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
