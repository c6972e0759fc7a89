package logging

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"development", &Config{Level: "debug", Env: "development"}, false},
		{"production", &Config{Level: "warn", Env: "production", AppID: "sync"}, false},
		{"file sink", &Config{Level: "info", FilePath: filepath.Join(t.TempDir(), "app.log")}, false},
		{"unknown level", &Config{Level: "verbose"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewLogger() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && logger == nil {
				t.Fatal("expected a logger")
			}
		})
	}
}

func TestExtractLoggerFromContext(t *testing.T) {
	if ExtractLoggerFromContext(context.Background()) == nil {
		t.Fatal("expected no-op logger for empty context")
	}

	base := zap.NewExample()
	ctx := SetLoggerInContext(context.Background(), base)
	if got := ExtractLoggerFromContext(ctx); got != base {
		t.Errorf("got %p, want %p", got, base)
	}
}
