package bootstrap

import (
	"io"
	"log/slog"
	"testing"

	"github.com/storefront/voice-addon-service/internal/app"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: " WARN ", want: slog.LevelWarn},
		{input: "warning", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "", want: slog.LevelInfo},
		{input: "verbose", want: slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Fatalf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestConnectRedis_DisabledWithoutURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if client := ConnectRedis("", logger); client != nil {
		t.Fatal("expected no client without REDIS_URL")
	}
	if client := ConnectRedis("not a url", logger); client != nil {
		t.Fatal("expected no client for an unparsable REDIS_URL")
	}
}

func TestSweepLock_FallsBackToNoop(t *testing.T) {
	if _, ok := SweepLock(nil, "key").(app.NoopSweepLock); !ok {
		t.Fatal("expected a no-op lock without redis")
	}
}
