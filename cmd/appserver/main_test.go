package main

import (
	"testing"

	"github.com/nooterra/settld/internal/config"
)

func TestDetermineAddrPrecedence(t *testing.T) {
	cfg := config.New()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9090

	if got, want := determineAddr(":7000", cfg), ":7000"; got != want {
		t.Fatalf("determineAddr() = %q, want %q", got, want)
	}
	if got, want := determineAddr("", cfg), "127.0.0.1:9090"; got != want {
		t.Fatalf("determineAddr() = %q, want %q", got, want)
	}

	cfg.Server.Port = 0
	if got, want := determineAddr("", cfg), ":8080"; got != want {
		t.Fatalf("determineAddr() with no port = %q, want %q", got, want)
	}
}

func TestResolveAPITokensMergesFlagAndEnv(t *testing.T) {
	t.Setenv("API_TOKENS", "tok-env-1,tok-env-2")
	t.Setenv("API_TOKEN", "tok-env-single")

	got := resolveAPITokens("tok-flag")
	want := []string{"tok-flag", "tok-env-1", "tok-env-2", "tok-env-single"}
	if len(got) != len(want) {
		t.Fatalf("resolveAPITokens() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("resolveAPITokens()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLocalShardsHonoursOverride(t *testing.T) {
	cfg := config.New()
	cfg.Worker.ShardCount = 4

	if got := localShards(cfg, 2); len(got) != 2 {
		t.Fatalf("localShards() len = %d, want 2", len(got))
	}
	if got := localShards(cfg, 0); len(got) != 4 {
		t.Fatalf("localShards() len = %d, want 4", len(got))
	}
}

