package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zhouzirui/z-tavern/webclient/internal/service/connection"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/transcript"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %s, want :8080", cfg.Server.Addr)
	}
	if cfg.Backend.SocketURL != "ws://localhost:8000/llm_chat" {
		t.Fatalf("socket url = %s", cfg.Backend.SocketURL)
	}
	if cfg.Store.Kind != StoreSQLite || cfg.Store.DBPath != "transcripts.db" {
		t.Fatalf("store = %+v", cfg.Store)
	}

	policy, ok := cfg.Reconnect.NewRetryPolicy().(connection.FixedDelay)
	if !ok {
		t.Fatalf("default policy should be FixedDelay")
	}
	if delay, retry := policy.NextDelay(1000); !retry || delay != 5*time.Second {
		t.Fatalf("NextDelay(1000) = %v, %v; want 5s, true", delay, retry)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webclient.toml")
	content := `
[backend]
base_url = "https://chat.example.com/api/"
auth_token = "from-file"

[store]
kind = "memory"

[reconnect]
strategy = "exponential"
delay = "2s"
max_delay = "30s"
max_attempts = 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("RECONNECT_DELAY", "3s")
	t.Setenv("CHAT_AUTH_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Backend.BaseURL != "https://chat.example.com/api" {
		t.Fatalf("base url = %s", cfg.Backend.BaseURL)
	}
	if cfg.Backend.SocketURL != "wss://chat.example.com/api/llm_chat" {
		t.Fatalf("socket url = %s", cfg.Backend.SocketURL)
	}
	if cfg.Backend.AuthToken != "from-env" {
		t.Fatalf("auth token = %s, want env to win", cfg.Backend.AuthToken)
	}
	if cfg.Store.Kind != StoreMemory {
		t.Fatalf("store kind = %s", cfg.Store.Kind)
	}
	if cfg.Reconnect.Strategy != StrategyExponential || cfg.Reconnect.Delay != 3*time.Second || cfg.Reconnect.MaxDelay != 30*time.Second || cfg.Reconnect.MaxAttempts != 4 {
		t.Fatalf("reconnect = %+v", cfg.Reconnect)
	}
	if _, ok := cfg.Reconnect.NewRetryPolicy().(*connection.ExponentialPolicy); !ok {
		t.Fatalf("expected exponential policy")
	}
}

func TestLoadPortForms(t *testing.T) {
	cases := map[string]string{
		"9090":         ":9090",
		":9091":        ":9091",
		"0.0.0.0:9092": "0.0.0.0:9092",
		"  9093  ":     ":9093",
	}
	for port, want := range cases {
		t.Run(port, func(t *testing.T) {
			t.Setenv("PORT", port)
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load err: %v", err)
			}
			if cfg.Server.Addr != want {
				t.Fatalf("addr = %s, want %s", cfg.Server.Addr, want)
			}
		})
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"PORT", "80 80"},
		{"CHAT_BACKEND_URL", "ftp://chat.example.com"},
		{"CHAT_SOCKET_URL", "http://chat.example.com/llm_chat"},
		{"TRANSCRIPT_STORE", "redis"},
		{"RECONNECT_STRATEGY", "random"},
		{"RECONNECT_MAX_ATTEMPTS", "-1"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(""); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Load err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestBackendOptions(t *testing.T) {
	cfg := Default()
	cfg.Backend.AuthToken = "secret"
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize err: %v", err)
	}

	dial := cfg.Backend.DialerOptions()
	if dial.SocketURL != "ws://localhost:8000/llm_chat" {
		t.Fatalf("socket url = %s", dial.SocketURL)
	}
	if got := dial.Header.Get("Cookie"); got != "auth_token=secret" {
		t.Fatalf("cookie header = %q", got)
	}
	if dial.HandshakeTimeout != 10*time.Second || dial.PingInterval <= 0 {
		t.Fatalf("dial timings = %+v", dial)
	}

	hist := cfg.Backend.HistoryOptions()
	if hist.BaseURL != "http://localhost:8000" || hist.Path != "/conversations" || hist.AuthToken != "secret" || hist.Timeout != 15*time.Second {
		t.Fatalf("history options = %+v", hist)
	}
}

func TestOpenStore(t *testing.T) {
	mem := StoreConfig{Kind: StoreMemory}
	store, closeStore, err := mem.OpenStore()
	if err != nil {
		t.Fatalf("OpenStore(memory) err: %v", err)
	}
	if _, ok := store.(*transcript.MemoryStore); !ok {
		t.Fatalf("store = %T, want *transcript.MemoryStore", store)
	}
	_ = closeStore()

	disk := StoreConfig{Kind: StoreSQLite, DBPath: filepath.Join(t.TempDir(), "t.db")}
	store, closeStore, err = disk.OpenStore()
	if err != nil {
		t.Fatalf("OpenStore(sqlite) err: %v", err)
	}
	if store == nil {
		t.Fatalf("sqlite store is nil")
	}
	if err := closeStore(); err != nil {
		t.Fatalf("close err: %v", err)
	}
}
