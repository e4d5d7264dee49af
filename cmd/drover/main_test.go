package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-drover/internal/config"
)

func TestWriteMinimalConfig(t *testing.T) {
	home := t.TempDir()
	if err := writeMinimalConfig(home); err != nil {
		t.Fatalf("writeMinimalConfig: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	out := string(data)
	for _, want := range []string{"bind_addr", "default", "coder", "researcher"} {
		if !strings.Contains(out, want) {
			t.Errorf("config.yaml missing %q:\n%s", want, out)
		}
	}

	t.Setenv("DROVER_HOME", home)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("reload written config: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Error("NeedsGenesis still set after writeMinimalConfig")
	}
	if len(cfg.Agents) != 3 {
		t.Errorf("got %d starter agents, want 3", len(cfg.Agents))
	}
}

func TestLoadAuthToken(t *testing.T) {
	t.Run("env override wins", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("DROVER_AUTH_TOKEN", "from-env")
		tok, err := loadAuthToken(home)
		if err != nil {
			t.Fatalf("loadAuthToken: %v", err)
		}
		if tok != "from-env" {
			t.Errorf("got %q, want env token", tok)
		}
	})

	t.Run("generates and persists on first run", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("DROVER_AUTH_TOKEN", "")
		tok, err := loadAuthToken(home)
		if err != nil {
			t.Fatalf("loadAuthToken: %v", err)
		}
		if tok == "" {
			t.Fatal("empty generated token")
		}

		again, err := loadAuthToken(home)
		if err != nil {
			t.Fatalf("second loadAuthToken: %v", err)
		}
		if again != tok {
			t.Errorf("token not stable across runs: %q vs %q", tok, again)
		}
	})
}

func TestDefaultPolicyYAML(t *testing.T) {
	out := defaultPolicyYAML()
	if !strings.Contains(out, "mode: balanced") {
		t.Errorf("default policy should be balanced mode:\n%s", out)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nDROVER_TEST_DOTENV=hello\n\nBROKEN LINE\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DROVER_TEST_DOTENV", "")
	os.Unsetenv("DROVER_TEST_DOTENV")

	loadDotEnv(path)
	if got := os.Getenv("DROVER_TEST_DOTENV"); got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}
