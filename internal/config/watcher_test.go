package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-drover/internal/config"
)

func TestWatcher_DetectsPolicyFileChange(t *testing.T) {
	homeDir := t.TempDir()

	policyPath := filepath.Join(homeDir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte("mode: balanced\n"), 0o644); err != nil {
		t.Fatalf("write initial policy: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write at short intervals until the watcher produces an
	// event; filesystem notification readiness varies by platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(policyPath, []byte("mode: strict\n"), 0o644); err != nil {
		t.Fatalf("write updated policy: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "policy.yaml" {
				t.Fatalf("expected policy.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(policyPath, []byte("mode: strict\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for policy.yaml change event")
		}
	}
}
