package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-drover/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		HomeDir:  t.TempDir(),
		BindAddr: "127.0.0.1:0",
		LLM:      config.LLMConfig{Provider: "google", Model: "gemini-2.5-flash"},
	}
}

func TestRunCollectsAllChecks(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	d := Run(ctx, cfg, "test")
	if len(d.Results) != 7 {
		t.Fatalf("results = %d, want 7", len(d.Results))
	}
	if d.System.OS == "" || d.System.Go == "" {
		t.Fatalf("system info incomplete: %+v", d.System)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	result := checkDatabase(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("database check = %+v", result)
	}
}

func TestCheckPermissions(t *testing.T) {
	result := checkPermissions(context.Background(), testConfig(t))
	if result.Status != "PASS" {
		t.Fatalf("permissions check = %+v", result)
	}
}

func TestCheckPolicy(t *testing.T) {
	cfg := testConfig(t)

	t.Run("missing file warns", func(t *testing.T) {
		result := checkPolicy(context.Background(), cfg)
		if result.Status != "WARN" {
			t.Fatalf("status = %s, want WARN", result.Status)
		}
	})

	t.Run("valid file passes", func(t *testing.T) {
		path := config.PolicyPath(cfg.HomeDir)
		if err := os.WriteFile(path, []byte("mode: strict\n"), 0o644); err != nil {
			t.Fatalf("write policy: %v", err)
		}
		result := checkPolicy(context.Background(), cfg)
		if result.Status != "PASS" {
			t.Fatalf("result = %+v", result)
		}
		if result.Message != "Mode strict" {
			t.Fatalf("message = %q", result.Message)
		}
	})

	t.Run("broken file fails", func(t *testing.T) {
		path := config.PolicyPath(cfg.HomeDir)
		if err := os.WriteFile(path, []byte("mode: [broken"), 0o644); err != nil {
			t.Fatalf("write policy: %v", err)
		}
		result := checkPolicy(context.Background(), cfg)
		if result.Status != "FAIL" {
			t.Fatalf("status = %s, want FAIL", result.Status)
		}
	})
}

func TestCheckBindAddr(t *testing.T) {
	result := checkBindAddr(context.Background(), testConfig(t))
	if result.Status != "PASS" {
		t.Fatalf("bind addr check = %+v", result)
	}
}

func TestCheckAPIKeyWarnsWithoutCredential(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	result := checkAPIKey(context.Background(), testConfig(t))
	if result.Status != "WARN" {
		t.Fatalf("status = %s, want WARN", result.Status)
	}
}

func TestHealthy(t *testing.T) {
	d := Diagnosis{Results: []CheckResult{{Status: "PASS"}, {Status: "WARN"}}}
	if !d.Healthy() {
		t.Fatal("warnings should still be healthy")
	}
	d.Results = append(d.Results, CheckResult{Status: "FAIL"})
	if d.Healthy() {
		t.Fatal("a failure should mark the diagnosis unhealthy")
	}
}

func TestCheckNetworkNilConfig(t *testing.T) {
	result := checkNetwork(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckNetworkCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := checkNetwork(ctx, testConfig(t))
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for canceled context, got %s", result.Status)
	}
}

func TestRunReportsHomeDir(t *testing.T) {
	cfg := testConfig(t)
	result := checkConfig(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("config check = %+v", result)
	}
	if want := filepath.Base(cfg.HomeDir); want == "" {
		t.Fatal("empty home dir")
	}
}
