// Package doctor runs startup diagnostics: config, credentials, database
// health, home directory permissions, policy file, and provider network
// reachability. The daemon never depends on it; it backs the `drover
// doctor` subcommand.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-drover/internal/config"
	"github.com/basket/go-drover/internal/persistence"
	"github.com/basket/go-drover/internal/policy"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed outright.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkPolicy,
		checkBindAddr,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml yet; defaults are active"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}

	provider := strings.ToLower(cfg.LLM.Provider)
	if provider == "" {
		provider = "google"
	}
	if cfg.ProviderAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Credential present for %s", provider)}
	}

	envVars := map[string]string{
		"google":    "GEMINI_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}
	envVar := envVars[provider]
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("No credential for provider %q; agents answer with the deterministic fallback", provider),
		Detail:  fmt.Sprintf("Set %s or providers.%s.api_key in config.yaml", envVar, provider),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "drover.db"), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	queued, running, err := store.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("queued=%d running=%d", queued, running),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: "SKIP", Message: "Config missing"}
	}
	path := config.PolicyPath(cfg.HomeDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Policy", Status: "WARN", Message: "No policy.yaml; balanced mode defaults apply"}
	}
	settings, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: "FAIL", Message: fmt.Sprintf("policy.yaml invalid: %v", err)}
	}
	return CheckResult{
		Name:    "Policy",
		Status:  "PASS",
		Message: fmt.Sprintf("Mode %s", settings.EffectiveMode()),
	}
}

// checkBindAddr verifies the gateway address is bindable by briefly
// listening on it. A live daemon holding the port is reported as a
// warning, not a failure.
func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  "WARN",
			Message: fmt.Sprintf("%s busy (daemon already running?)", cfg.BindAddr),
			Detail:  err.Error(),
		}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider := strings.ToLower(cfg.LLM.Provider)
	endpoints := map[string]string{
		"google":    "generativelanguage.googleapis.com",
		"anthropic": "api.anthropic.com",
		"openai":    "api.openai.com",
	}
	host, ok := endpoints[provider]
	if !ok {
		host = "generativelanguage.googleapis.com"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", provider),
	}
}
