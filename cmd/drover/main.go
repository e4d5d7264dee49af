package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-drover/internal/agent"
	"github.com/basket/go-drover/internal/audit"
	"github.com/basket/go-drover/internal/bus"
	"github.com/basket/go-drover/internal/config"
	"github.com/basket/go-drover/internal/cron"
	"github.com/basket/go-drover/internal/gateway"
	"github.com/basket/go-drover/internal/graph"
	"github.com/basket/go-drover/internal/model"
	otelPkg "github.com/basket/go-drover/internal/otel"
	"github.com/basket/go-drover/internal/persistence"
	"github.com/basket/go-drover/internal/policy"
	"github.com/basket/go-drover/internal/queue"
	"github.com/basket/go-drover/internal/secrets"
	"github.com/basket/go-drover/internal/telemetry"
	"github.com/basket/go-drover/internal/tools"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the daemon (queue worker + gateway)

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DROVER_HOME             Data directory (default: ~/.drover)
  DROVER_AUTH_TOKEN       Gateway auth token (overrides auth.token file)
  GEMINI_API_KEY          Required for the Google provider

EXAMPLES:
  Start the daemon:       %s
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Initialize audit before the logger so logger failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected",
				"bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := writeMinimalConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with starter agents", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	// Create the event bus early so it can be passed to the store.
	eventBus := bus.New()

	// OpenTelemetry is a no-op when disabled.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	recorder, err := otelPkg.NewRecorder(otelProvider.Meter, eventBus)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	recorder.Start(ctx)

	dbPath := filepath.Join(cfg.HomeDir, "drover.db")
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	for _, dir := range []string{"uploads", "reports"} {
		if err := os.MkdirAll(filepath.Join(cfg.HomeDir, dir), 0o755); err != nil {
			fatalStartup(logger, "E_HOME_DIR_CREATE", err)
		}
	}

	policyPath := config.PolicyPath(cfg.HomeDir)
	if _, statErr := os.Stat(policyPath); os.IsNotExist(statErr) {
		if writeErr := os.WriteFile(policyPath, []byte(defaultPolicyYAML()), 0o644); writeErr != nil {
			fatalStartup(logger, "E_POLICY_BOOTSTRAP", writeErr)
		}
		logger.Info("policy.yaml bootstrapped with defaults", "path", policyPath)
	}
	polSettings, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	live := policy.NewLivePolicy(polSettings)
	logger.Info("startup phase", "phase", "policy_loaded",
		"mode", string(live.Mode()), "policy_version", live.PolicyVersion())

	resolver := secrets.NewResolver(cfg.Secrets)
	toolReg := tools.NewRegistry(store, resolver, eventBus, live, logger)

	agents := agent.NewRegistry(store, toolReg, cfg, logger)
	if err := agents.Sync(ctx); err != nil {
		fatalStartup(logger, "E_AGENT_SYNC", err)
	}
	logger.Info("startup phase", "phase", "agents_registered")

	runner := graph.NewRunner(graph.Config{
		Store:          store,
		Registry:       toolReg,
		Bus:            eventBus,
		Logger:         logger,
		RecursionLimit: cfg.Queue.RecursionLimit,
		FallbackBudget: cfg.Queue.DelegationFallbackBudget,
	})

	worker := queue.NewWorker(queue.Config{
		Store:    store,
		Runner:   runner,
		Live:     live,
		Bus:      eventBus,
		Logger:   logger,
		Settings: cfg,
		ClientFor: func(agentID string) (model.Client, string, error) {
			return agents.ClientFor(context.Background(), agentID)
		},
	})

	// Delegation runs one synchronous child turn on the target agent under
	// a fresh session. Depth limiting lives in the tool handler.
	toolReg.SetDelegate(func(ctx context.Context, targetAgentID, prompt string) (string, error) {
		client, system, err := agents.ClientFor(ctx, targetAgentID)
		if err != nil {
			return "", err
		}
		sessionID, err := store.CreateSession(ctx, targetAgentID, "delegation")
		if err != nil {
			return "", fmt.Errorf("create delegation session: %w", err)
		}
		_, _ = store.AppendMessage(ctx, sessionID, "user", prompt, "")
		resp, err := client.Generate(ctx, model.Request{
			System:   system,
			Messages: []model.ChatMessage{{Role: "user", Content: prompt}},
		})
		if err != nil {
			return "", err
		}
		_, _ = store.AppendMessage(ctx, sessionID, "assistant", resp.Text, "")
		return resp.Text, nil
	})

	// Policy hot-reload: reject invalid files and keep the previous policy.
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			switch filepath.Base(ev.Path) {
			case "policy.yaml":
				if err := policy.ReloadFromFile(live, ev.Path); err != nil {
					logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
					continue
				}
				newVer := live.PolicyVersion()
				eventBus.Notify(bus.TopicPolicyReloaded, "reloaded", newVer)
				logger.Info("policy.yaml hot-reloaded", "policy_version", newVer, "mode", string(live.Mode()))
			case "config.yaml", "PROMPT.md":
				logger.Info("config change detected; restart the daemon to apply", "path", ev.Path)
			}
		}
	}()

	if cfg.Gateway.AuthToken == "" {
		token, err := loadAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
		cfg.Gateway.AuthToken = token
	}

	gw := gateway.NewServer(gateway.Config{
		Store:    store,
		Bus:      eventBus,
		Live:     live,
		Queue:    worker,
		Settings: cfg,
		Logger:   logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  %s is already in use. Stop the running daemon or change bind_addr in config.yaml.", err, cfg.BindAddr)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Cron scheduler: fires due schedules by creating tasks, then kicks
	// the queue loop so they dispatch without waiting for the next sweep.
	cronSched := cron.NewScheduler(cron.Config{
		Store:  store,
		Logger: logger,
		OnFire: worker.Kick,
	})
	cronSched.Start(ctx)
	defer cronSched.Stop()

	// Reconcile persisted queue state before dispatch starts: stalled
	// running tasks back to queued, queued tasks back into the order.
	if err := worker.ResumeQueue(ctx); err != nil {
		fatalStartup(logger, "E_QUEUE_RESUME", err)
	}
	logger.Info("startup phase", "phase", "queue_resumed")

	worker.Start(ctx)
	logger.Info("startup phase", "phase", "worker_started")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Graceful shutdown: stop intake first, then let the deferred store
	// close flush the rest. The in-flight attempt observes ctx cancel
	// between graph steps and checkpoints before exiting.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken returns the gateway auth token, generating and persisting
// one on first run so the gateway is never accidentally open.
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("DROVER_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// writeMinimalConfig writes a config.yaml with starter agents to disk.
// Used when the daemon starts without an existing config.yaml.
func writeMinimalConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}

	cfg := config.Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		LLM: config.LLMConfig{
			Provider: "google",
			Model:    "gemini-2.5-flash",
		},
		Queue: config.QueueConfig{
			MaxAttempts:              3,
			RetryBackoffSec:          30,
			StallTimeoutMinutes:      30,
			SweepIntervalMinutes:     5,
			RuntimeLimitSeconds:      int((10 * time.Minute).Seconds()),
			RecursionLimit:           25,
			DelegationFallbackBudget: 2,
			RetentionTaskEventsDays:  90,
		},
		Agents: config.StarterAgents(),
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	configPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

// defaultPolicyYAML is the baseline policy for a new installation:
// balanced mode with destructive tools blocked by default.
func defaultPolicyYAML() string {
	return `# drover capability policy.
# mode: permissive | balanced | strict
#   permissive  every requested tool is enabled
#   balanced    destructive tools blocked unless explicitly allowed
#   strict      execution, delegation, platform, outbound and filesystem
#               categories blocked unless explicitly allowed
mode: balanced

# Unconditional deny, wins over every allow. Supports tool and sub-tool
# names ("tool" or "tool.subtool").
safety_blocklist: []

# Explicit allow, wins over blocklist, categories and mode defaults.
allowlist: []

blocklist: []
blocked_categories: []
`
}
