// Package smoke boots the whole daemon stack, unmocked, and drives it
// through the gateway the way an operator would. No API key is set, so
// model turns come from the deterministic fallback.
package smoke

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-drover/internal/agent"
	"github.com/basket/go-drover/internal/bus"
	"github.com/basket/go-drover/internal/config"
	"github.com/basket/go-drover/internal/gateway"
	"github.com/basket/go-drover/internal/graph"
	"github.com/basket/go-drover/internal/model"
	"github.com/basket/go-drover/internal/persistence"
	"github.com/basket/go-drover/internal/policy"
	"github.com/basket/go-drover/internal/queue"
	"github.com/basket/go-drover/internal/secrets"
	"github.com/basket/go-drover/internal/tools"
)

type stack struct {
	cfg    config.Config
	bus    *bus.Bus
	store  *persistence.Store
	worker *queue.Worker
	http   *httptest.Server
}

func bootStack(t *testing.T) *stack {
	t.Helper()
	home := t.TempDir()
	t.Setenv("DROVER_HOME", home)
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}

	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "drover.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	live := policy.NewLivePolicy(policy.Default())
	toolReg := tools.NewRegistry(store, secrets.NewResolver(cfg.Secrets), eventBus, live, nil)

	agents := agent.NewRegistry(store, toolReg, cfg, nil)
	if err := agents.Sync(context.Background()); err != nil {
		t.Fatalf("agent sync: %v", err)
	}

	runner := graph.NewRunner(graph.Config{
		Store:          store,
		Registry:       toolReg,
		Bus:            eventBus,
		RecursionLimit: cfg.Queue.RecursionLimit,
		FallbackBudget: cfg.Queue.DelegationFallbackBudget,
	})

	worker := queue.NewWorker(queue.Config{
		Store:    store,
		Runner:   runner,
		Live:     live,
		Bus:      eventBus,
		Settings: cfg,
		ClientFor: func(agentID string) (model.Client, string, error) {
			return agents.ClientFor(context.Background(), agentID)
		},
	})

	gw := gateway.NewServer(gateway.Config{
		Store:    store,
		Bus:      eventBus,
		Live:     live,
		Queue:    worker,
		Settings: cfg,
	})
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	return &stack{cfg: cfg, bus: eventBus, store: store, worker: worker, http: srv}
}

func TestDaemonBootOffline(t *testing.T) {
	s := bootStack(t)

	resp, err := http.Get(s.http.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health["policy_mode"] != "balanced" {
		t.Errorf("policy_mode = %v, want balanced", health["policy_mode"])
	}
}

func TestTaskThroughGatewayCompletesOffline(t *testing.T) {
	s := bootStack(t)

	sub := s.bus.Subscribe(bus.TopicTaskCompleted)
	defer s.bus.Unsubscribe(sub)

	body, _ := json.Marshal(map[string]any{
		"title":    "Summarize current system status",
		"agent_id": "default",
	})
	resp, err := http.Post(s.http.URL+"/api/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d", resp.StatusCode)
	}
	var created persistence.Task
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}
	if created.Status != persistence.TaskStatusQueued {
		t.Fatalf("created task status %q, want queued", created.Status)
	}

	processed, err := s.worker.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("process next: %v", err)
	}
	if !processed {
		t.Fatal("queue had nothing to process")
	}

	got, err := s.store.GetTask(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusCompleted {
		t.Fatalf("task status %q, want completed (result %q, error %q)", got.Status, got.Result, got.Error)
	}
	if got.Result == "" {
		t.Error("completed task has empty result")
	}

	select {
	case ev := <-sub.Ch():
		if ev.ID != created.ID {
			t.Errorf("completion event for %q, want %q", ev.ID, created.ID)
		}
	case <-time.After(2 * time.Second):
		t.Error("no completion event on the bus")
	}
}
