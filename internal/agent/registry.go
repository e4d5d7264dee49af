// Package agent registers the configured agents and hands the queue
// worker a model client for whichever agent a task names. Agent rows in
// the store are the source of truth at dispatch time; config is synced
// into them at boot so operators can edit either side.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/basket/go-drover/internal/config"
	"github.com/basket/go-drover/internal/model"
	"github.com/basket/go-drover/internal/persistence"
	"github.com/basket/go-drover/internal/tools"
)

// DefaultAgentID is registered when the config names no agents, so a
// fresh install can run tasks immediately.
const DefaultAgentID = "default"

// Registry resolves agent IDs to model clients and system prompts.
type Registry struct {
	store  *persistence.Store
	tools  *tools.Registry
	cfg    config.Config
	logger *slog.Logger

	mu       sync.Mutex
	backends map[string]*model.Backend // keyed by provider|model
}

func NewRegistry(store *persistence.Store, reg *tools.Registry, cfg config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		tools:    reg,
		cfg:      cfg,
		logger:   logger,
		backends: make(map[string]*model.Backend),
	}
}

// Sync upserts every configured agent into the store. Persona files are
// read relative to the drover home directory. When the config names no
// agents a default one is created against the global LLM selection.
func (r *Registry) Sync(ctx context.Context) error {
	entries := r.cfg.Agents
	if len(entries) == 0 {
		entries = []config.AgentConfigEntry{{
			AgentID:     DefaultAgentID,
			DisplayName: "Drover",
			Provider:    r.cfg.LLM.Provider,
			Model:       r.cfg.LLM.Model,
		}}
	}
	for _, entry := range entries {
		if strings.TrimSpace(entry.AgentID) == "" {
			return errors.New("agent config entry with empty agent_id")
		}
		persona := entry.Persona
		if entry.PersonaFile != "" {
			path := entry.PersonaFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(r.cfg.HomeDir, path)
			}
			b, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read persona file for agent %q: %w", entry.AgentID, err)
			}
			persona = string(b)
		}
		rec := persistence.AgentRecord{
			AgentID:      entry.AgentID,
			DisplayName:  entry.DisplayName,
			Provider:     entry.Provider,
			Model:        entry.Model,
			Persona:      persona,
			Instructions: entry.Instructions,
			Skills:       strings.Join(entry.Skills, ","),
			APIKeyEnv:    entry.APIKeyEnv,
			Status:       "active",
		}
		if err := r.store.UpsertAgent(ctx, rec); err != nil {
			return fmt.Errorf("register agent %q: %w", entry.AgentID, err)
		}
		r.logger.Info("agent registered", "agent_id", entry.AgentID, "provider", entry.Provider, "model", entry.Model)
	}
	return nil
}

// ClientFor returns a model client and the composed system prompt for
// the agent. The prompt layers the global prompt, the agent's persona,
// its standing instructions, and its skill list.
func (r *Registry) ClientFor(ctx context.Context, agentID string) (model.Client, string, error) {
	rec, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, "", fmt.Errorf("load agent %q: %w", agentID, err)
	}
	if rec == nil {
		return nil, "", fmt.Errorf("agent %q is not registered", agentID)
	}

	backend := r.backendFor(ctx, rec)
	client := backend.Client(r.tools.Refs())
	return client, r.systemPrompt(rec), nil
}

func (r *Registry) systemPrompt(rec *persistence.AgentRecord) string {
	var parts []string
	if p := strings.TrimSpace(r.cfg.GlobalPrompt); p != "" {
		parts = append(parts, p)
	}
	if p := strings.TrimSpace(rec.Persona); p != "" {
		parts = append(parts, p)
	}
	if p := strings.TrimSpace(rec.Instructions); p != "" {
		parts = append(parts, p)
	}
	if p := skillPrompt(rec.Skills); p != "" {
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		parts = append(parts, "You are a task execution agent. Work the task to completion and call mark-complete with a substantive summary.")
	}
	return strings.Join(parts, "\n\n")
}

// skillPrompt renders the agent's comma-joined skill list as a prompt
// layer. An empty list contributes nothing.
func skillPrompt(skills string) string {
	var names []string
	for _, s := range strings.Split(skills, ",") {
		if s = strings.TrimSpace(s); s != "" {
			names = append(names, s)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return "You are skilled at: " + strings.Join(names, ", ") + ". Lean on these skills when the task calls for them."
}

// backendFor returns a cached backend for the agent's provider and
// model, creating it on first use. The API key resolution order is the
// agent's api_key_env, then the provider key from config.
func (r *Registry) backendFor(ctx context.Context, rec *persistence.AgentRecord) *model.Backend {
	provider := rec.Provider
	if provider == "" {
		provider = r.cfg.LLM.Provider
	}
	modelID := rec.Model
	if modelID == "" {
		modelID = r.cfg.LLM.Model
	}

	key := provider + "|" + modelID
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[key]; ok {
		return b
	}

	apiKey := ""
	if rec.APIKeyEnv != "" {
		apiKey = os.Getenv(rec.APIKeyEnv)
	}
	if apiKey == "" {
		apiKey = r.cfg.ProviderAPIKey(provider)
	}

	b := model.NewBackend(ctx, model.BackendConfig{
		Provider: provider,
		Model:    modelID,
		APIKey:   apiKey,
	})
	// Tool definitions bind per Genkit instance, so each new backend
	// gets the catalog registered before any client is handed out.
	r.tools.Register(b.Genkit())
	r.backends[key] = b
	return b
}
