package model

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// BackendConfig selects the provider, model, and credential.
type BackendConfig struct {
	Provider string
	Model    string
	APIKey   string
}

// Backend owns the Genkit instance for one provider/model pair. Tool
// definitions register against the instance; Generate always asks for
// tool requests back instead of letting Genkit run the tool loop, since
// the execution graph owns dispatch, checkpointing, and approval gates.
type Backend struct {
	g        *genkit.Genkit
	provider string
	model    string
	llmOn    bool
}

// NewBackend initializes Genkit with the configured provider. A missing
// API key degrades to a deterministic fallback rather than failing boot.
func NewBackend(ctx context.Context, cfg BackendConfig) *Backend {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
			slog.Info("model backend initialized", "provider", "anthropic", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; using deterministic fallback")
		}

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
			slog.Info("model backend initialized", "provider", "openai", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; using deterministic fallback")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			slog.Info("model backend initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; using deterministic fallback")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown model provider, using deterministic fallback", "provider", provider)
	}

	return &Backend{g: g, provider: provider, model: modelID, llmOn: llmOn}
}

// Genkit exposes the instance for tool registration.
func (b *Backend) Genkit() *genkit.Genkit {
	return b.g
}

// Enabled reports whether a real model backend is configured.
func (b *Backend) Enabled() bool {
	return b.llmOn
}

// Client returns a Client bound to the given tool refs. Tool schemas are
// sent with every request; the model's tool calls come back unexecuted.
func (b *Backend) Client(toolRefs []ai.ToolRef) Client {
	if !b.llmOn {
		return fallbackClient{}
	}
	return &genkitClient{backend: b, toolRefs: toolRefs}
}

type genkitClient struct {
	backend  *Backend
	toolRefs []ai.ToolRef
}

func (c *genkitClient) Generate(ctx context.Context, req Request) (Response, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(c.backend.provider, c.backend.model)),
	}
	if req.System != "" {
		// Escape % to survive fmt-style expansion inside WithSystem.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(req.System, "%", "%%")))
	}
	if msgs := toGenkitMessages(req.Messages); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if len(c.toolRefs) > 0 {
		opts = append(opts, ai.WithTools(c.toolRefs...))
		opts = append(opts, ai.WithReturnToolRequests(true))
	}

	resp, err := genkit.Generate(ctx, c.backend.g, opts...)
	if err != nil {
		return Response{}, fmt.Errorf("model generate: %w", err)
	}

	out := Response{Text: resp.Text()}
	for _, tr := range resp.ToolRequests() {
		call := ToolCall{Ref: tr.Ref, Name: tr.Name}
		if args, ok := tr.Input.(map[string]any); ok {
			call.Args = args
		} else if tr.Input != nil {
			call.Args = map[string]any{"input": tr.Input}
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

func toGenkitMessages(messages []ChatMessage) []*ai.Message {
	var msgs []*ai.Message
	for _, m := range messages {
		switch m.Role {
		case "user":
			msgs = append(msgs, &ai.Message{Role: ai.RoleUser, Content: []*ai.Part{ai.NewTextPart(m.Content)}})
		case "system":
			msgs = append(msgs, &ai.Message{Role: ai.RoleSystem, Content: []*ai.Part{ai.NewTextPart(m.Content)}})
		case "assistant":
			var parts []*ai.Part
			if m.Content != "" {
				parts = append(parts, ai.NewTextPart(m.Content))
			}
			for _, call := range m.ToolCalls {
				parts = append(parts, ai.NewToolRequestPart(&ai.ToolRequest{
					Ref:   call.Ref,
					Name:  call.Name,
					Input: call.Args,
				}))
			}
			if len(parts) == 0 {
				continue
			}
			msgs = append(msgs, &ai.Message{Role: ai.RoleModel, Content: parts})
		case "tool":
			if m.ToolResult == nil {
				continue
			}
			msgs = append(msgs, &ai.Message{Role: ai.RoleTool, Content: []*ai.Part{
				ai.NewToolResponsePart(&ai.ToolResponse{
					Ref:    m.ToolResult.Ref,
					Name:   m.ToolResult.Name,
					Output: m.ToolResult.Output,
				}),
			}})
		}
	}
	return msgs
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

func modelNameForProvider(provider, modelID string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + modelID
	case "openai":
		return "openai/" + modelID
	default:
		return "googleai/" + modelID
	}
}
