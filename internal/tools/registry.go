package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-drover/internal/audit"
	"github.com/basket/go-drover/internal/bus"
	"github.com/basket/go-drover/internal/model"
	"github.com/basket/go-drover/internal/persistence"
	"github.com/basket/go-drover/internal/policy"
	"github.com/basket/go-drover/internal/secrets"
	"github.com/basket/go-drover/internal/shared"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DelegateFunc runs one synchronous request/response turn on another
// agent and returns its output. Set by the queue wiring; the tools layer
// never recurses into the graph itself.
type DelegateFunc func(ctx context.Context, targetAgentID, prompt string) (string, error)

type handlerFunc func(ctx context.Context, r *Registry, args map[string]any) (any, error)

type toolEntry struct {
	description string
	schema      *jsonschema.Schema
	handler     handlerFunc
}

// Registry binds the fixed tool set to its collaborators and validates
// every dispatched call against its argument schema.
type Registry struct {
	Store    *persistence.Store
	Secrets  *secrets.Resolver
	Bus      *bus.Bus
	Live     *policy.LivePolicy
	Logger   *slog.Logger
	delegate DelegateFunc

	entries map[string]toolEntry
	refs    []ai.ToolRef
}

func NewRegistry(store *persistence.Store, resolver *secrets.Resolver, b *bus.Bus, live *policy.LivePolicy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		Store:   store,
		Secrets: resolver,
		Bus:     b,
		Live:    live,
		Logger:  logger,
		entries: make(map[string]toolEntry),
	}
	r.defineAll()
	return r
}

// SetDelegate installs the delegation callback.
func (r *Registry) SetDelegate(fn DelegateFunc) {
	r.delegate = fn
}

// Refs returns the Genkit tool references bound during Register.
func (r *Registry) Refs() []ai.ToolRef {
	return r.refs
}

// CatalogMap returns the tool catalog keyed by name, the shape the
// policy resolver wants.
func CatalogMap() map[string]policy.ToolSpec {
	m := make(map[string]policy.ToolSpec)
	for _, s := range Catalog() {
		m[s.Name] = s
	}
	return m
}

func mustCompileSchema(name, schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("tool %s: unmarshal schema: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", doc); err != nil {
		panic(fmt.Sprintf("tool %s: add schema resource: %v", name, err))
	}
	schema, err := c.Compile(name + ".json")
	if err != nil {
		panic(fmt.Sprintf("tool %s: compile schema: %v", name, err))
	}
	return schema
}

func (r *Registry) define(name, description, schemaJSON string, handler handlerFunc) {
	r.entries[name] = toolEntry{
		description: description,
		schema:      mustCompileSchema(name, schemaJSON),
		handler:     handler,
	}
}

// Register defines every tool against the Genkit instance so the model
// sees their schemas. The handlers route through Dispatch, which keeps
// the policy gate in the path even if Genkit ever runs a tool directly.
func (r *Registry) Register(g *genkit.Genkit) {
	type rawIn = map[string]any
	r.refs = nil
	for _, name := range Names() {
		entry := r.entries[name]
		toolName := name
		ref := genkit.DefineTool(g, toolName, entry.description,
			func(ctx *ai.ToolContext, input rawIn) (any, error) {
				decision := r.Live.Resolve([]string{toolName}, CatalogMap())
				return r.Dispatch(ctx, decision, model.ToolCall{Name: toolName, Args: input})
			},
		)
		r.refs = append(r.refs, ref)
	}
}

// Dispatch runs one tool call: policy gate, concrete re-check against
// the live settings, schema validation, then the handler. Every outcome
// lands in the audit trail.
func (r *Registry) Dispatch(ctx context.Context, decision policy.Decision, call model.ToolCall) (any, error) {
	entry, ok := r.entries[call.Name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}

	pv := r.Live.PolicyVersion()
	if !decision.Enabled(call.Name) {
		audit.Record("deny", call.Name, "not_enabled_for_session", pv, shared.TaskID(ctx))
		return nil, fmt.Errorf("policy blocked tool %q for this session", call.Name)
	}
	// Re-check against current settings; the policy file may have been
	// reloaded since the session decision was computed.
	if blocked, isBlocked := r.Live.ResolveConcrete(decision, call.Name, call.Name); isBlocked {
		audit.Record("deny", call.Name, blocked.Reason, pv, shared.TaskID(ctx))
		return nil, fmt.Errorf("policy blocked tool %q: %s", call.Name, blocked.Reason)
	}

	if err := r.validateArgs(entry, call); err != nil {
		audit.Record("deny", call.Name, "invalid_arguments", pv, shared.TaskID(ctx))
		return nil, err
	}

	out, err := entry.handler(ctx, r, call.Args)
	if err != nil {
		audit.Record("allow", call.Name, "handler_error", pv, shared.TaskID(ctx))
		return nil, err
	}
	audit.Record("allow", call.Name, "dispatched", pv, shared.TaskID(ctx))
	r.Bus.NotifyWithPayload(bus.TopicRunStep, "tool", shared.RunID(ctx), bus.RunStepEvent{
		RunID:  shared.RunID(ctx),
		TaskID: shared.TaskID(ctx),
		Node:   "tools",
	})
	return out, nil
}

func (r *Registry) validateArgs(entry toolEntry, call model.ToolCall) error {
	raw, err := json.Marshal(call.Args)
	if err != nil {
		return fmt.Errorf("tool %s: marshal args: %w", call.Name, err)
	}
	// Round-trip through the schema library's decoder for json.Number
	// handling, the representation the validator expects.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("tool %s: parse args: %w", call.Name, err)
	}
	if err := entry.schema.Validate(parsed); err != nil {
		return fmt.Errorf("tool %s: invalid arguments: %w", call.Name, err)
	}
	return nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}
