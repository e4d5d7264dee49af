package tools

import (
	"context"
	"fmt"

	"github.com/basket/go-drover/internal/persistence"
	"github.com/basket/go-drover/internal/shared"
)

// MemoryHit is one search-memory result row.
type MemoryHit struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// maxDelegationDepth keeps delegation a one-level synchronous fan-out. A
// delegated execution runs at depth 1 and may not delegate again.
const maxDelegationDepth = 1

func (r *Registry) defineAll() {
	r.define(ToolDelegateToAgent,
		"Delegate a sub-request to another agent and wait for its answer. One level only; the delegate cannot delegate further.",
		`{
			"type": "object",
			"properties": {
				"agent_id": {"type": "string", "minLength": 1},
				"prompt": {"type": "string", "minLength": 1}
			},
			"required": ["agent_id", "prompt"],
			"additionalProperties": false
		}`,
		handleDelegate)

	r.define(ToolStoreMemory,
		"Store a durable key/value memory for this agent.",
		`{
			"type": "object",
			"properties": {
				"key": {"type": "string", "minLength": 1},
				"value": {"type": "string", "minLength": 1}
			},
			"required": ["key", "value"],
			"additionalProperties": false
		}`,
		handleStoreMemory)

	r.define(ToolSearchMemory,
		"Search this agent's stored memories by substring.",
		`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1}
			},
			"required": ["query"],
			"additionalProperties": false
		}`,
		handleSearchMemory)

	r.define(ToolGetSecret,
		"Resolve a credential for a named service. Use the value directly; never echo it back in task results.",
		`{
			"type": "object",
			"properties": {
				"service": {"type": "string", "minLength": 1},
				"scope": {"type": "string"}
			},
			"required": ["service"],
			"additionalProperties": false
		}`,
		handleGetSecret)

	r.define(ToolCommentOnTask,
		"Append a progress comment to the current task.",
		`{
			"type": "object",
			"properties": {
				"comment": {"type": "string", "minLength": 1},
				"task_id": {"type": "string"}
			},
			"required": ["comment"],
			"additionalProperties": false
		}`,
		handleCommentOnTask)

	r.define(ToolCreateTask,
		"Create a new queued task for follow-up work.",
		`{
			"type": "object",
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"description": {"type": "string"},
				"agent_id": {"type": "string"}
			},
			"required": ["title"],
			"additionalProperties": false
		}`,
		handleCreateTask)

	r.define(ToolMarkComplete,
		"Mark the current task complete with a final summary of what was done, including evidence.",
		`{
			"type": "object",
			"properties": {
				"summary": {"type": "string", "minLength": 1}
			},
			"required": ["summary"],
			"additionalProperties": false
		}`,
		handleMarkComplete)
}

func handleDelegate(ctx context.Context, r *Registry, args map[string]any) (any, error) {
	if r.delegate == nil {
		return nil, fmt.Errorf("delegation is not wired")
	}
	if shared.DelegationDepth(ctx) >= maxDelegationDepth {
		return nil, fmt.Errorf("delegation depth limit reached; a delegated agent cannot delegate further")
	}

	target := stringArg(args, "agent_id")
	caller := shared.AgentID(ctx)
	if caller != "" && caller == target {
		return nil, fmt.Errorf("cannot delegate to yourself (%q)", caller)
	}
	if _, err := r.Store.GetAgent(ctx, target); err != nil {
		return nil, fmt.Errorf("target agent %q not found", target)
	}

	out, err := r.delegate(shared.WithDelegationDepth(ctx, shared.DelegationDepth(ctx)+1), target, stringArg(args, "prompt"))
	if err != nil {
		return nil, fmt.Errorf("delegation to %q failed: %w", target, err)
	}
	return map[string]any{"agent_id": target, "response": out}, nil
}

func handleStoreMemory(ctx context.Context, r *Registry, args map[string]any) (any, error) {
	agentID := shared.AgentID(ctx)
	if agentID == "" {
		agentID = shared.DefaultAgentID
	}
	key := stringArg(args, "key")
	if err := r.Store.SetMemory(ctx, agentID, key, stringArg(args, "value"), "agent"); err != nil {
		return nil, fmt.Errorf("store memory: %w", err)
	}
	return map[string]any{"stored": true, "key": key}, nil
}

func handleSearchMemory(ctx context.Context, r *Registry, args map[string]any) (any, error) {
	agentID := shared.AgentID(ctx)
	if agentID == "" {
		agentID = shared.DefaultAgentID
	}
	memories, err := r.Store.SearchMemories(ctx, agentID, stringArg(args, "query"))
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	hits := make([]MemoryHit, 0, len(memories))
	for _, m := range memories {
		hits = append(hits, MemoryHit{Key: m.Key, Value: m.Value})
	}
	return map[string]any{"hits": hits}, nil
}

func handleGetSecret(ctx context.Context, r *Registry, args map[string]any) (any, error) {
	service := stringArg(args, "service")
	value, found := r.Secrets.Resolve(service, stringArg(args, "scope"))
	if !found {
		return map[string]any{"found": false}, nil
	}
	return map[string]any{"found": true, "value": value}, nil
}

func handleCommentOnTask(ctx context.Context, r *Registry, args map[string]any) (any, error) {
	taskID := stringArg(args, "task_id")
	if taskID == "" {
		taskID = shared.TaskID(ctx)
	}
	if taskID == "" {
		return nil, fmt.Errorf("no task in scope for comment")
	}
	author := shared.AgentID(ctx)
	if author == "" {
		author = shared.DefaultAgentID
	}
	id, err := r.Store.AppendTaskComment(ctx, taskID, author, stringArg(args, "comment"))
	if err != nil {
		return nil, fmt.Errorf("append comment: %w", err)
	}
	return map[string]any{"comment_id": id, "task_id": taskID}, nil
}

func handleCreateTask(ctx context.Context, r *Registry, args map[string]any) (any, error) {
	agentID := stringArg(args, "agent_id")
	if agentID == "" {
		agentID = shared.AgentID(ctx)
	}
	id, err := r.Store.CreateTask(ctx, persistence.CreateTaskParams{
		Title:       stringArg(args, "title"),
		Description: stringArg(args, "description"),
		AgentID:     agentID,
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return map[string]any{"task_id": id}, nil
}

// handleMarkComplete only acknowledges; the graph inspects this call by
// name and treats its summary as the final result.
func handleMarkComplete(_ context.Context, _ *Registry, args map[string]any) (any, error) {
	return map[string]any{"acknowledged": true, "summary": stringArg(args, "summary")}, nil
}
