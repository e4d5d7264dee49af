// Package graph drives one task attempt through a three-node execution
// graph: agent (model turn), tools (dispatch requested calls), router
// (inspect results, steer or finish). After every step the full state is
// checkpointed, so an attempt can be interrupted before tool execution,
// resumed later, or recovered after a crash from the last committed step.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-drover/internal/bus"
	"github.com/basket/go-drover/internal/model"
	"github.com/basket/go-drover/internal/persistence"
	"github.com/basket/go-drover/internal/policy"
	"github.com/basket/go-drover/internal/shared"
	"github.com/basket/go-drover/internal/tokenutil"
	"github.com/basket/go-drover/internal/tools"
	"github.com/google/uuid"
)

// Namespace keys every graph checkpoint in the store.
const Namespace = "agent-graph"

// Node names.
const (
	nodeAgent  = "agent"
	nodeTools  = "tools"
	nodeRouter = "router"
	nodeEnd    = "end"
)

// ErrRuntimeLimit reports that the attempt hit its wall-clock budget.
var ErrRuntimeLimit = errors.New("reached runtime limit")

// ErrCanceled reports a cooperative cancel between steps. Committed
// checkpoints survive, so a later run resumes rather than restarting.
var ErrCanceled = errors.New("execution canceled")

// ErrNoCheckpoint reports a resume with nothing to resume from.
var ErrNoCheckpoint = errors.New("no checkpoint for thread")

// InterruptError pauses the graph immediately before the tools node so a
// human can approve or deny the pending call.
type InterruptError struct {
	Call model.ToolCall
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("awaiting approval before running tool %q", e.Call.Name)
}

// State is the serialized graph position: the full message list plus
// routing bookkeeping.
type State struct {
	Messages       []model.ChatMessage `json:"messages"`
	PendingCalls   []model.ToolCall    `json:"pending_calls,omitempty"`
	Node           string              `json:"node"`
	Step           int                 `json:"step"`
	FinalResult    string              `json:"final_result,omitempty"`
	Completed      bool                `json:"completed,omitempty"`
	FallbackBudget int                 `json:"fallback_budget"`

	// Running token estimates, accumulated per model turn.
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
}

// Config wires the runner's collaborators and budgets.
type Config struct {
	Store          *persistence.Store
	Registry       *tools.Registry
	Bus            *bus.Bus
	Logger         *slog.Logger
	RecursionLimit int
	// FallbackBudget is how many times the router may steer the agent
	// to re-plan after a failed delegation.
	FallbackBudget int
}

// Runner executes graphs. Safe for reuse across attempts; all per-run
// state lives in State and the checkpoint store.
type Runner struct {
	cfg Config
}

func NewRunner(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RecursionLimit <= 0 {
		cfg.RecursionLimit = 25
	}
	if cfg.FallbackBudget < 0 {
		cfg.FallbackBudget = 0
	}
	return &Runner{cfg: cfg}
}

// RunInput parameterizes one attempt.
type RunInput struct {
	// ThreadID keys checkpoints: the task ID when available, else the
	// session ID.
	ThreadID  string
	SessionID string
	TaskID    string
	AgentID   string

	System string
	Prompt string

	Decision policy.Decision
	Client   model.Client

	// InterruptBeforeTools pauses the graph before executing any tool
	// call; strict policy mode turns this on.
	InterruptBeforeTools bool
}

// Result is a finished attempt.
type Result struct {
	FinalText string
	Steps     int
	Completed bool

	// Token usage estimated from message text, not provider-reported.
	PromptTokens     int
	CompletionTokens int
}

// Run starts a fresh attempt from the prompt.
func (r *Runner) Run(ctx context.Context, in RunInput) (Result, error) {
	state := &State{
		Node:           nodeAgent,
		FallbackBudget: r.cfg.FallbackBudget,
		Messages: []model.ChatMessage{
			{Role: "user", Content: in.Prompt},
		},
	}
	parent := ""
	if latest, err := r.cfg.Store.LatestCheckpoint(ctx, in.ThreadID, Namespace); err == nil && latest != nil {
		parent = latest.CheckpointID
	}
	return r.loop(ctx, in, state, parent, false)
}

// Resume reloads the latest checkpoint for the thread and continues with
// no new input. A pending tools node is treated as approved.
func (r *Runner) Resume(ctx context.Context, in RunInput) (Result, error) {
	latest, err := r.cfg.Store.LatestCheckpoint(ctx, in.ThreadID, Namespace)
	if err != nil {
		return Result{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if latest == nil {
		return Result{}, ErrNoCheckpoint
	}
	var state State
	if err := json.Unmarshal([]byte(latest.State), &state); err != nil {
		return Result{}, fmt.Errorf("decode checkpoint state: %w", err)
	}
	r.cfg.Bus.Notify(bus.TopicRunResumed, "resume", in.ThreadID)
	return r.loop(ctx, in, &state, latest.CheckpointID, true)
}

func (r *Runner) loop(ctx context.Context, in RunInput, state *State, parentCheckpoint string, approved bool) (Result, error) {
	ctx = shared.WithAgentID(ctx, in.AgentID)
	ctx = shared.WithTaskID(ctx, in.TaskID)
	ctx = shared.WithSessionID(ctx, in.SessionID)
	if shared.RunID(ctx) == "" {
		ctx = shared.WithRunID(ctx, shared.NewRunID())
	}

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, r.mapContextErr(in, err)
		}
		if state.Step >= r.cfg.RecursionLimit {
			return Result{}, fmt.Errorf("recursion limit %d reached for thread %s", r.cfg.RecursionLimit, in.ThreadID)
		}

		switch state.Node {
		case nodeAgent:
			if err := r.agentNode(ctx, in, state); err != nil {
				return Result{}, err
			}

		case nodeTools:
			if in.InterruptBeforeTools && !approved && len(state.PendingCalls) > 0 {
				if err := r.commit(ctx, in, state, &parentCheckpoint); err != nil {
					return Result{}, err
				}
				call := state.PendingCalls[0]
				r.cfg.Bus.NotifyWithPayload(bus.TopicApprovalRequested, "request", in.TaskID, bus.ApprovalRequest{
					RunID:    shared.RunID(ctx),
					TaskID:   in.TaskID,
					ToolName: call.Name,
					Args:     encodeArgs(call.Args),
				})
				r.cfg.Bus.Notify(bus.TopicRunInterrupted, "interrupt", in.ThreadID)
				return Result{}, &InterruptError{Call: call}
			}
			approved = false
			if err := r.toolsNode(ctx, in, state, parentCheckpoint); err != nil {
				return Result{}, err
			}

		case nodeRouter:
			r.routerNode(state)

		case nodeEnd:
			return Result{
				FinalText:        state.FinalResult,
				Steps:            state.Step,
				Completed:        state.Completed,
				PromptTokens:     state.PromptTokens,
				CompletionTokens: state.CompletionTokens,
			}, nil

		default:
			return Result{}, fmt.Errorf("unknown graph node %q", state.Node)
		}

		state.Step++
		if err := r.commit(ctx, in, state, &parentCheckpoint); err != nil {
			return Result{}, err
		}
		r.cfg.Bus.NotifyWithPayload(bus.TopicRunStep, "step", in.ThreadID, bus.RunStepEvent{
			RunID:        shared.RunID(ctx),
			TaskID:       in.TaskID,
			Node:         state.Node,
			Step:         state.Step,
			CheckpointID: parentCheckpoint,
		})
	}
}

// agentNode runs one model turn. New agent text is persisted to the
// session transcript immediately so partial progress survives a crash,
// and the latest text becomes the working final result.
func (r *Runner) agentNode(ctx context.Context, in RunInput, state *State) error {
	prompt := tokenutil.EstimateTokens(in.System)
	for _, m := range state.Messages {
		prompt += tokenutil.EstimateTokens(m.Content)
	}
	state.PromptTokens += prompt

	resp, err := in.Client.Generate(ctx, model.Request{
		System:   in.System,
		Messages: state.Messages,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return r.mapContextErr(in, ctxErr)
		}
		return fmt.Errorf("agent turn: %w", err)
	}
	state.CompletionTokens += tokenutil.EstimateTokens(resp.Text)

	msg := model.ChatMessage{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls}
	state.Messages = append(state.Messages, msg)

	if text := strings.TrimSpace(resp.Text); text != "" {
		state.FinalResult = text
		if _, err := r.cfg.Store.AppendMessage(ctx, in.SessionID, "assistant", text, ""); err != nil {
			r.cfg.Logger.Warn("persist agent text failed", "session_id", in.SessionID, "error", err)
		}
	}

	if len(resp.ToolCalls) == 0 {
		state.Node = nodeEnd
		return nil
	}
	state.PendingCalls = resp.ToolCalls
	state.Node = nodeTools
	return nil
}

// toolsNode executes each pending call. Results are written as pending
// writes against the current checkpoint before being merged into the
// message list; committing the next checkpoint absorbs them.
func (r *Runner) toolsNode(ctx context.Context, in RunInput, state *State, parentCheckpoint string) error {
	calls := state.PendingCalls
	state.PendingCalls = nil

	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			return r.mapContextErr(in, err)
		}

		var output any
		out, err := r.cfg.Registry.Dispatch(ctx, in.Decision, call)
		if err != nil {
			// Tool failures flow back to the model as results, not as
			// attempt failures; the router decides whether to steer.
			failed := map[string]any{"error": err.Error()}
			if target, ok := call.Args["agent_id"].(string); ok && target != "" {
				failed["agent_id"] = target
			}
			output = failed
		} else {
			output = out
		}

		if call.Name == tools.ToolMarkComplete && err == nil {
			state.Completed = true
			if summary, ok := call.Args["summary"].(string); ok && strings.TrimSpace(summary) != "" {
				state.FinalResult = strings.TrimSpace(summary)
			}
		}

		if parentCheckpoint != "" {
			encoded, encErr := json.Marshal(output)
			if encErr != nil {
				encoded = []byte(`{}`)
			}
			writeKey := call.Ref
			if writeKey == "" {
				writeKey = fmt.Sprintf("call-%d", i)
			}
			if err := r.cfg.Store.PutPendingWrite(ctx, persistence.PendingWrite{
				ThreadID:     in.ThreadID,
				Namespace:    Namespace,
				CheckpointID: parentCheckpoint,
				TaskID:       writeKey,
				Index:        i,
				Channel:      "tools",
				Value:        string(encoded),
			}); err != nil {
				r.cfg.Logger.Warn("pending write failed", "thread_id", in.ThreadID, "error", err)
			}
		}

		state.Messages = append(state.Messages, model.ChatMessage{
			Role:       "tool",
			ToolResult: &model.ToolResult{Ref: call.Ref, Name: call.Name, Output: output},
		})

		if encoded, err := json.Marshal(output); err == nil {
			if _, err := r.cfg.Store.AppendMessage(ctx, in.SessionID, "tool", string(encoded), ""); err != nil {
				r.cfg.Logger.Warn("persist tool result failed", "session_id", in.SessionID, "error", err)
			}
		}
	}

	state.Node = nodeRouter
	return nil
}

// routerNode inspects the most recent tool results. A failed delegation
// with fallback budget remaining injects a hint steering the agent to
// re-plan or pick a different delegate; otherwise it passes through.
func (r *Runner) routerNode(state *State) {
	if state.Completed {
		state.Node = nodeEnd
		return
	}

	if failed, target := lastDelegationFailure(state.Messages); failed && state.FallbackBudget > 0 {
		state.FallbackBudget--
		hint := fmt.Sprintf(
			"Delegation to %q failed. Re-plan: either handle the step yourself or pick a different delegate. Do not retry the same agent with the same prompt.",
			target)
		state.Messages = append(state.Messages, model.ChatMessage{Role: "user", Content: hint})
	}
	state.Node = nodeAgent
}

// lastDelegationFailure scans backwards over the trailing tool results.
func lastDelegationFailure(messages []model.ChatMessage) (bool, string) {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != "tool" {
			return false, ""
		}
		if msg.ToolResult == nil || msg.ToolResult.Name != tools.ToolDelegateToAgent {
			continue
		}
		out, ok := msg.ToolResult.Output.(map[string]any)
		if !ok {
			continue
		}
		if errText, hasErr := out["error"].(string); hasErr && errText != "" {
			target := "the target agent"
			if t, ok := out["agent_id"].(string); ok && t != "" {
				target = t
			}
			return true, target
		}
		return false, ""
	}
	return false, ""
}

// commit serializes the state as a new checkpoint. The previous
// checkpoint becomes the parent, which also absorbs its pending writes.
// The write is detached from cancellation: a step that finished gets its
// checkpoint even when the cancel arrived mid-step.
func (r *Runner) commit(ctx context.Context, in RunInput, state *State, parent *string) error {
	ctx = context.WithoutCancel(ctx)
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode graph state: %w", err)
	}
	id := uuid.NewString()
	meta, _ := json.Marshal(map[string]any{"node": state.Node, "step": state.Step})
	if err := r.cfg.Store.PutCheckpoint(ctx, persistence.CheckpointRecord{
		ThreadID:           in.ThreadID,
		Namespace:          Namespace,
		CheckpointID:       id,
		ParentCheckpointID: *parent,
		State:              string(encoded),
		Metadata:           string(meta),
	}); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	*parent = id
	return nil
}

func (r *Runner) mapContextErr(in RunInput, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w for thread %s", ErrRuntimeLimit, in.ThreadID)
	}
	r.cfg.Bus.Notify(bus.TopicRunCancelled, "cancel", in.ThreadID)
	return fmt.Errorf("%w: thread %s", ErrCanceled, in.ThreadID)
}

func encodeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
