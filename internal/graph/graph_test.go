package graph

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-drover/internal/model"
	"github.com/basket/go-drover/internal/persistence"
	"github.com/basket/go-drover/internal/policy"
	"github.com/basket/go-drover/internal/secrets"
	"github.com/basket/go-drover/internal/shared"
	"github.com/basket/go-drover/internal/tools"
)

type clientFunc func(ctx context.Context, req model.Request) (model.Response, error)

func (f clientFunc) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	return f(ctx, req)
}

// scriptedClient replays one canned response per model turn.
type scriptedClient struct {
	t     *testing.T
	turns []func(req model.Request) model.Response
	calls int
}

func (c *scriptedClient) Generate(_ context.Context, req model.Request) (model.Response, error) {
	if c.calls >= len(c.turns) {
		c.t.Fatalf("model called %d times, script has %d turns", c.calls+1, len(c.turns))
	}
	resp := c.turns[c.calls](req)
	c.calls++
	return resp, nil
}

func newTestRunner(t *testing.T) (*Runner, *tools.Registry, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "drover.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := tools.NewRegistry(store, secrets.NewResolver(nil), nil, policy.NewLivePolicy(policy.Default()), nil)
	runner := NewRunner(Config{
		Store:          store,
		Registry:       reg,
		RecursionLimit: 10,
		FallbackBudget: 2,
	})
	return runner, reg, store
}

func newRunInput(t *testing.T, store *persistence.Store, reg *tools.Registry, client model.Client) RunInput {
	t.Helper()
	sessionID, err := store.CreateSession(context.Background(), "default", "test run")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return RunInput{
		ThreadID:  sessionID,
		SessionID: sessionID,
		AgentID:   "default",
		System:    "You orchestrate tasks.",
		Prompt:    "summarize the backlog",
		Decision:  reg.Live.Resolve(tools.Names(), tools.CatalogMap()),
		Client:    client,
	}
}

func TestRun_TextOnlyFinishes(t *testing.T) {
	runner, reg, store := newTestRunner(t)
	client := &scriptedClient{t: t, turns: []func(model.Request) model.Response{
		func(req model.Request) model.Response {
			if len(req.Messages) != 1 || req.Messages[0].Content != "summarize the backlog" {
				t.Fatalf("unexpected request messages: %+v", req.Messages)
			}
			return model.Response{Text: "The backlog has three open items."}
		},
	}}
	in := newRunInput(t, store, reg, client)

	res, err := runner.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalText != "The backlog has three open items." {
		t.Fatalf("final = %q", res.FinalText)
	}
	if res.Completed {
		t.Fatal("completed should require mark-complete")
	}

	// The agent text is persisted to the session transcript.
	msgs, err := store.ListMessages(context.Background(), in.SessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	found := false
	for _, m := range msgs {
		if m.Role == "assistant" && m.Content == res.FinalText {
			found = true
		}
	}
	if !found {
		t.Fatalf("assistant message not persisted, got %+v", msgs)
	}

	cp, err := store.LatestCheckpoint(context.Background(), in.ThreadID, Namespace)
	if err != nil || cp == nil {
		t.Fatalf("checkpoint = %+v, err = %v", cp, err)
	}
}

func TestRun_MarkCompleteEndsRun(t *testing.T) {
	runner, reg, store := newTestRunner(t)
	client := &scriptedClient{t: t, turns: []func(model.Request) model.Response{
		func(model.Request) model.Response {
			return model.Response{
				Text: "Wrapping up.",
				ToolCalls: []model.ToolCall{{
					Ref:  "call-1",
					Name: tools.ToolMarkComplete,
					Args: map[string]any{"summary": "Updated the export path and verified with tests."},
				}},
			}
		},
	}}
	in := newRunInput(t, store, reg, client)

	res, err := runner.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Completed {
		t.Fatal("mark-complete should complete the run")
	}
	if res.FinalText != "Updated the export path and verified with tests." {
		t.Fatalf("final = %q", res.FinalText)
	}
	if client.calls != 1 {
		t.Fatalf("model called %d times after completion", client.calls)
	}
}

func TestRun_DelegationFailureInjectsHint(t *testing.T) {
	runner, reg, store := newTestRunner(t)

	// No delegate target registered, so the call fails inside the tool.
	sawHint := false
	client := &scriptedClient{t: t, turns: []func(model.Request) model.Response{
		func(model.Request) model.Response {
			return model.Response{ToolCalls: []model.ToolCall{{
				Ref:  "call-1",
				Name: tools.ToolDelegateToAgent,
				Args: map[string]any{"agent_id": "ghostwriter", "prompt": "draft the notes"},
			}}}
		},
		func(req model.Request) model.Response {
			last := req.Messages[len(req.Messages)-1]
			if last.Role == "user" && strings.Contains(last.Content, "Re-plan") &&
				strings.Contains(last.Content, "ghostwriter") {
				sawHint = true
			}
			return model.Response{Text: "I drafted the notes myself."}
		},
	}}
	in := newRunInput(t, store, reg, client)

	res, err := runner.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sawHint {
		t.Fatal("expected a re-plan hint after the failed delegation")
	}
	if res.FinalText != "I drafted the notes myself." {
		t.Fatalf("final = %q", res.FinalText)
	}
}

func TestRun_DelegationHintBudgetExhausts(t *testing.T) {
	runner, reg, store := newTestRunner(t)
	runner.cfg.FallbackBudget = 1

	delegate := func(model.Request) model.Response {
		return model.Response{ToolCalls: []model.ToolCall{{
			Name: tools.ToolDelegateToAgent,
			Args: map[string]any{"agent_id": "ghostwriter", "prompt": "try again"},
		}}}
	}
	hints := 0
	client := &scriptedClient{t: t, turns: []func(model.Request) model.Response{
		delegate,
		func(req model.Request) model.Response {
			if strings.Contains(req.Messages[len(req.Messages)-1].Content, "Re-plan") {
				hints++
			}
			return delegate(req)
		},
		func(req model.Request) model.Response {
			// Budget spent; the second failure arrives without a hint.
			if strings.Contains(req.Messages[len(req.Messages)-1].Content, "Re-plan") {
				hints++
			}
			return model.Response{Text: "giving up on delegation"}
		},
	}}
	in := newRunInput(t, store, reg, client)

	if _, err := runner.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if hints != 1 {
		t.Fatalf("hints = %d, want exactly 1", hints)
	}
}

func TestRun_RecursionLimit(t *testing.T) {
	runner, reg, store := newTestRunner(t)
	runner.cfg.RecursionLimit = 6

	looping := clientFunc(func(_ context.Context, _ model.Request) (model.Response, error) {
		return model.Response{ToolCalls: []model.ToolCall{{
			Name: tools.ToolStoreMemory,
			Args: map[string]any{"key": "k", "value": "v"},
		}}}, nil
	})
	in := newRunInput(t, store, reg, looping)

	_, err := runner.Run(context.Background(), in)
	if err == nil || !strings.Contains(err.Error(), "recursion limit 6") {
		t.Fatalf("err = %v, want recursion limit", err)
	}
}

func TestRun_InterruptAndResume(t *testing.T) {
	runner, reg, store := newTestRunner(t)

	client := &scriptedClient{t: t, turns: []func(model.Request) model.Response{
		func(model.Request) model.Response {
			return model.Response{ToolCalls: []model.ToolCall{{
				Ref:  "call-1",
				Name: tools.ToolStoreMemory,
				Args: map[string]any{"key": "release-branch", "value": "release/2.4"},
			}}}
		},
	}}
	in := newRunInput(t, store, reg, client)
	in.InterruptBeforeTools = true

	_, err := runner.Run(context.Background(), in)
	var interrupt *InterruptError
	if !errors.As(err, &interrupt) {
		t.Fatalf("err = %v, want interrupt", err)
	}
	if interrupt.Call.Name != tools.ToolStoreMemory {
		t.Fatalf("pending call = %q", interrupt.Call.Name)
	}

	// The paused position is durable.
	cp, err := store.LatestCheckpoint(context.Background(), in.ThreadID, Namespace)
	if err != nil || cp == nil {
		t.Fatalf("checkpoint = %+v, err = %v", cp, err)
	}
	if !strings.Contains(cp.State, `"node":"tools"`) {
		t.Fatalf("checkpoint state = %s", cp.State)
	}

	// Resume treats the pending call as approved, executes it, and the
	// next agent turn finishes the run.
	resumeIn := in
	resumeIn.Client = &scriptedClient{t: t, turns: []func(model.Request) model.Response{
		func(req model.Request) model.Response {
			last := req.Messages[len(req.Messages)-1]
			if last.Role != "tool" || last.ToolResult == nil {
				t.Fatalf("expected tool result before resume turn, got %+v", last)
			}
			return model.Response{Text: "Stored the release branch."}
		},
	}}

	res, err := runner.Resume(context.Background(), resumeIn)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.FinalText != "Stored the release branch." {
		t.Fatalf("final = %q", res.FinalText)
	}

	// The approved tool actually ran.
	ctx := shared.WithAgentID(context.Background(), "default")
	out, err := reg.Dispatch(ctx, in.Decision, model.ToolCall{
		Name: tools.ToolSearchMemory,
		Args: map[string]any{"query": "release"},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(encodeArgs(map[string]any{"out": out}), "release/2.4") {
		t.Fatalf("memory not written: %v", out)
	}
}

func TestResume_NoCheckpoint(t *testing.T) {
	runner, reg, store := newTestRunner(t)
	in := newRunInput(t, store, reg, clientFunc(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{}, nil
	}))
	if _, err := runner.Resume(context.Background(), in); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("err = %v, want ErrNoCheckpoint", err)
	}
}

func TestRun_RuntimeLimit(t *testing.T) {
	runner, reg, store := newTestRunner(t)
	in := newRunInput(t, store, reg, clientFunc(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{Text: "too late"}, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := runner.Run(ctx, in)
	if !errors.Is(err, ErrRuntimeLimit) {
		t.Fatalf("err = %v, want ErrRuntimeLimit", err)
	}
}

func TestRun_CooperativeCancel(t *testing.T) {
	runner, reg, store := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())

	client := &scriptedClient{t: t, turns: []func(model.Request) model.Response{
		func(model.Request) model.Response {
			// Cancel lands between steps; the tool node notices.
			cancel()
			return model.Response{ToolCalls: []model.ToolCall{{
				Name: tools.ToolStoreMemory,
				Args: map[string]any{"key": "k", "value": "v"},
			}}}
		},
	}}
	in := newRunInput(t, store, reg, client)

	_, err := runner.Run(ctx, in)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}

	// The last committed checkpoint survives the cancel.
	cp, cpErr := store.LatestCheckpoint(context.Background(), in.ThreadID, Namespace)
	if cpErr != nil || cp == nil {
		t.Fatalf("checkpoint = %+v, err = %v", cp, cpErr)
	}
}
