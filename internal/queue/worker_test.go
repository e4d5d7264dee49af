package queue

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-drover/internal/config"
	"github.com/basket/go-drover/internal/graph"
	"github.com/basket/go-drover/internal/model"
	"github.com/basket/go-drover/internal/persistence"
	"github.com/basket/go-drover/internal/policy"
	"github.com/basket/go-drover/internal/secrets"
	"github.com/basket/go-drover/internal/tools"
)

type clientFunc func(ctx context.Context, req model.Request) (model.Response, error)

func (f clientFunc) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	return f(ctx, req)
}

// scriptedClient replays canned responses across attempts and resumes.
type scriptedClient struct {
	t     *testing.T
	turns []model.Response
	calls int
}

func (c *scriptedClient) Generate(context.Context, model.Request) (model.Response, error) {
	if c.calls >= len(c.turns) {
		c.t.Fatalf("model called %d times, script has %d turns", c.calls+1, len(c.turns))
	}
	resp := c.turns[c.calls]
	c.calls++
	return resp, nil
}

func textResponse(text string) model.Response {
	return model.Response{Text: text}
}

func newTestWorker(t *testing.T, client model.Client, mode policy.Mode) (*Worker, *persistence.Store) {
	t.Helper()
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "drover.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	live := policy.NewLivePolicy(policy.Settings{Mode: string(mode)})
	reg := tools.NewRegistry(store, secrets.NewResolver(nil), nil, live, nil)
	runner := graph.NewRunner(graph.Config{
		Store:          store,
		Registry:       reg,
		RecursionLimit: 10,
		FallbackBudget: 2,
	})

	settings := config.Config{
		HomeDir: home,
		Queue: config.QueueConfig{
			MaxAttempts:          3,
			RetryBackoffSec:      30,
			StallTimeoutMinutes:  30,
			SweepIntervalMinutes: 5,
			RecursionLimit:       10,
		},
	}
	w := NewWorker(Config{
		Store:    store,
		Runner:   runner,
		Live:     live,
		Settings: settings,
		ClientFor: func(string) (model.Client, string, error) {
			return client, "You orchestrate tasks.", nil
		},
	})
	return w, store
}

func mustAgent(t *testing.T, store *persistence.Store, agentID string) {
	t.Helper()
	if err := store.UpsertAgent(context.Background(), persistence.AgentRecord{
		AgentID:     agentID,
		DisplayName: agentID,
	}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
}

func mustTask(t *testing.T, store *persistence.Store, p persistence.CreateTaskParams) string {
	t.Helper()
	taskID, err := store.CreateTask(context.Background(), p)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return taskID
}

func TestProcessNext_CompletesValidTask(t *testing.T) {
	client := &scriptedClient{t: t, turns: []model.Response{
		textResponse("The weekly metrics are summarized: deploy count doubled and error rate stayed flat."),
	}}
	w, store := newTestWorker(t, client, policy.ModePermissive)
	ctx := context.Background()
	mustAgent(t, store, "default")
	taskID := mustTask(t, store, persistence.CreateTaskParams{
		Title:   "summarize the weekly metrics",
		AgentID: "default",
	})

	processed, err := w.ProcessNext(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !processed {
		t.Fatal("expected a task to be processed")
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, error = %q", task.Status, task.Error)
	}
	if !strings.Contains(task.Result, "weekly metrics") {
		t.Fatalf("result = %q", task.Result)
	}
	if task.Validation == nil || !task.Validation.OK {
		t.Fatalf("validation = %+v", task.Validation)
	}
	if task.SessionID == "" {
		t.Fatal("session not recorded")
	}
}

func TestProcessNext_SuccessLeavesCommentAndCleansCheckpoints(t *testing.T) {
	client := &scriptedClient{t: t, turns: []model.Response{
		textResponse("The weekly metrics are summarized: deploy count doubled and error rate stayed flat."),
	}}
	w, store := newTestWorker(t, client, policy.ModePermissive)
	ctx := context.Background()
	mustAgent(t, store, "default")
	taskID := mustTask(t, store, persistence.CreateTaskParams{
		Title:   "summarize the weekly metrics",
		AgentID: "default",
	})

	if _, err := w.ProcessNext(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	comments, err := store.ListTaskComments(ctx, taskID)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	found := false
	for _, c := range comments {
		if strings.Contains(c.Body, "Completed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no completion comment recorded: %+v", comments)
	}

	history, err := store.CheckpointHistory(ctx, taskID, graph.Namespace)
	if err != nil {
		t.Fatalf("checkpoint history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("checkpoints not cleaned up, %d rows remain", len(history))
	}
}

func TestProcessNext_ScheduleReusesSession(t *testing.T) {
	client := &scriptedClient{t: t, turns: []model.Response{
		textResponse("The nightly digest is assembled with seven items and no failures observed."),
		textResponse("The nightly digest is assembled with two incidents and one rollback noted."),
	}}
	w, store := newTestWorker(t, client, policy.ModePermissive)
	ctx := context.Background()
	mustAgent(t, store, "default")

	schedID, err := store.CreateSchedule(ctx, "nightly digest", "0 2 * * *", "default",
		"summarize the nightly digest", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	firstID := mustTask(t, store, persistence.CreateTaskParams{
		Title:      "summarize the nightly digest",
		AgentID:    "default",
		ScheduleID: schedID,
	})
	if _, err := w.ProcessNext(ctx); err != nil {
		t.Fatalf("process first: %v", err)
	}
	first, err := store.GetTask(ctx, firstID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if first.Status != persistence.TaskStatusCompleted || first.SessionID == "" {
		t.Fatalf("first run: status = %s, session = %q", first.Status, first.SessionID)
	}

	sched, err := store.GetSchedule(ctx, schedID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if sched.LastSessionID != first.SessionID {
		t.Fatalf("schedule session = %q, want %q", sched.LastSessionID, first.SessionID)
	}

	secondID := mustTask(t, store, persistence.CreateTaskParams{
		Title:      "summarize the nightly digest",
		AgentID:    "default",
		ScheduleID: schedID,
	})
	if _, err := w.ProcessNext(ctx); err != nil {
		t.Fatalf("process second: %v", err)
	}
	second, err := store.GetTask(ctx, secondID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("second run session = %q, want reuse of %q", second.SessionID, first.SessionID)
	}
}

func TestDrain_ArmsTimerForBackoffBlockedRetry(t *testing.T) {
	client := &scriptedClient{t: t, turns: []model.Response{textResponse("ok")}}
	w, store := newTestWorker(t, client, policy.ModePermissive)
	ctx := context.Background()
	mustAgent(t, store, "default")
	mustTask(t, store, persistence.CreateTaskParams{
		Title:   "summarize the weekly metrics",
		AgentID: "default",
	})

	// One pass fails validation and schedules the retry; the drain then
	// finds only backoff-blocked work and arms the timer.
	w.drain(ctx)
	w.timerMu.Lock()
	timer := w.retryTimer
	w.timerMu.Unlock()
	if timer == nil {
		t.Fatal("no timer armed while a retry is pending in backoff")
	}
}

func TestDrain_NoTimerWhenQueueIdle(t *testing.T) {
	w, _ := newTestWorker(t, clientFunc(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{}, nil
	}), policy.ModePermissive)

	w.drain(context.Background())
	w.timerMu.Lock()
	timer := w.retryTimer
	w.timerMu.Unlock()
	if timer != nil {
		t.Fatal("timer armed with nothing in backoff")
	}
}

func TestProcessNext_MissingAgentDeadLetters(t *testing.T) {
	w, store := newTestWorker(t, clientFunc(func(context.Context, model.Request) (model.Response, error) {
		t.Fatal("model must not be called for a misconfigured task")
		return model.Response{}, nil
	}), policy.ModePermissive)
	ctx := context.Background()
	taskID := mustTask(t, store, persistence.CreateTaskParams{
		Title:   "do something",
		AgentID: "nobody",
	})

	if _, err := w.ProcessNext(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s", task.Status)
	}
	if task.LastReasonCode != persistence.ReasonDeadLetterMissingAgent {
		t.Fatalf("reason = %s", task.LastReasonCode)
	}
	if task.Attempts != 0 {
		t.Fatalf("attempts = %d, config errors must not consume retries", task.Attempts)
	}

	comments, err := store.ListTaskComments(ctx, taskID)
	if err != nil || len(comments) == 0 {
		t.Fatalf("comments = %v, err = %v", comments, err)
	}
}

func TestProcessNext_ValidationFailureRetries(t *testing.T) {
	client := &scriptedClient{t: t, turns: []model.Response{textResponse("ok")}}
	w, store := newTestWorker(t, client, policy.ModePermissive)
	ctx := context.Background()
	mustAgent(t, store, "default")
	taskID := mustTask(t, store, persistence.CreateTaskParams{
		Title:   "summarize the weekly metrics",
		AgentID: "default",
	})

	if _, err := w.ProcessNext(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusQueued {
		t.Fatalf("status = %s, want queued for retry", task.Status)
	}
	if task.Attempts != 1 {
		t.Fatalf("attempts = %d", task.Attempts)
	}
	if task.LastReasonCode != persistence.ReasonRetryValidation {
		t.Fatalf("reason = %s", task.LastReasonCode)
	}
	if task.RetryScheduledAt == nil {
		t.Fatal("retry not scheduled")
	}
	if task.Validation == nil || task.Validation.OK {
		t.Fatalf("validation = %+v", task.Validation)
	}
}

func TestProcessNext_LastAttemptDeadLetters(t *testing.T) {
	client := &scriptedClient{t: t, turns: []model.Response{textResponse("ok")}}
	w, store := newTestWorker(t, client, policy.ModePermissive)
	ctx := context.Background()
	mustAgent(t, store, "default")
	taskID := mustTask(t, store, persistence.CreateTaskParams{
		Title:       "summarize the weekly metrics",
		AgentID:     "default",
		MaxAttempts: 1,
	})

	if _, err := w.ProcessNext(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s", task.Status)
	}
	if task.LastReasonCode != persistence.ReasonDeadLetterMaxAttempts {
		t.Fatalf("reason = %s", task.LastReasonCode)
	}
	if task.DeadLetteredAt == nil {
		t.Fatal("dead_lettered_at not set")
	}
}

func TestProcessNext_SingleFlight(t *testing.T) {
	w, store := newTestWorker(t, clientFunc(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{}, nil
	}), policy.ModePermissive)
	mustAgent(t, store, "default")
	mustTask(t, store, persistence.CreateTaskParams{Title: "anything", AgentID: "default"})

	w.inFlight.Store(true)
	processed, err := w.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed {
		t.Fatal("second dispatch must yield while one is in flight")
	}
}

func TestProcessNext_EmptyQueue(t *testing.T) {
	w, _ := newTestWorker(t, clientFunc(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{}, nil
	}), policy.ModePermissive)
	processed, err := w.ProcessNext(context.Background())
	if err != nil || processed {
		t.Fatalf("processed = %v, err = %v", processed, err)
	}
}

func TestStrictMode_InterruptThenApprove(t *testing.T) {
	client := &scriptedClient{t: t, turns: []model.Response{
		{ToolCalls: []model.ToolCall{{
			Ref:  "call-1",
			Name: tools.ToolStoreMemory,
			Args: map[string]any{"key": "release-branch", "value": "release/2.4"},
		}}},
		textResponse("Stored the release branch name for the next deploy summary."),
	}}
	w, store := newTestWorker(t, client, policy.ModeStrict)
	ctx := context.Background()
	mustAgent(t, store, "default")
	taskID := mustTask(t, store, persistence.CreateTaskParams{
		Title:   "remember the release branch",
		AgentID: "default",
	})

	if _, err := w.ProcessNext(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusRunning {
		t.Fatalf("status = %s, want running while paused", task.Status)
	}
	if task.PendingApproval == nil || task.PendingApproval.ToolName != tools.ToolStoreMemory {
		t.Fatalf("pending approval = %+v", task.PendingApproval)
	}

	if err := w.Approve(ctx, taskID, true); err != nil {
		t.Fatalf("approve: %v", err)
	}

	task, err = store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, error = %q", task.Status, task.Error)
	}
	if task.PendingApproval != nil {
		t.Fatalf("pending approval not cleared: %+v", task.PendingApproval)
	}
}

func TestStrictMode_DenyFailsTask(t *testing.T) {
	client := &scriptedClient{t: t, turns: []model.Response{
		{ToolCalls: []model.ToolCall{{
			Name: tools.ToolStoreMemory,
			Args: map[string]any{"key": "k", "value": "v"},
		}}},
	}}
	w, store := newTestWorker(t, client, policy.ModeStrict)
	ctx := context.Background()
	mustAgent(t, store, "default")
	taskID := mustTask(t, store, persistence.CreateTaskParams{
		Title:   "remember something",
		AgentID: "default",
	})

	if _, err := w.ProcessNext(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := w.Approve(ctx, taskID, false); err != nil {
		t.Fatalf("deny: %v", err)
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s", task.Status)
	}
	if task.LastReasonCode != persistence.ReasonCanceled {
		t.Fatalf("reason = %s", task.LastReasonCode)
	}
}

func TestCancel_QueuedTask(t *testing.T) {
	w, store := newTestWorker(t, clientFunc(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{}, nil
	}), policy.ModePermissive)
	ctx := context.Background()
	mustAgent(t, store, "default")
	taskID := mustTask(t, store, persistence.CreateTaskParams{Title: "later", AgentID: "default"})

	ok, err := w.Cancel(ctx, taskID)
	if err != nil || !ok {
		t.Fatalf("cancel = %v, err = %v", ok, err)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusFailed || task.LastReasonCode != persistence.ReasonCanceled {
		t.Fatalf("status = %s, reason = %s", task.Status, task.LastReasonCode)
	}

	// Terminal tasks cannot be canceled again.
	if _, err := w.Cancel(ctx, taskID); err == nil {
		t.Fatal("expected error canceling a terminal task")
	}
}

func TestResumeQueue_RequeuesRunningTasks(t *testing.T) {
	w, store := newTestWorker(t, clientFunc(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{}, nil
	}), policy.ModePermissive)
	ctx := context.Background()
	mustAgent(t, store, "default")
	taskID := mustTask(t, store, persistence.CreateTaskParams{Title: "crashed mid-run", AgentID: "default"})

	sessionID, err := store.CreateSession(ctx, "default", "crash test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.StartTask(ctx, taskID, sessionID); err != nil {
		t.Fatalf("start task: %v", err)
	}

	if err := w.ResumeQueue(ctx); err != nil {
		t.Fatalf("resume queue: %v", err)
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusQueued {
		t.Fatalf("status = %s, want requeued", task.Status)
	}
	depth, err := store.QueueDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("queue depth = %d, err = %v", depth, err)
	}
}

func TestRecoverStalled(t *testing.T) {
	w, store := newTestWorker(t, clientFunc(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{}, nil
	}), policy.ModePermissive)
	ctx := context.Background()
	mustAgent(t, store, "default")
	taskID := mustTask(t, store, persistence.CreateTaskParams{Title: "stuck", AgentID: "default"})

	sessionID, err := store.CreateSession(ctx, "default", "stall test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.StartTask(ctx, taskID, sessionID); err != nil {
		t.Fatalf("start task: %v", err)
	}

	// A negative stall window puts the cutoff in the future, so the
	// freshly started task counts as stalled.
	w.settings.Queue.StallTimeoutMinutes = -1

	recovered, err := w.RecoverStalled(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d", recovered)
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusQueued {
		t.Fatalf("status = %s", task.Status)
	}
	if task.Attempts != 1 || task.LastReasonCode != persistence.ReasonRetryStalled {
		t.Fatalf("attempts = %d, reason = %s", task.Attempts, task.LastReasonCode)
	}
}

func TestValidateCompletedTasks_DemotesHollowResult(t *testing.T) {
	w, store := newTestWorker(t, clientFunc(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{}, nil
	}), policy.ModePermissive)
	ctx := context.Background()
	mustAgent(t, store, "default")
	taskID := mustTask(t, store, persistence.CreateTaskParams{Title: "weekly digest", AgentID: "default"})

	sessionID, err := store.CreateSession(ctx, "default", "audit test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.StartTask(ctx, taskID, sessionID); err != nil {
		t.Fatalf("start task: %v", err)
	}
	if err := store.CompleteTask(ctx, taskID, "ok", "", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	demoted, err := w.ValidateCompletedTasks(ctx)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if demoted != 1 {
		t.Fatalf("demoted = %d", demoted)
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusFailed || task.LastReasonCode != persistence.ReasonDemotedByAudit {
		t.Fatalf("status = %s, reason = %s", task.Status, task.LastReasonCode)
	}
}

func TestBuildPrompt_IncludesRetryContext(t *testing.T) {
	task := &persistence.Task{
		Title:       "summarize the weekly metrics",
		Description: "Focus on deploy frequency.",
	}
	prompt := buildPrompt(task)
	if !strings.Contains(prompt, "Focus on deploy frequency.") {
		t.Fatalf("prompt = %q", prompt)
	}
	if strings.Contains(prompt, "previous attempt") {
		t.Fatalf("fresh task should not mention prior failures: %q", prompt)
	}

	task.Attempts = 1
	task.Error = "model timeout"
	retryPrompt := buildPrompt(task)
	if !strings.Contains(retryPrompt, "model timeout") {
		t.Fatalf("retry prompt = %q", retryPrompt)
	}
}
