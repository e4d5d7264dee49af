// Package queue runs the task lifecycle: it dispatches queued tasks one
// at a time, executes them through the agent graph, validates what came
// back, and owns every transition into retry, dead-letter, or completed.
// Background sweeps recover stalled work and audit past completions.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-drover/internal/bus"
	"github.com/basket/go-drover/internal/config"
	"github.com/basket/go-drover/internal/extract"
	"github.com/basket/go-drover/internal/graph"
	"github.com/basket/go-drover/internal/model"
	droverotel "github.com/basket/go-drover/internal/otel"
	"github.com/basket/go-drover/internal/persistence"
	"github.com/basket/go-drover/internal/policy"
	"github.com/basket/go-drover/internal/pricing"
	"github.com/basket/go-drover/internal/safety"
	"github.com/basket/go-drover/internal/tools"
	"github.com/basket/go-drover/internal/validate"
)

// systemAuthor attributes comments written by the lifecycle machinery
// rather than an agent.
const systemAuthor = "drover"

// cancelPollInterval is how often a running attempt checks for a
// cooperative cancel request.
const cancelPollInterval = 2 * time.Second

// ClientFunc builds a model client and system prompt for an agent.
type ClientFunc func(agentID string) (model.Client, string, error)

// Config wires the worker's collaborators.
type Config struct {
	Store     *persistence.Store
	Runner    *graph.Runner
	Live      *policy.LivePolicy
	Bus       *bus.Bus
	Logger    *slog.Logger
	Settings  config.Config
	ClientFor ClientFunc
}

// Worker is the queue dispatcher. Task dispatch is single-flight: at
// most one queued task executes at a time, coordinated by an atomic
// in-flight flag rather than a lock held across the whole attempt.
type Worker struct {
	store     *persistence.Store
	runner    *graph.Runner
	live      *policy.LivePolicy
	bus       *bus.Bus
	logger    *slog.Logger
	settings  config.Config
	clientFor ClientFunc

	reportsDir string
	leaks      *safety.LeakDetector
	inFlight   atomic.Bool
	wake       chan struct{}

	timerMu    sync.Mutex
	retryTimer *time.Timer
}

func NewWorker(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		store:      cfg.Store,
		runner:     cfg.Runner,
		live:       cfg.Live,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		settings:   cfg.Settings,
		clientFor:  cfg.ClientFor,
		reportsDir: filepath.Join(cfg.Settings.HomeDir, "reports"),
		leaks:      safety.NewLeakDetector(),
		wake:       make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop and the periodic sweeps. It returns
// immediately; the loop stops when ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	interval := w.settings.SweepInterval()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			w.drain(ctx)
		case <-sweep.C:
			w.runSweeps(ctx)
			w.drain(ctx)
		}
	}
}

// drain processes queued tasks until the queue is empty or the context
// ends. When only backoff-blocked entries remain, a timer is armed for
// the nearest retry time so dispatch does not wait for the next sweep.
func (w *Worker) drain(ctx context.Context) {
	for {
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error("queue dispatch failed", "error", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !processed {
			w.armRetryTimer(ctx)
			return
		}
	}
}

// armRetryTimer wakes the loop when the earliest pending backoff
// expires. At most one timer is armed; a new nearest time replaces it.
func (w *Worker) armRetryTimer(ctx context.Context) {
	next, err := w.store.NextRetryAt(ctx, time.Now().UTC())
	if err != nil {
		w.logger.Warn("next retry lookup failed", "error", err)
		return
	}
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.retryTimer != nil {
		w.retryTimer.Stop()
		w.retryTimer = nil
	}
	if next == nil {
		return
	}
	delay := time.Until(*next)
	if delay < 0 {
		delay = 0
	}
	w.retryTimer = time.AfterFunc(delay, w.Kick)
}

func (w *Worker) runSweeps(ctx context.Context) {
	if n, err := w.RecoverStalled(ctx); err != nil {
		w.logger.Error("stall sweep failed", "error", err)
	} else if n > 0 {
		w.logger.Info("stall sweep requeued tasks", "count", n)
	}
	if n, err := w.ValidateCompletedTasks(ctx); err != nil {
		w.logger.Error("completion audit sweep failed", "error", err)
	} else if n > 0 {
		w.logger.Warn("completion audit demoted tasks", "count", n)
	}
	if _, err := w.store.PruneQueue(ctx); err != nil {
		w.logger.Error("queue prune failed", "error", err)
	}
	if days := w.settings.Queue.RetentionTaskEventsDays; days > 0 {
		retention := time.Duration(days) * 24 * time.Hour
		if pruned, err := w.store.PurgeOldTaskEvents(ctx, retention); err != nil {
			w.logger.Error("task event prune failed", "error", err)
		} else if pruned > 0 {
			w.logger.Info("pruned task events", "count", pruned)
		}
	}
}

// Kick nudges the dispatch loop without blocking.
func (w *Worker) Kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Enqueue moves a task into the queue and nudges the loop.
func (w *Worker) Enqueue(ctx context.Context, taskID string) error {
	if err := w.store.EnqueueTask(ctx, taskID); err != nil {
		return err
	}
	w.Kick()
	return nil
}

// ProcessNext dequeues and executes at most one runnable task. It
// returns false when another dispatch is in flight or the queue has no
// runnable entry.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if !w.inFlight.CompareAndSwap(false, true) {
		return false, nil
	}
	defer w.inFlight.Store(false)

	task, err := w.store.DequeueNextRunnable(ctx, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if task == nil {
		return false, nil
	}
	w.execute(ctx, task)
	return true, nil
}

// Cancel requests cooperative cancellation. A queued task fails
// immediately; a running task is flagged and the graph stops between
// steps.
func (w *Worker) Cancel(ctx context.Context, taskID string) (bool, error) {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	switch task.Status {
	case persistence.TaskStatusQueued:
		if err := w.store.DeadLetterConfigError(ctx, taskID, persistence.ReasonCanceled, "canceled before start"); err != nil {
			return false, err
		}
		w.comment(ctx, taskID, "Canceled before the task started.")
		return true, nil
	case persistence.TaskStatusRunning:
		return w.store.RequestCancel(ctx, taskID)
	default:
		return false, fmt.Errorf("task %s is %s and cannot be canceled", taskID, task.Status)
	}
}

// ResumeQueue is the boot pass: requeue tasks a previous process left
// running, re-insert queued tasks whose queue entry was lost, drop stale
// queue entries, and kick the loop.
func (w *Worker) ResumeQueue(ctx context.Context) error {
	recovered, err := w.store.RecoverRunningTasks(ctx)
	if err != nil {
		return fmt.Errorf("recover running tasks: %w", err)
	}
	if recovered > 0 {
		w.logger.Info("requeued tasks left running by previous process", "count", recovered)
	}

	orphaned, err := w.store.QueuedTasksMissingFromQueue(ctx)
	if err != nil {
		return fmt.Errorf("find orphaned queued tasks: %w", err)
	}
	for _, taskID := range orphaned {
		if err := w.store.EnqueueTask(ctx, taskID); err != nil {
			w.logger.Error("re-enqueue orphaned task failed", "task_id", taskID, "error", err)
		}
	}
	if len(orphaned) > 0 {
		w.logger.Info("re-enqueued orphaned queued tasks", "count", len(orphaned))
	}

	if _, err := w.store.PruneQueue(ctx); err != nil {
		return fmt.Errorf("prune queue: %w", err)
	}
	w.Kick()
	return nil
}

// RecoverStalled retries running tasks with no recorded progress inside
// the stall window. Consumes a retry attempt like any other failure.
func (w *Worker) RecoverStalled(ctx context.Context) (int, error) {
	stalled, err := w.store.StalledRunningTasks(ctx, w.settings.StallTimeout())
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, task := range stalled {
		if task.PendingApproval != nil {
			// Paused for a human, not stalled.
			continue
		}
		decision, err := w.store.HandleTaskFailure(ctx, task.ID, persistence.ReasonRetryStalled,
			fmt.Sprintf("no progress recorded for %s", w.settings.StallTimeout()))
		if err != nil {
			w.logger.Error("stall recovery failed", "task_id", task.ID, "error", err)
			continue
		}
		w.recordFailureComment(ctx, task.ID, decision, "The task stalled with no recorded progress.")
		recovered++
	}
	return recovered, nil
}

// ValidateCompletedTasks re-runs the completion validator over completed
// tasks and demotes any whose stored result no longer passes. Returns
// the number demoted.
func (w *Worker) ValidateCompletedTasks(ctx context.Context) (int, error) {
	completed, err := w.store.ListTasksByStatus(ctx, persistence.TaskStatusCompleted)
	if err != nil {
		return 0, err
	}
	demoted := 0
	for i := range completed {
		task := &completed[i]
		messages, err := w.store.ListMessages(ctx, task.SessionID)
		if err != nil {
			w.logger.Error("audit sweep could not load transcript", "task_id", task.ID, "error", err)
			continue
		}
		ev, _, err := extract.EnsureTaskCompletionReport(task, messages, w.reportsDir)
		if err != nil {
			w.logger.Error("audit sweep could not refresh report", "task_id", task.ID, "error", err)
			continue
		}
		verdict := validate.TaskCompletion(task, ev)
		if verdict.OK {
			continue
		}
		if err := w.store.DemoteCompletedTask(ctx, task.ID, verdict.Reasons); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				w.logger.Error("demote failed", "task_id", task.ID, "error", err)
			}
			continue
		}
		w.comment(ctx, task.ID,
			"Completion audit failed and the task was demoted to failed: "+strings.Join(verdict.Reasons, "; "))
		demoted++
	}
	return demoted, nil
}

// Approve resolves a strict-mode interrupt. Approval resumes the run
// from its checkpoint with the pending tool treated as allowed; denial
// fails the task.
func (w *Worker) Approve(ctx context.Context, taskID string, approved bool) error {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	pa := task.PendingApproval
	if pa == nil {
		return fmt.Errorf("task %s has no pending approval", taskID)
	}
	if err := w.store.ClearPendingApproval(ctx, taskID); err != nil {
		return err
	}
	action := "reject"
	if approved {
		action = "approve"
	}
	w.bus.NotifyWithPayload(bus.TopicApprovalResponded, action, taskID, bus.ApprovalResponse{
		Action: action,
		Reason: "pending tool: " + pa.ToolName,
	})

	if !approved {
		w.comment(ctx, taskID, fmt.Sprintf("Tool approval denied for %q; the task was stopped.", pa.ToolName))
		if err := w.store.DeadLetterConfigError(ctx, taskID, persistence.ReasonCanceled,
			"tool approval denied for "+pa.ToolName); err != nil {
			return err
		}
		w.heartbeatOff(task.SessionID)
		return nil
	}

	w.comment(ctx, taskID, fmt.Sprintf("Tool %q approved; resuming.", pa.ToolName))
	w.resumeApproved(ctx, task, pa.ThreadID)
	return nil
}

// execute runs one attempt end to end and applies the resulting
// transition.
func (w *Worker) execute(ctx context.Context, task *persistence.Task) {
	logger := w.logger.With("task_id", task.ID, "agent_id", task.AgentID, "attempt", task.Attempts+1)

	ctx, span := droverotel.StartSpan(ctx, droverotel.Tracer(), "task.attempt",
		droverotel.AttrTaskID.String(task.ID),
		droverotel.AttrAgentID.String(task.AgentID),
	)
	defer span.End()

	agent, err := w.store.GetAgent(ctx, task.AgentID)
	if err != nil || agent == nil {
		// A missing agent is a configuration error, not a flaky
		// execution; it dead-letters without consuming retries.
		logger.Warn("dead-lettering task for unknown agent")
		if dlErr := w.store.DeadLetterConfigError(ctx, task.ID, persistence.ReasonDeadLetterMissingAgent,
			fmt.Sprintf("agent %q is not configured", task.AgentID)); dlErr != nil {
			logger.Error("config dead-letter failed", "error", dlErr)
		}
		w.comment(ctx, task.ID, fmt.Sprintf("Dead-lettered: agent %q is not configured.", task.AgentID))
		return
	}

	sessionID := task.SessionID
	if sessionID == "" && task.ScheduleID != "" {
		sessionID = w.scheduleSession(ctx, task.ScheduleID)
	}
	if sessionID == "" {
		sessionID, err = w.store.CreateSession(ctx, task.AgentID, task.Title)
		if err != nil {
			logger.Error("create session failed", "error", err)
			w.failAttempt(ctx, task, persistence.ReasonRetryExecutionError, fmt.Errorf("create session: %w", err))
			return
		}
	}

	if err := w.store.StartTask(ctx, task.ID, sessionID); err != nil {
		logger.Error("start transition failed", "error", err)
		return
	}
	if err := w.store.SetSessionHeartbeat(ctx, sessionID, true); err != nil {
		logger.Warn("heartbeat on failed", "error", err)
	}

	client, system, err := w.clientFor(task.AgentID)
	if err != nil {
		w.failAttempt(ctx, task, persistence.ReasonRetryExecutionError, fmt.Errorf("model client: %w", err))
		w.heartbeatOff(sessionID)
		return
	}

	runCtx, cancel := w.attemptContext(ctx, task.ID)
	defer cancel()
	go w.touchWhileRunning(runCtx, task.ID)

	in := graph.RunInput{
		ThreadID:             task.ID,
		SessionID:            sessionID,
		TaskID:               task.ID,
		AgentID:              task.AgentID,
		System:               system,
		Prompt:               buildPrompt(task),
		Decision:             w.live.Resolve(tools.Names(), tools.CatalogMap()),
		Client:               client,
		InterruptBeforeTools: w.live.Mode() == policy.ModeStrict,
	}

	res, runErr := w.runner.Run(runCtx, in)
	w.settleAttempt(ctx, task, sessionID, res, runErr)
}

// scheduleSession returns the session the schedule's previous task ran
// in, when it still exists. Recurring tasks keep their conversational
// history that way; a pruned session just means a fresh one.
func (w *Worker) scheduleSession(ctx context.Context, scheduleID string) string {
	sched, err := w.store.GetSchedule(ctx, scheduleID)
	if err != nil || sched.LastSessionID == "" {
		return ""
	}
	exists, err := w.store.SessionExists(ctx, sched.LastSessionID)
	if err != nil || !exists {
		return ""
	}
	return sched.LastSessionID
}

// resumeApproved continues an interrupted attempt from its checkpoint.
func (w *Worker) resumeApproved(ctx context.Context, task *persistence.Task, threadID string) {
	client, system, err := w.clientFor(task.AgentID)
	if err != nil {
		w.failAttempt(ctx, task, persistence.ReasonRetryExecutionError, fmt.Errorf("model client: %w", err))
		w.heartbeatOff(task.SessionID)
		return
	}

	runCtx, cancel := w.attemptContext(ctx, task.ID)
	defer cancel()
	go w.touchWhileRunning(runCtx, task.ID)

	in := graph.RunInput{
		ThreadID:             threadID,
		SessionID:            task.SessionID,
		TaskID:               task.ID,
		AgentID:              task.AgentID,
		System:               system,
		Decision:             w.live.Resolve(tools.Names(), tools.CatalogMap()),
		Client:               client,
		InterruptBeforeTools: w.live.Mode() == policy.ModeStrict,
	}

	res, runErr := w.runner.Resume(runCtx, in)
	w.settleAttempt(ctx, task, task.SessionID, res, runErr)
}

// settleAttempt turns a graph outcome into a lifecycle transition.
// Transitions use the parent context: the attempt context may already be
// past its deadline.
func (w *Worker) settleAttempt(ctx context.Context, task *persistence.Task, sessionID string, res graph.Result, runErr error) {
	var interrupt *graph.InterruptError
	switch {
	case runErr == nil:
		w.finish(ctx, task, sessionID, res)
		w.heartbeatOff(sessionID)

	case errors.As(runErr, &interrupt):
		args, _ := json.Marshal(interrupt.Call.Args)
		if err := w.store.SetPendingApproval(ctx, task.ID, persistence.PendingApproval{
			ToolName: interrupt.Call.Name,
			Args:     string(args),
			ThreadID: task.ID,
		}); err != nil {
			w.logger.Error("record pending approval failed", "task_id", task.ID, "error", err)
		}
		w.comment(ctx, task.ID, fmt.Sprintf("Awaiting approval before running tool %q.", interrupt.Call.Name))

	case errors.Is(runErr, graph.ErrRuntimeLimit):
		w.failAttempt(ctx, task, persistence.ReasonRuntimeLimit, runErr)
		w.heartbeatOff(sessionID)

	case errors.Is(runErr, graph.ErrCanceled):
		w.comment(ctx, task.ID, "Canceled while running; committed progress is kept.")
		if err := w.store.DeadLetterConfigError(ctx, task.ID, persistence.ReasonCanceled, runErr.Error()); err != nil {
			w.logger.Error("cancel transition failed", "task_id", task.ID, "error", err)
		}
		w.heartbeatOff(sessionID)

	default:
		w.failAttempt(ctx, task, persistence.ReasonRetryExecutionError, runErr)
		w.heartbeatOff(sessionID)
	}
}

// finish extracts artifacts, writes the completion report, validates the
// result, and either completes the task or sends it back for a retry.
func (w *Worker) finish(ctx context.Context, task *persistence.Task, sessionID string, res graph.Result) {
	messages, err := w.store.ListMessages(ctx, sessionID)
	if err != nil {
		w.failAttempt(ctx, task, persistence.ReasonRetryExecutionError, fmt.Errorf("load transcript: %w", err))
		return
	}

	extracted := extract.ExtractTaskResult(messages, res.FinalText)
	body := extract.FormatResultBody(extracted)

	checked := *task
	checked.SessionID = sessionID
	checked.Result = body
	checked.Error = ""

	ev, reportPath, err := extract.EnsureTaskCompletionReport(&checked, messages, w.reportsDir)
	if err != nil {
		w.logger.Error("completion report failed", "task_id", task.ID, "error", err)
		reportPath = ""
	}

	verdict := validate.TaskCompletion(&checked, ev)
	if err := w.store.SetTaskValidation(ctx, task.ID, verdict); err != nil {
		w.logger.Error("record validation failed", "task_id", task.ID, "error", err)
	}

	if !verdict.OK {
		reasons := strings.Join(verdict.Reasons, "; ")
		w.comment(ctx, task.ID, "Completion validation failed: "+reasons)
		decision, err := w.store.HandleTaskFailure(ctx, task.ID, persistence.ReasonRetryValidation, reasons)
		if err != nil {
			w.logger.Error("validation failure transition failed", "task_id", task.ID, "error", err)
			return
		}
		w.recordFailureComment(ctx, task.ID, decision, "The result did not pass completion validation.")
		return
	}

	if leaks := w.leaks.Scan(body); len(leaks) > 0 {
		for _, leak := range leaks {
			w.logger.Warn("possible secret in task result", "task_id", task.ID, "pattern", leak.Pattern)
		}
		w.comment(ctx, task.ID, fmt.Sprintf("Result may contain leaked credentials (%d matches). Review before sharing.", len(leaks)))
	}

	note := fmt.Sprintf("finished in %d graph steps", res.Steps)
	if err := w.store.CompleteTask(ctx, task.ID, body, reportPath, note); err != nil {
		w.logger.Error("complete transition failed", "task_id", task.ID, "error", err)
		return
	}
	w.comment(ctx, task.ID, fmt.Sprintf("Completed: %s, %d artifacts extracted.", note, len(extracted.Artifacts)))
	if err := w.store.DeleteThreadCheckpoints(ctx, task.ID, graph.Namespace); err != nil {
		w.logger.Warn("checkpoint cleanup failed", "task_id", task.ID, "error", err)
	}
	if task.ScheduleID != "" {
		if err := w.store.SetScheduleSession(ctx, task.ScheduleID, sessionID); err != nil {
			w.logger.Warn("record schedule session failed", "schedule_id", task.ScheduleID, "error", err)
		}
	}
	w.logger.Info("task completed",
		"task_id", task.ID,
		"steps", res.Steps,
		"artifacts", len(extracted.Artifacts),
		"est_prompt_tokens", res.PromptTokens,
		"est_completion_tokens", res.CompletionTokens,
	)
	if rec, err := w.store.GetAgent(ctx, task.AgentID); err == nil && rec.Model != "" {
		if cost := pricing.EstimateCost(rec.Model, res.PromptTokens, res.CompletionTokens); cost > 0 {
			w.logger.Info("estimated attempt cost", "task_id", task.ID, "model", rec.Model, "usd", fmt.Sprintf("%.4f", cost))
		}
	}
}

// failAttempt applies the retry-or-dead-letter transition and records
// the failure history as a comment.
func (w *Worker) failAttempt(ctx context.Context, task *persistence.Task, reasonCode string, cause error) {
	msg := "execution failed"
	if cause != nil {
		msg = cause.Error()
	}
	decision, err := w.store.HandleTaskFailure(ctx, task.ID, reasonCode, msg)
	if err != nil {
		w.logger.Error("failure transition failed", "task_id", task.ID, "error", err)
		return
	}
	w.recordFailureComment(ctx, task.ID, decision, msg)
}

func (w *Worker) recordFailureComment(ctx context.Context, taskID string, decision persistence.FailureDecision, cause string) {
	switch decision.Outcome {
	case persistence.FailureOutcomeRetried:
		when := "soon"
		if decision.BackoffUntil != nil {
			when = decision.BackoffUntil.UTC().Format(time.RFC3339)
		}
		w.comment(ctx, taskID, fmt.Sprintf("Attempt %d/%d failed (%s): %s. Retrying after %s.",
			decision.Attempt, decision.MaxAttempts, decision.ReasonCode, cause, when))
	case persistence.FailureOutcomeDeadLetter:
		w.comment(ctx, taskID, fmt.Sprintf("Dead-lettered after %d/%d attempts (%s): %s",
			decision.Attempt, decision.MaxAttempts, decision.ReasonCode, cause))
	}
}

// attemptContext derives the per-attempt context: the runtime limit as a
// deadline plus a poller that turns a stored cancel request into a
// context cancel between graph steps.
func (w *Worker) attemptContext(ctx context.Context, taskID string) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if limit := w.settings.RuntimeLimit(); limit > 0 {
		runCtx, cancel = context.WithTimeout(ctx, limit)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				requested, err := w.store.IsCancelRequested(context.WithoutCancel(runCtx), taskID)
				if err == nil && requested {
					cancel()
					return
				}
			}
		}
	}()
	return runCtx, cancel
}

// touchWhileRunning records progress so the stall sweep leaves an active
// attempt alone.
func (w *Worker) touchWhileRunning(ctx context.Context, taskID string) {
	interval := w.settings.StallTimeout() / 3
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.TouchTask(context.WithoutCancel(ctx), taskID); err != nil {
				w.logger.Warn("touch failed", "task_id", taskID, "error", err)
			}
		}
	}
}

func (w *Worker) heartbeatOff(sessionID string) {
	if sessionID == "" {
		return
	}
	if err := w.store.SetSessionHeartbeat(context.Background(), sessionID, false); err != nil {
		w.logger.Warn("heartbeat off failed", "session_id", sessionID, "error", err)
	}
}

func (w *Worker) comment(ctx context.Context, taskID, body string) {
	if _, err := w.store.AppendTaskComment(ctx, taskID, systemAuthor, body); err != nil {
		w.logger.Warn("task comment failed", "task_id", taskID, "error", err)
	}
}

// buildPrompt renders the task into the opening user message. Retries
// include the previous failure so the agent does not repeat it.
func buildPrompt(task *persistence.Task) string {
	var sb strings.Builder
	sb.WriteString(task.Title)
	if desc := strings.TrimSpace(task.Description); desc != "" {
		sb.WriteString("\n\n")
		sb.WriteString(desc)
	}
	if task.Attempts > 0 && strings.TrimSpace(task.Error) != "" {
		fmt.Fprintf(&sb, "\n\nA previous attempt failed with: %s\nAddress the failure and finish the task.", task.Error)
	}
	return sb.String()
}
