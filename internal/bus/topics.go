package bus

// Task lifecycle topics. Actions on TopicTasks name the transition that
// occurred ("queued", "running", "completed", "retrying", "failed").
const (
	TopicTasks           = "tasks"
	TopicTaskStateChange = "tasks.state_changed"
	TopicTaskCompleted   = "tasks.completed"
	TopicTaskFailed      = "tasks.failed"
	TopicTaskRetrying    = "tasks.retrying"
	TopicTaskDeadLetter  = "tasks.dead_lettered"
)

// Queue topics.
const (
	TopicQueueDrained = "queue.drained"
	TopicQueueResumed = "queue.resumed"
)

// Run topics, published by the agent graph as a run progresses.
const (
	TopicRunStep        = "runs.step"
	TopicRunInterrupted = "runs.interrupted"
	TopicRunResumed     = "runs.resumed"
	TopicRunCancelled   = "runs.cancelled"
)

// Policy and approval topics.
const (
	TopicPolicyReloaded     = "policy.reloaded"
	TopicApprovalRequested  = "approvals.requested"
	TopicApprovalResponded  = "approvals.responded"
)

// TaskStateChangedEvent is the payload on TopicTaskStateChange.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	SessionID string // Session ID
	OldStatus string // Previous status (e.g. queued)
	NewStatus string // New status (e.g. running)
	Reason    string // Reason code for failure/retry transitions, if any
}

// RunStepEvent is the payload on TopicRunStep.
type RunStepEvent struct {
	RunID        string // Run ID
	TaskID       string // Task ID the run executes
	Node         string // Graph node that just finished ("agent", "tools")
	Step         int    // Step counter within the run
	CheckpointID string // Checkpoint written after the step
}

// ApprovalRequest is the payload on TopicApprovalRequested, published when
// strict-mode execution interrupts before a tool call.
type ApprovalRequest struct {
	RunID    string // Run ID paused at the interrupt
	TaskID   string // Task ID the run executes
	ToolName string // Tool awaiting approval
	Args     string // JSON-encoded tool arguments
}

// ApprovalResponse is the payload on TopicApprovalResponded.
type ApprovalResponse struct {
	RunID  string // Matches the paused run
	Action string // "approve" or "reject"
	Reason string // Optional reason for the action
}
