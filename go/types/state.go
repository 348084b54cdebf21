package types

// TaskState describes where a task is in its lifecycle. The state is stored
// on the TaskResultSummary and mirrored onto the active TaskRunResult; the
// two only disagree while a stale try is being absorbed.
type TaskState string

const (
	// TaskStatePending indicates that the task has at least one claimable
	// TaskToRun and no bot has picked it up yet.
	TaskStatePending TaskState = "PENDING"

	// TaskStateRunning indicates that a bot has claimed the task and is
	// expected to ping via update until it finishes.
	TaskStateRunning TaskState = "RUNNING"

	// TaskStateCompleted indicates that the bot ran the task to completion
	// and reported an exit code, or that the task was deduplicated against
	// a previous successful run.
	TaskStateCompleted TaskState = "COMPLETED"

	// TaskStateTimedOut indicates that the bot reported a hard or I/O
	// timeout while running the task.
	TaskStateTimedOut TaskState = "TIMED_OUT"

	// TaskStateKilled indicates that a cancellation was requested while the
	// task was running and the bot acknowledged the kill.
	TaskStateKilled TaskState = "KILLED"

	// TaskStateCanceled indicates that the task was canceled before any bot
	// claimed it.
	TaskStateCanceled TaskState = "CANCELED"

	// TaskStateExpired indicates that no bot claimed any of the task's
	// slices before their expirations passed.
	TaskStateExpired TaskState = "EXPIRED"

	// TaskStateBotDied indicates that the bot running the task stopped
	// pinging and the task could not be retried.
	TaskStateBotDied TaskState = "BOT_DIED"

	// TaskStateNoResource indicates that, at submission time, no connected
	// bot could ever satisfy any of the task's slices.
	TaskStateNoResource TaskState = "NO_RESOURCE"
)

// ValidTaskStates enumerates every TaskState, for validation.
var ValidTaskStates = []TaskState{
	TaskStatePending,
	TaskStateRunning,
	TaskStateCompleted,
	TaskStateTimedOut,
	TaskStateKilled,
	TaskStateCanceled,
	TaskStateExpired,
	TaskStateBotDied,
	TaskStateNoResource,
}

// Final returns true if no further state transition is possible. A final
// summary may still fire its completion notification asynchronously.
func (s TaskState) Final() bool {
	return s != TaskStatePending && s != TaskStateRunning
}

// Valid returns true if s is a known TaskState.
func (s TaskState) Valid() bool {
	for _, state := range ValidTaskStates {
		if s == state {
			return true
		}
	}
	return false
}
