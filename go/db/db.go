// Package db defines the transactional store used by the scheduler core.
//
// The store keeps the task entity graph (TaskRequest -> {TaskResultSummary ->
// {TaskToRun, TaskRunResult -> TaskOutputChunk}}), free-standing Bot records,
// and MachineLease slots. Within one request's entity group, transactions are
// serializable; the Scan* queries read eventually-consistent indexes and
// callers must re-validate every candidate inside a transaction before acting
// on it.
package db

import (
	"context"
	"errors"
	"time"

	"go.skia.org/taskfarm/go/types"
)

const (
	// DefaultTxnRetries is the number of times RunTransaction retries a
	// conflicting transaction before giving up. Claim transactions use
	// ClaimTxnRetries instead: a lost claim race means the entry is gone,
	// so retrying is wasted work.
	DefaultTxnRetries = 4
	ClaimTxnRetries   = 0
)

var (
	// ErrNotFound is returned by Get* when the entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConcurrentUpdate is returned by RunTransaction when retries are
	// exhausted. The caller is expected to retry the whole operation on
	// its next tick.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrAlreadyExists is returned when creating an entity which already
	// exists and must not be overwritten.
	ErrAlreadyExists = errors.New("entity already exists")
)

// IsNotFound returns true if e is or wraps ErrNotFound.
func IsNotFound(e error) bool {
	return errors.Is(e, ErrNotFound)
}

// IsConcurrentUpdate returns true if e is or wraps ErrConcurrentUpdate.
func IsConcurrentUpdate(e error) bool {
	return errors.Is(e, ErrConcurrentUpdate)
}

// Tx is a transaction over the store. All reads observe a consistent snapshot
// and all writes commit atomically or not at all. Reads of entities outside
// the entity groups touched by the transaction's writes are not allowed by
// the underlying datastore and return errors; the typed API below keeps
// callers inside the supported shapes.
type Tx interface {
	GetRequest(id types.RequestID) (*types.TaskRequest, error)
	// CreateRequest fails with ErrAlreadyExists if the id is taken.
	CreateRequest(r *types.TaskRequest) error

	GetSummary(id types.RequestID) (*types.TaskResultSummary, error)
	PutSummary(s *types.TaskResultSummary) error

	GetTaskToRun(k types.TaskToRunKey) (*types.TaskToRun, error)
	PutTaskToRun(t *types.TaskToRun) error

	GetRunResult(id types.RunID) (*types.TaskRunResult, error)
	PutRunResult(r *types.TaskRunResult) error

	GetOutputChunk(id types.RunID, index int) (*types.TaskOutputChunk, error)
	PutOutputChunks(chunks []*types.TaskOutputChunk) error

	GetBot(id string) (*types.Bot, error)
	PutBot(b *types.Bot) error
	DeleteBot(id string) error

	GetLease(machineType string, slot int) (*types.MachineLease, error)
	PutLease(l *types.MachineLease) error
	DeleteLease(machineType string, slot int) error

	PutOutbox(o *types.OutboxRecord) error
	DeleteOutbox(id string) error

	// Defer registers a side effect to run after a successful commit. On
	// abort the side effects are discarded. This is how terminal-state
	// notifications are decoupled from the transactions that produce them.
	Defer(fn func(ctx context.Context))
}

// ScanFunc style callbacks return false to stop the scan early.

// Store is the persistent backend of the scheduler core.
type Store interface {
	// RunTransaction runs fn transactionally, retrying up to retries
	// times on conflict. name is used for logging and metrics. Any error
	// from fn aborts the transaction and is returned unchanged; exhausted
	// retries return ErrConcurrentUpdate.
	RunTransaction(ctx context.Context, name string, retries int, fn func(ctx context.Context, tx Tx) error) error

	// Non-transactional single-entity reads.
	GetRequest(ctx context.Context, id types.RequestID) (*types.TaskRequest, error)
	GetSummary(ctx context.Context, id types.RequestID) (*types.TaskResultSummary, error)
	GetRunResult(ctx context.Context, id types.RunID) (*types.TaskRunResult, error)
	GetTaskToRun(ctx context.Context, k types.TaskToRunKey) (*types.TaskToRun, error)
	GetOutputChunks(ctx context.Context, id types.RunID, n int) ([]*types.TaskOutputChunk, error)
	GetBot(ctx context.Context, id string) (*types.Bot, error)

	// ScanClaimable yields claimable TaskToRun entries whose dimensions
	// are contained in dims, in ascending queue-number order. A nil dims
	// yields every claimable entry. The underlying index is eventually
	// consistent: entries may be stale and must be re-read inside a
	// transaction before claiming.
	ScanClaimable(ctx context.Context, dims types.Dimensions, fn func(*types.TaskToRun) (bool, error)) error

	// ScanExpired yields claimable TaskToRun entries whose expiration is
	// before cutoff.
	ScanExpired(ctx context.Context, cutoff time.Time, fn func(*types.TaskToRun) (bool, error)) error

	// ScanStaleRunning yields RUNNING TaskRunResults whose last
	// modification is before cutoff.
	ScanStaleRunning(ctx context.Context, cutoff time.Time, fn func(*types.TaskRunResult) (bool, error)) error

	// RecentByPropertiesHash returns up to limit summaries carrying the
	// given properties hash, most recent request first.
	RecentByPropertiesHash(ctx context.Context, hash string, limit int) ([]*types.TaskResultSummary, error)

	ListBots(ctx context.Context) ([]*types.Bot, error)
	ListLeases(ctx context.Context, machineType string) ([]*types.MachineLease, error)
	ListOutbox(ctx context.Context, limit int) ([]*types.OutboxRecord, error)
}
