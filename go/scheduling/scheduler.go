// Package scheduling implements the scheduler core: task submission with
// idempotent deduplication, the bot-facing dispatch path (poll, update,
// cancel), and the periodic lifecycle sweeps.
package scheduling

import (
	"context"
	"errors"
	"time"

	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/taskfarm/go/db"
	"go.skia.org/taskfarm/go/dedup"
	"go.skia.org/taskfarm/go/notify"
	"go.skia.org/taskfarm/go/output"
	"go.skia.org/taskfarm/go/queue"
	"go.skia.org/taskfarm/go/types"
)

const (
	// DefaultBotPingTolerance is how long a RUNNING task's bot may stay
	// silent before the dead-bot sweep declares it gone.
	DefaultBotPingTolerance = 6 * time.Minute

	// maxInlineExpirations caps how many expired queue entries one bot
	// poll may process before giving up on that poll.
	maxInlineExpirations = 5
)

var (
	// ErrWrongBot is returned when an update names a bot other than the
	// one the run belongs to.
	ErrWrongBot = errors.New("run belongs to a different bot")

	// ErrConflictingUpdate is returned when a bot re-reports a different
	// exit code for a run which already has one.
	ErrConflictingUpdate = errors.New("conflicting update for run")

	// errSkipCandidate aborts a claim transaction without claiming; the
	// dispatch loop moves on to the next candidate.
	errSkipCandidate = errors.New("skip candidate")
)

// Config holds the scheduler's tuning knobs.
type Config struct {
	// ClaimRetries is how many times a claim transaction is retried on
	// conflict. A lost claim race usually means the entry is gone, so the
	// default is zero.
	ClaimRetries int `json:"claimRetries"`

	// ExpireRetries is the retry budget for expiration transactions.
	ExpireRetries int `json:"expireRetries"`

	// BotPingTolerance is how long a bot may stay silent while running a
	// task before it is presumed dead.
	BotPingTolerance time.Duration `json:"botPingTolerance"`

	// MaxOutputSize caps stored output per run, up to output.HardMaxSize.
	MaxOutputSize int64 `json:"maxOutputSize"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ClaimRetries:     db.ClaimTxnRetries,
		ExpireRetries:    db.DefaultTxnRetries,
		BotPingTolerance: DefaultBotPingTolerance,
	}
}

// Scheduler is the engine. All methods are safe for concurrent use; all
// cross-request coordination goes through the store's transactions.
type Scheduler struct {
	store        db.Store
	notifier     *notify.Notifier
	finder       *dedup.Finder
	notClaimable *queue.NotClaimableCache
	cfg          Config
}

// New returns a Scheduler.
func New(store db.Store, notifier *notify.Notifier, cfg Config) (*Scheduler, error) {
	finder, err := dedup.NewFinder(store)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	nc, err := queue.NewNotClaimableCache()
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if cfg.BotPingTolerance <= 0 {
		cfg.BotPingTolerance = DefaultBotPingTolerance
	}
	return &Scheduler{
		store:        store,
		notifier:     notifier,
		finder:       finder,
		notClaimable: nc,
		cfg:          cfg,
	}, nil
}

// capacityVector reports, per slice, whether any of the given bots advertises
// the slice's required dimensions. WaitForCapacity forces a slice to count as
// having capacity.
func capacityVector(req *types.TaskRequest, bots []*types.Bot) []bool {
	rv := make([]bool, len(req.Slices))
	for i, slice := range req.Slices {
		if slice.WaitForCapacity {
			rv[i] = true
			continue
		}
		for _, b := range bots {
			if b.Dimensions.Contains(slice.Properties.Dimensions) {
				rv[i] = true
				break
			}
		}
	}
	return rv
}

// newTaskToRun builds the queue entry for one (try, slice) of a request.
func newTaskToRun(ctx context.Context, req *types.TaskRequest, try, slice int, expiration time.Time) (*types.TaskToRun, error) {
	qn, err := queue.PackQueueNumber(req.Priority, req.Created)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &types.TaskToRun{
		RequestID:   req.ID,
		TryNumber:   try,
		SliceIndex:  slice,
		QueueNumber: &qn,
		Created:     now.Now(ctx),
		Expiration:  expiration,
		Dimensions:  req.Slices[slice].Properties.Dimensions.Copy(),
	}, nil
}

// Submit validates and stores a new request, deduplicating idempotent work
// and detecting the no-capacity case, and returns the resulting summary.
func (s *Scheduler) Submit(ctx context.Context, req *types.TaskRequest) (*types.TaskResultSummary, error) {
	ts := now.Now(ctx)
	if req.ID == 0 {
		req.ID = types.NewRequestID(ctx)
	}
	if req.Created.IsZero() {
		req.Created = ts
	}
	for i := range req.Slices {
		if req.Slices[i].Properties.Idempotent {
			hash, err := dedup.Hash(req.Slices[i].Properties)
			if err != nil {
				return nil, skerr.Wrap(err)
			}
			req.Slices[i].PropertiesHash = hash
		}
	}
	if err := req.Validate(); err != nil {
		return nil, skerr.Wrap(err)
	}

	sum := &types.TaskResultSummary{
		RequestID: req.ID,
		State:     types.TaskStatePending,
		Created:   req.Created,
		Modified:  ts,
	}

	// Dedup lookup, outside the transaction: a stale hit is re-validated
	// by its own read, and a miss just means the task runs.
	var dup *types.TaskResultSummary
	dupSlice := -1
	for i, slice := range req.Slices {
		if slice.PropertiesHash == "" {
			continue
		}
		d, err := s.finder.FindDuplicate(ctx, slice.PropertiesHash)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		if d != nil {
			dup = d
			dupSlice = i
			break
		}
	}

	// A request only becomes NO_RESOURCE when no slice at all could ever
	// be served. Otherwise it starts at slice 0 and the expiration sweep
	// walks it forward.
	anyCapacity := false
	if dup == nil {
		for _, has := range capacityVector(req, s.listBots(ctx)) {
			if has {
				anyCapacity = true
				break
			}
		}
	}

	err := s.store.RunTransaction(ctx, "submit", db.DefaultTxnRetries, func(ctx context.Context, tx db.Tx) error {
		if err := tx.CreateRequest(req); err != nil {
			return skerr.Wrap(err)
		}
		switch {
		case dup != nil:
			sum.State = types.TaskStateCompleted
			sum.CurrentSlice = dupSlice
			sum.TryNumber = 0
			sum.DedupedFrom = dup.ActiveRun().String()
			sum.ExitCode = dup.ExitCode
			sum.Duration = dup.Duration
			sum.Started = dup.Started
			sum.Completed = ts
			sum.BotID = dup.BotID
			sum.BotDimensions = dup.BotDimensions.Copy()
			if n := len(dup.CostsUSD); n > 0 {
				sum.CostSavedUSD = dup.CostsUSD[n-1]
			}
			metrics2.GetCounter("taskfarm_submit_deduped").Inc(1)
		case !anyCapacity:
			sum.State = types.TaskStateNoResource
			sum.Completed = ts
			sum.Abandoned = ts
			metrics2.GetCounter("taskfarm_submit_no_resource").Inc(1)
		default:
			ttr, err := newTaskToRun(ctx, req, 1, 0, ts.Add(req.Slices[0].Expiration))
			if err != nil {
				return skerr.Wrap(err)
			}
			if err := tx.PutTaskToRun(ttr); err != nil {
				return skerr.Wrap(err)
			}
			metrics2.GetCounter("taskfarm_submit_enqueued").Inc(1)
		}
		if sum.State.Final() {
			if err := s.notifier.EnqueueCompletion(ctx, tx, req, sum); err != nil {
				return skerr.Wrap(err)
			}
		}
		return tx.PutSummary(sum)
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return sum.Copy(), nil
}

// listBots returns the current bot population, or an empty list on error; a
// missing bot list only delays scheduling, it never corrupts state.
func (s *Scheduler) listBots(ctx context.Context) []*types.Bot {
	bots, err := s.store.ListBots(ctx)
	if err != nil {
		sklog.Warningf("Failed to list bots; assuming no capacity this pass: %s", err)
		return nil
	}
	return bots
}

// GetResult returns the summary for one request.
func (s *Scheduler) GetResult(ctx context.Context, id types.RequestID) (*types.TaskResultSummary, error) {
	sum, err := s.store.GetSummary(ctx, id)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return sum, nil
}

// activeTaskToRunKey returns the key of the summary's live queue entry. Only
// meaningful while the summary is PENDING.
func activeTaskToRunKey(sum *types.TaskResultSummary) types.TaskToRunKey {
	return types.TaskToRunKey{
		RequestID:  sum.RequestID,
		TryNumber:  sum.TryNumber + 1,
		SliceIndex: sum.CurrentSlice,
	}
}

// Cancel cancels a task. A PENDING task is retired immediately; a RUNNING one
// is only marked for killing (the KILLED transition happens when the bot
// acknowledges) and requires killRunning. If botID is non-empty the cancel
// only applies if the task is running on that bot.
func (s *Scheduler) Cancel(ctx context.Context, id types.RequestID, killRunning bool, botID string) (ok, wasRunning bool, err error) {
	err = s.store.RunTransaction(ctx, "cancel", db.DefaultTxnRetries, func(ctx context.Context, tx db.Tx) error {
		ok, wasRunning = false, false
		sum, err := tx.GetSummary(id)
		if err != nil {
			return skerr.Wrap(err)
		}
		switch sum.State {
		case types.TaskStatePending:
			key := activeTaskToRunKey(sum)
			ttr, err := tx.GetTaskToRun(key)
			if err != nil {
				return skerr.Wrap(err)
			}
			ttr.QueueNumber = nil
			if err := tx.PutTaskToRun(ttr); err != nil {
				return skerr.Wrap(err)
			}
			ts := now.Now(ctx)
			sum.State = types.TaskStateCanceled
			sum.Modified = ts
			sum.Completed = ts
			sum.Abandoned = ts
			req, err := tx.GetRequest(id)
			if err != nil {
				return skerr.Wrap(err)
			}
			if err := s.notifier.EnqueueCompletion(ctx, tx, req, sum); err != nil {
				return skerr.Wrap(err)
			}
			if err := tx.PutSummary(sum); err != nil {
				return skerr.Wrap(err)
			}
			tx.Defer(func(ctx context.Context) {
				s.notClaimable.Mark(ctx, key)
			})
			ok = true
		case types.TaskStateRunning:
			wasRunning = true
			if !killRunning {
				return nil
			}
			if botID != "" && sum.BotID != botID {
				return nil
			}
			run, err := tx.GetRunResult(sum.ActiveRun())
			if err != nil {
				return skerr.Wrap(err)
			}
			run.Killing = true
			run.Modified = now.Now(ctx)
			if err := tx.PutRunResult(run); err != nil {
				return skerr.Wrap(err)
			}
			ok = true
		default:
			// Already final.
		}
		return nil
	})
	if err != nil {
		return false, false, skerr.Wrap(err)
	}
	if ok {
		metrics2.GetCounter("taskfarm_canceled").Inc(1)
	}
	return ok, wasRunning, nil
}

// Terminate submits the synthetic highest-priority task which tells the given
// bot to shut down after it completes.
func (s *Scheduler) Terminate(ctx context.Context, botID string) (*types.TaskResultSummary, error) {
	req := &types.TaskRequest{
		Name:     "terminate " + botID,
		Priority: 0,
		Slices: []types.TaskSlice{
			{
				Properties: types.TaskProperties{
					Command:          []string{"terminate"},
					Dimensions:       types.Dimensions{types.DimID: {botID}},
					ExecutionTimeout: 5 * time.Minute,
				},
				Expiration: 24 * time.Hour,
				// The bot may be mid-task or briefly offline.
				WaitForCapacity: true,
			},
		},
		Tags: []string{types.TagTerminate, "bot:" + botID},
	}
	sum, err := s.Submit(ctx, req)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return sum, nil
}

// GetOutput returns the collected output stream of a run.
func (s *Scheduler) GetOutput(ctx context.Context, id types.RunID) ([]byte, error) {
	run, err := s.store.GetRunResult(ctx, id)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	chunks, err := s.store.GetOutputChunks(ctx, id, run.OutputChunks)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return output.Collate(chunks, run.OutputSize), nil
}
