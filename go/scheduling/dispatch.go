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
	"go.skia.org/taskfarm/go/output"
	"go.skia.org/taskfarm/go/types"
)

// Reaped is what a successful claim hands to the bot.
type Reaped struct {
	Request *types.TaskRequest
	Run     *types.TaskRunResult

	// SecretBytes is the request's secret blob, released only at claim
	// time.
	SecretBytes []byte
}

// Reap matches an idle bot to the best eligible queue entry. It scans
// candidates in dispatch order until one is claimed or the deadline passes,
// expiring stale entries inline along the way. Returns nil if there is no
// work.
func (s *Scheduler) Reap(ctx context.Context, botID string, dims types.Dimensions, deadline time.Time) (*Reaped, error) {
	inlineExpirations := 0
	var reaped *Reaped
	err := s.store.ScanClaimable(ctx, dims, func(ttr *types.TaskToRun) (bool, error) {
		if !deadline.IsZero() && now.Now(ctx).After(deadline) {
			return false, nil
		}
		if s.notClaimable.Contains(ctx, ttr.Key()) {
			return true, nil
		}
		if now.Now(ctx).After(ttr.Expiration) {
			// Expired in the queue. Handle it inline, but only a few
			// per poll so a backlog cannot starve this bot.
			if inlineExpirations >= maxInlineExpirations {
				return true, nil
			}
			inlineExpirations++
			replacement, err := s.expireOne(ctx, ttr)
			if err != nil {
				sklog.Warningf("Inline expiration of %s failed: %s", ttr.Key(), err)
				return true, nil
			}
			if replacement == nil || !dims.Contains(replacement.Dimensions) {
				return true, nil
			}
			ttr = replacement
		}
		r, err := s.claim(ctx, botID, dims, ttr)
		if err != nil {
			if db.IsConcurrentUpdate(err) {
				// Lost the race. Leave the negative cache alone: the
				// winner marks the entry, and a spurious miss only
				// costs one more transaction.
				metrics2.GetCounter("taskfarm_claim_conflict").Inc(1)
				return true, nil
			}
			return false, skerr.Wrap(err)
		}
		if r == nil {
			return true, nil
		}
		reaped = r
		return false, nil
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return reaped, nil
}

// claim transactionally converts one claimable queue entry into a RUNNING
// run for the bot. Returns nil if the entry turned out not to be claimable.
func (s *Scheduler) claim(ctx context.Context, botID string, dims types.Dimensions, candidate *types.TaskToRun) (*Reaped, error) {
	var reaped *Reaped
	err := s.store.RunTransaction(ctx, "claim", s.cfg.ClaimRetries, func(ctx context.Context, tx db.Tx) error {
		reaped = nil
		ttr, err := tx.GetTaskToRun(candidate.Key())
		if err != nil {
			return skerr.Wrap(err)
		}
		if !ttr.Claimable() {
			s.notClaimable.Mark(ctx, ttr.Key())
			return errSkipCandidate
		}
		sum, err := tx.GetSummary(ttr.RequestID)
		if err != nil {
			return skerr.Wrap(err)
		}
		// A bot which already ran a prior try of this task does not get
		// another; a broken bot must not spin on its own failures.
		if sum.BotID == botID && sum.TryNumber > 0 {
			return errSkipCandidate
		}
		// Witness the bot as idle inside the transaction; this is what
		// keeps each bot on at most one running task.
		bot, err := tx.GetBot(botID)
		if err != nil {
			return skerr.Wrap(err)
		}
		if !bot.Idle() {
			return errSkipCandidate
		}
		req, err := tx.GetRequest(ttr.RequestID)
		if err != nil {
			return skerr.Wrap(err)
		}

		ts := now.Now(ctx)
		try := sum.TryNumber + 1
		ttr.QueueNumber = nil
		if err := tx.PutTaskToRun(ttr); err != nil {
			return skerr.Wrap(err)
		}
		run := &types.TaskRunResult{
			RequestID:     ttr.RequestID,
			TryNumber:     try,
			BotID:         botID,
			BotVersion:    bot.Version,
			BotDimensions: dims.Copy(),
			State:         types.TaskStateRunning,
			Started:       ts,
			Modified:      ts,
			CurrentSlice:  ttr.SliceIndex,
		}
		if err := tx.PutRunResult(run); err != nil {
			return skerr.Wrap(err)
		}
		sum.State = types.TaskStateRunning
		sum.TryNumber = try
		sum.CurrentSlice = ttr.SliceIndex
		sum.BotID = botID
		sum.BotVersion = bot.Version
		sum.BotDimensions = dims.Copy()
		sum.Started = ts
		sum.Modified = ts
		if err := tx.PutSummary(sum); err != nil {
			return skerr.Wrap(err)
		}
		bot.CurrentRun = run.ID()
		if err := tx.PutBot(bot); err != nil {
			return skerr.Wrap(err)
		}
		reaped = &Reaped{Request: req, Run: run, SecretBytes: req.SecretBytes}
		key := ttr.Key()
		tx.Defer(func(ctx context.Context) {
			s.notClaimable.Mark(ctx, key)
			metrics2.GetCounter("taskfarm_claimed").Inc(1)
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, errSkipCandidate) {
			return nil, nil
		}
		return nil, err
	}
	return reaped, nil
}

// Update is the delta a bot reports for its run.
type Update struct {
	Output       []byte
	OutputOffset int64

	ExitCode *int64
	Duration *time.Duration

	HardTimeout bool
	IOTimeout   bool

	CostUSD *float64
}

// UpdateRun applies a bot-reported delta to a run. The returned state is
// advisory: TaskStateKilled tells the bot to stop the task even though the
// stored state may still be RUNNING.
func (s *Scheduler) UpdateRun(ctx context.Context, id types.RunID, botID string, u Update) (types.TaskState, error) {
	var advisory types.TaskState
	err := s.store.RunTransaction(ctx, "update", db.DefaultTxnRetries, func(ctx context.Context, tx db.Tx) error {
		run, err := tx.GetRunResult(id)
		if err != nil {
			return skerr.Wrap(err)
		}
		if run.BotID != botID {
			return skerr.Wrapf(ErrWrongBot, "run %s", id)
		}
		if u.ExitCode != nil && run.ExitCode != nil && *u.ExitCode != *run.ExitCode {
			return skerr.Wrapf(ErrConflictingUpdate, "run %s has exit code %d, got %d", id, *run.ExitCode, *u.ExitCode)
		}
		if run.State.Final() {
			// Idempotent retry of the final report.
			advisory = run.State
			return nil
		}

		ts := now.Now(ctx)
		if u.ExitCode != nil {
			v := *u.ExitCode
			run.ExitCode = &v
		}
		if u.Duration != nil {
			v := *u.Duration
			run.Duration = &v
		}
		if u.CostUSD != nil {
			run.CostUSD = *u.CostUSD
		}
		switch {
		case run.Killing && u.Duration != nil:
			run.State = types.TaskStateKilled
			run.Failure = true
			run.Completed = ts
			run.Abandoned = ts
		case u.HardTimeout || u.IOTimeout:
			run.State = types.TaskStateTimedOut
			run.Failure = true
			run.Completed = ts
			if run.ExitCode == nil {
				v := int64(-1)
				run.ExitCode = &v
			}
			if run.Duration == nil {
				v := ts.Sub(run.Started)
				run.Duration = &v
			}
		case u.ExitCode != nil:
			run.State = types.TaskStateCompleted
			run.Failure = *run.ExitCode != 0
			run.Completed = ts
			if run.Duration == nil {
				v := ts.Sub(run.Started)
				run.Duration = &v
			}
		}
		if len(u.Output) > 0 {
			if err := output.Append(ctx, tx, run, u.Output, u.OutputOffset, s.cfg.MaxOutputSize); err != nil {
				return skerr.Wrap(err)
			}
		}
		run.Modified = ts
		if err := tx.PutRunResult(run); err != nil {
			return skerr.Wrap(err)
		}

		sum, err := tx.GetSummary(id.RequestID)
		if err != nil {
			return skerr.Wrap(err)
		}
		// A stale try's update is absorbed without touching the summary.
		if run.TryNumber >= sum.TryNumber {
			s.mirrorRunToSummary(run, sum)
			if run.State.Final() {
				req, err := tx.GetRequest(id.RequestID)
				if err != nil {
					return skerr.Wrap(err)
				}
				if err := s.finalizeSummary(ctx, tx, req, run, sum); err != nil {
					return skerr.Wrap(err)
				}
			}
			if err := tx.PutSummary(sum); err != nil {
				return skerr.Wrap(err)
			}
		}
		if run.State.Final() {
			if err := s.releaseBot(tx, botID, id); err != nil {
				return skerr.Wrap(err)
			}
		}
		if run.Killing && !run.State.Final() {
			advisory = types.TaskStateKilled
		} else {
			advisory = run.State
		}
		return nil
	})
	if err != nil {
		return "", skerr.Wrap(err)
	}
	return advisory, nil
}

// mirrorRunToSummary copies a run's mutable fields onto its summary.
func (s *Scheduler) mirrorRunToSummary(run *types.TaskRunResult, sum *types.TaskResultSummary) {
	sum.State = run.State
	sum.Modified = run.Modified
	sum.Completed = run.Completed
	sum.Abandoned = run.Abandoned
	sum.ExitCode = run.ExitCode
	sum.Duration = run.Duration
	sum.Failure = run.Failure
	sum.InternalFailure = run.InternalFailure
}

// finalizeSummary applies the bookkeeping of a terminal transition: per-try
// cost, dedup publication, and the completion notification.
func (s *Scheduler) finalizeSummary(ctx context.Context, tx db.Tx, req *types.TaskRequest, run *types.TaskRunResult, sum *types.TaskResultSummary) error {
	for len(sum.CostsUSD) < run.TryNumber {
		sum.CostsUSD = append(sum.CostsUSD, 0)
	}
	sum.CostsUSD[run.TryNumber-1] = run.CostUSD
	if sum.State == types.TaskStateCompleted && !sum.Failure && sum.DedupedFrom == "" {
		if hash := req.Slices[run.CurrentSlice].PropertiesHash; hash != "" {
			sum.PropertiesHash = hash
			published := sum.Copy()
			tx.Defer(func(ctx context.Context) {
				s.finder.Record(published)
			})
		}
	}
	return skerr.Wrap(s.notifier.EnqueueCompletion(ctx, tx, req, sum))
}

// releaseBot clears the bot's current-run marker if it still points at id.
func (s *Scheduler) releaseBot(tx db.Tx, botID string, id types.RunID) error {
	bot, err := tx.GetBot(botID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil
		}
		return skerr.Wrap(err)
	}
	if bot.CurrentRun == id {
		bot.CurrentRun = types.RunID{}
		return skerr.Wrap(tx.PutBot(bot))
	}
	return nil
}

// BotKillTask handles a bot-initiated terminal failure: the bot could not
// run or finish the task for an internal reason. Treated like bot death.
func (s *Scheduler) BotKillTask(ctx context.Context, id types.RunID, botID, reason string) error {
	sklog.Warningf("Bot %s killed run %s: %s", botID, id, reason)
	return skerr.Wrap(s.store.RunTransaction(ctx, "bot-kill", db.DefaultTxnRetries, func(ctx context.Context, tx db.Tx) error {
		run, err := tx.GetRunResult(id)
		if err != nil {
			return skerr.Wrap(err)
		}
		if run.BotID != botID {
			return skerr.Wrapf(ErrWrongBot, "run %s", id)
		}
		if run.State.Final() {
			return nil
		}
		ts := now.Now(ctx)
		run.State = types.TaskStateBotDied
		run.InternalFailure = true
		run.Modified = ts
		run.Abandoned = ts
		if err := tx.PutRunResult(run); err != nil {
			return skerr.Wrap(err)
		}
		sum, err := tx.GetSummary(id.RequestID)
		if err != nil {
			return skerr.Wrap(err)
		}
		if run.TryNumber >= sum.TryNumber {
			s.mirrorRunToSummary(run, sum)
			req, err := tx.GetRequest(id.RequestID)
			if err != nil {
				return skerr.Wrap(err)
			}
			if err := s.finalizeSummary(ctx, tx, req, run, sum); err != nil {
				return skerr.Wrap(err)
			}
			if err := tx.PutSummary(sum); err != nil {
				return skerr.Wrap(err)
			}
		}
		return skerr.Wrap(s.releaseBot(tx, botID, id))
	}))
}
