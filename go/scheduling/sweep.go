package scheduling

import (
	"context"
	"time"

	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/taskfarm/go/db"
	"go.skia.org/taskfarm/go/types"
)

// expireOne retires one expired queue entry, falling through to the next
// slice with capacity when there is one. Returns the replacement entry, if
// any. Safe to call on an entry which has already been claimed or retired.
func (s *Scheduler) expireOne(ctx context.Context, candidate *types.TaskToRun) (*types.TaskToRun, error) {
	req, err := s.store.GetRequest(ctx, candidate.RequestID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	// The capacity vector is computed outside the transaction; it is a
	// snapshot, and a wrong entry only delays or re-queues a slice.
	capacity := capacityVector(req, s.listBots(ctx))

	var replacement *types.TaskToRun
	err = s.store.RunTransaction(ctx, "expire", s.cfg.ExpireRetries, func(ctx context.Context, tx db.Tx) error {
		replacement = nil
		ttr, err := tx.GetTaskToRun(candidate.Key())
		if err != nil {
			return skerr.Wrap(err)
		}
		if !ttr.Claimable() {
			return nil
		}
		ttr.QueueNumber = nil
		if err := tx.PutTaskToRun(ttr); err != nil {
			return skerr.Wrap(err)
		}
		sum, err := tx.GetSummary(ttr.RequestID)
		if err != nil {
			return skerr.Wrap(err)
		}
		ts := now.Now(ctx)
		next := -1
		for i := ttr.SliceIndex + 1; i < len(req.Slices); i++ {
			if capacity[i] {
				next = i
				break
			}
		}
		if next >= 0 {
			nttr, err := newTaskToRun(ctx, req, ttr.TryNumber, next, ts.Add(req.Slices[next].Expiration))
			if err != nil {
				return skerr.Wrap(err)
			}
			if err := tx.PutTaskToRun(nttr); err != nil {
				return skerr.Wrap(err)
			}
			sum.CurrentSlice = next
			sum.Modified = ts
			replacement = nttr
		} else {
			// A retry's entry expiring means the task already lost a
			// bot; report that, not a plain expiration.
			if ttr.TryNumber > 1 {
				sum.State = types.TaskStateBotDied
				sum.InternalFailure = true
			} else {
				sum.State = types.TaskStateExpired
			}
			sum.Modified = ts
			sum.Completed = ts
			sum.Abandoned = ts
			if err := s.notifier.EnqueueCompletion(ctx, tx, req, sum); err != nil {
				return skerr.Wrap(err)
			}
		}
		if err := tx.PutSummary(sum); err != nil {
			return skerr.Wrap(err)
		}
		key := ttr.Key()
		tx.Defer(func(ctx context.Context) {
			s.notClaimable.Mark(ctx, key)
		})
		return nil
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return replacement, nil
}

// ExpireSweep retires every queue entry past its slice deadline, falling
// through to later slices where capacity exists. Returns the number of
// entries acted on.
func (s *Scheduler) ExpireSweep(ctx context.Context) (int, error) {
	count := 0
	cutoff := now.Now(ctx)
	err := s.store.ScanExpired(ctx, cutoff, func(ttr *types.TaskToRun) (bool, error) {
		if _, err := s.expireOne(ctx, ttr); err != nil {
			if db.IsConcurrentUpdate(err) {
				return true, nil
			}
			return false, skerr.Wrap(err)
		}
		count++
		return true, nil
	})
	if err != nil {
		return count, skerr.Wrap(err)
	}
	if count > 0 {
		sklog.Infof("Expired %d queue entries.", count)
	}
	metrics2.GetCounter("taskfarm_sweep_expired").Inc(int64(count))
	return count, nil
}

// DeadBotSweep finds RUNNING tasks whose bot has stopped pinging and marks
// them BOT_DIED, retrying the first try of a slice when that is safe. A run
// with a pending kill is finished as KILLED instead. Returns the number of
// runs acted on.
func (s *Scheduler) DeadBotSweep(ctx context.Context) (int, error) {
	count := 0
	cutoff := now.Now(ctx).Add(-s.cfg.BotPingTolerance)
	err := s.store.ScanStaleRunning(ctx, cutoff, func(stale *types.TaskRunResult) (bool, error) {
		acted, err := s.reapDeadBot(ctx, stale.ID(), cutoff)
		if err != nil {
			if db.IsConcurrentUpdate(err) {
				return true, nil
			}
			return false, skerr.Wrap(err)
		}
		if acted {
			count++
		}
		return true, nil
	})
	if err != nil {
		return count, skerr.Wrap(err)
	}
	if count > 0 {
		sklog.Warningf("Declared %d runs dead.", count)
	}
	metrics2.GetCounter("taskfarm_sweep_dead_bots").Inc(int64(count))
	return count, nil
}

// reapDeadBot handles one presumed-dead run.
func (s *Scheduler) reapDeadBot(ctx context.Context, id types.RunID, cutoff time.Time) (bool, error) {
	acted := false
	err := s.store.RunTransaction(ctx, "dead-bot", db.DefaultTxnRetries, func(ctx context.Context, tx db.Tx) error {
		acted = false
		run, err := tx.GetRunResult(id)
		if err != nil {
			return skerr.Wrap(err)
		}
		// The bot may have pinged between the scan and this transaction.
		if run.State != types.TaskStateRunning || !run.Modified.Before(cutoff) {
			return nil
		}
		ts := now.Now(ctx)
		neverPinged := run.Modified.Equal(run.Started)
		if run.Killing {
			// A kill was already in flight; the bot dying just means
			// nobody will acknowledge it. Finish the kill, and never
			// re-enqueue work the client stopped.
			run.State = types.TaskStateKilled
			run.Failure = true
			run.Completed = ts
		} else {
			run.State = types.TaskStateBotDied
			run.InternalFailure = true
		}
		run.Modified = ts
		run.Abandoned = ts
		if err := tx.PutRunResult(run); err != nil {
			return skerr.Wrap(err)
		}
		acted = true

		sum, err := tx.GetSummary(id.RequestID)
		if err != nil {
			return skerr.Wrap(err)
		}
		if run.TryNumber < sum.TryNumber {
			// The summary has moved on to a later try; only the run is
			// closed.
			return skerr.Wrap(s.releaseBot(tx, run.BotID, id))
		}
		req, err := tx.GetRequest(id.RequestID)
		if err != nil {
			return skerr.Wrap(err)
		}
		if !run.Killing {
			if retry, err := s.maybeRetry(ctx, tx, req, run, sum, neverPinged); err != nil {
				return skerr.Wrap(err)
			} else if retry {
				return skerr.Wrap(s.releaseBot(tx, run.BotID, id))
			}
		}
		s.mirrorRunToSummary(run, sum)
		if err := s.finalizeSummary(ctx, tx, req, run, sum); err != nil {
			return skerr.Wrap(err)
		}
		if err := tx.PutSummary(sum); err != nil {
			return skerr.Wrap(err)
		}
		return skerr.Wrap(s.releaseBot(tx, run.BotID, id))
	})
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return acted, nil
}

// maybeRetry re-enqueues the dead run's slice for a second try when that is
// safe: only the first try is retried, only inside the slice's scheduling
// window, and only if the work is idempotent or the bot never pinged after
// the claim (so the command cannot have started).
func (s *Scheduler) maybeRetry(ctx context.Context, tx db.Tx, req *types.TaskRequest, run *types.TaskRunResult, sum *types.TaskResultSummary, neverPinged bool) (bool, error) {
	if run.TryNumber != 1 {
		return false, nil
	}
	if !req.Slices[run.CurrentSlice].Properties.Idempotent && !neverPinged {
		return false, nil
	}
	prev, err := tx.GetTaskToRun(types.TaskToRunKey{RequestID: req.ID, TryNumber: 1, SliceIndex: run.CurrentSlice})
	if err != nil {
		return false, skerr.Wrap(err)
	}
	ts := now.Now(ctx)
	if !ts.Before(prev.Expiration) {
		return false, nil
	}
	nttr, err := newTaskToRun(ctx, req, 2, run.CurrentSlice, prev.Expiration)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	if err := tx.PutTaskToRun(nttr); err != nil {
		return false, skerr.Wrap(err)
	}
	// The summary goes back to PENDING; its try number stays at 1 until
	// the new entry is claimed. The dead bot's id is kept so that the
	// claim path refuses to hand the retry back to it.
	sum.State = types.TaskStatePending
	sum.Modified = ts
	sum.Started = time.Time{}
	sum.ExitCode = nil
	sum.Duration = nil
	sum.Failure = false
	sum.InternalFailure = false
	if err := tx.PutSummary(sum); err != nil {
		return false, skerr.Wrap(err)
	}
	sklog.Infof("Re-enqueued task %s for try 2 after bot %s died.", req.ID, run.BotID)
	return true, nil
}

// DedupSweep revalidates the dedup accelerator cache, dropping entries whose
// results are no longer reusable. Correctness never depends on it; it only
// keeps lookups honest and fast. Returns the number of entries dropped.
func (s *Scheduler) DedupSweep(ctx context.Context) (int, error) {
	dropped, err := s.finder.Refresh(ctx)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	metrics2.GetCounter("taskfarm_sweep_dedup_dropped").Inc(int64(dropped))
	return dropped, nil
}
