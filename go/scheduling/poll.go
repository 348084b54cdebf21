package scheduling

import (
	"context"
	"time"

	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/taskfarm/go/db"
	"go.skia.org/taskfarm/go/types"
)

// Poll directives, in order of precedence.
const (
	// DirectiveSleep tells the bot there is no work.
	DirectiveSleep = "sleep"
	// DirectiveRun hands the bot a claimed task.
	DirectiveRun = "run"
	// DirectiveTerminate hands the bot its shutdown task; the bot reports
	// completion and exits.
	DirectiveTerminate = "terminate"
)

// reapBudget bounds how long one poll may spend scanning the queue.
const reapBudget = 5 * time.Second

// PollResponse is the scheduler's answer to one bot poll.
type PollResponse struct {
	Directive string
	Reaped    *Reaped
}

// Poll registers the bot's liveness and capabilities, then tries to hand it
// a task.
func (s *Scheduler) Poll(ctx context.Context, botID string, dims types.Dimensions, version string) (*PollResponse, error) {
	if dims.BotID() != botID {
		return nil, skerr.Fmt("bot %q advertises id dimension %q", botID, dims.BotID())
	}
	if err := dims.Validate(); err != nil {
		return nil, skerr.Wrap(err)
	}
	busy, err := s.recordBotSeen(ctx, botID, dims, version)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if busy {
		// A bot polling while a run is still open on it has lost track
		// of the run; leave it to the dead-bot sweep and do not hand
		// out more work.
		return &PollResponse{Directive: DirectiveSleep}, nil
	}
	reaped, err := s.Reap(ctx, botID, dims, now.Now(ctx).Add(reapBudget))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if reaped == nil {
		return &PollResponse{Directive: DirectiveSleep}, nil
	}
	if reaped.Request.IsTerminate() {
		return &PollResponse{Directive: DirectiveTerminate, Reaped: reaped}, nil
	}
	return &PollResponse{Directive: DirectiveRun, Reaped: reaped}, nil
}

// recordBotSeen upserts the bot record and reports whether the bot still has
// an open run.
func (s *Scheduler) recordBotSeen(ctx context.Context, botID string, dims types.Dimensions, version string) (bool, error) {
	busy := false
	err := s.store.RunTransaction(ctx, "bot-seen", db.DefaultTxnRetries, func(ctx context.Context, tx db.Tx) error {
		ts := now.Now(ctx)
		bot, err := tx.GetBot(botID)
		if err != nil {
			if !db.IsNotFound(err) {
				return skerr.Wrap(err)
			}
			bot = &types.Bot{ID: botID, FirstSeen: ts}
		}
		bot.Dimensions = dims.Copy()
		bot.Version = version
		bot.LastSeen = ts
		busy = !bot.Idle()
		return skerr.Wrap(tx.PutBot(bot))
	})
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return busy, nil
}
