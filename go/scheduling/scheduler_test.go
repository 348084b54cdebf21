package scheduling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.skia.org/infra/go/now"
	"go.skia.org/taskfarm/go/db"
	"go.skia.org/taskfarm/go/db/memory"
	"go.skia.org/taskfarm/go/notify"
	"go.skia.org/taskfarm/go/types"
)

// capturePublisher records completion notifications.
type capturePublisher struct {
	mtx      sync.Mutex
	messages []notify.Message
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	var m notify.Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	p.messages = append(p.messages, m)
	return nil
}

func (p *capturePublisher) published() []notify.Message {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]notify.Message{}, p.messages...)
}

var testEpoch = time.Unix(1700000000, 0).UTC()

func setup(t *testing.T) (*now.TimeTravelCtx, *memory.Store, *Scheduler, *capturePublisher) {
	ctx := now.TimeTravelingContext(context.Background(), testEpoch)
	store := memory.New()
	pub := &capturePublisher{}
	s, err := New(store, notify.New(store, pub), DefaultConfig())
	require.NoError(t, err)
	return ctx, store, s, pub
}

func botDims(id, pool string) types.Dimensions {
	return types.Dimensions{
		types.DimID:   {id},
		types.DimPool: {pool},
	}
}

// addBot registers a bot without reaping.
func addBot(t *testing.T, ctx context.Context, s *Scheduler, id, pool string) {
	busy, err := s.recordBotSeen(ctx, id, botDims(id, pool), "v1")
	require.NoError(t, err)
	require.False(t, busy)
}

func simpleRequest(pool string, expiration time.Duration, idempotent bool) *types.TaskRequest {
	return &types.TaskRequest{
		Name:     "test-task",
		Priority: 50,
		Slices: []types.TaskSlice{
			{
				Properties: types.TaskProperties{
					Command:          []string{"do", "work"},
					Dimensions:       types.Dimensions{types.DimPool: {pool}},
					ExecutionTimeout: 5 * time.Minute,
					Idempotent:       idempotent,
				},
				Expiration: expiration,
			},
		},
		PubSubTopic: "projects/p/topics/done",
	}
}

func i64(v int64) *int64                 { return &v }
func dur(v time.Duration) *time.Duration { return &v }
func f64(v float64) *float64             { return &v }

func TestHappyPath(t *testing.T) {
	ctx, store, s, pub := setup(t)
	addBot(t, ctx, s, "b1", "A")

	sum, err := s.Submit(ctx, simpleRequest("A", time.Minute, false))
	require.NoError(t, err)
	require.Equal(t, types.TaskStatePending, sum.State)
	require.Equal(t, 0, sum.TryNumber)

	ctx.SetTime(testEpoch.Add(time.Second))
	resp, err := s.Poll(ctx, "b1", botDims("b1", "A"), "v1")
	require.NoError(t, err)
	require.Equal(t, DirectiveRun, resp.Directive)
	run := resp.Reaped.Run
	require.Equal(t, 1, run.TryNumber)
	require.Equal(t, types.TaskStateRunning, run.State)

	// The summary mirrors the claim.
	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateRunning, sum.State)
	require.Equal(t, "b1", sum.BotID)
	require.Equal(t, 1, sum.TryNumber)

	// The bot is marked busy; a second poll sleeps.
	resp, err = s.Poll(ctx, "b1", botDims("b1", "A"), "v1")
	require.NoError(t, err)
	require.Equal(t, DirectiveSleep, resp.Directive)

	ctx.SetTime(testEpoch.Add(2 * time.Second))
	state, err := s.UpdateRun(ctx, run.ID(), "b1", Update{
		Output:   []byte("hello\n"),
		ExitCode: i64(0),
		Duration: dur(time.Second),
		CostUSD:  f64(0.25),
	})
	require.NoError(t, err)
	require.Equal(t, types.TaskStateCompleted, state)

	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateCompleted, sum.State)
	require.Equal(t, int64(0), *sum.ExitCode)
	require.Equal(t, time.Second, *sum.Duration)
	require.False(t, sum.Failure)
	require.Equal(t, 1, sum.TryNumber)
	require.Equal(t, []float64{0.25}, sum.CostsUSD)

	out, err := s.GetOutput(ctx, run.ID())
	require.NoError(t, err)
	require.Equal(t, []byte("hello\n"), out)

	// One completion notification went out.
	msgs := pub.published()
	require.Len(t, msgs, 1)
	require.Equal(t, string(types.TaskStateCompleted), msgs[0].State)

	// The bot is idle again.
	bot, err := store.GetBot(ctx, "b1")
	require.NoError(t, err)
	require.True(t, bot.Idle())
}

func TestNoResource(t *testing.T) {
	ctx, store, s, _ := setup(t)
	addBot(t, ctx, s, "b1", "A")

	sum, err := s.Submit(ctx, simpleRequest("NONEXISTENT", time.Minute, false))
	require.NoError(t, err)
	require.Equal(t, types.TaskStateNoResource, sum.State)

	// No queue entry was created.
	_, err = store.GetTaskToRun(ctx, types.TaskToRunKey{RequestID: sum.RequestID, TryNumber: 1, SliceIndex: 0})
	require.True(t, db.IsNotFound(err))
}

func TestWaitForCapacityKeepsPending(t *testing.T) {
	ctx, _, s, _ := setup(t)

	req := simpleRequest("EMPTY", time.Minute, false)
	req.Slices[0].WaitForCapacity = true
	sum, err := s.Submit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatePending, sum.State)
}

func TestDedup(t *testing.T) {
	ctx, store, s, _ := setup(t)
	addBot(t, ctx, s, "b1", "A")

	// Run the first idempotent request to successful completion.
	sum0, err := s.Submit(ctx, simpleRequest("A", time.Minute, true))
	require.NoError(t, err)
	resp, err := s.Poll(ctx, "b1", botDims("b1", "A"), "v1")
	require.NoError(t, err)
	require.Equal(t, DirectiveRun, resp.Directive)
	_, err = s.UpdateRun(ctx, resp.Reaped.Run.ID(), "b1", Update{
		ExitCode: i64(0), Duration: dur(time.Second), CostUSD: f64(0.5),
	})
	require.NoError(t, err)
	sum0, err = s.GetResult(ctx, sum0.RequestID)
	require.NoError(t, err)
	require.NotEmpty(t, sum0.PropertiesHash)

	// An equal request submitted later is satisfied without running.
	ctx.SetTime(testEpoch.Add(time.Hour))
	sum1, err := s.Submit(ctx, simpleRequest("A", time.Minute, true))
	require.NoError(t, err)
	require.Equal(t, types.TaskStateCompleted, sum1.State)
	require.Equal(t, 0, sum1.TryNumber)
	require.Equal(t, sum0.ActiveRun().String(), sum1.DedupedFrom)
	require.Equal(t, 0.5, sum1.CostSavedUSD)
	require.Equal(t, int64(0), *sum1.ExitCode)
	// A deduped summary never publishes its own hash.
	require.Empty(t, sum1.PropertiesHash)
	_, err = store.GetTaskToRun(ctx, types.TaskToRunKey{RequestID: sum1.RequestID, TryNumber: 1, SliceIndex: 0})
	require.True(t, db.IsNotFound(err))

	// A third request dedupes against the original, not the deduped copy.
	sum2, err := s.Submit(ctx, simpleRequest("A", time.Minute, true))
	require.NoError(t, err)
	require.Equal(t, sum0.ActiveRun().String(), sum2.DedupedFrom)
}

func TestDedupFailedRunNotReused(t *testing.T) {
	ctx, _, s, _ := setup(t)
	addBot(t, ctx, s, "b1", "A")

	sum0, err := s.Submit(ctx, simpleRequest("A", time.Minute, true))
	require.NoError(t, err)
	resp, err := s.Poll(ctx, "b1", botDims("b1", "A"), "v1")
	require.NoError(t, err)
	_, err = s.UpdateRun(ctx, resp.Reaped.Run.ID(), "b1", Update{
		ExitCode: i64(1), Duration: dur(time.Second),
	})
	require.NoError(t, err)
	sum0, err = s.GetResult(ctx, sum0.RequestID)
	require.NoError(t, err)
	require.True(t, sum0.Failure)
	require.Empty(t, sum0.PropertiesHash)

	sum1, err := s.Submit(ctx, simpleRequest("A", time.Minute, true))
	require.NoError(t, err)
	require.Equal(t, types.TaskStatePending, sum1.State)
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	ctx, _, s, _ := setup(t)
	bots := []string{"b1", "b2", "b3", "b4"}
	for _, b := range bots {
		addBot(t, ctx, s, b, "A")
	}
	sum, err := s.Submit(ctx, simpleRequest("A", time.Minute, false))
	require.NoError(t, err)

	var wg sync.WaitGroup
	winners := make([]*Reaped, len(bots))
	errs := make([]error, len(bots))
	for i, b := range bots {
		wg.Add(1)
		go func(i int, b string) {
			defer wg.Done()
			winners[i], errs[i] = s.Reap(ctx, b, botDims(b, "A"), time.Time{})
		}(i, b)
	}
	wg.Wait()

	got := 0
	for i, r := range winners {
		require.NoError(t, errs[i])
		if r != nil {
			got++
			require.Equal(t, 1, r.Run.TryNumber)
		}
	}
	require.Equal(t, 1, got)

	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateRunning, sum.State)
	require.Equal(t, 1, sum.TryNumber)
}

func TestSliceFallback(t *testing.T) {
	ctx, store, s, _ := setup(t)
	addBot(t, ctx, s, "b1", "A")

	req := simpleRequest("X", 10*time.Second, false)
	req.Slices = append(req.Slices, types.TaskSlice{
		Properties: types.TaskProperties{
			Command:          []string{"do", "work"},
			Dimensions:       types.Dimensions{types.DimPool: {"A"}},
			ExecutionTimeout: 5 * time.Minute,
		},
		Expiration: time.Minute,
	})
	sum, err := s.Submit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatePending, sum.State)
	require.Equal(t, 0, sum.CurrentSlice)

	// Nothing expires before the deadline.
	n, err := s.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	ctx.SetTime(testEpoch.Add(10*time.Second + time.Millisecond))
	n, err = s.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatePending, sum.State)
	require.Equal(t, 1, sum.CurrentSlice)

	// The slice-0 entry is retired, the slice-1 entry claimable.
	old, err := store.GetTaskToRun(ctx, types.TaskToRunKey{RequestID: sum.RequestID, TryNumber: 1, SliceIndex: 0})
	require.NoError(t, err)
	require.False(t, old.Claimable())
	fresh, err := store.GetTaskToRun(ctx, types.TaskToRunKey{RequestID: sum.RequestID, TryNumber: 1, SliceIndex: 1})
	require.NoError(t, err)
	require.True(t, fresh.Claimable())

	ctx.SetTime(testEpoch.Add(11 * time.Second))
	resp, err := s.Poll(ctx, "b1", botDims("b1", "A"), "v1")
	require.NoError(t, err)
	require.Equal(t, DirectiveRun, resp.Directive)
	require.Equal(t, 1, resp.Reaped.Run.CurrentSlice)
}

func TestExpireTerminal(t *testing.T) {
	ctx, _, s, pub := setup(t)
	addBot(t, ctx, s, "b1", "A")

	sum, err := s.Submit(ctx, simpleRequest("A", time.Minute, false))
	require.NoError(t, err)

	ctx.SetTime(testEpoch.Add(2 * time.Minute))
	n, err := s.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateExpired, sum.State)
	require.False(t, sum.Abandoned.IsZero())

	msgs := pub.published()
	require.Len(t, msgs, 1)
	require.Equal(t, string(types.TaskStateExpired), msgs[0].State)
}

func TestInlineExpirationDuringPoll(t *testing.T) {
	ctx, _, s, _ := setup(t)
	addBot(t, ctx, s, "b1", "A")

	// Both slices match the bot; only entries matching the poller are
	// candidates for inline expiration.
	req := simpleRequest("A", 10*time.Second, false)
	req.Slices = append(req.Slices, types.TaskSlice{
		Properties: types.TaskProperties{
			Command:          []string{"do", "work"},
			Dimensions:       types.Dimensions{types.DimPool: {"A"}},
			ExecutionTimeout: 5 * time.Minute,
		},
		Expiration: time.Minute,
	})
	sum, err := s.Submit(ctx, req)
	require.NoError(t, err)

	// The poll finds the expired slice-0 entry, expires it inline, and
	// claims the freshly installed slice-1 entry in the same pass.
	ctx.SetTime(testEpoch.Add(11 * time.Second))
	resp, err := s.Poll(ctx, "b1", botDims("b1", "A"), "v1")
	require.NoError(t, err)
	require.Equal(t, DirectiveRun, resp.Directive)
	require.Equal(t, 1, resp.Reaped.Run.CurrentSlice)

	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateRunning, sum.State)
	require.Equal(t, 1, sum.CurrentSlice)
}

func TestDeadBotRetryIdempotent(t *testing.T) {
	ctx, store, s, _ := setup(t)
	addBot(t, ctx, s, "b1", "A")
	addBot(t, ctx, s, "b2", "A")

	sum, err := s.Submit(ctx, simpleRequest("A", time.Hour, true))
	require.NoError(t, err)

	ctx.SetTime(testEpoch.Add(time.Second))
	r1, err := s.Reap(ctx, "b1", botDims("b1", "A"), time.Time{})
	require.NoError(t, err)
	require.NotNil(t, r1)

	// b1 goes silent for longer than the ping tolerance.
	ctx.SetTime(testEpoch.Add(7 * time.Minute))
	n, err := s.DeadBotSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The first run is closed as an internal failure.
	run1, err := store.GetRunResult(ctx, r1.Run.ID())
	require.NoError(t, err)
	require.Equal(t, types.TaskStateBotDied, run1.State)
	require.True(t, run1.InternalFailure)

	// The summary is back to PENDING with a try-2 queue entry; the try
	// number only advances when the entry is claimed.
	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatePending, sum.State)
	require.Equal(t, 1, sum.TryNumber)
	require.Nil(t, sum.ExitCode)
	ttr2, err := store.GetTaskToRun(ctx, types.TaskToRunKey{RequestID: sum.RequestID, TryNumber: 2, SliceIndex: 0})
	require.NoError(t, err)
	require.True(t, ttr2.Claimable())

	// The dead bot does not get its own task back.
	r, err := s.Reap(ctx, "b1", botDims("b1", "A"), time.Time{})
	require.NoError(t, err)
	require.Nil(t, r)

	// Another bot picks up try 2 and completes it.
	r2, err := s.Reap(ctx, "b2", botDims("b2", "A"), time.Time{})
	require.NoError(t, err)
	require.NotNil(t, r2)
	require.Equal(t, 2, r2.Run.TryNumber)
	ctx.SetTime(testEpoch.Add(8 * time.Minute))
	_, err = s.UpdateRun(ctx, r2.Run.ID(), "b2", Update{ExitCode: i64(0), Duration: dur(time.Minute)})
	require.NoError(t, err)

	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateCompleted, sum.State)
	require.Equal(t, 2, sum.TryNumber)
	require.Equal(t, "b2", sum.BotID)
}

func TestDeadBotTerminal(t *testing.T) {
	ctx, _, s, pub := setup(t)
	addBot(t, ctx, s, "b1", "A")

	sum, err := s.Submit(ctx, simpleRequest("A", time.Hour, false))
	require.NoError(t, err)
	r1, err := s.Reap(ctx, "b1", botDims("b1", "A"), time.Time{})
	require.NoError(t, err)
	require.NotNil(t, r1)

	// The bot pings once (so it is known to have started work), then
	// goes silent. Not idempotent, so no retry.
	ctx.SetTime(testEpoch.Add(time.Minute))
	_, err = s.UpdateRun(ctx, r1.Run.ID(), "b1", Update{Output: []byte("starting\n")})
	require.NoError(t, err)

	ctx.SetTime(testEpoch.Add(10 * time.Minute))
	n, err := s.DeadBotSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateBotDied, sum.State)
	require.True(t, sum.InternalFailure)

	msgs := pub.published()
	require.Len(t, msgs, 1)
	require.Equal(t, string(types.TaskStateBotDied), msgs[0].State)
}

func TestDeadBotNeverPingedRetriesNonIdempotent(t *testing.T) {
	ctx, store, s, _ := setup(t)
	addBot(t, ctx, s, "b1", "A")

	sum, err := s.Submit(ctx, simpleRequest("A", time.Hour, false))
	require.NoError(t, err)
	_, err = s.Reap(ctx, "b1", botDims("b1", "A"), time.Time{})
	require.NoError(t, err)

	// No ping at all after the claim: the command cannot have started,
	// so even non-idempotent work is retried.
	ctx.SetTime(testEpoch.Add(10 * time.Minute))
	n, err := s.DeadBotSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatePending, sum.State)
	ttr2, err := store.GetTaskToRun(ctx, types.TaskToRunKey{RequestID: sum.RequestID, TryNumber: 2, SliceIndex: 0})
	require.NoError(t, err)
	require.True(t, ttr2.Claimable())
}

func TestDeadBotStaleTryDoesNotTouchSummary(t *testing.T) {
	ctx, store, s, _ := setup(t)
	addBot(t, ctx, s, "b1", "A")
	addBot(t, ctx, s, "b2", "A")

	sum, err := s.Submit(ctx, simpleRequest("A", time.Hour, true))
	require.NoError(t, err)
	r1, err := s.Reap(ctx, "b1", botDims("b1", "A"), time.Time{})
	require.NoError(t, err)

	ctx.SetTime(testEpoch.Add(7 * time.Minute))
	_, err = s.DeadBotSweep(ctx)
	require.NoError(t, err)
	r2, err := s.Reap(ctx, "b2", botDims("b2", "A"), time.Time{})
	require.NoError(t, err)
	require.NotNil(t, r2)

	// Resurrect the stale try-1 run as RUNNING, as if the sweep and the
	// bot raced; a later sweep must close it without touching the
	// summary, which now tracks try 2.
	require.NoError(t, store.RunTransaction(ctx, "test-resurrect", db.DefaultTxnRetries, func(ctx context.Context, tx db.Tx) error {
		run, err := tx.GetRunResult(r1.Run.ID())
		if err != nil {
			return err
		}
		run.State = types.TaskStateRunning
		return tx.PutRunResult(run)
	}))

	// b2 keeps pinging so its run stays live.
	ctx.SetTime(testEpoch.Add(19 * time.Minute))
	_, err = s.UpdateRun(ctx, r2.Run.ID(), "b2", Update{Output: []byte("alive\n")})
	require.NoError(t, err)

	ctx.SetTime(testEpoch.Add(20 * time.Minute))
	_, err = s.DeadBotSweep(ctx)
	require.NoError(t, err)

	run1, err := store.GetRunResult(ctx, r1.Run.ID())
	require.NoError(t, err)
	require.Equal(t, types.TaskStateBotDied, run1.State)
	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateRunning, sum.State)
	require.Equal(t, 2, sum.TryNumber)
}

func TestDeadBotFinishesPendingKill(t *testing.T) {
	ctx, store, s, pub := setup(t)
	addBot(t, ctx, s, "b1", "A")
	addBot(t, ctx, s, "b2", "A")

	sum, err := s.Submit(ctx, simpleRequest("A", time.Hour, true))
	require.NoError(t, err)
	r1, err := s.Reap(ctx, "b1", botDims("b1", "A"), time.Time{})
	require.NoError(t, err)
	require.NotNil(t, r1)

	ok, wasRunning, err := s.Cancel(ctx, sum.RequestID, true, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, wasRunning)

	// The bot dies before acknowledging the kill. Even though the work is
	// idempotent, on its first try, and inside the slice window, it must
	// not come back to life.
	ctx.SetTime(testEpoch.Add(7 * time.Minute))
	n, err := s.DeadBotSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateKilled, sum.State)
	require.True(t, sum.Failure)
	require.False(t, sum.InternalFailure)
	_, err = store.GetTaskToRun(ctx, types.TaskToRunKey{RequestID: sum.RequestID, TryNumber: 2, SliceIndex: 0})
	require.True(t, db.IsNotFound(err))

	// No resurrected work for anyone to pick up.
	r, err := s.Reap(ctx, "b2", botDims("b2", "A"), time.Time{})
	require.NoError(t, err)
	require.Nil(t, r)

	msgs := pub.published()
	require.Len(t, msgs, 1)
	require.Equal(t, string(types.TaskStateKilled), msgs[0].State)
}

func TestCancelPending(t *testing.T) {
	ctx, store, s, pub := setup(t)
	addBot(t, ctx, s, "b1", "A")

	sum, err := s.Submit(ctx, simpleRequest("A", time.Minute, false))
	require.NoError(t, err)

	ok, wasRunning, err := s.Cancel(ctx, sum.RequestID, false, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, wasRunning)

	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateCanceled, sum.State)
	ttr, err := store.GetTaskToRun(ctx, types.TaskToRunKey{RequestID: sum.RequestID, TryNumber: 1, SliceIndex: 0})
	require.NoError(t, err)
	require.False(t, ttr.Claimable())

	// The bot finds nothing to do.
	r, err := s.Reap(ctx, "b1", botDims("b1", "A"), time.Time{})
	require.NoError(t, err)
	require.Nil(t, r)

	require.Len(t, pub.published(), 1)
}

func TestCancelRunningTwoPhase(t *testing.T) {
	ctx, _, s, _ := setup(t)
	addBot(t, ctx, s, "b1", "A")

	sum, err := s.Submit(ctx, simpleRequest("A", time.Minute, false))
	require.NoError(t, err)
	r1, err := s.Reap(ctx, "b1", botDims("b1", "A"), time.Time{})
	require.NoError(t, err)
	require.NotNil(t, r1)

	// Without killRunning a running task cannot be cancelled.
	ok, wasRunning, err := s.Cancel(ctx, sum.RequestID, false, "")
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, wasRunning)

	// A bot filter which does not match also fails.
	ok, _, err = s.Cancel(ctx, sum.RequestID, true, "other-bot")
	require.NoError(t, err)
	require.False(t, ok)

	ok, wasRunning, err = s.Cancel(ctx, sum.RequestID, true, "b1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, wasRunning)

	// Phase one only marks the run; the state is unchanged and the bot is
	// told to kill on its next update.
	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateRunning, sum.State)
	state, err := s.UpdateRun(ctx, r1.Run.ID(), "b1", Update{Output: []byte("working\n")})
	require.NoError(t, err)
	require.Equal(t, types.TaskStateKilled, state)

	// Phase two: the bot acknowledges with a duration.
	ctx.SetTime(testEpoch.Add(12 * time.Second))
	state, err = s.UpdateRun(ctx, r1.Run.ID(), "b1", Update{
		ExitCode: i64(-15), Duration: dur(12 * time.Second),
	})
	require.NoError(t, err)
	require.Equal(t, types.TaskStateKilled, state)

	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateKilled, sum.State)
}

func TestUpdateTimedOut(t *testing.T) {
	ctx, _, s, _ := setup(t)
	addBot(t, ctx, s, "b1", "A")

	sum, err := s.Submit(ctx, simpleRequest("A", time.Minute, false))
	require.NoError(t, err)
	r1, err := s.Reap(ctx, "b1", botDims("b1", "A"), time.Time{})
	require.NoError(t, err)

	// The bot reports a hard timeout without exit code or duration; both
	// are synthesized.
	ctx.SetTime(testEpoch.Add(5 * time.Minute))
	state, err := s.UpdateRun(ctx, r1.Run.ID(), "b1", Update{HardTimeout: true})
	require.NoError(t, err)
	require.Equal(t, types.TaskStateTimedOut, state)

	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateTimedOut, sum.State)
	require.Equal(t, int64(-1), *sum.ExitCode)
	require.Equal(t, 5*time.Minute, *sum.Duration)
	require.True(t, sum.Failure)
}

func TestUpdateRejectsBadBots(t *testing.T) {
	ctx, _, s, _ := setup(t)
	addBot(t, ctx, s, "b1", "A")

	_, err := s.Submit(ctx, simpleRequest("A", time.Minute, false))
	require.NoError(t, err)
	r1, err := s.Reap(ctx, "b1", botDims("b1", "A"), time.Time{})
	require.NoError(t, err)

	// Wrong bot.
	_, err = s.UpdateRun(ctx, r1.Run.ID(), "b2", Update{ExitCode: i64(0)})
	require.ErrorIs(t, err, ErrWrongBot)

	// Conflicting exit code on a retry.
	_, err = s.UpdateRun(ctx, r1.Run.ID(), "b1", Update{ExitCode: i64(0), Duration: dur(time.Second)})
	require.NoError(t, err)
	_, err = s.UpdateRun(ctx, r1.Run.ID(), "b1", Update{ExitCode: i64(3), Duration: dur(time.Second)})
	require.ErrorIs(t, err, ErrConflictingUpdate)

	// An identical retry is accepted and echoes the final state.
	state, err := s.UpdateRun(ctx, r1.Run.ID(), "b1", Update{ExitCode: i64(0), Duration: dur(time.Second)})
	require.NoError(t, err)
	require.Equal(t, types.TaskStateCompleted, state)
}

func TestBotKillTask(t *testing.T) {
	ctx, store, s, _ := setup(t)
	addBot(t, ctx, s, "b1", "A")

	sum, err := s.Submit(ctx, simpleRequest("A", time.Minute, false))
	require.NoError(t, err)
	r1, err := s.Reap(ctx, "b1", botDims("b1", "A"), time.Time{})
	require.NoError(t, err)

	require.NoError(t, s.BotKillTask(ctx, r1.Run.ID(), "b1", "sandbox setup failed"))

	sum, err = s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateBotDied, sum.State)
	require.True(t, sum.InternalFailure)
	bot, err := store.GetBot(ctx, "b1")
	require.NoError(t, err)
	require.True(t, bot.Idle())
}

func TestTerminateBot(t *testing.T) {
	ctx, _, s, _ := setup(t)
	addBot(t, ctx, s, "b1", "A")

	sum, err := s.Terminate(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, types.TaskStatePending, sum.State)

	resp, err := s.Poll(ctx, "b1", botDims("b1", "A"), "v1")
	require.NoError(t, err)
	require.Equal(t, DirectiveTerminate, resp.Directive)

	_, err = s.UpdateRun(ctx, resp.Reaped.Run.ID(), "b1", Update{ExitCode: i64(0), Duration: dur(time.Second)})
	require.NoError(t, err)
	got, err := s.GetResult(ctx, sum.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateCompleted, got.State)
}

func TestTerminateOutranksEverything(t *testing.T) {
	ctx, _, s, _ := setup(t)
	addBot(t, ctx, s, "b1", "A")

	_, err := s.Submit(ctx, simpleRequest("A", time.Minute, false))
	require.NoError(t, err)
	term, err := s.Terminate(ctx, "b1")
	require.NoError(t, err)

	// Priority 0 beats the ordinary task despite its earlier creation.
	resp, err := s.Poll(ctx, "b1", botDims("b1", "A"), "v1")
	require.NoError(t, err)
	require.Equal(t, DirectiveTerminate, resp.Directive)
	require.Equal(t, term.RequestID, resp.Reaped.Request.ID)
}
