package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.skia.org/infra/go/now"
	"go.skia.org/taskfarm/go/db"
	"go.skia.org/taskfarm/go/db/memory"
	"go.skia.org/taskfarm/go/lease/mocks"
	"go.skia.org/taskfarm/go/notify"
	"go.skia.org/taskfarm/go/scheduling"
	"go.skia.org/taskfarm/go/types"
)

var testEpoch = time.Unix(1700000000, 0).UTC()

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) error {
	return nil
}

func machineType() *types.MachineType {
	return &types.MachineType{
		Name:             "linux-small",
		Dimensions:       types.Dimensions{types.DimPool: {"A"}, "os": {"Linux"}},
		TargetSize:       1,
		MaxSize:          5,
		LeaseDuration:    4 * time.Hour,
		EarlyReleaseSecs: 600,
	}
}

func setup(t *testing.T, mt *types.MachineType) (*now.TimeTravelCtx, *memory.Store, *scheduling.Scheduler, *mocks.Provider, *Manager) {
	ctx := now.TimeTravelingContext(context.Background(), testEpoch)
	store := memory.New()
	sched, err := scheduling.New(store, notify.New(store, nopPublisher{}), scheduling.DefaultConfig())
	require.NoError(t, err)
	provider := &mocks.Provider{}
	mgr, err := NewManager(store, provider, sched, ManagerConfig{
		ServerURL:    "https://taskfarm.example.com",
		MachineTypes: []*types.MachineType{mt},
	})
	require.NoError(t, err)
	return ctx, store, sched, provider, mgr
}

// botPoll simulates the leased machine's bot connecting.
func botPoll(t *testing.T, ctx context.Context, sched *scheduling.Scheduler, hostname string, mt *types.MachineType) *scheduling.PollResponse {
	dims := mt.Dimensions.Copy()
	dims[types.DimID] = []string{hostname}
	resp, err := sched.Poll(ctx, hostname, dims, "v1")
	require.NoError(t, err)
	return resp
}

func TestLeaseStepByStepToConnected(t *testing.T) {
	mt := machineType()
	ctx, store, sched, provider, mgr := setup(t, mt)

	provider.On("LeaseMachine", mock.Anything, mock.Anything).Return(&LeaseResult{State: StatePending}, nil).Once()
	provider.On("LeaseMachine", mock.Anything, mock.Anything).Return(&LeaseResult{
		State:      StateFulfilled,
		Hostname:   "m1",
		Expiration: testEpoch.Add(4 * time.Hour),
		LeaseID:    "lease-1",
	}, nil).Once()
	provider.On("InstructMachine", mock.Anything, mock.Anything, "https://taskfarm.example.com").Return(nil).Once()

	// Tick 1: the slot is created and a lease request is issued.
	n, err := mgr.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	leases, err := store.ListLeases(ctx, mt.Name)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.NotEmpty(t, leases[0].ClientRequestID)
	require.Equal(t, 1, leases[0].RequestCount)
	require.Empty(t, leases[0].Hostname)

	// Tick 2: the request is fulfilled; the bot record appears and the
	// machine is told to connect.
	ctx.SetTime(testEpoch.Add(time.Minute))
	n, err = mgr.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	leases, err = store.ListLeases(ctx, mt.Name)
	require.NoError(t, err)
	require.Equal(t, "m1", leases[0].Hostname)
	require.False(t, leases[0].Instructed.IsZero())
	require.True(t, leases[0].Connected.IsZero())
	bot, err := store.GetBot(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, mt.Name, bot.MachineType)
	require.Equal(t, []string{"m1"}, bot.Dimensions[types.DimID])

	// Tick 3 before the bot connects: no progress.
	ctx.SetTime(testEpoch.Add(2 * time.Minute))
	n, err = mgr.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// The bot polls; the next tick records the connection.
	ctx.SetTime(testEpoch.Add(3 * time.Minute))
	botPoll(t, ctx, sched, "m1", mt)
	n, err = mgr.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	leases, err = store.ListLeases(ctx, mt.Name)
	require.NoError(t, err)
	require.False(t, leases[0].Connected.IsZero())

	// Steady state is quiet.
	n, err = mgr.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	provider.AssertExpectations(t)
}

func TestDrainTerminatesThenReleases(t *testing.T) {
	mt := machineType()
	ctx, store, sched, provider, mgr := setup(t, mt)

	provider.On("LeaseMachine", mock.Anything, mock.Anything).Return(&LeaseResult{
		State:      StateFulfilled,
		Hostname:   "m1",
		Expiration: testEpoch.Add(4 * time.Hour),
		LeaseID:    "lease-1",
	}, nil)
	provider.On("InstructMachine", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	provider.On("ReleaseMachine", mock.Anything, mock.Anything).Return(nil).Once()

	// Walk the slot to connected.
	_, err := mgr.Tick(ctx)
	require.NoError(t, err)
	_, err = mgr.Tick(ctx)
	require.NoError(t, err)
	ctx.SetTime(testEpoch.Add(time.Minute))
	botPoll(t, ctx, sched, "m1", mt)
	_, err = mgr.Tick(ctx)
	require.NoError(t, err)

	// Shrink the pool to zero: the slot drains and a termination task is
	// scheduled.
	mt.TargetSize = 0
	n, err := mgr.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	leases, err := store.ListLeases(ctx, mt.Name)
	require.NoError(t, err)
	require.True(t, leases[0].Drained)
	require.NotZero(t, leases[0].TerminationTaskID)

	// The machine's bot picks up the termination task and completes it.
	ctx.SetTime(testEpoch.Add(2 * time.Minute))
	resp := botPoll(t, ctx, sched, "m1", mt)
	require.Equal(t, scheduling.DirectiveTerminate, resp.Directive)
	exitZero := int64(0)
	d := time.Second
	_, err = sched.UpdateRun(ctx, resp.Reaped.Run.ID(), "m1", scheduling.Update{ExitCode: &exitZero, Duration: &d})
	require.NoError(t, err)

	// The next tick releases the machine and deletes both the bot and
	// the drained slot.
	n, err = mgr.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	leases, err = store.ListLeases(ctx, mt.Name)
	require.NoError(t, err)
	require.Empty(t, leases)
	_, err = store.GetBot(ctx, "m1")
	require.True(t, db.IsNotFound(err))

	provider.AssertExpectations(t)
}

func TestNeverConnectedIsReleased(t *testing.T) {
	mt := machineType()
	ctx, store, _, provider, mgr := setup(t, mt)

	provider.On("LeaseMachine", mock.Anything, mock.Anything).Return(&LeaseResult{
		State:      StateFulfilled,
		Hostname:   "m1",
		Expiration: testEpoch.Add(4 * time.Hour),
	}, nil)
	provider.On("InstructMachine", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	provider.On("ReleaseMachine", mock.Anything, mock.Anything).Return(nil).Once()

	_, err := mgr.Tick(ctx)
	require.NoError(t, err)
	_, err = mgr.Tick(ctx)
	require.NoError(t, err)

	// The bot never connects; past the tolerance the lease is given up.
	ctx.SetTime(testEpoch.Add(DefaultConnectTolerance + 2*time.Minute))
	n, err := mgr.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	leases, err := store.ListLeases(ctx, mt.Name)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Empty(t, leases[0].Hostname)
	require.Empty(t, leases[0].ClientRequestID)
	_, err = store.GetBot(ctx, "m1")
	require.True(t, db.IsNotFound(err))

	provider.AssertExpectations(t)
}

func TestTransientProviderErrorRetriesNextTick(t *testing.T) {
	mt := machineType()
	ctx, store, _, provider, mgr := setup(t, mt)

	provider.On("LeaseMachine", mock.Anything, mock.Anything).Return(nil, &Error{Code: CodeTransient, Message: "try later"}).Twice()
	provider.On("LeaseMachine", mock.Anything, mock.Anything).Return(&LeaseResult{State: StatePending}, nil).Once()

	_, err := mgr.Tick(ctx)
	require.NoError(t, err)
	leases, err := store.ListLeases(ctx, mt.Name)
	require.NoError(t, err)
	id := leases[0].ClientRequestID
	require.NotEmpty(t, id)

	// The request id survives transient errors, so the provider-side
	// request stays idempotent.
	_, err = mgr.Tick(ctx)
	require.NoError(t, err)
	_, err = mgr.Tick(ctx)
	require.NoError(t, err)
	leases, err = store.ListLeases(ctx, mt.Name)
	require.NoError(t, err)
	require.Equal(t, id, leases[0].ClientRequestID)
	require.Equal(t, 1, leases[0].RequestCount)
}

func TestPermanentProviderErrorRotatesRequestID(t *testing.T) {
	mt := machineType()
	ctx, store, _, provider, mgr := setup(t, mt)

	provider.On("LeaseMachine", mock.Anything, mock.Anything).Return(nil, &Error{Code: "INVALID_ARGUMENT", Message: "no"}).Once()
	provider.On("LeaseMachine", mock.Anything, mock.Anything).Return(&LeaseResult{State: StatePending}, nil).Once()

	_, err := mgr.Tick(ctx)
	require.NoError(t, err)
	leases, err := store.ListLeases(ctx, mt.Name)
	require.NoError(t, err)
	require.Empty(t, leases[0].ClientRequestID)
	require.Equal(t, 1, leases[0].RequestCount)

	// The next attempt uses a fresh id.
	_, err = mgr.Tick(ctx)
	require.NoError(t, err)
	leases, err = store.ListLeases(ctx, mt.Name)
	require.NoError(t, err)
	require.NotEmpty(t, leases[0].ClientRequestID)
	require.Equal(t, 2, leases[0].RequestCount)
}

func TestTargetSizeScheduleOverride(t *testing.T) {
	mt := machineType()
	mt.TargetSize = 1
	mt.MaxSize = 10
	// testEpoch is 2023-11-14 22:13:20 UTC, a Tuesday (day 1).
	mt.Schedule = []types.ScheduleInterval{
		{Days: []int{1}, Start: "20:00", End: "23:00", Size: 4},
	}
	ctx, _, _, _, mgr := setup(t, mt)

	got, err := mgr.targetSize(ctx, mt, 1)
	require.NoError(t, err)
	require.Equal(t, 4, got)

	// Outside the window the configured size applies.
	ctx.SetTime(testEpoch.Add(3 * time.Hour))
	got, err = mgr.targetSize(ctx, mt, 1)
	require.NoError(t, err)
	require.Equal(t, 1, got)
}

func TestTargetSizeLoadBased(t *testing.T) {
	mt := machineType()
	mt.LoadBased = true
	mt.MinSize = 1
	mt.MaxSize = 4
	ctx, store, _, _, mgr := setup(t, mt)

	addBusyBot := func(id string) {
		require.NoError(t, store.RunTransaction(ctx, "put", db.DefaultTxnRetries, func(ctx context.Context, tx db.Tx) error {
			return tx.PutBot(&types.Bot{
				ID:          id,
				Dimensions:  types.Dimensions{types.DimID: {id}},
				MachineType: mt.Name,
				CurrentRun:  types.RunID{RequestID: 1, TryNumber: 1},
			})
		}))
	}

	// No load: the minimum applies.
	got, err := mgr.targetSize(ctx, mt, 1)
	require.NoError(t, err)
	require.Equal(t, 1, got)

	// Two busy machines: ceil(2 * 1.5) = 3.
	addBusyBot("m1")
	addBusyBot("m2")
	got, err = mgr.targetSize(ctx, mt, 1)
	require.NoError(t, err)
	require.Equal(t, 3, got)

	// Heavy load clamps at the maximum.
	addBusyBot("m3")
	addBusyBot("m4")
	got, err = mgr.targetSize(ctx, mt, 3)
	require.NoError(t, err)
	require.Equal(t, 4, got)
}

func TestTargetSizeDampener(t *testing.T) {
	mt := machineType()
	mt.LoadBased = true
	mt.MinSize = 0
	mt.MaxSize = 500
	ctx, _, _, _, mgr := setup(t, mt)

	// Load vanished, but one tick may only shrink to the dampener floor.
	got, err := mgr.targetSize(ctx, mt, 200)
	require.NoError(t, err)
	require.Equal(t, 198, got)
}

func TestDisabledTypeDrainsEverything(t *testing.T) {
	mt := machineType()
	ctx, store, _, provider, mgr := setup(t, mt)

	provider.On("LeaseMachine", mock.Anything, mock.Anything).Return(&LeaseResult{State: StatePending}, nil)
	_, err := mgr.Tick(ctx)
	require.NoError(t, err)

	mt.Disabled = true
	provider.On("ReleaseMachine", mock.Anything, mock.Anything).Return(nil).Once()
	// Drained with an outstanding request: the request is released and
	// the slot deleted.
	_, err = mgr.Tick(ctx)
	require.NoError(t, err)
	leases, err := store.ListLeases(ctx, mt.Name)
	require.NoError(t, err)
	require.Empty(t, leases)
}
