package lease

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/taskfarm/go/db"
	"go.skia.org/taskfarm/go/scheduling"
	"go.skia.org/taskfarm/go/types"
)

const (
	// DefaultScaleFactor and DefaultDampener control load-based resizing:
	// target = ceil(busy * ScaleFactor), never dropping below
	// Dampener * current size in one tick.
	DefaultScaleFactor = 1.5
	DefaultDampener    = 0.99

	// DefaultConnectTolerance is how long a leased machine may take to
	// connect after being instructed before it is given up on.
	DefaultConnectTolerance = 15 * time.Minute
)

// ManagerConfig configures the lease control loop.
type ManagerConfig struct {
	// ServerURL is handed to leased machines so their bots know where to
	// connect.
	ServerURL string `json:"serverUrl"`

	// ProviderURL is the base URL of the machine provider's API.
	ProviderURL string `json:"providerUrl"`

	MachineTypes []*types.MachineType `json:"machineTypes"`

	ScaleFactor      float64       `json:"scaleFactor"`
	Dampener         float64       `json:"dampener"`
	ConnectTolerance time.Duration `json:"connectTolerance"`
}

// Manager runs the lease control loop.
type Manager struct {
	store    db.Store
	provider Provider
	sched    *scheduling.Scheduler
	cfg      ManagerConfig
}

// NewManager returns a Manager. The scheduler is used to submit termination
// tasks for machines being wound down.
func NewManager(store db.Store, provider Provider, sched *scheduling.Scheduler, cfg ManagerConfig) (*Manager, error) {
	for _, mt := range cfg.MachineTypes {
		if err := mt.Validate(); err != nil {
			return nil, skerr.Wrap(err)
		}
	}
	if cfg.ScaleFactor <= 0 {
		cfg.ScaleFactor = DefaultScaleFactor
	}
	if cfg.Dampener <= 0 {
		cfg.Dampener = DefaultDampener
	}
	if cfg.ConnectTolerance <= 0 {
		cfg.ConnectTolerance = DefaultConnectTolerance
	}
	return &Manager{
		store:    store,
		provider: provider,
		sched:    sched,
		cfg:      cfg,
	}, nil
}

// targetSize resolves the number of machines the type should have right now.
func (m *Manager) targetSize(ctx context.Context, mt *types.MachineType, current int) (int, error) {
	if mt.Disabled {
		return 0, nil
	}
	target := mt.TargetSize
	ts := now.Now(ctx)
	for _, iv := range mt.Schedule {
		match, err := iv.Matches(ts)
		if err != nil {
			return 0, skerr.Wrap(err)
		}
		if match {
			target = iv.Size
			break
		}
	}
	if mt.LoadBased {
		busy, err := m.busyCount(ctx, mt.Name)
		if err != nil {
			return 0, skerr.Wrap(err)
		}
		target = int(math.Ceil(float64(busy) * m.cfg.ScaleFactor))
		// One tick may not shrink the pool below the dampener floor;
		// repeated ticks walk it down gradually.
		if floor := int(math.Ceil(m.cfg.Dampener * float64(current))); target < floor {
			target = floor
		}
	}
	if target < mt.MinSize {
		target = mt.MinSize
	}
	if mt.MaxSize > 0 && target > mt.MaxSize {
		target = mt.MaxSize
	}
	return target, nil
}

// busyCount counts this machine type's bots which are running a task.
func (m *Manager) busyCount(ctx context.Context, machineType string) (int, error) {
	bots, err := m.store.ListBots(ctx)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	busy := 0
	for _, b := range bots {
		if b.MachineType == machineType && !b.Idle() {
			busy++
		}
	}
	return busy, nil
}

// Tick runs one pass of the control loop over every machine type. Returns
// the number of state-advancing operations performed.
func (m *Manager) Tick(ctx context.Context) (int, error) {
	acted := 0
	var rvErr error
	for _, mt := range m.cfg.MachineTypes {
		n, err := m.tickType(ctx, mt)
		acted += n
		if err != nil {
			rvErr = multierror.Append(rvErr, err)
		}
	}
	metrics2.GetCounter("taskfarm_lease_actions").Inc(int64(acted))
	return acted, rvErr
}

func (m *Manager) tickType(ctx context.Context, mt *types.MachineType) (int, error) {
	leases, err := m.store.ListLeases(ctx, mt.Name)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	target, err := m.targetSize(ctx, mt, len(leases))
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	metrics2.GetInt64Metric("taskfarm_lease_target", map[string]string{"machine_type": mt.Name}).Update(int64(target))

	// Reconcile the slot set: one lease per index below the target,
	// everything at or above it drained.
	acted := 0
	haveSlot := make(map[int]*types.MachineLease, len(leases))
	for _, l := range leases {
		haveSlot[l.SlotIndex] = l
	}
	for i := 0; i < target; i++ {
		if _, ok := haveSlot[i]; ok {
			continue
		}
		l := &types.MachineLease{MachineType: mt.Name, SlotIndex: i}
		if err := m.putLease(ctx, l); err != nil {
			return acted, skerr.Wrap(err)
		}
		haveSlot[i] = l
		leases = append(leases, l)
		acted++
	}
	for _, l := range leases {
		if (l.SlotIndex >= target || mt.Disabled) && !l.Drained {
			l.Drained = true
			if err := m.putLease(ctx, l); err != nil {
				return acted, skerr.Wrap(err)
			}
			acted++
		}
	}

	var rvErr error
	for _, l := range leases {
		stepActed, err := m.step(ctx, mt, l)
		if err != nil {
			sklog.Warningf("Lease %s/%d: %s", l.MachineType, l.SlotIndex, err)
			rvErr = multierror.Append(rvErr, err)
			continue
		}
		if stepActed {
			acted++
		}
	}
	return acted, rvErr
}

// step advances one lease slot by at most one state transition.
func (m *Manager) step(ctx context.Context, mt *types.MachineType, l *types.MachineLease) (bool, error) {
	switch {
	case l.ClientRequestID == "":
		if l.Drained {
			return true, m.deleteLease(ctx, l)
		}
		return true, m.requestMachine(ctx, mt, l)
	case l.Hostname == "":
		if l.Drained {
			return true, m.releaseMachine(ctx, l)
		}
		return m.pollProvider(ctx, mt, l)
	case l.Connected.IsZero():
		return m.awaitConnection(ctx, l)
	default:
		return m.maybeWindDown(ctx, mt, l)
	}
}

// requestMachine issues a fresh lease request to the provider.
func (m *Manager) requestMachine(ctx context.Context, mt *types.MachineType, l *types.MachineLease) error {
	l.ClientRequestID = uuid.New().String()
	l.RequestCount++
	_, err := m.provider.LeaseMachine(ctx, &LeaseRequest{
		RequestID:   l.ClientRequestID,
		MachineType: mt.Name,
		Dimensions:  mt.Dimensions,
		Duration:    mt.LeaseDuration,
	})
	if err != nil {
		if retriable(err) {
			// Keep the request id; the provider call is idempotent and
			// the next tick polls it again.
			return m.putLease(ctx, l)
		}
		sklog.Errorf("Lease request for %s/%d permanently failed, will retry with a fresh id: %s", l.MachineType, l.SlotIndex, err)
		l.ClientRequestID = ""
		return m.putLease(ctx, l)
	}
	sklog.Infof("Requested machine for %s/%d.", l.MachineType, l.SlotIndex)
	return m.putLease(ctx, l)
}

// pollProvider checks whether an outstanding lease request was fulfilled,
// and on fulfillment records the machine and instructs it to connect.
func (m *Manager) pollProvider(ctx context.Context, mt *types.MachineType, l *types.MachineLease) (bool, error) {
	res, err := m.provider.LeaseMachine(ctx, &LeaseRequest{
		RequestID:   l.ClientRequestID,
		MachineType: mt.Name,
		Dimensions:  mt.Dimensions,
		Duration:    mt.LeaseDuration,
	})
	if err != nil {
		if retriable(err) {
			return false, nil
		}
		l.ClientRequestID = ""
		return true, m.putLease(ctx, l)
	}
	if res.State != StateFulfilled {
		return false, nil
	}
	ts := now.Now(ctx)
	l.Hostname = res.Hostname
	l.LeaseExpiration = res.Expiration
	l.Indefinite = res.Expiration.IsZero()
	l.Instructed = ts
	if err := m.provider.InstructMachine(ctx, l.ClientRequestID, m.cfg.ServerURL); err != nil {
		if retriable(err) {
			// Roll forward next tick: the hostname is not recorded yet,
			// so the poll happens again.
			return false, nil
		}
		return false, skerr.Wrap(err)
	}
	err = m.store.RunTransaction(ctx, "lease-fulfilled", db.DefaultTxnRetries, func(ctx context.Context, tx db.Tx) error {
		dims := mt.Dimensions.Copy()
		dims[types.DimID] = []string{res.Hostname}
		bot := &types.Bot{
			ID:              res.Hostname,
			Dimensions:      dims,
			FirstSeen:       ts,
			LastSeen:        ts,
			MachineType:     mt.Name,
			LeaseID:         res.LeaseID,
			LeaseExpiration: res.Expiration,
			IndefiniteLease: l.Indefinite,
		}
		if err := tx.PutBot(bot); err != nil {
			return skerr.Wrap(err)
		}
		return skerr.Wrap(tx.PutLease(l))
	})
	if err != nil {
		return false, skerr.Wrap(err)
	}
	sklog.Infof("Machine %s fulfilled lease %s/%d.", res.Hostname, l.MachineType, l.SlotIndex)
	return true, nil
}

// awaitConnection watches for the machine's bot to start polling.
func (m *Manager) awaitConnection(ctx context.Context, l *types.MachineLease) (bool, error) {
	bot, err := m.store.GetBot(ctx, l.BotID())
	if err != nil {
		return false, skerr.Wrap(err)
	}
	ts := now.Now(ctx)
	if bot.LastSeen.After(l.Instructed) {
		l.Connected = ts
		return true, m.putLease(ctx, l)
	}
	if ts.Sub(l.Instructed) > m.cfg.ConnectTolerance {
		sklog.Warningf("Machine %s never connected; releasing lease %s/%d.", l.Hostname, l.MachineType, l.SlotIndex)
		return true, m.releaseMachine(ctx, l)
	}
	return false, nil
}

// maybeWindDown drains a connected machine when its lease nears expiration
// or the slot is drained: first a termination task, then, once that task is
// final, the release.
func (m *Manager) maybeWindDown(ctx context.Context, mt *types.MachineType, l *types.MachineLease) (bool, error) {
	ts := now.Now(ctx)
	nearExpiration := !l.Indefinite && ts.After(l.LeaseExpiration.Add(-time.Duration(mt.EarlyReleaseSecs)*time.Second))
	if !l.Drained && !nearExpiration {
		return false, nil
	}
	if l.TerminationTaskID == 0 {
		sum, err := m.sched.Terminate(ctx, l.BotID())
		if err != nil {
			return false, skerr.Wrap(err)
		}
		l.TerminationTaskID = sum.RequestID
		return true, m.putLease(ctx, l)
	}
	sum, err := m.store.GetSummary(ctx, l.TerminationTaskID)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	if !sum.State.Final() {
		return false, nil
	}
	return true, m.releaseMachine(ctx, l)
}

// releaseMachine gives the machine back to the provider and clears the slot.
// A drained slot is deleted outright.
func (m *Manager) releaseMachine(ctx context.Context, l *types.MachineLease) error {
	if err := m.provider.ReleaseMachine(ctx, l.ClientRequestID); !releasedOK(err) {
		if retriable(err) {
			return nil
		}
		return skerr.Wrap(err)
	}
	hostname := l.Hostname
	err := m.store.RunTransaction(ctx, "lease-release", db.DefaultTxnRetries, func(ctx context.Context, tx db.Tx) error {
		if hostname != "" {
			if err := tx.DeleteBot(hostname); err != nil && !db.IsNotFound(err) {
				return skerr.Wrap(err)
			}
		}
		if l.Drained {
			return skerr.Wrap(tx.DeleteLease(l.MachineType, l.SlotIndex))
		}
		l.ClientRequestID = ""
		l.Hostname = ""
		l.LeaseExpiration = time.Time{}
		l.Indefinite = false
		l.TerminationTaskID = 0
		l.Instructed = time.Time{}
		l.Connected = time.Time{}
		return skerr.Wrap(tx.PutLease(l))
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	sklog.Infof("Released lease %s/%d (machine %q).", l.MachineType, l.SlotIndex, hostname)
	return nil
}

func (m *Manager) putLease(ctx context.Context, l *types.MachineLease) error {
	return skerr.Wrap(m.store.RunTransaction(ctx, "lease-put", db.DefaultTxnRetries, func(ctx context.Context, tx db.Tx) error {
		return tx.PutLease(l)
	}))
}

func (m *Manager) deleteLease(ctx context.Context, l *types.MachineLease) error {
	return skerr.Wrap(m.store.RunTransaction(ctx, "lease-delete", db.DefaultTxnRetries, func(ctx context.Context, tx db.Tx) error {
		return tx.DeleteLease(l.MachineType, l.SlotIndex)
	}))
}
