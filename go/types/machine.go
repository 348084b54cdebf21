package types

import (
	"fmt"
	"time"

	"go.skia.org/infra/go/skerr"
)

// ScheduleInterval overrides a MachineType's target size during a recurring
// weekly window. Days use 0 = Monday through 6 = Sunday. Start and End are
// "HH:MM" in UTC; End is exclusive.
type ScheduleInterval struct {
	Days  []int  `json:"days"`
	Start string `json:"start"`
	End   string `json:"end"`
	Size  int    `json:"size"`
}

// parseHHMM returns minutes past midnight.
func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%02d:%02d", &h, &m); err != nil {
		return 0, skerr.Wrapf(err, "invalid time of day %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, skerr.Fmt("invalid time of day %q", s)
	}
	return h*60 + m, nil
}

// Matches returns true if t falls inside the interval.
func (s ScheduleInterval) Matches(t time.Time) (bool, error) {
	// time.Weekday has 0 = Sunday; the schedule uses 0 = Monday.
	day := (int(t.Weekday()) + 6) % 7
	found := false
	for _, d := range s.Days {
		if d == day {
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}
	start, err := parseHHMM(s.Start)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	end, err := parseHHMM(s.End)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= start && minutes < end, nil
}

// MachineType describes one class of leasable machine: the capability
// template passed to the provider and the policy for how many to keep.
type MachineType struct {
	// Name is the unique id of this machine class.
	Name string `json:"name"`

	// Dimensions is the capability template requested from the provider
	// and expected to be advertised by the resulting bots.
	Dimensions Dimensions `json:"dimensions"`

	// TargetSize is the default number of leased machines.
	TargetSize int `json:"targetSize"`

	// MinSize and MaxSize clamp schedule- and load-based resizing.
	MinSize int `json:"minSize"`
	MaxSize int `json:"maxSize"`

	// Schedule optionally overrides TargetSize during weekly windows.
	Schedule []ScheduleInterval `json:"schedule,omitempty"`

	// LoadBased enables utilization-driven resizing between MinSize and
	// MaxSize.
	LoadBased bool `json:"loadBased,omitempty"`

	// LeaseDuration is how long each machine is leased for; zero means an
	// indefinite lease.
	LeaseDuration time.Duration `json:"leaseDuration"`

	// EarlyReleaseSecs is how long before lease expiration the machine is
	// proactively drained so that a replacement can overlap it.
	EarlyReleaseSecs int64 `json:"earlyReleaseSecs"`

	// Disabled drains every slot of this type.
	Disabled bool `json:"disabled,omitempty"`
}

// Validate returns an error if the MachineType is malformed.
func (m *MachineType) Validate() error {
	if m.Name == "" {
		return skerr.Fmt("machine type name is required")
	}
	if err := m.Dimensions.Validate(); err != nil {
		return skerr.Wrapf(err, "machine type %q", m.Name)
	}
	if m.TargetSize < 0 || m.MinSize < 0 || m.MaxSize < m.MinSize {
		return skerr.Fmt("machine type %q has invalid sizes", m.Name)
	}
	for _, s := range m.Schedule {
		if _, err := parseHHMM(s.Start); err != nil {
			return skerr.Wrap(err)
		}
		if _, err := parseHHMM(s.End); err != nil {
			return skerr.Wrap(err)
		}
		for _, d := range s.Days {
			if d < 0 || d > 6 {
				return skerr.Fmt("machine type %q has invalid schedule day %d", m.Name, d)
			}
		}
	}
	return nil
}

// MachineLease tracks one slot of a MachineType: the lifecycle of a single
// leased machine, advanced one step per lease-manager tick.
type MachineLease struct {
	MachineType string `json:"machineType"`
	SlotIndex   int    `json:"slotIndex"`

	// Drained means the slot should wind down: no new lease is requested
	// and the current machine, if any, is released.
	Drained bool `json:"drained"`

	// ClientRequestID is the idempotency key for the outstanding provider
	// lease request. Empty when no machine is leased or requested.
	ClientRequestID string `json:"clientRequestId,omitempty"`

	// RequestCount increments every time a fresh ClientRequestID is
	// issued for this slot.
	RequestCount int `json:"requestCount"`

	Hostname string `json:"hostname,omitempty"`

	LeaseExpiration time.Time `json:"leaseExpiration,omitempty"`
	Indefinite      bool      `json:"indefinite,omitempty"`

	// TerminationTaskID is the synthetic task which tells the machine's
	// bot to shut down, once scheduled.
	TerminationTaskID RequestID `json:"terminationTaskId,omitempty"`

	// Instructed is when the machine was told to connect; Connected is
	// when its bot first polled.
	Instructed time.Time `json:"instructed,omitempty"`
	Connected  time.Time `json:"connected,omitempty"`
}

// BotID returns the bot id a leased machine's worker registers under.
func (l *MachineLease) BotID() string {
	return l.Hostname
}

// Copy returns a deep copy.
func (l *MachineLease) Copy() *MachineLease {
	rv := *l
	return &rv
}
