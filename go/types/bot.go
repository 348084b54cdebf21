package types

import (
	"time"
)

// Bot is the persistent record of one worker. Bots are free-standing
// entities; they are created on first poll (or by the lease manager) and
// deleted when a leased machine is released.
type Bot struct {
	ID string `json:"id"`

	Dimensions Dimensions `json:"dimensions"`

	Version string `json:"version,omitempty"`

	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`

	// CurrentRun is the run the bot is executing, or the zero RunID when
	// idle. Claims witness this field inside the claim transaction, which
	// is what enforces one running task per bot.
	CurrentRun RunID `json:"currentRun,omitempty"`

	// Lease metadata, set only for bots provisioned by the lease manager.
	MachineType     string    `json:"machineType,omitempty"`
	LeaseID         string    `json:"leaseId,omitempty"`
	LeaseExpiration time.Time `json:"leaseExpiration,omitempty"`
	IndefiniteLease bool      `json:"indefiniteLease,omitempty"`
}

// Idle returns true if the bot is not running a task.
func (b *Bot) Idle() bool {
	return b.CurrentRun == (RunID{})
}

// Copy returns a deep copy.
func (b *Bot) Copy() *Bot {
	rv := *b
	rv.Dimensions = b.Dimensions.Copy()
	return &rv
}
