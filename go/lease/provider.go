// Package lease maintains a target population of ephemeral worker machines
// obtained from an external provider. A control loop advances each machine
// slot by at most one state transition per tick; progress comes from the tick
// frequency, not from internal retries.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.skia.org/taskfarm/go/types"
)

// Provider error codes the manager handles specifically.
type Code string

const (
	// CodeDeadlineExceeded and CodeTransient are retried on the next
	// tick.
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"
	CodeTransient        Code = "TRANSIENT_ERROR"

	// CodeAlreadyReclaimed and CodeNotFound are treated as success for
	// release.
	CodeAlreadyReclaimed Code = "ALREADY_RECLAIMED"
	CodeNotFound         Code = "NOT_FOUND"
)

// Error is a coded provider error.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the provider error code carried by err, or "".
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// retriable returns true if the error should be retried on the next tick
// without giving up the current request id.
func retriable(err error) bool {
	c := CodeOf(err)
	return c == CodeDeadlineExceeded || c == CodeTransient
}

// releasedOK returns true if a release error actually means the machine is
// already gone.
func releasedOK(err error) bool {
	if err == nil {
		return true
	}
	c := CodeOf(err)
	return c == CodeAlreadyReclaimed || c == CodeNotFound
}

// LeaseRequest asks the provider for one machine. RequestID is the
// idempotency key: retrying with the same id polls the existing request
// instead of leasing another machine.
type LeaseRequest struct {
	RequestID   string
	MachineType string
	Dimensions  types.Dimensions

	// Duration of the lease; zero means indefinite.
	Duration time.Duration
}

// Lease states reported by the provider.
const (
	StatePending   = "PENDING"
	StateFulfilled = "FULFILLED"
)

// LeaseResult is the provider's answer to a lease request.
type LeaseResult struct {
	State      string
	Hostname   string
	Expiration time.Time
	LeaseID    string
}

// Provider is the external machine provider. All operations are keyed by the
// request id so that retries are idempotent on the provider side.
type Provider interface {
	LeaseMachine(ctx context.Context, req *LeaseRequest) (*LeaseResult, error)
	ReleaseMachine(ctx context.Context, requestID string) error
	InstructMachine(ctx context.Context, requestID, serverURL string) error
}
