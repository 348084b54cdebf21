package types

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
)

// RequestID is the unique 63-bit identifier of a TaskRequest. The high bits
// hold the bitwise complement of the creation time in milliseconds, so that
// when ids are compared as big-endian integers newer requests sort first.
// The low 20 bits are random, which keeps ids unique when many requests are
// created within the same millisecond.
type RequestID int64

const (
	requestIDRandomBits = 20
	requestIDTimeMask   = (int64(1) << (63 - requestIDRandomBits)) - 1
)

// NewRequestID returns a fresh RequestID encoding the current time.
func NewRequestID(ctx context.Context) RequestID {
	millis := now.Now(ctx).UnixMilli()
	ts := (^millis) & requestIDTimeMask
	return RequestID(ts<<requestIDRandomBits | rand.Int63n(1<<requestIDRandomBits))
}

// String returns the canonical fixed-width hex form.
func (id RequestID) String() string {
	return fmt.Sprintf("%016x", int64(id))
}

// ParseRequestID parses the form produced by String.
func ParseRequestID(s string) (RequestID, error) {
	v, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, skerr.Wrapf(err, "invalid request id %q", s)
	}
	if v <= 0 {
		return 0, skerr.Fmt("invalid request id %q", s)
	}
	return RequestID(v), nil
}

// RunID identifies a single TaskRunResult: one try of one request.
type RunID struct {
	RequestID RequestID
	TryNumber int
}

// String returns the canonical form, eg. "00066f7931c0a811-1".
func (id RunID) String() string {
	return fmt.Sprintf("%s-%d", id.RequestID, id.TryNumber)
}

// ParseRunID parses the form produced by String.
func ParseRunID(s string) (RunID, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return RunID{}, skerr.Fmt("invalid run id %q", s)
	}
	req, err := ParseRequestID(parts[0])
	if err != nil {
		return RunID{}, skerr.Wrap(err)
	}
	try, err := strconv.Atoi(parts[1])
	if err != nil || try < 1 {
		return RunID{}, skerr.Fmt("invalid try number in run id %q", s)
	}
	return RunID{RequestID: req, TryNumber: try}, nil
}

// TaskToRunKey identifies one queue entry: one (request, try, slice) triple.
type TaskToRunKey struct {
	RequestID  RequestID
	TryNumber  int
	SliceIndex int
}

// String returns a stable form usable as a cache key.
func (k TaskToRunKey) String() string {
	return fmt.Sprintf("%s-%d-%d", k.RequestID, k.TryNumber, k.SliceIndex)
}
