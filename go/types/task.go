package types

import (
	"time"

	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/util"
)

const (
	// MaxSlices is the maximum number of TaskSlices per TaskRequest.
	MaxSlices = 8

	// MaxPriority is the largest (least urgent) allowed priority value.
	MaxPriority = 255

	// MinSliceExpiration and MaxSliceExpiration bound the per-slice
	// scheduling deadline.
	MinSliceExpiration = 10 * time.Second
	MaxSliceExpiration = 7 * 24 * time.Hour

	// MaxExecutionTimeout bounds the per-slice execution and I/O timeouts.
	MaxExecutionTimeout = 24 * time.Hour
)

// TaskProperties holds the deterministic description of what a slice runs.
// Two slices with equal TaskProperties are interchangeable, which is what
// makes idempotent deduplication sound.
type TaskProperties struct {
	Command          []string          `json:"command"`
	Env              map[string]string `json:"env,omitempty"`
	InputsRef        string            `json:"inputsRef,omitempty"`
	Dimensions       Dimensions        `json:"dimensions"`
	ExecutionTimeout time.Duration     `json:"executionTimeout"`
	IOTimeout        time.Duration     `json:"ioTimeout"`
	GracePeriod      time.Duration     `json:"gracePeriod"`
	Idempotent       bool              `json:"idempotent"`
}

// Copy returns a deep copy.
func (p TaskProperties) Copy() TaskProperties {
	rv := p
	rv.Command = util.CopyStringSlice(p.Command)
	if p.Env != nil {
		rv.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			rv.Env[k] = v
		}
	}
	rv.Dimensions = p.Dimensions.Copy()
	return rv
}

// Validate returns an error if the properties are malformed.
func (p TaskProperties) Validate() error {
	if len(p.Command) == 0 {
		return skerr.Fmt("command is required")
	}
	if err := p.Dimensions.Validate(); err != nil {
		return skerr.Wrap(err)
	}
	// Queue scans match bots by pool or bot id; a slice naming neither
	// could never be dispatched.
	if len(p.Dimensions[DimPool]) == 0 && len(p.Dimensions[DimID]) == 0 {
		return skerr.Fmt("dimensions must name a %q or an %q", DimPool, DimID)
	}
	if p.ExecutionTimeout <= 0 || p.ExecutionTimeout > MaxExecutionTimeout {
		return skerr.Fmt("execution timeout %s out of range", p.ExecutionTimeout)
	}
	if p.IOTimeout < 0 || p.IOTimeout > MaxExecutionTimeout {
		return skerr.Fmt("io timeout %s out of range", p.IOTimeout)
	}
	if p.GracePeriod < 0 {
		return skerr.Fmt("grace period must not be negative")
	}
	return nil
}

// TaskSlice is one alternative way to run a TaskRequest. Slices are tried in
// order; a slice whose expiration passes without a bot claiming it falls
// through to the next one.
type TaskSlice struct {
	Properties TaskProperties `json:"properties"`

	// Expiration is how long the slice's queue entry may wait for a bot
	// after it becomes active.
	Expiration time.Duration `json:"expiration"`

	// WaitForCapacity keeps the slice queued even when no currently
	// connected bot matches its dimensions, eg. because matching bots are
	// about to be leased.
	WaitForCapacity bool `json:"waitForCapacity"`

	// PropertiesHash is the hex SHA-256 of the canonical encoding of
	// Properties. Set at submission time iff Properties.Idempotent.
	PropertiesHash string `json:"propertiesHash,omitempty"`
}

// Copy returns a deep copy.
func (s TaskSlice) Copy() TaskSlice {
	rv := s
	rv.Properties = s.Properties.Copy()
	return rv
}

// TaskRequest is the immutable description of a submitted task. It is written
// exactly once and never mutated.
type TaskRequest struct {
	ID       RequestID `json:"id"`
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	Priority int       `json:"priority"`

	// Slices are the alternative capability requirements, in preferred
	// order. At least one, at most MaxSlices.
	Slices []TaskSlice `json:"slices"`

	// ParentID names the request which spawned this one, or 0.
	ParentID RequestID `json:"parentId,omitempty"`

	// PubSubTopic, if set, receives a notification when the task reaches a
	// final state.
	PubSubTopic string `json:"pubsubTopic,omitempty"`

	// ServiceAccount is the identity the task runs as. Validated against
	// the pool configuration at submission.
	ServiceAccount string `json:"serviceAccount,omitempty"`

	// Tags are free-form "key:value" annotations.
	Tags []string `json:"tags,omitempty"`

	// SecretBytes is an opaque blob handed to the bot at claim time and
	// never returned from read APIs.
	SecretBytes []byte `json:"-"`
}

// Copy returns a deep copy.
func (r *TaskRequest) Copy() *TaskRequest {
	rv := *r
	rv.Slices = make([]TaskSlice, 0, len(r.Slices))
	for _, s := range r.Slices {
		rv.Slices = append(rv.Slices, s.Copy())
	}
	rv.Tags = util.CopyStringSlice(r.Tags)
	if r.SecretBytes != nil {
		rv.SecretBytes = make([]byte, len(r.SecretBytes))
		copy(rv.SecretBytes, r.SecretBytes)
	}
	return &rv
}

// Validate returns an error if the request is malformed.
func (r *TaskRequest) Validate() error {
	if r.Name == "" {
		return skerr.Fmt("name is required")
	}
	if r.Priority < 0 || r.Priority > MaxPriority {
		return skerr.Fmt("priority %d out of range [0, %d]", r.Priority, MaxPriority)
	}
	if len(r.Slices) == 0 || len(r.Slices) > MaxSlices {
		return skerr.Fmt("between 1 and %d slices are required, got %d", MaxSlices, len(r.Slices))
	}
	for i, s := range r.Slices {
		if s.Expiration < MinSliceExpiration || s.Expiration > MaxSliceExpiration {
			return skerr.Fmt("slice %d expiration %s out of range", i, s.Expiration)
		}
		if err := s.Properties.Validate(); err != nil {
			return skerr.Wrapf(err, "slice %d", i)
		}
	}
	return nil
}

// HasTag returns true if the request carries the given tag.
func (r *TaskRequest) HasTag(tag string) bool {
	return util.In(tag, r.Tags)
}

// TagTerminate marks the synthetic single-bot task which tells a bot to shut
// down when it completes.
const TagTerminate = "taskfarm:terminate"

// IsTerminate returns true for the synthetic bot-termination task.
func (r *TaskRequest) IsTerminate() bool {
	return r.HasTag(TagTerminate)
}

// TaskResultSummary is the canonical mutable record of a request's outcome.
// It shares its request's entity group, so all state transitions serialize on
// it.
type TaskResultSummary struct {
	RequestID RequestID `json:"requestId"`
	State     TaskState `json:"state"`

	Created   time.Time `json:"created"`
	Modified  time.Time `json:"modified"`
	Started   time.Time `json:"started,omitempty"`
	Completed time.Time `json:"completed,omitempty"`
	Abandoned time.Time `json:"abandoned,omitempty"`

	// CurrentSlice is the 0-based index of the slice currently queued or
	// running.
	CurrentSlice int `json:"currentSlice"`

	// TryNumber is 0 before the first claim (and forever, for a deduped
	// task), then the try of the run the summary mirrors.
	TryNumber int `json:"tryNumber"`

	BotID         string     `json:"botId,omitempty"`
	BotVersion    string     `json:"botVersion,omitempty"`
	BotDimensions Dimensions `json:"botDimensions,omitempty"`

	ExitCode *int64         `json:"exitCode,omitempty"`
	Duration *time.Duration `json:"duration,omitempty"`

	// Failure is true when the task ran to completion with a non-zero exit
	// code.
	Failure bool `json:"failure"`

	// InternalFailure is true when the service, not the task, failed, eg.
	// on bot death.
	InternalFailure bool `json:"internalFailure"`

	// CostsUSD holds the best-effort cost of each try.
	CostsUSD []float64 `json:"costsUsd,omitempty"`

	// CostSavedUSD is the cost of the run this task deduplicated against.
	CostSavedUSD float64 `json:"costSavedUsd,omitempty"`

	// DedupedFrom names the run whose result this summary reuses, if any.
	DedupedFrom string `json:"dedupedFrom,omitempty"`

	// PropertiesHash is published iff this summary is reusable for
	// deduplication: set on a successful, non-deduped, idempotent
	// completion; never set on a deduped summary.
	PropertiesHash string `json:"propertiesHash,omitempty"`
}

// Copy returns a deep copy.
func (s *TaskResultSummary) Copy() *TaskResultSummary {
	rv := *s
	rv.BotDimensions = s.BotDimensions.Copy()
	if s.ExitCode != nil {
		v := *s.ExitCode
		rv.ExitCode = &v
	}
	if s.Duration != nil {
		v := *s.Duration
		rv.Duration = &v
	}
	if s.CostsUSD != nil {
		rv.CostsUSD = make([]float64, len(s.CostsUSD))
		copy(rv.CostsUSD, s.CostsUSD)
	}
	return &rv
}

// ActiveRun returns the id of the run the summary currently mirrors. Only
// valid when TryNumber > 0 and the task was not deduped.
func (s *TaskResultSummary) ActiveRun() RunID {
	return RunID{RequestID: s.RequestID, TryNumber: s.TryNumber}
}

// TaskToRun is one claimable queue entry. At most one TaskToRun per request
// has a non-nil QueueNumber at any time; clearing it is the atomic claim (or
// retirement) operation.
type TaskToRun struct {
	RequestID  RequestID `json:"requestId"`
	TryNumber  int       `json:"tryNumber"`
	SliceIndex int       `json:"sliceIndex"`

	// QueueNumber packs (priority, created) so that ascending order is
	// dispatch order. Nil means claimed or retired.
	QueueNumber *int64 `json:"queueNumber"`

	Created time.Time `json:"created"`

	// Expiration is the absolute deadline by which a bot must claim this
	// entry.
	Expiration time.Time `json:"expiration"`

	// Dimensions is a denormalized copy of the slice's requirements so
	// that queue scans can match bots without loading the request.
	Dimensions Dimensions `json:"dimensions"`
}

// Key returns the entry's identifying triple.
func (t *TaskToRun) Key() TaskToRunKey {
	return TaskToRunKey{RequestID: t.RequestID, TryNumber: t.TryNumber, SliceIndex: t.SliceIndex}
}

// Claimable returns true if the entry can still be claimed.
func (t *TaskToRun) Claimable() bool {
	return t.QueueNumber != nil
}

// Copy returns a deep copy.
func (t *TaskToRun) Copy() *TaskToRun {
	rv := *t
	if t.QueueNumber != nil {
		v := *t.QueueNumber
		rv.QueueNumber = &v
	}
	rv.Dimensions = t.Dimensions.Copy()
	return &rv
}

// TaskRunResult records a single bot-on-task execution attempt.
type TaskRunResult struct {
	RequestID RequestID `json:"requestId"`
	TryNumber int       `json:"tryNumber"`

	BotID         string     `json:"botId"`
	BotVersion    string     `json:"botVersion,omitempty"`
	BotDimensions Dimensions `json:"botDimensions,omitempty"`

	State TaskState `json:"state"`

	Started   time.Time `json:"started"`
	Modified  time.Time `json:"modified"`
	Completed time.Time `json:"completed,omitempty"`
	Abandoned time.Time `json:"abandoned,omitempty"`

	ExitCode *int64         `json:"exitCode,omitempty"`
	Duration *time.Duration `json:"duration,omitempty"`

	Failure         bool `json:"failure"`
	InternalFailure bool `json:"internalFailure"`

	// Killing is set when a cancellation has been requested but the bot
	// has not yet acknowledged it.
	Killing bool `json:"killing"`

	// CurrentSlice is the slice index this run was claimed for.
	CurrentSlice int `json:"currentSlice"`

	CostUSD float64 `json:"costUsd,omitempty"`

	// OutputChunks is the number of output chunks stored for this run;
	// OutputSize is the high-water byte offset.
	OutputChunks int   `json:"outputChunks"`
	OutputSize   int64 `json:"outputSize"`

	// OutputTruncated is set, once, when the output cap drops bytes.
	OutputTruncated bool `json:"outputTruncated"`
}

// ID returns the run's identifier.
func (r *TaskRunResult) ID() RunID {
	return RunID{RequestID: r.RequestID, TryNumber: r.TryNumber}
}

// Copy returns a deep copy.
func (r *TaskRunResult) Copy() *TaskRunResult {
	rv := *r
	rv.BotDimensions = r.BotDimensions.Copy()
	if r.ExitCode != nil {
		v := *r.ExitCode
		rv.ExitCode = &v
	}
	if r.Duration != nil {
		v := *r.Duration
		rv.Duration = &v
	}
	return &rv
}

// Gap is a byte range [Start, End) of an output chunk which has been
// zero-filled but not yet written.
type Gap struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// TaskOutputChunk is one fixed-size piece of a run's output stream.
type TaskOutputChunk struct {
	RunID RunID `json:"runId"`
	Index int   `json:"index"`

	Data []byte `json:"data"`

	// Gaps lists the zero-filled ranges of Data which hold no real output
	// yet, sorted by Start.
	Gaps []Gap `json:"gaps,omitempty"`
}

// Copy returns a deep copy.
func (c *TaskOutputChunk) Copy() *TaskOutputChunk {
	rv := *c
	if c.Data != nil {
		rv.Data = make([]byte, len(c.Data))
		copy(rv.Data, c.Data)
	}
	if c.Gaps != nil {
		rv.Gaps = make([]Gap, len(c.Gaps))
		copy(rv.Gaps, c.Gaps)
	}
	return &rv
}

// OutboxRecord is a durable record of a completion notification which could
// not be delivered inline; a sweeper retries it.
type OutboxRecord struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Created   time.Time         `json:"created"`
	Attempts  int               `json:"attempts"`
	RequestID RequestID         `json:"requestId"`
}

// Copy returns a deep copy.
func (o *OutboxRecord) Copy() *OutboxRecord {
	rv := *o
	if o.Payload != nil {
		rv.Payload = make([]byte, len(o.Payload))
		copy(rv.Payload, o.Payload)
	}
	if o.Attrs != nil {
		rv.Attrs = make(map[string]string, len(o.Attrs))
		for k, v := range o.Attrs {
			rv.Attrs[k] = v
		}
	}
	return &rv
}
