// Package memory provides an in-memory db.Store for tests. It is extremely
// simple: one big lock serializes transactions, writes are staged per
// transaction and applied on commit, and every read returns a copy.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.skia.org/infra/go/sklog"
	"go.skia.org/taskfarm/go/db"
	"go.skia.org/taskfarm/go/types"
)

type chunkKey struct {
	run   types.RunID
	index int
}

type leaseKey struct {
	machineType string
	slot        int
}

// Store implements db.Store.
type Store struct {
	mtx       sync.Mutex
	requests  map[types.RequestID]*types.TaskRequest
	summaries map[types.RequestID]*types.TaskResultSummary
	toRuns    map[types.TaskToRunKey]*types.TaskToRun
	runs      map[types.RunID]*types.TaskRunResult
	chunks    map[chunkKey]*types.TaskOutputChunk
	bots      map[string]*types.Bot
	leases    map[leaseKey]*types.MachineLease
	outbox    map[string]*types.OutboxRecord

	// conflicts maps a transaction name to a number of attempts which
	// should artificially fail with a commit conflict. Tests use this to
	// exercise the retry paths.
	conflicts map[string]int
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		requests:  map[types.RequestID]*types.TaskRequest{},
		summaries: map[types.RequestID]*types.TaskResultSummary{},
		toRuns:    map[types.TaskToRunKey]*types.TaskToRun{},
		runs:      map[types.RunID]*types.TaskRunResult{},
		chunks:    map[chunkKey]*types.TaskOutputChunk{},
		bots:      map[string]*types.Bot{},
		leases:    map[leaseKey]*types.MachineLease{},
		outbox:    map[string]*types.OutboxRecord{},
		conflicts: map[string]int{},
	}
}

// InjectConflicts causes the next n attempts of transactions with the given
// name to fail with a commit conflict.
func (s *Store) InjectConflicts(name string, n int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.conflicts[name] = n
}

// tx implements db.Tx by staging writes until commit.
type tx struct {
	s *Store

	putRequests  map[types.RequestID]*types.TaskRequest
	putSummaries map[types.RequestID]*types.TaskResultSummary
	putToRuns    map[types.TaskToRunKey]*types.TaskToRun
	putRuns      map[types.RunID]*types.TaskRunResult
	putChunks    map[chunkKey]*types.TaskOutputChunk
	putBots      map[string]*types.Bot
	delBots      map[string]bool
	putLeases    map[leaseKey]*types.MachineLease
	delLeases    map[leaseKey]bool
	putOutbox    map[string]*types.OutboxRecord
	delOutbox    map[string]bool

	deferred []func(ctx context.Context)
}

func newTx(s *Store) *tx {
	return &tx{
		s:            s,
		putRequests:  map[types.RequestID]*types.TaskRequest{},
		putSummaries: map[types.RequestID]*types.TaskResultSummary{},
		putToRuns:    map[types.TaskToRunKey]*types.TaskToRun{},
		putRuns:      map[types.RunID]*types.TaskRunResult{},
		putChunks:    map[chunkKey]*types.TaskOutputChunk{},
		putBots:      map[string]*types.Bot{},
		delBots:      map[string]bool{},
		putLeases:    map[leaseKey]*types.MachineLease{},
		delLeases:    map[leaseKey]bool{},
		putOutbox:    map[string]*types.OutboxRecord{},
		delOutbox:    map[string]bool{},
	}
}

// commit applies the staged writes. Caller holds s.mtx.
func (t *tx) commit() {
	for id, r := range t.putRequests {
		t.s.requests[id] = r
	}
	for id, su := range t.putSummaries {
		t.s.summaries[id] = su
	}
	for k, ttr := range t.putToRuns {
		t.s.toRuns[k] = ttr
	}
	for id, r := range t.putRuns {
		t.s.runs[id] = r
	}
	for k, c := range t.putChunks {
		t.s.chunks[k] = c
	}
	for id, b := range t.putBots {
		t.s.bots[id] = b
	}
	for id := range t.delBots {
		delete(t.s.bots, id)
	}
	for k, l := range t.putLeases {
		t.s.leases[k] = l
	}
	for k := range t.delLeases {
		delete(t.s.leases, k)
	}
	for id, o := range t.putOutbox {
		t.s.outbox[id] = o
	}
	for id := range t.delOutbox {
		delete(t.s.outbox, id)
	}
}

// See db.Tx.
func (t *tx) GetRequest(id types.RequestID) (*types.TaskRequest, error) {
	if r, ok := t.putRequests[id]; ok {
		return r.Copy(), nil
	}
	if r, ok := t.s.requests[id]; ok {
		return r.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// See db.Tx.
func (t *tx) CreateRequest(r *types.TaskRequest) error {
	if _, ok := t.s.requests[r.ID]; ok {
		return db.ErrAlreadyExists
	}
	if _, ok := t.putRequests[r.ID]; ok {
		return db.ErrAlreadyExists
	}
	t.putRequests[r.ID] = r.Copy()
	return nil
}

// See db.Tx.
func (t *tx) GetSummary(id types.RequestID) (*types.TaskResultSummary, error) {
	if s, ok := t.putSummaries[id]; ok {
		return s.Copy(), nil
	}
	if s, ok := t.s.summaries[id]; ok {
		return s.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// See db.Tx.
func (t *tx) PutSummary(s *types.TaskResultSummary) error {
	t.putSummaries[s.RequestID] = s.Copy()
	return nil
}

// See db.Tx.
func (t *tx) GetTaskToRun(k types.TaskToRunKey) (*types.TaskToRun, error) {
	if ttr, ok := t.putToRuns[k]; ok {
		return ttr.Copy(), nil
	}
	if ttr, ok := t.s.toRuns[k]; ok {
		return ttr.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// See db.Tx.
func (t *tx) PutTaskToRun(ttr *types.TaskToRun) error {
	t.putToRuns[ttr.Key()] = ttr.Copy()
	return nil
}

// See db.Tx.
func (t *tx) GetRunResult(id types.RunID) (*types.TaskRunResult, error) {
	if r, ok := t.putRuns[id]; ok {
		return r.Copy(), nil
	}
	if r, ok := t.s.runs[id]; ok {
		return r.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// See db.Tx.
func (t *tx) PutRunResult(r *types.TaskRunResult) error {
	t.putRuns[r.ID()] = r.Copy()
	return nil
}

// See db.Tx.
func (t *tx) GetOutputChunk(id types.RunID, index int) (*types.TaskOutputChunk, error) {
	k := chunkKey{run: id, index: index}
	if c, ok := t.putChunks[k]; ok {
		return c.Copy(), nil
	}
	if c, ok := t.s.chunks[k]; ok {
		return c.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// See db.Tx.
func (t *tx) PutOutputChunks(chunks []*types.TaskOutputChunk) error {
	for _, c := range chunks {
		t.putChunks[chunkKey{run: c.RunID, index: c.Index}] = c.Copy()
	}
	return nil
}

// See db.Tx.
func (t *tx) GetBot(id string) (*types.Bot, error) {
	if t.delBots[id] {
		return nil, db.ErrNotFound
	}
	if b, ok := t.putBots[id]; ok {
		return b.Copy(), nil
	}
	if b, ok := t.s.bots[id]; ok {
		return b.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// See db.Tx.
func (t *tx) PutBot(b *types.Bot) error {
	delete(t.delBots, b.ID)
	t.putBots[b.ID] = b.Copy()
	return nil
}

// See db.Tx.
func (t *tx) DeleteBot(id string) error {
	delete(t.putBots, id)
	t.delBots[id] = true
	return nil
}

// See db.Tx.
func (t *tx) GetLease(machineType string, slot int) (*types.MachineLease, error) {
	k := leaseKey{machineType: machineType, slot: slot}
	if t.delLeases[k] {
		return nil, db.ErrNotFound
	}
	if l, ok := t.putLeases[k]; ok {
		return l.Copy(), nil
	}
	if l, ok := t.s.leases[k]; ok {
		return l.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// See db.Tx.
func (t *tx) PutLease(l *types.MachineLease) error {
	k := leaseKey{machineType: l.MachineType, slot: l.SlotIndex}
	delete(t.delLeases, k)
	t.putLeases[k] = l.Copy()
	return nil
}

// See db.Tx.
func (t *tx) DeleteLease(machineType string, slot int) error {
	k := leaseKey{machineType: machineType, slot: slot}
	delete(t.putLeases, k)
	t.delLeases[k] = true
	return nil
}

// See db.Tx.
func (t *tx) PutOutbox(o *types.OutboxRecord) error {
	delete(t.delOutbox, o.ID)
	t.putOutbox[o.ID] = o.Copy()
	return nil
}

// See db.Tx.
func (t *tx) DeleteOutbox(id string) error {
	delete(t.putOutbox, id)
	t.delOutbox[id] = true
	return nil
}

// See db.Tx.
func (t *tx) Defer(fn func(ctx context.Context)) {
	t.deferred = append(t.deferred, fn)
}

// See db.Store.
func (s *Store) RunTransaction(ctx context.Context, name string, retries int, fn func(ctx context.Context, tx db.Tx) error) error {
	for attempt := 0; ; attempt++ {
		t, err := s.attempt(ctx, name, fn)
		if err == nil {
			for _, fn := range t.deferred {
				fn(ctx)
			}
			return nil
		}
		if !db.IsConcurrentUpdate(err) {
			return err
		}
		if attempt >= retries {
			sklog.Warningf("Transaction %q gave up after %d conflicts.", name, attempt+1)
			return db.ErrConcurrentUpdate
		}
	}
}

// attempt runs fn once under the store lock and commits on success.
func (s *Store) attempt(ctx context.Context, name string, fn func(ctx context.Context, tx db.Tx) error) (*tx, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t := newTx(s)
	if err := fn(ctx, t); err != nil {
		return nil, err
	}
	if n := s.conflicts[name]; n > 0 {
		s.conflicts[name] = n - 1
		return nil, db.ErrConcurrentUpdate
	}
	t.commit()
	return t, nil
}

// See db.Store.
func (s *Store) GetRequest(ctx context.Context, id types.RequestID) (*types.TaskRequest, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if r, ok := s.requests[id]; ok {
		return r.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// See db.Store.
func (s *Store) GetSummary(ctx context.Context, id types.RequestID) (*types.TaskResultSummary, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if su, ok := s.summaries[id]; ok {
		return su.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// See db.Store.
func (s *Store) GetRunResult(ctx context.Context, id types.RunID) (*types.TaskRunResult, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if r, ok := s.runs[id]; ok {
		return r.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// See db.Store.
func (s *Store) GetTaskToRun(ctx context.Context, k types.TaskToRunKey) (*types.TaskToRun, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if ttr, ok := s.toRuns[k]; ok {
		return ttr.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// See db.Store.
func (s *Store) GetOutputChunks(ctx context.Context, id types.RunID, n int) ([]*types.TaskOutputChunk, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rv := make([]*types.TaskOutputChunk, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := s.chunks[chunkKey{run: id, index: i}]; ok {
			rv = append(rv, c.Copy())
		}
	}
	return rv, nil
}

// See db.Store.
func (s *Store) GetBot(ctx context.Context, id string) (*types.Bot, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if b, ok := s.bots[id]; ok {
		return b.Copy(), nil
	}
	return nil, db.ErrNotFound
}

// snapshotToRuns returns copies of the claimable queue entries, ascending by
// queue number, without holding the lock during iteration by the caller.
func (s *Store) snapshotToRuns(filter func(*types.TaskToRun) bool) []*types.TaskToRun {
	s.mtx.Lock()
	rv := make([]*types.TaskToRun, 0, len(s.toRuns))
	for _, ttr := range s.toRuns {
		if ttr.Claimable() && filter(ttr) {
			rv = append(rv, ttr.Copy())
		}
	}
	s.mtx.Unlock()
	sort.Slice(rv, func(i, j int) bool {
		return *rv[i].QueueNumber < *rv[j].QueueNumber
	})
	return rv
}

// See db.Store.
func (s *Store) ScanClaimable(ctx context.Context, dims types.Dimensions, fn func(*types.TaskToRun) (bool, error)) error {
	entries := s.snapshotToRuns(func(ttr *types.TaskToRun) bool {
		return dims == nil || dims.Contains(ttr.Dimensions)
	})
	for _, ttr := range entries {
		keepGoing, err := fn(ttr)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
	return nil
}

// See db.Store.
func (s *Store) ScanExpired(ctx context.Context, cutoff time.Time, fn func(*types.TaskToRun) (bool, error)) error {
	entries := s.snapshotToRuns(func(ttr *types.TaskToRun) bool {
		return ttr.Expiration.Before(cutoff)
	})
	for _, ttr := range entries {
		keepGoing, err := fn(ttr)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
	return nil
}

// See db.Store.
func (s *Store) ScanStaleRunning(ctx context.Context, cutoff time.Time, fn func(*types.TaskRunResult) (bool, error)) error {
	s.mtx.Lock()
	stale := make([]*types.TaskRunResult, 0, len(s.runs))
	for _, r := range s.runs {
		if r.State == types.TaskStateRunning && r.Modified.Before(cutoff) {
			stale = append(stale, r.Copy())
		}
	}
	s.mtx.Unlock()
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].Modified.Before(stale[j].Modified)
	})
	for _, r := range stale {
		keepGoing, err := fn(r)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
	return nil
}

// See db.Store.
func (s *Store) RecentByPropertiesHash(ctx context.Context, hash string, limit int) ([]*types.TaskResultSummary, error) {
	s.mtx.Lock()
	matches := make([]*types.TaskResultSummary, 0, limit)
	for _, su := range s.summaries {
		if su.PropertiesHash == hash {
			matches = append(matches, su.Copy())
		}
	}
	s.mtx.Unlock()
	// Request ids encode inverted time, so ascending id is newest-first.
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].RequestID < matches[j].RequestID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// See db.Store.
func (s *Store) ListBots(ctx context.Context) ([]*types.Bot, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rv := make([]*types.Bot, 0, len(s.bots))
	for _, b := range s.bots {
		rv = append(rv, b.Copy())
	}
	sort.Slice(rv, func(i, j int) bool {
		return rv[i].ID < rv[j].ID
	})
	return rv, nil
}

// See db.Store.
func (s *Store) ListLeases(ctx context.Context, machineType string) ([]*types.MachineLease, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rv := []*types.MachineLease{}
	for k, l := range s.leases {
		if machineType == "" || k.machineType == machineType {
			rv = append(rv, l.Copy())
		}
	}
	sort.Slice(rv, func(i, j int) bool {
		if rv[i].MachineType != rv[j].MachineType {
			return rv[i].MachineType < rv[j].MachineType
		}
		return rv[i].SlotIndex < rv[j].SlotIndex
	})
	return rv, nil
}

// See db.Store.
func (s *Store) ListOutbox(ctx context.Context, limit int) ([]*types.OutboxRecord, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rv := []*types.OutboxRecord{}
	for _, o := range s.outbox {
		rv = append(rv, o.Copy())
	}
	sort.Slice(rv, func(i, j int) bool {
		return rv[i].Created.Before(rv[j].Created)
	})
	if limit > 0 && len(rv) > limit {
		rv = rv[:limit]
	}
	return rv, nil
}

// Affirm that Store implements the db.Store interface.
var _ db.Store = (*Store)(nil)
