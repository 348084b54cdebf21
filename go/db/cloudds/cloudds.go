// Package cloudds implements db.Store on Cloud Datastore.
//
// Entities are stored as JSON blobs in an unindexed Data property, with the
// handful of fields the scan queries need duplicated as indexed properties.
// The entity-group layout follows the graph described in package db: the
// summary, queue entries, run results and output chunks of a request all hang
// off the request's root key, so every state transition of one task
// serializes on a single entity group.
package cloudds

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/datastore"
	"golang.org/x/oauth2"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"go.skia.org/infra/go/skerr"
	"go.skia.org/taskfarm/go/db"
	"go.skia.org/taskfarm/go/types"
)

const (
	kindTaskRequest   = "TaskRequest"
	kindTaskSummary   = "TaskResultSummary"
	kindTaskToRun     = "TaskToRun"
	kindTaskRunResult = "TaskRunResult"
	kindOutputChunk   = "TaskOutputChunk"
	kindBot           = "Bot"
	kindMachineLease  = "MachineLease"
	kindOutbox        = "Outbox"

	// summaryChildID is the fixed child id of the single TaskResultSummary
	// under each TaskRequest.
	summaryChildID = 1
)

// Store implements db.Store on a Cloud Datastore client.
type Store struct {
	client *datastore.Client
	ns     string
}

var _ db.Store = (*Store)(nil)

// New returns a Store backed by the given project and namespace.
func New(ctx context.Context, project, namespace string, ts oauth2.TokenSource) (*Store, error) {
	opts := []option.ClientOption{}
	if ts != nil {
		opts = append(opts, option.WithTokenSource(ts))
	}
	client, err := datastore.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, skerr.Wrapf(err, "creating datastore client for %s", project)
	}
	return &Store{client: client, ns: namespace}, nil
}

// Key construction. Children share the request's entity group.

func (s *Store) requestKey(id types.RequestID) *datastore.Key {
	k := datastore.IDKey(kindTaskRequest, int64(id), nil)
	k.Namespace = s.ns
	return k
}

func (s *Store) summaryKey(id types.RequestID) *datastore.Key {
	k := datastore.IDKey(kindTaskSummary, summaryChildID, s.requestKey(id))
	k.Namespace = s.ns
	return k
}

func (s *Store) taskToRunKey(k types.TaskToRunKey) *datastore.Key {
	rv := datastore.NameKey(kindTaskToRun, fmt.Sprintf("%d-%d", k.TryNumber, k.SliceIndex), s.summaryKey(k.RequestID))
	rv.Namespace = s.ns
	return rv
}

func (s *Store) runKey(id types.RunID) *datastore.Key {
	k := datastore.IDKey(kindTaskRunResult, int64(id.TryNumber), s.summaryKey(id.RequestID))
	k.Namespace = s.ns
	return k
}

func (s *Store) chunkKey(id types.RunID, index int) *datastore.Key {
	k := datastore.IDKey(kindOutputChunk, int64(index)+1, s.runKey(id))
	k.Namespace = s.ns
	return k
}

func (s *Store) botKey(id string) *datastore.Key {
	k := datastore.NameKey(kindBot, id, nil)
	k.Namespace = s.ns
	return k
}

func (s *Store) leaseKey(machineType string, slot int) *datastore.Key {
	k := datastore.NameKey(kindMachineLease, fmt.Sprintf("%s|%d", machineType, slot), nil)
	k.Namespace = s.ns
	return k
}

func (s *Store) outboxKey(id string) *datastore.Key {
	k := datastore.NameKey(kindOutbox, id, nil)
	k.Namespace = s.ns
	return k
}

// Blob encoding shared by every entity.

func saveBlob(v interface{}, indexed ...datastore.Property) ([]datastore.Property, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return append([]datastore.Property{{Name: "Data", Value: b, NoIndex: true}}, indexed...), nil
}

func loadBlob(ps []datastore.Property, v interface{}) error {
	for _, p := range ps {
		if p.Name != "Data" {
			continue
		}
		b, ok := p.Value.([]byte)
		if !ok {
			return skerr.Fmt("Data property is %T, not []byte", p.Value)
		}
		return skerr.Wrap(json.Unmarshal(b, v))
	}
	return skerr.Fmt("entity has no Data property")
}

// requestBlob re-attaches SecretBytes, which the public JSON encoding of
// TaskRequest deliberately omits.
type requestBlob struct {
	*types.TaskRequest
	SecretBytes []byte `json:"secretBytes,omitempty"`
}

type requestEntity struct {
	Request *types.TaskRequest
}

func (e *requestEntity) Save() ([]datastore.Property, error) {
	return saveBlob(&requestBlob{TaskRequest: e.Request, SecretBytes: e.Request.SecretBytes})
}

func (e *requestEntity) Load(ps []datastore.Property) error {
	blob := requestBlob{TaskRequest: &types.TaskRequest{}}
	if err := loadBlob(ps, &blob); err != nil {
		return err
	}
	blob.TaskRequest.SecretBytes = blob.SecretBytes
	e.Request = blob.TaskRequest
	return nil
}

type summaryEntity struct {
	Summary *types.TaskResultSummary
}

func (e *summaryEntity) Save() ([]datastore.Property, error) {
	return saveBlob(e.Summary,
		datastore.Property{Name: "PropertiesHash", Value: e.Summary.PropertiesHash},
	)
}

func (e *summaryEntity) Load(ps []datastore.Property) error {
	e.Summary = &types.TaskResultSummary{}
	return loadBlob(ps, e.Summary)
}

type taskToRunEntity struct {
	TaskToRun *types.TaskToRun
}

func (e *taskToRunEntity) Save() ([]datastore.Property, error) {
	t := e.TaskToRun
	var qn int64
	if t.QueueNumber != nil {
		qn = *t.QueueNumber
	}
	flat := make([]interface{}, 0, len(t.Dimensions))
	for _, pair := range t.Dimensions.Flatten() {
		flat = append(flat, pair)
	}
	return saveBlob(t,
		datastore.Property{Name: "Claimable", Value: t.Claimable()},
		datastore.Property{Name: "QueueNumber", Value: qn},
		datastore.Property{Name: "Expiration", Value: t.Expiration},
		datastore.Property{Name: "DimensionsFlat", Value: flat},
	)
}

func (e *taskToRunEntity) Load(ps []datastore.Property) error {
	e.TaskToRun = &types.TaskToRun{}
	return loadBlob(ps, e.TaskToRun)
}

type runResultEntity struct {
	Run *types.TaskRunResult
}

func (e *runResultEntity) Save() ([]datastore.Property, error) {
	return saveBlob(e.Run,
		datastore.Property{Name: "State", Value: string(e.Run.State)},
		datastore.Property{Name: "Modified", Value: e.Run.Modified},
	)
}

func (e *runResultEntity) Load(ps []datastore.Property) error {
	e.Run = &types.TaskRunResult{}
	return loadBlob(ps, e.Run)
}

type chunkEntity struct {
	Chunk *types.TaskOutputChunk
}

func (e *chunkEntity) Save() ([]datastore.Property, error) {
	return saveBlob(e.Chunk)
}

func (e *chunkEntity) Load(ps []datastore.Property) error {
	e.Chunk = &types.TaskOutputChunk{}
	return loadBlob(ps, e.Chunk)
}

type botEntity struct {
	Bot *types.Bot
}

func (e *botEntity) Save() ([]datastore.Property, error) {
	return saveBlob(e.Bot)
}

func (e *botEntity) Load(ps []datastore.Property) error {
	e.Bot = &types.Bot{}
	return loadBlob(ps, e.Bot)
}

type leaseEntity struct {
	Lease *types.MachineLease
}

func (e *leaseEntity) Save() ([]datastore.Property, error) {
	return saveBlob(e.Lease,
		datastore.Property{Name: "MachineType", Value: e.Lease.MachineType},
	)
}

func (e *leaseEntity) Load(ps []datastore.Property) error {
	e.Lease = &types.MachineLease{}
	return loadBlob(ps, e.Lease)
}

type outboxEntity struct {
	Record *types.OutboxRecord
}

func (e *outboxEntity) Save() ([]datastore.Property, error) {
	return saveBlob(e.Record,
		datastore.Property{Name: "Created", Value: e.Record.Created},
	)
}

func (e *outboxEntity) Load(ps []datastore.Property) error {
	e.Record = &types.OutboxRecord{}
	return loadBlob(ps, e.Record)
}

var (
	_ datastore.PropertyLoadSaver = (*requestEntity)(nil)
	_ datastore.PropertyLoadSaver = (*summaryEntity)(nil)
	_ datastore.PropertyLoadSaver = (*taskToRunEntity)(nil)
	_ datastore.PropertyLoadSaver = (*runResultEntity)(nil)
	_ datastore.PropertyLoadSaver = (*chunkEntity)(nil)
	_ datastore.PropertyLoadSaver = (*botEntity)(nil)
	_ datastore.PropertyLoadSaver = (*leaseEntity)(nil)
	_ datastore.PropertyLoadSaver = (*outboxEntity)(nil)
)

func mapGetErr(err error) error {
	if err == datastore.ErrNoSuchEntity {
		return db.ErrNotFound
	}
	return err
}

// txn implements db.Tx on a datastore transaction.
type txn struct {
	s        *Store
	tx       *datastore.Transaction
	deferred []func(ctx context.Context)
}

var _ db.Tx = (*txn)(nil)

func (t *txn) GetRequest(id types.RequestID) (*types.TaskRequest, error) {
	var e requestEntity
	if err := t.tx.Get(t.s.requestKey(id), &e); err != nil {
		return nil, skerr.Wrap(mapGetErr(err))
	}
	return e.Request, nil
}

func (t *txn) CreateRequest(r *types.TaskRequest) error {
	key := t.s.requestKey(r.ID)
	var existing requestEntity
	err := t.tx.Get(key, &existing)
	if err == nil {
		return skerr.Wrap(db.ErrAlreadyExists)
	}
	if err != datastore.ErrNoSuchEntity {
		return skerr.Wrap(err)
	}
	_, err = t.tx.Put(key, &requestEntity{Request: r})
	return skerr.Wrap(err)
}

func (t *txn) GetSummary(id types.RequestID) (*types.TaskResultSummary, error) {
	var e summaryEntity
	if err := t.tx.Get(t.s.summaryKey(id), &e); err != nil {
		return nil, skerr.Wrap(mapGetErr(err))
	}
	return e.Summary, nil
}

func (t *txn) PutSummary(s *types.TaskResultSummary) error {
	_, err := t.tx.Put(t.s.summaryKey(s.RequestID), &summaryEntity{Summary: s})
	return skerr.Wrap(err)
}

func (t *txn) GetTaskToRun(k types.TaskToRunKey) (*types.TaskToRun, error) {
	var e taskToRunEntity
	if err := t.tx.Get(t.s.taskToRunKey(k), &e); err != nil {
		return nil, skerr.Wrap(mapGetErr(err))
	}
	return e.TaskToRun, nil
}

func (t *txn) PutTaskToRun(ttr *types.TaskToRun) error {
	_, err := t.tx.Put(t.s.taskToRunKey(ttr.Key()), &taskToRunEntity{TaskToRun: ttr})
	return skerr.Wrap(err)
}

func (t *txn) GetRunResult(id types.RunID) (*types.TaskRunResult, error) {
	var e runResultEntity
	if err := t.tx.Get(t.s.runKey(id), &e); err != nil {
		return nil, skerr.Wrap(mapGetErr(err))
	}
	return e.Run, nil
}

func (t *txn) PutRunResult(r *types.TaskRunResult) error {
	_, err := t.tx.Put(t.s.runKey(r.ID()), &runResultEntity{Run: r})
	return skerr.Wrap(err)
}

func (t *txn) GetOutputChunk(id types.RunID, index int) (*types.TaskOutputChunk, error) {
	var e chunkEntity
	if err := t.tx.Get(t.s.chunkKey(id, index), &e); err != nil {
		return nil, skerr.Wrap(mapGetErr(err))
	}
	return e.Chunk, nil
}

func (t *txn) PutOutputChunks(chunks []*types.TaskOutputChunk) error {
	keys := make([]*datastore.Key, 0, len(chunks))
	entities := make([]*chunkEntity, 0, len(chunks))
	for _, c := range chunks {
		keys = append(keys, t.s.chunkKey(c.RunID, c.Index))
		entities = append(entities, &chunkEntity{Chunk: c})
	}
	_, err := t.tx.PutMulti(keys, entities)
	return skerr.Wrap(err)
}

func (t *txn) GetBot(id string) (*types.Bot, error) {
	var e botEntity
	if err := t.tx.Get(t.s.botKey(id), &e); err != nil {
		return nil, skerr.Wrap(mapGetErr(err))
	}
	return e.Bot, nil
}

func (t *txn) PutBot(b *types.Bot) error {
	_, err := t.tx.Put(t.s.botKey(b.ID), &botEntity{Bot: b})
	return skerr.Wrap(err)
}

func (t *txn) DeleteBot(id string) error {
	return skerr.Wrap(t.tx.Delete(t.s.botKey(id)))
}

func (t *txn) GetLease(machineType string, slot int) (*types.MachineLease, error) {
	var e leaseEntity
	if err := t.tx.Get(t.s.leaseKey(machineType, slot), &e); err != nil {
		return nil, skerr.Wrap(mapGetErr(err))
	}
	return e.Lease, nil
}

func (t *txn) PutLease(l *types.MachineLease) error {
	_, err := t.tx.Put(t.s.leaseKey(l.MachineType, l.SlotIndex), &leaseEntity{Lease: l})
	return skerr.Wrap(err)
}

func (t *txn) DeleteLease(machineType string, slot int) error {
	return skerr.Wrap(t.tx.Delete(t.s.leaseKey(machineType, slot)))
}

func (t *txn) PutOutbox(o *types.OutboxRecord) error {
	_, err := t.tx.Put(t.s.outboxKey(o.ID), &outboxEntity{Record: o})
	return skerr.Wrap(err)
}

func (t *txn) DeleteOutbox(id string) error {
	return skerr.Wrap(t.tx.Delete(t.s.outboxKey(id)))
}

func (t *txn) Defer(fn func(ctx context.Context)) {
	t.deferred = append(t.deferred, fn)
}

// RunTransaction implements db.Store. Datastore retries conflicting
// transactions itself; the deferred side effects of aborted attempts are
// discarded with the attempt.
func (s *Store) RunTransaction(ctx context.Context, name string, retries int, fn func(ctx context.Context, tx db.Tx) error) error {
	var deferred []func(ctx context.Context)
	_, err := s.client.RunInTransaction(ctx, func(dtx *datastore.Transaction) error {
		t := &txn{s: s, tx: dtx}
		if err := fn(ctx, t); err != nil {
			return err
		}
		deferred = t.deferred
		return nil
	}, datastore.MaxAttempts(retries+1))
	if err == datastore.ErrConcurrentTransaction {
		return skerr.Wrapf(db.ErrConcurrentUpdate, "txn %q", name)
	}
	if err != nil {
		return err
	}
	for _, fn := range deferred {
		fn(ctx)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id types.RequestID) (*types.TaskRequest, error) {
	var e requestEntity
	if err := s.client.Get(ctx, s.requestKey(id), &e); err != nil {
		return nil, skerr.Wrap(mapGetErr(err))
	}
	return e.Request, nil
}

func (s *Store) GetSummary(ctx context.Context, id types.RequestID) (*types.TaskResultSummary, error) {
	var e summaryEntity
	if err := s.client.Get(ctx, s.summaryKey(id), &e); err != nil {
		return nil, skerr.Wrap(mapGetErr(err))
	}
	return e.Summary, nil
}

func (s *Store) GetRunResult(ctx context.Context, id types.RunID) (*types.TaskRunResult, error) {
	var e runResultEntity
	if err := s.client.Get(ctx, s.runKey(id), &e); err != nil {
		return nil, skerr.Wrap(mapGetErr(err))
	}
	return e.Run, nil
}

func (s *Store) GetTaskToRun(ctx context.Context, k types.TaskToRunKey) (*types.TaskToRun, error) {
	var e taskToRunEntity
	if err := s.client.Get(ctx, s.taskToRunKey(k), &e); err != nil {
		return nil, skerr.Wrap(mapGetErr(err))
	}
	return e.TaskToRun, nil
}

func (s *Store) GetOutputChunks(ctx context.Context, id types.RunID, n int) ([]*types.TaskOutputChunk, error) {
	if n == 0 {
		return nil, nil
	}
	keys := make([]*datastore.Key, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, s.chunkKey(id, i))
	}
	entities := make([]*chunkEntity, n)
	if err := s.client.GetMulti(ctx, keys, entities); err != nil {
		if multi, ok := err.(datastore.MultiError); ok {
			for _, e := range multi {
				if e != nil {
					return nil, skerr.Wrap(mapGetErr(e))
				}
			}
		}
		return nil, skerr.Wrap(err)
	}
	rv := make([]*types.TaskOutputChunk, 0, n)
	for _, e := range entities {
		rv = append(rv, e.Chunk)
	}
	return rv, nil
}

func (s *Store) GetBot(ctx context.Context, id string) (*types.Bot, error) {
	var e botEntity
	if err := s.client.Get(ctx, s.botKey(id), &e); err != nil {
		return nil, skerr.Wrap(mapGetErr(err))
	}
	return e.Bot, nil
}

func (s *Store) query(kind string) *datastore.Query {
	return datastore.NewQuery(kind).Namespace(s.ns)
}

// ScanClaimable implements db.Store. Datastore cannot express "entry
// dimensions are a subset of the bot's" in one query, so the scan narrows by
// the bot's pool and id values through the DimensionsFlat index and finishes
// the subset check client-side. Every slice names either a pool or a specific
// bot id (TaskProperties.Validate enforces it), so the union of those queries
// covers all matching entries.
func (s *Store) ScanClaimable(ctx context.Context, dims types.Dimensions, fn func(*types.TaskToRun) (bool, error)) error {
	var candidates []*types.TaskToRun
	if dims == nil {
		q := s.query(kindTaskToRun).FilterField("Claimable", "=", true).EventualConsistency()
		var err error
		candidates, err = s.gatherTaskToRuns(ctx, q)
		if err != nil {
			return skerr.Wrap(err)
		}
	} else {
		var filters []string
		for _, pool := range dims[types.DimPool] {
			filters = append(filters, types.DimPool+":"+pool)
		}
		for _, id := range dims[types.DimID] {
			filters = append(filters, types.DimID+":"+id)
		}
		seen := map[types.TaskToRunKey]bool{}
		for _, f := range filters {
			q := s.query(kindTaskToRun).
				FilterField("Claimable", "=", true).
				FilterField("DimensionsFlat", "=", f).
				EventualConsistency()
			got, err := s.gatherTaskToRuns(ctx, q)
			if err != nil {
				return skerr.Wrap(err)
			}
			for _, t := range got {
				if seen[t.Key()] {
					continue
				}
				seen[t.Key()] = true
				candidates = append(candidates, t)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return *candidates[i].QueueNumber < *candidates[j].QueueNumber
	})
	for _, t := range candidates {
		if dims != nil && !dims.Contains(t.Dimensions) {
			continue
		}
		keepGoing, err := fn(t)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
	return nil
}

func (s *Store) gatherTaskToRuns(ctx context.Context, q *datastore.Query) ([]*types.TaskToRun, error) {
	var rv []*types.TaskToRun
	it := s.client.Run(ctx, q)
	for {
		var e taskToRunEntity
		_, err := it.Next(&e)
		if err == iterator.Done {
			return rv, nil
		}
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		// The index may lag a claim; re-validated transactionally by the
		// caller anyway.
		if !e.TaskToRun.Claimable() {
			continue
		}
		rv = append(rv, e.TaskToRun)
	}
}

func (s *Store) ScanExpired(ctx context.Context, cutoff time.Time, fn func(*types.TaskToRun) (bool, error)) error {
	q := s.query(kindTaskToRun).
		FilterField("Claimable", "=", true).
		FilterField("Expiration", "<", cutoff).
		Order("Expiration").
		EventualConsistency()
	it := s.client.Run(ctx, q)
	for {
		var e taskToRunEntity
		_, err := it.Next(&e)
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return skerr.Wrap(err)
		}
		if !e.TaskToRun.Claimable() {
			continue
		}
		keepGoing, err := fn(e.TaskToRun)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
}

func (s *Store) ScanStaleRunning(ctx context.Context, cutoff time.Time, fn func(*types.TaskRunResult) (bool, error)) error {
	q := s.query(kindTaskRunResult).
		FilterField("State", "=", string(types.TaskStateRunning)).
		FilterField("Modified", "<", cutoff).
		Order("Modified").
		EventualConsistency()
	it := s.client.Run(ctx, q)
	for {
		var e runResultEntity
		_, err := it.Next(&e)
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return skerr.Wrap(err)
		}
		keepGoing, err := fn(e.Run)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
}

// RecentByPropertiesHash implements db.Store. Request ids embed an inverted
// timestamp, so ascending key order is newest-first.
func (s *Store) RecentByPropertiesHash(ctx context.Context, hash string, limit int) ([]*types.TaskResultSummary, error) {
	q := s.query(kindTaskSummary).
		FilterField("PropertiesHash", "=", hash).
		Order("__key__").
		Limit(limit).
		EventualConsistency()
	var rv []*types.TaskResultSummary
	it := s.client.Run(ctx, q)
	for {
		var e summaryEntity
		_, err := it.Next(&e)
		if err == iterator.Done {
			return rv, nil
		}
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		rv = append(rv, e.Summary)
	}
}

func (s *Store) ListBots(ctx context.Context) ([]*types.Bot, error) {
	q := s.query(kindBot).EventualConsistency()
	var rv []*types.Bot
	it := s.client.Run(ctx, q)
	for {
		var e botEntity
		_, err := it.Next(&e)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		rv = append(rv, e.Bot)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].ID < rv[j].ID })
	return rv, nil
}

func (s *Store) ListLeases(ctx context.Context, machineType string) ([]*types.MachineLease, error) {
	q := s.query(kindMachineLease).
		FilterField("MachineType", "=", machineType).
		EventualConsistency()
	var rv []*types.MachineLease
	it := s.client.Run(ctx, q)
	for {
		var e leaseEntity
		_, err := it.Next(&e)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		rv = append(rv, e.Lease)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].SlotIndex < rv[j].SlotIndex })
	return rv, nil
}

func (s *Store) ListOutbox(ctx context.Context, limit int) ([]*types.OutboxRecord, error) {
	q := s.query(kindOutbox).
		Order("Created").
		Limit(limit).
		EventualConsistency()
	var rv []*types.OutboxRecord
	it := s.client.Run(ctx, q)
	for {
		var e outboxEntity
		_, err := it.Next(&e)
		if err == iterator.Done {
			return rv, nil
		}
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		rv = append(rv, e.Record)
	}
}
