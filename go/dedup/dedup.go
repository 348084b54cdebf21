// Package dedup implements idempotent-task deduplication: hashing of task
// properties into a stable fingerprint and lookup of recent successful runs
// with the same fingerprint.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/taskfarm/go/db"
	"go.skia.org/taskfarm/go/types"
)

const (
	// MaxAge is how long a completed result stays reusable.
	MaxAge = 7 * 24 * time.Hour

	// maxCandidates bounds how many recent summaries are examined per
	// lookup.
	maxCandidates = 3

	cacheSize = 10240
)

// canonicalProperties is the stable encoding hashed into PropertiesHash. Only
// fields which affect the task's outcome are included; JSON map keys are
// emitted sorted, and dimension values are sorted before encoding.
type canonicalProperties struct {
	Command          []string            `json:"command"`
	Env              map[string]string   `json:"env,omitempty"`
	InputsRef        string              `json:"inputsRef,omitempty"`
	Dimensions       map[string][]string `json:"dimensions"`
	ExecutionTimeout int64               `json:"executionTimeoutMs"`
	IOTimeout        int64               `json:"ioTimeoutMs"`
}

// Hash returns the hex SHA-256 fingerprint of the properties.
func Hash(p types.TaskProperties) (string, error) {
	dims := make(map[string][]string, len(p.Dimensions))
	for k, vs := range p.Dimensions {
		sorted := append([]string{}, vs...)
		sort.Strings(sorted)
		dims[k] = sorted
	}
	b, err := json.Marshal(canonicalProperties{
		Command:          p.Command,
		Env:              p.Env,
		InputsRef:        p.InputsRef,
		Dimensions:       dims,
		ExecutionTimeout: p.ExecutionTimeout.Milliseconds(),
		IOTimeout:        p.IOTimeout.Milliseconds(),
	})
	if err != nil {
		return "", skerr.Wrap(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Finder locates reusable results for idempotent slices. It keeps a small LRU
// of recent hash -> request mappings to skip the index query on hot hashes;
// every cache hit is still re-validated against the store.
type Finder struct {
	store db.Store
	cache *lru.Cache
}

// NewFinder returns a Finder backed by the given store.
func NewFinder(store db.Store) (*Finder, error) {
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &Finder{store: store, cache: c}, nil
}

// reusable returns true if the summary's result can satisfy a new request.
// Summaries only carry a PropertiesHash when they completed successfully
// without themselves being deduped, so a deduped result can never be reused
// again; chains of dedup therefore have depth one.
func reusable(ctx context.Context, s *types.TaskResultSummary, hash string) bool {
	if s.State != types.TaskStateCompleted || s.Failure || s.InternalFailure {
		return false
	}
	if s.PropertiesHash != hash || s.DedupedFrom != "" {
		return false
	}
	return now.Now(ctx).Sub(s.Completed) <= MaxAge
}

// FindDuplicate returns the most recent reusable summary for the given
// properties hash, or nil if there is none.
func (f *Finder) FindDuplicate(ctx context.Context, hash string) (*types.TaskResultSummary, error) {
	if v, ok := f.cache.Get(hash); ok {
		id := v.(types.RequestID)
		s, err := f.store.GetSummary(ctx, id)
		if err == nil && reusable(ctx, s, hash) {
			return s, nil
		}
		f.cache.Remove(hash)
		if err != nil && !db.IsNotFound(err) {
			sklog.Warningf("Failed to revalidate cached dedup candidate %s: %s", id, err)
		}
	}
	candidates, err := f.store.RecentByPropertiesHash(ctx, hash, maxCandidates)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	for _, s := range candidates {
		if reusable(ctx, s, hash) {
			f.cache.Add(hash, s.RequestID)
			return s, nil
		}
	}
	return nil, nil
}

// Refresh revalidates every cached entry against the store and drops the
// ones whose results are no longer reusable. Returns the number dropped.
func (f *Finder) Refresh(ctx context.Context) (int, error) {
	dropped := 0
	for _, k := range f.cache.Keys() {
		hash := k.(string)
		v, ok := f.cache.Peek(hash)
		if !ok {
			continue
		}
		id := v.(types.RequestID)
		s, err := f.store.GetSummary(ctx, id)
		if err != nil {
			if !db.IsNotFound(err) {
				return dropped, skerr.Wrap(err)
			}
			f.cache.Remove(hash)
			dropped++
			continue
		}
		if !reusable(ctx, s, hash) {
			f.cache.Remove(hash)
			dropped++
		}
	}
	return dropped, nil
}

// Record publishes a freshly completed summary into the accelerator cache.
func (f *Finder) Record(s *types.TaskResultSummary) {
	if s.PropertiesHash != "" {
		f.cache.Add(s.PropertiesHash, s.RequestID)
	}
}
