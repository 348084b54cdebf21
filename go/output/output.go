// Package output stores a run's stdout stream as a series of fixed-size
// chunks. Writes arrive as (bytes, offset) pairs and may land past the current
// end of the stream; the skipped region is zero-filled and tracked as explicit
// gaps so that real data and missing data stay distinguishable.
package output

import (
	"context"

	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/taskfarm/go/db"
	"go.skia.org/taskfarm/go/types"
)

const (
	// ChunkSize is the fixed size of every chunk but the last.
	ChunkSize = 100 * 1024

	// DefaultMaxSize is the default per-run output cap.
	DefaultMaxSize = 16 * 1024 * 1024

	// HardMaxSize is the limit no configuration may raise the cap above.
	HardMaxSize = 100 * 1024 * 1024
)

// appender tracks the chunks touched by one Append call.
type appender struct {
	tx    db.Tx
	run   *types.TaskRunResult
	cache map[int]*types.TaskOutputChunk
}

func (a *appender) chunk(index int) (*types.TaskOutputChunk, error) {
	if c, ok := a.cache[index]; ok {
		return c, nil
	}
	var c *types.TaskOutputChunk
	if index < a.run.OutputChunks {
		var err error
		c, err = a.tx.GetOutputChunk(a.run.ID(), index)
		if err != nil {
			if !db.IsNotFound(err) {
				return nil, skerr.Wrap(err)
			}
			c = &types.TaskOutputChunk{RunID: a.run.ID(), Index: index}
		}
	} else {
		c = &types.TaskOutputChunk{RunID: a.run.ID(), Index: index}
	}
	a.cache[index] = c
	return c, nil
}

// extend grows c.Data with zeroes up to length n.
func extend(c *types.TaskOutputChunk, n int) {
	for len(c.Data) < n {
		c.Data = append(c.Data, 0)
	}
}

// addGap records [start, end) of c as zero-filled, merging with an adjacent
// trailing gap.
func addGap(c *types.TaskOutputChunk, start, end int) {
	if start >= end {
		return
	}
	if n := len(c.Gaps); n > 0 && c.Gaps[n-1].End == start {
		c.Gaps[n-1].End = end
		return
	}
	c.Gaps = append(c.Gaps, types.Gap{Start: start, End: end})
}

// coverGaps removes [start, end) from c's gap list, shrinking or splitting
// any gap it intersects.
func coverGaps(c *types.TaskOutputChunk, start, end int) {
	if len(c.Gaps) == 0 {
		return
	}
	rv := make([]types.Gap, 0, len(c.Gaps))
	for _, g := range c.Gaps {
		if g.End <= start || g.Start >= end {
			rv = append(rv, g)
			continue
		}
		if g.Start < start {
			rv = append(rv, types.Gap{Start: g.Start, End: start})
		}
		if g.End > end {
			rv = append(rv, types.Gap{Start: end, End: g.End})
		}
	}
	if len(rv) == 0 {
		rv = nil
	}
	c.Gaps = rv
}

// write copies data over the stream range [offset, offset+len(data)). A nil
// data zero-fills the range and records it as gaps instead.
func (a *appender) write(offset int64, length int64, data []byte) error {
	for pos := offset; pos < offset+length; {
		index := int(pos / ChunkSize)
		ls := int(pos % ChunkSize)
		le := ls + int(offset+length-pos)
		if le > ChunkSize {
			le = ChunkSize
		}
		c, err := a.chunk(index)
		if err != nil {
			return skerr.Wrap(err)
		}
		extend(c, le)
		if data == nil {
			addGap(c, ls, le)
		} else {
			copy(c.Data[ls:le], data[pos-offset:])
			coverGaps(c, ls, le)
		}
		pos += int64(le - ls)
	}
	return nil
}

// Append writes data at the given stream offset, updating the chunk series
// and the run's output bookkeeping fields. The caller persists run in the
// same transaction. Bytes past maxSize (clamped to HardMaxSize; zero means
// DefaultMaxSize) are dropped, with one warning per run.
func Append(ctx context.Context, tx db.Tx, run *types.TaskRunResult, data []byte, offset int64, maxSize int64) error {
	if offset < 0 {
		return skerr.Fmt("negative output offset %d", offset)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if maxSize > HardMaxSize {
		maxSize = HardMaxSize
	}
	end := offset + int64(len(data))
	if end > maxSize {
		if !run.OutputTruncated {
			sklog.Warningf("Output of run %s exceeds the %d-byte cap; dropping excess.", run.ID(), maxSize)
			run.OutputTruncated = true
		}
		// A write straddling the cap is accepted up to the cap and the
		// rest is dropped.
		if offset >= maxSize {
			return nil
		}
		data = data[:maxSize-offset]
		end = maxSize
	}
	if len(data) == 0 {
		return nil
	}

	a := &appender{tx: tx, run: run, cache: map[int]*types.TaskOutputChunk{}}
	if offset > run.OutputSize {
		if err := a.write(run.OutputSize, offset-run.OutputSize, nil); err != nil {
			return skerr.Wrap(err)
		}
	}
	if err := a.write(offset, int64(len(data)), data); err != nil {
		return skerr.Wrap(err)
	}

	dirty := make([]*types.TaskOutputChunk, 0, len(a.cache))
	for _, c := range a.cache {
		dirty = append(dirty, c)
	}
	if err := tx.PutOutputChunks(dirty); err != nil {
		return skerr.Wrap(err)
	}
	if end > run.OutputSize {
		run.OutputSize = end
	}
	if n := int((end-1)/ChunkSize) + 1; n > run.OutputChunks {
		run.OutputChunks = n
	}
	return nil
}

// Collate concatenates the chunk series back into the full output stream.
func Collate(chunks []*types.TaskOutputChunk, size int64) []byte {
	rv := make([]byte, size)
	for _, c := range chunks {
		off := int64(c.Index) * ChunkSize
		if off >= size {
			continue
		}
		copy(rv[off:], c.Data)
	}
	return rv
}
