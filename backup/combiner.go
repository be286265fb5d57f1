/*
Copyright 2026 The Coldvault Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package backup

import (
	"context"

	"github.com/coldvault/coldvault/internal/blockstore"
	"github.com/coldvault/coldvault/internal/index"
)

// combiner accumulates small-file content end-to-end into one buffer
// per batch, per spec §4.7's "file combiner": every queued file's index
// entry ends up with a single address pointing into the one block the
// whole batch is stored as.
type combiner struct {
	targetSize int
	buf        []byte
	queued     []combinerEntry
	finished   []index.Entry
}

type combinerEntry struct {
	entry  index.Entry
	start  int
	length int
}

func newCombiner(targetSize int) *combiner {
	return &combiner{targetSize: targetSize}
}

// add queues e with its content. e.Addrs must be empty; it is filled in
// once flush runs.
func (c *combiner) add(e index.Entry, data []byte) {
	start := len(c.buf)
	c.buf = append(c.buf, data...)
	c.queued = append(c.queued, combinerEntry{entry: e, start: start, length: len(data)})
}

// pending returns the number of entries queued but not yet finished.
func (c *combiner) pending() int { return len(c.queued) }

// full reports whether the buffer has reached its target size; it may
// overshoot by up to one small-file cap, since a file already being
// added is never split across two blocks.
func (c *combiner) full() bool { return len(c.buf) >= c.targetSize }

// flush stores the accumulated buffer as a single block (a no-op if
// nothing is queued) and assigns each queued entry its address into
// that block. Call drain to collect the finished entries.
func (c *combiner) flush(ctx context.Context, store *blockstore.Store) error {
	if len(c.queued) == 0 {
		return nil
	}
	hash, err := store.StoreOrDeduplicate(ctx, c.buf)
	if err != nil {
		return err
	}
	for _, qe := range c.queued {
		e := qe.entry
		e.Addrs = []blockstore.Address{{Hash: hash, Start: uint64(qe.start), Len: uint64(qe.length)}}
		c.finished = append(c.finished, e)
	}
	c.buf = c.buf[:0]
	c.queued = c.queued[:0]
	return nil
}

// drain returns entries finished by the last flush and resets the
// combiner to empty, ready for the next batch.
func (c *combiner) drain() []index.Entry {
	out := c.finished
	c.finished = nil
	return out
}
