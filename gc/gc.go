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

// Package gc removes blocks that no surviving version references (spec
// §4.9). Referenced blocks are marked by walking every surviving
// version's stitched index concurrently; present blocks come from the
// block store's own existence listing; their set difference is garbage.
package gc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/coldvault/coldvault/backup"
	"github.com/coldvault/coldvault/internal/apath"
	"github.com/coldvault/coldvault/internal/band"
	"github.com/coldvault/coldvault/internal/blockstore"
	"github.com/coldvault/coldvault/internal/monitor"
	"github.com/coldvault/coldvault/internal/stitch"
	"github.com/coldvault/coldvault/transport"
)

// markConcurrency bounds how many versions are stitched and walked for
// referenced hashes at once.
const markConcurrency = 8

// ErrVersionOpen reports that some version in the archive is present but
// not closed, which per spec §4.9 step 1 means it might still be
// writing and GC must refuse to run.
var ErrVersionOpen = errors.New("gc: a version is present but not closed; GC refuses to run")

// Options configures a GC run. The caller is responsible for holding the
// archive's GC lock before calling Run (spec §4.9 step 1/5).
type Options struct {
	// DryRun reports what would be deleted without deleting anything.
	DryRun bool
}

// Stats totals one GC run.
type Stats struct {
	Referenced int
	Present    int
	Deleted    int
}

// Run performs one collection: it refuses if any version is open,
// otherwise marks every block referenced by a surviving version, lists
// every block present, and deletes those present but unreferenced.
func Run(ctx context.Context, archiveTr transport.Transport, opts Options, mon monitor.Monitor) (Stats, error) {
	if mon == nil {
		mon = monitor.Discard
	}
	ids, err := band.ListIDs(ctx, archiveTr)
	if err != nil {
		return Stats{}, fmt.Errorf("gc: listing versions: %w", err)
	}
	if err := refuseIfAnyOpen(ctx, archiveTr, ids); err != nil {
		return Stats{}, err
	}

	marked, err := markReferencedBlocks(ctx, archiveTr, ids, mon)
	if err != nil {
		return Stats{}, fmt.Errorf("gc: marking referenced blocks: %w", err)
	}

	blockTr, err := archiveTr.Chdir(backup.BlockStoreDir)
	if err != nil {
		return Stats{}, fmt.Errorf("gc: opening block store: %w", err)
	}
	store, err := blockstore.Open(ctx, blockTr, 0)
	if err != nil {
		return Stats{}, fmt.Errorf("gc: opening block store: %w", err)
	}
	present := store.Hashes()

	var garbage []string
	for _, h := range present {
		if !marked.has(h) {
			garbage = append(garbage, h)
		}
	}
	stats := Stats{Referenced: marked.len(), Present: len(present), Deleted: len(garbage)}
	if opts.DryRun || len(garbage) == 0 {
		return stats, nil
	}
	if err := store.Delete(ctx, garbage); err != nil {
		return stats, fmt.Errorf("gc: deleting blocks: %w", err)
	}
	return stats, nil
}

func refuseIfAnyOpen(ctx context.Context, archiveTr transport.Transport, ids []band.ID) error {
	for _, id := range ids {
		b, err := band.Open(ctx, archiveTr, id)
		if err != nil {
			continue // unreadable head is not this GC's problem to fix
		}
		closed, err := b.IsClosed(ctx)
		if err != nil {
			return err
		}
		if !closed {
			return ErrVersionOpen
		}
	}
	return nil
}

// markReferencedBlocks stitches and walks every version's index
// concurrently, bounded by markConcurrency, and unions every address
// hash encountered into one set (spec §4.9 step 2). Fan-out is grounded
// on SPEC_FULL.md §4.9's errgroup/semaphore note.
func markReferencedBlocks(ctx context.Context, archiveTr transport.Transport, ids []band.ID, mon monitor.Monitor) (*hashSet, error) {
	marked := newHashSet()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(markConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			it := stitch.NewEntryIter(stitch.New(archiveTr, id, mon), apath.Root, nil)
			for {
				e, err := it.Next(gctx)
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				for _, a := range e.Addrs {
					marked.add(a.Hash)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return marked, nil
}

// hashSet is a concurrency-safe set of block hashes.
type hashSet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func newHashSet() *hashSet { return &hashSet{m: make(map[string]struct{})} }

func (s *hashSet) add(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[hash] = struct{}{}
}

func (s *hashSet) has(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[hash]
	return ok
}

func (s *hashSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
