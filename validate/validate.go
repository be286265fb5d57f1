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

// Package validate performs a read-only archive walk that re-hashes
// every block and cross-checks every index hunk's addresses against
// the block store, reporting counts of each error class (spec
// [SUPPLEMENT], grounded on the block- and band-level checks in
// original_source's blockdir/show modules).
package validate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/coldvault/coldvault/backup"
	"github.com/coldvault/coldvault/internal/apath"
	"github.com/coldvault/coldvault/internal/band"
	"github.com/coldvault/coldvault/internal/blockstore"
	"github.com/coldvault/coldvault/internal/index"
	"github.com/coldvault/coldvault/internal/monitor"
	"github.com/coldvault/coldvault/transport"
)

// verifyConcurrency bounds how many blocks are re-hashed at once.
const verifyConcurrency = 8

// ProblemKind classifies one thing validate found wrong.
type ProblemKind string

const (
	ProblemBandHeadMissing   ProblemKind = "band_head_missing"
	ProblemUnsupportedFormat ProblemKind = "unsupported_format_version"
	ProblemIndexParseFailure ProblemKind = "index_parse_failure"
	ProblemBlockMissing      ProblemKind = "block_missing"
	ProblemBlockCorrupt      ProblemKind = "block_corrupt"
	ProblemBlockTooShort     ProblemKind = "block_too_short"
)

// Problem describes one integrity issue found during a validate run.
// BandID and Apath are zero-valued for block-level problems not tied to
// a particular entry.
type Problem struct {
	Kind   ProblemKind
	BandID band.ID
	Apath  apath.Apath
	Hash   string
	Err    error
}

// Stats totals one validate run.
type Stats struct {
	VersionsChecked int
	BlocksChecked   int
	Problems        []Problem
}

// CountOf returns how many reported problems have the given kind.
func (s Stats) CountOf(kind ProblemKind) int {
	n := 0
	for _, p := range s.Problems {
		if p.Kind == kind {
			n++
		}
	}
	return n
}

// Run walks every version's index, resolving every referenced address
// against the block store, then independently re-hashes every block
// physically present (whether referenced or not), reporting every
// problem found. It never mutates the archive.
func Run(ctx context.Context, archiveTr transport.Transport, mon monitor.Monitor) (Stats, error) {
	if mon == nil {
		mon = monitor.Discard
	}
	var stats Stats
	var mu sync.Mutex
	report := func(p Problem) {
		mu.Lock()
		stats.Problems = append(stats.Problems, p)
		mu.Unlock()
		if p.Err != nil {
			mon.Error(p.Err)
		}
	}

	ids, err := band.ListIDs(ctx, archiveTr)
	if err != nil {
		return stats, fmt.Errorf("validate: listing versions: %w", err)
	}

	blockTr, err := archiveTr.Chdir(backup.BlockStoreDir)
	if err != nil {
		return stats, fmt.Errorf("validate: opening block store: %w", err)
	}
	store, err := blockstore.Open(ctx, blockTr, 0)
	if err != nil {
		return stats, fmt.Errorf("validate: opening block store: %w", err)
	}

	for _, id := range ids {
		validateVersion(ctx, archiveTr, store, id, &stats, report)
	}

	if err := verifyAllBlocks(ctx, store, &stats, report); err != nil {
		return stats, fmt.Errorf("validate: verifying blocks: %w", err)
	}
	return stats, nil
}

func validateVersion(ctx context.Context, archiveTr transport.Transport, store *blockstore.Store, id band.ID, stats *Stats, report func(Problem)) {
	b, err := band.Open(ctx, archiveTr, id)
	if err != nil {
		var unsupported *band.ErrUnsupportedFormatVersion
		if errors.As(err, &unsupported) {
			report(Problem{Kind: ProblemUnsupportedFormat, BandID: id, Err: err})
			return
		}
		report(Problem{Kind: ProblemBandHeadMissing, BandID: id, Err: err})
		return
	}
	stats.VersionsChecked++

	indexTr, err := b.IndexTransport()
	if err != nil {
		report(Problem{Kind: ProblemIndexParseFailure, BandID: id, Err: err})
		return
	}
	reader := index.NewReader(indexTr)
	nums, err := reader.HunkNumbers(ctx)
	if err != nil {
		report(Problem{Kind: ProblemIndexParseFailure, BandID: id, Err: err})
		return
	}
	for _, n := range nums {
		before := reader.Errors
		entries, err := reader.ReadHunk(ctx, n)
		if err == nil && reader.Errors > before {
			err = fmt.Errorf("validate: index hunk %d is missing, corrupt or unparseable", n)
		}
		if err != nil {
			report(Problem{Kind: ProblemIndexParseFailure, BandID: id, Err: err})
			continue
		}
		for _, e := range entries {
			for _, addr := range e.Addrs {
				if _, err := store.Read(ctx, addr); err != nil {
					report(Problem{Kind: classifyReadError(err), BandID: id, Apath: e.Apath, Hash: addr.Hash, Err: err})
				}
			}
		}
	}
}

func classifyReadError(err error) ProblemKind {
	var corrupt *blockstore.ErrBlockCorrupt
	if errors.As(err, &corrupt) {
		return ProblemBlockCorrupt
	}
	var tooShort *blockstore.ErrBlockTooShort
	if errors.As(err, &tooShort) {
		return ProblemBlockTooShort
	}
	return ProblemBlockMissing
}

// verifyAllBlocks re-hashes every block present, fanned out concurrently
// (spec §5: "parallelism is exploited by fanning out independent
// operations (e.g., per-block validation reads) as concurrent tasks
// whose completions are joined").
func verifyAllBlocks(ctx context.Context, store *blockstore.Store, stats *Stats, report func(Problem)) error {
	hashes := store.Hashes()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)
	for _, hash := range hashes {
		hash := hash
		g.Go(func() error {
			_, err := store.Verify(gctx, hash)
			mu.Lock()
			stats.BlocksChecked++
			mu.Unlock()
			if err != nil {
				report(Problem{Kind: classifyReadError(err), Hash: hash, Err: err})
			}
			return nil
		})
	}
	return g.Wait()
}
