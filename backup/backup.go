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

// Package backup orchestrates one backup run: it merges a stitched
// ancestor index against a live source tree in apath order, applies the
// unchanged heuristic to avoid re-storing file content that hasn't
// moved, and writes a new version's index (spec §4.7).
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coldvault/coldvault/internal/apath"
	"github.com/coldvault/coldvault/internal/band"
	"github.com/coldvault/coldvault/internal/blockstore"
	"github.com/coldvault/coldvault/internal/exclude"
	"github.com/coldvault/coldvault/internal/index"
	"github.com/coldvault/coldvault/internal/merge"
	"github.com/coldvault/coldvault/internal/monitor"
	"github.com/coldvault/coldvault/internal/sourcetree"
	"github.com/coldvault/coldvault/internal/stitch"
	"github.com/coldvault/coldvault/transport"
)

// BlockStoreDir is the archive-relative path of the block store.
const BlockStoreDir = "d"

// basisReverifyConcurrency bounds how many of a basis file's blocks are
// read concurrently while checking the unchanged heuristic's "still
// present" precondition.
const basisReverifyConcurrency = 8

// ChangeKind classifies what happened to one apath during a backup or
// a diff between two versions.
type ChangeKind int

const (
	Added ChangeKind = iota
	Deleted
	Changed
	Unchanged
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "Added"
	case Deleted:
		return "Deleted"
	case Changed:
		return "Changed"
	case Unchanged:
		return "Unchanged"
	default:
		return "ChangeKind(?)"
	}
}

// Change is reported to a caller-supplied callback for every apath
// visited. Basis is the prior version's entry (nil for Added); New is
// the entry just written (nil for Deleted). For a combined small file,
// New.Addrs is not yet populated at callback time: its address is only
// known once the combiner's batch is flushed.
type Change struct {
	Apath apath.Apath
	Kind  ChangeKind
	Basis *index.Entry
	New   *index.Entry
}

// ChangeFunc is called once per apath. Returning an error aborts the
// backup.
type ChangeFunc func(Change) error

// ErrBlockStoreFailed wraps a block store write failure, which spec
// §4.7's error policy makes fatal for the whole backup (unlike
// per-entry read/metadata errors, which are counted and skipped).
type ErrBlockStoreFailed struct{ Err error }

func (e *ErrBlockStoreFailed) Error() string {
	return fmt.Sprintf("backup: block store write failed: %v", e.Err)
}
func (e *ErrBlockStoreFailed) Unwrap() error { return e.Err }

// Options configures a backup run.
type Options struct {
	// Exclude filters the source walk; nil excludes nothing.
	Exclude *exclude.Set
	// HunkCap is the number of pending entries (index writer queue plus
	// combiner queue) that triggers finalizing a hunk. Zero uses the
	// spec's default of 100000.
	HunkCap int
	// SmallFileCap is the file-size threshold below which content is
	// queued with the file combiner instead of stored as its own block.
	// Zero uses blockstore.DefaultSmallFileCap.
	SmallFileCap int
	// ChunkSize bounds both a combined block's target size and a large
	// file's per-block chunk size. Zero uses blockstore.DefaultMaxBlockSize.
	ChunkSize int
	// FormatFlags is recorded in the new version's head record.
	FormatFlags []string
	// OnChange, if set, is called once per apath visited.
	OnChange ChangeFunc
}

const defaultHunkCap = 100000

func (o *Options) setDefaults() {
	if o.HunkCap <= 0 {
		o.HunkCap = defaultHunkCap
	}
	if o.SmallFileCap <= 0 {
		o.SmallFileCap = blockstore.DefaultSmallFileCap
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = blockstore.DefaultMaxBlockSize
	}
}

// Run performs one backup of sourceRoot into the archive rooted at
// archiveTr, and returns the id of the version it created. The caller
// is responsible for holding the archive's write lease (spec §5) before
// calling Run.
func Run(ctx context.Context, archiveTr transport.Transport, sourceRoot string, opts Options, mon monitor.Monitor) (band.ID, error) {
	opts.setDefaults()
	if mon == nil {
		mon = monitor.Discard
	}

	existing, err := band.ListIDs(ctx, archiveTr)
	if err != nil {
		return 0, fmt.Errorf("backup: listing existing versions: %w", err)
	}

	// The ancestor stream is opened before the new version is created,
	// so the new version never becomes its own ancestor (spec §4.7
	// step 3).
	var ancestor merge.Source[index.Entry]
	if len(existing) == 0 {
		ancestor = stitch.NewEntryIter(stitch.Empty(archiveTr, mon), apath.Root, nil)
	} else {
		latest := existing[len(existing)-1]
		ancestor = stitch.NewEntryIter(stitch.New(archiveTr, latest, mon), apath.Root, nil)
	}

	tree, err := sourcetree.Open(sourceRoot)
	if err != nil {
		return 0, fmt.Errorf("backup: opening source: %w", err)
	}
	source, err := tree.Iter(apath.Root, opts.Exclude)
	if err != nil {
		return 0, fmt.Errorf("backup: walking source: %w", err)
	}

	b, err := band.Create(ctx, archiveTr, time.Now().Unix(), opts.FormatFlags)
	if err != nil {
		return 0, fmt.Errorf("backup: creating version: %w", err)
	}

	if err := archiveTr.CreateDir(ctx, BlockStoreDir); err != nil {
		return 0, fmt.Errorf("backup: creating block store: %w", err)
	}
	blockTr, err := archiveTr.Chdir(BlockStoreDir)
	if err != nil {
		return 0, fmt.Errorf("backup: opening block store: %w", err)
	}
	store, err := blockstore.Open(ctx, blockTr, opts.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("backup: opening block store: %w", err)
	}

	indexTr, err := b.IndexTransport()
	if err != nil {
		return 0, fmt.Errorf("backup: opening index: %w", err)
	}

	d := &driver{
		store:    store,
		writer:   index.NewWriter(indexTr),
		combiner: newCombiner(opts.ChunkSize),
		opts:     opts,
		mon:      mon,
	}

	walker := merge.New[index.Entry, sourcetree.Entry](ancestor, source)
	for {
		pair, err := walker.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("backup: walking source tree: %w", err)
		}
		if err := d.handlePair(ctx, pair); err != nil {
			return 0, err
		}
		if err := d.maybeFinishHunk(ctx); err != nil {
			return 0, err
		}
	}

	if err := d.finishHunk(ctx); err != nil {
		return 0, err
	}
	if err := b.Close(ctx, time.Now().Unix(), uint64(d.writer.HunkCount())); err != nil {
		return 0, fmt.Errorf("backup: closing version: %w", err)
	}
	return b.ID(), nil
}

type driver struct {
	store    *blockstore.Store
	writer   *index.Writer
	combiner *combiner
	opts     Options
	mon      monitor.Monitor
}

func (d *driver) emit(c Change) error {
	if d.opts.OnChange == nil {
		return nil
	}
	return d.opts.OnChange(c)
}

func (d *driver) pendingCount() int {
	return d.writer.Pending() + d.combiner.pending()
}

func (d *driver) maybeFinishHunk(ctx context.Context) error {
	if d.pendingCount() < d.opts.HunkCap {
		return nil
	}
	return d.finishHunk(ctx)
}

func (d *driver) finishHunk(ctx context.Context) error {
	if err := d.combiner.flush(ctx, d.store); err != nil {
		return &ErrBlockStoreFailed{Err: err}
	}
	for _, e := range d.combiner.drain() {
		d.writer.Push(e)
	}
	return d.writer.FinishHunk(ctx)
}

func (d *driver) handlePair(ctx context.Context, pair merge.Pair[index.Entry, sourcetree.Entry]) error {
	switch pair.Side {
	case merge.Left:
		basis := pair.Left
		return d.emit(Change{Apath: pair.Apath, Kind: Deleted, Basis: &basis})
	case merge.Right:
		return d.storeNew(ctx, pair.Apath, pair.Right)
	default: // merge.Both
		return d.storeWithBasis(ctx, pair.Apath, pair.Right, pair.Left)
	}
}

func (d *driver) storeNew(ctx context.Context, ap apath.Apath, src sourcetree.Entry) error {
	switch src.Kind {
	case index.KindDir:
		e := entryFromSource(src)
		d.writer.Push(e)
		d.mon.Count(monitor.CounterDirs, 1)
		return d.emit(Change{Apath: ap, Kind: Added, New: &e})
	case index.KindSymlink:
		e := entryFromSource(src)
		d.writer.Push(e)
		d.mon.Count(monitor.CounterSymlinks, 1)
		return d.emit(Change{Apath: ap, Kind: Added, New: &e})
	case index.KindFile:
		return d.storeFileContent(ctx, ap, src, Added, nil)
	default:
		d.mon.Count(monitor.CounterUnsupported, 1)
		return nil
	}
}

func (d *driver) storeWithBasis(ctx context.Context, ap apath.Apath, src sourcetree.Entry, basis index.Entry) error {
	switch src.Kind {
	case index.KindDir:
		e := entryFromSource(src)
		d.writer.Push(e)
		d.mon.Count(monitor.CounterDirs, 1)
		kind := Unchanged
		if basis.Kind != index.KindDir {
			kind = Changed
		}
		return d.emit(Change{Apath: ap, Kind: kind, Basis: &basis, New: &e})
	case index.KindSymlink:
		e := entryFromSource(src)
		d.writer.Push(e)
		d.mon.Count(monitor.CounterSymlinks, 1)
		kind := Unchanged
		if basis.Kind != index.KindSymlink || basis.Target != src.Target {
			kind = Changed
		}
		return d.emit(Change{Apath: ap, Kind: kind, Basis: &basis, New: &e})
	case index.KindFile:
		if sameFileMetadata(basis, src) && d.basisStillPresent(ctx, basis.Addrs) {
			e := entryFromSource(src)
			e.Addrs = basis.Addrs
			d.writer.Push(e)
			d.mon.Count(monitor.CounterFiles, 1)
			d.mon.Count(monitor.CounterFileBytes, int(src.Size))
			return d.emit(Change{Apath: ap, Kind: Unchanged, Basis: &basis, New: &e})
		}
		return d.storeFileContent(ctx, ap, src, Changed, &basis)
	default:
		d.mon.Count(monitor.CounterUnsupported, 1)
		return nil
	}
}

// basisStillPresent reports whether every block basis's addresses
// reference is still present and uncorrupted, by concurrently reading
// each one back (spec §4.7 step 5; fan-out grounded per SPEC_FULL.md
// §4.7's errgroup note). Any failure — missing, corrupt, or a transport
// error — is treated as "no", which is always safe: the caller falls
// back to rewriting the file's content.
func (d *driver) basisStillPresent(ctx context.Context, addrs []blockstore.Address) bool {
	if len(addrs) == 0 {
		return true
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(basisReverifyConcurrency)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			_, err := d.store.Read(gctx, addr)
			return err
		})
	}
	return g.Wait() == nil
}

// storeFileContent stores src's content (unless empty) and pushes or
// queues its index entry, per spec §4.7 step 6. kind and basis describe
// the change to report once the entry's content is settled; for a
// combined small file, the callback fires immediately with an entry
// whose address isn't assigned yet, since it's only known once the
// combiner's batch flushes.
func (d *driver) storeFileContent(ctx context.Context, ap apath.Apath, src sourcetree.Entry, kind ChangeKind, basis *index.Entry) error {
	e := entryFromSource(src)
	d.mon.Count(monitor.CounterFiles, 1)
	d.mon.Count(monitor.CounterFileBytes, int(src.Size))

	switch {
	case src.Size == 0:
		d.writer.Push(e)

	case src.Size <= uint64(d.opts.SmallFileCap):
		data, err := readAll(src)
		if err != nil {
			d.mon.Count(monitor.CounterMetadataErrors, 1)
			d.mon.Error(fmt.Errorf("backup: reading %s: %w", ap, err))
			return nil
		}
		d.combiner.add(e, data)
		if d.combiner.full() {
			if err := d.combiner.flush(ctx, d.store); err != nil {
				return &ErrBlockStoreFailed{Err: err}
			}
			for _, fe := range d.combiner.drain() {
				d.writer.Push(fe)
			}
		}

	default:
		addrs, err := d.storeChunked(ctx, src)
		if err != nil {
			var fatal *ErrBlockStoreFailed
			if errors.As(err, &fatal) {
				return err
			}
			d.mon.Count(monitor.CounterMetadataErrors, 1)
			d.mon.Error(fmt.Errorf("backup: reading %s: %w", ap, err))
			return nil
		}
		e.Addrs = addrs
		d.writer.Push(e)
	}
	return d.emit(Change{Apath: ap, Kind: kind, Basis: basis, New: &e})
}

func (d *driver) storeChunked(ctx context.Context, src sourcetree.Entry) ([]blockstore.Address, error) {
	f, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var addrs []blockstore.Address
	buf := make([]byte, d.opts.ChunkSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			hash, serr := d.store.StoreOrDeduplicate(ctx, buf[:n])
			if serr != nil {
				return nil, &ErrBlockStoreFailed{Err: serr}
			}
			addrs = append(addrs, blockstore.Address{Hash: hash, Len: uint64(n)})
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return addrs, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func readAll(src sourcetree.Entry) ([]byte, error) {
	f, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func entryFromSource(src sourcetree.Entry) index.Entry {
	return index.Entry{
		Apath:      src.Apath,
		Kind:       src.Kind,
		MtimeSec:   src.MtimeSec,
		MtimeNanos: src.MtimeNanos,
		UnixMode:   src.UnixMode,
		User:       src.User,
		Group:      src.Group,
		Target:     src.Target,
	}
}

// sameFileMetadata implements the unchanged heuristic's precondition
// (spec §4.7 step 5): same kind, size and mtime to nanosecond
// precision. It deliberately does not look at content.
func sameFileMetadata(basis index.Entry, src sourcetree.Entry) bool {
	return basis.Kind == index.KindFile &&
		src.Kind == index.KindFile &&
		basis.Size() == src.Size &&
		basis.MtimeSec == src.MtimeSec &&
		basis.MtimeNanos == src.MtimeNanos
}
