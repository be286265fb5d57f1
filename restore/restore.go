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

// Package restore writes a chosen version's stitched index back out onto
// the local filesystem (spec §4.8): directories before their descendants,
// files reassembled from block addresses, symlinks created verbatim, and
// mode/mtime restored once content is in place.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/coldvault/coldvault/backup"
	"github.com/coldvault/coldvault/internal/apath"
	"github.com/coldvault/coldvault/internal/band"
	"github.com/coldvault/coldvault/internal/blockstore"
	"github.com/coldvault/coldvault/internal/exclude"
	"github.com/coldvault/coldvault/internal/index"
	"github.com/coldvault/coldvault/internal/monitor"
	"github.com/coldvault/coldvault/internal/stitch"
	"github.com/coldvault/coldvault/transport"
)

// Selector picks which version Run restores.
type Selector int

const (
	// Latest restores the most recent version, whether or not it's closed.
	Latest Selector = iota
	// LatestClosed restores the most recent closed version.
	LatestClosed
	// Specified restores Options.BandID.
	Specified
)

// ChangeFunc is called once per apath successfully restored. Returning an
// error aborts the restore.
type ChangeFunc func(apath.Apath) error

// Options configures a restore run.
type Options struct {
	// Select chooses which version to restore; BandID is only consulted
	// when Select is Specified.
	Select Selector
	BandID band.ID

	// Subtree restricts restoring to apaths at or under this path.
	// apath.Root, or the zero value "", restores everything.
	Subtree apath.Apath

	// Exclude filters out matching apaths; nil excludes nothing.
	Exclude *exclude.Set

	// Overwrite allows restoring into a destination directory that
	// already has entries. Without it, Run refuses non-empty destinations.
	Overwrite bool

	// OnChange, if set, is called once per apath restored.
	OnChange ChangeFunc
}

// Stats totals what a restore run did.
type Stats struct {
	Files    int
	Dirs     int
	Symlinks int
	Errors   int
}

// ErrNoVersions reports that the archive has no versions to restore.
var ErrNoVersions = errors.New("restore: archive has no versions")

// ErrNoClosedVersion reports that LatestClosed found nothing usable.
var ErrNoClosedVersion = errors.New("restore: archive has no closed version")

// ErrDestinationNotEmpty reports that destRoot has existing entries and
// Options.Overwrite was not set.
type ErrDestinationNotEmpty struct{ Path string }

func (e *ErrDestinationNotEmpty) Error() string {
	return fmt.Sprintf("restore: destination directory not empty: %s", e.Path)
}

// Run restores the selected version's stitched index into destRoot,
// creating it if necessary.
func Run(ctx context.Context, archiveTr transport.Transport, destRoot string, opts Options, mon monitor.Monitor) (Stats, error) {
	if mon == nil {
		mon = monitor.Discard
	}
	id, err := resolveBandID(ctx, archiveTr, opts)
	if err != nil {
		return Stats{}, err
	}
	if err := checkDestination(destRoot, opts.Overwrite); err != nil {
		return Stats{}, err
	}
	if err := os.MkdirAll(destRoot, 0o777); err != nil {
		return Stats{}, fmt.Errorf("restore: creating destination: %w", err)
	}

	subtree := opts.Subtree
	if subtree == "" {
		subtree = apath.Root
	}

	blockTr, err := archiveTr.Chdir(backup.BlockStoreDir)
	if err != nil {
		return Stats{}, fmt.Errorf("restore: opening block store: %w", err)
	}
	store, err := blockstore.Open(ctx, blockTr, 0)
	if err != nil {
		return Stats{}, fmt.Errorf("restore: opening block store: %w", err)
	}

	var excludeFn func(apath.Apath) bool
	if opts.Exclude != nil {
		excludeFn = opts.Exclude.Matches
	}
	it := stitch.NewEntryIter(stitch.New(archiveTr, id, mon), subtree, excludeFn)

	d := &driver{destRoot: destRoot, store: store, opts: opts, mon: mon}
	for {
		e, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return d.stats, fmt.Errorf("restore: reading index: %w", err)
		}
		if err := d.restoreEntry(ctx, e); err != nil {
			d.stats.Errors++
			d.mon.Error(fmt.Errorf("restore: %s: %w", e.Apath, err))
			continue
		}
		if opts.OnChange != nil {
			if err := opts.OnChange(e.Apath); err != nil {
				return d.stats, err
			}
		}
	}
	return d.stats, nil
}

func resolveBandID(ctx context.Context, archiveTr transport.Transport, opts Options) (band.ID, error) {
	if opts.Select == Specified {
		return opts.BandID, nil
	}
	ids, err := band.ListIDs(ctx, archiveTr)
	if err != nil {
		return 0, fmt.Errorf("restore: listing versions: %w", err)
	}
	if len(ids) == 0 {
		return 0, ErrNoVersions
	}
	if opts.Select == Latest {
		return ids[len(ids)-1], nil
	}
	for i := len(ids) - 1; i >= 0; i-- {
		b, err := band.Open(ctx, archiveTr, ids[i])
		if err != nil {
			continue
		}
		closed, err := b.IsClosed(ctx)
		if err == nil && closed {
			return ids[i], nil
		}
	}
	return 0, ErrNoClosedVersion
}

// checkDestination refuses to restore into a directory that already has
// entries unless forced (spec §4.8). A destination that doesn't exist
// yet, or exists and is empty, is fine.
func checkDestination(destRoot string, overwrite bool) error {
	if overwrite {
		return nil
	}
	entries, err := os.ReadDir(destRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("restore: checking destination: %w", err)
	}
	if len(entries) > 0 {
		return &ErrDestinationNotEmpty{Path: destRoot}
	}
	return nil
}

type driver struct {
	destRoot string
	store    *blockstore.Store
	opts     Options
	mon      monitor.Monitor
	stats    Stats
}

func (d *driver) fsPath(a apath.Apath) string {
	if a == apath.Root {
		return d.destRoot
	}
	return filepath.Join(d.destRoot, filepath.FromSlash(string(a)))
}

// restoreEntry writes one entry. Parent directories are created
// defensively with MkdirAll rather than relying solely on apath order,
// since a subtree restore's own root has no ancestor entry in the
// filtered stream (spec §4.8 notes restoring a subtree still "restores
// the parent directories").
func (d *driver) restoreEntry(ctx context.Context, e index.Entry) error {
	path := d.fsPath(e.Apath)
	switch e.Kind {
	case index.KindDir:
		if err := os.MkdirAll(path, 0o777); err != nil {
			return err
		}
		d.stats.Dirs++
		return setFileMeta(path, e)

	case index.KindSymlink:
		if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
			return err
		}
		if _, err := os.Lstat(path); err == nil {
			if err := os.Remove(path); err != nil {
				return err
			}
		}
		if err := os.Symlink(e.Target, path); err != nil {
			return err
		}
		d.stats.Symlinks++
		// os.Chtimes dereferences symlinks, so mtime on the link itself
		// is left alone; only the target's metadata is ever touched.
		return nil

	case index.KindFile:
		if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
			return err
		}
		if err := d.writeFile(ctx, path, e); err != nil {
			return err
		}
		d.stats.Files++
		return setFileMeta(path, e)

	default:
		return nil
	}
}

func (d *driver) writeFile(ctx context.Context, path string, e index.Entry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, addr := range e.Addrs {
		data, err := d.store.Read(ctx, addr)
		if err != nil {
			return fmt.Errorf("reading block %s: %w", addr.Hash, err)
		}
		if _, err := f.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// setFileMeta restores mode and mtime, mirroring the teacher's own
// setFileMeta helper for written content.
func setFileMeta(path string, e index.Entry) error {
	mode := os.FileMode(0o644)
	if e.Kind == index.KindDir {
		mode = 0o755
	}
	if e.UnixMode != nil {
		mode = os.FileMode(*e.UnixMode)
	}
	if err := os.Chmod(path, mode); err != nil {
		return err
	}
	mt := time.Unix(e.MtimeSec, int64(e.MtimeNanos))
	return os.Chtimes(path, mt, mt)
}
