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

// Package archive ties the rest of the module together into the
// lifecycle spec §4.9 and §5 describe: an archive header checked on
// open, a write lease held across backup and delete, a distinct lock
// held across garbage collection, and read-only access for restore and
// validate that needs neither. Every operation this package exposes
// takes the transport its caller already dialed; archive never imports
// a backend SDK directly.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coldvault/coldvault/backup"
	"github.com/coldvault/coldvault/gc"
	"github.com/coldvault/coldvault/internal/band"
	"github.com/coldvault/coldvault/internal/monitor"
	"github.com/coldvault/coldvault/lease"
	"github.com/coldvault/coldvault/restore"
	"github.com/coldvault/coldvault/transport"
	"github.com/coldvault/coldvault/validate"
)

const (
	headerFilename = "CONSERVE"
	leasePath      = "LEASE"
	gcLockPath     = "GC_LOCK"
)

// CurrentFormatVersion is the archive format version written by Init.
// Open rejects an existing archive declaring a later one. This is
// independent of band.CurrentFormatVersion: the archive header and a
// version's head record version two different things and may advance
// on different schedules.
const CurrentFormatVersion = "1.0.0"

// Header is the archive-level record at the well-known path CONSERVE
// (spec §6.1, §6.2).
type Header struct {
	ConserveArchiveVersion string `json:"conserve_archive_version"`
}

// ErrNotInitialized reports that archiveTr has no CONSERVE header.
var ErrNotInitialized = errors.New("archive: no CONSERVE header; archive is not initialized")

// ErrUnsupportedFormat reports an archive header declaring a format
// version newer than CurrentFormatVersion.
type ErrUnsupportedFormat struct{ Version string }

func (e *ErrUnsupportedFormat) Error() string {
	return fmt.Sprintf("archive: header declares format version %q, which is not supported (max %s)", e.Version, CurrentFormatVersion)
}

// ErrGCLockHeld reports that a garbage-collection lock is present,
// which per spec §4.7 step 1 fails a write outright rather than
// waiting or retrying.
var ErrGCLockHeld = errors.New("archive: garbage-collection lock is held")

// Archive is an opened archive rooted at a transport.
type Archive struct {
	tr transport.Transport
}

// Transport returns the transport the archive is rooted at, for
// callers that need direct access to a lower-level package (e.g.
// internal/band, internal/blockstore) not wrapped here.
func (a *Archive) Transport() transport.Transport { return a.tr }

// Init creates a new archive at tr: writes the header and nothing
// else, since every other on-disk structure (block store directory,
// version directories) is created lazily by the operation that first
// needs it.
func Init(ctx context.Context, tr transport.Transport) (*Archive, error) {
	header := Header{ConserveArchiveVersion: CurrentFormatVersion}
	payload, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	if err := tr.Write(ctx, headerFilename, payload, transport.CreateNew); err != nil {
		return nil, fmt.Errorf("archive: writing header: %w", err)
	}
	return &Archive{tr: tr}, nil
}

// Open reads and validates an existing archive's header.
func Open(ctx context.Context, tr transport.Transport) (*Archive, error) {
	payload, err := tr.Read(ctx, headerFilename)
	if err != nil {
		if transport.IsNotFound(err) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	var header Header
	if err := json.Unmarshal(payload, &header); err != nil {
		return nil, fmt.Errorf("archive: parsing header: %w", err)
	}
	if header.ConserveArchiveVersion != "" && !formatVersionSupported(header.ConserveArchiveVersion) {
		return nil, &ErrUnsupportedFormat{Version: header.ConserveArchiveVersion}
	}
	return &Archive{tr: tr}, nil
}

func formatVersionSupported(version string) bool {
	declared, ok := parseTriplet(version)
	if !ok {
		return false
	}
	current, _ := parseTriplet(CurrentFormatVersion)
	for i := 0; i < 3; i++ {
		if declared[i] != current[i] {
			return declared[i] < current[i]
		}
	}
	return true
}

func parseTriplet(s string) ([3]int, bool) {
	var out [3]int
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return out, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, false
		}
		out[i] = n
	}
	return out, true
}

func (a *Archive) gcLockHeld(ctx context.Context) (bool, error) {
	_, err := a.tr.Metadata(ctx, gcLockPath)
	if err == nil {
		return true, nil
	}
	if transport.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// withWriteLease acquires the archive write lease, refusing outright if
// the GC lock is held (spec §4.7 step 1), then runs fn while watching
// for the lease being lost out from under the caller. If fn returns
// first, its result is returned as-is; if the lease is lost first, fn's
// context is canceled and the lease-loss error takes priority, since a
// result produced after losing the lease can't be trusted.
func (a *Archive) withWriteLease(ctx context.Context, renew, expiry time.Duration, fn func(context.Context) error) error {
	if held, err := a.gcLockHeld(ctx); err != nil {
		return err
	} else if held {
		return ErrGCLockHeld
	}
	return withLease(ctx, a.tr, leasePath, renew, expiry, fn)
}

func withLease(ctx context.Context, tr transport.Transport, path string, renew, expiry time.Duration, fn func(context.Context) error) error {
	if renew <= 0 {
		renew = lease.DefaultRenewInterval
	}
	if expiry <= 0 {
		expiry = lease.DefaultExpiry
	}
	l, err := lease.Acquire(ctx, tr, path, renew, expiry)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost error
	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case lost = <-l.Lost():
			cancel()
		case <-stop:
		}
	}()

	fnErr := fn(runCtx)
	close(stop)
	<-watcherDone // wait for the watcher to finish before reading lost
	relErr := l.Release(ctx)

	if lost != nil {
		return lost
	}
	if fnErr != nil {
		return fnErr
	}
	return relErr
}

// Backup runs one backup under the archive write lease.
func (a *Archive) Backup(ctx context.Context, sourceRoot string, opts backup.Options, renew, expiry time.Duration, mon monitor.Monitor) (band.ID, error) {
	var id band.ID
	err := a.withWriteLease(ctx, renew, expiry, func(ctx context.Context) error {
		var err error
		id, err = backup.Run(ctx, a.tr, sourceRoot, opts, mon)
		return err
	})
	return id, err
}

// Delete removes a version directory under the archive write lease.
func (a *Archive) Delete(ctx context.Context, id band.ID, renew, expiry time.Duration) error {
	return a.withWriteLease(ctx, renew, expiry, func(ctx context.Context) error {
		return band.Delete(ctx, a.tr, id)
	})
}

// GC runs garbage collection under the distinct GC lock (spec §4.9
// steps 1 and 5); it does not contend with the write lease directly,
// but Backup refuses outright while the GC lock is held.
func (a *Archive) GC(ctx context.Context, opts gc.Options, renew, expiry time.Duration, mon monitor.Monitor) (gc.Stats, error) {
	var stats gc.Stats
	err := withLease(ctx, a.tr, gcLockPath, renew, expiry, func(ctx context.Context) error {
		var err error
		stats, err = gc.Run(ctx, a.tr, opts, mon)
		return err
	})
	return stats, err
}

// Restore is read-only and needs no lease.
func (a *Archive) Restore(ctx context.Context, destRoot string, opts restore.Options, mon monitor.Monitor) (restore.Stats, error) {
	return restore.Run(ctx, a.tr, destRoot, opts, mon)
}

// Validate is read-only and needs no lease.
func (a *Archive) Validate(ctx context.Context, mon monitor.Monitor) (validate.Stats, error) {
	return validate.Run(ctx, a.tr, mon)
}

// Diff is read-only and needs no lease.
func (a *Archive) Diff(ctx context.Context, oldID, newID band.ID, mon monitor.Monitor) <-chan backup.Change {
	return backup.Diff(ctx, a.tr, oldID, newID, mon)
}
