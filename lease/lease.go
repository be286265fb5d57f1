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

// Package lease implements the archive write lease and GC lock: a small
// JSON document at a well-known path whose existence and contents
// signal exclusive access (spec §5 "Lease protocol", §6.2's Lease
// schema). Acquisition is a create-new write; a live holder periodically
// renews before the lease's declared expiry, and renewal detects both
// another process stealing the path and the file disappearing out from
// under the holder.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/coldvault/coldvault/transport"
)

// DefaultRenewInterval is how often a held lease is refreshed.
const DefaultRenewInterval = 10 * time.Second

// DefaultExpiry is how long a lease remains valid without renewal.
const DefaultExpiry = 60 * time.Second

// ClientVersion identifies this implementation in a lease's
// client_version field.
const ClientVersion = "coldvault/1"

// Document is the on-disk JSON shape of a lease (spec §6.2).
type Document struct {
	Host          string    `json:"host,omitempty"`
	PID           int       `json:"pid,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
	Nonce         uint32    `json:"nonce"`
	Acquired      time.Time `json:"acquired"`
	Expiry        time.Time `json:"expiry"`
}

// ErrBusy reports that a live, unexpired lease is already held by
// someone else.
type ErrBusy struct{ Holder Document }

func (e *ErrBusy) Error() string {
	return fmt.Sprintf("lease: busy, held by %s pid %d until %s", e.Holder.Host, e.Holder.PID, e.Holder.Expiry.Format(time.RFC3339))
}

// ErrStolen reports that renewal found a lease at the expected path
// whose nonce no longer matches: someone else won the path after this
// holder's lease lapsed.
type ErrStolen struct{ Path string }

func (e *ErrStolen) Error() string {
	return fmt.Sprintf("lease: %s was stolen by another process", e.Path)
}

// ErrDisappeared reports that renewal found the lease file gone.
type ErrDisappeared struct{ Path string }

func (e *ErrDisappeared) Error() string {
	return fmt.Sprintf("lease: %s disappeared before renewal", e.Path)
}

// ErrCorrupt reports a lease file whose content didn't parse as a
// Document. The caller (Acquire's retry loop) uses the file's mtime to
// decide whether it's abandoned and safe to break.
type ErrCorrupt struct {
	Path  string
	Mtime time.Time
	Err   error
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("lease: %s is corrupt (mtime %s): %v", e.Path, e.Mtime.Format(time.RFC3339), e.Err)
}
func (e *ErrCorrupt) Unwrap() error { return e.Err }

// maxAcquireRetries bounds the "missing (race)" retry loop in Acquire.
const maxAcquireRetries = 20

// Lease is a held lease, with a background renewal loop.
type Lease struct {
	tr     transport.Transport
	path   string
	renew  time.Duration
	expiry time.Duration
	doc    Document
	stolen chan error
	cancel context.CancelFunc
	done   chan struct{}
}

// Acquire takes the lease at path below tr, using a create-new write.
// On collision, a parseable and unexpired lease yields ErrBusy; a
// parseable but expired one is broken and the create retried; an
// unparseable one is broken and retried if its mtime is older than the
// expiry window, and otherwise reported as ErrCorrupt; a lease that
// disappears between the
// collision and the retry (another holder released, or this call raced
// an expiring one) is retried up to maxAcquireRetries times.
func Acquire(ctx context.Context, tr transport.Transport, path string, renew, expiry time.Duration) (*Lease, error) {
	if renew <= 0 {
		renew = DefaultRenewInterval
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}

	for attempt := 0; attempt < maxAcquireRetries; attempt++ {
		doc, err := tryAcquire(ctx, tr, path, expiry)
		if err == nil {
			l := &Lease{tr: tr, path: path, renew: renew, expiry: expiry, doc: doc, stolen: make(chan error, 1)}
			l.startRenewal()
			return l, nil
		}
		if transport.IsAlreadyExists(err) {
			existing, readErr := read(ctx, tr, path)
			if readErr != nil {
				var corrupt *ErrCorrupt
				if errors.As(readErr, &corrupt) {
					// Mtime determines staleness (spec §5): a corrupt lease
					// older than the expiry window is presumed abandoned and
					// broken; a recent one is reported as-is.
					if time.Since(corrupt.Mtime) > expiry {
						if err := tr.RemoveFile(ctx, path); err != nil && !transport.IsNotFound(err) {
							return nil, err
						}
						continue
					}
					return nil, readErr
				}
				if transport.IsNotFound(readErr) {
					continue // raced a release; retry
				}
				return nil, readErr
			}
			if time.Now().Before(existing.Expiry) {
				return nil, &ErrBusy{Holder: existing}
			}
			// Expired: the holder never renewed in time. Break the lease by
			// removing it and retrying the create-new.
			if err := tr.RemoveFile(ctx, path); err != nil && !transport.IsNotFound(err) {
				return nil, err
			}
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("lease: could not acquire %s after %d attempts", path, maxAcquireRetries)
}

func tryAcquire(ctx context.Context, tr transport.Transport, path string, expiry time.Duration) (Document, error) {
	doc := newDocument(expiry)
	data, err := json.Marshal(doc)
	if err != nil {
		return Document{}, err
	}
	if err := tr.Write(ctx, path, data, transport.CreateNew); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func newDocument(expiry time.Duration) Document {
	host, _ := os.Hostname()
	now := time.Now()
	return Document{
		Host:          host,
		PID:           os.Getpid(),
		ClientVersion: ClientVersion,
		Nonce:         randomNonce(),
		Acquired:      now,
		Expiry:        now.Add(expiry),
	}
}

func randomNonce() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is catastrophic for the whole process; a
		// zero nonce at least keeps the lease distinguishable by
		// acquired time rather than crashing the caller.
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

func read(ctx context.Context, tr transport.Transport, path string) (Document, error) {
	data, err := tr.Read(ctx, path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		meta, metaErr := tr.Metadata(ctx, path)
		mtime := time.Time{}
		if metaErr == nil {
			mtime = meta.Mtime
		}
		return Document{}, &ErrCorrupt{Path: path, Mtime: mtime, Err: err}
	}
	return doc, nil
}

// Document returns the lease's in-memory document as acquired (not
// re-read from storage).
func (l *Lease) Document() Document { return l.doc }

// startRenewal launches the periodic renewal goroutine.
func (l *Lease) startRenewal() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.renew)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.doRenew(ctx); err != nil {
					select {
					case l.stolen <- err:
					default:
					}
					return
				}
			}
		}
	}()
}

func (l *Lease) doRenew(ctx context.Context) error {
	current, err := read(ctx, l.tr, l.path)
	if err != nil {
		if transport.IsNotFound(err) {
			return &ErrDisappeared{Path: l.path}
		}
		var corrupt *ErrCorrupt
		if errors.As(err, &corrupt) {
			return &ErrStolen{Path: l.path}
		}
		return err
	}
	if current.Nonce != l.doc.Nonce {
		return &ErrStolen{Path: l.path}
	}
	l.doc.Expiry = time.Now().Add(l.expiry)
	data, err := json.Marshal(l.doc)
	if err != nil {
		return err
	}
	return l.tr.Write(ctx, l.path, data, transport.Overwrite)
}

// Lost returns a channel that receives an ErrStolen or ErrDisappeared
// if the background renewal loop ever fails to keep the lease alive.
// Callers holding the lease across a long operation should select on
// this alongside their own work and abort if it fires.
func (l *Lease) Lost() <-chan error { return l.stolen }

// Release stops renewal and deletes the lease file. It does not verify
// the nonce first: a caller releasing a lease it no longer holds (after
// receiving from Lost) would delete whoever's lease is there now, so
// callers must stop using the archive once Lost fires instead of
// calling Release.
func (l *Lease) Release(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	err := l.tr.RemoveFile(ctx, l.path)
	if err != nil && transport.IsNotFound(err) {
		return nil
	}
	return err
}
