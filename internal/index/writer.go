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

package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/coldvault/coldvault/internal/apath"
	"github.com/coldvault/coldvault/internal/codec"
	"github.com/coldvault/coldvault/transport"
)

// HunksPerSubdir is the number of hunks grouped under one subdirectory
// of the index directory (spec §4.3: "subdirectory = hunk_number / 10000").
const HunksPerSubdir = 10000

func subdirRelpath(hunkNumber int) string {
	return fmt.Sprintf("%05d", hunkNumber/HunksPerSubdir)
}

func hunkRelpath(hunkNumber int) string {
	return fmt.Sprintf("%05d/%09d", hunkNumber/HunksPerSubdir, hunkNumber)
}

// Writer accumulates index entries for one version and flushes them as
// sorted, compressed hunk files. A Writer is single-owner: the caller
// must not share it between goroutines.
type Writer struct {
	tr           transport.Transport
	nextHunk     int
	pending      []Entry
	lastFlushed  apath.Apath
	hasFlushed   bool
	createdSubdirs map[string]bool
}

// NewWriter returns a Writer that writes hunk files under tr, which
// should already be chdir'd to the version's index directory.
func NewWriter(tr transport.Transport) *Writer {
	return &Writer{tr: tr, createdSubdirs: make(map[string]bool)}
}

// Push adds an entry to the current hunk, in any order.
func (w *Writer) Push(e Entry) {
	w.pending = append(w.pending, e)
}

// Pending returns the number of entries queued for the current hunk.
func (w *Writer) Pending() int { return len(w.pending) }

// HunkCount returns the number of hunks flushed so far.
func (w *Writer) HunkCount() int { return w.nextHunk }

// FinishHunk sorts and writes the current hunk, if non-empty, and
// advances to the next hunk number. A flush of zero pending entries is a
// no-op, per spec §4.3.
func (w *Writer) FinishHunk(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	sort.Slice(w.pending, func(i, j int) bool {
		return apath.Less(w.pending[i].Apath, w.pending[j].Apath)
	})

	first := w.pending[0].Apath
	if w.hasFlushed && !apath.Less(w.lastFlushed, first) {
		panic(fmt.Sprintf("index hunks out of order: hunk %d starts at %q, not after %q", w.nextHunk, first, w.lastFlushed))
	}

	payload, err := json.Marshal(w.pending)
	if err != nil {
		return err
	}
	compressed, err := codec.Compress(payload)
	if err != nil {
		return err
	}

	subdir := subdirRelpath(w.nextHunk)
	if !w.createdSubdirs[subdir] {
		if err := w.tr.CreateDir(ctx, subdir); err != nil {
			return err
		}
		w.createdSubdirs[subdir] = true
	}
	if err := w.tr.Write(ctx, hunkRelpath(w.nextHunk), compressed, transport.CreateNew); err != nil {
		return err
	}

	w.lastFlushed = w.pending[len(w.pending)-1].Apath
	w.hasFlushed = true
	w.nextHunk++
	w.pending = w.pending[:0]
	return nil
}
