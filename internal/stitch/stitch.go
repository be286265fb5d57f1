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

// Package stitch reconstructs a logically complete, ordered view of a
// version's index by composing a possibly-incomplete target version
// with its ancestors: entries from the target are authoritative up to
// the last apath its surviving hunks cover, and the nearest ancestor
// supplies everything after that, recursively.
package stitch

import (
	"context"
	"io"

	"github.com/coldvault/coldvault/internal/apath"
	"github.com/coldvault/coldvault/internal/band"
	"github.com/coldvault/coldvault/internal/index"
	"github.com/coldvault/coldvault/transport"
)

// ErrorSink receives non-fatal errors encountered while stitching,
// such as a version that can no longer be opened. A nil ErrorSink
// discards them.
type ErrorSink interface {
	Error(err error)
}

type stateKind int

const (
	stateBeforeVersion stateKind = iota
	stateInVersion
	stateAfterVersion
	stateDone
)

// Stitcher yields hunks (vectors of index entries, in apath order) by
// driving the explicit state machine described by spec §4.5: for each
// version visited, its available hunks are returned starting just
// after the last apath already yielded; once a version is exhausted,
// if it is closed the stream is done, otherwise the nearest surviving
// ancestor is opened and the process repeats.
type Stitcher struct {
	archiveTr transport.Transport
	monitor   ErrorSink

	state stateKind
	id    band.ID

	// Set while state is stateInVersion or stateAfterVersion.
	current *band.Band
	reader  *index.Reader

	remainingHunks []int
	pending        []index.Entry
	havePending    bool

	lastApath    apath.Apath
	hasLastApath bool
}

// New returns a Stitcher that reconstructs the most complete available
// index for version id.
func New(archiveTr transport.Transport, id band.ID, monitor ErrorSink) *Stitcher {
	return &Stitcher{archiveTr: archiveTr, monitor: monitor, state: stateBeforeVersion, id: id}
}

// Empty returns a Stitcher with nothing to yield, for an archive with
// no versions at all.
func Empty(archiveTr transport.Transport, monitor ErrorSink) *Stitcher {
	return &Stitcher{archiveTr: archiveTr, monitor: monitor, state: stateDone}
}

func (s *Stitcher) reportError(err error) {
	if s.monitor != nil {
		s.monitor.Error(err)
	}
}

// NextHunk returns the next hunk of entries in the stitched stream, or
// io.EOF once the stream is exhausted. A returned hunk may be empty.
func (s *Stitcher) NextHunk(ctx context.Context) ([]index.Entry, error) {
	for {
		switch s.state {
		case stateDone:
			return nil, io.EOF

		case stateInVersion:
			if s.havePending {
				s.havePending = false
				entries := s.pending
				s.pending = nil
				if len(entries) > 0 {
					s.lastApath = entries[len(entries)-1].Apath
					s.hasLastApath = true
				}
				return entries, nil
			}
			if len(s.remainingHunks) == 0 {
				s.state = stateAfterVersion
				continue
			}
			n := s.remainingHunks[0]
			s.remainingHunks = s.remainingHunks[1:]
			entries, err := s.reader.ReadHunk(ctx, n)
			if err != nil {
				return nil, err
			}
			if len(entries) > 0 {
				s.lastApath = entries[len(entries)-1].Apath
				s.hasLastApath = true
			}
			return entries, nil

		case stateBeforeVersion:
			b, err := band.Open(ctx, s.archiveTr, s.id)
			if err != nil {
				s.reportError(err)
				s.current = nil
				s.state = stateAfterVersion
				continue
			}
			indexTr, err := b.IndexTransport()
			if err != nil {
				s.reportError(err)
				s.current = b
				s.state = stateAfterVersion
				continue
			}
			reader := index.NewReader(indexTr)
			if s.hasLastApath {
				remaining, suffix, err := reader.AdvanceToAfter(ctx, s.lastApath)
				if err != nil {
					s.reportError(err)
					s.current = b
					s.state = stateAfterVersion
					continue
				}
				s.remainingHunks = remaining
				s.pending = suffix
				s.havePending = true
			} else {
				nums, err := reader.HunkNumbers(ctx)
				if err != nil {
					s.reportError(err)
					s.current = b
					s.state = stateAfterVersion
					continue
				}
				s.remainingHunks = nums
				s.havePending = false
			}
			s.current = b
			s.reader = reader
			s.state = stateInVersion

		case stateAfterVersion:
			id := s.id
			if s.current != nil {
				closed, err := s.current.IsClosed(ctx)
				if err != nil {
					s.reportError(err)
					s.state = stateDone
					continue
				}
				if closed {
					s.state = stateDone
					continue
				}
			}
			ids, err := band.ListIDs(ctx, s.archiveTr)
			if err != nil {
				s.reportError(err)
				s.state = stateDone
				continue
			}
			prev, ok := band.Ancestor(ids, id)
			if !ok {
				s.state = stateDone
				continue
			}
			s.id = prev
			s.current = nil
			s.reader = nil
			s.state = stateBeforeVersion
		}
	}
}

// EntryIter flattens a Stitcher's hunks into individual entries,
// filtering out apaths outside subtree and apaths the exclude
// predicate rejects. A nil exclude predicate excludes nothing.
type EntryIter struct {
	st      *Stitcher
	subtree apath.Apath
	exclude func(apath.Apath) bool

	buf []index.Entry
	pos int
	eof bool
}

// NewEntryIter returns an EntryIter over st, restricted to apaths
// within subtree (apath.Root for the whole tree).
func NewEntryIter(st *Stitcher, subtree apath.Apath, exclude func(apath.Apath) bool) *EntryIter {
	return &EntryIter{st: st, subtree: subtree, exclude: exclude}
}

// Next returns the next matching entry, or io.EOF when exhausted.
func (it *EntryIter) Next(ctx context.Context) (index.Entry, error) {
	for {
		if it.pos < len(it.buf) {
			e := it.buf[it.pos]
			it.pos++
			if !it.subtree.IsPrefixOf(e.Apath) {
				continue
			}
			if it.exclude != nil && it.exclude(e.Apath) {
				continue
			}
			return e, nil
		}
		if it.eof {
			return index.Entry{}, io.EOF
		}
		hunk, err := it.st.NextHunk(ctx)
		if err == io.EOF {
			it.eof = true
			continue
		}
		if err != nil {
			return index.Entry{}, err
		}
		it.buf = hunk
		it.pos = 0
	}
}
