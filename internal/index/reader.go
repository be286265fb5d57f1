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
	"log"
	"sort"
	"strconv"

	"github.com/coldvault/coldvault/internal/apath"
	"github.com/coldvault/coldvault/internal/codec"
	"github.com/coldvault/coldvault/transport"
)

// Reader enumerates present hunks of one version's index directory in
// order, reading and parsing each on demand.
type Reader struct {
	tr transport.Transport

	hunkNumbers []int // sorted, populated lazily
	listed      bool

	// Errors is incremented for each missing, corrupt or unparseable
	// hunk encountered; callers may inspect it after iteration.
	Errors int
}

// NewReader returns a Reader over tr, which should already be chdir'd to
// the version's index directory.
func NewReader(tr transport.Transport) *Reader {
	return &Reader{tr: tr}
}

func (r *Reader) ensureListed(ctx context.Context) error {
	if r.listed {
		return nil
	}
	_, subdirs, err := r.tr.ListDir(ctx, "")
	if err != nil {
		if transport.IsNotFound(err) {
			r.listed = true
			return nil
		}
		return err
	}
	var nums []int
	for _, sd := range subdirs {
		files, _, err := r.tr.ListDir(ctx, sd.Name)
		if err != nil {
			continue
		}
		for _, f := range files {
			n, err := strconv.Atoi(f.Name)
			if err != nil {
				continue
			}
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	r.hunkNumbers = nums
	r.listed = true
	return nil
}

// HunkNumbers returns the sorted hunk numbers present, after listing the
// index directory once.
func (r *Reader) HunkNumbers(ctx context.Context) ([]int, error) {
	if err := r.ensureListed(ctx); err != nil {
		return nil, err
	}
	return r.hunkNumbers, nil
}

// ReadHunk reads and parses one hunk by number. A missing, corrupt or
// unparseable hunk is counted in Errors and reported as (nil, nil) so
// the caller can continue to the next hunk, per spec §4.3; every such
// failure except a plain missing hunk is also logged.
func (r *Reader) ReadHunk(ctx context.Context, hunkNumber int) ([]Entry, error) {
	compressed, err := r.tr.Read(ctx, hunkRelpath(hunkNumber))
	if err != nil {
		if transport.IsNotFound(err) {
			r.Errors++
			return nil, nil
		}
		r.Errors++
		log.Printf("index: error reading hunk %d: %v", hunkNumber, err)
		return nil, nil
	}
	payload, err := codec.Decompress(compressed)
	if err != nil {
		r.Errors++
		log.Printf("index: hunk %d is corrupt: %v", hunkNumber, err)
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(payload, &entries); err != nil {
		r.Errors++
		log.Printf("index: hunk %d failed to parse: %v", hunkNumber, err)
		return nil, nil
	}
	return entries, nil
}

// All reads every present hunk in order and returns the flattened,
// already-ordered entry list. Intended for small indexes and tests; the
// stitcher is the bounded-memory path for production use.
func (r *Reader) All(ctx context.Context) ([]Entry, error) {
	nums, err := r.HunkNumbers(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, n := range nums {
		entries, err := r.ReadHunk(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// AdvanceToAfter returns the hunk numbers whose coverage reaches apaths
// strictly after target, and the suffix of the first straddling hunk
// that is strictly after target. It implements spec §4.3's
// advance_to_after primitive: hunks whose last entry precedes or equals
// target are skipped outright, and a binary search within the first
// straddling hunk avoids re-scanning entries already known to be
// covered by a closer version.
func (r *Reader) AdvanceToAfter(ctx context.Context, target apath.Apath) (remainingHunks []int, firstSuffix []Entry, err error) {
	nums, err := r.HunkNumbers(ctx)
	if err != nil {
		return nil, nil, err
	}
	for idx, n := range nums {
		entries, err := r.ReadHunk(ctx, n)
		if err != nil {
			return nil, nil, err
		}
		if len(entries) == 0 {
			continue
		}
		last := entries[len(entries)-1].Apath
		if !apath.Less(target, last) {
			// Every apath in this hunk is <= target: fully covered,
			// skip it.
			continue
		}
		// This hunk straddles (or starts after) target: binary search
		// for the first entry strictly after target.
		i := sort.Search(len(entries), func(i int) bool {
			return apath.Less(target, entries[i].Apath)
		})
		return nums[idx+1:], entries[i:], nil
	}
	return nil, nil, nil
}

// ReadAllFrom reads hunkNumbers in order, concatenating their entries.
// It's a convenience used by the stitcher once AdvanceToAfter has
// located the starting point.
func (r *Reader) ReadAllFrom(ctx context.Context, hunkNumbers []int) ([]Entry, error) {
	var out []Entry
	for _, n := range hunkNumbers {
		entries, err := r.ReadHunk(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}
