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

// Package index implements the per-version ordered manifest of tree
// entries described in spec §4.3: entries are pushed in any order within
// a hunk, sorted at finalization, and written as compressed JSON arrays
// under a two-level hunk-number path.
package index

import (
	"github.com/coldvault/coldvault/internal/apath"
	"github.com/coldvault/coldvault/internal/blockstore"
)

// Kind identifies the type of filesystem object an Entry describes.
type Kind string

const (
	KindFile    Kind = "File"
	KindDir     Kind = "Dir"
	KindSymlink Kind = "Symlink"
	KindUnknown Kind = "Unknown"
)

// Entry is one record per filesystem object in a version, matching the
// JSON schema in spec §6.2.
type Entry struct {
	Apath      apath.Apath          `json:"apath"`
	Kind       Kind                 `json:"kind"`
	MtimeSec   int64                `json:"mtime"`
	MtimeNanos uint32               `json:"mtime_nanos,omitempty"`
	UnixMode   *uint32              `json:"unix_mode,omitempty"`
	User       string               `json:"user,omitempty"`
	Group      string               `json:"group,omitempty"`
	Addrs      []blockstore.Address `json:"addrs,omitempty"`
	Target     string               `json:"target,omitempty"`
}

// PathOf returns e's apath, satisfying merge.Entry.
func (e Entry) PathOf() apath.Apath { return e.Apath }

// Size returns the total length of the file's content, as the sum of its
// block addresses. It is zero for directories, symlinks and empty files.
func (e Entry) Size() uint64 {
	var n uint64
	for _, a := range e.Addrs {
		n += a.Len
	}
	return n
}

// SameMetadataAs reports whether e and other are both files with the
// same size and modification time (to nanosecond precision); it is
// false for any other kind, even when both sides match — the "unchanged
// heuristic" precondition from spec §4.7 step 5, before the block
// presence check.
func (e Entry) SameMetadataAs(other Entry) bool {
	return e.Kind == other.Kind &&
		e.Kind == KindFile &&
		e.Size() == other.Size() &&
		e.MtimeSec == other.MtimeSec &&
		e.MtimeNanos == other.MtimeNanos
}
