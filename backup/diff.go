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

package backup

import (
	"context"
	"errors"
	"io"

	"github.com/coldvault/coldvault/internal/apath"
	"github.com/coldvault/coldvault/internal/band"
	"github.com/coldvault/coldvault/internal/blockstore"
	"github.com/coldvault/coldvault/internal/index"
	"github.com/coldvault/coldvault/internal/merge"
	"github.com/coldvault/coldvault/internal/monitor"
	"github.com/coldvault/coldvault/internal/stitch"
	"github.com/coldvault/coldvault/transport"
)

// Diff compares two stitched versions and streams one Change per
// differing or unchanged apath, reusing the same merge walker the
// backup driver uses against a live source tree (spec §4.6 "used both
// for backup ... and for diff"). The channel is closed once the merge
// is exhausted or ctx is canceled.
func Diff(ctx context.Context, archiveTr transport.Transport, oldID, newID band.ID, mon monitor.Monitor) <-chan Change {
	if mon == nil {
		mon = monitor.Discard
	}
	oldIter := stitch.NewEntryIter(stitch.New(archiveTr, oldID, mon), apath.Root, nil)
	newIter := stitch.NewEntryIter(stitch.New(archiveTr, newID, mon), apath.Root, nil)
	walker := merge.New[index.Entry, index.Entry](oldIter, newIter)

	out := make(chan Change)
	go func() {
		defer close(out)
		for {
			pair, err := walker.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				mon.Error(err)
				return
			}
			var change Change
			switch pair.Side {
			case merge.Left:
				basis := pair.Left
				change = Change{Apath: pair.Apath, Kind: Deleted, Basis: &basis}
			case merge.Right:
				nw := pair.Right
				change = Change{Apath: pair.Apath, Kind: Added, New: &nw}
			default: // merge.Both
				old, nw := pair.Left, pair.Right
				kind := Unchanged
				if !sameIndexEntry(old, nw) {
					kind = Changed
				}
				change = Change{Apath: pair.Apath, Kind: kind, Basis: &old, New: &nw}
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func sameIndexEntry(a, b index.Entry) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case index.KindFile:
		return a.Size() == b.Size() &&
			a.MtimeSec == b.MtimeSec &&
			a.MtimeNanos == b.MtimeNanos &&
			sameAddrs(a.Addrs, b.Addrs)
	case index.KindSymlink:
		return a.Target == b.Target
	default:
		return true
	}
}

func sameAddrs(a, b []blockstore.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
