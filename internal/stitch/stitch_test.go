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

package stitch

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/coldvault/coldvault/internal/apath"
	"github.com/coldvault/coldvault/internal/band"
	"github.com/coldvault/coldvault/internal/index"
	"github.com/coldvault/coldvault/transport"
	"github.com/coldvault/coldvault/transport/memtransport"
)

type recordingMonitor struct{ errs []error }

func (m *recordingMonitor) Error(err error) { m.errs = append(m.errs, err) }

func symlink(name, target string) index.Entry {
	return index.Entry{Apath: apath.MustParse(name), Kind: index.KindSymlink, Target: target}
}

func ls(t *testing.T, tr transport.Transport, id band.ID) string {
	t.Helper()
	ctx := context.Background()
	it := NewEntryIter(New(tr, id, nil), apath.Root, nil)
	var parts []string
	for {
		e, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		parts = append(parts, string(e.Apath)+":"+e.Target)
	}
	return strings.Join(parts, " ")
}

// TestStitchIndex reproduces the canonical stitched-recovery scenario:
// a chain of versions, some closed and some not, with one version
// deleted and one version with no hunks at all.
func TestStitchIndex(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()

	// b0000: incomplete, /0,/1 in hunk 0, /2 in hunk 1.
	b0, err := band.Create(ctx, tr, 0, nil)
	if err != nil {
		t.Fatalf("Create b0: %v", err)
	}
	w0, err := b0.IndexTransport()
	if err != nil {
		t.Fatalf("IndexTransport: %v", err)
	}
	iw0 := index.NewWriter(w0)
	iw0.Push(symlink("/0", "b0"))
	iw0.Push(symlink("/1", "b0"))
	if err := iw0.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}
	iw0.Push(symlink("/2", "b0"))
	if err := iw0.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}
	// b0 left open (incomplete).

	// b0001: complete, /0../3.
	b1, err := band.Create(ctx, tr, 0, nil)
	if err != nil {
		t.Fatalf("Create b1: %v", err)
	}
	w1, _ := b1.IndexTransport()
	iw1 := index.NewWriter(w1)
	iw1.Push(symlink("/0", "b1"))
	iw1.Push(symlink("/1", "b1"))
	if err := iw1.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}
	iw1.Push(symlink("/2", "b1"))
	iw1.Push(symlink("/3", "b1"))
	if err := iw1.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}
	if err := b1.Close(ctx, 0, uint64(iw1.HunkCount())); err != nil {
		t.Fatalf("Close b1: %v", err)
	}

	// b0002: incomplete, /0 in hunk 0, /2 in hunk 1. /1 was deleted; /3
	// should be inherited from b1.
	b2, err := band.Create(ctx, tr, 0, nil)
	if err != nil {
		t.Fatalf("Create b2: %v", err)
	}
	w2, _ := b2.IndexTransport()
	iw2 := index.NewWriter(w2)
	iw2.Push(symlink("/0", "b2"))
	if err := iw2.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}
	iw2.Push(symlink("/2", "b2"))
	if err := iw2.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}
	// b2 left open (incomplete).

	// b0003: will be deleted entirely.
	if _, err := band.Create(ctx, tr, 0, nil); err != nil {
		t.Fatalf("Create b3: %v", err)
	}

	// b0004: exists but has no hunks at all, and is left open.
	if _, err := band.Create(ctx, tr, 0, nil); err != nil {
		t.Fatalf("Create b4: %v", err)
	}

	// b0005: incomplete, one hunk /0,/00.
	b5, err := band.Create(ctx, tr, 0, nil)
	if err != nil {
		t.Fatalf("Create b5: %v", err)
	}
	w5, _ := b5.IndexTransport()
	iw5 := index.NewWriter(w5)
	iw5.Push(symlink("/0", "b5"))
	iw5.Push(symlink("/00", "b5"))
	if err := iw5.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}
	// b5 left open (incomplete).

	if err := band.Delete(ctx, tr, 3); err != nil {
		t.Fatalf("Delete b3: %v", err)
	}

	if got, want := ls(t, tr, 0), "/0:b0 /1:b0 /2:b0"; got != want {
		t.Errorf("b0 = %q, want %q", got, want)
	}
	if got, want := ls(t, tr, 1), "/0:b1 /1:b1 /2:b1 /3:b1"; got != want {
		t.Errorf("b1 = %q, want %q", got, want)
	}
	if got, want := ls(t, tr, 2), "/0:b2 /2:b2 /3:b1"; got != want {
		t.Errorf("b2 = %q, want %q", got, want)
	}
	if got, want := ls(t, tr, 4), "/0:b2 /2:b2 /3:b1"; got != want {
		t.Errorf("b4 = %q, want %q", got, want)
	}
	if got, want := ls(t, tr, 5), "/0:b5 /00:b5 /2:b2 /3:b1"; got != want {
		t.Errorf("b5 = %q, want %q", got, want)
	}
}

// TestStitchStopsWithoutLoopingWhenHeadDisappears reproduces a version
// whose head is removed mid-iteration: the stitcher must terminate
// cleanly (reporting no error, since an archive with no head for a
// version is indistinguishable from that version simply never having
// existed) rather than loop forever.
func TestStitchStopsWithoutLoopingWhenHeadDisappears(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()

	b0, err := band.Create(ctx, tr, 0, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w0, _ := b0.IndexTransport()
	iw0 := index.NewWriter(w0)
	iw0.Push(symlink("/file_a", "x"))
	if err := iw0.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}
	// Left open (incomplete), mirroring an interrupted backup.

	mon := &recordingMonitor{}
	it := NewEntryIter(New(tr, 0, mon), apath.Root, nil)

	if _, err := it.Next(ctx); err != nil {
		t.Fatalf("first Next: %v", err)
	}

	bandTr, err := tr.Chdir("b0000")
	if err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	if err := bandTr.RemoveFile(ctx, "BANDHEAD"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := it.Next(ctx); err != io.EOF {
			t.Fatalf("Next after head removed = %v, want io.EOF", err)
		}
	}

	if len(mon.errs) != 0 {
		t.Errorf("errs = %v, want none", mon.errs)
	}
}

func TestEntryIterFiltersBySubtree(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()

	b0, err := band.Create(ctx, tr, 0, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w0, _ := b0.IndexTransport()
	iw0 := index.NewWriter(w0)
	iw0.Push(symlink("/a", "x"))
	iw0.Push(symlink("/sub/b", "x"))
	iw0.Push(symlink("/sub/c", "x"))
	if err := iw0.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}
	if err := b0.Close(ctx, 0, 1); err != nil {
		t.Fatalf("Close: %v", err)
	}

	it := NewEntryIter(New(tr, 0, nil), apath.MustParse("/sub"), nil)
	var got []string
	for {
		e, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, string(e.Apath))
	}
	want := []string{"/sub/b", "/sub/c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEmptyStitcherYieldsNothing(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()
	it := NewEntryIter(Empty(tr, nil), apath.Root, nil)
	if _, err := it.Next(ctx); err != io.EOF {
		t.Fatalf("Next on empty = %v, want io.EOF", err)
	}
}
