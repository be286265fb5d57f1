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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/coldvault/coldvault/internal/apath"
	"github.com/coldvault/coldvault/transport/memtransport"
)

func entry(a string) Entry {
	return Entry{Apath: apath.MustParse(a), Kind: KindFile, MtimeSec: 1}
}

func TestWriterSortsWithinHunk(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()
	w := NewWriter(tr)
	w.Push(entry("/c"))
	w.Push(entry("/a"))
	w.Push(entry("/b"))
	if err := w.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}

	r := NewReader(tr)
	entries, err := r.ReadHunk(ctx, 0)
	if err != nil {
		t.Fatalf("ReadHunk: %v", err)
	}
	want := []Entry{entry("/a"), entry("/b"), entry("/c")}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyHunkFlushIsNoop(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()
	w := NewWriter(tr)
	if err := w.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk on empty: %v", err)
	}
	if w.HunkCount() != 0 {
		t.Errorf("HunkCount = %d, want 0", w.HunkCount())
	}
}

func TestWriterDetectsOutOfOrderHunks(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()
	w := NewWriter(tr)
	w.Push(entry("/b"))
	if err := w.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}
	w.Push(entry("/a")) // out of order vs previous hunk's last apath "/b"

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-order hunk boundary")
		}
	}()
	w.FinishHunk(ctx)
}

func TestReaderAllFlattensInOrder(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()
	w := NewWriter(tr)
	w.Push(entry("/a"))
	w.Push(entry("/b"))
	if err := w.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}
	w.Push(entry("/c"))
	w.Push(entry("/d"))
	if err := w.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}

	r := NewReader(tr)
	entries, err := r.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	want := []Entry{entry("/a"), entry("/b"), entry("/c"), entry("/d")}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestAdvanceToAfterSkipsCoveredHunks(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()
	w := NewWriter(tr)
	w.Push(entry("/a"))
	w.Push(entry("/b"))
	if err := w.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}
	w.Push(entry("/c"))
	w.Push(entry("/d"))
	if err := w.FinishHunk(ctx); err != nil {
		t.Fatalf("FinishHunk: %v", err)
	}

	r := NewReader(tr)
	remaining, suffix, err := r.AdvanceToAfter(ctx, apath.MustParse("/a"))
	if err != nil {
		t.Fatalf("AdvanceToAfter: %v", err)
	}
	if len(suffix) != 1 || string(suffix[0].Apath) != "/b" {
		t.Fatalf("suffix = %+v, want [/b]", suffix)
	}
	if len(remaining) != 1 || remaining[0] != 1 {
		t.Fatalf("remaining = %v, want [1]", remaining)
	}
}

func TestMissingHunkIsCountedAsError(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()
	r := NewReader(tr)
	entries, err := r.ReadHunk(ctx, 0)
	if err != nil {
		t.Fatalf("ReadHunk: %v", err)
	}
	if entries != nil {
		t.Errorf("entries = %v, want nil", entries)
	}
	if r.Errors != 1 {
		t.Errorf("Errors = %d, want 1", r.Errors)
	}
}
