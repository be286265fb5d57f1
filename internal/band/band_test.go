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

package band

import (
	"context"
	"testing"

	"github.com/coldvault/coldvault/transport"
	"github.com/coldvault/coldvault/transport/memtransport"
)

func TestParseIDRoundTrip(t *testing.T) {
	cases := []ID{0, 1, 42, 9999, 10000, 123456}
	for _, id := range cases {
		parsed, err := ParseID(id.String())
		if err != nil {
			t.Fatalf("ParseID(%q): %v", id.String(), err)
		}
		if parsed != id {
			t.Errorf("ParseID(%q) = %d, want %d", id.String(), parsed, id)
		}
	}
}

func TestParseIDRejectsInvalid(t *testing.T) {
	for _, name := range []string{"", "b", "bxyz", "0000", "b-1", "B0000", "b00"} {
		if _, err := ParseID(name); err == nil {
			t.Errorf("ParseID(%q): expected error", name)
		}
	}
}

func TestNextIDStartsAtZero(t *testing.T) {
	if got := NextID(nil); got != 0 {
		t.Errorf("NextID(nil) = %d, want 0", got)
	}
}

func TestNextIDIsMaxPlusOne(t *testing.T) {
	if got := NextID([]ID{0, 3, 1}); got != 4 {
		t.Errorf("NextID = %d, want 4", got)
	}
}

func TestAncestorIsGreatestLess(t *testing.T) {
	existing := []ID{0, 1, 3}
	if got, ok := Ancestor(existing, 4); !ok || got != 3 {
		t.Errorf("Ancestor(_, 4) = (%d, %v), want (3, true)", got, ok)
	}
	if got, ok := Ancestor(existing, 2); !ok || got != 1 {
		t.Errorf("Ancestor(_, 2) = (%d, %v), want (1, true)", got, ok)
	}
	if _, ok := Ancestor(existing, 0); ok {
		t.Errorf("Ancestor(_, 0): expected no ancestor")
	}
}

func TestCreateOpenCloseLifecycle(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()

	b, err := Create(ctx, tr, 1000, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.ID() != 0 {
		t.Fatalf("first version id = %s, want b0000", b.ID())
	}

	if closed, err := b.IsClosed(ctx); err != nil || closed {
		t.Fatalf("IsClosed before Close = (%v, %v), want (false, nil)", closed, err)
	}

	reopened, err := Open(ctx, tr, b.ID())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.Head().StartTime != 1000 {
		t.Errorf("reopened StartTime = %d, want 1000", reopened.Head().StartTime)
	}

	if err := reopened.Close(ctx, 2000, 3); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed, err := reopened.IsClosed(ctx); err != nil || !closed {
		t.Fatalf("IsClosed after Close = (%v, %v), want (true, nil)", closed, err)
	}

	second, err := Create(ctx, tr, 1500, nil)
	if err != nil {
		t.Fatalf("Create second: %v", err)
	}
	if second.ID() != 1 {
		t.Fatalf("second version id = %s, want b0001", second.ID())
	}
}

func TestOpenRejectsUnsupportedFormatVersion(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()

	b, err := CreateWithID(ctx, tr, 0, 1000, nil)
	if err != nil {
		t.Fatalf("CreateWithID: %v", err)
	}
	_ = b

	// Overwrite the head with a version far beyond anything this
	// implementation could support.
	bandTr, err := tr.Chdir("b0000")
	if err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	future := `{"start_time":1000,"band_format_version":"8888.8.8"}`
	if err := bandTr.Write(ctx, headFilename, []byte(future), transport.Overwrite); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := Open(ctx, tr, 0); err == nil {
		t.Fatal("Open: expected error for unsupported format version")
	} else if _, ok := err.(*ErrUnsupportedFormatVersion); !ok {
		t.Errorf("Open: got %T, want *ErrUnsupportedFormatVersion", err)
	}
}

func TestOpenMissingHeadIsBandHeadMissing(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()
	if _, err := Open(ctx, tr, 0); err == nil {
		t.Fatal("Open: expected error for missing head")
	} else if _, ok := err.(*ErrBandHeadMissing); !ok {
		t.Errorf("Open: got %T, want *ErrBandHeadMissing", err)
	}
}

func TestListIDsSortedAndIgnoresNonVersionDirs(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()
	for _, id := range []ID{2, 0, 1} {
		if _, err := CreateWithID(ctx, tr, id, 0, nil); err != nil {
			t.Fatalf("CreateWithID(%d): %v", id, err)
		}
	}
	if err := tr.CreateDir(ctx, "not-a-version"); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}

	ids, err := ListIDs(ctx, tr)
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	want := []ID{0, 1, 2}
	if len(ids) != len(want) {
		t.Fatalf("ListIDs = %v, want %v", ids, want)
	}
	for i, id := range ids {
		if id != want[i] {
			t.Errorf("ids[%d] = %d, want %d", i, id, want[i])
		}
	}
}

func TestDeleteRemovesVersionDirectory(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()
	if _, err := CreateWithID(ctx, tr, 0, 0, nil); err != nil {
		t.Fatalf("CreateWithID: %v", err)
	}
	if err := Delete(ctx, tr, 0); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := Open(ctx, tr, 0); err == nil {
		t.Fatal("Open after Delete: expected error")
	}
}

func TestDeleteMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()
	if err := Delete(ctx, tr, 0); err == nil {
		t.Fatal("Delete: expected error")
	} else if _, ok := err.(*ErrNotFound); !ok {
		t.Errorf("Delete: got %T, want *ErrNotFound", err)
	}
}
