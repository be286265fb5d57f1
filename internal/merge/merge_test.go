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

package merge

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/coldvault/coldvault/internal/apath"
)

type testEntry string

func (e testEntry) PathOf() apath.Apath { return apath.MustParse(string(e)) }

type sliceSource struct {
	items []testEntry
	pos   int
}

func (s *sliceSource) Next(ctx context.Context) (testEntry, error) {
	if s.pos >= len(s.items) {
		return "", io.EOF
	}
	v := s.items[s.pos]
	s.pos++
	return v, nil
}

func paths(items ...string) []testEntry {
	out := make([]testEntry, len(items))
	for i, s := range items {
		out[i] = testEntry(s)
	}
	return out
}

func drain(t *testing.T, w *Walker[testEntry, testEntry]) []string {
	t.Helper()
	ctx := context.Background()
	var got []string
	for {
		p, err := w.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, fmt.Sprintf("%s:%s", p.Apath, p.Side))
	}
	return got
}

func TestMergeBothSidesEqual(t *testing.T) {
	a := &sliceSource{items: paths("/a", "/b", "/c")}
	b := &sliceSource{items: paths("/a", "/b", "/c")}
	got := drain(t, New[testEntry, testEntry](a, b))
	want := []string{"/a:Both", "/b:Both", "/c:Both"}
	assertEqual(t, got, want)
}

func TestMergeAddedAndDeleted(t *testing.T) {
	// a (ancestor/basis) has /a,/b,/d; b (source) has /a,/c,/d: /b
	// deleted, /c added, /a and /d unchanged.
	a := &sliceSource{items: paths("/a", "/b", "/d")}
	b := &sliceSource{items: paths("/a", "/c", "/d")}
	got := drain(t, New[testEntry, testEntry](a, b))
	want := []string{"/a:Both", "/b:Left", "/c:Right", "/d:Both"}
	assertEqual(t, got, want)
}

func TestMergeOneSideEmpty(t *testing.T) {
	a := &sliceSource{}
	b := &sliceSource{items: paths("/x", "/y")}
	got := drain(t, New[testEntry, testEntry](a, b))
	want := []string{"/x:Right", "/y:Right"}
	assertEqual(t, got, want)
}

func TestMergeBothEmpty(t *testing.T) {
	a := &sliceSource{}
	b := &sliceSource{}
	w := New[testEntry, testEntry](a, b)
	if _, err := w.Next(context.Background()); err != io.EOF {
		t.Fatalf("Next on empty merge = %v, want io.EOF", err)
	}
}

func TestMergeInterleaved(t *testing.T) {
	a := &sliceSource{items: paths("/0", "/2", "/4")}
	b := &sliceSource{items: paths("/1", "/2", "/3")}
	got := drain(t, New[testEntry, testEntry](a, b))
	want := []string{"/0:Left", "/1:Right", "/2:Both", "/3:Right", "/4:Left"}
	assertEqual(t, got, want)
}

func assertEqual(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
