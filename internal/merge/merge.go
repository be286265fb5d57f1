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

// Package merge implements the two-stream ordered merge used both to
// drive backup (ancestor index vs. live source tree) and to compute a
// diff between two versions: given two apath-ordered streams, it
// yields, in apath order, which side or sides hold an entry for each
// apath.
package merge

import (
	"context"
	"io"

	"github.com/coldvault/coldvault/internal/apath"
)

// Entry is anything a merge stream can yield: something with a known
// apath.
type Entry interface {
	PathOf() apath.Apath
}

// Source supplies one stream's entries in strictly increasing apath
// order. Next returns io.EOF once exhausted.
type Source[T Entry] interface {
	Next(ctx context.Context) (T, error)
}

// Side identifies which stream or streams held an entry for a given
// apath.
type Side int

const (
	// Left means the apath was present only in stream A.
	Left Side = iota
	// Right means the apath was present only in stream B.
	Right
	// Both means the apath was present in both streams.
	Both
)

func (s Side) String() string {
	switch s {
	case Left:
		return "Left"
	case Right:
		return "Right"
	case Both:
		return "Both"
	default:
		return "Side(?)"
	}
}

// Pair is one merged result: the apath, which side(s) held it, and the
// entries from whichever side(s) applied (the zero value of A or B on
// the side that didn't).
type Pair[A Entry, B Entry] struct {
	Apath apath.Apath
	Side  Side
	Left  A
	Right B
}

// Walker merges two Sources by peeking one entry from each and
// advancing whichever side's apath sorts first under apath.Compare,
// per spec §4.6.
type Walker[A Entry, B Entry] struct {
	a Source[A]
	b Source[B]

	pendingA A
	haveA    bool
	aDone    bool

	pendingB B
	haveB    bool
	bDone    bool
}

// New returns a Walker over a and b.
func New[A Entry, B Entry](a Source[A], b Source[B]) *Walker[A, B] {
	return &Walker[A, B]{a: a, b: b}
}

func (w *Walker[A, B]) fillA(ctx context.Context) error {
	if w.haveA || w.aDone {
		return nil
	}
	v, err := w.a.Next(ctx)
	if err == io.EOF {
		w.aDone = true
		return nil
	}
	if err != nil {
		return err
	}
	w.pendingA, w.haveA = v, true
	return nil
}

func (w *Walker[A, B]) fillB(ctx context.Context) error {
	if w.haveB || w.bDone {
		return nil
	}
	v, err := w.b.Next(ctx)
	if err == io.EOF {
		w.bDone = true
		return nil
	}
	if err != nil {
		return err
	}
	w.pendingB, w.haveB = v, true
	return nil
}

// Next returns the next merged pair in apath order, or io.EOF once
// both streams are exhausted.
func (w *Walker[A, B]) Next(ctx context.Context) (Pair[A, B], error) {
	if err := w.fillA(ctx); err != nil {
		return Pair[A, B]{}, err
	}
	if err := w.fillB(ctx); err != nil {
		return Pair[A, B]{}, err
	}

	switch {
	case !w.haveA && !w.haveB:
		return Pair[A, B]{}, io.EOF

	case w.haveA && !w.haveB:
		v := w.pendingA
		w.haveA = false
		return Pair[A, B]{Apath: v.PathOf(), Side: Left, Left: v}, nil

	case !w.haveA && w.haveB:
		v := w.pendingB
		w.haveB = false
		return Pair[A, B]{Apath: v.PathOf(), Side: Right, Right: v}, nil

	default:
		ap, bp := w.pendingA.PathOf(), w.pendingB.PathOf()
		switch apath.Compare(ap, bp) {
		case 0:
			av, bv := w.pendingA, w.pendingB
			w.haveA, w.haveB = false, false
			return Pair[A, B]{Apath: ap, Side: Both, Left: av, Right: bv}, nil
		case -1:
			av := w.pendingA
			w.haveA = false
			return Pair[A, B]{Apath: ap, Side: Left, Left: av}, nil
		default:
			bv := w.pendingB
			w.haveB = false
			return Pair[A, B]{Apath: bp, Side: Right, Right: bv}, nil
		}
	}
}
