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

// Package sourcetree walks a live filesystem tree as a backup source:
// each directory is read and sorted in full before its entries are
// returned, and direct children are yielded before any subdirectory is
// descended into, matching the apath order index hunks are stored in.
package sourcetree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/coldvault/coldvault/internal/apath"
	"github.com/coldvault/coldvault/internal/exclude"
	"github.com/coldvault/coldvault/internal/index"
)

// cacheTagSignature is the standard CACHEDIR.TAG magic prefix (see
// <https://bford.info/cachedir/>); a directory containing a file
// starting with this signature is treated as a cache and skipped.
const cacheTagSignature = "Signature: 8a477f597d28d172789f06886806bc55"

var errUnsupportedKind = errors.New("sourcetree: unsupported file kind")

// Entry describes one filesystem object encountered during a walk.
type Entry struct {
	Apath      apath.Apath
	Kind       index.Kind
	MtimeSec   int64
	MtimeNanos uint32
	UnixMode   *uint32
	User       string
	Group      string
	Size       uint64
	Target     string

	fullPath string
}

// PathOf returns e's apath, satisfying merge.Entry.
func (e Entry) PathOf() apath.Apath { return e.Apath }

// Open opens the file e refers to for reading. Valid only for
// index.KindFile entries.
func (e Entry) Open() (*os.File, error) {
	return os.Open(e.fullPath)
}

// Tree is a live source tree rooted at a directory on disk.
type Tree struct {
	root string

	mu    sync.Mutex
	users map[uint32]string
	groups map[uint32]string
}

// Open returns a Tree rooted at root, which must already exist.
func Open(root string) (*Tree, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("sourcetree: opening root: %w", err)
	}
	return &Tree{root: root, users: make(map[uint32]string), groups: make(map[uint32]string)}, nil
}

// Root returns the tree's root path.
func (t *Tree) Root() string { return t.root }

// Iter returns an Iterator over subtree (apath.Root for the whole
// tree), honoring excl (which may be nil).
func (t *Tree) Iter(subtree apath.Apath, excl *exclude.Set) (*Iterator, error) {
	startPath := t.fsPath(subtree)
	info, err := os.Lstat(startPath)
	if err != nil {
		return nil, fmt.Errorf("sourcetree: opening %s: %w", startPath, err)
	}
	root, err := t.entryFromFileInfo(subtree, startPath, info)
	if err != nil {
		return nil, err
	}
	return &Iterator{
		tree:       t,
		exclude:    excl,
		entryQueue: []Entry{root},
		dirQueue:   []apath.Apath{subtree},
	}, nil
}

func (t *Tree) fsPath(a apath.Apath) string {
	rel := strings.TrimPrefix(string(a), "/")
	return filepath.Join(t.root, filepath.FromSlash(rel))
}

// Iterator yields a tree's entries in apath order. A zero value is not
// usable; construct with Tree.Iter.
type Iterator struct {
	tree    *Tree
	exclude *exclude.Set

	entryQueue []Entry
	dirQueue   []apath.Apath

	checkOrder apath.CheckOrder

	// Errors counts directories and entries that could not be read or
	// stat'd; the walk continues past them.
	Errors int
}

// Next returns the next entry in apath order, or io.EOF once the tree
// is exhausted.
func (it *Iterator) Next(ctx context.Context) (Entry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}
		if len(it.entryQueue) > 0 {
			e := it.entryQueue[0]
			it.entryQueue = it.entryQueue[1:]
			it.checkOrder.Check(e.Apath)
			return e, nil
		}
		if len(it.dirQueue) > 0 {
			d := it.dirQueue[0]
			it.dirQueue = it.dirQueue[1:]
			it.visitDirectory(d)
			continue
		}
		return Entry{}, io.EOF
	}
}

// visitDirectory reads one directory and queues its children: direct
// entries first (os.ReadDir already returns them name-sorted), then
// its subdirectories pushed to the front of dirQueue so they are
// descended into, in order, before any previously pending directory.
func (it *Iterator) visitDirectory(parent apath.Apath) {
	dirPath := it.tree.fsPath(parent)
	dirEntries, err := os.ReadDir(dirPath)
	if err != nil {
		it.Errors++
		return
	}

	var entries []Entry
	var subdirs []apath.Apath
	for _, de := range dirEntries {
		childApath := parent.Append(de.Name())
		if it.exclude != nil && it.exclude.Matches(childApath) {
			continue
		}
		childPath := filepath.Join(dirPath, de.Name())
		info, err := os.Lstat(childPath)
		if err != nil {
			it.Errors++
			continue
		}
		if info.IsDir() && isCacheDir(childPath) {
			continue
		}
		entry, err := it.tree.entryFromFileInfo(childApath, childPath, info)
		if err != nil {
			if !errors.Is(err, errUnsupportedKind) {
				it.Errors++
			}
			continue
		}
		if info.IsDir() {
			subdirs = append(subdirs, childApath)
		}
		entries = append(entries, entry)
	}
	it.entryQueue = append(it.entryQueue, entries...)
	it.dirQueue = append(subdirs, it.dirQueue...)
}

// isCacheDir reports whether dirPath directly contains a CACHEDIR.TAG
// file with the standard signature.
func isCacheDir(dirPath string) bool {
	f, err := os.Open(filepath.Join(dirPath, "CACHEDIR.TAG"))
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, len(cacheTagSignature))
	n, _ := io.ReadFull(f, buf)
	return n == len(buf) && string(buf) == cacheTagSignature
}

func (t *Tree) entryFromFileInfo(a apath.Apath, path string, info os.FileInfo) (Entry, error) {
	mtime := info.ModTime()
	e := Entry{
		Apath:      a,
		MtimeSec:   mtime.Unix(),
		MtimeNanos: uint32(mtime.Nanosecond()),
		fullPath:   path,
	}
	mode := info.Mode()
	switch {
	case mode.IsRegular():
		e.Kind = index.KindFile
		e.Size = uint64(info.Size())
	case mode.IsDir():
		e.Kind = index.KindDir
	case mode&os.ModeSymlink != 0:
		e.Kind = index.KindSymlink
		target, err := os.Readlink(path)
		if err != nil {
			return Entry{}, fmt.Errorf("sourcetree: reading symlink target of %s: %w", path, err)
		}
		e.Target = target
	default:
		return Entry{}, errUnsupportedKind
	}
	t.populateOwner(&e, info)
	return e, nil
}

func (t *Tree) lookupUser(uid uint32) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if name, ok := t.users[uid]; ok {
		return name
	}
	name := ""
	if u, err := userLookupID(strconv.FormatUint(uint64(uid), 10)); err == nil {
		name = u
	}
	t.users[uid] = name
	return name
}

func (t *Tree) lookupGroup(gid uint32) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if name, ok := t.groups[gid]; ok {
		return name
	}
	name := ""
	if g, err := groupLookupID(strconv.FormatUint(uint64(gid), 10)); err == nil {
		name = g
	}
	t.groups[gid] = name
	return name
}
