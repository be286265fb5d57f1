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

// Package memtransport implements transport.Transport backed by an
// in-memory map guarded by a single mutex, for use in tests that
// exercise the block store, index, backup and restore drivers without
// touching a real filesystem.
package memtransport

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coldvault/coldvault/transport"
)

// Transport is an in-memory transport.Transport rooted at prefix (empty
// for the top level).
type Transport struct {
	shared *shared
	prefix string
}

type shared struct {
	mu     sync.RWMutex
	data   map[string][]byte
	mtimes map[string]time.Time
	dirs   map[string]bool
}

// New returns an empty in-memory Transport.
func New() *Transport {
	return &Transport{shared: &shared{
		data:   make(map[string][]byte),
		mtimes: make(map[string]time.Time),
		dirs:   map[string]bool{"": true},
	}}
}

func (t *Transport) full(relpath string) string {
	return path.Join(t.prefix, relpath)
}

func (t *Transport) Read(_ context.Context, relpath string) ([]byte, error) {
	full := t.full(relpath)
	t.shared.mu.RLock()
	defer t.shared.mu.RUnlock()
	b, ok := t.shared.data[full]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrNotFound, relpath)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (t *Transport) Write(_ context.Context, relpath string, data []byte, mode transport.WriteMode) error {
	full := t.full(relpath)
	t.shared.mu.Lock()
	defer t.shared.mu.Unlock()
	if mode == transport.CreateNew {
		if _, ok := t.shared.data[full]; ok {
			return fmt.Errorf("%w: %s", transport.ErrAlreadyExists, relpath)
		}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.shared.data[full] = cp
	t.shared.mtimes[full] = time.Now()
	for dir := path.Dir(full); dir != "." && dir != "/"; dir = path.Dir(dir) {
		t.shared.dirs[dir] = true
	}
	t.shared.dirs[""] = true
	return nil
}

func (t *Transport) ListDir(_ context.Context, relpath string) ([]transport.Info, []transport.Info, error) {
	full := t.full(relpath)
	t.shared.mu.RLock()
	defer t.shared.mu.RUnlock()

	seenDirs := map[string]bool{}
	var files, subdirs []transport.Info
	prefix := full
	if prefix != "" {
		prefix += "/"
	}
	for name, b := range t.shared.data {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if rest == "" {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			dirName := rest[:i]
			if !seenDirs[dirName] {
				seenDirs[dirName] = true
				subdirs = append(subdirs, transport.Info{Name: dirName, Kind: transport.KindDir})
			}
			continue
		}
		files = append(files, transport.Info{Name: rest, Kind: transport.KindFile, Length: int64(len(b)), Mtime: t.shared.mtimes[name]})
	}
	for dir := range t.shared.dirs {
		if !strings.HasPrefix(dir, prefix) || dir == full {
			continue
		}
		rest := strings.TrimPrefix(dir, prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		if !seenDirs[rest] {
			seenDirs[rest] = true
			subdirs = append(subdirs, transport.Info{Name: rest, Kind: transport.KindDir})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	sort.Slice(subdirs, func(i, j int) bool { return subdirs[i].Name < subdirs[j].Name })
	return files, subdirs, nil
}

func (t *Transport) CreateDir(_ context.Context, relpath string) error {
	full := t.full(relpath)
	t.shared.mu.Lock()
	defer t.shared.mu.Unlock()
	t.shared.dirs[full] = true
	return nil
}

func (t *Transport) Metadata(_ context.Context, relpath string) (transport.Info, error) {
	full := t.full(relpath)
	t.shared.mu.RLock()
	defer t.shared.mu.RUnlock()
	if b, ok := t.shared.data[full]; ok {
		return transport.Info{Name: path.Base(full), Kind: transport.KindFile, Length: int64(len(b)), Mtime: t.shared.mtimes[full]}, nil
	}
	if t.shared.dirs[full] {
		return transport.Info{Name: path.Base(full), Kind: transport.KindDir}, nil
	}
	return transport.Info{}, fmt.Errorf("%w: %s", transport.ErrNotFound, relpath)
}

func (t *Transport) RemoveFile(_ context.Context, relpath string) error {
	full := t.full(relpath)
	t.shared.mu.Lock()
	defer t.shared.mu.Unlock()
	if _, ok := t.shared.data[full]; !ok {
		return fmt.Errorf("%w: %s", transport.ErrNotFound, relpath)
	}
	delete(t.shared.data, full)
	delete(t.shared.mtimes, full)
	return nil
}

func (t *Transport) RemoveDirAll(_ context.Context, relpath string) error {
	full := t.full(relpath)
	t.shared.mu.Lock()
	defer t.shared.mu.Unlock()
	prefix := full + "/"
	for name := range t.shared.data {
		if name == full || strings.HasPrefix(name, prefix) {
			delete(t.shared.data, name)
			delete(t.shared.mtimes, name)
		}
	}
	for dir := range t.shared.dirs {
		if dir == full || strings.HasPrefix(dir, prefix) {
			delete(t.shared.dirs, dir)
		}
	}
	return nil
}

func (t *Transport) Chdir(relpath string) (transport.Transport, error) {
	return &Transport{shared: t.shared, prefix: t.full(relpath)}, nil
}

var _ transport.Transport = (*Transport)(nil)
