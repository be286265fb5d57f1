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

package restore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/coldvault/coldvault/backup"
	"github.com/coldvault/coldvault/internal/apath"
	"github.com/coldvault/coldvault/internal/exclude"
	"github.com/coldvault/coldvault/transport/memtransport"
)

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o777); err != nil {
		t.Fatalf("MkdirAll(%q): %v", path, err)
	}
}

func mustWriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile(%q): %v", path, err)
	}
}

func TestRestoreSimple(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	mustWriteFile(t, filepath.Join(src, "hello"), []byte("hi there"))
	mustMkdir(t, filepath.Join(src, "subdir"))
	mustWriteFile(t, filepath.Join(src, "subdir", "subfile"), []byte("nested"))

	archiveTr := memtransport.New()
	if _, err := backup.Run(ctx, archiveTr, src, backup.Options{}, nil); err != nil {
		t.Fatalf("backup.Run: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "dest")
	var restored []apath.Apath
	opts := Options{OnChange: func(a apath.Apath) error { restored = append(restored, a); return nil }}
	stats, err := Run(ctx, archiveTr, dest, opts, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Files != 2 {
		t.Errorf("stats.Files = %d, want 2", stats.Files)
	}

	got, err := os.ReadFile(filepath.Join(dest, "hello"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hi there" {
		t.Errorf("hello content = %q, want %q", got, "hi there")
	}
	got, err = os.ReadFile(filepath.Join(dest, "subdir", "subfile"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "nested" {
		t.Errorf("subfile content = %q, want %q", got, "nested")
	}
	if fi, err := os.Stat(filepath.Join(dest, "subdir")); err != nil || !fi.IsDir() {
		t.Errorf("subdir not restored as a directory: %v %v", fi, err)
	}
}

func TestRestoreDeclinesNonEmptyDestination(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	mustWriteFile(t, filepath.Join(src, "hello"), []byte("hi"))

	archiveTr := memtransport.New()
	if _, err := backup.Run(ctx, archiveTr, src, backup.Options{}, nil); err != nil {
		t.Fatalf("backup.Run: %v", err)
	}

	dest := t.TempDir()
	mustWriteFile(t, filepath.Join(dest, "existing"), []byte("already here"))

	_, err := Run(ctx, archiveTr, dest, Options{}, nil)
	var notEmpty *ErrDestinationNotEmpty
	if err == nil {
		t.Fatalf("Run succeeded, want ErrDestinationNotEmpty")
	}
	if !asErrDestinationNotEmpty(err, &notEmpty) {
		t.Errorf("err = %v, want *ErrDestinationNotEmpty", err)
	}
}

func asErrDestinationNotEmpty(err error, target **ErrDestinationNotEmpty) bool {
	e, ok := err.(*ErrDestinationNotEmpty)
	if ok {
		*target = e
	}
	return ok
}

func TestRestoreForcedOverwrite(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	mustWriteFile(t, filepath.Join(src, "hello"), []byte("hi"))

	archiveTr := memtransport.New()
	if _, err := backup.Run(ctx, archiveTr, src, backup.Options{}, nil); err != nil {
		t.Fatalf("backup.Run: %v", err)
	}

	dest := t.TempDir()
	mustWriteFile(t, filepath.Join(dest, "existing"), []byte("already here"))

	stats, err := Run(ctx, archiveTr, dest, Options{Overwrite: true}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Files != 1 {
		t.Errorf("stats.Files = %d, want 1", stats.Files)
	}
	if _, err := os.Stat(filepath.Join(dest, "existing")); err != nil {
		t.Errorf("pre-existing file was removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "hello")); err != nil {
		t.Errorf("hello was not restored: %v", err)
	}
}

func TestRestoreExcludesMatchingFiles(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	mustWriteFile(t, filepath.Join(src, "hello"), []byte("hi"))
	mustMkdir(t, filepath.Join(src, "subdir"))
	mustWriteFile(t, filepath.Join(src, "subdir", "subfile"), []byte("nested"))

	archiveTr := memtransport.New()
	if _, err := backup.Run(ctx, archiveTr, src, backup.Options{}, nil); err != nil {
		t.Fatalf("backup.Run: %v", err)
	}

	excl, err := exclude.New([]string{"**/subfile"})
	if err != nil {
		t.Fatalf("exclude.New: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "dest")
	stats, err := Run(ctx, archiveTr, dest, Options{Exclude: excl}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Files != 1 {
		t.Errorf("stats.Files = %d, want 1", stats.Files)
	}
	if _, err := os.Stat(filepath.Join(dest, "subdir", "subfile")); !os.IsNotExist(err) {
		t.Errorf("subfile should have been excluded, stat err = %v", err)
	}
}

func TestRestoreOnlySubtreeCreatesMissingParents(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	mustMkdir(t, filepath.Join(src, "parent", "sub"))
	mustWriteFile(t, filepath.Join(src, "parent", "sub", "file"), []byte("hello"))

	archiveTr := memtransport.New()
	if _, err := backup.Run(ctx, archiveTr, src, backup.Options{}, nil); err != nil {
		t.Fatalf("backup.Run: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "dest")
	opts := Options{Subtree: apath.MustParse("/parent/sub")}
	stats, err := Run(ctx, archiveTr, dest, opts, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Files != 1 {
		t.Errorf("stats.Files = %d, want 1", stats.Files)
	}
	if fi, err := os.Stat(filepath.Join(dest, "parent")); err != nil || !fi.IsDir() {
		t.Errorf("parent directory missing: %v %v", fi, err)
	}
	if _, err := os.Stat(filepath.Join(dest, "parent", "sub", "file")); err != nil {
		t.Errorf("file missing: %v", err)
	}
}

func TestRestoreSpecifiedVersion(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	mustWriteFile(t, filepath.Join(src, "hello"), []byte("v1"))

	archiveTr := memtransport.New()
	id1, err := backup.Run(ctx, archiveTr, src, backup.Options{}, nil)
	if err != nil {
		t.Fatalf("first backup.Run: %v", err)
	}
	mustWriteFile(t, filepath.Join(src, "hello2"), []byte("v2"))
	if _, err := backup.Run(ctx, archiveTr, src, backup.Options{}, nil); err != nil {
		t.Fatalf("second backup.Run: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "dest")
	opts := Options{Select: Specified, BandID: id1}
	stats, err := Run(ctx, archiveTr, dest, opts, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Files != 1 {
		t.Errorf("stats.Files = %d, want 1 (only the first version's file)", stats.Files)
	}
	if _, err := os.Stat(filepath.Join(dest, "hello2")); !os.IsNotExist(err) {
		t.Errorf("hello2 should not exist when restoring the first version, stat err = %v", err)
	}
}
