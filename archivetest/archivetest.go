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

// Package archivetest holds fixtures shared by this module's other
// packages' tests: a transport contract suite any backend can be run
// against, a local-tree builder for backup/restore fixtures, and a
// content-hash helper matching the block store's own hash. Grounded on
// the teacher's pkg/blobserver/storagetest, which runs one battery of
// enumerate/stat/fetch checks against whatever blobserver.Storage a
// test supplies, generalized here to transport.Transport's narrower
// byte-blob contract.
package archivetest

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/blake2b"

	"github.com/coldvault/coldvault/transport"
)

// Hash returns the lowercase hex BLAKE2b-512 hash of data, the same
// function the block store uses to name blocks, so tests can predict
// expected block filenames without reaching into blockstore internals.
func Hash(data []byte) string {
	sum := blake2b.Sum512(data)
	return hex.EncodeToString(sum[:])
}

// WriteTree materializes files (relative path -> content) under root,
// creating parent directories as needed.
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o777); err != nil {
			t.Fatalf("archivetest: MkdirAll %s: %v", filepath.Dir(full), err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("archivetest: WriteFile %s: %v", full, err)
		}
	}
}

// TransportFactory constructs a fresh, empty transport.Transport for
// one subtest, and a cleanup function to release any resources it
// holds (a temp directory, a network connection). Implementations
// backed by a real network service are expected to skip via t.Skip
// when no credentials/server are configured, rather than fail.
type TransportFactory func(t *testing.T) (tr transport.Transport, cleanup func())

// TransportContract runs the read/write/list/remove behavior every
// transport.Transport implementation must satisfy against a backend
// supplied by newTransport. Concrete backend packages (localfs,
// memtransport today; objstore, gcs, sftpfs once a live endpoint is
// available) call this from their own tests instead of duplicating the
// contract checks.
func TransportContract(t *testing.T, newTransport TransportFactory) {
	t.Helper()

	t.Run("WriteThenRead", func(t *testing.T) {
		tr, cleanup := newTransport(t)
		defer cleanup()
		ctx := context.Background()
		if err := tr.Write(ctx, "a/b/c", []byte("hello"), transport.CreateNew); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, err := tr.Read(ctx, "a/b/c")
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(got) != "hello" {
			t.Errorf("Read = %q, want %q", got, "hello")
		}
	})

	t.Run("CreateNewFailsOnCollision", func(t *testing.T) {
		tr, cleanup := newTransport(t)
		defer cleanup()
		ctx := context.Background()
		if err := tr.Write(ctx, "f", []byte("one"), transport.CreateNew); err != nil {
			t.Fatalf("first Write: %v", err)
		}
		err := tr.Write(ctx, "f", []byte("two"), transport.CreateNew)
		if !transport.IsAlreadyExists(err) {
			t.Fatalf("second Write err = %v, want IsAlreadyExists", err)
		}
	})

	t.Run("OverwriteReplacesContent", func(t *testing.T) {
		tr, cleanup := newTransport(t)
		defer cleanup()
		ctx := context.Background()
		if err := tr.Write(ctx, "f", []byte("one"), transport.CreateNew); err != nil {
			t.Fatalf("first Write: %v", err)
		}
		if err := tr.Write(ctx, "f", []byte("two"), transport.Overwrite); err != nil {
			t.Fatalf("Overwrite: %v", err)
		}
		got, err := tr.Read(ctx, "f")
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(got) != "two" {
			t.Errorf("Read after overwrite = %q, want %q", got, "two")
		}
	})

	t.Run("ReadMissingIsNotFound", func(t *testing.T) {
		tr, cleanup := newTransport(t)
		defer cleanup()
		if _, err := tr.Read(context.Background(), "nope"); !transport.IsNotFound(err) {
			t.Fatalf("Read of missing relpath err = %v, want IsNotFound", err)
		}
	})

	t.Run("ListDirSplitsFilesAndSubdirs", func(t *testing.T) {
		tr, cleanup := newTransport(t)
		defer cleanup()
		ctx := context.Background()
		if err := tr.Write(ctx, "dir/file.txt", []byte("x"), transport.CreateNew); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := tr.Write(ctx, "top.txt", []byte("y"), transport.CreateNew); err != nil {
			t.Fatalf("Write: %v", err)
		}
		files, subdirs, err := tr.ListDir(ctx, "")
		if err != nil {
			t.Fatalf("ListDir: %v", err)
		}
		if !containsName(files, "top.txt") {
			t.Errorf("files = %v, want top.txt", names(files))
		}
		if !containsName(subdirs, "dir") {
			t.Errorf("subdirs = %v, want dir", names(subdirs))
		}
	})

	t.Run("MetadataReportsLength", func(t *testing.T) {
		tr, cleanup := newTransport(t)
		defer cleanup()
		ctx := context.Background()
		if err := tr.Write(ctx, "f", []byte("hello"), transport.CreateNew); err != nil {
			t.Fatalf("Write: %v", err)
		}
		info, err := tr.Metadata(ctx, "f")
		if err != nil {
			t.Fatalf("Metadata: %v", err)
		}
		if info.Length != int64(len("hello")) {
			t.Errorf("Length = %d, want %d", info.Length, len("hello"))
		}
	})

	t.Run("RemoveFileThenReadIsNotFound", func(t *testing.T) {
		tr, cleanup := newTransport(t)
		defer cleanup()
		ctx := context.Background()
		if err := tr.Write(ctx, "f", []byte("x"), transport.CreateNew); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := tr.RemoveFile(ctx, "f"); err != nil {
			t.Fatalf("RemoveFile: %v", err)
		}
		if _, err := tr.Read(ctx, "f"); !transport.IsNotFound(err) {
			t.Fatalf("Read after RemoveFile err = %v, want IsNotFound", err)
		}
	})

	t.Run("RemoveDirAllRemovesEverythingUnder", func(t *testing.T) {
		tr, cleanup := newTransport(t)
		defer cleanup()
		ctx := context.Background()
		if err := tr.Write(ctx, "dir/a", []byte("x"), transport.CreateNew); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := tr.Write(ctx, "dir/sub/b", []byte("y"), transport.CreateNew); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := tr.RemoveDirAll(ctx, "dir"); err != nil {
			t.Fatalf("RemoveDirAll: %v", err)
		}
		if _, err := tr.Read(ctx, "dir/a"); !transport.IsNotFound(err) {
			t.Fatalf("Read dir/a after RemoveDirAll err = %v, want IsNotFound", err)
		}
		if _, err := tr.Read(ctx, "dir/sub/b"); !transport.IsNotFound(err) {
			t.Fatalf("Read dir/sub/b after RemoveDirAll err = %v, want IsNotFound", err)
		}
	})

	t.Run("ChdirRootsRelpaths", func(t *testing.T) {
		tr, cleanup := newTransport(t)
		defer cleanup()
		ctx := context.Background()
		sub, err := tr.Chdir("dir")
		if err != nil {
			t.Fatalf("Chdir: %v", err)
		}
		if err := sub.Write(ctx, "f", []byte("z"), transport.CreateNew); err != nil {
			t.Fatalf("Write through Chdir: %v", err)
		}
		got, err := tr.Read(ctx, "dir/f")
		if err != nil {
			t.Fatalf("Read via original root: %v", err)
		}
		if string(got) != "z" {
			t.Errorf("Read = %q, want %q", got, "z")
		}
	})
}

func names(infos []transport.Info) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

func containsName(infos []transport.Info, name string) bool {
	for _, info := range infos {
		if info.Name == name {
			return true
		}
	}
	return false
}
