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

// Package transport defines the minimal storage capability the core
// consumes, so block store, index and archive lifecycle code never
// depend on a specific backend's wire dialect. Concrete backends live in
// sibling packages (localfs, objstore, gcs, sftpfs, memtransport) and are
// selected by the archive's caller, not by the core.
package transport

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// WriteMode controls how Write behaves when relpath already exists.
type WriteMode int

const (
	// CreateNew fails with ErrAlreadyExists if relpath exists. Used by
	// the block store so a lost creation race is detectable.
	CreateNew WriteMode = iota
	// Overwrite replaces relpath unconditionally.
	Overwrite
)

// Kind identifies the type of filesystem object named by a relpath.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// Info is the metadata returned by Metadata and by ListDir.
type Info struct {
	Name   string // base name, not a full relpath
	Kind   Kind
	Length int64
	// Mtime is the zero Time when a backend doesn't track it (not every
	// ListDir entry needs it); Metadata should always populate it.
	Mtime time.Time
}

// Transport is the capability the core needs from a storage backend.
// Relpaths use "/" as a separator and never contain "..". Every method
// may suspend on I/O; callers pass a context to allow cancellation
// between suspension points.
type Transport interface {
	Read(ctx context.Context, relpath string) ([]byte, error)
	Write(ctx context.Context, relpath string, data []byte, mode WriteMode) error
	ListDir(ctx context.Context, relpath string) (files []Info, subdirs []Info, err error)
	CreateDir(ctx context.Context, relpath string) error
	Metadata(ctx context.Context, relpath string) (Info, error)
	RemoveFile(ctx context.Context, relpath string) error
	RemoveDirAll(ctx context.Context, relpath string) error
	// Chdir returns a Transport rooted at relpath below this one.
	Chdir(relpath string) (Transport, error)
}

// Sentinel errors every backend must map its native errors onto, per
// spec: NotFound, AlreadyExists, PermissionDenied, Other. Other is
// represented by returning the backend error unwrapped.
var (
	ErrNotFound        = errors.New("transport: not found")
	ErrAlreadyExists   = errors.New("transport: already exists")
	ErrPermissionDenied = errors.New("transport: permission denied")
)

// IsNotFound reports whether err indicates a missing relpath, checking
// both our sentinel and the standard library's fs.ErrNotExist so
// backends built directly on os.* need no extra translation.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// IsAlreadyExists reports whether err indicates relpath already existed
// for a CreateNew write.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists) || errors.Is(err, fs.ErrExist)
}

// IsPermissionDenied reports whether err indicates the backend refused
// the operation for permission reasons.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, fs.ErrPermission)
}
