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

// Package gcs implements transport.Transport against a Google Cloud
// Storage bucket, the same way objstore does for S3: relpaths map onto
// object names below a fixed prefix, and directories are synthetic,
// derived from "/"-delimited listings.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/coldvault/coldvault/transport"
)

// Config configures a connection to one bucket, optionally confined to
// a sub-prefix (mirroring the teacher cloudstorage backend's
// "bucket/dirPrefix" convention).
type Config struct {
	Bucket          string
	Prefix          string
	CredentialsFile string // empty uses application-default credentials
}

// Transport implements transport.Transport against one GCS bucket+prefix.
type Transport struct {
	client *storage.Client
	bucket string
	prefix string // "" or ends with "/"
}

// New returns a Transport backed by a GCS bucket, preflighting with a
// bucket Attrs call so a missing bucket or bad credentials surface at
// startup (grounded on the teacher cloudstorage backend's own startup
// `Attrs` call, there used to derive a storage generation value this
// module has no use for).
func New(ctx context.Context, cfg Config) (*Transport, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: creating client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		return nil, fmt.Errorf("gcs: bucket %q not reachable: %w", cfg.Bucket, err)
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Transport{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (t *Transport) key(relpath string) string {
	return t.prefix + relpath
}

func (t *Transport) obj(relpath string) *storage.ObjectHandle {
	return t.client.Bucket(t.bucket).Object(t.key(relpath))
}

func mapErr(err error, relpath string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", transport.ErrNotFound, relpath)
	}
	return err
}

func (t *Transport) Read(ctx context.Context, relpath string) ([]byte, error) {
	r, err := t.obj(relpath).NewReader(ctx)
	if err != nil {
		return nil, mapErr(err, relpath)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Write uploads data to relpath. CreateNew uses GCS's conditional
// If-Generation-Match(0) precondition, which (unlike S3) GCS honors
// atomically: the write fails server-side if any generation of the
// object already exists.
func (t *Transport) Write(ctx context.Context, relpath string, data []byte, mode transport.WriteMode) error {
	obj := t.obj(relpath)
	if mode == transport.CreateNew {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return mapErr(err, relpath)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%w: %s", transport.ErrAlreadyExists, relpath)
		}
		return mapErr(err, relpath)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	return strings.Contains(err.Error(), "googleapi: Error 412")
}

func (t *Transport) ListDir(ctx context.Context, relpath string) ([]transport.Info, []transport.Info, error) {
	dirPrefix := t.key(relpath)
	if dirPrefix != "" && !strings.HasSuffix(dirPrefix, "/") {
		dirPrefix += "/"
	}
	it := t.client.Bucket(t.bucket).Objects(ctx, &storage.Query{Prefix: dirPrefix, Delimiter: "/"})
	var files, subdirs []transport.Info
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, nil, mapErr(err, relpath)
		}
		if attrs.Prefix != "" {
			name := strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, dirPrefix), "/")
			if name != "" {
				subdirs = append(subdirs, transport.Info{Name: name, Kind: transport.KindDir})
			}
			continue
		}
		name := strings.TrimPrefix(attrs.Name, dirPrefix)
		if name == "" {
			continue
		}
		files = append(files, transport.Info{Name: name, Kind: transport.KindFile, Length: attrs.Size, Mtime: attrs.Updated})
	}
	return files, subdirs, nil
}

// CreateDir is a no-op: GCS has no real directories.
func (t *Transport) CreateDir(ctx context.Context, relpath string) error { return nil }

func (t *Transport) Metadata(ctx context.Context, relpath string) (transport.Info, error) {
	attrs, err := t.obj(relpath).Attrs(ctx)
	if err == nil {
		return transport.Info{Name: path.Base(relpath), Kind: transport.KindFile, Length: attrs.Size, Mtime: attrs.Updated}, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return transport.Info{}, mapErr(err, relpath)
	}
	it := t.client.Bucket(t.bucket).Objects(ctx, &storage.Query{Prefix: t.key(relpath) + "/"})
	if _, err := it.Next(); err == nil {
		return transport.Info{Name: path.Base(relpath), Kind: transport.KindDir}, nil
	}
	return transport.Info{}, fmt.Errorf("%w: %s", transport.ErrNotFound, relpath)
}

func (t *Transport) RemoveFile(ctx context.Context, relpath string) error {
	err := t.obj(relpath).Delete(ctx)
	return mapErr(err, relpath)
}

func (t *Transport) RemoveDirAll(ctx context.Context, relpath string) error {
	prefix := t.key(relpath)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	it := t.client.Bucket(t.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return mapErr(err, relpath)
		}
		if err := t.client.Bucket(t.bucket).Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return mapErr(err, relpath)
		}
	}
}

func (t *Transport) Chdir(relpath string) (transport.Transport, error) {
	return &Transport{client: t.client, bucket: t.bucket, prefix: t.key(relpath) + "/"}, nil
}

var _ transport.Transport = (*Transport)(nil)
