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

// Package codec implements the bounded-memory block-level compression
// used at rest for both stored blocks and index hunks.
//
// Compression is deterministic in the sense that the same uncompressed
// bytes always decompress back to themselves, but is not guaranteed to
// produce byte-identical compressed output across codec versions — hence
// block hashes (see internal/blockstore) are taken over uncompressed
// content, never over the compressed bytes on disk.
package codec

import (
	"bytes"
	"io"

	"github.com/klauspost/pgzip"

	"github.com/coldvault/coldvault/pkg/pools"
)

// blockSize bounds the memory pgzip uses per concurrent compression
// block; it is independent of, and much smaller than, the block store's
// own maximum block size.
const blockSize = 256 << 10

// Compress returns the gzip-compressed form of p.
func Compress(p []byte) ([]byte, error) {
	buf := pools.BytesBuffer()
	defer pools.PutBuffer(buf)

	zw, err := pgzip.NewWriterLevel(buf, pgzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if err := zw.SetConcurrency(blockSize, 1); err != nil {
		zw.Close()
		return nil, err
	}
	if _, err := zw.Write(p); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	// Copy out before the buffer goes back to the pool and gets reused.
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Decompress returns the uncompressed form of compressed.
func Decompress(compressed []byte) ([]byte, error) {
	zr, err := pgzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
