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

// Package monitor defines the progress/error sink consumed by the
// backup, restore, gc and validate drivers (spec §4.7 "reported via the
// monitor"): non-fatal, per-entry errors are reported through it rather
// than aborting the operation, and counters track how much work has
// been done.
package monitor

import "sync"

// Counter names a running total a driver reports progress through.
type Counter string

const (
	CounterFiles          Counter = "files"
	CounterFileBytes      Counter = "file_bytes"
	CounterDirs           Counter = "dirs"
	CounterSymlinks       Counter = "symlinks"
	CounterUnsupported    Counter = "unsupported"
	CounterExclusions     Counter = "exclusions"
	CounterBlocksRead     Counter = "blocks_read"
	CounterBlocksWritten  Counter = "blocks_written"
	CounterIndexErrors    Counter = "index_errors"
	CounterMetadataErrors Counter = "metadata_errors"
)

// Monitor receives non-fatal errors and progress counts from a
// long-running operation. Its Error(err error) method satisfies
// stitch.ErrorSink structurally, so a Monitor can be passed anywhere a
// Stitcher wants an error sink without either package importing the
// other.
type Monitor interface {
	Error(err error)
	Count(c Counter, n int)
}

// Discard is a Monitor that does nothing, for callers that don't care
// about progress or errors (tests, one-shot scripts).
var Discard Monitor = discardMonitor{}

type discardMonitor struct{}

func (discardMonitor) Error(error)         {}
func (discardMonitor) Count(Counter, int) {}

// Counting is a Monitor that records every error and accumulates
// counter totals, for tests and for front ends that render their own
// progress from the final tally.
type Counting struct {
	mu     sync.Mutex
	errors []error
	counts map[Counter]int
}

// NewCounting returns an empty Counting monitor.
func NewCounting() *Counting {
	return &Counting{counts: make(map[Counter]int)}
}

func (m *Counting) Error(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, err)
}

func (m *Counting) Count(c Counter, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[c] += n
}

// Errors returns every error reported so far, in order.
func (m *Counting) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.errors...)
}

// CountOf returns the running total for c.
func (m *Counting) CountOf(c Counter) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[c]
}
