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

package monitor

import (
	"errors"
	"testing"
)

func TestCountingAccumulates(t *testing.T) {
	m := NewCounting()
	m.Count(CounterFiles, 3)
	m.Count(CounterFiles, 2)
	m.Error(errors.New("boom"))

	if got := m.CountOf(CounterFiles); got != 5 {
		t.Errorf("CountOf(files) = %d, want 5", got)
	}
	if got := len(m.Errors()); got != 1 {
		t.Errorf("len(Errors()) = %d, want 1", got)
	}
}

func TestDiscardIgnoresEverything(t *testing.T) {
	Discard.Error(errors.New("ignored"))
	Discard.Count(CounterFiles, 100)
}
