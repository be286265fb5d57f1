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

// Package exclude implements gitignore-style glob matching against
// apaths, consumed by the backup driver's source walk, the restore
// driver, and the stitcher's entry filter.
//
// A pattern starting with "/" matches only the full apath from the
// root. A pattern without a leading slash matches as a suffix anywhere
// in the tree. Every pattern also excludes everything below a matching
// directory.
package exclude

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/coldvault/coldvault/internal/apath"
)

// Set is an immutable collection of exclude patterns.
type Set struct {
	globs []glob.Glob
}

// None matches nothing: every apath is included.
func None() *Set { return &Set{} }

// New compiles patterns into a Set.
func New(patterns []string) (*Set, error) {
	s := &Set{}
	for _, p := range patterns {
		if err := s.addPattern(p); err != nil {
			return nil, fmt.Errorf("exclude: pattern %q: %w", p, err)
		}
	}
	return s, nil
}

// ParseLines builds a Set from newline-separated pattern text such as
// the contents of an exclude file: blank lines and lines starting with
// "#" are skipped.
func ParseLines(text string) (*Set, error) {
	var patterns []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return New(patterns)
}

func (s *Set) addPattern(pattern string) error {
	if !strings.HasPrefix(pattern, "/") {
		pattern = "**/" + pattern
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return err
	}
	descendants, err := glob.Compile(pattern+"/**", '/')
	if err != nil {
		return err
	}
	s.globs = append(s.globs, g, descendants)
	return nil
}

// Matches reports whether a should be excluded.
func (s *Set) Matches(a apath.Apath) bool {
	str := string(a)
	for _, g := range s.globs {
		if g.Match(str) {
			return true
		}
	}
	return false
}
