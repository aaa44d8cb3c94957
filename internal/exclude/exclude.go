// Copyright 2021 Tetrate
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package exclude matches assembled-tree paths against --exclude glob
// patterns, per spec.md §4.3: "*" matches a single path segment's
// characters excluding "/"; "**" matches across separators. The standard
// library's path.Match and filepath.Match cannot express the "**"
// cross-separator case, so this is backed by doublestar, same as the glob
// matching used across the wider OCI tooling ecosystem this project draws
// its dependency stack from.
package exclude

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher tests paths against a fixed set of patterns.
type Matcher struct {
	patterns []string
}

// New validates each pattern up front so a typo surfaces as a usage error
// before any layer is downloaded.
func New(patterns []string) (*Matcher, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	cp := make([]string, len(patterns))
	copy(cp, patterns)
	return &Matcher{patterns: cp}, nil
}

// Matches reports whether path (canonical, no leading slash) matches any
// configured pattern.
func (m *Matcher) Matches(path string) bool {
	for _, p := range m.patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}
