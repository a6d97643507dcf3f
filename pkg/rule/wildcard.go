// Copyright 2024 The Vesselwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rule

import "strings"

// MatchPattern matches a value against one wildcard pattern. The grammar is
// four cases only, no regular expressions: "*x*" contains, "*x" ends-with,
// "x*" starts-with, "x" exact. Matching is case-insensitive on both sides.
func MatchPattern(pattern, value string) bool {
	p := strings.ToLower(strings.TrimSpace(pattern))
	v := strings.ToLower(strings.TrimSpace(value))

	switch {
	case strings.HasPrefix(p, "*") && strings.HasSuffix(p, "*") && len(p) >= 2:
		return strings.Contains(v, strings.Trim(p, "*"))
	case strings.HasPrefix(p, "*"):
		return strings.HasSuffix(v, strings.TrimPrefix(p, "*"))
	case strings.HasSuffix(p, "*"):
		return strings.HasPrefix(v, strings.TrimSuffix(p, "*"))
	default:
		return v == p
	}
}

// MatchAny reports whether any pattern in the list matches the value. An
// empty list matches nothing; callers treat "no patterns configured" as "no
// constraint" before calling.
func MatchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if MatchPattern(p, value) {
			return true
		}
	}
	return false
}
