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

// Package evaluator implements the pure rule evaluation kernel. Every
// evaluator maps (record, previous state, condition) to a trigger decision
// plus a rendering context; no evaluator performs I/O. State needed to detect
// transitions is returned to the caller for persistence so evaluation stays
// replayable.
package evaluator

import (
	"strconv"
	"strings"
)

// Result is the outcome of evaluating one rule against one record.
type Result struct {
	// Triggered reports whether the rule fired for this record.
	Triggered bool
	// Transition names the observed state change ("entered", "exited") for
	// stateful evaluators; empty for stateless ones.
	Transition string
	// Context carries the values merged into the notification payload and
	// offered to template rendering.
	Context map[string]any
	// State is the rule state document to persist for the next evaluation.
	// Nil means the evaluator has no per-rule state to store.
	State map[string]any
}

// parseNumber parses a scalar rendered as string into a float64. Comparisons
// on non-numeric input evaluate to false rather than erroring.
func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
