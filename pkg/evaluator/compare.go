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

package evaluator

import (
	"encoding/json"
	"fmt"

	"github.com/vesselwatch/vesselwatch/pkg/rule"
	"github.com/vesselwatch/vesselwatch/pkg/vessel"
)

// Compare evaluates a stateless scalar predicate. It fires on every record
// satisfying the predicate; debouncing is the business of the stateful
// evaluators.
func Compare(r *vessel.Record, condition json.RawMessage) (Result, error) {
	var cond rule.CompareCondition
	if err := json.Unmarshal(condition, &cond); err != nil {
		return Result{}, fmt.Errorf("compare condition: %w", err)
	}
	if cond.Field == "" {
		return Result{}, fmt.Errorf("compare condition without field")
	}

	current, ok := r.Field(cond.Field)
	threshold := rule.ScalarString(cond.Value)

	res := Result{
		Context: map[string]any{
			"field":        cond.Field,
			"operator":     cond.Operator,
			"threshold":    threshold,
			"currentValue": current,
		},
	}
	if !ok {
		return res, nil
	}

	switch cond.Operator {
	case "eq":
		res.Triggered = scalarEqual(current, threshold)
	case "gt", "gte", "lt", "lte":
		cur, okCur := parseNumber(current)
		thr, okThr := parseNumber(threshold)
		if !okCur || !okThr {
			return res, nil
		}
		switch cond.Operator {
		case "gt":
			res.Triggered = cur > thr
		case "gte":
			res.Triggered = cur >= thr
		case "lt":
			res.Triggered = cur < thr
		case "lte":
			res.Triggered = cur <= thr
		}
	default:
		return Result{}, fmt.Errorf("compare condition: unknown operator %q", cond.Operator)
	}
	return res, nil
}

// scalarEqual compares two scalars numerically when both parse as numbers,
// else case-insensitively as text, so "15.0" equals "15" and "Moored"
// equals "moored".
func scalarEqual(a, b string) bool {
	na, okA := parseNumber(a)
	nb, okB := parseNumber(b)
	if okA && okB {
		return na == nb
	}
	return rule.EqualFold(a, b)
}
