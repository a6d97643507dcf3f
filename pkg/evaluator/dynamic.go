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
	"math"
	"strings"

	"github.com/vesselwatch/vesselwatch/pkg/rule"
	"github.com/vesselwatch/vesselwatch/pkg/vessel"
)

// Dynamic evaluates a composite condition against the record and the shared
// tracked-fields snapshot for the vessel. previous is nil when no snapshot
// exists yet; every state-dependent operator then short-circuits to not
// triggered, so the first record for a vessel can only seed history.
func Dynamic(r *vessel.Record, condition json.RawMessage, previous map[string]string) (Result, error) {
	var cond rule.DynamicCondition
	if err := json.Unmarshal(condition, &cond); err != nil {
		return Result{}, fmt.Errorf("dynamic condition: %w", err)
	}
	if len(cond.Conditions) == 0 {
		return Result{}, fmt.Errorf("dynamic condition without conditions")
	}
	logic := strings.ToUpper(strings.TrimSpace(cond.Logic))
	if logic == "" {
		logic = rule.LogicAnd
	}
	if logic != rule.LogicAnd && logic != rule.LogicOr {
		return Result{}, fmt.Errorf("dynamic condition: unknown logic %q", cond.Logic)
	}

	details := make([]map[string]any, 0, len(cond.Conditions))
	ctx := map[string]any{"logic": logic}
	allTrue, anyTrue := true, false

	for i := range cond.Conditions {
		c := &cond.Conditions[i]
		triggered, err := evalClause(r, c, previous)
		if err != nil {
			return Result{}, err
		}

		current, _ := r.Field(c.Field)
		detail := map[string]any{
			"field":     c.Field,
			"operator":  c.Operator,
			"triggered": triggered,
			"current":   current,
		}
		if c.ID != "" {
			detail["id"] = c.ID
		}
		if c.Value != nil {
			detail["value"] = c.ValueString()
		}
		prev, prevOK := previousValue(previous, c.Field)
		if prevOK {
			detail["previous"] = prev
		}
		details = append(details, detail)

		// Referenced fields are exposed for template rendering under their
		// own name, the previous value under previous_<field>.
		ctx[c.Field] = current
		if prevOK {
			ctx["previous_"+c.Field] = prev
		}

		allTrue = allTrue && triggered
		anyTrue = anyTrue || triggered
	}
	ctx["conditions"] = details

	res := Result{Context: ctx}
	if logic == rule.LogicAnd {
		res.Triggered = allTrue
	} else {
		res.Triggered = anyTrue
	}
	return res, nil
}

func evalClause(r *vessel.Record, c *rule.DynamicClause, previous map[string]string) (bool, error) {
	if c.Field == "" {
		return false, fmt.Errorf("dynamic clause without field")
	}
	op := strings.ToLower(strings.TrimSpace(c.Operator))
	current, curOK := r.Field(c.Field)
	prevVal, prevOK := previousValue(previous, c.Field)
	prevOK = prevOK && prevVal != ""

	switch op {
	case "eq":
		return curOK && scalarEqual(current, c.ValueString()), nil
	case "neq":
		return curOK && !scalarEqual(current, c.ValueString()), nil
	case "gt", "gte", "lt", "lte":
		cur, okCur := parseNumber(current)
		val, okVal := parseNumber(c.ValueString())
		if !curOK || !okCur || !okVal {
			return false, nil
		}
		switch op {
		case "gt":
			return cur > val, nil
		case "gte":
			return cur >= val, nil
		case "lt":
			return cur < val, nil
		default:
			return cur <= val, nil
		}
	case "in":
		return curOK && containsScalar(c.ValuesStrings(), current), nil
	case "not_in":
		return curOK && !containsScalar(c.ValuesStrings(), current), nil
	case "contains":
		return curOK && strings.Contains(strings.ToLower(current), strings.ToLower(strings.TrimSpace(c.ValueString()))), nil
	case "starts_with":
		return curOK && strings.HasPrefix(strings.ToLower(current), strings.ToLower(strings.TrimSpace(c.ValueString()))), nil
	case "changed":
		return changed(prevOK, prevVal, curOK, current), nil
	case "changed_to":
		return changed(prevOK, prevVal, curOK, current) && containsScalar(c.ValuesStrings(), current), nil
	case "changed_from":
		return changed(prevOK, prevVal, curOK, current) && containsScalar(c.ValuesStrings(), prevVal), nil
	case "changed_by":
		if c.Tolerance == nil {
			return false, fmt.Errorf("changed_by clause without tolerance")
		}
		if !prevOK || !curOK {
			return false, nil
		}
		prev, okPrev := parseNumber(prevVal)
		cur, okCur := parseNumber(current)
		if !okPrev || !okCur {
			return false, nil
		}
		return math.Abs(cur-prev) >= *c.Tolerance, nil
	case "crossed_above", "crossed_below":
		val, okVal := parseNumber(c.ValueString())
		if !okVal {
			return false, fmt.Errorf("%s clause without numeric value", op)
		}
		if !prevOK || !curOK {
			return false, nil
		}
		prev, okPrev := parseNumber(prevVal)
		cur, okCur := parseNumber(current)
		if !okPrev || !okCur {
			return false, nil
		}
		if op == "crossed_above" {
			return prev <= val && cur > val, nil
		}
		return prev >= val && cur < val, nil
	}
	return false, fmt.Errorf("dynamic clause: unknown operator %q", c.Operator)
}

// changed reports a value transition: both sides present and non-empty and
// not equal. Empty-to-value transitions are silent so newly tracked vessels
// do not fire change rules.
func changed(prevOK bool, prev string, curOK bool, cur string) bool {
	return prevOK && curOK && cur != "" && !scalarEqual(prev, cur)
}

func containsScalar(values []string, v string) bool {
	for _, e := range values {
		if scalarEqual(e, v) {
			return true
		}
	}
	return false
}

// previousValue looks up a tracked field case-insensitively, mirroring the
// record field lookup, so condition authors can use either naming style.
func previousValue(previous map[string]string, field string) (string, bool) {
	if v, ok := previous[field]; ok {
		return v, true
	}
	for k, v := range previous {
		if strings.EqualFold(k, field) {
			return v, true
		}
	}
	return "", false
}
