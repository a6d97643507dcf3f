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

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Geofence transition selectors.
const (
	TriggerEnter = "enter"
	TriggerExit  = "exit"
	TriggerBoth  = "both"
)

// GeofenceCondition configures a geofence rule.
type GeofenceCondition struct {
	TriggerOn string `json:"triggerOn"`
}

// CompareCondition configures a stateless scalar predicate rule.
type CompareCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // gt, gte, lt, lte, eq
	Value    any    `json:"value"`
}

// ChangeCondition configures the legacy single-field change rule. From and To
// entries are wildcard patterns (see MatchPattern); an empty list means no
// constraint on that side.
type ChangeCondition struct {
	Field string   `json:"field"`
	From  []string `json:"from,omitempty"`
	To    []string `json:"to,omitempty"`
}

// Composite logic connectors.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// DynamicCondition composes per-field clauses with AND/OR logic.
type DynamicCondition struct {
	Logic      string          `json:"logic"`
	Conditions []DynamicClause `json:"conditions"`
}

// DynamicClause is one condition of a composite rule. Value, Values and
// Tolerance are populated depending on the operator.
type DynamicClause struct {
	ID        string   `json:"id,omitempty"`
	Field     string   `json:"field"`
	Operator  string   `json:"operator"`
	Value     any      `json:"value,omitempty"`
	Values    []any    `json:"values,omitempty"`
	Tolerance *float64 `json:"tolerance,omitempty"`
}

// ValueString renders the clause value for textual comparison.
func (c *DynamicClause) ValueString() string {
	return ScalarString(c.Value)
}

// ValuesStrings renders the clause value set for membership checks.
func (c *DynamicClause) ValuesStrings() []string {
	out := make([]string, 0, len(c.Values))
	for _, v := range c.Values {
		out = append(out, ScalarString(v))
	}
	return out
}

// ScalarString renders a decoded JSON scalar the way record fields render
// themselves, so "0" compares equal to 0 and "true" to true.
func ScalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}

// EqualFold compares two scalar strings case-insensitively after trimming,
// the equality every textual operator is built on.
func EqualFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
