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

// Change evaluates the single-field change rule. previous is the last
// observed value for the field, empty when none was recorded yet: the
// empty-to-value transition seeds state silently, so a vessel appearing for
// the first time never fires. From/To lists are wildcard patterns; an empty
// list places no constraint on that side.
func Change(r *vessel.Record, condition json.RawMessage, previous string) (Result, error) {
	var cond rule.ChangeCondition
	if err := json.Unmarshal(condition, &cond); err != nil {
		return Result{}, fmt.Errorf("change condition: %w", err)
	}
	if cond.Field == "" {
		return Result{}, fmt.Errorf("change condition without field")
	}

	current, _ := r.Field(cond.Field)

	res := Result{
		Context: map[string]any{
			"field":         cond.Field,
			"previousValue": previous,
			"currentValue":  current,
		},
	}
	if current != "" {
		res.State = map[string]any{"value": current}
	}

	if previous == "" || current == "" {
		return res, nil
	}
	if rule.EqualFold(previous, current) {
		return res, nil
	}
	if len(cond.From) > 0 && !rule.MatchAny(cond.From, previous) {
		return res, nil
	}
	if len(cond.To) > 0 && !rule.MatchAny(cond.To, current) {
		return res, nil
	}
	res.Triggered = true
	res.Transition = "changed"
	return res, nil
}
