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

	"github.com/vesselwatch/vesselwatch/pkg/geofence"
	"github.com/vesselwatch/vesselwatch/pkg/rule"
	"github.com/vesselwatch/vesselwatch/pkg/vessel"
)

// Transition names for geofence results.
const (
	TransitionEntered = "entered"
	TransitionExited  = "exited"
)

// Geofence evaluates a geofence transition rule. prevInside is the stored
// inside flag from the last evaluation, nil on first observation. The first
// observation only seeds state and never fires; afterwards an enter
// transition is !prev && now and an exit transition is prev && !now. Records
// without a valid position evaluate as outside.
func Geofence(r *vessel.Record, g *geofence.Geofence, condition json.RawMessage, prevInside *bool) (Result, error) {
	if g == nil {
		return Result{}, fmt.Errorf("geofence rule without geofence")
	}
	var cond rule.GeofenceCondition
	if len(condition) > 0 {
		if err := json.Unmarshal(condition, &cond); err != nil {
			return Result{}, fmt.Errorf("geofence condition: %w", err)
		}
	}
	triggerOn := cond.TriggerOn
	if triggerOn == "" {
		triggerOn = rule.TriggerBoth
	}
	switch triggerOn {
	case rule.TriggerEnter, rule.TriggerExit, rule.TriggerBoth:
	default:
		return Result{}, fmt.Errorf("geofence condition: unknown triggerOn %q", triggerOn)
	}

	insideNow := false
	if r.HasPosition() {
		insideNow = g.Contains(*r.Latitude, *r.Longitude)
	}

	res := Result{
		State: map[string]any{"isInside": insideNow},
		Context: map[string]any{
			"isInside":     insideNow,
			"geofenceId":   g.ID,
			"geofenceName": g.Name,
		},
	}
	if prevInside == nil {
		// First observation seeds state only.
		return res, nil
	}
	switch {
	case !*prevInside && insideNow:
		res.Transition = TransitionEntered
		res.Triggered = triggerOn == rule.TriggerEnter || triggerOn == rule.TriggerBoth
	case *prevInside && !insideNow:
		res.Transition = TransitionExited
		res.Triggered = triggerOn == rule.TriggerExit || triggerOn == rule.TriggerBoth
	}
	if res.Transition != "" {
		res.Context["action"] = res.Transition
	}
	return res, nil
}
