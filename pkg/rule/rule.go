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

// Package rule defines the notification rule catalog model: notification
// types, client rules, their filter and condition documents, and the wildcard
// pattern grammar shared by the evaluators.
package rule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vesselwatch/vesselwatch/pkg/geofence"
	"github.com/vesselwatch/vesselwatch/pkg/vessel"
)

// DataSourceVesselState is the only record stream this processor evaluates.
const DataSourceVesselState = "vessel.state"

// EvaluatorKind is the closed set of evaluator families a notification type
// can reference. New evaluators are additive.
type EvaluatorKind string

const (
	EvalGeofence EvaluatorKind = "geofence"
	EvalCompare  EvaluatorKind = "compare"
	EvalChange   EvaluatorKind = "change"
	EvalDynamic  EvaluatorKind = "dynamic"
)

// Template holds the title and message format strings with {{field}}
// placeholders.
type Template struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// StateTracking controls whether per-(rule, entity) state documents are
// persisted for rules of a type.
type StateTracking struct {
	Enabled bool `json:"enabled"`
}

// NotificationType describes an evaluator family binding with its default
// rendering template.
type NotificationType struct {
	ID            int64         `json:"typeId"`
	Name          string        `json:"name"`
	DataSource    string        `json:"dataSource"`
	Evaluator     EvaluatorKind `json:"evaluator"`
	Template      Template      `json:"template"`
	StateTracking StateTracking `json:"stateTracking"`
}

// Settings carries per-rule overrides.
type Settings struct {
	Template *Template `json:"template,omitempty"`
	Priority string    `json:"priority,omitempty"`
}

// Rule is one user-configured notification rule. Condition shape depends on
// the evaluator of the referenced type and is decoded there.
type Rule struct {
	ID         int64           `json:"id"`
	ClientID   string          `json:"clientId"`
	TypeID     int64           `json:"typeId"`
	Name       string          `json:"name"`
	Condition  json.RawMessage `json:"condition,omitempty"`
	Filters    Filters         `json:"filters,omitempty"`
	Settings   Settings        `json:"settings,omitempty"`
	IsActive   bool            `json:"isActive"`
	GeofenceID *int64          `json:"geofenceId,omitempty"`
}

// Snapshot is a rule joined with its notification type and, for geofence
// rules, the referenced geofence. Snapshots are immutable once handed to the
// hot path.
type Snapshot struct {
	Rule     Rule
	Type     NotificationType
	Geofence *geofence.Geofence
}

// Template returns the rendering template for the rule: the settings override
// when present, else the type default.
func (s *Snapshot) Template() Template {
	if s.Rule.Settings.Template != nil {
		return *s.Rule.Settings.Template
	}
	return s.Type.Template
}

// Filters restricts which records a rule applies to. Every non-empty set must
// contain the record's corresponding field for the rule to match.
type Filters struct {
	IMOs          IMOList  `json:"imos,omitempty"`
	VesselTypes   []string `json:"vesselTypes,omitempty"`
	VesselClasses []string `json:"vesselClasses,omitempty"`
	Areas         []string `json:"areas,omitempty"`
	VesselNames   []string `json:"vesselNames,omitempty"`
}

// Match reports whether the record passes every non-empty filter. The areas
// filter matches against either area level of the record.
func (f *Filters) Match(r *vessel.Record) bool {
	if len(f.IMOs) > 0 && !containsIMO(f.IMOs, r.IMO) {
		return false
	}
	if len(f.VesselTypes) > 0 && !containsFold(f.VesselTypes, r.VesselType) {
		return false
	}
	if len(f.VesselClasses) > 0 && !containsFold(f.VesselClasses, r.VesselClass) {
		return false
	}
	if len(f.Areas) > 0 && !containsFold(f.Areas, r.AreaName) && !containsFold(f.Areas, r.AreaNameLevel1) {
		return false
	}
	if len(f.VesselNames) > 0 && !containsFold(f.VesselNames, r.VesselName) {
		return false
	}
	return true
}

// IMOList decodes an IMO filter set. The catalog UI has historically stored
// IMO numbers both as JSON numbers and as strings, so both are accepted.
type IMOList []int64

func (l *IMOList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("imo filter: %w", err)
	}
	out := make([]int64, 0, len(raw))
	for _, e := range raw {
		var n int64
		if err := json.Unmarshal(e, &n); err == nil {
			out = append(out, n)
			continue
		}
		var s string
		if err := json.Unmarshal(e, &s); err != nil {
			return fmt.Errorf("imo filter entry %s: %w", e, err)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return fmt.Errorf("imo filter entry %q: %w", s, err)
		}
		out = append(out, n)
	}
	*l = out
	return nil
}

func containsIMO(list []int64, imo int64) bool {
	for _, v := range list {
		if v == imo {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, e := range list {
		if strings.EqualFold(strings.TrimSpace(e), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}
