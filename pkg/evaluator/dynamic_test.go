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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vesselwatch/vesselwatch/pkg/vessel"
)

func TestDynamicOperators(t *testing.T) {
	cases := []struct {
		doc       string
		record    *vessel.Record
		condition string
		previous  map[string]string
		want      bool
		wantErr   bool
	}{
		{
			doc:       "eq folds numeric formatting",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(0)},
			condition: `{"logic": "AND", "conditions": [{"field": "Speed", "operator": "eq", "value": 0}]}`,
			want:      true,
		},
		{
			doc:       "eq is silent when the field is missing",
			record:    &vessel.Record{IMO: 9700001},
			condition: `{"conditions": [{"field": "Speed", "operator": "eq", "value": 0}]}`,
			want:      false,
		},
		{
			doc:       "neq fires on a differing value",
			record:    &vessel.Record{IMO: 9700001, VesselStatus: "Underway"},
			condition: `{"conditions": [{"field": "VesselStatus", "operator": "neq", "value": "Moored"}]}`,
			want:      true,
		},
		{
			doc:       "gt compares numerically",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(15.5)},
			condition: `{"conditions": [{"field": "Speed", "operator": "gt", "value": 10}]}`,
			want:      true,
		},
		{
			doc:       "lte fires at the boundary",
			record:    &vessel.Record{IMO: 9700001, Draught: floatPtr(7)},
			condition: `{"conditions": [{"field": "Draught", "operator": "lte", "value": 7}]}`,
			want:      true,
		},
		{
			doc:       "in matches membership case-insensitively",
			record:    &vessel.Record{IMO: 9700001, VesselType: "Cargo"},
			condition: `{"conditions": [{"field": "VesselType", "operator": "in", "values": ["cargo", "tanker"]}]}`,
			want:      true,
		},
		{
			doc:       "not_in fires when the value is absent from the set",
			record:    &vessel.Record{IMO: 9700001, VesselType: "Passenger"},
			condition: `{"conditions": [{"field": "VesselType", "operator": "not_in", "values": ["cargo", "tanker"]}]}`,
			want:      true,
		},
		{
			doc:       "contains matches a substring case-insensitively",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "PORT OF SINGAPORE"},
			condition: `{"conditions": [{"field": "AISDestination", "operator": "contains", "value": "singapore"}]}`,
			want:      true,
		},
		{
			doc:       "starts_with matches a prefix only",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "PORT OF SINGAPORE"},
			condition: `{"conditions": [{"field": "AISDestination", "operator": "starts_with", "value": "singapore"}]}`,
			want:      false,
		},
		{
			doc:       "changed fires on a value transition",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "SINGAPORE"},
			condition: `{"conditions": [{"field": "AISDestination", "operator": "changed"}]}`,
			previous:  map[string]string{"AISDestination": "ROTTERDAM"},
			want:      true,
		},
		{
			doc:       "changed is silent without history",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "SINGAPORE"},
			condition: `{"conditions": [{"field": "AISDestination", "operator": "changed"}]}`,
			previous:  nil,
			want:      false,
		},
		{
			doc:       "changed is silent on a case-only difference",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "SINGAPORE"},
			condition: `{"conditions": [{"field": "AISDestination", "operator": "changed"}]}`,
			previous:  map[string]string{"AISDestination": "Singapore"},
			want:      false,
		},
		{
			doc:       "changed_to gates on the new value",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "SINGAPORE"},
			condition: `{"conditions": [{"field": "AISDestination", "operator": "changed_to", "values": ["singapore"]}]}`,
			previous:  map[string]string{"AISDestination": "ROTTERDAM"},
			want:      true,
		},
		{
			doc:       "changed_to is silent when the new value is not in the set",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "SINGAPORE"},
			condition: `{"conditions": [{"field": "AISDestination", "operator": "changed_to", "values": ["hamburg"]}]}`,
			previous:  map[string]string{"AISDestination": "ROTTERDAM"},
			want:      false,
		},
		{
			doc:       "changed_from gates on the old value",
			record:    &vessel.Record{IMO: 9700001, IsSeagoing: boolPtr(false)},
			condition: `{"conditions": [{"field": "IsSeagoing", "operator": "changed_from", "values": [true]}]}`,
			previous:  map[string]string{"IsSeagoing": "true"},
			want:      true,
		},
		{
			doc:       "changed_by fires when the delta reaches the tolerance",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(12)},
			condition: `{"conditions": [{"field": "Speed", "operator": "changed_by", "tolerance": 2}]}`,
			previous:  map[string]string{"Speed": "10"},
			want:      true,
		},
		{
			doc:       "changed_by is silent below the tolerance",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(11.5)},
			condition: `{"conditions": [{"field": "Speed", "operator": "changed_by", "tolerance": 2}]}`,
			previous:  map[string]string{"Speed": "10"},
			want:      false,
		},
		{
			doc:       "changed_by never fires on the first observation",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(12)},
			condition: `{"conditions": [{"field": "Speed", "operator": "changed_by", "tolerance": 2}]}`,
			previous:  nil,
			want:      false,
		},
		{
			doc:       "crossed_above fires when the threshold is crossed upward",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(18)},
			condition: `{"conditions": [{"field": "Speed", "operator": "crossed_above", "value": 15}]}`,
			previous:  map[string]string{"Speed": "14"},
			want:      true,
		},
		{
			doc:       "crossed_above is silent while staying above",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(20)},
			condition: `{"conditions": [{"field": "Speed", "operator": "crossed_above", "value": 15}]}`,
			previous:  map[string]string{"Speed": "18"},
			want:      false,
		},
		{
			doc:       "crossed_above is silent while staying below",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(14)},
			condition: `{"conditions": [{"field": "Speed", "operator": "crossed_above", "value": 15}]}`,
			previous:  map[string]string{"Speed": "10"},
			want:      false,
		},
		{
			doc:       "crossed_above treats landing exactly on the threshold as not crossed",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(15)},
			condition: `{"conditions": [{"field": "Speed", "operator": "crossed_above", "value": 15}]}`,
			previous:  map[string]string{"Speed": "14"},
			want:      false,
		},
		{
			doc:       "crossed_above fires when leaving the threshold upward",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(16)},
			condition: `{"conditions": [{"field": "Speed", "operator": "crossed_above", "value": 15}]}`,
			previous:  map[string]string{"Speed": "15"},
			want:      true,
		},
		{
			doc:       "crossed_below mirrors the downward crossing",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(14)},
			condition: `{"conditions": [{"field": "Speed", "operator": "crossed_below", "value": 15}]}`,
			previous:  map[string]string{"Speed": "16"},
			want:      true,
		},
		{
			doc:       "history lookup is case-insensitive on the field name",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(18)},
			condition: `{"conditions": [{"field": "speed", "operator": "crossed_above", "value": 15}]}`,
			previous:  map[string]string{"Speed": "14"},
			want:      true,
		},
		{
			doc:    "AND requires every clause",
			record: &vessel.Record{IMO: 9700001, Speed: floatPtr(0), VesselStatus: "Underway"},
			condition: `{"logic": "AND", "conditions": [
				{"field": "Speed", "operator": "eq", "value": 0},
				{"field": "VesselStatus", "operator": "eq", "value": "Moored"}]}`,
			want: false,
		},
		{
			doc:    "OR requires any clause",
			record: &vessel.Record{IMO: 9700001, Speed: floatPtr(0), VesselStatus: "Underway"},
			condition: `{"logic": "OR", "conditions": [
				{"field": "Speed", "operator": "eq", "value": 0},
				{"field": "VesselStatus", "operator": "eq", "value": "Moored"}]}`,
			want: true,
		},
		{
			doc:    "lowercase logic is accepted",
			record: &vessel.Record{IMO: 9700001, Speed: floatPtr(0)},
			condition: `{"logic": "and", "conditions": [
				{"field": "Speed", "operator": "eq", "value": 0}]}`,
			want: true,
		},
		{
			doc:       "unknown logic is rejected",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(0)},
			condition: `{"logic": "XOR", "conditions": [{"field": "Speed", "operator": "eq", "value": 0}]}`,
			wantErr:   true,
		},
		{
			doc:       "unknown operator is rejected",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(0)},
			condition: `{"conditions": [{"field": "Speed", "operator": "almost", "value": 0}]}`,
			wantErr:   true,
		},
		{
			doc:       "empty condition list is rejected",
			record:    &vessel.Record{IMO: 9700001},
			condition: `{"logic": "AND", "conditions": []}`,
			wantErr:   true,
		},
		{
			doc:       "clause without field is rejected",
			record:    &vessel.Record{IMO: 9700001},
			condition: `{"conditions": [{"operator": "eq", "value": 0}]}`,
			wantErr:   true,
		},
		{
			doc:       "changed_by without tolerance is rejected",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(12)},
			condition: `{"conditions": [{"field": "Speed", "operator": "changed_by"}]}`,
			previous:  map[string]string{"Speed": "10"},
			wantErr:   true,
		},
		{
			doc:       "crossed_above without a numeric value is rejected",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(12)},
			condition: `{"conditions": [{"field": "Speed", "operator": "crossed_above", "value": "fast"}]}`,
			previous:  map[string]string{"Speed": "10"},
			wantErr:   true,
		},
		{
			doc:       "malformed condition is rejected",
			record:    &vessel.Record{IMO: 9700001},
			condition: `{"logic":`,
			wantErr:   true,
		},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("%d: %s", i, c.doc), func(t *testing.T) {
			got, err := Dynamic(c.record, json.RawMessage(c.condition), c.previous)
			if (err != nil) != c.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if got.Triggered != c.want {
				t.Errorf("unexpected trigger decision: got %v, want %v", got.Triggered, c.want)
			}
		})
	}
}

// TestDynamicContext pins the rendering context shape for a composite rule
// matching a vessel that stopped and switched to non-seagoing.
func TestDynamicContext(t *testing.T) {
	record := &vessel.Record{
		IMO:        9700001,
		Speed:      floatPtr(0),
		IsSeagoing: boolPtr(false),
	}
	previous := map[string]string{"Speed": "3", "IsSeagoing": "true"}
	condition := `{"logic": "AND", "conditions": [
		{"id": "c1", "field": "Speed", "operator": "eq", "value": 0},
		{"field": "IsSeagoing", "operator": "changed_from", "values": [true]}]}`

	got, err := Dynamic(record, json.RawMessage(condition), previous)
	if err != nil {
		t.Fatalf("evaluate dynamic rule: %v", err)
	}
	want := Result{
		Triggered: true,
		Context: map[string]any{
			"logic":               "AND",
			"Speed":               "0",
			"previous_Speed":      "3",
			"IsSeagoing":          "false",
			"previous_IsSeagoing": "true",
			"conditions": []map[string]any{
				{
					"id":        "c1",
					"field":     "Speed",
					"operator":  "eq",
					"triggered": true,
					"current":   "0",
					"value":     "0",
					"previous":  "3",
				},
				{
					"field":     "IsSeagoing",
					"operator":  "changed_from",
					"triggered": true,
					"current":   "false",
					"previous":  "true",
				},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected result (-want, +got): %s", diff)
	}
}
