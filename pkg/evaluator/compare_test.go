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

func TestCompare(t *testing.T) {
	cases := []struct {
		doc       string
		record    *vessel.Record
		condition string
		want      Result
		wantErr   bool
	}{
		{
			doc:       "gt fires above the threshold",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(15.5)},
			condition: `{"field": "Speed", "operator": "gt", "value": 10}`,
			want: Result{
				Triggered: true,
				Context: map[string]any{
					"field":        "Speed",
					"operator":     "gt",
					"threshold":    "10",
					"currentValue": "15.5",
				},
			},
		},
		{
			doc:       "gt is silent at the threshold",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(10)},
			condition: `{"field": "Speed", "operator": "gt", "value": 10}`,
			want: Result{
				Context: map[string]any{
					"field":        "Speed",
					"operator":     "gt",
					"threshold":    "10",
					"currentValue": "10",
				},
			},
		},
		{
			doc:       "gte fires at the threshold",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(10)},
			condition: `{"field": "Speed", "operator": "gte", "value": 10}`,
			want: Result{
				Triggered: true,
				Context: map[string]any{
					"field":        "Speed",
					"operator":     "gte",
					"threshold":    "10",
					"currentValue": "10",
				},
			},
		},
		{
			doc:       "lt fires below the threshold",
			record:    &vessel.Record{IMO: 9700001, Draught: floatPtr(6.2)},
			condition: `{"field": "Draught", "operator": "lt", "value": 7}`,
			want: Result{
				Triggered: true,
				Context: map[string]any{
					"field":        "Draught",
					"operator":     "lt",
					"threshold":    "7",
					"currentValue": "6.2",
				},
			},
		},
		{
			doc:       "lte fires at the threshold",
			record:    &vessel.Record{IMO: 9700001, Draught: floatPtr(7)},
			condition: `{"field": "Draught", "operator": "lte", "value": 7}`,
			want: Result{
				Triggered: true,
				Context: map[string]any{
					"field":        "Draught",
					"operator":     "lte",
					"threshold":    "7",
					"currentValue": "7",
				},
			},
		},
		{
			doc:       "eq folds numeric formatting",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(15)},
			condition: `{"field": "Speed", "operator": "eq", "value": "15.0"}`,
			want: Result{
				Triggered: true,
				Context: map[string]any{
					"field":        "Speed",
					"operator":     "eq",
					"threshold":    "15.0",
					"currentValue": "15",
				},
			},
		},
		{
			doc:       "eq folds text case",
			record:    &vessel.Record{IMO: 9700001, VesselStatus: "Moored"},
			condition: `{"field": "VesselStatus", "operator": "eq", "value": "MOORED"}`,
			want: Result{
				Triggered: true,
				Context: map[string]any{
					"field":        "VesselStatus",
					"operator":     "eq",
					"threshold":    "MOORED",
					"currentValue": "Moored",
				},
			},
		},
		{
			doc:       "missing field is silent",
			record:    &vessel.Record{IMO: 9700001},
			condition: `{"field": "Speed", "operator": "gt", "value": 10}`,
			want: Result{
				Context: map[string]any{
					"field":        "Speed",
					"operator":     "gt",
					"threshold":    "10",
					"currentValue": "",
				},
			},
		},
		{
			doc:       "non-numeric value under a numeric operator is silent",
			record:    &vessel.Record{IMO: 9700001, VesselStatus: "Moored"},
			condition: `{"field": "VesselStatus", "operator": "gt", "value": 5}`,
			want: Result{
				Context: map[string]any{
					"field":        "VesselStatus",
					"operator":     "gt",
					"threshold":    "5",
					"currentValue": "Moored",
				},
			},
		},
		{
			doc:       "unknown operator is rejected",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(15)},
			condition: `{"field": "Speed", "operator": "between", "value": 10}`,
			wantErr:   true,
		},
		{
			doc:       "condition without field is rejected",
			record:    &vessel.Record{IMO: 9700001, Speed: floatPtr(15)},
			condition: `{"operator": "gt", "value": 10}`,
			wantErr:   true,
		},
		{
			doc:       "malformed condition is rejected",
			record:    &vessel.Record{IMO: 9700001},
			condition: `{"field":`,
			wantErr:   true,
		},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("%d: %s", i, c.doc), func(t *testing.T) {
			got, err := Compare(c.record, json.RawMessage(c.condition))
			if (err != nil) != c.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("unexpected result (-want, +got): %s", diff)
			}
		})
	}
}
