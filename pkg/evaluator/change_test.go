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

func TestChange(t *testing.T) {
	cases := []struct {
		doc       string
		record    *vessel.Record
		condition string
		previous  string
		want      Result
		wantErr   bool
	}{
		{
			doc:       "first observation seeds state silently",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "SINGAPORE"},
			condition: `{"field": "AISDestination"}`,
			previous:  "",
			want: Result{
				State: map[string]any{"value": "SINGAPORE"},
				Context: map[string]any{
					"field":         "AISDestination",
					"previousValue": "",
					"currentValue":  "SINGAPORE",
				},
			},
		},
		{
			doc:       "empty current value never fires and keeps state untouched",
			record:    &vessel.Record{IMO: 9700001},
			condition: `{"field": "AISDestination"}`,
			previous:  "ROTTERDAM",
			want: Result{
				Context: map[string]any{
					"field":         "AISDestination",
					"previousValue": "ROTTERDAM",
					"currentValue":  "",
				},
			},
		},
		{
			doc:       "case-only difference is not a change",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "SINGAPORE"},
			condition: `{"field": "AISDestination"}`,
			previous:  "Singapore",
			want: Result{
				State: map[string]any{"value": "SINGAPORE"},
				Context: map[string]any{
					"field":         "AISDestination",
					"previousValue": "Singapore",
					"currentValue":  "SINGAPORE",
				},
			},
		},
		{
			doc:       "unconstrained change fires on any transition",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "SINGAPORE"},
			condition: `{"field": "AISDestination"}`,
			previous:  "ROTTERDAM",
			want: Result{
				Triggered:  true,
				Transition: "changed",
				State:      map[string]any{"value": "SINGAPORE"},
				Context: map[string]any{
					"field":         "AISDestination",
					"previousValue": "ROTTERDAM",
					"currentValue":  "SINGAPORE",
				},
			},
		},
		{
			doc:       "to patterns gate the new value with wildcards",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "PORT OF SINGAPORE"},
			condition: `{"field": "AISDestination", "to": ["*SINGAPORE*"]}`,
			previous:  "ROTTERDAM",
			want: Result{
				Triggered:  true,
				Transition: "changed",
				State:      map[string]any{"value": "PORT OF SINGAPORE"},
				Context: map[string]any{
					"field":         "AISDestination",
					"previousValue": "ROTTERDAM",
					"currentValue":  "PORT OF SINGAPORE",
				},
			},
		},
		{
			doc:       "to pattern mismatch is silent but still advances state",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "PORT OF SINGAPORE"},
			condition: `{"field": "AISDestination", "to": ["*HAMBURG*"]}`,
			previous:  "ROTTERDAM",
			want: Result{
				State: map[string]any{"value": "PORT OF SINGAPORE"},
				Context: map[string]any{
					"field":         "AISDestination",
					"previousValue": "ROTTERDAM",
					"currentValue":  "PORT OF SINGAPORE",
				},
			},
		},
		{
			doc:       "from patterns gate the old value",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "SINGAPORE"},
			condition: `{"field": "AISDestination", "from": ["rotterdam"]}`,
			previous:  "ROTTERDAM",
			want: Result{
				Triggered:  true,
				Transition: "changed",
				State:      map[string]any{"value": "SINGAPORE"},
				Context: map[string]any{
					"field":         "AISDestination",
					"previousValue": "ROTTERDAM",
					"currentValue":  "SINGAPORE",
				},
			},
		},
		{
			doc:       "from pattern mismatch is silent",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "SINGAPORE"},
			condition: `{"field": "AISDestination", "from": ["HAMBURG*"]}`,
			previous:  "ROTTERDAM",
			want: Result{
				State: map[string]any{"value": "SINGAPORE"},
				Context: map[string]any{
					"field":         "AISDestination",
					"previousValue": "ROTTERDAM",
					"currentValue":  "SINGAPORE",
				},
			},
		},
		{
			doc:       "voyage status changes are observable like any tracked field",
			record:    &vessel.Record{IMO: 9700001, VesselVoyageStatus: "Underway"},
			condition: `{"field": "VesselVoyageStatus", "from": ["Moored"]}`,
			previous:  "Moored",
			want: Result{
				Triggered:  true,
				Transition: "changed",
				State:      map[string]any{"value": "Underway"},
				Context: map[string]any{
					"field":         "VesselVoyageStatus",
					"previousValue": "Moored",
					"currentValue":  "Underway",
				},
			},
		},
		{
			doc:       "condition without field is rejected",
			record:    &vessel.Record{IMO: 9700001, AISDestination: "SINGAPORE"},
			condition: `{"to": ["*SINGAPORE*"]}`,
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
			got, err := Change(c.record, json.RawMessage(c.condition), c.previous)
			if (err != nil) != c.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("unexpected result (-want, +got): %s", diff)
			}
		})
	}
}
