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
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRender(t *testing.T) {
	cases := []struct {
		doc    string
		tpl    string
		values map[string]any
		want   string
	}{
		{
			doc: "placeholders substitute from the value set",
			tpl: "{{vesselName}} (IMO {{imo}}) has {{action}} {{geofenceName}}",
			values: map[string]any{
				"vesselName":   "MERIDIAN TRADER",
				"imo":          "9700001",
				"action":       "entered",
				"geofenceName": "Singapore Strait",
			},
			want: "MERIDIAN TRADER (IMO 9700001) has entered Singapore Strait",
		},
		{
			doc:    "unknown placeholders are left verbatim",
			tpl:    "{{vesselName}} bound for {{destination}}",
			values: map[string]any{"vesselName": "MERIDIAN TRADER"},
			want:   "MERIDIAN TRADER bound for {{destination}}",
		},
		{
			doc:    "non-string values render as scalars",
			tpl:    "speed {{speed}}, inside {{isInside}}",
			values: map[string]any{"speed": 12.5, "isInside": true},
			want:   "speed 12.5, inside true",
		},
		{
			doc:    "repeated placeholders substitute everywhere",
			tpl:    "{{field}}: {{field}} changed",
			values: map[string]any{"field": "Speed"},
			want:   "Speed: Speed changed",
		},
		{
			doc:    "template without placeholders passes through",
			tpl:    "vessel update received",
			values: map[string]any{"vesselName": "MERIDIAN TRADER"},
			want:   "vessel update received",
		},
		{
			doc:    "empty template stays empty",
			tpl:    "",
			values: map[string]any{"vesselName": "MERIDIAN TRADER"},
			want:   "",
		},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("%d: %s", i, c.doc), func(t *testing.T) {
			if got := Render(c.tpl, c.values); got != c.want {
				t.Errorf("unexpected rendering: got %q, want %q", got, c.want)
			}
		})
	}
}

func TestRenderContext(t *testing.T) {
	identity := map[string]string{
		"vesselName": "MERIDIAN TRADER",
		"imo":        "9700001",
		"speed":      "12.5",
	}
	context := map[string]any{
		"speed":  "0",
		"action": "entered",
	}
	want := map[string]any{
		"vesselName": "MERIDIAN TRADER",
		"imo":        "9700001",
		"speed":      "0",
		"action":     "entered",
	}
	if diff := cmp.Diff(want, RenderContext(identity, context)); diff != "" {
		t.Errorf("unexpected merge (-want, +got): %s", diff)
	}
}
