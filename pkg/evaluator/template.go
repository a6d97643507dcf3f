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
	"strings"

	"github.com/vesselwatch/vesselwatch/pkg/rule"
)

// Render substitutes {{key}} placeholders in a template with values from the
// substitution set. The grammar is deliberately a plain string replacement:
// keys not present in the set are left verbatim and no escaping is performed.
func Render(tpl string, values map[string]any) string {
	if tpl == "" || !strings.Contains(tpl, "{{") {
		return tpl
	}
	out := tpl
	for k, v := range values {
		placeholder := "{{" + k + "}}"
		if !strings.Contains(out, placeholder) {
			continue
		}
		out = strings.ReplaceAll(out, placeholder, rule.ScalarString(v))
	}
	return out
}

// RenderContext builds the substitution set for a rule firing: the evaluator
// context merged over the record identity values. Context wins on key
// collisions.
func RenderContext(identity map[string]string, context map[string]any) map[string]any {
	merged := make(map[string]any, len(identity)+len(context))
	for k, v := range identity {
		merged[k] = v
	}
	for k, v := range context {
		merged[k] = v
	}
	return merged
}
