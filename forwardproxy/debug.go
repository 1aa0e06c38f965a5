// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package forwardproxy

// DebugInstance is the sanitized, read-only view of one Instance exposed
// by the debug endpoint (§6). Token values are never included — only a
// count.
type DebugInstance struct {
	Name          string   `json:"name"`
	RestrictOut   string   `json:"restrict_out"`
	RestrictIn    []string `json:"restrict_in"`
	TokenCount    int      `json:"token_count"`
	RequiresAuth  bool     `json:"requires_auth"`
	TimeoutSecs   int      `json:"timeout_seconds"`
}

func newDebugInstance(inst *Instance) DebugInstance {
	restrictIn := make([]string, 0, len(inst.RestrictIn))
	for _, n := range inst.RestrictIn {
		restrictIn = append(restrictIn, n.String())
	}
	return DebugInstance{
		Name:         inst.Name,
		RestrictOut:  inst.RestrictOut.String(),
		RestrictIn:   restrictIn,
		TokenCount:   len(inst.Tokens),
		RequiresAuth: inst.RequiresAuth,
		TimeoutSecs:  int(inst.Timeout.Seconds()),
	}
}
