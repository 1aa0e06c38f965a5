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

import "sync"

// Registry holds the live set of proxy instances keyed by name. Lookup
// uses only a short read-scoped critical section so a concurrent Put or
// Remove never blocks or corrupts an in-flight Lookup; any Instance value
// already handed out by a prior Lookup remains valid (instances are
// replaced wholesale, never mutated in place) until the requests holding
// it complete.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

// Lookup returns the instance named name, or nil and false if none exists.
func (r *Registry) Lookup(name string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	return inst, ok
}

// Put atomically installs inst, replacing any existing instance of the
// same name. This is the registry's half of the configuration
// collaborator's setup(instance) hook.
func (r *Registry) Put(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.Name] = inst
}

// Remove atomically deletes the instance named name, if present. This is
// the registry's half of the configuration collaborator's teardown(name)
// hook. Subsequent lookups return "not found"; in-flight requests that
// already captured the old *Instance continue unaffected.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, name)
}

// Snapshot returns every installed instance's sanitized debug view (§6),
// in no particular order.
func (r *Registry) Snapshot() []DebugInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DebugInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, newDebugInstance(inst))
	}
	return out
}
