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

// Package forwardproxy implements the request-lifecycle engine of a
// multi-tenant HTTP/HTTPS/WebSocket forwarding proxy: per-instance access
// control, header rewriting, streamed relay, and WebSocket pumping.
package forwardproxy

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// RestrictKind names the variant of an instance's outbound (target-side)
// access-control policy.
type RestrictKind int

const (
	// RestrictAny allows any parseable target.
	RestrictAny RestrictKind = iota
	// RestrictExternal allows only targets outside the predefined
	// private ranges.
	RestrictExternal
	// RestrictInternal allows only targets inside the predefined
	// private ranges.
	RestrictInternal
	// RestrictCustom allows only targets inside the instance's CIDR list.
	RestrictCustom
)

func (k RestrictKind) String() string {
	switch k {
	case RestrictAny:
		return "any"
	case RestrictExternal:
		return "external"
	case RestrictInternal:
		return "internal"
	case RestrictCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// privateRanges are the predefined ranges that distinguish "internal" from
// "external" destinations. Loopback is deliberately excluded per spec;
// a custom CIDR list may add it explicitly.
var privateRanges = mustParseCIDRs([]string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
})

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("forwardproxy: invalid predefined CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

const (
	// DefaultTimeout is the per-request total deadline used when an
	// Instance does not specify one.
	DefaultTimeout = 300 * time.Second
	// MinTimeout and MaxTimeout bound the acceptable instance timeout
	// and the per-request `timeout` query override.
	MinTimeout = 30 * time.Second
	MaxTimeout = 3600 * time.Second
)

// Instance is a named configuration governing one routable endpoint. Once
// published to a Registry, an Instance is treated as immutable; updates are
// performed by replacing the pointer, never by mutating fields in place.
type Instance struct {
	// Name is the non-empty identifier unique within the registry; it
	// forms part of the external URL.
	Name string

	// Tokens is the set of opaque shared secrets accepted for this
	// instance. Always non-empty: New rejects a spec with no usable
	// tokens, so an Instance is never installed without at least one.
	Tokens map[string]struct{}

	// RestrictOut controls which destination IPs are reachable.
	RestrictOut RestrictKind
	// CustomOut holds the CIDR list backing RestrictCustom.
	CustomOut []*net.IPNet

	// RestrictIn, if non-empty, is the set of CIDRs a client IP must
	// belong to. Empty means any client IP is accepted.
	RestrictIn []*net.IPNet

	// RequiresAuth signals that the host should additionally demand its
	// own authentication for this instance. The core never evaluates
	// this itself; it is surfaced via the debug view (§6) for the host.
	RequiresAuth bool

	// Timeout is the per-request total deadline.
	Timeout time.Duration
}

// Spec is the essential, pre-validation description of an Instance, as
// handed to New by the configuration collaborator (see §6 of the spec for
// the wire shape this is decoded from).
type Spec struct {
	Name         string
	Tokens       []string
	RestrictOut  string // "any" | "external" | "internal" | "" (custom follows from len(CustomOut) > 0)
	CustomOut    []string
	RestrictIn   []string
	RequiresAuth bool
	Timeout      time.Duration
}

// New validates spec and constructs an Instance. Construction-time errors
// (empty name, empty token set with no warning path, i.e. non-recoverable
// problems) are returned; malformed CIDRs degrade per §3 invariants and are
// only logged, using logger if non-nil.
func New(spec Spec, logger *zap.Logger) (*Instance, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("forwardproxy: instance name must not be empty")
	}

	tokens := make(map[string]struct{}, len(spec.Tokens))
	for _, t := range spec.Tokens {
		if t == "" {
			continue
		}
		tokens[t] = struct{}{}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("forwardproxy: instance %q must configure at least one non-empty token", spec.Name)
	}

	inst := &Instance{
		Name:         spec.Name,
		Tokens:       tokens,
		RequiresAuth: spec.RequiresAuth,
	}

	inst.RestrictIn = parseCIDRsDroppingBad(spec.RestrictIn, logger, "restrict_in")

	switch {
	case len(spec.CustomOut) > 0:
		custom := parseCIDRsDroppingBad(spec.CustomOut, logger, "restrict_out")
		if len(custom) == 0 {
			logger.Warn("restrict_out: all custom CIDRs malformed, falling back to any",
				zap.String("instance", spec.Name))
			inst.RestrictOut = RestrictAny
		} else {
			inst.RestrictOut = RestrictCustom
			inst.CustomOut = custom
		}
	case spec.RestrictOut == "external":
		inst.RestrictOut = RestrictExternal
	case spec.RestrictOut == "internal":
		inst.RestrictOut = RestrictInternal
	case spec.RestrictOut == "" || spec.RestrictOut == "any":
		inst.RestrictOut = RestrictAny
	default:
		logger.Warn("restrict_out: unrecognized variant, falling back to any",
			zap.String("instance", spec.Name), zap.String("value", spec.RestrictOut))
		inst.RestrictOut = RestrictAny
	}

	inst.Timeout = spec.Timeout
	if inst.Timeout == 0 {
		inst.Timeout = DefaultTimeout
	}
	if inst.Timeout < MinTimeout {
		inst.Timeout = MinTimeout
	}
	if inst.Timeout > MaxTimeout {
		inst.Timeout = MaxTimeout
	}

	return inst, nil
}

// parseCIDRsDroppingBad parses each CIDR, logging and dropping any that
// fail to parse, per the §3 malformed-CIDR invariant.
func parseCIDRsDroppingBad(cidrs []string, logger *zap.Logger, field string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			logger.Warn("dropping malformed CIDR",
				zap.String("field", field), zap.String("value", c), zap.Error(err))
			continue
		}
		out = append(out, n)
	}
	return out
}

// isPrivate reports whether ip falls within one of the predefined private
// ranges used to distinguish "internal" from "external".
func isPrivate(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ipInAny reports whether ip is contained in any of the given networks.
func ipInAny(ip net.IP, nets []*net.IPNet) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
