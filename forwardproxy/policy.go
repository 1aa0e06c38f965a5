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

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/url"
)

// Resolver is the injected DNS capability required to evaluate a target
// hostname's reachability. A single A/AAAA lookup is performed; resolution
// failure must deny (safety bias).
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// ClientAllowed evaluates the first policy stage: whether clientIP is
// permitted by restrictIn. An empty restrictIn allows any client.
func ClientAllowed(clientIP string, restrictIn []*net.IPNet) bool {
	if len(restrictIn) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	return ipInAny(ip, restrictIn)
}

// TokenValid evaluates the second policy stage with a constant-time
// comparison against each configured token. An empty token set or an
// empty/missing presented token always fails closed.
func TokenValid(presented string, tokens map[string]struct{}) bool {
	if len(tokens) == 0 || presented == "" {
		return false
	}
	presentedB := []byte(presented)
	valid := false
	for t := range tokens {
		if subtle.ConstantTimeCompare(presentedB, []byte(t)) == 1 {
			valid = true
			// keep comparing remaining tokens so the loop's duration
			// does not itself leak which token (if any) matched.
		}
	}
	return valid
}

// TargetAllowed evaluates the third policy stage: whether the parsed
// target URL is reachable under restrictOut/customOut. It never performs a
// DNS lookup unless the earlier two stages have already passed (callers
// are expected to order calls per §4.1).
func TargetAllowed(ctx context.Context, resolver Resolver, rawTarget string, restrictOut RestrictKind, customOut []*net.IPNet) (bool, *url.URL, Reason) {
	target, err := url.Parse(rawTarget)
	if err != nil || target.Hostname() == "" {
		return false, nil, ReasonBadURL
	}
	switch target.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return false, nil, ReasonBadURL
	}

	ip := net.ParseIP(target.Hostname())
	if ip == nil {
		if resolver == nil {
			return false, target, ReasonTargetDNSFailure
		}
		ips, err := resolver.LookupIP(ctx, "ip", target.Hostname())
		if err != nil || len(ips) == 0 {
			return false, target, ReasonTargetDNSFailure
		}
		ip = ips[0]
	}

	var allowed bool
	switch restrictOut {
	case RestrictAny:
		allowed = true
	case RestrictExternal:
		allowed = !isPrivate(ip)
	case RestrictInternal:
		allowed = isPrivate(ip)
	case RestrictCustom:
		allowed = ipInAny(ip, customOut)
	default:
		allowed = false
	}
	if !allowed {
		return false, target, ReasonTargetDenied
	}
	return true, target, ReasonNone
}

// netResolver adapts *net.Resolver (or net.DefaultResolver) to Resolver.
type netResolver struct {
	r *net.Resolver
}

// NewResolver wraps r (net.DefaultResolver if nil) as a Resolver.
func NewResolver(r *net.Resolver) Resolver {
	if r == nil {
		r = net.DefaultResolver
	}
	return netResolver{r: r}
}

func (n netResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	addrs, err := n.r.LookupIP(ctx, network, host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	return addrs, nil
}
