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
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProxyRequest is the transient, per-inbound-request description the host
// hands to the core.
type ProxyRequest struct {
	Method   string
	Header   http.Header
	Body     io.ReadCloser
	Query    url.Values
	ClientIP string
}

// NewProxyRequest builds a ProxyRequest from an inbound *http.Request,
// resolving the client IP per §6 (first X-Forwarded-For hop, else
// X-Real-IP, else the transport remote address).
func NewProxyRequest(r *http.Request) ProxyRequest {
	return ProxyRequest{
		Method:   r.Method,
		Header:   r.Header,
		Body:     r.Body,
		Query:    r.URL.Query(),
		ClientIP: ClientIP(r),
	}
}

// ClientIP determines the client's address per §6: prefer the first entry
// of X-Forwarded-For, else X-Real-IP, else the transport peer address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// URL returns the required `url` query parameter, or "" if absent.
func (p ProxyRequest) URL() string { return p.Query.Get("url") }

// Token returns the `token` query parameter.
func (p ProxyRequest) Token() string { return p.Query.Get("token") }

// FollowRedirects reports whether `follow_redirects` requests that 3xx
// responses be followed rather than relayed verbatim. Default: false.
func (p ProxyRequest) FollowRedirects() bool {
	return isTruthy(p.Query.Get("follow_redirects"))
}

// OverrideHostHeader returns the `override_host_header` query parameter.
func (p ProxyRequest) OverrideHostHeader() string {
	return p.Query.Get("override_host_header")
}

// SkipTLSChecks returns the `skip_tls_checks` query parameter.
func (p ProxyRequest) SkipTLSChecks() string {
	return p.Query.Get("skip_tls_checks")
}

// Timeout returns the per-request `timeout` override clamped to
// [MinTimeout, MaxTimeout], or 0 if absent/invalid (caller should then use
// the instance default).
func (p ProxyRequest) Timeout() time.Duration {
	raw := p.Query.Get("timeout")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d < MinTimeout {
		d = MinTimeout
	}
	if d > MaxTimeout {
		d = MaxTimeout
	}
	return d
}

// RequestHeaderOverrides returns the parsed request_header[NAME] query
// parameters.
func (p ProxyRequest) RequestHeaderOverrides() map[string]string {
	return ParseHeaderOverrides(p.Query, requestHeaderPrefix)
}

// ResponseHeaderOverrides returns the parsed response_header[NAME] query
// parameters.
func (p ProxyRequest) ResponseHeaderOverrides() map[string]string {
	return ParseHeaderOverrides(p.Query, responseHeaderPrefix)
}

// IsWebSocketUpgrade reports whether the inbound request carries
// Connection: Upgrade and Upgrade: websocket (case-insensitive), per §4.5.
func IsWebSocketUpgrade(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(h.Get("Connection")), "upgrade")
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
