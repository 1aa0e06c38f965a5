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
	"net"
	"net/http"
	"net/url"
	"strings"
)

// hopHeaders are stripped from the inbound request headers before
// forwarding; they are defined to apply only to one transport hop. See
// RFC 2616 §13.5.1. The response direction strips its own, shorter list
// in RewriteResponseHeaders.
var hopHeaders = []string{
	"Connection",
	"Upgrade",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
}

const requestHeaderPrefix = "request_header["
const responseHeaderPrefix = "response_header["

// ParseHeaderOverrides extracts the request_header[NAME]=VALUE (or
// response_header[NAME]=VALUE, selected by prefix) query parameters into a
// plain map, generalizing the source's reflective key-pattern dispatch
// into a single explicit parse step.
func ParseHeaderOverrides(query url.Values, prefix string) map[string]string {
	overrides := make(map[string]string)
	for key, values := range query {
		if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, "]") {
			continue
		}
		name := key[len(prefix) : len(key)-1]
		if name == "" || len(values) == 0 {
			continue
		}
		overrides[name] = values[len(values)-1]
	}
	return overrides
}

// RewriteRequestHeaders builds the outbound header set from inbound per
// §4.3: strip hop-by-hop headers and Host, apply request_header[NAME]
// overrides, then compute Host and User-Agent.
func RewriteRequestHeaders(inbound http.Header, target *url.URL, overrideHostHeader string, overrides map[string]string) http.Header {
	out := make(http.Header, len(inbound))
	for k, vv := range inbound {
		if isHopHeader(k) || strings.EqualFold(k, "Host") {
			continue
		}
		out[k] = append([]string(nil), vv...)
	}

	for name, value := range overrides {
		out.Set(name, value)
	}

	switch {
	case overrideHostHeader != "":
		out.Set("Host", overrideHostHeader)
	case isLiteralIP(target.Hostname()):
		out.Del("Host")
	default:
		out.Set("Host", target.Hostname())
	}

	if out.Get("User-Agent") == "" {
		out.Set("User-Agent", "")
	}

	return out
}

// RewriteResponseHeaders builds the header set written back to the client
// per §4.3: strip Connection/Transfer-Encoding/Content-Encoding, then
// apply response_header[NAME] overrides as additional headers.
func RewriteResponseHeaders(upstream http.Header, overrides map[string]string) http.Header {
	out := make(http.Header, len(upstream))
	for k, vv := range upstream {
		if strings.EqualFold(k, "Connection") ||
			strings.EqualFold(k, "Transfer-Encoding") ||
			strings.EqualFold(k, "Content-Encoding") {
			continue
		}
		out[k] = append([]string(nil), vv...)
	}
	for name, value := range overrides {
		out.Add(name, value)
	}
	return out
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func isLiteralIP(host string) bool {
	return net.ParseIP(host) != nil
}
