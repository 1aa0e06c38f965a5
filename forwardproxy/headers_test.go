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
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaderOverrides(t *testing.T) {
	q, err := url.ParseQuery("request_header[X-Foo]=bar&request_header[X-Empty]=&plain=ignored&request_header[]=noname")
	require.NoError(t, err)

	overrides := ParseHeaderOverrides(q, requestHeaderPrefix)
	assert.Equal(t, map[string]string{"X-Foo": "bar", "X-Empty": ""}, overrides)
}

func TestRewriteRequestHeadersStripsHopByHop(t *testing.T) {
	in := http.Header{
		"Connection":      {"keep-alive"},
		"Proxy-Authorize": {"x"},
		"X-Custom":        {"v"},
		"Host":            {"inbound.example"},
	}
	target, err := url.Parse("https://backend.example/path")
	require.NoError(t, err)

	out := RewriteRequestHeaders(in, target, "", nil)
	assert.Empty(t, out.Get("Connection"))
	assert.Equal(t, "v", out.Get("X-Custom"))
	assert.Equal(t, "backend.example", out.Get("Host"))
	assert.Equal(t, "", out.Get("User-Agent"))
}

func TestRewriteRequestHeadersOverrideHost(t *testing.T) {
	target, err := url.Parse("https://backend.example/path")
	require.NoError(t, err)

	out := RewriteRequestHeaders(http.Header{}, target, "custom.host", nil)
	assert.Equal(t, "custom.host", out.Get("Host"))
}

func TestRewriteRequestHeadersLiteralIPOmitsHost(t *testing.T) {
	target, err := url.Parse("https://93.184.216.34/path")
	require.NoError(t, err)

	out := RewriteRequestHeaders(http.Header{}, target, "", nil)
	assert.Empty(t, out.Get("Host"))
}

func TestRewriteRequestHeadersAppliesOverrides(t *testing.T) {
	target, err := url.Parse("https://backend.example/path")
	require.NoError(t, err)

	out := RewriteRequestHeaders(http.Header{"X-Orig": {"kept"}}, target, "", map[string]string{"X-Orig": "replaced"})
	assert.Equal(t, "replaced", out.Get("X-Orig"))
}

func TestRewriteResponseHeadersStripsAndOverrides(t *testing.T) {
	upstream := http.Header{
		"Connection":       {"keep-alive"},
		"Transfer-Encoding": {"chunked"},
		"Content-Encoding": {"gzip"},
		"X-Upstream":       {"v"},
	}
	out := RewriteResponseHeaders(upstream, map[string]string{"X-Extra": "added"})
	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get("Transfer-Encoding"))
	assert.Empty(t, out.Get("Content-Encoding"))
	assert.Equal(t, "v", out.Get("X-Upstream"))
	assert.Equal(t, "added", out.Get("X-Extra"))
}

func TestIsLiteralIP(t *testing.T) {
	assert.True(t, isLiteralIP("127.0.0.1"))
	assert.True(t, isLiteralIP("::1"))
	assert.False(t, isLiteralIP("example.test"))
}
