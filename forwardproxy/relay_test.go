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
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayServeHappyPath(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from backend"))
	}))
	defer backend.Close()

	target, err := url.Parse(backend.URL + "/anything")
	require.NoError(t, err)

	rl := NewRelay(nil, nil)
	rec := httptest.NewRecorder()

	outcome := rl.Serve(context.Background(), Exchange{
		Method:   http.MethodGet,
		Target:   target,
		Header:   http.Header{},
		Timeout:  5 * time.Second,
		Instance: "test",
	}, rec)

	assert.Equal(t, StateDone, outcome.State)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.Equal(t, "hello from backend", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Backend"))
}

func TestRelayServeUpstreamUnreachable(t *testing.T) {
	target, err := url.Parse("http://127.0.0.1:1/nope")
	require.NoError(t, err)

	rl := NewRelay(nil, nil)
	rec := httptest.NewRecorder()

	outcome := rl.Serve(context.Background(), Exchange{
		Method:   http.MethodGet,
		Target:   target,
		Header:   http.Header{},
		Timeout:  2 * time.Second,
		Instance: "test",
	}, rec)

	assert.Equal(t, StateFailedBeforeHeaders, outcome.State)
	assert.Equal(t, http.StatusBadGateway, outcome.StatusCode)
	assert.Equal(t, ReasonUpstreamError, outcome.Reason)
}

func TestRelayServeDeadlineExceeded(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	target, err := url.Parse(backend.URL + "/slow")
	require.NoError(t, err)

	rl := NewRelay(nil, nil)
	rec := httptest.NewRecorder()

	outcome := rl.Serve(context.Background(), Exchange{
		Method:   http.MethodGet,
		Target:   target,
		Header:   http.Header{},
		Timeout:  20 * time.Millisecond,
		Instance: "test",
	}, rec)

	assert.Equal(t, StateFailedBeforeHeaders, outcome.State)
	assert.Equal(t, http.StatusGatewayTimeout, outcome.StatusCode)
	assert.Equal(t, ReasonDeadlineExceeded, outcome.Reason)
}

func TestRelayServeResponseHeaderOverrides(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	target, err := url.Parse(backend.URL + "/")
	require.NoError(t, err)

	rl := NewRelay(nil, nil)
	rec := httptest.NewRecorder()

	outcome := rl.Serve(context.Background(), Exchange{
		Method:                  http.MethodGet,
		Target:                  target,
		Header:                  http.Header{},
		Timeout:                 5 * time.Second,
		ResponseHeaderOverrides: map[string]string{"X-Injected": "yes"},
		Instance:                "test",
	}, rec)

	assert.Equal(t, StateDone, outcome.State)
	assert.Equal(t, "yes", rec.Header().Get("X-Injected"))
}

// abortingWriter simulates a client disconnect: the first write after
// headers succeeds (Write captures it), subsequent writes fail as a
// broken client connection would.
type abortingWriter struct {
	header http.Header
	wrote  bool
}

func (a *abortingWriter) Header() http.Header { return a.header }
func (a *abortingWriter) WriteHeader(int)      {}
func (a *abortingWriter) Write(p []byte) (int, error) {
	if a.wrote {
		return 0, io.ErrClosedPipe
	}
	a.wrote = true
	return len(p), nil
}

func TestRelayServeClientDisconnectMidStreamIsCancelled(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(make([]byte, chunkSize))
		_, _ = w.Write(make([]byte, chunkSize))
	}))
	defer backend.Close()

	target, err := url.Parse(backend.URL + "/")
	require.NoError(t, err)

	rl := NewRelay(nil, nil)
	w := &abortingWriter{header: http.Header{}}

	outcome := rl.Serve(context.Background(), Exchange{
		Method:   http.MethodGet,
		Target:   target,
		Header:   http.Header{},
		Timeout:  5 * time.Second,
		Instance: "test",
	}, w)

	// §8 scenario 5: a client write failure mid-stream cancels the
	// upstream fetch and records "cancelled", not a generic failure.
	assert.Equal(t, StateCancelled, outcome.State)
	assert.Equal(t, ReasonClientGone, outcome.Reason)
}

func TestRelayServeUpstreamReadFailureMidStreamIsFailedMidStream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Advertise more bytes than are actually sent, then sever the
		// connection: the client's read of the response body fails
		// mid-stream, independent of anything the proxy's own client
		// connection does.
		w.Header().Set("Content-Length", fmt.Sprint(chunkSize*4))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(make([]byte, chunkSize))
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer backend.Close()

	target, err := url.Parse(backend.URL + "/")
	require.NoError(t, err)

	rl := NewRelay(nil, nil)
	rec := httptest.NewRecorder()

	outcome := rl.Serve(context.Background(), Exchange{
		Method:   http.MethodGet,
		Target:   target,
		Header:   http.Header{},
		Timeout:  5 * time.Second,
		Instance: "test",
	}, rec)

	assert.Equal(t, StateFailedMidStream, outcome.State)
	assert.Equal(t, ReasonUpstreamError, outcome.Reason)
}
