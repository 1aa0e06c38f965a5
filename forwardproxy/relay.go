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
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OutboundWriter is what the Relay writes the proxied response to; it is
// exactly an http.ResponseWriter, named for the §4.4 public contract.
type OutboundWriter = http.ResponseWriter

// State is a terminal or in-flight state of the §4.4 relay state machine.
type State int

const (
	StateAwaitingTarget State = iota
	StateReadingResponse
	StateStreaming
	StateDone
	StateCancelled
	StateFailedBeforeHeaders
	StateFailedMidStream
)

func (s State) String() string {
	switch s {
	case StateAwaitingTarget:
		return "awaiting_target"
	case StateReadingResponse:
		return "reading_response"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailedBeforeHeaders:
		return "failed_before_headers"
	case StateFailedMidStream:
		return "failed_mid_stream"
	default:
		return "unknown"
	}
}

// Outcome summarizes how a relayed request finished.
type Outcome struct {
	State        State
	StatusCode   int
	Reason       Reason
	BytesWritten int64
	Duration     time.Duration
	Err          error
}

// Exchange is everything the Relay needs to perform one outbound fetch and
// stream its response back: the already-rewritten target/headers (§4.3),
// the inbound body (if any), the per-request TLS policy (§4.2), and the
// per-request behavior flags from §6.
type Exchange struct {
	Method                  string
	Target                  *url.URL
	Header                  http.Header
	Body                    io.ReadCloser
	TLS                     *tls.Config
	Timeout                 time.Duration
	FollowRedirects         bool
	ResponseHeaderOverrides map[string]string
	Instance                string
}

// chunkSize bounds each read/write of the response body, per §4.4's
// "8-64 KiB" chunking requirement.
const chunkSize = 32 * 1024

// Relay performs outbound HTTP requests and streams the response back to
// the client, reusing one *http.Transport per (origin, TLS policy
// signature) pair so connection pooling never leaks a bypass across
// instances or targets (§5 shared-resource policy).
type Relay struct {
	logger     *zap.Logger
	metrics    *Metrics
	transports sync.Map // transportKey -> *http.Transport
}

// NewRelay constructs a Relay. logger and metrics may be nil.
func NewRelay(logger *zap.Logger, metrics *Metrics) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{logger: logger, metrics: metrics}
}

type transportKey struct {
	origin string
	tlsSig string
}

func tlsSignature(cfg *tls.Config) string {
	if cfg == nil {
		return "default"
	}
	return fmt.Sprintf("insecure=%t/chaincheck=%t/min=%d/ciphers=%v",
		cfg.InsecureSkipVerify, cfg.VerifyConnection != nil, cfg.MinVersion, cfg.CipherSuites)
}

func (rl *Relay) transportFor(origin string, tlsCfg *tls.Config) *http.Transport {
	key := transportKey{origin: origin, tlsSig: tlsSignature(tlsCfg)}
	if v, ok := rl.transports.Load(key); ok {
		return v.(*http.Transport)
	}
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	actual, _ := rl.transports.LoadOrStore(key, t)
	return actual.(*http.Transport)
}

// errCapturingReadCloser records the first non-EOF error observed while
// reading the inbound body, so a failure can be attributed to "inbound
// body read error" (§7, mapped to 400) instead of an upstream/network
// failure (mapped to 502).
type errCapturingReadCloser struct {
	io.ReadCloser
	err error
}

func (e *errCapturingReadCloser) Read(p []byte) (int, error) {
	n, err := e.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		e.err = err
	}
	return n, err
}

// Serve performs ex's outbound fetch and streams the response to w,
// implementing the §4.4 state machine and §7 error mapping. ctx should
// already carry client-disconnect cancellation (e.g. the inbound
// request's context); Serve layers the instance timeout on top of it.
func (rl *Relay) Serve(ctx context.Context, ex Exchange, w OutboundWriter) Outcome {
	start := time.Now()
	state := StateAwaitingTarget

	timeout := ex.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyCapture *errCapturingReadCloser
	body := ex.Body
	if body != nil {
		bodyCapture = &errCapturingReadCloser{ReadCloser: body}
		body = bodyCapture
	}

	outreq, err := http.NewRequestWithContext(ctx, ex.Method, ex.Target.String(), body)
	if err != nil {
		return rl.finish(ex, start, state, StateFailedBeforeHeaders, http.StatusBadRequest, ReasonBadURL, err)
	}
	outreq.Header = ex.Header
	// net/http sends Request.Host, not Header["Host"], as the Host header.
	if host := ex.Header.Get("Host"); host != "" {
		outreq.Host = host
	}

	origin := ex.Target.Scheme + "://" + ex.Target.Host
	client := &http.Client{
		Transport: rl.transportFor(origin, ex.TLS),
	}
	if !ex.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	state = StateReadingResponse
	resp, err := client.Do(outreq)
	if err != nil {
		if bodyCapture != nil && bodyCapture.err != nil {
			return rl.finish(ex, start, state, StateFailedBeforeHeaders, http.StatusBadRequest, ReasonBadBody, bodyCapture.err)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return rl.finish(ex, start, state, StateFailedBeforeHeaders, http.StatusGatewayTimeout, ReasonDeadlineExceeded, err)
		}
		return rl.finish(ex, start, state, StateFailedBeforeHeaders, http.StatusBadGateway, ReasonUpstreamError, err)
	}
	defer resp.Body.Close()

	respHeader := RewriteResponseHeaders(resp.Header, ex.ResponseHeaderOverrides)
	for k, vv := range respHeader {
		w.Header()[k] = vv
	}
	w.WriteHeader(resp.StatusCode)
	state = StateStreaming

	written, side, streamErr := rl.stream(w, resp.Body)
	rl.metrics.addBytes(ex.Instance, "response", written)

	switch {
	case streamErr == nil:
		state = StateDone
		return rl.finish(ex, start, state, StateDone, resp.StatusCode, ReasonNone, nil)
	case ctx.Err() == context.DeadlineExceeded:
		return rl.finishStreamed(ex, start, resp.StatusCode, written, StateFailedMidStream, ReasonDeadlineExceeded, streamErr)
	case side == streamSideWrite:
		return rl.finishStreamed(ex, start, resp.StatusCode, written, StateCancelled, ReasonClientGone, streamErr)
	default:
		return rl.finishStreamed(ex, start, resp.StatusCode, written, StateFailedMidStream, ReasonUpstreamError, streamErr)
	}
}

// streamSide identifies which side of a stream's copy loop produced its
// terminal error, so the caller can classify a client write failure
// (§4.4: "cancelled") without having to sniff the concrete error type —
// a broken upstream read and a broken client write can otherwise surface
// as indistinguishable opaque errors (e.g. both satisfy io.ErrClosedPipe
// on some platforms).
type streamSide int

const (
	streamSideNone streamSide = iota
	streamSideRead            // src (the upstream response body) failed to read
	streamSideWrite           // dst (the client connection) rejected a write
)

// stream copies src to dst in bounded chunks, returning as soon as a
// write to dst fails (client gone) or a read from src fails, so the
// caller can cancel the outbound fetch within one chunk-write attempt.
func (rl *Relay) stream(dst io.Writer, src io.Reader) (int64, streamSide, error) {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, streamSideWrite, werr
			}
			total += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, streamSideNone, nil
			}
			return total, streamSideRead, rerr
		}
	}
}

func (rl *Relay) finish(ex Exchange, start time.Time, from, to State, status int, reason Reason, err error) Outcome {
	o := Outcome{State: to, StatusCode: status, Reason: reason, Duration: time.Since(start), Err: err}
	rl.logResult(ex, o)
	rl.metrics.observeRequest(ex.Instance, outcomeLabel(o), o.Duration.Seconds())
	return o
}

func (rl *Relay) finishStreamed(ex Exchange, start time.Time, status int, written int64, state State, reason Reason, err error) Outcome {
	o := Outcome{State: state, StatusCode: status, Reason: reason, BytesWritten: written, Duration: time.Since(start), Err: err}
	rl.logResult(ex, o)
	rl.metrics.observeRequest(ex.Instance, outcomeLabel(o), o.Duration.Seconds())
	return o
}

func outcomeLabel(o Outcome) string {
	switch o.State {
	case StateDone:
		return "ok"
	case StateCancelled:
		return "cancelled"
	case StateFailedMidStream, StateFailedBeforeHeaders:
		if o.Reason == ReasonDeadlineExceeded {
			return "timeout"
		}
		return "bad_gateway"
	default:
		return "unknown"
	}
}

func (rl *Relay) logResult(ex Exchange, o Outcome) {
	fields := []zap.Field{
		zap.String("instance", ex.Instance),
		zap.String("state", o.State.String()),
		zap.Int("status", o.StatusCode),
		zap.Int64("bytes_written", o.BytesWritten),
		zap.Duration("duration", o.Duration),
	}
	if o.Err != nil {
		fields = append(fields, zap.Error(o.Err))
	}
	switch o.State {
	case StateDone:
		rl.logger.Info("relay completed", fields...)
	case StateCancelled:
		rl.logger.Info("relay cancelled by client disconnect", fields...)
	default:
		rl.logger.Warn("relay failed", fields...)
	}
}
