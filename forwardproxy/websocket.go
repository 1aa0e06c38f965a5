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
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// wsWriteWait is the time allowed to write a message to either peer.
	wsWriteWait = 10 * time.Second
	// wsPongWait is the time allowed to read the next pong from either peer.
	wsPongWait = 60 * time.Second
	// wsPingPeriod must be less than wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10
	// wsMaxMessageSize bounds a single frame's payload.
	wsMaxMessageSize = 10 * 1024 * 1024
)

var wsHopHeaders = []string{"Upgrade", "Connection", "Host"}

// filterWebSocketHeaders strips the hop-specific WebSocket handshake
// headers (Sec-WebSocket-*, Upgrade, Connection, Host) from a rewritten
// outbound header set, since those belong to the hop, not the payload.
func filterWebSocketHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		if strings.HasPrefix(strings.ToLower(k), "sec-websocket-") {
			continue
		}
		skip := false
		for _, hop := range wsHopHeaders {
			if strings.EqualFold(k, hop) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		out[k] = append([]string(nil), vv...)
	}
	return out
}

// wsTargetURL converts a rewritten HTTP(S) target URL into its WebSocket
// equivalent (http→ws, https→wss), per §4.5 step 1.
func wsTargetURL(target *url.URL) (*url.URL, error) {
	out := *target
	switch target.Scheme {
	case "http", "ws":
		out.Scheme = "ws"
	case "https", "wss":
		out.Scheme = "wss"
	default:
		return nil, fmt.Errorf("forwardproxy: cannot upgrade scheme %q to websocket", target.Scheme)
	}
	return &out, nil
}

// WebSocketRelay opens a WebSocket connection to the rewritten target and
// pumps frames bidirectionally between it and the (to-be-upgraded) inbound
// connection, per §4.5.
type WebSocketRelay struct {
	logger   *zap.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader
}

// NewWebSocketRelay constructs a WebSocketRelay. logger and metrics may be
// nil.
func NewWebSocketRelay(logger *zap.Logger, metrics *Metrics) *WebSocketRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketRelay{
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Serve dials target as a WebSocket, upgrades the inbound request, and
// pumps frames between the two until either side closes. If the target
// scheme cannot be upgraded (400) or the dial fails (502) before the
// inbound upgrade is accepted, it writes that status with the JSON error
// body and returns without having touched w's hijacked state.
func (wr *WebSocketRelay) Serve(w http.ResponseWriter, r *http.Request, target *url.URL, header http.Header, tlsCfg *tls.Config, instance string) Outcome {
	start := time.Now()

	failBeforeUpgrade := func(status int, reason Reason, err error) Outcome {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(NewAPIError(NewHandlerError(status, reason, err), instance))
		return wr.finish(instance, start, StateFailedBeforeHeaders, status, reason, err)
	}

	wsURL, err := wsTargetURL(target)
	if err != nil {
		return failBeforeUpgrade(http.StatusBadRequest, ReasonBadURL, err)
	}

	dialer := &websocket.Dialer{
		TLSClientConfig:  tlsCfg,
		HandshakeTimeout: 10 * time.Second,
	}
	backend, resp, err := dialer.Dial(wsURL.String(), filterWebSocketHeaders(header))
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return failBeforeUpgrade(http.StatusBadGateway, ReasonUpstreamError, err)
	}
	defer backend.Close()

	frontend, err := wr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return wr.finish(instance, start, StateFailedBeforeHeaders, http.StatusBadGateway, ReasonUpstreamError, err)
	}
	defer frontend.Close()

	frontend.SetReadLimit(wsMaxMessageSize)
	backend.SetReadLimit(wsMaxMessageSize)

	done := make(chan struct{})
	var once sync.Once

	go wr.pump(backend, frontend, done, &once, "backend->frontend", instance)
	wr.pump(frontend, backend, done, &once, "frontend->backend", instance)

	<-done
	return wr.finish(instance, start, StateDone, 0, ReasonNone, nil)
}

// pump copies frames from src to dst in FIFO order until src errors or
// closes. It closes dst as soon as it returns, which immediately
// unblocks the sibling pump's own ReadMessage on that same connection
// (dst is the sibling's src) instead of waiting on the sibling to
// notice a courtesy close frame.
func (wr *WebSocketRelay) pump(src, dst *websocket.Conn, done chan struct{}, once *sync.Once, label, instance string) {
	defer once.Do(func() { close(done) })
	defer dst.Close()

	src.SetReadDeadline(time.Now().Add(wsPongWait))
	src.SetPongHandler(func(string) error {
		return src.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go wr.pinger(src, done)

	for {
		mt, payload, err := src.ReadMessage()
		if err != nil {
			code := websocket.CloseGoingAway
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			_ = dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, ""), time.Now().Add(wsWriteWait))
			return
		}
		if mt == websocket.CloseMessage {
			return
		}
		dst.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := dst.WriteMessage(mt, payload); err != nil {
			return
		}
		wr.metrics.addBytes(instance, label, int64(len(payload)))
	}
}

// pinger keeps src's read deadline alive for as long as the relay runs by
// sending it periodic pings; src's PongHandler (set in pump) pushes the
// deadline back out on every reply. It stops as soon as either pump ends.
func (wr *WebSocketRelay) pinger(src *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := src.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (wr *WebSocketRelay) finish(instance string, start time.Time, state State, status int, reason Reason, err error) Outcome {
	o := Outcome{State: state, StatusCode: status, Reason: reason, Duration: time.Since(start), Err: err}
	fields := []zap.Field{
		zap.String("instance", instance),
		zap.String("state", state.String()),
		zap.Duration("duration", o.Duration),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if state == StateDone {
		wr.logger.Info("websocket relay completed", fields...)
	} else {
		wr.logger.Warn("websocket relay failed", fields...)
	}
	wr.metrics.observeRequest(instance, outcomeLabel(o), o.Duration.Seconds())
	return o
}
