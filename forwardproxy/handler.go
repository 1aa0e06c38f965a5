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
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Handler ties the six components together into the control flow
// described in §2: registry lookup by instance name, then client IP,
// token, and target-URL policy checks (cheapest first), then header
// rewriting, then either the HTTP or WebSocket relay.
type Handler struct {
	Registry *Registry
	Resolver Resolver
	Relay    *Relay
	WS       *WebSocketRelay
	Logger   *zap.Logger
}

// NewHandler constructs a Handler wired to registry, using metrics and
// logger for both relays (either may be nil).
func NewHandler(registry *Registry, logger *zap.Logger, metrics *Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Registry: registry,
		Resolver: NewResolver(nil),
		Relay:    NewRelay(logger, metrics),
		WS:       NewWebSocketRelay(logger, metrics),
		Logger:   logger,
	}
}

// Serve handles one inbound request already routed to instanceName by the
// host (the host's own dispatch-by-path-prefix is out of scope per §1).
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, instanceName string) {
	inst, ok := h.Registry.Lookup(instanceName)
	if !ok {
		h.writeError(w, NewHandlerError(http.StatusNotFound, ReasonUnknown, errInstanceNotFound), instanceName)
		return
	}

	pr := NewProxyRequest(r)

	if !ClientAllowed(pr.ClientIP, inst.RestrictIn) {
		h.writeError(w, NewHandlerError(http.StatusForbidden, ReasonClientDenied, errClientDenied), instanceName)
		return
	}

	rawURL := pr.URL()
	if rawURL == "" {
		h.writeError(w, NewHandlerError(http.StatusBadRequest, ReasonMissingURL, errMissingURL), instanceName)
		return
	}

	if !TokenValid(pr.Token(), inst.Tokens) {
		h.writeError(w, NewHandlerError(http.StatusUnauthorized, ReasonTokenInvalid, errTokenInvalid), instanceName)
		return
	}

	ctx := r.Context()
	allowed, target, reason := TargetAllowed(ctx, h.Resolver, rawURL, inst.RestrictOut, inst.CustomOut)
	if !allowed {
		status := http.StatusForbidden
		if reason == ReasonBadURL {
			status = http.StatusBadRequest
		}
		h.writeError(w, NewHandlerError(status, reason, errTargetDenied), instanceName)
		return
	}

	outHeader := RewriteRequestHeaders(r.Header, target, pr.OverrideHostHeader(), pr.RequestHeaderOverrides())
	timeout := pr.Timeout()
	if timeout == 0 {
		timeout = inst.Timeout
	}
	tlsCfg := BuildTLSPolicy(pr.SkipTLSChecks())

	if IsWebSocketUpgrade(r.Header) {
		h.WS.Serve(w, r, target, outHeader, tlsCfg, instanceName)
		return
	}

	var body = r.Body
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		body = nil
	}

	outcome := h.Relay.Serve(ctx, Exchange{
		Method:                  r.Method,
		Target:                  target,
		Header:                  outHeader,
		Body:                    body,
		TLS:                     tlsCfg,
		Timeout:                 timeout,
		FollowRedirects:         pr.FollowRedirects(),
		ResponseHeaderOverrides: pr.ResponseHeaderOverrides(),
		Instance:                instanceName,
	}, w)

	if outcome.State == StateFailedBeforeHeaders {
		h.writeError(w, NewHandlerError(outcome.StatusCode, outcome.Reason, outcome.Err), instanceName)
	}
}

// writeError writes the §6 JSON error body. Called only before any
// response headers have been written for this request.
func (h *Handler) writeError(w http.ResponseWriter, he HandlerError, instance string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.StatusCode)
	if err := json.NewEncoder(w).Encode(NewAPIError(he, instance)); err != nil {
		h.Logger.Error("failed to encode error response", zap.Error(err))
	}
}

var (
	errInstanceNotFound = simpleError("instance not found")
	errClientDenied     = simpleError("client ip not allowed")
	errMissingURL       = simpleError("missing url parameter")
	errTokenInvalid     = simpleError("invalid or missing token")
	errTargetDenied     = simpleError("target not allowed")
)

type simpleError string

func (e simpleError) Error() string { return string(e) }
