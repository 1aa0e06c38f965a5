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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Reason is a short, greppable identifier for why a request did not
// proceed, independent of the HTTP status code it maps to. It is carried
// by HandlerError and Outcome, and separates timeouts from other failures
// in the relay's metric outcome label.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonMissingURL         Reason = "missing_url"
	ReasonBadURL             Reason = "bad_url"
	ReasonBadBody            Reason = "bad_body"
	ReasonClientDenied       Reason = "client_ip_denied"
	ReasonTokenInvalid       Reason = "token_invalid"
	ReasonTargetDenied       Reason = "target_denied"
	ReasonTargetDNSFailure   Reason = "target_dns_failure"
	ReasonUpstreamError      Reason = "upstream_error"
	ReasonDeadlineExceeded   Reason = "deadline_exceeded"
	ReasonClientGone         Reason = "client_gone"
	ReasonUnknown            Reason = "unknown"
)

// HandlerError is a serializable representation of an error from within
// the request-lifecycle engine. If err is itself a HandlerError,
// NewHandlerError populates only the fields that are still zero.
type HandlerError struct {
	Err        error
	StatusCode int
	Reason     Reason

	ID string // generated; identifies this error in logs
}

// NewHandlerError wraps err (propagating an existing HandlerError's fields
// when present) with status and reason.
func NewHandlerError(status int, reason Reason, err error) HandlerError {
	var he HandlerError
	if errors.As(err, &he) {
		if he.ID == "" {
			he.ID = uuid.NewString()
		}
		if he.StatusCode == 0 {
			he.StatusCode = status
		}
		if he.Reason == ReasonNone {
			he.Reason = reason
		}
		return he
	}
	return HandlerError{
		ID:         uuid.NewString(),
		StatusCode: status,
		Reason:     reason,
		Err:        err,
	}
}

func (e HandlerError) Error() string {
	s := fmt.Sprintf("{id=%s reason=%s}", e.ID, e.Reason)
	if e.StatusCode != 0 {
		s += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e HandlerError) Unwrap() error { return e.Err }

// APIError is the wire shape of an error response (§6): a JSON object
// with fields error, code, timestamp, instance.
type APIError struct {
	Message   string    `json:"error"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	Instance  string    `json:"instance"`
}

// NewAPIError builds the wire error body for he, scoped to instance.
func NewAPIError(he HandlerError, instance string) APIError {
	msg := string(he.Reason)
	if msg == "" {
		msg = http.StatusText(he.StatusCode)
	}
	if he.Err != nil {
		msg = he.Err.Error()
	}
	return APIError{
		Message:   msg,
		Code:      he.StatusCode,
		Timestamp: time.Now().UTC(),
		Instance:  instance,
	}
}
