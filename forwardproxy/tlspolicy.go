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
	"crypto/x509"
	"errors"
	"strings"
)

// weakCipherSuites are legacy/low-strength suites enabled only when the
// `weak_cipher` bypass token is present. crypto/tls no longer negotiates
// these by default even when listed for TLS 1.3 connections, but listing
// them widens what's offered during the TLS 1.2 and earlier handshake.
var weakCipherSuites = []uint16{
	tls.TLS_RSA_WITH_RC4_128_SHA,
	tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA,
	tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_RC4_128_SHA,
	tls.TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA,
}

// BuildTLSPolicy parses the skip_tls_checks query parameter (§4.2) and
// returns a fresh *tls.Config scoped to a single request. The rules widen
// the bypass monotonically; later matches only relax further, never
// tighten a relaxation made by an earlier one.
func BuildTLSPolicy(skipTLSChecks string) *tls.Config {
	cfg := &tls.Config{}
	if skipTLSChecks == "" {
		return cfg
	}

	lower := strings.ToLower(skipTLSChecks)
	isTruthy := lower == "true" || lower == "1" || lower == "yes"

	var tokens map[string]struct{}
	if !isTruthy {
		tokens = make(map[string]struct{})
		for _, t := range strings.Split(lower, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				tokens[t] = struct{}{}
			}
		}
	}
	has := func(name string) bool {
		if isTruthy {
			return false
		}
		_, ok := tokens[name]
		return ok
	}

	switch {
	case isTruthy || has("all"):
		// Disables both chain and hostname verification.
		cfg.InsecureSkipVerify = true
	case has("expired_cert") || has("self_signed") || has("cert_authority"):
		// Disables chain verification; hostname verification is moot once
		// the chain itself is untrusted.
		cfg.InsecureSkipVerify = true
	case has("hostname_mismatch"):
		// Disables hostname verification ONLY: the chain must still
		// validate against the system trust store. crypto/tls has no
		// config knob for this combination directly, so InsecureSkipVerify
		// disables its built-in check and VerifyConnection reinstates
		// chain verification by hand, omitting the DNSName constraint.
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = verifyChainIgnoringHostname(cfg)
	}

	if has("weak_cipher") {
		cfg.CipherSuites = weakCipherSuites
		cfg.MinVersion = tls.VersionTLS10
	}

	return cfg
}

// verifyChainIgnoringHostname returns the VerifyConnection callback that
// performs the certificate-chain verification tls.Config.InsecureSkipVerify
// normally skips entirely, using cfg.RootCAs (or the system trust store, if
// nil), but without constraining the result to the dialed server name — the
// hostname_mismatch-only bypass's sole relaxation.
func verifyChainIgnoringHostname(cfg *tls.Config) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("forwardproxy: no peer certificates presented")
		}
		intermediates := x509.NewCertPool()
		for _, cert := range cs.PeerCertificates[1:] {
			intermediates.AddCert(cert)
		}
		_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
			Roots:         cfg.RootCAs, // nil falls back to the system trust store
			Intermediates: intermediates,
			// DNSName left empty: hostname matching is intentionally skipped.
		})
		return err
	}
}
