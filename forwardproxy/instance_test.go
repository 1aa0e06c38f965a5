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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmptyName(t *testing.T) {
	_, err := New(Spec{Tokens: []string{"t"}}, nil)
	require.Error(t, err)
}

func TestNewRejectsEmptyTokenSet(t *testing.T) {
	_, err := New(Spec{Name: "x"}, nil)
	require.Error(t, err)
}

func TestNewRejectsAllBlankTokens(t *testing.T) {
	_, err := New(Spec{Name: "x", Tokens: []string{"", ""}}, nil)
	require.Error(t, err)
}

func TestNewMalformedCustomCIDRFallsBackToAny(t *testing.T) {
	inst, err := New(Spec{Name: "x", Tokens: []string{"t"}, CustomOut: []string{"not-a-cidr"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, RestrictAny, inst.RestrictOut)
}

func TestNewMalformedRestrictInCIDRIsDropped(t *testing.T) {
	inst, err := New(Spec{Name: "x", Tokens: []string{"t"}, RestrictIn: []string{"also-not-a-cidr", "10.0.0.0/8"}}, nil)
	require.NoError(t, err)
	require.Len(t, inst.RestrictIn, 1)
	assert.Equal(t, "10.0.0.0/8", inst.RestrictIn[0].String())
}

func TestNewTimeoutClamped(t *testing.T) {
	tooShort, err := New(Spec{Name: "x", Tokens: []string{"t"}, Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, MinTimeout, tooShort.Timeout)

	tooLong, err := New(Spec{Name: "x", Tokens: []string{"t"}, Timeout: time.Hour * 24}, nil)
	require.NoError(t, err)
	assert.Equal(t, MaxTimeout, tooLong.Timeout)

	def, err := New(Spec{Name: "x", Tokens: []string{"t"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, def.Timeout)
}

func TestNewCustomOutVariant(t *testing.T) {
	inst, err := New(Spec{Name: "x", Tokens: []string{"t"}, CustomOut: []string{"203.0.113.0/24"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, RestrictCustom, inst.RestrictOut)
	require.Len(t, inst.CustomOut, 1)
}
