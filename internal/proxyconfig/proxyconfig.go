// Package proxyconfig turns a configuration document on disk into the
// InstanceSpec records the forwardproxy core consumes. It supports YAML and
// TOML, selected by file extension, mirroring the teacher's practice of
// layering a format-specific adapter over one canonical config shape rather
// than committing the core to a single serialization.
package proxyconfig

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ibz0q/homie-proxy/forwardproxy"
)

// InstanceSpec is the wire shape described in §6 of the instance schema:
// one record per proxy instance, as authored by an operator.
type InstanceSpec struct {
	Name         string   `yaml:"name" toml:"name"`
	Tokens       []string `yaml:"tokens" toml:"tokens"`
	RestrictOut  string   `yaml:"restrict_out" toml:"restrict_out"`
	CustomOut    []string `yaml:"custom_out" toml:"custom_out"`
	RestrictIn   []string `yaml:"restrict_in" toml:"restrict_in"`
	RequiresAuth bool     `yaml:"requires_auth" toml:"requires_auth"`
	TimeoutSecs  int      `yaml:"timeout" toml:"timeout"`
}

// Document is the top-level shape of a config file: a flat list of
// instances. Kept minimal deliberately; the host composes further policy
// (e.g. listener addresses) outside this package.
type Document struct {
	Instances []InstanceSpec `yaml:"instances" toml:"instances"`
}

// Decode reads a Document from r, selecting a YAML or TOML unmarshaler by
// name's extension (".yaml"/".yml" or ".toml"). name is used only to pick
// the format; it need not be a real path.
func Decode(r io.Reader, name string) (Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Document{}, fmt.Errorf("proxyconfig: reading config: %w", err)
	}

	var doc Document
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("proxyconfig: decoding yaml: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("proxyconfig: decoding toml: %w", err)
		}
	default:
		return Document{}, fmt.Errorf("proxyconfig: unrecognized config extension %q", ext)
	}
	return doc, nil
}

// DecodeBytes is a convenience wrapper over Decode for already-in-memory
// config content.
func DecodeBytes(data []byte, name string) (Document, error) {
	return Decode(bytes.NewReader(data), name)
}

// ToInstance converts an InstanceSpec into a forwardproxy.Spec, applying no
// policy of its own — forwardproxy.New performs the actual validation and
// degrade-with-warning behavior described in §3.
func (s InstanceSpec) ToInstance() forwardproxy.Spec {
	return forwardproxy.Spec{
		Name:         s.Name,
		Tokens:       s.Tokens,
		RestrictOut:  s.RestrictOut,
		CustomOut:    s.CustomOut,
		RestrictIn:   s.RestrictIn,
		RequiresAuth: s.RequiresAuth,
		Timeout:      time.Duration(s.TimeoutSecs) * time.Second,
	}
}
