package proxyconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlDoc = `
instances:
  - name: edge
    tokens: ["secret"]
    restrict_out: external
    restrict_in: ["10.0.0.0/8"]
    requires_auth: true
    timeout: 60
`

const tomlDoc = `
[[instances]]
name = "edge"
tokens = ["secret"]
restrict_out = "external"
timeout = 60
`

func TestDecodeYAML(t *testing.T) {
	doc, err := DecodeBytes([]byte(yamlDoc), "instances.yaml")
	require.NoError(t, err)
	require.Len(t, doc.Instances, 1)

	spec := doc.Instances[0]
	assert.Equal(t, "edge", spec.Name)
	assert.Equal(t, []string{"secret"}, spec.Tokens)
	assert.Equal(t, "external", spec.RestrictOut)
	assert.True(t, spec.RequiresAuth)
	assert.Equal(t, 60, spec.TimeoutSecs)
}

func TestDecodeTOML(t *testing.T) {
	doc, err := DecodeBytes([]byte(tomlDoc), "instances.toml")
	require.NoError(t, err)
	require.Len(t, doc.Instances, 1)
	assert.Equal(t, "edge", doc.Instances[0].Name)
}

func TestDecodeUnrecognizedExtension(t *testing.T) {
	_, err := DecodeBytes([]byte(yamlDoc), "instances.json")
	assert.Error(t, err)
}

func TestToInstanceMapsFields(t *testing.T) {
	spec := InstanceSpec{
		Name:        "edge",
		Tokens:      []string{"t"},
		RestrictOut: "internal",
		TimeoutSecs: 120,
	}
	out := spec.ToInstance()
	assert.Equal(t, "edge", out.Name)
	assert.Equal(t, "internal", out.RestrictOut)
	assert.Equal(t, 120e9, float64(out.Timeout))
}
