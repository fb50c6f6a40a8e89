package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// ConfigBuilder assembles a broker configuration document the way an
// operator writes one, so tests exercise the loader rather than building
// structs by hand.
type ConfigBuilder struct {
	broker  map[string]any
	inputs  []map[string]any
	outputs []map[string]any
}

// NewConfigBuilder starts a document for the named broker.
func NewConfigBuilder(name string) *ConfigBuilder {
	return &ConfigBuilder{broker: map[string]any{"name": name}}
}

// SourceID sets the id stamped on events read from inputs.
func (b *ConfigBuilder) SourceID(id uint32) *ConfigBuilder {
	b.broker["source_id"] = id
	return b
}

// AddInput adds an input endpoint. fields are merged over name and type.
func (b *ConfigBuilder) AddInput(name, typ string, fields map[string]any) *ConfigBuilder {
	b.inputs = append(b.inputs, endpoint(name, typ, fields))
	return b
}

// AddAcceptor adds a tcp input that pollers connect to.
func (b *ConfigBuilder) AddAcceptor(name, address string) *ConfigBuilder {
	return b.AddInput(name, "tcp", map[string]any{"role": "acceptor", "address": address})
}

// AddOutput adds an output endpoint. fields are merged over name and type.
func (b *ConfigBuilder) AddOutput(name, typ string, fields map[string]any) *ConfigBuilder {
	b.outputs = append(b.outputs, endpoint(name, typ, fields))
	return b
}

// AddFailover adds an output and makes it the failover of primary, which
// must already be added.
func (b *ConfigBuilder) AddFailover(primary, name, typ string, fields map[string]any) *ConfigBuilder {
	for _, o := range b.outputs {
		if o["name"] == primary {
			o["failover"] = name
		}
	}
	return b.AddOutput(name, typ, fields)
}

func endpoint(name, typ string, fields map[string]any) map[string]any {
	e := map[string]any{"name": name, "type": typ}
	for k, v := range fields {
		e[k] = v
	}
	return e
}

// Build returns the document as a map.
func (b *ConfigBuilder) Build() map[string]any {
	doc := map[string]any{"broker": b.broker}
	if len(b.inputs) > 0 {
		doc["inputs"] = b.inputs
	}
	if len(b.outputs) > 0 {
		doc["outputs"] = b.outputs
	}
	return doc
}

// BuildJSON returns the document as JSON.
func (b *ConfigBuilder) BuildJSON() ([]byte, error) {
	return json.Marshal(b.Build())
}

// BuildYAML returns the document as YAML.
func (b *ConfigBuilder) BuildYAML() ([]byte, error) {
	return yaml.Marshal(b.Build())
}

// WriteFile writes the document to a temporary file and returns its path.
// The extension of name picks the format: .json or .yaml.
func (b *ConfigBuilder) WriteFile(t *testing.T, name string) string {
	t.Helper()

	var data []byte
	var err error
	if filepath.Ext(name) == ".json" {
		data, err = b.BuildJSON()
	} else {
		data, err = b.BuildYAML()
	}
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}
