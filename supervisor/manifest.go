package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xeipuuv/gojsonschema"

	"github.com/driftline/pluginrt/envelope"
)

// Manifest is a plugin's plugin.json: identity, the command used to
// start it, and an optional JSON Schema the plugin's own config block
// must satisfy before the core will hand it off at spawn time. The
// source has drift between plugin_no, identity, and name; plugin_no is
// the canonical identity key on the wire, so that's what's read here —
// name is descriptive only and never used for routing.
type Manifest struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Identity     string          `json:"plugin_no"`
	Capabilities []string        `json:"capabilities"`
	Priority     int32           `json:"priority"`
	Protocol     string          `json:"protocol"`
	Command      string          `json:"command"`
	Args         []string        `json:"args"`
	Config       json.RawMessage `json:"config"`
	ConfigSchema json.RawMessage `json:"config_schema"`
}

// LoadManifest reads and parses plugin.json from dir, rejecting any
// manifest that doesn't declare the one supported wire protocol.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "plugin.json"))
	if err != nil {
		return nil, fmt.Errorf("supervisor: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("supervisor: parse manifest: %w", err)
	}
	if m.Identity == "" {
		return nil, fmt.Errorf("supervisor: manifest missing plugin_no")
	}
	if m.Command == "" {
		return nil, fmt.Errorf("supervisor: manifest missing command")
	}
	if err := envelope.ValidateProtocol(m.Protocol); err != nil {
		return nil, fmt.Errorf("supervisor: manifest %s: %w", m.Identity, err)
	}
	return &m, nil
}

// ValidateConfig checks m.Config against m.ConfigSchema, when the
// manifest declares one. A manifest with no schema is always valid —
// config validation is opt-in per plugin.
func (m *Manifest) ValidateConfig() error {
	if len(m.ConfigSchema) == 0 {
		return nil
	}
	schemaLoader := gojsonschema.NewBytesLoader(m.ConfigSchema)
	configLoader := gojsonschema.NewBytesLoader(m.configOrEmptyObject())

	result, err := gojsonschema.Validate(schemaLoader, configLoader)
	if err != nil {
		return fmt.Errorf("supervisor: config schema validation: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("supervisor: config for %s violates its schema: %v", m.Identity, result.Errors())
	}
	return nil
}

func (m *Manifest) configOrEmptyObject() []byte {
	if len(m.Config) == 0 {
		return []byte("{}")
	}
	return m.Config
}
