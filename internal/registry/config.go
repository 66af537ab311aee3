package registry

import (
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"
)

// DefaultEntryFunction is the entry-point function name used when a model's
// config does not declare interface.main_function.
const DefaultEntryFunction = "run_model"

//go:embed config.schema.json
var configSchemaJSON string

// configSchema validates parsed model configs. Compiled once at package init;
// the schema is embedded, so a compile failure is a build defect.
var configSchema = jsonschema.MustCompileString("config.schema.json", configSchemaJSON)

// ModelConfig is the parsed config.yaml of one model plugin.
type ModelConfig struct {
	Name          string          `yaml:"name" json:"name,omitempty"`
	Version       string          `yaml:"version" json:"version,omitempty"`
	Interface     InterfaceConfig `yaml:"interface" json:"interface"`
	Parameters    ParameterConfig `yaml:"parameters" json:"parameters"`
	Documentation any             `yaml:"documentation" json:"documentation,omitempty"`
}

// InterfaceConfig declares how the executor invokes the plugin.
type InterfaceConfig struct {
	// MainFunction is the name of the callable to invoke. Empty means
	// DefaultEntryFunction.
	MainFunction string `yaml:"main_function" json:"main_function,omitempty"`
	// Runtime is the interpreter command used to run the plugin's code unit.
	// Empty means the executor's configured default.
	Runtime string `yaml:"runtime" json:"runtime,omitempty"`
}

// ParameterConfig declares the model's parameter defaults.
type ParameterConfig struct {
	Default map[string]any `yaml:"default" json:"default,omitempty"`
}

// EntryFunction returns the configured entry-point function name, falling
// back to DefaultEntryFunction.
func (c ModelConfig) EntryFunction() string {
	if c.Interface.MainFunction == "" {
		return DefaultEntryFunction
	}
	return c.Interface.MainFunction
}

// DefaultParameters returns the config-declared parameter defaults, never nil.
func (c ModelConfig) DefaultParameters() map[string]any {
	if c.Parameters.Default == nil {
		return map[string]any{}
	}
	return c.Parameters.Default
}

// parseConfig unmarshals and schema-validates one config.yaml document.
func parseConfig(data []byte) (ModelConfig, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return ModelConfig{}, fmt.Errorf("parse config: %w", err)
	}

	if err := configSchema.Validate(raw); err != nil {
		return ModelConfig{}, fmt.Errorf("config schema: %w", err)
	}

	var cfg ModelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
