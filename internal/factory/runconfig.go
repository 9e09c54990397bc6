package factory

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// RunConfig is the optional YAML file the run CLI accepts. Flags win over
// file values.
type RunConfig struct {
	LLM struct {
		Model       string  `yaml:"model"`
		Temperature float64 `yaml:"temperature"`
	} `yaml:"llm"`

	MaxAttempts       int  `yaml:"max_attempts"`
	AllowVerifyExempt bool `yaml:"allow_verify_exempt"`

	Branch struct {
		Name   string `yaml:"name"`
		Create bool   `yaml:"create"`
	} `yaml:"branch"`
}

// LoadRunConfigFile reads and strictly decodes a run config. Unknown keys
// are errors so typos fail loudly instead of silently running with defaults.
func LoadRunConfigFile(path string) (*RunConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfig
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%s: multiple YAML documents are not allowed", path)
		}
		return nil, err
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("%s: max_attempts must be >= 0", path)
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return nil, fmt.Errorf("%s: llm.temperature must be in [0, 2]", path)
	}
	return &cfg, nil
}
