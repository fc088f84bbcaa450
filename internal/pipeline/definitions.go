// -----------------------------------------------------------------------
// Pipeline Definitions - named step lists loaded from YAML files
// -----------------------------------------------------------------------

package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/codestory/internal/models"
)

// DefinitionStep is one step entry of a pipeline definition file.
type DefinitionStep struct {
	Name   string                 `yaml:"name"`
	Params map[string]interface{} `yaml:"params"`
}

// Definition is a named, reusable pipeline: submissions can reference it
// by name instead of spelling out the step list.
type Definition struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Steps       []DefinitionStep `yaml:"steps"`
}

// RequestedSteps converts the definition into a submission step list.
func (d *Definition) RequestedSteps() []models.RequestedStep {
	steps := make([]models.RequestedStep, 0, len(d.Steps))
	for _, s := range d.Steps {
		steps = append(steps, models.RequestedStep{Name: s.Name, Params: s.Params})
	}
	return steps
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline definition requires a name")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("pipeline definition %q has no steps", d.Name)
	}
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("pipeline definition %q has a step without a name", d.Name)
		}
	}
	return nil
}

// LoadDefinitions reads all .yaml/.yml files in dir into a name-keyed map.
// A missing directory is not an error; a bad file is logged and skipped so
// one broken definition does not block startup.
func LoadDefinitions(dir string, logger arbor.ILogger) (map[string]*Definition, error) {
	defs := make(map[string]*Definition)
	if dir == "" {
		return defs, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug().Str("dir", dir).Msg("Pipeline definitions directory does not exist, skipping")
		return defs, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline definitions directory: %w", err)
	}

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read pipeline definition")
			continue
		}

		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to parse pipeline definition")
			continue
		}
		if err := def.validate(); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Invalid pipeline definition")
			continue
		}

		if _, exists := defs[def.Name]; exists {
			logger.Warn().Str("name", def.Name).Str("file", entry.Name()).Msg("Duplicate pipeline definition, later file wins")
		}
		defs[def.Name] = &def
		logger.Info().Str("name", def.Name).Int("steps", len(def.Steps)).Msg("Pipeline definition loaded")
	}

	return defs, nil
}
