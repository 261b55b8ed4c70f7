package config

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/cachemesh/cachemesh/internal/model"
)

// policyFile is the on-disk shape of a policy bundle
type policyFile struct {
	Policies []model.PolicySpec `mapstructure:"policies"`
}

// ruleFile is the on-disk shape of an invalidation rule bundle
type ruleFile struct {
	Rules []*model.InvalidationRule `mapstructure:"rules"`
}

// LoadPolicies reads cache policies from a YAML file
func LoadPolicies(path string) ([]model.PolicySpec, error) {
	var file policyFile
	if err := loadYAML(path, &file); err != nil {
		return nil, fmt.Errorf("failed to load policy file: %w", err)
	}
	return file.Policies, nil
}

// LoadRules reads invalidation rules from a YAML file
func LoadRules(path string) ([]*model.InvalidationRule, error) {
	var file ruleFile
	if err := loadYAML(path, &file); err != nil {
		return nil, fmt.Errorf("failed to load rule file: %w", err)
	}
	return file.Rules, nil
}

// loadYAML parses a YAML document and decodes it through mapstructure so
// duration fields accept human-readable forms like "500ms"
func loadYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(doc)
}
