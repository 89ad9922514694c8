package main

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/toolforge/forge/pkg/config"
)

// ValidateCmd runs the config pipeline and reports the result.
type ValidateCmd struct {
	Print bool `help:"Print the effective configuration as YAML."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	if c.Print {
		out, err := renderYAML(cfg)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	}

	fmt.Printf("%s is valid\n", cli.Config)
	return nil
}

// renderYAML renders the effective document. Round-tripping through JSON
// keeps the keys in the document's own naming.
func renderYAML(cfg *config.Config) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(out), nil
}
