/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package provider

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// modelsFile is the on-disk provider declaration.
type modelsFile struct {
	Providers []Config `yaml:"providers"`
}

// LoadConfigFile reads a YAML provider declaration:
//
//	providers:
//	  - type: anthropic
//	    name: anthropic-preview
//	    model: claude-sonnet-4-20250514
//	    layer: 1
//	    key_env: ANTHROPIC_API_KEY
//
// Entries are validated only as far as the factory requires; unknown
// fields are rejected so typos fail loudly at startup.
func LoadConfigFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}
	var f modelsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse models file %s: %w", path, err)
	}
	if len(f.Providers) == 0 {
		return nil, fmt.Errorf("models file %s declares no providers", path)
	}
	for i, cfg := range f.Providers {
		if cfg.Type == "" || cfg.Name == "" {
			return nil, fmt.Errorf("models file %s: entry %d needs type and name", path, i)
		}
		if cfg.Layer <= 0 {
			return nil, fmt.Errorf("models file %s: provider %q needs a positive layer", path, cfg.Name)
		}
	}
	return f.Providers, nil
}
