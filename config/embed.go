// Package config provides embedded default configuration for Parley.
package config

import (
	_ "embed"
)

// DefaultConfigYAML contains the embedded default configuration in YAML format.
// This is what `parley config create` writes to ~/.parleyrc.
//
//go:embed config.default.yaml
var DefaultConfigYAML []byte
