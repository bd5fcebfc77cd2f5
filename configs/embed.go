// Package configs provides the configuration templates written by
// 'velux-active init'.
package configs

import (
	_ "embed"
)

// ConfigYAML is the config.yaml template.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// EnvExample is the .env template.
//
//go:embed .env.example
var EnvExample []byte
