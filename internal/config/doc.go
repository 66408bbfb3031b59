// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// The loaded Config is treated as immutable once validated: components receive
// copies of the sections they need at construction time.
package config
