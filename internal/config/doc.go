// Package config loads and validates the whatsapp-hook YAML configuration,
// expanding ${VAR} environment references and parsing duration strings.
package config
