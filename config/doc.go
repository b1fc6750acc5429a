// Package config loads and validates the capture node configuration.
//
// Configuration is YAML, loaded in layers: defaults, then each file
// layer in order, then CAPTUREKIT_* environment variables. Later layers
// override earlier ones field by field. Each section of Config maps onto
// the config type of the package it drives, so packages stay usable on
// their own.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/capturekit/config.yaml")
//	loader.AddLayer("config.local.yaml")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// SafeConfig wraps a Config for concurrent readers; Update validates
// before swapping.
package config
