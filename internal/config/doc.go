// Package config loads, normalizes, and validates vidpipe configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks for
// credentials such as VIDPIPE_S3_SECRET_KEY. The Config type centralizes every
// knob the worker daemon and CLI need so backends can be chosen in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical backend names, and clear validation errors.
package config
