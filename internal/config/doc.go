// Package config loads the collaboration server configuration from the
// environment, optionally seeded from a .env file.
package config
