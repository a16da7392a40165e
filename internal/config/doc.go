// Package config loads runtime configuration from multiple sources (YAML files,
// .env and environment variables, CLI flags) with precedence: CLI flags > YAML
// config > Environment variables > Defaults. It also reads the site accounts
// from the JSON keys file and exposes strongly typed settings to the rest of
// the application.
package config
