// Package config defines the threatdeck application configuration: the
// HTTP listener, the NATS connection, changelog persistence, and the
// simulation tables that drive entity mutation. Configuration is loaded
// from JSON files layered over built-in defaults, with environment
// variable overrides applied last.
package config
