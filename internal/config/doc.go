// Package config provides centralized configuration management for the
// payment daemon. It loads JSON configuration files, resolves relative
// paths against the configuration directory, and applies sensible defaults
// for the server, ledger client, monitor, and event distribution layers.
package config
