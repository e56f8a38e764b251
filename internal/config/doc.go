// Package config provides centralized configuration management for the
// lpchaind runtime, covering the API server, operation storage and queue
// backends, ledger endpoints, resilience tuning, and the alerting channels.
// Values are loaded from a JSON file with sensible defaults applied for
// anything left unset.
package config
