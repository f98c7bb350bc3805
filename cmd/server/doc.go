// Package main is the entry point for the funcbox MCP server.
//
// The funcbox server executes handler(event) functions submitted over the
// Model Context Protocol in one of two isolation runtimes: per-execution
// docker containers built once per code fingerprint, or a simulated strong
// isolation runtime evaluated in-process. Every execution is recorded in the
// configured metrics store and exposed to Prometheus on a separate port.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
