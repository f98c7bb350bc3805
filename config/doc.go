// Package config loads funcbox settings with viper.
//
// Values come from config.yaml in "." or "./config" when present, layered over
// defaults set in code. The sections cover the MCP transport, logging, the
// execution engine (timeouts, workspace root, build cache bound), the docker
// and gvisor runtimes, the metrics store and the function registry file.
// validate reports the first bad key by its dotted name.
package config
