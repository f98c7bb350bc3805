// Package logger builds the zap logger shared by every funcbox component.
//
// Two modes exist. "development" is human-readable and colourised.
// "production" emits JSON with an ISO8601 "timestamp" key. Both write to
// stderr, because stdout carries the MCP stdio transport, and both tag every
// entry with service=funcbox.
//
// The engine logs execution outcomes through this logger with execution_id,
// runtime and fingerprint fields attached:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("execution finished", zap.String("status", "SUCCESS"))
package logger
