// Package mcpserver exposes the execution engine as MCP tools.
//
// Tools:
//
//   - execute_function runs submitted handler(event) code on docker or gvisor
//   - invoke_function runs a registry function by name
//   - execution_metrics summarises the recorded history
//
// Execution results are returned as JSON text. Anything other than SUCCESS is
// flagged as a tool error, and so are requests the engine refuses to accept.
package mcpserver
