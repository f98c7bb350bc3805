// Package workspace manages per-execution filesystem staging areas.
//
// Each build or run owns exactly one Workspace. The Manager creates it under a
// configurable base directory and removes it when the execution finishes,
// whatever the outcome. Live reports workspaces that have not been destroyed
// yet, which makes leaked staging directories observable.
//
// Usage:
//
//	mgr, err := workspace.NewManager(logger, "/var/lib/funcbox")
//	ws, err := mgr.Create(fp.Short())
//	defer mgr.Destroy(ws)
package workspace
