// Package registry is a read-only catalogue of named functions loaded from a
// YAML file. It resolves a function name to the code and runtime used to
// build an execution request; the engine itself never consults it.
package registry
