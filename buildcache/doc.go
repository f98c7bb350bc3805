// Package buildcache guarantees at most one successful build per content
// fingerprint.
//
// Concurrent EnsureBuilt calls for the same fingerprint wait for a single
// in-flight build instead of starting their own. A failed build is not
// remembered: the next caller builds again. Successful builds can be evicted,
// either explicitly or by the optional LRU bound, after which the next request
// rebuilds.
package buildcache
