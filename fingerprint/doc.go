// Package fingerprint derives stable cache keys from submitted function code.
//
// Two submissions whose code differs only by leading or trailing whitespace
// share a fingerprint, so a cosmetic edit does not force a rebuild.
//
// Usage:
//
//	fp := fingerprint.Of(code)
//	fmt.Println(fp.Short())
package fingerprint
