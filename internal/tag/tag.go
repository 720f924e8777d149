// Package tag exposes compile-time flags toggled by build tags.
// Build with `-tags debug` to turn on the extra runtime invariant
// checks in internal/logmem and the worker's per-command debug logging.
package tag

// Debug is true only in binaries built with the "debug" build tag.
// See debug.go / release.go for the two definitions.
var Debug = debug
