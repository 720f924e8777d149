//go:build !debug

package logmem

// checkInvariants is a no-op outside debug builds; see
// check_invariants_debug.go for the gomega-backed version exercised
// by `go test -tags debug`.
func (s *Shard) checkInvariants() {}
