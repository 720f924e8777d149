package logmem

import "errors"

var (
	// ErrNoSpace is returned by Insert when the shard has no room for
	// the entry even after running eviction.
	ErrNoSpace = errors.New("no_space")
	// ErrTooLarge is returned when a single entry could never fit in
	// an empty segment; the core does not support multi-segment
	// values, so retrying after eviction would never help.
	ErrTooLarge = errors.New("entry larger than segment capacity")
)
