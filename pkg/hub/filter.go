package hub

import "github.com/cuemby/lookout/pkg/types"

// Accepts reports whether an event at level should be delivered to a
// subscriber whose filter is levels. A nil or empty filter accepts nothing.
func Accepts(levels types.LevelSet, level types.Level) bool {
	return levels.Has(level)
}
