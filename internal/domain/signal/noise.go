package signal

import (
	"strings"
	"sync"

	"github.com/miosa-osa/osa/internal/domain/entity"
)

// shortMessageWords is the cutoff below which low-weight social chatter is
// considered droppable.
const shortMessageWords = 6

// NoiseFilter decides whether a classified message reaches the agent loop.
// The decision is deterministic: identical (signal, message) inputs always
// yield the same verdict.
type NoiseFilter struct {
	mu        sync.RWMutex
	threshold float64
}

// NewNoiseFilter creates a filter; threshold below which weight is noise.
func NewNoiseFilter(threshold float64) *NoiseFilter {
	if threshold <= 0 {
		threshold = 0.2
	}
	return &NoiseFilter{threshold: threshold}
}

// SetThreshold updates the drop threshold (hot-reloaded from config).
func (f *NoiseFilter) SetThreshold(t float64) {
	if t <= 0 {
		return
	}
	f.mu.Lock()
	f.threshold = t
	f.mu.Unlock()
}

// ShouldDrop reports whether the message is noise. A message is dropped iff
// its weight is below the threshold AND it is short expressive/informative
// chatter AND it is not a command.
func (f *NoiseFilter) ShouldDrop(sig entity.Signal, message string) bool {
	f.mu.RLock()
	threshold := f.threshold
	f.mu.RUnlock()

	if sig.Weight >= threshold {
		return false
	}
	if sig.Format == entity.FormatCommand {
		return false
	}
	if sig.Genre != entity.GenreExpress && sig.Genre != entity.GenreInform {
		return false
	}
	return len(strings.Fields(message)) < shortMessageWords
}
