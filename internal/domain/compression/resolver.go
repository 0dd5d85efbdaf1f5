// Package compression resolves the requested compression level against the
// network estimate and the loaded compressor models.
package compression

import (
	"sort"
	"strconv"
	"strings"

	"dyzen-server-go/internal/domain/network"
	"dyzen-server-go/internal/platform/errors"
)

// Auto asks the resolver to pick a level from the network estimate.
const Auto = "auto"

// DefaultLevel is used when an explicit request cannot be honoured.
const DefaultLevel = network.LevelMedium

// StaticLevels is the supported domain when no compressor models are loaded.
var StaticLevels = []int{network.LevelPoor, network.LevelMedium, network.LevelGood}

// Decision is the outcome of a resolution. Warning is set, with kind
// coercion, when an explicit request was replaced by the default level.
type Decision struct {
	Level    int   `json:"level"`
	Inferred bool  `json:"inferred"`
	Coerced  bool  `json:"coerced"`
	Warning  error `json:"-"`
}

// LevelSource reports the bottleneck sizes of the loaded compressors.
type LevelSource interface {
	CompressorLevels() []int
}

// FixedLevels is a LevelSource over a configured list.
type FixedLevels []int

func (f FixedLevels) CompressorLevels() []int { return f }

// Chain reports the levels of the first source that has any.
type Chain []LevelSource

func (c Chain) CompressorLevels() []int {
	for _, src := range c {
		if src == nil {
			continue
		}
		if levels := src.CompressorLevels(); len(levels) > 0 {
			return levels
		}
	}
	return nil
}

// Resolver is pure: it keeps no state between calls.
type Resolver struct {
	levels       LevelSource
	defaultLevel int
}

// NewResolver creates a resolver. levels may be nil, in which case
// StaticLevels is the supported domain. defaultLevel <= 0 means DefaultLevel.
func NewResolver(levels LevelSource, defaultLevel int) *Resolver {
	if defaultLevel <= 0 {
		defaultLevel = DefaultLevel
	}
	return &Resolver{levels: levels, defaultLevel: defaultLevel}
}

// Supported returns the ascending list of accepted levels.
func (r *Resolver) Supported() []int {
	if r.levels != nil {
		if loaded := r.levels.CompressorLevels(); len(loaded) > 0 {
			out := append([]int(nil), loaded...)
			sort.Ints(out)
			return out
		}
	}
	return append([]int(nil), StaticLevels...)
}

// Resolve maps a request ("auto" or an integer level) to a supported level.
func (r *Resolver) Resolve(requested string, quality network.Quality) Decision {
	supported := r.Supported()
	value := strings.TrimSpace(requested)

	if strings.EqualFold(value, Auto) {
		return Decision{
			Level:    nearest(supported, quality.RecommendedCompression),
			Inferred: true,
		}
	}

	level, err := strconv.Atoi(value)
	if err == nil && contains(supported, level) {
		return Decision{Level: level}
	}

	fallback := nearest(supported, r.defaultLevel)
	return Decision{
		Level:   fallback,
		Coerced: true,
		Warning: errors.Newf(errors.KindCoercion, "compression.resolve",
			"unsupported compression level %q, using %d", requested, fallback),
	}
}

func contains(levels []int, level int) bool {
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}

// nearest picks the supported level closest to target; ties go to the
// smaller level.
func nearest(levels []int, target int) int {
	best := levels[0]
	for _, l := range levels[1:] {
		if abs(l-target) < abs(best-target) {
			best = l
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
