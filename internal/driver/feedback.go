package driver

import (
	"math/rand"
)

// FeedbackDelayGenerator produces the delay before receiver feedback (NAK)
// is sent, so a multicast group does not synchronize its requests.
type FeedbackDelayGenerator interface {
	// Generate returns the next delay in nanoseconds; retry is true when
	// a previous NAK for the same gap went unanswered.
	Generate(retry bool) int64
}

// StaticDelayGenerator always returns the configured delay. Used on
// unicast channels where there is exactly one receiver.
type StaticDelayGenerator struct {
	DelayNs int64
}

func (g *StaticDelayGenerator) Generate(bool) int64 { return g.DelayNs }

// ExponentialDelayGenerator draws a random delay and doubles the ceiling
// on retries up to the configured maximum. Used on multicast channels.
type ExponentialDelayGenerator struct {
	MinNs int64
	MaxNs int64

	currentMaxNs int64
	rng          *rand.Rand
}

// NewExponentialDelayGenerator builds a generator in [minNs, maxNs].
func NewExponentialDelayGenerator(minNs, maxNs int64, seed int64) *ExponentialDelayGenerator {
	if minNs < 1 {
		minNs = 1
	}
	if maxNs < minNs {
		maxNs = minNs
	}
	return &ExponentialDelayGenerator{
		MinNs:        minNs,
		MaxNs:        maxNs,
		currentMaxNs: minNs,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

func (g *ExponentialDelayGenerator) Generate(retry bool) int64 {
	if retry {
		g.currentMaxNs *= 2
		if g.currentMaxNs > g.MaxNs {
			g.currentMaxNs = g.MaxNs
		}
	} else {
		g.currentMaxNs = g.MinNs
	}
	span := g.currentMaxNs - g.MinNs
	if span <= 0 {
		return g.MinNs
	}
	return g.MinNs + g.rng.Int63n(span)
}
