package transport

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// DelayWindow bounds how far a sampled delay may stray from the nominal one.
const DelayWindow = 500 * time.Millisecond

// JitterModel decides message loss and samples consumer-side delay. Each
// handler owns its own model and random source.
type JitterModel struct {
	dropRate float64       // probability in [0,1] that a message is discarded
	delay    time.Duration // nominal delay
	spread   time.Duration // standard deviation of the sampled delay

	rng *rand.Rand
	mu  sync.Mutex
}

// NewJitterModel validates its inputs. A zero spread defaults to delay/10.
func NewJitterModel(dropRate float64, delay, spread time.Duration, seed uint64) (*JitterModel, error) {
	if dropRate < 0 || dropRate > 1 {
		return nil, fmt.Errorf("drop rate %v outside [0,1]", dropRate)
	}
	if delay < 0 {
		return nil, fmt.Errorf("negative delay %s", delay)
	}
	if spread < 0 {
		return nil, fmt.Errorf("negative spread %s", spread)
	}
	if spread == 0 {
		spread = delay / 10
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &JitterModel{
		dropRate: dropRate,
		delay:    delay,
		spread:   spread,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (m *JitterModel) DropRate() float64    { return m.dropRate }
func (m *JitterModel) Delay() time.Duration { return m.delay }

// ShouldDrop makes one independent loss decision.
func (m *JitterModel) ShouldDrop() bool {
	if m.dropRate <= 0 {
		return false
	}
	if m.dropRate >= 1 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < m.dropRate
}

// SampleDelay draws from a normal distribution around the nominal delay and
// clamps the result to [max(0, d-DelayWindow), d+DelayWindow]. A zero
// nominal delay disables delay entirely.
func (m *JitterModel) SampleDelay() time.Duration {
	if m.delay <= 0 {
		return 0
	}
	m.mu.Lock()
	z := m.rng.NormFloat64()
	m.mu.Unlock()

	sampled := m.delay + time.Duration(z*float64(m.spread))
	lo, hi := DelayBounds(m.delay)
	return min(max(sampled, lo), hi)
}

// DelayBounds returns the clamp window for a nominal delay.
func DelayBounds(delay time.Duration) (time.Duration, time.Duration) {
	return max(0, delay-DelayWindow), delay + DelayWindow
}
