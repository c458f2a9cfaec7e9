// Package trafficgen synthesizes packet arrivals for cmd/redsim and
// cmd/redserver.
package trafficgen

import (
	"math"
	"math/rand"
	"time"
)

// Generator produces the next packet's size and the interval until it
// arrives.
type Generator interface {
	NextSizeBytes() uint32
	NextInterval() time.Duration
}

// Constant emits fixed-size packets at a constant rate.
type Constant struct {
	SizeBytes   uint32
	RateMBps    float64
}

// NewConstant builds a Constant generator.
func NewConstant(sizeBytes uint32, rateMBps float64) *Constant {
	return &Constant{SizeBytes: sizeBytes, RateMBps: rateMBps}
}

// NextSizeBytes always returns the configured packet size.
func (c *Constant) NextSizeBytes() uint32 { return c.SizeBytes }

// NextInterval returns the time a single packet takes to arrive at the
// configured rate, or zero if the rate is non-positive.
func (c *Constant) NextInterval() time.Duration {
	if c.RateMBps <= 0 {
		return 0
	}
	sizeMB := float64(c.SizeBytes) / (1024 * 1024)
	seconds := sizeMB / c.RateMBps
	return time.Duration(seconds * float64(time.Second))
}

// Poisson emits packets whose size is drawn from a bounded distribution
// and whose arrival gaps are exponentially distributed around a mean
// rate.
type Poisson struct {
	rng          *rand.Rand
	meanRateMBps float64
	minSizeBytes uint32
	maxSizeBytes uint32
}

// NewPoisson builds a Poisson arrival generator. A zero seed draws from
// the process-global random source; any other value makes the sequence
// reproducible.
func NewPoisson(meanRateMBps float64, minSizeBytes, maxSizeBytes uint32, seed int64) *Poisson {
	if seed == 0 {
		seed = rand.Int63()
	}
	return &Poisson{
		rng:          rand.New(rand.NewSource(seed)),
		meanRateMBps: meanRateMBps,
		minSizeBytes: minSizeBytes,
		maxSizeBytes: maxSizeBytes,
	}
}

// NextSizeBytes samples a packet size uniformly in [minSizeBytes,
// maxSizeBytes].
func (p *Poisson) NextSizeBytes() uint32 {
	if p.maxSizeBytes <= p.minSizeBytes {
		return p.minSizeBytes
	}
	span := p.maxSizeBytes - p.minSizeBytes
	return p.minSizeBytes + uint32(p.rng.Int63n(int64(span)+1))
}

// NextInterval draws an exponential inter-arrival gap consistent with
// meanRateMBps and the generator's mean packet size.
func (p *Poisson) NextInterval() time.Duration {
	if p.meanRateMBps <= 0 {
		return 0
	}
	meanSizeBytes := float64(p.minSizeBytes+p.maxSizeBytes) / 2
	meanSizeMB := meanSizeBytes / (1024 * 1024)
	meanIntervalSeconds := meanSizeMB / p.meanRateMBps

	u := p.rng.Float64()
	if u == 0 {
		u = 1e-10
	}
	seconds := -math.Log(u) * meanIntervalSeconds
	return time.Duration(seconds * float64(time.Second))
}
