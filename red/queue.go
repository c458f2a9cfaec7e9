// Package red implements Random Early Detection active queue management:
// a FIFO packet buffer that probabilistically drops packets before it
// fills, using an EWMA of queue occupancy as the congestion signal. This
// is the "gentle" RED variant with the NS-2 compatibility knobs (wait,
// ns1Compat, cautious modes), ported from the ns-3 RedQueue core.
package red

import (
	"math"
	"time"

	"github.com/talau/gored/clock"
	"github.com/talau/gored/packet"
	"github.com/talau/gored/rng"
)

// DropType classifies why a packet did not make it into the buffer.
type DropType int

const (
	// DropNone means the packet was accepted.
	DropNone DropType = iota
	// DropForced means a hard bound (queue_limit, or qAvg past the
	// forced-drop threshold) was exceeded.
	DropForced
	// DropUnforced means the probabilistic drop_early decision fired.
	DropUnforced
)

func (d DropType) String() string {
	switch d {
	case DropNone:
		return "none"
	case DropForced:
		return "forced"
	case DropUnforced:
		return "unforced"
	default:
		return "unknown"
	}
}

// Stats are the read-only counters exposed to observers. PDrop and
// Other are carried for wire-compatibility with the ns-3 reference
// Stats struct; the core never increments them itself.
type Stats struct {
	UnforcedDrop uint32 `json:"unforcedDrop"`
	ForcedDrop   uint32 `json:"forcedDrop"`
	PDrop        uint32 `json:"pdrop"`
	Other        uint32 `json:"other"`
	Backlog      uint32 `json:"backlog"`
}

// DropHook is invoked exactly once per refused packet. Ownership of p
// ends once this returns, either way.
type DropHook func(p packet.Packet, dtype DropType)

// AcceptHook is invoked once per admitted packet, after it is buffered.
type AcceptHook func(p packet.Packet)

// TraceHook is invoked on every drop_early evaluation with the
// probabilities just computed and the EWMA they were derived from. It
// generalizes the ns-3 reference's unused drop_early_test counter into
// an actual observability surface.
type TraceHook func(vProb, vProb1, qAvg float64)

// Queue is the narrow capability contract consumed by device/link
// layers. RED is its one implementor in this package.
type Queue interface {
	Enqueue(p packet.Packet) bool
	Dequeue() (packet.Packet, bool)
	Peek() (packet.Packet, bool)
	Size() uint32
	Stats() Stats
}

// REDQueue is the RED queue engine. The zero value is not usable; build
// one with NewQueue.
type REDQueue struct {
	cfg   Config
	clock clock.Clock
	rng   rng.Source

	onDrop   DropHook
	onAccept AcceptHook
	onTrace  TraceHook

	buf           []packet.Packet
	bytesInQueue  uint32
	stats         Stats

	initialized bool

	// RED state
	qAvg    float64
	count   uint32
	countBytes uint32
	old     uint32
	idle    uint32
	idleTime time.Time
	vProb   float64
	vProb1  float64

	// derived constants, set once in initialize()
	ptc      float64
	curMaxP  float64
	vA, vB   float64
	vC, vD   float64
	qw       float64 // post-auto-derivation
}

// NewQueue validates cfg and builds a REDQueue. Derived constants (ptc,
// qw auto-derivation, vA/vB/vC/vD) are computed lazily on the first
// Enqueue; validation happens here so the queue never serves packets
// from an inconsistent configuration.
func NewQueue(cfg Config, clk clock.Clock, source rng.Source, opts ...Option) (*REDQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &REDQueue{
		cfg:   cfg,
		clock: clk,
		rng:   source,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Option configures optional observability hooks on a REDQueue.
type Option func(*REDQueue)

// WithDropHook sets the hook invoked on every refused packet.
func WithDropHook(h DropHook) Option { return func(q *REDQueue) { q.onDrop = h } }

// WithAcceptHook sets the hook invoked on every admitted packet.
func WithAcceptHook(h AcceptHook) Option { return func(q *REDQueue) { q.onAccept = h } }

// WithTraceHook sets the hook invoked on every drop_early evaluation.
func WithTraceHook(h TraceHook) Option { return func(q *REDQueue) { q.onTrace = h } }

// Config returns the queue's configuration.
func (q *REDQueue) Config() Config { return q.cfg }

// initialize runs the one-shot derived-constant setup. It is idempotent
// in effect (guarded by q.initialized) but not itself concurrency-safe,
// matching the single-threaded packet-path model the rest of the core
// assumes.
func (q *REDQueue) initialize() {
	if q.initialized {
		return
	}
	q.initialized = true

	q.ptc = float64(q.cfg.LinkBandwidthBps) / (8.0 * float64(q.cfg.MeanPktSize))

	thDiff := q.cfg.MaxTh - q.cfg.MinTh
	if thDiff == 0 {
		// Compatibility substitution: equal thresholds would divide by
		// zero below.
		thDiff = 1.0
	}
	q.vA = 1.0 / thDiff
	q.vB = -q.cfg.MinTh / thDiff
	q.curMaxP = 1.0 / q.cfg.LInterm
	if q.cfg.Gentle {
		q.vC = (1.0 - q.curMaxP) / q.cfg.MaxTh
		q.vD = 2.0*q.curMaxP - 1.0
	}

	q.qAvg = 0
	q.count = 0
	q.countBytes = 0
	q.old = 0
	q.idle = 1
	q.idleTime = time.Time{}

	q.qw = q.cfg.Qw
	switch q.cfg.Qw {
	case 0:
		q.qw = 1.0 - math.Exp(-1.0/q.ptc)
	case -1:
		rtt := 3.0 * (q.cfg.LinkDelay.Seconds() + 1.0/q.ptc)
		if rtt < 0.1 {
			rtt = 0.1
		}
		q.qw = 1.0 - math.Exp(-1.0/(10*rtt*q.ptc))
	case -2:
		q.qw = 1.0 - math.Exp(-10.0/q.ptc)
	}
}

// estimate implements the EWMA update, including idle catch-up. nQueued
// is the pre-enqueue occupancy in the configured unit.
func (q *REDQueue) estimate(nQueued uint32) {
	var m float64
	if q.idle == 1 {
		now := q.clock.Now()
		elapsed := now.Sub(q.idleTime).Seconds()
		rate := q.ptc
		if q.cfg.Cautious == CautiousIdlePktSize {
			rate = q.ptc * float64(q.cfg.MeanPktSize) / float64(q.cfg.IdlePktSize)
		}
		m = math.Floor(rate * elapsed)
		if m < 0 {
			// Guard against a clock moving backwards; never walk
			// the EWMA forward in time. m stays a float64 so it
			// never wraps the way an unsigned pre-decrement would.
			m = 0
		}
		q.idle = 0
	}

	// (1-qw)^(m+1) * qAvg + qw * nQueued, the closed form of m+1 EWMA
	// steps against a zero sample followed by one step against
	// nQueued.
	q.qAvg = math.Pow(1.0-q.qw, m+1)*q.qAvg + q.qw*float64(nQueued)
}

// calculatePNew computes the base drop probability from qAvg.
func (q *REDQueue) calculatePNew() float64 {
	var p float64
	switch {
	case q.cfg.Gentle && q.qAvg >= q.cfg.MaxTh:
		p = q.vC*q.qAvg + q.vD
	case !q.cfg.Gentle && q.qAvg >= q.cfg.MaxTh:
		p = 1.0
	default:
		p = (q.vA*q.qAvg + q.vB) * q.curMaxP
	}
	if p > 1.0 {
		p = 1.0
	}
	return p
}

// modifyP scales the base probability by how many packets have arrived
// since the last drop, per the wait/no-wait drop-spacing rule.
func (q *REDQueue) modifyP(p float64, pktSize uint32) float64 {
	c := float64(q.count)
	if q.cfg.Mode == Bytes {
		// Integer division, truncated before the cast to float64,
		// matching the reference's count1 = (double)(countBytes /
		// meanPktSize).
		c = float64(q.countBytes / q.cfg.MeanPktSize)
	}

	cp := c * p
	if q.cfg.Wait {
		switch {
		case cp < 1.0:
			p = 0.0
		case cp < 2.0:
			p = p / (2.0 - cp)
		default:
			p = 1.0
		}
	} else {
		if cp < 1.0 {
			p = p / (1.0 - cp)
		} else {
			p = 1.0
		}
	}

	if q.cfg.Mode == Bytes && p < 1.0 {
		p = p * float64(pktSize) / float64(q.cfg.MeanPktSize)
	}
	if p > 1.0 {
		p = 1.0
	}
	return p
}

// dropEarly runs the probabilistic drop decision for one packet.
func (q *REDQueue) dropEarly(p packet.Packet, qSize uint32) bool {
	q.vProb1 = q.calculatePNew()
	q.vProb = q.modifyP(q.vProb1, p.SizeBytes())

	if q.onTrace != nil {
		q.onTrace(q.vProb, q.vProb1, q.qAvg)
	}

	if q.cfg.Cautious == CautiousSkipBelowFraction {
		pkts := q.ptc * 0.05
		fraction := math.Pow(1-q.qw, pkts)
		if float64(qSize) < fraction*q.qAvg {
			return false
		}
	}

	u := q.rng.Float64()

	if q.cfg.Cautious == CautiousScaleSample {
		pkts := q.ptc * 0.05
		fraction := math.Pow(1-q.qw, pkts)
		ratio := float64(qSize) / (fraction * q.qAvg)
		if ratio < 1.0 {
			u /= ratio
		}
	}

	if u <= q.vProb {
		q.count = 0
		q.countBytes = 0
		return true
	}
	return false
}

// nQueued returns the instantaneous occupancy in the configured unit.
func (q *REDQueue) nQueued() uint32 {
	if q.cfg.Mode == Bytes {
		return q.bytesInQueue
	}
	return uint32(len(q.buf))
}

// Enqueue attempts to admit p. It returns true on accept, false on drop
// (forced or unforced).
func (q *REDQueue) Enqueue(p packet.Packet) bool {
	q.initialize()

	nQueued := q.nQueued()
	q.estimate(nQueued)

	q.count++
	q.countBytes += p.SizeBytes()

	dropType := DropNone
	if q.qAvg >= q.cfg.MinTh && nQueued > 1 {
		switch {
		case (!q.cfg.Gentle && q.qAvg >= q.cfg.MaxTh) || (q.cfg.Gentle && q.qAvg >= 2*q.cfg.MaxTh):
			dropType = DropForced
		case q.old == 0:
			// Crossing from below minTh: accept, start tracking.
			q.count = 1
			q.countBytes = p.SizeBytes()
			q.old = 1
		default:
			if q.dropEarly(p, nQueued) {
				dropType = DropUnforced
			}
		}
	} else {
		q.vProb = 0.0
		q.old = 0
	}

	if nQueued >= q.cfg.QueueLimit {
		dropType = DropForced
	}

	switch dropType {
	case DropUnforced:
		q.stats.UnforcedDrop++
		if q.onDrop != nil {
			q.onDrop(p, DropUnforced)
		}
		return false
	case DropForced:
		q.stats.ForcedDrop++
		if q.cfg.NS1Compat {
			q.count = 0
			q.countBytes = 0
		}
		if q.onDrop != nil {
			q.onDrop(p, DropForced)
		}
		return false
	}

	q.bytesInQueue += p.SizeBytes()
	q.buf = append(q.buf, p)
	q.stats.Backlog = q.bytesInQueue
	if q.onAccept != nil {
		q.onAccept(p)
	}
	return true
}

// Dequeue removes the head packet, or reports empty. On an empty result
// it marks the queue idle and stamps idleTime, matching the ns-3
// reference's "set on an emptying observation" semantics exactly.
func (q *REDQueue) Dequeue() (packet.Packet, bool) {
	if len(q.buf) == 0 {
		q.idle = 1
		q.idleTime = q.clock.Now()
		return nil, false
	}
	q.idle = 0
	p := q.buf[0]
	q.buf = q.buf[1:]
	q.bytesInQueue -= p.SizeBytes()
	q.stats.Backlog = q.bytesInQueue
	return p, true
}

// Peek returns the head packet without removing it. It never mutates
// state.
func (q *REDQueue) Peek() (packet.Packet, bool) {
	if len(q.buf) == 0 {
		return nil, false
	}
	return q.buf[0], true
}

// Size returns bytesInQueue in Bytes mode, or the buffer length in
// Packets mode.
func (q *REDQueue) Size() uint32 {
	if q.cfg.Mode == Bytes {
		return q.bytesInQueue
	}
	return uint32(len(q.buf))
}

// QueueLength returns the number of packets currently buffered,
// regardless of Mode. Reinstated from the ns-3 reference's
// GetQueueSize accessor.
func (q *REDQueue) QueueLength() uint32 {
	return uint32(len(q.buf))
}

// Stats returns a snapshot of the queue's counters.
func (q *REDQueue) Stats() Stats {
	return q.stats
}

// QAvg returns the current EWMA of queue occupancy, for tracing/tests.
func (q *REDQueue) QAvg() float64 { return q.qAvg }

// VProb returns the most recently computed drop probability (after
// ModifyP), for tracing/tests.
func (q *REDQueue) VProb() float64 { return q.vProb }

// VProb1 returns the most recently computed base drop probability
// (before ModifyP), for tracing/tests.
func (q *REDQueue) VProb1() float64 { return q.vProb1 }

// Reset reinitializes RED state as if freshly constructed, preserving
// Config.
func (q *REDQueue) Reset() {
	q.buf = nil
	q.bytesInQueue = 0
	q.stats = Stats{}
	q.vProb = 0
	q.vProb1 = 0
	q.initialized = false
	q.initialize()
}
