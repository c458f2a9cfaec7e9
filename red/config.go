package red

import "time"

// Mode selects the unit RED's thresholds and queue limit are expressed in.
type Mode int

const (
	// Packets counts occupancy in packets.
	Packets Mode = iota
	// Bytes counts occupancy in bytes.
	Bytes
)

func (m Mode) String() string {
	switch m {
	case Packets:
		return "packets"
	case Bytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Cautious selects one of the experimental instantaneous-vs-average
// gates on the drop decision. 0 is the default (no gate).
type Cautious int

const (
	// CautiousNone runs the standard RED drop decision.
	CautiousNone Cautious = iota
	// CautiousSkipBelowFraction declines to drop when the instantaneous
	// queue is far below its average.
	CautiousSkipBelowFraction
	// CautiousScaleSample scales the uniform sample when the
	// instantaneous queue is far below its average, rather than
	// declining outright.
	CautiousScaleSample
	// CautiousIdlePktSize uses IdlePktSize (instead of MeanPktSize) to
	// rate the idle catch-up interval.
	CautiousIdlePktSize
)

// Config is the validated, immutable-after-initialization parameter
// bundle for a RED queue. Construct with DefaultConfig or build one
// directly, then pass to NewQueue; the zero value is not valid.
type Config struct {
	Mode Mode

	// MeanPktSize is the average packet size in bytes, used to derive
	// ptc and to scale drop probability in byte mode.
	MeanPktSize uint32
	// IdlePktSize overrides the idle catch-up rate when Cautious ==
	// CautiousIdlePktSize.
	IdlePktSize uint32

	// Wait enforces minimum spacing between random drops.
	Wait bool
	// Gentle ramps the drop probability linearly from maxP to 1 as
	// qAvg goes from MaxTh to 2*MaxTh, instead of a hard clamp at
	// MaxTh.
	Gentle bool

	MinTh float64
	MaxTh float64

	// QueueLimit is the hard buffer cap, in the configured Mode's unit.
	QueueLimit uint32

	// Qw is the EWMA weight for the current sample. The sentinels 0,
	// -1 and -2 trigger auto-derivation from the link parameters (spec
	// §4.3); any other value in (0,1) is used as given.
	Qw float64

	// LInterm is the inverse of the maximum drop probability:
	// maxP = 1/LInterm.
	LInterm float64

	// NS1Compat also resets count/countBytes on forced drops, matching
	// ns-1 behavior.
	NS1Compat bool

	LinkBandwidthBps uint64
	LinkDelay        time.Duration

	Cautious Cautious
}

// DefaultConfig returns the NS-2 "gentle RED" defaults used throughout
// the reference implementation and its test suites.
func DefaultConfig() Config {
	return Config{
		Mode:             Packets,
		MeanPktSize:      500,
		IdlePktSize:      500,
		Wait:             true,
		Gentle:           true,
		MinTh:            5,
		MaxTh:            15,
		QueueLimit:       25,
		Qw:               0,
		LInterm:          50,
		NS1Compat:        false,
		LinkBandwidthBps: 1_500_000,
		LinkDelay:        20 * time.Millisecond,
		Cautious:         CautiousNone,
	}
}

// Validate rejects out-of-range parameters that would leave the queue
// unable to serve packets consistently. It does not mutate c;
// compatibility substitutions like th_diff==0 are applied lazily at
// initialize time, not here.
func (c Config) Validate() error {
	switch c.Mode {
	case Packets, Bytes:
	default:
		return errInvalidConfig("unknown mode %d", c.Mode)
	}
	switch c.Cautious {
	case CautiousNone, CautiousSkipBelowFraction, CautiousScaleSample, CautiousIdlePktSize:
	default:
		return errInvalidConfig("unknown cautious mode %d", c.Cautious)
	}
	if c.MeanPktSize == 0 {
		return errInvalidConfig("mean_pkt_size must be > 0")
	}
	if c.Cautious == CautiousIdlePktSize && c.IdlePktSize == 0 {
		return errInvalidConfig("idle_pkt_size must be > 0 when cautious=3")
	}
	if c.LInterm <= 0 {
		return errInvalidConfig("l_interm must be > 0, got %v", c.LInterm)
	}
	if c.QueueLimit == 0 {
		return errInvalidConfig("queue_limit must be > 0")
	}
	if c.MinTh < 0 || c.MaxTh < 0 {
		return errInvalidConfig("min_th and max_th must be >= 0")
	}
	if c.MaxTh < c.MinTh {
		return errInvalidConfig("max_th (%v) must be >= min_th (%v)", c.MaxTh, c.MinTh)
	}
	if c.LinkBandwidthBps == 0 {
		return errInvalidConfig("link_bandwidth must be > 0")
	}
	if c.Qw != 0 && c.Qw != -1 && c.Qw != -2 && (c.Qw <= 0 || c.Qw >= 1) {
		return errInvalidConfig("qw must be a sentinel (0, -1, -2) or in (0,1), got %v", c.Qw)
	}
	return nil
}
