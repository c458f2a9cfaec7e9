// Command redsim drives a red.REDQueue against a synthetic traffic
// generator for a fixed virtual duration and prints a JSON summary.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/talau/gored/clock"
	"github.com/talau/gored/internal/trafficgen"
	"github.com/talau/gored/packet"
	"github.com/talau/gored/red"
	"github.com/talau/gored/rng"
	"gopkg.in/yaml.v3"
)

// simConfig is the on-disk shape accepted by -config; it wraps red.Config
// with the traffic-generation knobs the queue itself doesn't own.
type simConfig struct {
	Red        red.Config `json:"red" yaml:"red"`
	RateMBps   float64    `json:"rateMBps" yaml:"rateMBps"`
	MinPktSize uint32     `json:"minPktSize" yaml:"minPktSize"`
	MaxPktSize uint32     `json:"maxPktSize" yaml:"maxPktSize"`
	Seed       int64      `json:"seed" yaml:"seed"`
}

func defaultSimConfig() simConfig {
	return simConfig{
		Red:        red.DefaultConfig(),
		RateMBps:   1.0,
		MinPktSize: 500,
		MaxPktSize: 500,
		Seed:       1,
	}
}

func loadConfig(path string) (simConfig, error) {
	cfg := defaultSimConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := fileExt(path); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	return cfg, err
}

func fileExt(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}

func main() {
	configFile := flag.String("config", "", "Path to JSON or YAML configuration file (optional, defaults used if absent)")
	durationSec := flag.Int("duration", 60, "Simulation duration in virtual seconds")
	speedHz := flag.Int("speed", 1000, "Number of packets dequeued (served) per virtual second")
	outputFile := flag.String("output", "", "Path to output JSON file (optional, prints to stdout if not specified)")
	verbose := flag.Bool("verbose", false, "Log every drop decision to stderr")
	flag.Parse()

	var cfg simConfig
	var err error
	if *configFile != "" {
		cfg, err = loadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = defaultSimConfig()
	}

	if err := cfg.Red.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	vclock := clock.NewVirtual(time.Unix(0, 0))
	source := rng.NewMathRand(cfg.Seed)

	var opts []red.Option
	if *verbose {
		opts = append(opts, red.WithDropHook(func(p packet.Packet, dtype red.DropType) {
			fmt.Fprintf(os.Stderr, "[%s] drop type=%v size=%d\n", vclock.Now(), dtype, p.SizeBytes())
		}))
	}

	q, err := red.NewQueue(cfg.Red, vclock, source, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating queue: %v\n", err)
		os.Exit(1)
	}

	gen := trafficgen.NewPoisson(cfg.RateMBps, cfg.MinPktSize, cfg.MaxPktSize, cfg.Seed)

	fmt.Fprintf(os.Stderr, "Starting simulation for %d virtual seconds...\n", *durationSec)
	startTime := time.Now()

	var id uint64
	target := vclock.Now().Add(time.Duration(*durationSec) * time.Second)
	drainInterval := time.Second / time.Duration(*speedHz)
	if drainInterval <= 0 {
		drainInterval = time.Millisecond
	}
	nextDrain := vclock.Now().Add(drainInterval)

	for vclock.Now().Before(target) {
		gap := gen.NextInterval()
		if gap <= 0 {
			gap = time.Millisecond
		}
		vclock.Advance(gap)

		id++
		p := packet.Simple{ID: id, Bytes: gen.NextSizeBytes()}
		q.Enqueue(p)

		for !vclock.Now().Before(nextDrain) {
			q.Dequeue()
			nextDrain = nextDrain.Add(drainInterval)
		}
	}

	elapsed := time.Since(startTime)
	fmt.Fprintf(os.Stderr, "Simulation completed in %v (%d virtual seconds)\n", elapsed, *durationSec)

	results := map[string]interface{}{
		"config":    cfg,
		"realTime":  elapsed.Seconds(),
		"stats":     q.Stats(),
		"qAvg":      q.QAvg(),
		"vProb":     q.VProb(),
		"queueSize": q.Size(),
	}

	output, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling results: %v\n", err)
		os.Exit(1)
	}

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, output, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output file: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Results written to %s\n", *outputFile)
	} else {
		fmt.Println(string(output))
	}
}
