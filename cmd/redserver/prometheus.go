package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/talau/gored/red"
)

var promMetrics = struct {
	qAvg         prometheus.Gauge
	vProb        prometheus.Gauge
	backlog      prometheus.Gauge
	unforcedDrop prometheus.Gauge
	forcedDrop   prometheus.Gauge
}{
	qAvg: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "red_q_avg",
		Help: "Exponentially weighted average queue occupancy",
	}),
	vProb: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "red_v_prob",
		Help: "Current packet drop probability",
	}),
	backlog: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "red_backlog_bytes",
		Help: "Bytes currently buffered",
	}),
	unforcedDrop: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "red_unforced_drop_total",
		Help: "Cumulative count of probabilistic drop_early drops",
	}),
	forcedDrop: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "red_forced_drop_total",
		Help: "Cumulative count of hard-bound forced drops",
	}),
}

func initPrometheusMetrics() {
	prometheus.MustRegister(
		promMetrics.qAvg,
		promMetrics.vProb,
		promMetrics.backlog,
		promMetrics.unforcedDrop,
		promMetrics.forcedDrop,
	)
}

func updatePrometheusMetrics(stats red.Stats, qAvg, vProb float64) {
	promMetrics.qAvg.Set(qAvg)
	promMetrics.vProb.Set(vProb)
	promMetrics.backlog.Set(float64(stats.Backlog))
	promMetrics.unforcedDrop.Set(float64(stats.UnforcedDrop))
	promMetrics.forcedDrop.Set(float64(stats.ForcedDrop))
}

func promHandler() http.Handler {
	return promhttp.Handler()
}
