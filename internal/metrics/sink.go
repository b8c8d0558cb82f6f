// Package metrics defines the sink the polling loop writes into and its
// Prometheus-backed implementation. The loop owns entire label sets: series
// carrying round-scoped labels are cleared and rewritten every round so stale
// rows never linger.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gauge family names exposed by the exporter.
const (
	SeriesUp            = "geth_up"
	SeriesBlock         = "geth_block_number"
	SeriesEffectiveHead = "geth_effective_head_block"
	SeriesPeers         = "geth_peer_count"
	SeriesSyncing       = "geth_syncing"
	SeriesSyncCurrent   = "geth_sync_current_block"
	SeriesSyncHighest   = "geth_sync_highest_block"
	SeriesSyncRemaining = "geth_sync_remaining_blocks"
	SeriesLagVsTop      = "geth_lag_vs_top_blocks"
	SeriesSortKey       = "geth_node_sort_key"
	SeriesSyncTarget    = "geth_sync_target_block"
	SeriesSyncPercent   = "geth_sync_percent"
	SeriesProgressInfo  = "geth_sync_progress_info"
	SeriesStageStatus   = "chain_stage_status"
)

// Sink accepts named, labeled numeric samples. The polling loop is the only
// writer; implementations must tolerate a concurrent reader rendering a
// snapshot.
type Sink interface {
	// Set writes one sample of a labeled series.
	Set(series string, labels map[string]string, value float64)
	// Delete removes a single labeled sample, if present.
	Delete(series string, labels map[string]string)
	// Clear removes every sample of a series.
	Clear(series string)
}

type gaugeSpec struct {
	help   string
	labels []string
}

var gaugeSpecs = map[string]gaugeSpec{
	SeriesUp:            {"Whether the exporter can query the node (1=up, 0=down)", []string{"node"}},
	SeriesBlock:         {"Latest known head block number", []string{"node"}},
	SeriesEffectiveHead: {"Best-effort progress head: if syncing then max(eth_blockNumber, eth_syncing.currentBlock) else eth_blockNumber", []string{"node"}},
	SeriesPeers:         {"Peer count", []string{"node"}},
	SeriesSyncing:       {"Whether node reports eth_syncing != false", []string{"node"}},
	SeriesSyncCurrent:   {"eth_syncing.currentBlock (0 when not syncing)", []string{"node"}},
	SeriesSyncHighest:   {"eth_syncing.highestBlock (0 when not syncing)", []string{"node"}},
	SeriesSyncRemaining: {"Remaining blocks to the progress target (0 when reached)", []string{"node"}},
	SeriesLagVsTop:      {"Block lag vs the top node", []string{"node"}},
	SeriesSortKey:       {"Stable sort key for nodes (matches configured order; lower is earlier)", []string{"node"}},
	SeriesSyncTarget:    {"Best-effort target head height for progress calculations", []string{"node"}},
	SeriesSyncPercent:   {"Best-effort sync completion percentage (effective head / target * 100)", []string{"node"}},
	SeriesProgressInfo:  {"Sync progress info as a label: progress=\"<effective>/<target> (<pct>%)\" (value is always 1)", []string{"node", "progress"}},
	SeriesStageStatus:   {"Stage status for the chain checklist (0=not started/down, 1=in progress, 2=done)", []string{"stage"}},
}

// PromSink is the Prometheus implementation of Sink, backed by a private
// registry so nothing process-global leaks into tests.
type PromSink struct {
	registry *prometheus.Registry
	vecs     map[string]*prometheus.GaugeVec
}

// NewPromSink registers every exporter gauge family with a fresh registry.
func NewPromSink() *PromSink {
	registry := prometheus.NewRegistry()
	vecs := make(map[string]*prometheus.GaugeVec, len(gaugeSpecs))
	for name, spec := range gaugeSpecs {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: spec.help}, spec.labels)
		registry.MustRegister(vec)
		vecs[name] = vec
	}
	return &PromSink{registry: registry, vecs: vecs}
}

// Handler renders the registry in Prometheus text exposition format.
func (s *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *PromSink) Set(series string, labels map[string]string, value float64) {
	vec, ok := s.vecs[series]
	if !ok {
		log.Printf("metrics: ignoring write to unknown series %q", series)
		return
	}
	vec.With(labels).Set(value)
}

func (s *PromSink) Delete(series string, labels map[string]string) {
	if vec, ok := s.vecs[series]; ok {
		vec.Delete(labels)
	}
}

func (s *PromSink) Clear(series string) {
	if vec, ok := s.vecs[series]; ok {
		vec.Reset()
	}
}
