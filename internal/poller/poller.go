// Package poller drives the sampling rounds: every interval it reads the
// on-disk migration evidence, probes the beacon node and every fleet member,
// derives the stage checklist and publishes the whole round to the metrics
// sink.
package poller

import (
	"context"
	"log"
	"time"

	"github.com/chainofgeths/fleet-exporter/internal/config"
	"github.com/chainofgeths/fleet-exporter/internal/metrics"
	"github.com/chainofgeths/fleet-exporter/pkg/beacon"
	"github.com/chainofgeths/fleet-exporter/pkg/ethrpc"
	"github.com/chainofgeths/fleet-exporter/pkg/extstate"
	"github.com/chainofgeths/fleet-exporter/pkg/sampler"
	"github.com/chainofgeths/fleet-exporter/pkg/stages"
)

// Poller owns the per-round orchestration. One instance runs for the process
// lifetime; Run blocks until the context is cancelled.
type Poller struct {
	cfg     *config.Config
	sink    metrics.Sink
	sampler *sampler.Sampler
	ext     *extstate.Reader
	clients map[string]*ethrpc.Client

	beacon      *beacon.Client
	beaconLabel string

	// Backfill counter recency tracking across rounds.
	lastBackfillTotal    float64
	hasBackfillTotal     bool
	lastBackfillIncrease time.Time

	now func() time.Time // overridable in tests
}

// New dials every configured node and prepares a poller. Dialing is lazy on
// the transport level, so an unreachable node does not fail startup.
func New(cfg *config.Config, sink metrics.Sink) (*Poller, error) {
	clients := make(map[string]*ethrpc.Client, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		c, err := ethrpc.Dial(n.Name, n.URL, cfg.RPCTimeout)
		if err != nil {
			for _, open := range clients {
				open.Close()
			}
			return nil, err
		}
		clients[n.Name] = c
	}

	p := &Poller{
		cfg:     cfg,
		sink:    sink,
		sampler: sampler.New(cfg.RPCTimeout),
		ext:     extstate.NewReader(cfg.OutputDir, cfg.CutoffBlock),
		clients: clients,
		now:     time.Now,
	}
	if cfg.BeaconAPIURL != "" {
		p.beacon = beacon.New(cfg.BeaconAPIURL, cfg.BeaconMetricsURL, cfg.RPCTimeout)
	}
	return p, nil
}

// Close releases the node connections.
func (p *Poller) Close() {
	for _, c := range p.clients {
		c.Close()
	}
}

// Run polls immediately and then on every interval tick until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	log.Printf("poller: starting, %d nodes, interval %s", len(p.cfg.Nodes), p.cfg.Interval)
	p.Round(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("poller: stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			p.Round(ctx)
		}
	}
}

// Round performs one complete sampling round. Exported so tests can step the
// poller without the timer.
func (p *Poller) Round(ctx context.Context) {
	// File evidence first: the sampler's seed gate and the stage rules must
	// all see the same filesystem snapshot.
	ext := p.ext.Read(p.cfg.LegacyEnabled())

	// Label-carrying series are rebuilt from scratch each round so renamed
	// labels cannot linger.
	p.sink.Clear(metrics.SeriesProgressInfo)
	p.sink.Clear(metrics.SeriesStageStatus)

	bc := p.sampleBeacon(ctx)

	samples := make(map[string]sampler.Result, len(p.cfg.Nodes))
	for _, node := range p.cfg.Nodes {
		r := p.sampler.Sample(ctx, node, p.clients[node.Name], ext)
		samples[node.Name] = r
		p.publishNode(node, r)
	}
	p.publishLag(samples)

	snap := stages.Snapshot{
		Cutoff:        p.cfg.CutoffBlock,
		LegacyEnabled: p.cfg.LegacyEnabled(),
		Beacon:        bc,
		Samples:       samples,
		Ext:           ext,
	}
	for _, st := range stages.Derive(snap) {
		p.sink.Set(metrics.SeriesStageStatus, labels("stage", st.Label), float64(st.Status))
	}
	for _, row := range stages.PhaseRows(snap) {
		p.publishPhase(row)
	}
}

// sampleBeacon probes the beacon node and publishes its fleet row (sort key
// 0, above every execution node). The row stays visible as down when the API
// is unreachable or unconfigured.
func (p *Poller) sampleBeacon(ctx context.Context) stages.Beacon {
	if p.beacon == nil {
		return stages.Beacon{}
	}
	if p.beaconLabel == "" {
		p.beaconLabel = p.beacon.DisplayName(ctx, p.cfg.BeaconDisplayName)
	}
	nl := labels("node", p.beaconLabel)

	syn, err := p.beacon.Syncing(ctx)
	if err != nil {
		log.Printf("poller: beacon syncing query failed: %v", err)
		p.sink.Set(metrics.SeriesUp, nl, 0)
		p.sink.Set(metrics.SeriesSortKey, nl, 0)
		return stages.Beacon{}
	}

	bc := stages.Beacon{
		Up:           true,
		IsSyncing:    syn.IsSyncing,
		SyncDistance: syn.SyncDistance,
	}
	sig := p.beacon.Backfill(ctx)
	if sig.HasWorkers {
		bc.HasWorkers = true
		bc.Workers = sig.Workers
	}
	bc.BackfillRecent = p.trackBackfill(sig)

	target, percent, remaining := sampler.Progress(syn.HeadSlot, 0, syn.TargetSlot())
	p.sink.Set(metrics.SeriesUp, nl, 1)
	p.sink.Set(metrics.SeriesSortKey, nl, 0)
	p.sink.Set(metrics.SeriesBlock, nl, float64(syn.HeadSlot))
	p.sink.Set(metrics.SeriesEffectiveHead, nl, float64(syn.HeadSlot))
	p.sink.Set(metrics.SeriesSyncing, nl, boolVal(syn.IsSyncing))
	p.sink.Set(metrics.SeriesSyncCurrent, nl, float64(syn.HeadSlot))
	p.sink.Set(metrics.SeriesSyncHighest, nl, float64(syn.TargetSlot()))
	p.sink.Set(metrics.SeriesSyncTarget, nl, float64(target))
	p.sink.Set(metrics.SeriesSyncPercent, nl, percent)
	p.sink.Set(metrics.SeriesSyncRemaining, nl, float64(remaining))
	p.sink.Set(metrics.SeriesProgressInfo,
		map[string]string{"node": p.beaconLabel, "progress": sampler.FormatProgress(syn.HeadSlot, target)}, 1)
	return bc
}

// trackBackfill remembers the backfill success counter across rounds and
// reports whether it increased within the configured activity window.
func (p *Poller) trackBackfill(sig beacon.BackfillSignals) bool {
	if sig.HasTotal {
		if p.hasBackfillTotal && sig.SegmentTotal > p.lastBackfillTotal {
			p.lastBackfillIncrease = p.now()
		}
		p.lastBackfillTotal = sig.SegmentTotal
		p.hasBackfillTotal = true
	}
	if p.lastBackfillIncrease.IsZero() {
		return false
	}
	return p.now().Sub(p.lastBackfillIncrease) <= p.cfg.BackfillActivityWindow
}

func (p *Poller) publishNode(node config.Node, r sampler.Result) {
	nl := labels("node", node.Name)
	p.sink.Set(metrics.SeriesUp, nl, boolVal(r.Up))
	p.sink.Set(metrics.SeriesSortKey, nl, float64(node.Ordinal+1))
	p.sink.Set(metrics.SeriesBlock, nl, float64(r.BlockHeight))
	p.sink.Set(metrics.SeriesPeers, nl, float64(r.PeerCount))
	p.sink.Set(metrics.SeriesSyncing, nl, boolVal(r.IsSyncing))
	p.sink.Set(metrics.SeriesSyncCurrent, nl, float64(r.SyncCurrent))
	p.sink.Set(metrics.SeriesSyncHighest, nl, float64(r.SyncHighest))

	if p.cfg.Hidden(node.Name) {
		// Hidden nodes keep their liveness row but drop every progress
		// series, including any published before the pattern changed.
		p.sink.Delete(metrics.SeriesEffectiveHead, nl)
		p.sink.Delete(metrics.SeriesSyncTarget, nl)
		p.sink.Delete(metrics.SeriesSyncPercent, nl)
		p.sink.Delete(metrics.SeriesSyncRemaining, nl)
		return
	}

	p.sink.Set(metrics.SeriesEffectiveHead, nl, float64(r.EffectiveHead))
	p.sink.Set(metrics.SeriesSyncTarget, nl, float64(r.Target))
	p.sink.Set(metrics.SeriesSyncPercent, nl, r.Percent)
	p.sink.Set(metrics.SeriesSyncRemaining, nl, float64(r.Remaining))
	p.sink.Set(metrics.SeriesProgressInfo,
		map[string]string{"node": node.Name, "progress": r.Progress}, 1)
}

// publishLag exports each node's block lag against the reference node. The
// lag is only refreshed when both heights come from live responses this
// round; otherwise the previous value stays in place rather than snapping to
// a misleading zero.
func (p *Poller) publishLag(samples map[string]sampler.Result) {
	ref, ok := samples[p.cfg.Reference().Name]
	if !ok || !ref.Up || ref.Cached {
		return
	}
	for _, node := range p.cfg.Nodes {
		r := samples[node.Name]
		if !r.Up || r.Cached {
			continue
		}
		var lag uint64
		if ref.BlockHeight > r.BlockHeight {
			lag = ref.BlockHeight - r.BlockHeight
		}
		p.sink.Set(metrics.SeriesLagVsTop, labels("node", node.Name), float64(lag))
	}
}

func (p *Poller) publishPhase(row stages.PhaseRow) {
	nl := labels("node", row.Label)
	target, percent, remaining := sampler.Progress(row.Current, row.Target, 0)
	p.sink.Set(metrics.SeriesUp, nl, boolVal(row.Up))
	p.sink.Set(metrics.SeriesSortKey, nl, row.SortKey)
	p.sink.Set(metrics.SeriesSyncing, nl, boolVal(row.Running))
	p.sink.Set(metrics.SeriesEffectiveHead, nl, float64(row.Current))
	p.sink.Set(metrics.SeriesSyncTarget, nl, float64(target))
	p.sink.Set(metrics.SeriesSyncPercent, nl, percent)
	p.sink.Set(metrics.SeriesSyncRemaining, nl, float64(remaining))
	p.sink.Set(metrics.SeriesProgressInfo,
		map[string]string{"node": row.Label, "progress": sampler.FormatProgress(row.Current, target)}, 1)
}

func labels(key, value string) map[string]string {
	return map[string]string{key: value}
}

func boolVal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
