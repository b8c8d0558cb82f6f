// Package sampler runs the per-node probe sequence for one polling round and
// classifies the result. A node's policy (resolved at config load) decides the
// progress target and head-selection rule; the last-seen cache keeps displayed
// progress stable across known outages.
package sampler

import (
	"context"
	"time"

	"github.com/chainofgeths/fleet-exporter/internal/config"
	"github.com/chainofgeths/fleet-exporter/pkg/ethrpc"
	"github.com/chainofgeths/fleet-exporter/pkg/extstate"
)

// Result is one node's sample for one round.
type Result struct {
	Name string
	Up   bool
	// Cached marks a failed round served from the last-seen cache.
	Cached bool
	// Gated marks a node suppressed until its seed step completes.
	Gated bool

	BlockHeight uint64
	PeerCount   uint64
	IsSyncing   bool
	SyncCurrent uint64
	SyncHighest uint64

	EffectiveHead uint64
	Target        uint64
	Percent       float64
	Remaining     uint64

	// Progress is the pre-formatted human label for the info series.
	Progress string
}

// Sampler probes nodes and maintains the last-seen cache.
type Sampler struct {
	cache   *Cache
	timeout time.Duration
}

func New(timeout time.Duration) *Sampler {
	return &Sampler{cache: NewCache(), timeout: timeout}
}

// Sample executes the probe sequence for one node. It never returns an error:
// every failure mode maps onto a down/cached/gated Result.
func (s *Sampler) Sample(ctx context.Context, node config.Node, client *ethrpc.Client, ext extstate.State) Result {
	p := node.Policy

	// Gating: a bridge that has not been offline-seeded yet cannot serve its
	// historical range, so reachability alone must not surface it as up.
	if p.GateOnSeedDone && !ext.BridgeImport.DoneMarker {
		return Result{Name: node.Name, Gated: true, Progress: "gated (waiting for seed)"}
	}

	fixedTarget := p.FixedTarget
	if p.FixedTargetUntilExportDone && ext.SourceExport.DoneMarker {
		fixedTarget = 0
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Height is the one required probe; everything below is best-effort.
	heightRaw, err := client.Call(ctx, "eth_blockNumber")
	if err != nil {
		return s.downResult(node.Name)
	}
	height, err := ethrpc.Uint64FromResult(heightRaw)
	if err != nil {
		return s.downResult(node.Name)
	}

	var peers uint64
	if raw, ok := client.CallOptional(ctx, "net_peerCount"); ok {
		// Coercion failure on an optional probe degrades to zero.
		peers, _ = ethrpc.Uint64FromResult(raw)
	}

	// Very old clients may not support eth_syncing; treat as not syncing.
	var sync ethrpc.SyncStatus
	if raw, ok := client.CallOptional(ctx, "eth_syncing"); ok {
		if parsed, err := ethrpc.SyncStatusFromResult(raw); err == nil {
			sync = parsed
		}
	}

	r := Result{
		Name:        node.Name,
		Up:          true,
		BlockHeight: height,
		PeerCount:   peers,
		IsSyncing:   sync.Syncing,
		SyncCurrent: sync.CurrentBlock,
		SyncHighest: sync.HighestBlock,
	}

	if sync.Syncing && !(p.HeightOnlyWhileFixed && fixedTarget != 0) {
		r.EffectiveHead = max64(height, sync.CurrentBlock)
	} else {
		// Not syncing, or the sync cursor is untrustworthy for this node
		// until its export step completes.
		r.EffectiveHead = height
	}

	r.Target, r.Percent, r.Remaining = Progress(r.EffectiveHead, fixedTarget, sync.HighestBlock)
	r.Progress = FormatProgress(r.EffectiveHead, r.Target)

	s.cache.Put(r)
	return r
}

// downResult emits a failed round. With a cache hit the stored progress
// fields are re-emitted so a transient outage does not reset dashboards to
// zero; the annotation keeps "down but last seen at X" distinguishable from
// "down and never seen".
func (s *Sampler) downResult(name string) Result {
	if cached, ok := s.cache.Get(name); ok {
		cached.Up = false
		cached.Cached = true
		cached.Progress += " (cached)"
		return cached
	}
	return Result{Name: name, Progress: "down"}
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
