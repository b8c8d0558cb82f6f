// Package stages fuses one round's node samples, beacon observations and file
// evidence into the ordered migration checklist and the synthetic phase rows.
// Everything here is a pure function of the round snapshot: replaying the same
// inputs always yields the same statuses.
package stages

import (
	"github.com/chainofgeths/fleet-exporter/internal/config"
	"github.com/chainofgeths/fleet-exporter/pkg/extstate"
	"github.com/chainofgeths/fleet-exporter/pkg/sampler"
)

// Status is the tri-state checklist value for one stage.
type Status int

const (
	NotStarted Status = iota
	InProgress
	Done
)

// Stage labels. The numeric prefix keeps dashboard ordering stable.
const (
	StageBeaconSync       = "01. Lighthouse syncing from snapshot"
	StageBeaconBackfill   = "02. Lighthouse indexing/backfill"
	StageSourceSync       = "03. Geth v1.16.7 syncing"
	StageSourceExport     = "04. Geth v1.16.7 exporting data"
	StageBridgeImport     = "05. Geth v1.11.6 importing data"
	StageLegacyHeadSync   = "06. Geth v1.10.0 syncing"
	StageLegacyHeadExport = "07. Geth v1.10.0 exporting data"
	StageMidImport        = "08. Geth v1.9.25 importing data"
	StageMidExport        = "09. Geth v1.9.25 exporting data"
	StageOldImport        = "10. Geth v1.3.6 importing data"
	StageLegacyTailSync   = "11. Geth v1.0.3 syncing"
)

// Beacon is the beacon-chain view of one round.
type Beacon struct {
	Up           bool
	IsSyncing    bool
	SyncDistance uint64

	// Backfill activity observations; either may be unobservable.
	Workers        float64
	HasWorkers     bool
	BackfillRecent bool
}

// Snapshot is the immutable per-round input to stage derivation.
type Snapshot struct {
	Cutoff        uint64
	LegacyEnabled bool
	Beacon        Beacon
	Samples       map[string]sampler.Result // keyed by node name
	Ext           extstate.State
}

// StageResult pairs a stage label with its derived status.
type StageResult struct {
	Label  string
	Status Status
}

func (s Snapshot) sample(name string) sampler.Result {
	return s.Samples[name]
}

func (s Snapshot) effectiveHead(name string) uint64 {
	r := s.Samples[name]
	if !r.Up {
		return 0
	}
	return r.EffectiveHead
}

// Derive computes the full ordered checklist for one round.
func Derive(s Snapshot) []StageResult {
	results := []StageResult{
		{StageBeaconSync, beaconSync(s)},
		{StageBeaconBackfill, beaconBackfill(s)},
		{StageSourceSync, sourceSync(s)},
		{StageSourceExport, sourceExport(s)},
		{StageBridgeImport, bridgeImport(s)},
	}
	if s.LegacyEnabled {
		results = append(results,
			StageResult{StageLegacyHeadSync, cutoffSync(s, config.NodeLegacyHead)},
			StageResult{StageLegacyHeadExport, legacyHeadExport(s)},
			StageResult{StageMidImport, midImport(s)},
			StageResult{StageMidExport, midExport(s)},
			StageResult{StageOldImport, oldImport(s)},
			StageResult{StageLegacyTailSync, cutoffSync(s, config.NodeLegacyTail)},
		)
	} else {
		// Legacy disabled: force a consistent "not started" for the whole
		// sub-pipeline so stale artifacts cannot show ghost progress.
		for _, label := range []string{
			StageLegacyHeadSync, StageLegacyHeadExport, StageMidImport,
			StageMidExport, StageOldImport, StageLegacyTailSync,
		} {
			results = append(results, StageResult{label, NotStarted})
		}
	}
	return results
}

func beaconSync(s Snapshot) Status {
	if !s.Beacon.Up {
		return NotStarted
	}
	if s.Beacon.IsSyncing || s.Beacon.SyncDistance > 0 {
		return InProgress
	}
	return Done
}

// beaconBackfill prefers the worker gauge combined with recent counter
// progress; when neither signal is observable it falls back to "done once the
// sync distance is zero".
func beaconBackfill(s Snapshot) Status {
	if !s.Beacon.Up {
		return NotStarted
	}
	if s.Beacon.HasWorkers {
		if s.Beacon.Workers > 0 || s.Beacon.BackfillRecent {
			return InProgress
		}
		return Done
	}
	if s.Beacon.IsSyncing || s.Beacon.SyncDistance > 0 {
		return InProgress
	}
	return Done
}

// sourceSync: in progress as soon as the source node is reachable and reports
// syncing, even while its height is still zero.
func sourceSync(s Snapshot) Status {
	r := s.sample(config.NodeSource)
	if !r.Up {
		return NotStarted
	}
	if r.IsSyncing {
		return InProgress
	}
	return Done
}

// sourceExport prefers explicit markers over the progress-file fallback kept
// for older runs.
func sourceExport(s Snapshot) Status {
	e := s.Ext.SourceExport
	switch {
	case e.DoneMarker:
		return Done
	case e.Marker:
		return InProgress
	case e.HasLastDone:
		if e.LastDone >= s.Cutoff {
			return Done
		}
		return InProgress
	default:
		return NotStarted
	}
}

func bridgeImport(s Snapshot) Status {
	i := s.Ext.BridgeImport
	switch {
	case i.DoneMarker:
		return Done
	case i.Marker || i.Importing:
		return InProgress
	default:
		return NotStarted
	}
}

// cutoffSync is the generic rule for a node whose mission is reaching the
// cutoff height.
func cutoffSync(s Snapshot, name string) Status {
	r := s.sample(name)
	if !r.Up {
		return NotStarted
	}
	switch {
	case r.EffectiveHead >= s.Cutoff:
		return Done
	case r.EffectiveHead > 0:
		return InProgress
	default:
		return NotStarted
	}
}

// legacyHeadExport is done when the marker is corroborated by a plausibly
// sized output file, or when the downstream import already finished (the
// export artifacts may have been cleaned up afterwards).
func legacyHeadExport(s Snapshot) Status {
	e := s.Ext.LegacyHeadExport
	if e.DoneCorroborated() || s.Ext.MidImport.DoneMarker {
		return Done
	}
	if e.Marker || e.LogCurrent > 0 {
		return InProgress
	}
	return NotStarted
}

// midImport covers the optional offline acceleration import; without any
// import evidence it degrades to the plain cutoff-sync rule.
func midImport(s Snapshot) Status {
	i := s.Ext.MidImport
	if i.DoneMarker {
		return Done
	}
	if i.LogCurrent > 0 || i.LogPresent {
		if i.LogCurrent >= s.Cutoff || s.effectiveHead(config.NodeLegacyMid) >= s.Cutoff {
			return Done
		}
		return InProgress
	}
	return cutoffSync(s, config.NodeLegacyMid)
}

// midExport never trusts the bare output file: a failed export can leave a
// truncated file behind. Done requires the marker plus file-size
// corroboration.
func midExport(s Snapshot) Status {
	e := s.Ext.MidExport
	switch {
	case e.DoneCorroborated():
		return Done
	case e.HasLastDone:
		if e.LastDone >= s.Cutoff {
			return Done
		}
		return InProgress
	case e.Marker:
		return InProgress
	default:
		return NotStarted
	}
}

// oldImport trusts its done marker only while the node itself is at or above
// the cutoff: the marker goes stale when the datadir is wiped. And it never
// shows activity before the upstream export has any observed start.
func oldImport(s Snapshot) Status {
	i := s.Ext.OldImport
	if i.DoneMarker && s.effectiveHead(config.NodeLegacyOld) >= s.Cutoff {
		return Done
	}
	// A not-started upstream export means any local artifacts are stale ones
	// from an earlier era.
	if midExport(s) == NotStarted {
		return NotStarted
	}
	if i.Marker || i.Importing {
		return InProgress
	}
	return NotStarted
}
