package stages

import "github.com/chainofgeths/fleet-exporter/internal/config"

// Phase row labels and the sort keys interleaving them between the real node
// rows they logically sit between.
const (
	PhaseSourceExport = "Export (v1.16.7 → RLP)"
	PhaseBridgeImport = "Import (RLP → v1.11.6)"
	PhaseLegacyExport = "Export (v1.10.0 → RLP)"
	PhaseMidImport    = "Import (RLP → v1.9.25)"
	PhaseMidExport    = "Export (v1.9.25 → RLP)"
	PhaseOldImport    = "Import (RLP → v1.3.6)"
)

const (
	sortSourceExport = 1.50
	sortBridgeImport = 1.60
	sortLegacyExport = 3.50
	sortMidImport    = 4.40
	sortMidExport    = 4.50
	sortOldImport    = 4.60
)

// PhaseRow is a synthetic progress row for an offline batch step that has no
// RPC endpoint. Up reflects whether the step is actively running, not whether
// artifacts merely exist on disk.
type PhaseRow struct {
	Label   string
	SortKey float64
	Current uint64
	Target  uint64
	Running bool
	Up      bool
}

// PhaseRows derives the synthetic rows for one round. Rows are always emitted
// (even as zeroes) so dashboards never drop them and make progress look reset.
func PhaseRows(s Snapshot) []PhaseRow {
	rows := []PhaseRow{
		sourceExportRow(s),
		bridgeImportRow(s),
	}
	if s.LegacyEnabled {
		rows = append(rows,
			legacyExportRow(s),
			midImportRow(s),
			midExportRow(s),
			oldImportRow(s),
		)
	} else {
		// Overwrite any previously exported legacy rows with zeroes so a
		// disabled sub-pipeline cannot show stale progress.
		for _, row := range []struct {
			label string
			key   float64
		}{
			{PhaseLegacyExport, sortLegacyExport},
			{PhaseMidImport, sortMidImport},
			{PhaseMidExport, sortMidExport},
			{PhaseOldImport, sortOldImport},
		} {
			rows = append(rows, PhaseRow{Label: row.label, SortKey: row.key, Target: s.Cutoff})
		}
	}
	return rows
}

func sourceExportRow(s Snapshot) PhaseRow {
	e := s.Ext.SourceExport
	current := e.LogCurrent
	if e.DoneMarker {
		current = s.Cutoff
	} else if current == 0 && e.HasLastDone {
		current = e.LastDone
	}
	running := e.Marker
	return PhaseRow{
		Label:   PhaseSourceExport,
		SortKey: sortSourceExport,
		Current: current,
		Target:  s.Cutoff,
		Running: running,
		Up:      running,
	}
}

func bridgeImportRow(s Snapshot) PhaseRow {
	i := s.Ext.BridgeImport
	done := i.DoneMarker
	running := (i.Marker || i.Importing) && !done
	current := i.LogCurrent
	if done {
		current = s.Cutoff
	}
	return PhaseRow{
		Label:   PhaseBridgeImport,
		SortKey: sortBridgeImport,
		Current: current,
		Target:  s.Cutoff,
		Running: running,
		Up:      running,
	}
}

func legacyExportRow(s Snapshot) PhaseRow {
	e := s.Ext.LegacyHeadExport
	done := e.DoneCorroborated() || s.Ext.MidImport.DoneMarker
	current := e.LogCurrent
	if done {
		current = s.Cutoff
	}
	return PhaseRow{
		Label:   PhaseLegacyExport,
		SortKey: sortLegacyExport,
		Current: current,
		Target:  s.Cutoff,
		Running: e.Marker && !done,
		Up:      e.Marker || e.FilePresent || e.DoneMarker || e.LogPresent,
	}
}

func midImportRow(s Snapshot) PhaseRow {
	i := s.Ext.MidImport
	current := i.LogCurrent
	if current >= s.Cutoff {
		current = s.Cutoff
	}
	return PhaseRow{
		Label:   PhaseMidImport,
		SortKey: sortMidImport,
		Current: current,
		Target:  s.Cutoff,
		Running: i.Importing,
		Up:      i.LogPresent || i.DoneMarker || i.LogCurrent > 0,
	}
}

func midExportRow(s Snapshot) PhaseRow {
	e := s.Ext.MidExport
	done := e.DoneCorroborated()
	var current uint64
	if done {
		current = s.Cutoff
	} else if e.HasLastDone {
		current = e.LastDone
	}
	running := ((e.HasLastDone && e.LastDone < s.Cutoff) || e.Marker) && !done
	return PhaseRow{
		Label:   PhaseMidExport,
		SortKey: sortMidExport,
		Current: current,
		Target:  s.Cutoff,
		Running: running,
		Up:      e.Marker || e.HasLastDone || e.FilePresent || e.DoneMarker,
	}
}

func oldImportRow(s Snapshot) PhaseRow {
	i := s.Ext.OldImport
	oldHead := s.effectiveHead(config.NodeLegacyOld)
	done := i.DoneMarker && oldHead >= s.Cutoff
	exportStarted := midExport(s) != NotStarted

	var logCurrent uint64
	if exportStarted {
		logCurrent = i.LogCurrent
	}
	current := max64(logCurrent, oldHead)
	if done {
		current = s.Cutoff
	}
	return PhaseRow{
		Label:   PhaseOldImport,
		SortKey: sortOldImport,
		Current: current,
		Target:  s.Cutoff,
		Running: exportStarted && (i.Marker || i.Importing) && !done,
		Up:      exportStarted && (i.Marker || i.LogPresent || done || logCurrent > 0),
	}
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
