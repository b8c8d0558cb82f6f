// Package extstate reads the on-disk evidence left behind by the offline
// export/import jobs: marker files, JSON progress files, and log tails. Some
// migration steps are not live services at all; their only observable progress
// is what these files say. All reads are best-effort: any I/O or parse failure
// degrades to "no evidence" rather than propagating.
package extstate

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultTailBytes bounds how much of an append-only log is scanned per
	// round. Large enough that a burst of unrelated log lines does not push
	// the latest progress line out of view.
	DefaultTailBytes = 500_000

	// MinExportBytes is the smallest plausible size for a completed RLP
	// export. A crash can leave a done marker from a previous run next to a
	// truncated file, so the marker alone is never trusted for these steps.
	MinExportBytes = 16 * 1024 * 1024
)

// Log line formats across client eras. Within one format the last occurrence
// in the tail wins; across formats the first one that matches at all wins.
var (
	importedPatterns = []*regexp.Regexp{
		// Modern clients: "Imported new chain segment   number=487,500"
		regexp.MustCompile(`Imported new chain segment\s+.*?number=([0-9,]+)`),
		// Old-era importer: "imported 2500 block(s) ... #215000 [...]"
		regexp.MustCompile(`(?i)imported\s+[0-9,]+\s+block\(s\).*?#([0-9,]+)`),
	}
	exportedPatterns = []*regexp.Regexp{
		// "Exporting blocks   exported=123,456"
		regexp.MustCompile(`Exporting blocks\s+.*?exported=([0-9,]+)`),
	}
	importActivityMarkers = []string{"Importing blockchain", "Imported new chain segment"}
)

// ExportState is the file evidence for one offline export step.
type ExportState struct {
	DoneMarker  bool   // explicit done marker present
	Marker      bool   // .exporting marker present
	FilePresent bool   // output file exists at all
	FileOK      bool   // output file exists and is plausibly large
	LogPresent  bool
	LogCurrent  uint64 // latest exported height seen in the log tail
	HasLastDone bool   // a .progress file yielded a value
	LastDone    uint64
}

// Started reports whether there is any evidence the export ever began. A
// downstream import step must never show activity before this is true.
func (e ExportState) Started() bool {
	return e.Marker || e.DoneMarker || e.HasLastDone || e.LogCurrent > 0
}

// DoneCorroborated is the done determination for exports whose marker can go
// stale: the marker must be backed by a non-trivially-sized output file.
func (e ExportState) DoneCorroborated() bool {
	return e.DoneMarker && e.FileOK
}

// ImportState is the file evidence for one offline import step.
type ImportState struct {
	DoneMarker bool
	Marker     bool // .importing marker present
	LogPresent bool
	Importing  bool // log tail shows import activity
	LogCurrent uint64
}

// State is everything read from the output root in one round. It is read once
// per round and shared by the sampler gates, the stage rules, and the phase
// rows so they never disagree about the same file.
type State struct {
	SourceExport ExportState // source client -> RLP (main seeding path)
	BridgeImport ImportState // RLP -> bridge client

	// Legacy sub-pipeline evidence. Zero-valued when legacy is disabled.
	LegacyHeadExport ExportState // legacy head client -> RLP
	MidImport        ImportState // RLP -> mid client (acceleration path)
	MidExport        ExportState // mid client -> RLP
	OldImport        ImportState // RLP -> old client
}

// Reader resolves the well-known file layout under the output root.
type Reader struct {
	root      string
	cutoff    uint64
	tailBytes int64

	// Main seeding path (source export consumed by the bridge import).
	sourceExportFile     string
	sourceExportProgress string
	sourceExportMarker   string
	sourceExportDone     string
	bridgeSeedLog        string
	bridgeSeedDone       string
	bridgeImportMarker   string

	// Legacy head export feeding the mid client.
	legacyHeadExportFile   string
	legacyHeadExportMarker string
	legacyHeadExportLog    string
	legacyHeadExportDone   string

	// Mid client import (acceleration) and export.
	midImportLog      string
	midImportDone     string
	midExportFile     string
	midExportProgress string
	midExportMarker   string
	midExportDone     string

	// Old client import.
	oldImportMarker string
	oldImportLog    string
	oldSeedDone     string
}

// NewReader builds a reader for the given output root and cutoff height. The
// file names mirror what the seeding scripts write.
func NewReader(root string, cutoff uint64) *Reader {
	exports := filepath.Join(root, "exports")
	rlp := fmt.Sprintf("mainnet-0-%d.rlp", cutoff)
	return &Reader{
		root:      root,
		cutoff:    cutoff,
		tailBytes: DefaultTailBytes,

		sourceExportFile:     filepath.Join(exports, rlp),
		sourceExportProgress: filepath.Join(exports, rlp+".progress"),
		sourceExportMarker:   filepath.Join(exports, rlp+".exporting"),
		sourceExportDone:     filepath.Join(root, fmt.Sprintf("seed-v1.16.7-export-%d.done", cutoff)),
		bridgeSeedLog:        filepath.Join(root, "seed-v1.11.6.log"),
		bridgeSeedDone:       filepath.Join(root, fmt.Sprintf("seed-v1.11.6-%d.done", cutoff)),
		bridgeImportMarker:   filepath.Join(root, fmt.Sprintf("seed-v1.11.6-import-%d.importing", cutoff)),

		legacyHeadExportFile:   filepath.Join(exports, fmt.Sprintf("mainnet-0-%d-from-v1.10.0.rlp", cutoff)),
		legacyHeadExportMarker: filepath.Join(exports, fmt.Sprintf("mainnet-0-%d-from-v1.10.0.rlp.exporting", cutoff)),
		legacyHeadExportLog:    filepath.Join(root, "seed-v1.10.0-export.log"),
		legacyHeadExportDone:   filepath.Join(root, fmt.Sprintf("seed-v1.10.0-export-%d.done", cutoff)),

		midImportLog:      filepath.Join(root, "seed-v1.9.25-import.log"),
		midImportDone:     filepath.Join(root, fmt.Sprintf("seed-v1.9.25-import-%d.done", cutoff)),
		midExportFile:     filepath.Join(exports, fmt.Sprintf("mainnet-0-%d-from-v1.9.25.rlp", cutoff)),
		midExportProgress: filepath.Join(exports, fmt.Sprintf("mainnet-0-%d-from-v1.9.25.rlp.progress", cutoff)),
		midExportMarker:   filepath.Join(exports, fmt.Sprintf("mainnet-0-%d-from-v1.9.25.rlp.exporting", cutoff)),
		midExportDone:     filepath.Join(root, fmt.Sprintf("seed-v1.3.6-export-%d.done", cutoff)),

		oldImportMarker: filepath.Join(root, fmt.Sprintf("seed-v1.3.6-import-%d.importing", cutoff)),
		oldImportLog:    filepath.Join(root, "seed-v1.3.6-import.log"),
		oldSeedDone:     filepath.Join(root, fmt.Sprintf("seed-v1.3.6-from-v1.9.25-%d.done", cutoff)),
	}
}

// Read collects the full round's file evidence. Legacy paths are skipped when
// the legacy sub-pipeline is not configured: leftover files from an earlier
// run must not produce ghost progress.
func (r *Reader) Read(legacyEnabled bool) State {
	var s State

	s.SourceExport = ExportState{
		DoneMarker:  r.markerExists(r.sourceExportDone),
		Marker:      r.markerExists(r.sourceExportMarker),
		FilePresent: r.markerExists(r.sourceExportFile),
		FileOK:      r.fileAtLeast(r.sourceExportFile, MinExportBytes),
		LogPresent:  r.markerExists(r.bridgeSeedLog),
	}
	seedTail, seedTailOK := r.tail(r.bridgeSeedLog)
	if seedTailOK {
		// The bridge seed log interleaves export and import lines; the export
		// progress for the synthetic row comes from the same tail.
		if n, ok := lastMatch(seedTail, exportedPatterns); ok {
			s.SourceExport.LogCurrent = n
		}
	}
	if n, ok := r.progressLastDone(r.sourceExportProgress); ok {
		s.SourceExport.HasLastDone = true
		s.SourceExport.LastDone = n
	}

	s.BridgeImport = ImportState{
		DoneMarker: r.markerExists(r.bridgeSeedDone),
		Marker:     r.markerExists(r.bridgeImportMarker),
		LogPresent: seedTailOK,
	}
	if seedTailOK {
		s.BridgeImport.Importing = hasAny(seedTail, importActivityMarkers)
		if n, ok := lastMatch(seedTail, importedPatterns); ok {
			s.BridgeImport.LogCurrent = n
		}
	}

	if !legacyEnabled {
		return s
	}

	s.LegacyHeadExport = ExportState{
		DoneMarker:  r.markerExists(r.legacyHeadExportDone),
		Marker:      r.markerExists(r.legacyHeadExportMarker),
		FilePresent: r.markerExists(r.legacyHeadExportFile),
		FileOK:      r.fileAtLeast(r.legacyHeadExportFile, MinExportBytes),
		LogPresent:  r.markerExists(r.legacyHeadExportLog),
	}
	if tail, ok := r.tail(r.legacyHeadExportLog); ok {
		if n, ok := lastMatch(tail, exportedPatterns); ok {
			s.LegacyHeadExport.LogCurrent = n
		}
	}

	s.MidImport = ImportState{
		DoneMarker: r.markerExists(r.midImportDone),
		LogPresent: r.markerExists(r.midImportLog),
	}
	if tail, ok := r.tail(r.midImportLog); ok {
		if n, ok := lastMatch(tail, importedPatterns); ok {
			s.MidImport.LogCurrent = n
		}
		s.MidImport.Importing = s.MidImport.LogCurrent > 0 && s.MidImport.LogCurrent < r.cutoff
	}

	s.MidExport = ExportState{
		DoneMarker:  r.markerExists(r.midExportDone),
		Marker:      r.markerExists(r.midExportMarker),
		FilePresent: r.markerExists(r.midExportFile),
		FileOK:      r.fileAtLeast(r.midExportFile, MinExportBytes),
	}
	if n, ok := r.progressLastDone(r.midExportProgress); ok {
		s.MidExport.HasLastDone = true
		s.MidExport.LastDone = n
	}

	s.OldImport = ImportState{
		DoneMarker: r.markerExists(r.oldSeedDone),
		Marker:     r.markerExists(r.oldImportMarker),
		LogPresent: r.markerExists(r.oldImportLog),
	}
	if tail, ok := r.tail(r.oldImportLog); ok {
		s.OldImport.Importing = hasAny(tail, importActivityMarkers)
		if n, ok := lastMatch(tail, importedPatterns); ok {
			s.OldImport.LogCurrent = n
		}
	}

	return s
}

func (r *Reader) markerExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (r *Reader) fileAtLeast(path string, min int64) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() >= min
}

// progressLastDone reads a {"last_done": N} JSON progress file.
func (r *Reader) progressLastDone(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	var progress struct {
		LastDone *uint64 `json:"last_done"`
	}
	if err := json.Unmarshal(data, &progress); err != nil || progress.LastDone == nil {
		return 0, false
	}
	return *progress.LastDone, true
}

// tail reads at most the last tailBytes of an append-only file.
func (r *Reader) tail(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", false
	}
	if info.Size() > r.tailBytes {
		if _, err := f.Seek(-r.tailBytes, io.SeekEnd); err != nil {
			return "", false
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// lastMatch scans the tail with each pattern in order. The first pattern that
// matches at all decides; within it the last occurrence wins. Heights are
// comma-grouped in the logs and de-grouped before parsing.
func lastMatch(tail string, patterns []*regexp.Regexp) (uint64, bool) {
	for _, pat := range patterns {
		matches := pat.FindAllStringSubmatch(tail, -1)
		if len(matches) == 0 {
			continue
		}
		grouped := matches[len(matches)-1][1]
		n, err := strconv.ParseUint(strings.ReplaceAll(grouped, ",", ""), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func hasAny(text string, substrings []string) bool {
	for _, s := range substrings {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}
