package extstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCutoff = 1919999

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestReadEmptyRoot(t *testing.T) {
	r := NewReader(t.TempDir(), testCutoff)
	s := r.Read(true)
	assert.Equal(t, State{}, s)
}

func TestSourceExportEvidence(t *testing.T) {
	root := t.TempDir()
	r := NewReader(root, testCutoff)

	writeFile(t, filepath.Join(root, "exports", "mainnet-0-1919999.rlp.exporting"), "")
	writeFile(t, filepath.Join(root, "exports", "mainnet-0-1919999.rlp.progress"), `{"last_done": 480000}`)
	writeFile(t, filepath.Join(root, "seed-v1.11.6.log"),
		"INFO Exporting blocks                          exported=123,456 elapsed=8m1s\n")

	s := r.Read(false)
	assert.True(t, s.SourceExport.Marker)
	assert.False(t, s.SourceExport.DoneMarker)
	assert.True(t, s.SourceExport.HasLastDone)
	assert.Equal(t, uint64(480000), s.SourceExport.LastDone)
	assert.Equal(t, uint64(123456), s.SourceExport.LogCurrent)
	assert.True(t, s.SourceExport.Started())
}

func TestBridgeImportLogFormats(t *testing.T) {
	tests := []struct {
		name          string
		log           string
		want          uint64
		wantImporting bool
	}{
		{
			name: "modern format",
			log: "INFO [08-26] Imported new chain segment               number=100,000 hash=abc\n" +
				"INFO [08-26] Imported new chain segment               number=487,500 hash=def\n",
			want:          487500,
			wantImporting: true,
		},
		{
			// The old importer's phrasing carries progress but no activity
			// marker; the .importing marker file covers activity there.
			name:          "old era format",
			log:           "I0826 imported 2500 block(s) 0 queued 0 ignored #215,000 [abcdef /]\n",
			want:          215000,
			wantImporting: false,
		},
		{
			name: "modern wins over old when both present",
			log: "imported 2500 block(s) 0 queued #215000 [x]\n" +
				"Imported new chain segment               number=300,000\n",
			want:          300000,
			wantImporting: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, filepath.Join(root, "seed-v1.11.6.log"), tt.log)

			s := NewReader(root, testCutoff).Read(false)
			assert.Equal(t, tt.want, s.BridgeImport.LogCurrent)
			assert.Equal(t, tt.wantImporting, s.BridgeImport.Importing)
		})
	}
}

func TestTailIsBounded(t *testing.T) {
	root := t.TempDir()
	r := NewReader(root, testCutoff)
	r.tailBytes = 1024

	// The early progress line falls outside the tail window; only the final
	// one is visible.
	var b strings.Builder
	b.WriteString("Imported new chain segment               number=111\n")
	for i := 0; i < 100; i++ {
		b.WriteString("INFO unrelated log chatter that fills up the window aaaaaaaaaaaa\n")
	}
	b.WriteString("Imported new chain segment               number=222,333\n")
	writeFile(t, filepath.Join(root, "seed-v1.11.6.log"), b.String())

	s := r.Read(false)
	assert.Equal(t, uint64(222333), s.BridgeImport.LogCurrent)
}

func TestDoneCorroboratedRequiresFileSize(t *testing.T) {
	root := t.TempDir()
	r := NewReader(root, testCutoff)

	writeFile(t, filepath.Join(root, fmt.Sprintf("seed-v1.10.0-export-%d.done", testCutoff)), "")
	// 1 KB is far below the plausible minimum for a completed export.
	writeFile(t, filepath.Join(root, "exports", fmt.Sprintf("mainnet-0-%d-from-v1.10.0.rlp", testCutoff)),
		strings.Repeat("x", 1024))

	s := r.Read(true)
	assert.True(t, s.LegacyHeadExport.DoneMarker)
	assert.True(t, s.LegacyHeadExport.FilePresent)
	assert.False(t, s.LegacyHeadExport.FileOK)
	assert.False(t, s.LegacyHeadExport.DoneCorroborated())
}

func TestLegacyDisabledSkipsLegacyEvidence(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, fmt.Sprintf("seed-v1.9.25-import-%d.done", testCutoff)), "")
	writeFile(t, filepath.Join(root, "seed-v1.9.25-import.log"),
		"Imported new chain segment               number=1,000,000\n")

	s := NewReader(root, testCutoff).Read(false)
	assert.Equal(t, ImportState{}, s.MidImport)
	assert.Equal(t, ExportState{}, s.MidExport)

	enabled := NewReader(root, testCutoff).Read(true)
	assert.True(t, enabled.MidImport.DoneMarker)
	assert.Equal(t, uint64(1000000), enabled.MidImport.LogCurrent)
}

func TestMidImportRunningWindow(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "seed-v1.9.25-import.log"),
		"Imported new chain segment               number=500,000\n")

	s := NewReader(root, testCutoff).Read(true)
	assert.True(t, s.MidImport.Importing)
	assert.Equal(t, uint64(500000), s.MidImport.LogCurrent)

	// At or beyond cutoff the import is no longer "running".
	writeFile(t, filepath.Join(root, "seed-v1.9.25-import.log"),
		"Imported new chain segment               number=1,920,000\n")
	s = NewReader(root, testCutoff).Read(true)
	assert.False(t, s.MidImport.Importing)
}

func TestProgressFileMalformed(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "exports", "mainnet-0-1919999.rlp.progress"), "not json")

	s := NewReader(root, testCutoff).Read(false)
	assert.False(t, s.SourceExport.HasLastDone)
}
