// Package config loads the exporter configuration once at startup and
// resolves a per-node Policy from each display name, so that no other package
// needs to match on node names at runtime.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Well-known fleet member display names. The per-node policy table and the
// stage checklist are keyed by these.
const (
	NodeSource     = "Geth v1.16.7"
	NodeBridge     = "Geth v1.11.6"
	NodeLegacyHead = "Geth v1.10.0"
	NodeLegacyMid  = "Geth v1.9.25"
	NodeLegacyOld  = "Geth v1.3.6"
	NodeLegacyTail = "Geth v1.0.3"
)

// LegacyTailTargetBlock is the fixed historical target for the oldest client,
// which cannot practically follow modern mainnet. Dashboards show its progress
// vs this height instead.
const LegacyTailTargetBlock = 1_149_999

// DefaultCutoffBlock is the pre-DAO cutoff the migration pipeline targets.
const DefaultCutoffBlock = 1_919_999

// Policy is the per-node sampling behavior, resolved once from the display
// name at load time.
type Policy struct {
	// FixedTarget, when non-zero, replaces the node-reported sync ceiling as
	// the progress target.
	FixedTarget uint64
	// FixedTargetUntilExportDone drops the fixed target once the source
	// export step has completed.
	FixedTargetUntilExportDone bool
	// HeightOnlyWhileFixed uses the reported height alone (not
	// max(height, currentBlock)) for the effective head while the fixed
	// target applies: the sync cursor can race far ahead of durably
	// imported blocks.
	HeightOnlyWhileFixed bool
	// GateOnSeedDone reports the node down until the bridge seed-done marker
	// exists, regardless of RPC reachability.
	GateOnSeedDone bool
	// Legacy marks membership in the legacy sub-pipeline.
	Legacy bool
}

// Node is one configured fleet member. Immutable for the process lifetime.
type Node struct {
	Name    string
	URL     string
	Ordinal int // position in configured order; 0 is the reference node
	Policy  Policy
}

// Config holds the exporter configuration.
type Config struct {
	Nodes []Node

	Interval    time.Duration
	CutoffBlock uint64
	OutputDir   string
	ListenAddr  string

	BeaconAPIURL           string
	BeaconMetricsURL       string
	BeaconDisplayName      string
	BackfillActivityWindow time.Duration

	RPCTimeout time.Duration

	// HidePattern removes progress-only series for matching node names.
	// nil disables hiding.
	HidePattern *regexp.Regexp
}

// fileConfig is the YAML shape; any field present overrides the environment.
type fileConfig struct {
	Nodes []struct {
		Name string `yaml:"name"`
		URL  string `yaml:"url"`
	} `yaml:"nodes"`
	Interval         string `yaml:"interval,omitempty"`
	CutoffBlock      uint64 `yaml:"cutoff_block,omitempty"`
	OutputDir        string `yaml:"output_dir,omitempty"`
	ListenAddr       string `yaml:"listen_addr,omitempty"`
	BeaconAPIURL     string `yaml:"beacon_api_url,omitempty"`
	BeaconMetricsURL string `yaml:"beacon_metrics_url,omitempty"`
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cutoff := getEnvAsUint64("CUTOFF_BLOCK", DefaultCutoffBlock)

	nodes, err := ParseNodeList(os.Getenv("NODE_URLS"), cutoff)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no nodes configured, set NODE_URLS")
	}

	cfg := &Config{
		Nodes:                  nodes,
		Interval:               getEnvAsDuration("POLL_INTERVAL", 10*time.Second),
		CutoffBlock:            cutoff,
		OutputDir:              getEnvWithDefault("HOST_OUTPUT_DIR", "/host_output"),
		ListenAddr:             fmt.Sprintf(":%d", getEnvAsInt("PORT", 9100)),
		BeaconAPIURL:           strings.TrimRight(os.Getenv("LIGHTHOUSE_API_URL"), "/"),
		BeaconMetricsURL:       strings.TrimRight(os.Getenv("LIGHTHOUSE_METRICS_URL"), "/"),
		BeaconDisplayName:      strings.TrimSpace(os.Getenv("LIGHTHOUSE_DISPLAY_NAME")),
		BackfillActivityWindow: getEnvAsDuration("LIGHTHOUSE_BACKFILL_ACTIVITY_WINDOW", 5*time.Minute),
		RPCTimeout:             getEnvAsDuration("RPC_TIMEOUT", 5*time.Second),
	}

	// An invalid hide pattern fails open (disables hiding) rather than
	// taking down an otherwise healthy exporter.
	if raw := os.Getenv("HIDE_NODES_PATTERN"); raw != "" {
		re, err := regexp.Compile(raw)
		if err != nil {
			log.Printf("config: invalid HIDE_NODES_PATTERN %q, hiding disabled: %v", raw, err)
		} else {
			cfg.HidePattern = re
		}
	}

	return cfg, nil
}

// Load reads a YAML config file, falling back to the environment loader when
// the file is absent. File values override environment values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadFromEnv()
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if len(fc.Nodes) > 0 {
		// Build a NODE_URLS-shaped spec so file- and env-configured nodes go
		// through identical validation.
		parts := make([]string, 0, len(fc.Nodes))
		for _, n := range fc.Nodes {
			parts = append(parts, n.Name+"="+os.ExpandEnv(n.URL))
		}
		os.Setenv("NODE_URLS", strings.Join(parts, ","))
	}

	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if fc.Interval != "" {
		d, err := time.ParseDuration(fc.Interval)
		if err != nil {
			return nil, fmt.Errorf("config file interval: %w", err)
		}
		cfg.Interval = d
	}
	if fc.CutoffBlock != 0 {
		cfg.CutoffBlock = fc.CutoffBlock
		// Policies embed the cutoff, so re-resolve them against the override.
		nodes, err := ParseNodeList(os.Getenv("NODE_URLS"), fc.CutoffBlock)
		if err != nil {
			return nil, err
		}
		cfg.Nodes = nodes
	}
	if fc.OutputDir != "" {
		cfg.OutputDir = fc.OutputDir
	}
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.BeaconAPIURL != "" {
		cfg.BeaconAPIURL = strings.TrimRight(os.ExpandEnv(fc.BeaconAPIURL), "/")
	}
	if fc.BeaconMetricsURL != "" {
		cfg.BeaconMetricsURL = strings.TrimRight(os.ExpandEnv(fc.BeaconMetricsURL), "/")
	}
	return cfg, nil
}

// ParseNodeList parses the ordered "name=url,name=url" node spec. Malformed
// entries are startup errors, never silently dropped.
func ParseNodeList(spec string, cutoff uint64) ([]Node, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var nodes []Node
	for _, chunk := range strings.Split(spec, ",") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		name, url, found := strings.Cut(chunk, "=")
		if !found {
			return nil, fmt.Errorf("invalid NODE_URLS item (missing '='): %q", chunk)
		}
		name = strings.TrimSpace(name)
		url = strings.TrimSpace(url)
		if name == "" || url == "" {
			return nil, fmt.Errorf("invalid NODE_URLS item (empty name/url): %q", chunk)
		}
		nodes = append(nodes, Node{
			Name:    name,
			URL:     url,
			Ordinal: len(nodes),
			Policy:  policyFor(name, cutoff),
		})
	}
	return nodes, nil
}

// policyFor resolves the sampling policy for a display name.
func policyFor(name string, cutoff uint64) Policy {
	switch name {
	case NodeSource:
		// Show the source node vs the fixed cutoff until the export step has
		// actually completed, and trust only its reported height meanwhile.
		return Policy{FixedTarget: cutoff, FixedTargetUntilExportDone: true, HeightOnlyWhileFixed: true}
	case NodeBridge:
		return Policy{GateOnSeedDone: true}
	case NodeLegacyHead:
		return Policy{Legacy: true}
	case NodeLegacyMid:
		// Offline export source for the cutoff range; progress is vs the
		// cutoff, not the ever-moving mainnet head.
		return Policy{FixedTarget: cutoff, Legacy: true}
	case NodeLegacyOld:
		return Policy{FixedTarget: cutoff, Legacy: true}
	case NodeLegacyTail:
		return Policy{FixedTarget: LegacyTailTargetBlock, Legacy: true}
	default:
		return Policy{}
	}
}

// Reference returns the node lag is measured against (first in order).
func (c *Config) Reference() Node { return c.Nodes[0] }

// LegacyEnabled reports whether any legacy sub-pipeline node is configured.
// When false, all legacy stages and phase rows are forced to "not started".
func (c *Config) LegacyEnabled() bool {
	for _, n := range c.Nodes {
		if n.Policy.Legacy {
			return true
		}
	}
	return false
}

// Hidden reports whether a node's progress-only series should be removed.
func (c *Config) Hidden(name string) bool {
	return c.HidePattern != nil && c.HidePattern.MatchString(name)
}

// getEnvWithDefault returns environment variable value or default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns environment variable as integer or default if not set
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvAsUint64 returns environment variable as uint64 or default if not set
func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseUint(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvAsDuration returns environment variable as duration or default if not set
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
