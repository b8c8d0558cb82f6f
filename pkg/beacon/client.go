// Package beacon talks to a Lighthouse-style beacon node: its REST syncing
// endpoint plus, optionally, its Prometheus text metrics, from which two
// backfill-activity series are extracted for stage heuristics.
package beacon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultDisplayName keeps the beacon dashboard row stable while the API is
// still booting and cannot report its version yet.
const DefaultDisplayName = "Lighthouse v8.0.1"

// Names of the two metrics series consulted for backfill activity.
const (
	backfillWorkersMetric       = "beacon_processor_workers_active_gauge_by_type"
	backfillWorkersLabel        = `type="chain_segment_backfill"`
	backfillSegmentTotalMetric  = "beacon_processor_backfill_chain_segment_success_total"
)

// Syncing is the decoded /eth/v1/node/syncing response.
type Syncing struct {
	HeadSlot     uint64
	SyncDistance uint64
	IsSyncing    bool
}

// TargetSlot is the best-effort sync target (head plus remaining distance).
func (s Syncing) TargetSlot() uint64 { return s.HeadSlot + s.SyncDistance }

// BackfillSignals carries the best-effort backfill observations of one round.
// Either value may be unobservable depending on beacon version.
type BackfillSignals struct {
	Workers      float64
	HasWorkers   bool
	SegmentTotal float64
	HasTotal     bool
}

// Client queries one beacon node.
type Client struct {
	apiURL     string
	metricsURL string
	http       *http.Client
}

// New builds a client. metricsURL may be empty, in which case backfill
// signals are never observable.
func New(apiURL, metricsURL string, timeout time.Duration) *Client {
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		metricsURL: strings.TrimRight(metricsURL, "/"),
		http:       &http.Client{Timeout: timeout},
	}
}

// Syncing fetches the node syncing status.
func (c *Client) Syncing(ctx context.Context) (Syncing, error) {
	body, err := c.get(ctx, c.apiURL+"/eth/v1/node/syncing")
	if err != nil {
		return Syncing{}, err
	}
	// Slot values arrive as decimal strings.
	var resp struct {
		Data struct {
			HeadSlot     string `json:"head_slot"`
			SyncDistance string `json:"sync_distance"`
			IsSyncing    bool   `json:"is_syncing"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Syncing{}, fmt.Errorf("beacon syncing response: %w", err)
	}
	head, _ := strconv.ParseUint(resp.Data.HeadSlot, 10, 64)
	distance, _ := strconv.ParseUint(resp.Data.SyncDistance, 10, 64)
	return Syncing{HeadSlot: head, SyncDistance: distance, IsSyncing: resp.Data.IsSyncing}, nil
}

// Backfill scrapes the metrics endpoint for the backfill worker gauge and the
// monotonic backfill success counter. Best-effort: failures yield unobservable
// signals, never errors.
func (c *Client) Backfill(ctx context.Context) BackfillSignals {
	var signals BackfillSignals
	if c.metricsURL == "" {
		return signals
	}
	body, err := c.get(ctx, c.metricsURL+"/metrics")
	if err != nil {
		return signals
	}
	text := string(body)
	if v, ok := ParseGauge(text, backfillWorkersMetric, backfillWorkersLabel); ok {
		signals.Workers = v
		signals.HasWorkers = true
	}
	if v, ok := ParseGauge(text, backfillSegmentTotalMetric, ""); ok {
		signals.SegmentTotal = v
		signals.HasTotal = true
	}
	return signals
}

// DisplayName resolves a stable display label: the configured override wins,
// then a best-effort version probe, then the default.
func (c *Client) DisplayName(ctx context.Context, override string) string {
	if override = strings.TrimSpace(override); override != "" {
		return override
	}
	body, err := c.get(ctx, c.apiURL+"/eth/v1/node/version")
	if err == nil {
		var resp struct {
			Data struct {
				Version string `json:"version"`
			} `json:"data"`
		}
		if json.Unmarshal(body, &resp) == nil && resp.Data.Version != "" {
			return DisplayVersion(resp.Data.Version)
		}
	}
	return DefaultDisplayName
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// DisplayVersion converts raw beacon version strings into a stable label:
//
//	Lighthouse/v8.0.1-ced49dd -> Lighthouse v8.0.1
func DisplayVersion(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "Lighthouse"
	}
	if strings.HasPrefix(strings.ToLower(s), "lighthouse/") {
		s = s[len("lighthouse/"):]
	}
	// Drop build metadata/hash.
	if i := strings.Index(s, "-"); i >= 0 {
		s = s[:i]
	}
	if !strings.HasPrefix(s, "v") {
		s = "v" + s
	}
	return "Lighthouse " + s
}

// ParseGauge extracts a single numeric sample from Prometheus exposition
// text. labelSelector is a raw substring that must appear inside the braces
// of a labeled series; with an empty selector an unlabeled series also
// matches.
func ParseGauge(text, metric, labelSelector string) (float64, bool) {
	labeled := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(metric) + `\{([^}]*)\}\s+([-+]?\d+(?:\.\d+)?)\s*$`)
	for _, m := range labeled.FindAllStringSubmatch(text, -1) {
		if labelSelector != "" && !strings.Contains(m[1], labelSelector) {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	if labelSelector == "" {
		plain := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(metric) + `\s+([-+]?\d+(?:\.\d+)?)\s*$`)
		if m := plain.FindStringSubmatch(text); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return 0, false
			}
			return v, true
		}
	}
	return 0, false
}
