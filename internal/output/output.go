package output

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ResistanceIsUseless/ProxyScout/internal/manager"
	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
)

// RecordOutput is the presentation form of a proxy record
type RecordOutput struct {
	Proxy               string    `json:"proxy"`
	Kind                string    `json:"kind"`
	State               string    `json:"state"`
	Anonymity           string    `json:"anonymity"`
	LatencyMs           int64     `json:"latency_ms,omitempty"`
	SuccessRate         float64   `json:"success_rate"`
	AttemptCount        int       `json:"attempt_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Country             string    `json:"country,omitempty"`
	ASN                 string    `json:"asn,omitempty"`
	Organization        string    `json:"organization,omitempty"`
	LastChecked         time.Time `json:"last_checked,omitempty"`
}

// SummaryOutput is the presentation form of pool statistics
type SummaryOutput struct {
	Total        int            `json:"total"`
	Alive        int            `json:"alive"`
	Failing      int            `json:"failing"`
	Dead         int            `json:"dead"`
	Untested     int            `json:"untested"`
	ByKind       map[string]int `json:"by_kind"`
	ByCountry    map[string]int `json:"by_country"`
	AvgLatencyMs int64          `json:"avg_latency_ms"`
	Timestamp    time.Time      `json:"timestamp"`
	Results      []RecordOutput `json:"results,omitempty"`
}

// Convert reshapes records for output. Passwords never leave the pool.
func Convert(records []*proxy.Record) []RecordOutput {
	output := make([]RecordOutput, len(records))
	for i, record := range records {
		output[i] = RecordOutput{
			Proxy:               record.Redacted(),
			Kind:                string(record.Kind),
			State:               string(record.State),
			Anonymity:           string(record.Anonymity),
			LatencyMs:           record.LatencyMs,
			SuccessRate:         record.SuccessRate(),
			AttemptCount:        record.AttemptCount,
			ConsecutiveFailures: record.ConsecutiveFailures,
			LastChecked:         record.LastChecked,
		}
		if record.Metadata != nil {
			output[i].Country = record.Metadata.Country
			output[i].ASN = record.Metadata.ASN
			output[i].Organization = record.Metadata.Organization
		}
	}
	return output
}

// GenerateSummary builds the summary block from stats and records
func GenerateSummary(stats manager.Stats, records []*proxy.Record) SummaryOutput {
	summary := SummaryOutput{
		Total:     stats.Total,
		Alive:     stats.Alive,
		Failing:   stats.Failing,
		Dead:      stats.Dead,
		Untested:  stats.Untested,
		ByKind:    stats.ByKind,
		ByCountry: stats.ByCountry,
		Timestamp: time.Now(),
		Results:   Convert(records),
	}

	var totalLatency int64
	var measured int64
	for _, record := range records {
		if record.LatencyMs > 0 {
			totalLatency += record.LatencyMs
			measured++
		}
	}
	if measured > 0 {
		summary.AvgLatencyMs = totalLatency / measured
	}

	return summary
}

// SaveJSON writes the summary as an indented JSON document
func SaveJSON(filename string, summary SummaryOutput) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// SaveText writes a human-readable pool listing
func SaveText(filename string, summary SummaryOutput) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Pool summary (%s)\n", summary.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "  total=%d alive=%d failing=%d dead=%d untested=%d\n",
		summary.Total, summary.Alive, summary.Failing, summary.Dead, summary.Untested)
	if summary.AvgLatencyMs > 0 {
		fmt.Fprintf(&b, "  average latency: %dms\n", summary.AvgLatencyMs)
	}
	b.WriteString("\n")

	for _, result := range summary.Results {
		fmt.Fprintf(&b, "%s  state=%s anonymity=%s", result.Proxy, result.State, result.Anonymity)
		if result.LatencyMs > 0 {
			fmt.Fprintf(&b, " latency=%dms", result.LatencyMs)
		}
		if result.Country != "" {
			fmt.Fprintf(&b, " country=%s", result.Country)
		}
		if result.ASN != "" {
			fmt.Fprintf(&b, " asn=%s", result.ASN)
		}
		b.WriteString("\n")
	}

	return os.WriteFile(filename, []byte(b.String()), 0o644)
}

// SaveAliveList writes one eligible proxy URL per line, the format the
// loader reads back
func SaveAliveList(filename string, records []*proxy.Record) error {
	var b strings.Builder
	for _, record := range records {
		b.WriteString(record.URL())
		b.WriteString("\n")
	}
	return os.WriteFile(filename, []byte(b.String()), 0o644)
}
