package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// previewChars bounds each thinking body in the thinking report.
const previewChars = 500

// csvColumns is the fixed CSV export column order.
var csvColumns = []string{
	"id", "timestamp", "sessionId", "role", "tool", "server",
	"result", "reason", "durationMs",
	"hasThinking", "thinkingType", "thinkingTokens",
}

// ExportJSON writes the matching entries as a compact JSON array.
func (r *Recorder) ExportJSON(w io.Writer, q Query) error {
	entries := r.Entries(q)
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode audit export: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// ReadJSONL parses entries from a JSON-lines stream, the format
// JSONLSink produces. Blank lines are skipped; a malformed line fails
// with its line number.
func ReadJSONL(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var entries []Entry
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ExportCSV writes a header plus one row per matching entry. Every
// value is quoted; embedded quotes are doubled. encoding/csv cannot
// force quoting, so rows are assembled directly.
func (r *Recorder) ExportCSV(w io.Writer, q Query) error {
	if err := writeCSVRow(w, csvColumns); err != nil {
		return err
	}
	for _, e := range r.Entries(q) {
		hasThinking := "false"
		thinkingType := ""
		thinkingTokens := ""
		if e.Reasoning != nil {
			hasThinking = "true"
			thinkingType = string(e.Reasoning.Type)
			if e.Reasoning.TokenCount > 0 {
				thinkingTokens = strconv.Itoa(e.Reasoning.TokenCount)
			}
		}
		row := []string{
			e.ID,
			e.Timestamp.Format(time.RFC3339Nano),
			e.SessionID,
			e.Role,
			e.Tool,
			e.Server,
			string(e.Result),
			e.Reason,
			strconv.FormatInt(e.DurationMs, 10),
			hasThinking,
			thinkingType,
			thinkingTokens,
		}
		if err := writeCSVRow(w, row); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVRow(w io.Writer, fields []string) error {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(f, `"`, `""`))
		b.WriteByte('"')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// ThinkingPreview is one truncated reasoning signature in the report.
// FullLength preserves the signature's original length.
type ThinkingPreview struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	Tool       string        `json:"tool"`
	Role       string        `json:"role,omitempty"`
	Type       SignatureType `json:"type"`
	TokenCount int           `json:"tokenCount,omitempty"`
	Preview    string        `json:"preview"`
	FullLength int           `json:"fullLength"`
}

// ThinkingReport summarizes reasoning-signature coverage.
type ThinkingReport struct {
	TotalEntries int                   `json:"totalEntries"`
	WithThinking int                   `json:"withThinking"`
	CoverageRate float64               `json:"coverageRate"`
	ByType       map[SignatureType]int `json:"byType"`
	Previews     []ThinkingPreview     `json:"previews"`
}

// BuildThinkingReport collects previews for every matching entry that
// carries a reasoning signature.
func (r *Recorder) BuildThinkingReport(q Query) ThinkingReport {
	entries := r.Entries(q)
	report := ThinkingReport{
		TotalEntries: len(entries),
		ByType:       make(map[SignatureType]int),
		Previews:     make([]ThinkingPreview, 0),
	}
	for _, e := range entries {
		if e.Reasoning == nil {
			continue
		}
		report.WithThinking++
		report.ByType[e.Reasoning.Type]++
		report.Previews = append(report.Previews, ThinkingPreview{
			ID:         e.ID,
			Timestamp:  e.Timestamp,
			Tool:       e.Tool,
			Role:       e.Role,
			Type:       e.Reasoning.Type,
			TokenCount: e.Reasoning.TokenCount,
			Preview:    truncateRunes(e.Reasoning.Signature, previewChars),
			FullLength: len([]rune(e.Reasoning.Signature)),
		})
	}
	if report.TotalEntries > 0 {
		report.CoverageRate = float64(report.WithThinking) / float64(report.TotalEntries)
	}
	return report
}

// ExportThinkingReport writes the report as compact JSON.
func (r *Recorder) ExportThinkingReport(w io.Writer, q Query) error {
	data, err := json.Marshal(r.BuildThinkingReport(q))
	if err != nil {
		return fmt.Errorf("encode thinking report: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
