// Package report renders a finalized detection into a forensic audit
// artifact: a plain-text log with the evidence trail, historical context and
// recommended actions. The artifact and the persisted detection record
// together make every verdict reproducible after the fact.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/smishguard/smishguard/pkg/detection"
	"github.com/smishguard/smishguard/pkg/semantic"
	"github.com/smishguard/smishguard/pkg/storage"
)

const (
	divider    = "================================================================================"
	subDivider = "--------------------------------------------------------------------------------"

	// artifactTimeLayout names report files by generation time.
	artifactTimeLayout = "20060102_150405"
)

// Builder assembles report artifacts. The store and the semantic index feed
// the historical-patterns section; both are optional.
type Builder struct {
	store storage.Store
	index *semantic.Index
	dir   string
}

// NewBuilder creates a report builder writing artifacts into dir.
func NewBuilder(store storage.Store, index *semantic.Index, dir string) *Builder {
	return &Builder{store: store, index: index, dir: dir}
}

// Write renders the report for dc and persists it as a .log artifact,
// returning the artifact path.
func (b *Builder) Write(ctx context.Context, dc *detection.Context) (string, error) {
	text := b.Build(ctx, dc)
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}
	name := fmt.Sprintf("phishing_detection_%s.log", time.Now().Format(artifactTimeLayout))
	path := filepath.Join(b.dir, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("writing report artifact: %w", err)
	}
	return path, nil
}

// Build renders the full report text for a finalized detection.
func (b *Builder) Build(ctx context.Context, dc *detection.Context) string {
	var sb strings.Builder

	b.writeHeader(&sb, dc)
	b.writeExecutiveSummary(&sb, dc)
	b.writeRiskAnalysis(&sb, dc)
	b.writeHistoricalPatterns(ctx, &sb, dc)
	b.writeTimeline(&sb, dc)
	b.writeRecommendations(&sb, dc)
	b.writeConfidenceAnalysis(&sb, dc)
	b.writeStatistics(ctx, &sb, dc)

	sb.WriteString(divider + "\n")
	sb.WriteString("END OF REPORT\n")
	sb.WriteString(divider + "\n")
	return sb.String()
}

func (b *Builder) writeHeader(sb *strings.Builder, dc *detection.Context) {
	sb.WriteString(divider + "\n")
	sb.WriteString("SMS PHISHING DETECTION REPORT\n")
	sb.WriteString(divider + "\n")
	fmt.Fprintf(sb, "Detection ID: %s\n", dc.DetectionID)
	fmt.Fprintf(sb, "Generated:    %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(sb, "Analyzed:     %s\n", dc.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(sb, "Sender:       %s\n", dc.Sender)
	fmt.Fprintf(sb, "Message:      %s\n", truncate(dc.Message, 200))
	sb.WriteString("\n")
}

func (b *Builder) writeExecutiveSummary(sb *strings.Builder, dc *detection.Context) {
	sb.WriteString("EXECUTIVE SUMMARY\n")
	sb.WriteString(subDivider + "\n")

	switch dc.FinalVerdict {
	case detection.VerdictPhishing:
		fmt.Fprintf(sb, "VERDICT: PHISHING DETECTED (confidence %.0f%%)\n", dc.FinalConfidence*100)
		sb.WriteString("This message exhibits characteristics consistent with a phishing attack.\n")
		sb.WriteString("Do not interact with any links or contact details it contains.\n")
	case detection.VerdictSafe:
		fmt.Fprintf(sb, "VERDICT: NO THREAT DETECTED (confidence %.0f%%)\n", dc.FinalConfidence*100)
		sb.WriteString("Analysis found no indicators of a phishing attempt in this message.\n")
	default:
		fmt.Fprintf(sb, "VERDICT: INCONCLUSIVE (confidence %.0f%%)\n", dc.FinalConfidence*100)
		sb.WriteString("Analysis could not reach a confident verdict. Treat the message with\n")
		sb.WriteString("caution and verify the sender through an independent channel.\n")
	}
	fmt.Fprintf(sb, "Detected by: %s\n", dc.DetectedBy)
	fmt.Fprintf(sb, "Links analyzed: %d\n", len(dc.LinksFound))
	sb.WriteString("\n")
}

func (b *Builder) writeRiskAnalysis(sb *strings.Builder, dc *detection.Context) {
	sb.WriteString("RISK ANALYSIS\n")
	sb.WriteString(subDivider + "\n")
	fmt.Fprintf(sb, "Total Risk Score: %d/100\n\n", clampScore(dc.RiskScore))

	// Group indicators by the stage category that produced them.
	byCategory := map[string][]detection.RedFlag{}
	points := map[string]int{}
	for _, f := range dc.RedFlags {
		cat := f.Stage.Category()
		byCategory[cat] = append(byCategory[cat], f)
		points[cat] += f.Points
	}

	if len(byCategory) == 0 {
		sb.WriteString("No risk indicators recorded.\n\n")
		return
	}

	cats := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	for _, cat := range cats {
		fmt.Fprintf(sb, "%s (%d points):\n", strings.ToUpper(strings.ReplaceAll(cat, "_", " ")), points[cat])
		for _, f := range byCategory[cat] {
			fmt.Fprintf(sb, "  [%s] %s (+%d)\n", severity(f.Points), f.Reason, f.Points)
		}
	}
	sb.WriteString("\n")
}

func (b *Builder) writeHistoricalPatterns(ctx context.Context, sb *strings.Builder, dc *detection.Context) {
	sb.WriteString("HISTORICAL PATTERNS\n")
	sb.WriteString(subDivider + "\n")

	wrote := false
	if b.store != nil {
		if prior, err := b.store.SearchBySender(ctx, dc.Sender); err == nil {
			// The current detection may already be persisted; count others.
			others := 0
			for _, p := range prior {
				if p.DetectionID != dc.DetectionID {
					others++
				}
			}
			if others > 0 {
				sev := "MEDIUM"
				if others > 3 {
					sev = "HIGH"
				}
				fmt.Fprintf(sb, "[%s] Sender seen in %d previous detection(s)\n", sev, others)
				wrote = true
			}
		}
		for _, link := range dc.LinksFound {
			if prior, err := b.store.SearchByLink(ctx, link); err == nil {
				others := 0
				for _, p := range prior {
					if p.DetectionID != dc.DetectionID {
						others++
					}
				}
				if others > 0 {
					fmt.Fprintf(sb, "[HIGH] URL previously reported: %s (%d detection(s))\n", truncate(link, 80), others)
					wrote = true
				}
			}
		}
	}
	if b.index.IsReady() {
		if matches, err := b.index.Similar(ctx, dc.Message, 3); err == nil {
			for _, m := range matches {
				if m.DetectionID == dc.DetectionID {
					continue
				}
				fmt.Fprintf(sb, "[HIGH] Similar to known phishing message (%.0f%% match, sender %s)\n",
					m.Similarity*100, m.Sender)
				wrote = true
			}
		}
	}
	if !wrote {
		sb.WriteString("No matching historical patterns found.\n")
	}
	sb.WriteString("\n")
}

func (b *Builder) writeTimeline(sb *strings.Builder, dc *detection.Context) {
	sb.WriteString("FORENSIC TIMELINE\n")
	sb.WriteString(subDivider + "\n")

	type event struct {
		at    time.Time
		level string
		text  string
	}
	events := make([]event, 0, len(dc.RedFlags)+len(dc.GreenFlags))
	for _, f := range dc.RedFlags {
		events = append(events, event{f.Timestamp, severity(f.Points), fmt.Sprintf("[%s] %s", f.Stage, f.Reason)})
	}
	for _, f := range dc.GreenFlags {
		events = append(events, event{f.Timestamp, "INFO", fmt.Sprintf("[%s] %s", f.Stage, f.Reason)})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })

	if len(events) == 0 {
		sb.WriteString("No events recorded.\n")
	}
	for _, e := range events {
		fmt.Fprintf(sb, "%s  [%s] %s\n", e.at.Format("15:04:05.000"), e.level, e.text)
	}
	sb.WriteString("\n")
}

// recommendation sets per verdict, rendered verbatim.
var (
	phishingRecommendations = []string{
		"Do NOT click any links in this message",
		"Do NOT reply or call any numbers it contains",
		"Block the sender",
		"Report the message to your carrier (forward to 7726/SPAM)",
		"If you already clicked a link, change affected passwords immediately",
		"Monitor bank and card statements for unauthorized activity",
	}
	safeRecommendations = []string{
		"No immediate action required",
		"Remain cautious with unexpected messages, even from known senders",
	}
	uncertainRecommendations = []string{
		"Verify the sender through an independent, trusted channel",
		"Do not click links until the message is verified",
		"When in doubt, contact the claimed organization directly using its official website",
	}
)

// Recommendations returns the fixed advice list for a verdict. The CLI
// prints the same set the report embeds.
func Recommendations(verdict detection.Verdict) []string {
	switch verdict {
	case detection.VerdictPhishing:
		return phishingRecommendations
	case detection.VerdictSafe:
		return safeRecommendations
	default:
		return uncertainRecommendations
	}
}

func (b *Builder) writeRecommendations(sb *strings.Builder, dc *detection.Context) {
	sb.WriteString("RECOMMENDATIONS\n")
	sb.WriteString(subDivider + "\n")

	recs := Recommendations(dc.FinalVerdict)
	for i, r := range recs {
		fmt.Fprintf(sb, "%d. %s\n", i+1, r)
	}
	sb.WriteString("\n")
}

func (b *Builder) writeConfidenceAnalysis(sb *strings.Builder, dc *detection.Context) {
	sb.WriteString("CONFIDENCE ANALYSIS\n")
	sb.WriteString(subDivider + "\n")

	keys := make([]string, 0, len(dc.StageResults))
	for k := range dc.StageResults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r := dc.StageResults[k]
		fmt.Fprintf(sb, "%-24s %-10s %.2f  %s\n", k, r.Verdict, r.Confidence, truncate(r.Reasoning, 100))
	}
	fmt.Fprintf(sb, "\nFinal verdict %s at %.2f confidence (%s)\n", dc.FinalVerdict, dc.FinalConfidence, dc.DetectedBy)
	sb.WriteString("\n")
}

func (b *Builder) writeStatistics(ctx context.Context, sb *strings.Builder, dc *detection.Context) {
	sb.WriteString("STATISTICS\n")
	sb.WriteString(subDivider + "\n")
	fmt.Fprintf(sb, "Stages run:        %d\n", len(dc.StageResults))
	fmt.Fprintf(sb, "Risk indicators:   %d\n", len(dc.RedFlags))
	fmt.Fprintf(sb, "Trust indicators:  %d\n", len(dc.GreenFlags))
	fmt.Fprintf(sb, "Risk score:        %d\n", dc.RiskScore)
	fmt.Fprintf(sb, "URLs analyzed:     %d\n", len(dc.LinksFound))
	fmt.Fprintf(sb, "Message length:    %d\n", len(dc.Message))
	if dc.SenderCountry != "" {
		fmt.Fprintf(sb, "Sender country:    %s\n", dc.SenderCountry)
	}
	if dc.HostLocation != nil {
		fmt.Fprintf(sb, "Host location:     %s, %s\n", dc.HostLocation.City, dc.HostLocation.Country)
	}
	if b.store != nil {
		if stats, err := b.store.Statistics(ctx); err == nil && stats.Total > 0 {
			fmt.Fprintf(sb, "Corpus size:       %d detections (%.0f%% phishing)\n",
				stats.Total, stats.PhishingRate*100)
		}
	}
	sb.WriteString("\n")
}

// severity buckets an indicator's point value for display.
func severity(points int) string {
	switch {
	case points >= 20:
		return "HIGH"
	case points >= 10:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func clampScore(score int) int {
	if score > 100 {
		return 100
	}
	return score
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
