// Package storage persists completed detections and answers history queries.
// Two backends exist: a file-per-detection JSON store (default, zero setup)
// and a Postgres store for shared deployments.
package storage

import (
	"context"
	"strings"
	"time"

	"github.com/smishguard/smishguard/pkg/detection"
)

// Store is the persistence contract shared by both backends.
// Load and the search methods accept either a full detection id or a unique
// prefix; an ambiguous or unknown reference yields detection.ErrNotFound.
type Store interface {
	// Save persists a finalized detection. Saving the same id twice
	// overwrites the previous record.
	Save(ctx context.Context, dc *detection.Context) error

	// Load retrieves a detection by id or unique id prefix.
	Load(ctx context.Context, idOrPrefix string) (*detection.Context, error)

	// LoadLatest returns the most recently saved detection.
	LoadLatest(ctx context.Context) (*detection.Context, error)

	// LoadAll returns stored detections, newest first, capped at limit
	// records when limit is positive (0 means all).
	LoadAll(ctx context.Context, limit int) ([]*detection.Context, error)

	// SearchBySender returns detections whose sender equals the query
	// exactly.
	SearchBySender(ctx context.Context, sender string) ([]*detection.Context, error)

	// SearchByLink returns detections in which any found or expanded link
	// contains the query.
	SearchByLink(ctx context.Context, link string) ([]*detection.Context, error)

	// Statistics aggregates stored verdicts.
	Statistics(ctx context.Context) (*Statistics, error)

	// Cleanup deletes detections older than the retention window and
	// returns how many were removed.
	Cleanup(ctx context.Context, retention time.Duration) (int, error)

	// Close releases backend resources.
	Close() error
}

// Statistics summarizes the stored detection history. Oldest and Newest are
// zero when no detections are stored.
type Statistics struct {
	Total          int       `json:"total"`
	Phishing       int       `json:"phishing"`
	Safe           int       `json:"safe"`
	Uncertain      int       `json:"uncertain"`
	PhishingRate   float64   `json:"phishing_rate"`
	AverageRisk    float64   `json:"average_risk"`
	UniqueSenders  int       `json:"unique_senders"`
	ShortenerCount int       `json:"shortener_count"`
	Oldest         time.Time `json:"oldest,omitempty"`
	Newest         time.Time `json:"newest,omitempty"`
}

func buildStatistics(all []*detection.Context) *Statistics {
	stats := &Statistics{}
	senders := map[string]struct{}{}
	riskSum := 0

	for _, dc := range all {
		stats.Total++
		riskSum += dc.RiskScore
		senders[dc.Sender] = struct{}{}
		if stats.Oldest.IsZero() || dc.Timestamp.Before(stats.Oldest) {
			stats.Oldest = dc.Timestamp
		}
		if dc.Timestamp.After(stats.Newest) {
			stats.Newest = dc.Timestamp
		}
		if dc.ShortenerUsed {
			stats.ShortenerCount++
		}
		switch dc.FinalVerdict {
		case detection.VerdictPhishing:
			stats.Phishing++
		case detection.VerdictSafe:
			stats.Safe++
		default:
			stats.Uncertain++
		}
	}

	stats.UniqueSenders = len(senders)
	if stats.Total > 0 {
		stats.PhishingRate = float64(stats.Phishing) / float64(stats.Total)
		stats.AverageRisk = float64(riskSum) / float64(stats.Total)
	}
	return stats
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// matchesSender is an exact comparison. Substring matching would let a short
// query like "555" sweep in unrelated senders and inflate repeat-sender
// counts in reports.
func matchesSender(dc *detection.Context, query string) bool {
	return dc.Sender == query
}

func matchesLink(dc *detection.Context, query string) bool {
	for _, l := range dc.LinksFound {
		if containsFold(l, query) {
			return true
		}
	}
	for orig, expanded := range dc.ExpandedLinks {
		if containsFold(orig, query) || containsFold(expanded, query) {
			return true
		}
	}
	return false
}
