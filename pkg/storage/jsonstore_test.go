package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smishguard/smishguard/pkg/detection"
)

func newStore(t *testing.T) *JSONStore {
	t.Helper()
	s, err := NewJSONStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	return s
}

func saved(t *testing.T, s *JSONStore, sender, message string, verdict detection.Verdict) *detection.Context {
	t.Helper()
	dc := detection.NewContext(sender, message)
	if err := dc.SetFinal(verdict, 0.9, "aggregation"); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(context.Background(), dc); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return dc
}

func TestSaveAndLoadByFullID(t *testing.T) {
	s := newStore(t)
	dc := saved(t, s, "+15551234567", "Your bank account is locked http://bit.ly/x", detection.VerdictPhishing)

	got, err := s.Load(context.Background(), dc.DetectionID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DetectionID != dc.DetectionID {
		t.Errorf("id = %s, want %s", got.DetectionID, dc.DetectionID)
	}
	if got.FinalVerdict != detection.VerdictPhishing || got.Sender != dc.Sender {
		t.Errorf("loaded record = %+v", got.Summary())
	}
}

func TestLoadByPrefix(t *testing.T) {
	s := newStore(t)
	dc := saved(t, s, "+15551234567", "test message", detection.VerdictSafe)

	got, err := s.Load(context.Background(), dc.DetectionID[:6])
	if err != nil {
		t.Fatalf("Load by prefix: %v", err)
	}
	if got.DetectionID != dc.DetectionID {
		t.Errorf("id = %s, want %s", got.DetectionID, dc.DetectionID)
	}
}

func TestLoadUnknownID(t *testing.T) {
	s := newStore(t)
	saved(t, s, "+15551234567", "test", detection.VerdictSafe)

	_, err := s.Load(context.Background(), "zzzzzzzz")
	if !errors.Is(err, detection.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	if _, err := s.Load(context.Background(), ""); !errors.Is(err, detection.ErrNotFound) {
		t.Errorf("empty id err = %v, want ErrNotFound", err)
	}
}

// The Postgres backend resolves prefixes with the same one/zero/many rule in
// its lookup query, so this behavior is shared by both stores.
func TestLoadAmbiguousPrefix(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := detection.NewContext("+15550000001", "first")
	a.DetectionID = "aaaa1111-0000-4000-8000-000000000001"
	b := detection.NewContext("+15550000002", "second")
	b.DetectionID = "aaaa2222-0000-4000-8000-000000000002"
	for _, dc := range []*detection.Context{a, b} {
		if err := s.Save(ctx, dc); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.Load(ctx, "aaaa"); !errors.Is(err, detection.ErrNotFound) {
		t.Errorf("ambiguous prefix err = %v, want ErrNotFound", err)
	}

	// Lengthening the prefix past the ambiguity resolves it.
	dc, err := s.Load(ctx, "aaaa1111")
	if err != nil {
		t.Fatalf("unique prefix: %v", err)
	}
	if dc.DetectionID != a.DetectionID {
		t.Errorf("loaded %s, want %s", dc.DetectionID, a.DetectionID)
	}
}

func TestSaveOverwritesSameID(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	dc := detection.NewContext("+15551234567", "msg")
	if err := s.Save(ctx, dc); err != nil {
		t.Fatal(err)
	}
	if err := dc.SetFinal(detection.VerdictPhishing, 0.95, "early_exit"); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, dc); err != nil {
		t.Fatal(err)
	}

	all, err := s.LoadAll(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("records = %d, want 1 after re-save", len(all))
	}
	if all[0].FinalVerdict != detection.VerdictPhishing {
		t.Errorf("verdict = %s, want phishing", all[0].FinalVerdict)
	}
}

func TestLoadLatestAndLoadAllOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first := detection.NewContext("+15550000001", "first")
	first.Timestamp = time.Now().Add(-2 * time.Hour)
	second := detection.NewContext("+15550000002", "second")
	second.Timestamp = time.Now().Add(-1 * time.Hour)
	third := detection.NewContext("+15550000003", "third")

	for _, dc := range []*detection.Context{first, second, third} {
		if err := s.Save(ctx, dc); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := s.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if latest.DetectionID != third.DetectionID {
		t.Errorf("latest = %s, want %s", latest.DetectionID, third.DetectionID)
	}

	all, err := s.LoadAll(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("records = %d, want 3", len(all))
	}
	if all[0].DetectionID != third.DetectionID || all[2].DetectionID != first.DetectionID {
		t.Error("LoadAll not ordered newest first")
	}

	capped, err := s.LoadAll(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(capped) != 2 {
		t.Fatalf("limited records = %d, want 2", len(capped))
	}
	if capped[0].DetectionID != third.DetectionID || capped[1].DetectionID != second.DetectionID {
		t.Error("limit did not keep the newest records")
	}
}

func TestLoadLatestEmpty(t *testing.T) {
	s := newStore(t)
	if _, err := s.LoadLatest(context.Background()); !errors.Is(err, detection.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSearchBySender(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	saved(t, s, "+15551234567", "a", detection.VerdictPhishing)
	saved(t, s, "+61412345678", "b", detection.VerdictSafe)

	hits, err := s.SearchBySender(ctx, "+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Sender != "+15551234567" {
		t.Errorf("hits = %d", len(hits))
	}

	// A fragment shared by many senders must not match anything.
	partial, err := s.SearchBySender(ctx, "555")
	if err != nil {
		t.Fatal(err)
	}
	if len(partial) != 0 {
		t.Errorf("partial sender query matched %d detections, want 0", len(partial))
	}

	none, err := s.SearchBySender(ctx, "+19990000000")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("expected no hits, got %d", len(none))
	}
}

func TestSearchByLink(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	dc := detection.NewContext("+15551234567", "click http://bit.ly/abc")
	dc.LinksFound = []string{"http://bit.ly/abc"}
	dc.ExpandedLinks = map[string]string{"http://bit.ly/abc": "https://evil.example/login"}
	if err := s.Save(ctx, dc); err != nil {
		t.Fatal(err)
	}
	saved(t, s, "+15550000009", "no links here", detection.VerdictSafe)

	for _, query := range []string{"bit.ly", "evil.example"} {
		hits, err := s.SearchByLink(ctx, query)
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 1 || hits[0].DetectionID != dc.DetectionID {
			t.Errorf("SearchByLink(%q) = %d hits", query, len(hits))
		}
	}
}

func TestStatistics(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p := detection.NewContext("+15550000001", "a")
	p.AddRisk(40, "expired link", detection.StageURL)
	p.Timestamp = time.Now().Add(-2 * time.Hour)
	_ = p.SetFinal(detection.VerdictPhishing, 0.9, "aggregation")
	sf := detection.NewContext("+15550000002", "b")
	sf.Timestamp = time.Now().Add(-time.Hour)
	_ = sf.SetFinal(detection.VerdictSafe, 0.8, "aggregation")
	u := detection.NewContext("+15550000001", "c")
	u.ShortenerUsed = true
	_ = u.SetFinal(detection.VerdictUncertain, 0.5, "aggregation")

	for _, dc := range []*detection.Context{p, sf, u} {
		if err := s.Save(ctx, dc); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.Statistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Phishing != 1 || stats.Safe != 1 || stats.Uncertain != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.UniqueSenders != 2 {
		t.Errorf("unique senders = %d, want 2", stats.UniqueSenders)
	}
	if stats.ShortenerCount != 1 {
		t.Errorf("shortener count = %d, want 1", stats.ShortenerCount)
	}
	if want := 1.0 / 3.0; stats.PhishingRate < want-0.01 || stats.PhishingRate > want+0.01 {
		t.Errorf("phishing rate = %v", stats.PhishingRate)
	}
	if stats.AverageRisk < 13.0 || stats.AverageRisk > 13.5 {
		t.Errorf("average risk = %v, want ~13.33", stats.AverageRisk)
	}
	if !stats.Oldest.Equal(p.Timestamp) {
		t.Errorf("oldest = %v, want %v", stats.Oldest, p.Timestamp)
	}
	if !stats.Newest.Equal(u.Timestamp) {
		t.Errorf("newest = %v, want %v", stats.Newest, u.Timestamp)
	}
}

func TestCleanup(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	old := detection.NewContext("+15550000001", "old")
	old.Timestamp = time.Now().Add(-40 * 24 * time.Hour)
	fresh := detection.NewContext("+15550000002", "fresh")

	for _, dc := range []*detection.Context{old, fresh} {
		if err := s.Save(ctx, dc); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.Cleanup(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	all, err := s.LoadAll(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].DetectionID != fresh.DetectionID {
		t.Error("cleanup removed the wrong record")
	}
}

func TestRoundTripPreservesEvidence(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	dc := detection.NewContext("+15551234567", "Your account is suspended http://bit.ly/x")
	dc.LinksFound = []string{"http://bit.ly/x"}
	dc.ShortenerUsed = true
	dc.AddRisk(40, "Shortened link could not be expanded", detection.StageURL)
	dc.AddGreenFlag("Sender number is a registered mobile", detection.StageMetadata)
	if err := dc.SetStageResult(detection.MessageKey(), detection.StageResult{
		Verdict: detection.VerdictPhishing, Confidence: 0.9, Reasoning: "urgency and credential lure",
	}); err != nil {
		t.Fatal(err)
	}
	_ = dc.SetFinal(detection.VerdictPhishing, 0.92, "early_exit")

	if err := s.Save(ctx, dc); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx, dc.DetectionID)
	if err != nil {
		t.Fatal(err)
	}

	if got.RiskScore != 40 || len(got.RedFlags) != 1 || len(got.GreenFlags) != 1 {
		t.Errorf("evidence lost: risk=%d red=%d green=%d", got.RiskScore, len(got.RedFlags), len(got.GreenFlags))
	}
	r, ok := got.Result(detection.MessageKey())
	if !ok || r.Verdict != detection.VerdictPhishing {
		t.Errorf("stage result lost: %+v ok=%v", r, ok)
	}
	if !got.ShortenerUsed || len(got.LinksFound) != 1 {
		t.Error("link evidence lost")
	}
}
