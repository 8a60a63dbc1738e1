package pipeline

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/smishguard/smishguard/pkg/config"
	"github.com/smishguard/smishguard/pkg/detection"
	"github.com/smishguard/smishguard/pkg/report"
	"github.com/smishguard/smishguard/pkg/stages"
)

// stubStage returns a scripted result, optionally mutating the context the
// way the real stage would.
type stubStage struct {
	id detection.StageID
	fn func(dc *detection.Context, link string) detection.StageResult
}

func (s stubStage) ID() detection.StageID { return s.id }

func (s stubStage) Analyze(_ context.Context, dc *detection.Context, link string) detection.StageResult {
	return s.fn(dc, link)
}

func fixed(id detection.StageID, verdict detection.Verdict, confidence float64) stubStage {
	return stubStage{id: id, fn: func(_ *detection.Context, _ string) detection.StageResult {
		return detection.StageResult{Verdict: verdict, Confidence: confidence, Reasoning: "scripted"}
	}}
}

// messageStub extracts the given links and returns the scripted result.
func messageStub(links []string, verdict detection.Verdict, confidence float64) stubStage {
	return stubStage{id: detection.StageMessage, fn: func(dc *detection.Context, _ string) detection.StageResult {
		dc.LinksFound = links
		return detection.StageResult{Verdict: verdict, Confidence: confidence, Reasoning: "scripted"}
	}}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.ReportsDir = t.TempDir()
	cfg.EnableBehavior = false
	cfg.EnableGeo = false
	return cfg
}

func testOrchestrator(cfg *config.Config, message, link, content, metadata, behavior stages.Stage) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		report:   report.NewBuilder(nil, nil, cfg.ReportsDir),
		logger:   log.New(io.Discard, "", 0),
		message:  message,
		link:     link,
		content:  content,
		metadata: metadata,
		behavior: behavior,
	}
}

func TestZeroLinksExitsSafe(t *testing.T) {
	cfg := testConfig(t)
	o := testOrchestrator(cfg,
		messageStub(nil, detection.VerdictSafe, 0.9),
		fixed(detection.StageURL, detection.VerdictPhishing, 0.99),
		fixed(detection.StageContent, detection.VerdictPhishing, 0.99),
		fixed(detection.StageMetadata, detection.VerdictPhishing, 0.99),
		fixed(detection.StageBehavior, detection.VerdictPhishing, 0.99),
	)

	det, err := o.Detect(context.Background(), "+15551234567", "see you at 7")
	if err != nil {
		t.Fatal(err)
	}
	dc := det.Context

	if dc.FinalVerdict != detection.VerdictSafe {
		t.Fatalf("final verdict = %s, want safe", dc.FinalVerdict)
	}
	if dc.DetectedBy != string(detection.StageMessage) {
		t.Errorf("detected by = %q", dc.DetectedBy)
	}
	if len(dc.StageResults) != 1 {
		t.Errorf("stage results = %v, want only the message stage", dc.StageResults)
	}
}

func TestMessageSafeExitIsStrictlyGreater(t *testing.T) {
	links := []string{"http://a.example/x"}

	tests := []struct {
		name       string
		confidence float64
		wantExit   bool
	}{
		{"exactly at threshold does not exit", 0.80, false},
		{"above threshold exits", 0.81, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			o := testOrchestrator(cfg,
				messageStub(links, detection.VerdictSafe, tt.confidence),
				fixed(detection.StageURL, detection.VerdictUncertain, 0.5),
				fixed(detection.StageContent, detection.VerdictUncertain, 0.5),
				fixed(detection.StageMetadata, detection.VerdictUncertain, 0.5),
				fixed(detection.StageBehavior, detection.VerdictUncertain, 0.5),
			)

			det, err := o.Detect(context.Background(), "+15551234567", "msg")
			if err != nil {
				t.Fatal(err)
			}
			dc := det.Context

			if tt.wantExit {
				if dc.DetectedBy != string(detection.StageMessage) {
					t.Fatalf("detected by = %q, want message stage exit", dc.DetectedBy)
				}
				if dc.FinalVerdict != detection.VerdictSafe || dc.FinalConfidence != tt.confidence {
					t.Errorf("final = %s/%v", dc.FinalVerdict, dc.FinalConfidence)
				}
				if len(dc.StageResults) != 1 {
					t.Errorf("link stages ran despite early exit: %v", dc.StageResults)
				}
			} else {
				if dc.DetectedBy != detectedByAggregator {
					t.Fatalf("detected by = %q, want aggregator", dc.DetectedBy)
				}
				if _, ok := dc.Result(detection.LinkKey(detection.StageURL, 0)); !ok {
					t.Error("link stage did not run")
				}
			}
		})
	}
}

func TestLinkStageEarlyExit(t *testing.T) {
	cfg := testConfig(t)
	contentRan := false
	content := stubStage{id: detection.StageContent, fn: func(_ *detection.Context, _ string) detection.StageResult {
		contentRan = true
		return detection.StageResult{Verdict: detection.VerdictSafe, Confidence: 0.6}
	}}

	o := testOrchestrator(cfg,
		messageStub([]string{"http://a.example/x", "http://b.example/y"}, detection.VerdictUncertain, 0.5),
		fixed(detection.StageURL, detection.VerdictPhishing, 0.95),
		content,
		fixed(detection.StageMetadata, detection.VerdictSafe, 0.6),
		fixed(detection.StageBehavior, detection.VerdictSafe, 0.6),
	)

	det, err := o.Detect(context.Background(), "+15551234567", "msg")
	if err != nil {
		t.Fatal(err)
	}
	dc := det.Context

	if dc.FinalVerdict != detection.VerdictPhishing || dc.FinalConfidence != 0.95 {
		t.Fatalf("final = %s/%v, want phishing/0.95", dc.FinalVerdict, dc.FinalConfidence)
	}
	if dc.DetectedBy != string(detection.StageURL) {
		t.Errorf("detected by = %q", dc.DetectedBy)
	}
	if contentRan {
		t.Error("content stage ran after the link stage already exited")
	}
}

func TestAllUncertainYieldsUncertain(t *testing.T) {
	cfg := testConfig(t)
	o := testOrchestrator(cfg,
		messageStub([]string{"http://a.example/x"}, detection.VerdictUncertain, 0.5),
		fixed(detection.StageURL, detection.VerdictUncertain, 0.5),
		fixed(detection.StageContent, detection.VerdictUncertain, 0.5),
		fixed(detection.StageMetadata, detection.VerdictUncertain, 0.5),
		fixed(detection.StageBehavior, detection.VerdictUncertain, 0.5),
	)

	det, err := o.Detect(context.Background(), "+15551234567", "msg")
	if err != nil {
		t.Fatal(err)
	}
	dc := det.Context

	if dc.FinalVerdict != detection.VerdictUncertain || dc.FinalConfidence != 0.5 {
		t.Fatalf("final = %s/%v, want uncertain/0.5", dc.FinalVerdict, dc.FinalConfidence)
	}
	if dc.DetectedBy != detectedByAggregator {
		t.Errorf("detected by = %q", dc.DetectedBy)
	}
}

func TestStageFailureNeverFatal(t *testing.T) {
	cfg := testConfig(t)
	failing := stubStage{id: detection.StageContent, fn: func(_ *detection.Context, _ string) detection.StageResult {
		return detection.FailedResult(detection.StageContent, detection.ErrFetch)
	}}

	o := testOrchestrator(cfg,
		messageStub([]string{"http://a.example/x"}, detection.VerdictUncertain, 0.5),
		fixed(detection.StageURL, detection.VerdictSafe, 0.6),
		failing,
		fixed(detection.StageMetadata, detection.VerdictSafe, 0.6),
		fixed(detection.StageBehavior, detection.VerdictSafe, 0.6),
	)

	det, err := o.Detect(context.Background(), "+15551234567", "msg")
	if err != nil {
		t.Fatal(err)
	}
	dc := det.Context

	if !dc.Finalized() {
		t.Fatal("pipeline did not finish after a stage failure")
	}
	result, ok := dc.Result(detection.LinkKey(detection.StageContent, 0))
	if !ok {
		t.Fatal("failed stage result not recorded")
	}
	if result.Verdict != detection.VerdictUncertain || result.Confidence != detection.FailureConfidence {
		t.Errorf("failed stage result = %s/%v", result.Verdict, result.Confidence)
	}
	if !strings.Contains(result.Reasoning, "fetch failed") {
		t.Errorf("reasoning does not name the failure: %q", result.Reasoning)
	}
}

func TestBehaviorStageGating(t *testing.T) {
	behaviorRan := false
	behavior := stubStage{id: detection.StageBehavior, fn: func(_ *detection.Context, _ string) detection.StageResult {
		behaviorRan = true
		return detection.StageResult{Verdict: detection.VerdictSafe, Confidence: 0.6}
	}}

	t.Run("skipped when earlier results are confident", func(t *testing.T) {
		behaviorRan = false
		cfg := testConfig(t)
		cfg.EnableBehavior = true
		o := testOrchestrator(cfg,
			messageStub([]string{"http://a.example/x"}, detection.VerdictSafe, 0.7),
			fixed(detection.StageURL, detection.VerdictSafe, 0.7),
			fixed(detection.StageContent, detection.VerdictSafe, 0.7),
			fixed(detection.StageMetadata, detection.VerdictSafe, 0.7),
			behavior,
		)
		if _, err := o.Detect(context.Background(), "+15551234567", "msg"); err != nil {
			t.Fatal(err)
		}
		if behaviorRan {
			t.Error("behavior stage ran with no doubt on record")
		}
	})

	t.Run("runs when an earlier result is uncertain", func(t *testing.T) {
		behaviorRan = false
		cfg := testConfig(t)
		cfg.EnableBehavior = true
		o := testOrchestrator(cfg,
			messageStub([]string{"http://a.example/x"}, detection.VerdictUncertain, 0.5),
			fixed(detection.StageURL, detection.VerdictSafe, 0.7),
			fixed(detection.StageContent, detection.VerdictSafe, 0.7),
			fixed(detection.StageMetadata, detection.VerdictSafe, 0.7),
			behavior,
		)
		if _, err := o.Detect(context.Background(), "+15551234567", "msg"); err != nil {
			t.Fatal(err)
		}
		if !behaviorRan {
			t.Error("behavior stage skipped despite an uncertain result")
		}
	})

	t.Run("runs when only this link's results are uncertain", func(t *testing.T) {
		behaviorRan = false
		cfg := testConfig(t)
		cfg.EnableBehavior = true
		o := testOrchestrator(cfg,
			messageStub([]string{"http://a.example/x"}, detection.VerdictSafe, 0.5),
			fixed(detection.StageURL, detection.VerdictUncertain, 0.5),
			fixed(detection.StageContent, detection.VerdictUncertain, 0.5),
			fixed(detection.StageMetadata, detection.VerdictUncertain, 0.5),
			behavior,
		)
		if _, err := o.Detect(context.Background(), "+15551234567", "msg"); err != nil {
			t.Fatal(err)
		}
		if !behaviorRan {
			t.Error("behavior stage skipped although this link's results were uncertain")
		}
	})

	t.Run("disabled by configuration", func(t *testing.T) {
		behaviorRan = false
		cfg := testConfig(t)
		cfg.EnableBehavior = false
		o := testOrchestrator(cfg,
			messageStub([]string{"http://a.example/x"}, detection.VerdictUncertain, 0.5),
			fixed(detection.StageURL, detection.VerdictSafe, 0.7),
			fixed(detection.StageContent, detection.VerdictSafe, 0.7),
			fixed(detection.StageMetadata, detection.VerdictSafe, 0.7),
			behavior,
		)
		if _, err := o.Detect(context.Background(), "+15551234567", "msg"); err != nil {
			t.Fatal(err)
		}
		if behaviorRan {
			t.Error("behavior stage ran while disabled")
		}
	})
}

func TestDetectCancelled(t *testing.T) {
	cfg := testConfig(t)
	o := testOrchestrator(cfg,
		messageStub([]string{"http://a.example/x"}, detection.VerdictUncertain, 0.5),
		fixed(detection.StageURL, detection.VerdictUncertain, 0.5),
		fixed(detection.StageContent, detection.VerdictUncertain, 0.5),
		fixed(detection.StageMetadata, detection.VerdictUncertain, 0.5),
		fixed(detection.StageBehavior, detection.VerdictUncertain, 0.5),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Detect(ctx, "+15551234567", "msg"); err == nil {
		t.Fatal("expected an error for a cancelled detection")
	}
}

func TestAggregateWeightedVote(t *testing.T) {
	weights := config.DefaultWeights()

	dc := detection.NewContext("s", "m")
	dc.StageResults[detection.MessageKey().String()] = detection.StageResult{
		Verdict: detection.VerdictSafe, Confidence: 0.9,
	}
	dc.StageResults[detection.LinkKey(detection.StageURL, 0).String()] = detection.StageResult{
		Verdict: detection.VerdictPhishing, Confidence: 0.9,
	}

	verdict, confidence := Aggregate(dc, weights)

	// url weight (1.0) outweighs message weight (0.8) at equal confidence.
	if verdict != detection.VerdictPhishing {
		t.Fatalf("verdict = %s, want phishing", verdict)
	}
	wantConf := (0.9 * weights[detection.StageURL]) /
		(0.9*weights[detection.StageURL] + 0.9*weights[detection.StageMessage])
	if confidence != wantConf {
		t.Errorf("confidence = %v, want %v", confidence, wantConf)
	}
}

func TestAggregateTie(t *testing.T) {
	weights := map[detection.StageID]float64{
		detection.StageURL:     1.0,
		detection.StageContent: 1.0,
	}
	dc := detection.NewContext("s", "m")
	dc.StageResults[detection.LinkKey(detection.StageURL, 0).String()] = detection.StageResult{
		Verdict: detection.VerdictPhishing, Confidence: 0.6,
	}
	dc.StageResults[detection.LinkKey(detection.StageContent, 0).String()] = detection.StageResult{
		Verdict: detection.VerdictSafe, Confidence: 0.6,
	}

	verdict, confidence := Aggregate(dc, weights)
	if verdict != detection.VerdictUncertain || confidence != 0.5 {
		t.Fatalf("tie = %s/%v, want uncertain/0.5", verdict, confidence)
	}
}

func TestAggregateAllUncertain(t *testing.T) {
	dc := detection.NewContext("s", "m")
	dc.StageResults[detection.MessageKey().String()] = detection.StageResult{
		Verdict: detection.VerdictUncertain, Confidence: 0.5,
	}
	verdict, confidence := Aggregate(dc, config.DefaultWeights())
	if verdict != detection.VerdictUncertain || confidence != 0.5 {
		t.Fatalf("all-uncertain = %s/%v, want uncertain/0.5", verdict, confidence)
	}
}

func TestAggregateDeterministic(t *testing.T) {
	dc := detection.NewContext("s", "m")
	dc.StageResults[detection.MessageKey().String()] = detection.StageResult{
		Verdict: detection.VerdictPhishing, Confidence: 0.55,
	}
	for i := 0; i < 3; i++ {
		dc.StageResults[detection.LinkKey(detection.StageURL, i).String()] = detection.StageResult{
			Verdict: detection.VerdictPhishing, Confidence: 0.61,
		}
		dc.StageResults[detection.LinkKey(detection.StageContent, i).String()] = detection.StageResult{
			Verdict: detection.VerdictSafe, Confidence: 0.73,
		}
	}

	firstVerdict, firstConf := Aggregate(dc, config.DefaultWeights())
	for i := 0; i < 50; i++ {
		verdict, conf := Aggregate(dc, config.DefaultWeights())
		if verdict != firstVerdict || conf != firstConf {
			t.Fatalf("run %d: %s/%v differs from first run %s/%v", i, verdict, conf, firstVerdict, firstConf)
		}
	}
}
