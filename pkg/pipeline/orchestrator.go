// Package pipeline orders the analysis stages into a deterministic state
// machine, applies the early-exit rules, and fuses the remaining evidence
// into one final verdict.
package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/smishguard/smishguard/pkg/config"
	"github.com/smishguard/smishguard/pkg/detection"
	"github.com/smishguard/smishguard/pkg/geo"
	"github.com/smishguard/smishguard/pkg/report"
	"github.com/smishguard/smishguard/pkg/semantic"
	"github.com/smishguard/smishguard/pkg/stages"
	"github.com/smishguard/smishguard/pkg/storage"
)

// state is the orchestrator's position in one detection run. Transitions are
// strictly forward; stateDone is terminal.
type state int

const (
	stateInit state = iota
	stateMessageDone
	stateLinkScan
	stateAggregation
	stateDone
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateMessageDone:
		return "message_done"
	case stateLinkScan:
		return "link_scan"
	case stateAggregation:
		return "aggregation"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// detectedByAggregator names the verdict source when no early exit fired.
const detectedByAggregator = "aggregator"

// Detection is what one completed pipeline run hands back to the caller.
type Detection struct {
	Context    *detection.Context
	ReportPath string
}

// Orchestrator runs detections start to finish: stage sequencing, early
// exits, aggregation, persistence and report generation. One detection is
// processed at a time per call; concurrent calls operate on independent
// Contexts.
type Orchestrator struct {
	cfg    *config.Config
	store  storage.Store
	index  *semantic.Index
	report *report.Builder
	logger *log.Logger

	message  stages.Stage
	link     stages.Stage
	content  stages.Stage
	metadata stages.Stage
	behavior stages.Stage
}

// New wires an orchestrator from shared stage dependencies. store may be nil
// (detections are not persisted); index may be nil (no campaign matching).
func New(deps *stages.Deps, store storage.Store, index *semantic.Index) *Orchestrator {
	return &Orchestrator{
		cfg:      deps.Config,
		store:    store,
		index:    index,
		report:   report.NewBuilder(store, index, deps.Config.ReportsDir),
		logger:   deps.Logger,
		message:  stages.NewMessageStage(deps),
		link:     stages.NewLinkStage(deps),
		content:  stages.NewContentStage(deps),
		metadata: stages.NewMetadataStage(deps),
		behavior: stages.NewBehaviorStage(deps),
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

// Detect runs the full pipeline for one message. The returned Detection is
// always usable when err is nil; persistence and report failures are logged
// and degrade the result (empty report path) rather than failing the run.
func (o *Orchestrator) Detect(ctx context.Context, sender, message string) (*Detection, error) {
	dc := detection.NewContext(sender, message)
	o.enrichSender(dc)

	if err := o.run(ctx, dc); err != nil {
		return nil, err
	}

	if o.store != nil {
		if err := o.store.Save(ctx, dc); err != nil {
			o.logf("WARNING: failed to persist detection %s: %v", dc.DetectionID, err)
		}
	}
	if dc.FinalVerdict == detection.VerdictPhishing && o.index.IsReady() {
		if err := o.index.Add(ctx, dc.DetectionID, dc.Sender, dc.Message); err != nil {
			o.logf("WARNING: failed to index detection %s: %v", dc.DetectionID, err)
		}
	}

	path, err := o.report.Write(ctx, dc)
	if err != nil {
		o.logf("WARNING: failed to write report for %s: %v", dc.DetectionID, err)
	}

	o.logf("detection %s complete: %s (%.2f) via %s, risk %d",
		dc.DetectionID[:8], dc.FinalVerdict, dc.FinalConfidence, dc.DetectedBy, dc.RiskScore)
	return &Detection{Context: dc, ReportPath: path}, nil
}

// run drives the state machine until the final verdict is set. Only caller
// cancellation aborts it; every stage-level failure has already been folded
// into an uncertain stage result by the stage itself.
func (o *Orchestrator) run(ctx context.Context, dc *detection.Context) error {
	st := stateInit
	for st != stateDone {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("detection aborted in state %s: %w", st, err)
		}

		switch st {
		case stateInit:
			result := o.message.Analyze(ctx, dc, "")
			o.record(dc, detection.MessageKey(), result)
			st = stateMessageDone

		case stateMessageDone:
			result, _ := dc.Result(detection.MessageKey())
			if len(dc.LinksFound) == 0 {
				o.finalize(dc, detection.VerdictSafe, result.Confidence, string(detection.StageMessage))
				st = stateDone
				break
			}
			if result.Verdict == detection.VerdictSafe && result.Confidence > o.cfg.HighThreshold {
				o.finalize(dc, detection.VerdictSafe, result.Confidence, string(detection.StageMessage))
				st = stateDone
				break
			}
			o.locateLinkHost(ctx, dc)
			st = stateLinkScan

		case stateLinkScan:
			if exited := o.scanLinks(ctx, dc); exited {
				st = stateDone
			} else {
				st = stateAggregation
			}

		case stateAggregation:
			verdict, confidence := Aggregate(dc, o.cfg.Weights)
			o.finalize(dc, verdict, confidence, detectedByAggregator)
			st = stateDone
		}
	}
	return nil
}

// scanLinks runs the link-dependent stages over every extracted link in
// extraction order, checking the early-exit rule after each stage. It
// reports whether an early exit fired.
func (o *Orchestrator) scanLinks(ctx context.Context, dc *detection.Context) bool {
	for i, link := range dc.LinksFound {
		for _, stage := range []stages.Stage{o.link, o.content, o.metadata} {
			if ctx.Err() != nil {
				return false
			}
			if o.runLinkStage(ctx, dc, stage, link, i) {
				return true
			}
		}

		// The gate reads this link's freshly recorded results: doubt left
		// by the cheaper stages is what earns the browser run.
		if o.cfg.EnableBehavior && o.needsBehavioral(dc) {
			if ctx.Err() != nil {
				return false
			}
			if o.runLinkStage(ctx, dc, o.behavior, link, i) {
				return true
			}
		}
	}
	return false
}

// runLinkStage analyzes one link with one stage, records the result, and
// applies the early-exit rule. It reports whether the exit fired.
func (o *Orchestrator) runLinkStage(ctx context.Context, dc *detection.Context, stage stages.Stage, link string, i int) bool {
	result := stage.Analyze(ctx, dc, link)
	o.record(dc, detection.LinkKey(stage.ID(), i), result)

	// Strict inequality: a confidence exactly at the threshold does not
	// short-circuit.
	if result.Verdict == detection.VerdictPhishing && result.Confidence > o.cfg.HighThreshold {
		o.finalize(dc, detection.VerdictPhishing, result.Confidence, string(stage.ID()))
		return true
	}
	return false
}

// needsBehavioral reports whether the expensive browser stage is warranted:
// some earlier result left doubt, either outright uncertain or phishing
// below the exit threshold.
func (o *Orchestrator) needsBehavioral(dc *detection.Context) bool {
	for _, result := range dc.StageResults {
		if result.Verdict == detection.VerdictUncertain {
			return true
		}
		if result.Verdict == detection.VerdictPhishing && result.Confidence < o.cfg.HighThreshold {
			return true
		}
	}
	return false
}

func (o *Orchestrator) record(dc *detection.Context, key detection.StageKey, result detection.StageResult) {
	if err := dc.SetStageResult(key, result); err != nil {
		o.logf("WARNING: %v", err)
	}
}

func (o *Orchestrator) finalize(dc *detection.Context, verdict detection.Verdict, confidence float64, by string) {
	if err := dc.SetFinal(verdict, confidence, by); err != nil {
		o.logf("WARNING: %v", err)
	}
}

// enrichSender annotates the context with phone-number metadata. Failures
// leave the fields empty; enrichment never blocks a detection.
func (o *Orchestrator) enrichSender(dc *detection.Context) {
	info := geo.AnalyzeSender(dc.Sender, "US")
	valid := info.Valid
	dc.SenderPhoneValid = &valid
	if info.Valid {
		dc.SenderCountry = info.Country
		dc.SenderCarrier = info.Carrier
	}
}

// locateLinkHost resolves and geolocates the first analyzed link's host for
// the report. Best effort only.
func (o *Orchestrator) locateLinkHost(ctx context.Context, dc *detection.Context) {
	if !o.cfg.EnableGeo || len(dc.LinksFound) == 0 {
		return
	}
	loc, err := geo.LocateHost(ctx, dc.LinksFound[0])
	if err != nil {
		o.logf("geolocation of %s failed: %v", dc.LinksFound[0], err)
		return
	}
	dc.HostLocation = loc
}
