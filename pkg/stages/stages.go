// Package stages implements the analysis stages of the detection pipeline.
// Each stage reads from and writes to the shared detection context, consults
// the oracle when available, and falls back to deterministic heuristics when
// it is not. Ordinary failures (fetch, parse, timeout, oracle outage) never
// escape a stage: they become an uncertain result with the failure named in
// the reasoning.
package stages

import (
	"context"
	"log"
	"strconv"

	"github.com/smishguard/smishguard/pkg/cache"
	"github.com/smishguard/smishguard/pkg/config"
	"github.com/smishguard/smishguard/pkg/detection"
	"github.com/smishguard/smishguard/pkg/ml"
	"github.com/smishguard/smishguard/pkg/oracle"
)

// Stage is the uniform contract every analysis stage implements. target is
// the link under analysis for link-dependent stages and is ignored by the
// message stage. Analyze may add risk and green flags to dc but must not set
// stage results or the final verdict; the orchestrator owns those.
type Stage interface {
	ID() detection.StageID
	Analyze(ctx context.Context, dc *detection.Context, target string) detection.StageResult
}

// Deps bundles the shared collaborators stages draw on. Oracle, Classifier
// and Cache are optional: nil means degraded operation, not an error.
type Deps struct {
	Config     *config.Config
	Oracle     *oracle.Client
	Classifier *ml.Classifier
	Cache      *cache.Cache
	Logger     *log.Logger
}

func (d *Deps) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
	}
}

// askOracle runs one cached oracle round trip. The cache key hashes the full
// prompt, so identical feature sets for the same target hit the cache.
func (d *Deps) askOracle(ctx context.Context, namespace, prompt string) (detection.StageResult, bool) {
	if !d.Oracle.IsReady() {
		return detection.StageResult{}, false
	}

	key := cache.Key(namespace, prompt)
	if raw, ok := d.Cache.Get(ctx, key); ok {
		return oracle.ParseResponse(raw), true
	}

	result, err := d.Oracle.Ask(ctx, prompt)
	if err != nil {
		d.logf("oracle call failed (%s): %v", namespace, err)
		return detection.StageResult{}, false
	}

	// Cache the structured reply rather than the raw completion so parser
	// changes only affect fresh lookups.
	d.Cache.Set(ctx, key, "Verdict: "+string(result.Verdict)+
		"\nConfidence: "+formatConfidence(result.Confidence)+
		"\nReasoning: "+result.Reasoning)
	return result, true
}

func formatConfidence(c float64) string {
	return strconv.FormatFloat(c, 'f', 2, 64)
}
