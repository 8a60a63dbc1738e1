package pipeline

import (
	"sort"

	"github.com/smishguard/smishguard/pkg/detection"
)

// Aggregate fuses every recorded stage result into one weighted verdict.
// Phishing and safe results feed opposing accumulators with confidence times
// stage weight; uncertain results feed neither. The larger accumulator wins
// with confidence equal to its share of the combined evidence. An exact tie,
// or a run where every result was uncertain, yields uncertain at 0.5.
//
// The function is pure over the recorded results: identical inputs always
// produce the identical verdict and confidence. Results are folded in sorted
// key order so floating-point accumulation is reproducible too.
func Aggregate(dc *detection.Context, weights map[detection.StageID]float64) (detection.Verdict, float64) {
	keys := make([]string, 0, len(dc.StageResults))
	for k := range dc.StageResults {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var phishingAcc, safeAcc float64
	for _, k := range keys {
		key, err := detection.ParseStageKey(k)
		if err != nil {
			continue
		}
		weight, ok := weights[key.Stage]
		if !ok {
			continue
		}
		result := dc.StageResults[k]
		switch result.Verdict {
		case detection.VerdictPhishing:
			phishingAcc += result.Confidence * weight
		case detection.VerdictSafe:
			safeAcc += result.Confidence * weight
		}
	}

	total := phishingAcc + safeAcc
	switch {
	case total == 0, phishingAcc == safeAcc:
		return detection.VerdictUncertain, 0.5
	case phishingAcc > safeAcc:
		return detection.VerdictPhishing, phishingAcc / total
	default:
		return detection.VerdictSafe, safeAcc / total
	}
}
