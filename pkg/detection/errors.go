package detection

import (
	"errors"
	"fmt"
)

// Error taxonomy for the pipeline. The first four are stage-level failures:
// they are caught at the stage boundary and converted into an uncertain
// StageResult, never propagated as a pipeline fault.
var (
	ErrFetch             = errors.New("fetch failed")
	ErrParse             = errors.New("parse failed")
	ErrTimeout           = errors.New("operation timed out")
	ErrOracleUnavailable = errors.New("oracle unavailable")
	ErrSerialization     = errors.New("serialization failed")
	ErrNotFound          = errors.New("not found")
)

// FailureConfidence is the fixed low confidence assigned to a stage result
// produced from a stage-level failure.
const FailureConfidence = 0.3

// FailedResult converts a stage-level error into the uncertain result that
// the stage records instead of raising. The reasoning names the failure so it
// appears verbatim in the audit trail and report.
func FailedResult(stage StageID, err error) StageResult {
	return StageResult{
		Verdict:    VerdictUncertain,
		Confidence: FailureConfidence,
		Reasoning:  fmt.Sprintf("%s could not complete: %v", stage, err),
	}
}
