// Package detection holds the shared state and vocabulary of one detection
// run: the Context that every analysis stage reads from and writes to, the
// closed set of stage identifiers, and the error taxonomy used at stage
// boundaries.
package detection

import (
	"fmt"
	"strconv"
	"strings"
)

// Verdict is the outcome of a single stage or of the whole detection.
type Verdict string

const (
	VerdictSafe      Verdict = "safe"
	VerdictPhishing  Verdict = "phishing"
	VerdictUncertain Verdict = "uncertain"
)

// StageID identifies an analysis stage. The set is closed: the aggregator
// and report builder switch over it exhaustively instead of comparing
// free-form strings.
type StageID string

const (
	StageMessage  StageID = "message_analysis"
	StageURL      StageID = "url_analysis"
	StageContent  StageID = "content_analysis"
	StageMetadata StageID = "metadata_analysis"
	StageBehavior StageID = "behavior_analysis"
)

// AllStages lists every known stage in pipeline order.
var AllStages = []StageID{StageMessage, StageURL, StageContent, StageMetadata, StageBehavior}

// Category groups stages for the report's risk breakdown.
func (s StageID) Category() string {
	switch s {
	case StageMessage:
		return "message_indicators"
	case StageURL:
		return "url_indicators"
	case StageContent:
		return "content_indicators"
	case StageMetadata:
		return "metadata_indicators"
	case StageBehavior:
		return "behavior_indicators"
	default:
		return "other_indicators"
	}
}

// Valid reports whether s is one of the known stage identifiers.
func (s StageID) Valid() bool {
	switch s {
	case StageMessage, StageURL, StageContent, StageMetadata, StageBehavior:
		return true
	}
	return false
}

// StageKey identifies one stage invocation within a detection. Link-dependent
// stages run once per extracted link, so their key carries the link index;
// without it a second link's result would overwrite the first link's.
type StageKey struct {
	Stage StageID
	Link  int // index into Context.LinksFound; -1 for the message stage
}

// MessageKey returns the key for the (single) message-stage invocation.
func MessageKey() StageKey {
	return StageKey{Stage: StageMessage, Link: -1}
}

// LinkKey returns the key for a link-dependent stage invocation.
func LinkKey(stage StageID, link int) StageKey {
	return StageKey{Stage: stage, Link: link}
}

// String renders the canonical form used as the serialized map key,
// e.g. "message_analysis" or "url_analysis#2".
func (k StageKey) String() string {
	if k.Link < 0 {
		return string(k.Stage)
	}
	return fmt.Sprintf("%s#%d", k.Stage, k.Link)
}

// ParseStageKey parses the canonical string form produced by String.
func ParseStageKey(s string) (StageKey, error) {
	name, idx, found := strings.Cut(s, "#")
	key := StageKey{Stage: StageID(name), Link: -1}
	if !key.Stage.Valid() {
		return StageKey{}, fmt.Errorf("unknown stage identifier %q", name)
	}
	if found {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return StageKey{}, fmt.Errorf("bad link index in stage key %q", s)
		}
		key.Link = n
	}
	return key, nil
}

// StageResult is the uniform output of one stage invocation. Features is an
// opaque payload specific to the stage; the core ignores it except for
// surfacing it in reports.
type StageResult struct {
	Verdict    Verdict        `json:"verdict"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning"`
	Features   map[string]any `json:"features,omitempty"`
}
