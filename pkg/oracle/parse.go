package oracle

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/smishguard/smishguard/pkg/detection"
)

// Stage prompts ask the model to answer in this shape:
//
//	Verdict: safe|phishing|uncertain
//	Confidence: <number>
//	Reasoning: <free text>
//
// Models drift from the format constantly, so the parser scans line by line
// and falls back rather than failing.

var (
	reThinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	reNumber     = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	// Catches a "reasoning:" token buried mid-sentence and keeps everything
	// after it, newlines included.
	reReasoningToken = regexp.MustCompile(`(?is)reasoning:\s*(.+)`)
)

// ParseResponse extracts a stage verdict from raw model output. It never
// returns an error: anything unparseable degrades to an uncertain verdict so
// a chatty model cannot sink the whole stage.
func ParseResponse(raw string) detection.StageResult {
	// Reasoning models wrap deliberation in <think> tags; only the text
	// after the block is the answer.
	cleaned := strings.TrimSpace(reThinkBlock.ReplaceAllString(raw, ""))

	result := detection.StageResult{
		Verdict:    detection.VerdictUncertain,
		Confidence: 0.5,
		Reasoning:  "",
	}

	verdictSeen := false
	confidenceSeen := false

	for _, line := range strings.Split(cleaned, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)

		switch {
		case strings.HasPrefix(lower, "verdict:") && !verdictSeen:
			value := strings.ToLower(strings.TrimSpace(line[len("verdict:"):]))
			// Substring match tolerates decoration like "**phishing**".
			if strings.Contains(value, "phishing") {
				result.Verdict = detection.VerdictPhishing
				verdictSeen = true
			} else if strings.Contains(value, "safe") {
				result.Verdict = detection.VerdictSafe
				verdictSeen = true
			} else if strings.Contains(value, "uncertain") {
				result.Verdict = detection.VerdictUncertain
				verdictSeen = true
			}
		case strings.HasPrefix(lower, "confidence:") && !confidenceSeen:
			if conf, ok := parseConfidence(line[len("confidence:"):]); ok {
				result.Confidence = conf
				confidenceSeen = true
			}
		case strings.HasPrefix(lower, "reasoning:") && result.Reasoning == "":
			result.Reasoning = strings.TrimSpace(line[len("reasoning:"):])
		}
	}

	// A model that explains itself without a leading Reasoning: label still
	// gave us something worth keeping in the audit trail. Prefer the text
	// after a reasoning token anywhere in the reply, then any prose line.
	if result.Reasoning == "" {
		if m := reReasoningToken.FindStringSubmatch(cleaned); m != nil {
			result.Reasoning = strings.TrimSpace(m[1])
		}
	}
	if result.Reasoning == "" {
		result.Reasoning = firstProseLine(cleaned)
	}
	if result.Reasoning == "" {
		result.Reasoning = "Oracle response could not be parsed"
	}

	return result
}

// parseConfidence pulls the first numeric token out of a confidence value.
// Models report "0.85", "85", "85%", or "85/100" interchangeably; anything
// above 1 is treated as a percentage.
func parseConfidence(s string) (float64, bool) {
	match := reNumber.FindString(s)
	if match == "" {
		return 0, false
	}
	conf, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, false
	}
	if conf > 1 {
		conf /= 100
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return conf, true
}

// firstProseLine returns the first non-empty line that is not one of the
// structured labels.
func firstProseLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "verdict:") || strings.HasPrefix(lower, "confidence:") || strings.HasPrefix(lower, "reasoning:") {
			continue
		}
		return line
	}
	return ""
}
