package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/smishguard/smishguard/pkg/detection"
	"github.com/smishguard/smishguard/pkg/patterns"
	"github.com/smishguard/smishguard/pkg/urlutil"
)

// MessageStage analyzes the raw SMS text and sender. It is always the first
// stage: it extracts the links every later stage iterates over.
type MessageStage struct {
	deps *Deps
}

func NewMessageStage(deps *Deps) *MessageStage {
	return &MessageStage{deps: deps}
}

func (s *MessageStage) ID() detection.StageID { return detection.StageMessage }

// messagePromptFormat frames the strict-mode scam triage the oracle runs on
// the raw message. Any entity in an unsolicited message counts as a point of
// scam, legitimate brand or not.
const messagePromptFormat = `You are an expert system designed to identify scams in SMS messages. A point of scam is any specific entity, resource, or element the recipient is directed to interact with, which could lead to fraud, financial loss, or security compromise.

Strict Policy
All entities in promotional, unsolicited, or unknown SMS messages (numbers, links, apps, accounts, websites, customer centers, etc.) must be flagged as points of scam, regardless of whether they belong to legitimate companies.

Input Format:
SMS Sender: %s
SMS Text: %s
URLs Found: %s

Analysis Framework:

Risk Assessment (Strict Mode)
Extract ALL entities/resources mentioned (numbers, links, apps, accounts, websites, service centers)
If ANY entity is present in promotional/unsolicited/unknown SMS, flag it as a point of scam
Check for trust exploitation: impersonation, urgency, emotional triggers, security bypass
Recognize deceptive patterns: generic greetings, grammar errors, too-good-to-be-true offers

Output Format
Verdict: [safe/phishing]
Confidence: [0.0-1.0]
Reasoning: [Brief explanation, 1-2 sentences]

Guidelines
Verdict: safe = no scam detected | phishing = scam detected
Confidence: 0.0-1.0 scale
Reasoning: Key factors influencing decision (urgency, sender, entity type, phishing indicators)`

func (s *MessageStage) Analyze(ctx context.Context, dc *detection.Context, _ string) detection.StageResult {
	links := urlutil.Extract(dc.Message)
	dc.LinksFound = links

	// A message with no links has no point of scam to follow; the text
	// alone cannot harvest anything.
	if len(links) == 0 {
		return detection.StageResult{
			Verdict:    detection.VerdictSafe,
			Confidence: 0.9,
			Reasoning:  "No URLs detected in SMS message",
			Features:   map[string]any{"urls_found": 0},
		}
	}

	prompt := fmt.Sprintf(messagePromptFormat, dc.Sender, dc.Message, strings.Join(links, ", "))
	result, ok := s.deps.askOracle(ctx, "message", prompt)
	if !ok {
		result = s.fallback(ctx, dc)
	}
	result.Features = mergeFeatures(result.Features, map[string]any{
		"urls_found": len(links),
		"sender":     dc.Sender,
	})

	switch result.Verdict {
	case detection.VerdictPhishing:
		dc.AddRisk(int(result.Confidence*25), result.Reasoning, s.ID())
	case detection.VerdictSafe:
		dc.AddGreenFlag(result.Reasoning, s.ID())
	}
	return result
}

// fallback runs when the oracle is down: local model first, pattern
// heuristics second.
func (s *MessageStage) fallback(ctx context.Context, dc *detection.Context) detection.StageResult {
	if s.deps.Classifier.IsReady() {
		if result, err := s.deps.Classifier.Classify(ctx, dc.Message); err == nil {
			s.deps.logf("message stage using local classifier: %s (%.2f)", result.Verdict, result.Confidence)
			return result
		}
	}
	return s.heuristic(dc.Message)
}

// heuristic scores the message against the lure pattern registry. Mirrors
// the feature counting the link heuristics use: three or more indicator
// categories reads as phishing, one or two as uncertain.
func (s *MessageStage) heuristic(message string) detection.StageResult {
	reg := patterns.Get()

	matched := reg.MatchAll(message,
		patterns.CategoryUrgency,
		patterns.CategoryCredentialLure,
		patterns.CategoryRewardLure,
		patterns.CategoryThreat,
		patterns.CategoryImpersonation,
		patterns.CategoryGenericGreeting,
	)

	cats := map[patterns.Category]struct{}{}
	names := make([]string, 0, len(matched))
	for _, p := range matched {
		cats[p.Category] = struct{}{}
		names = append(names, p.Name)
	}

	features := map[string]any{
		"heuristic":        true,
		"matched_patterns": names,
	}

	switch {
	case len(cats) >= 3:
		return detection.StageResult{
			Verdict:    detection.VerdictPhishing,
			Confidence: 0.7,
			Reasoning:  fmt.Sprintf("Message matches %d scam indicator categories: %s", len(cats), strings.Join(names, ", ")),
			Features:   features,
		}
	case len(cats) >= 1:
		return detection.StageResult{
			Verdict:    detection.VerdictUncertain,
			Confidence: 0.5,
			Reasoning:  fmt.Sprintf("Message contains links and matches scam indicators: %s", strings.Join(names, ", ")),
			Features:   features,
		}
	default:
		return detection.StageResult{
			Verdict:    detection.VerdictUncertain,
			Confidence: 0.5,
			Reasoning:  "Unable to analyze with oracle, but URLs detected",
			Features:   features,
		}
	}
}

func mergeFeatures(base, extra map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}
