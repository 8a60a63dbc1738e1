package stages

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/smishguard/smishguard/pkg/detection"
	"github.com/smishguard/smishguard/pkg/urlutil"
)

// BehaviorStage loads a page in a headless browser and watches what it does
// rather than what it says: forced redirects, script-driven requests to
// unrelated domains, and JavaScript dialogs thrown at the visitor. It is the
// most expensive stage and runs only when earlier stages leave doubt.
type BehaviorStage struct {
	deps *Deps
}

func NewBehaviorStage(deps *Deps) *BehaviorStage {
	return &BehaviorStage{deps: deps}
}

func (s *BehaviorStage) ID() detection.StageID { return detection.StageBehavior }

type behaviorFeatures struct {
	FinalURL       string
	Redirected     bool
	RequestCount   int
	ForeignDomains []string
	DialogCount    int
	DialogMessages []string
}

func (s *BehaviorStage) Analyze(ctx context.Context, dc *detection.Context, link string) detection.StageResult {
	s.deps.logf("analyzing runtime behavior of: %s", link)

	feats, err := s.observe(ctx, link)
	if err != nil {
		if ctx.Err() != nil {
			return detection.FailedResult(s.ID(), ctx.Err())
		}
		return detection.FailedResult(s.ID(), fmt.Errorf("%w: headless browser session: %v", detection.ErrFetch, err))
	}

	result, ok := s.deps.askOracle(ctx, "behavior", s.buildPrompt(link, feats))
	if !ok {
		result = s.heuristic(feats)
	}
	result.Features = mergeFeatures(result.Features, map[string]any{
		"final_url":       feats.FinalURL,
		"redirected":      feats.Redirected,
		"request_count":   feats.RequestCount,
		"foreign_domains": len(feats.ForeignDomains),
		"dialog_count":    feats.DialogCount,
	})

	switch result.Verdict {
	case detection.VerdictPhishing:
		dc.AddRisk(int(result.Confidence*30), result.Reasoning, s.ID())
	case detection.VerdictSafe:
		dc.AddGreenFlag(result.Reasoning, s.ID())
	}
	if feats.Redirected {
		dc.AddRisk(10, fmt.Sprintf("Page redirected in browser to %s", truncate(feats.FinalURL, 80)), s.ID())
	}
	if feats.DialogCount > 0 {
		dc.AddRisk(10, fmt.Sprintf("Page opened %d JavaScript dialog(s)", feats.DialogCount), s.ID())
	}

	return result
}

// observe drives a short headless browser session against link and records
// network and dialog activity. Dialogs are dismissed immediately so the
// session never blocks on them.
func (s *BehaviorStage) observe(ctx context.Context, link string) (behaviorFeatures, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.UserAgent(s.deps.Config.UserAgent),
	)

	browseCtx, cancel := context.WithTimeout(ctx, s.deps.Config.BrowserTimeout)
	defer cancel()
	allocCtx, allocCancel := chromedp.NewExecAllocator(browseCtx, opts...)
	defer allocCancel()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	defer tabCancel()

	originalDomain := urlutil.Domain(link)
	feats := behaviorFeatures{}
	foreign := map[string]struct{}{}
	var mu sync.Mutex

	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			mu.Lock()
			feats.RequestCount++
			if d := urlutil.Domain(e.Request.URL); d != "" && d != originalDomain {
				foreign[d] = struct{}{}
			}
			mu.Unlock()
		case *page.EventJavascriptDialogOpening:
			mu.Lock()
			feats.DialogCount++
			feats.DialogMessages = append(feats.DialogMessages, truncate(e.Message, 120))
			mu.Unlock()
			// Dismiss from a separate goroutine; handling inside the event
			// callback deadlocks the target.
			go func() {
				_ = chromedp.Run(tabCtx, page.HandleJavaScriptDialog(false))
			}()
		}
	})

	var finalURL string
	err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.Navigate(link),
		chromedp.Sleep(3*time.Second),
		chromedp.Location(&finalURL),
	)
	if err != nil {
		return behaviorFeatures{}, err
	}

	mu.Lock()
	defer mu.Unlock()
	feats.FinalURL = finalURL
	feats.Redirected = urlutil.Domain(finalURL) != originalDomain
	for d := range foreign {
		feats.ForeignDomains = append(feats.ForeignDomains, d)
	}
	return feats, nil
}

func (s *BehaviorStage) buildPrompt(link string, f behaviorFeatures) string {
	return fmt.Sprintf(`Analyze this website's runtime behavior for phishing indicators.

URL: %s
Final URL after load: %s
Redirected to different domain: %t
Network requests made: %d
Distinct third-party domains contacted: %d
JavaScript dialogs opened: %d
Dialog messages: %s

Check for:
1. Forced redirects to unrelated domains
2. Excessive third-party requests (data exfiltration, trackers)
3. Aggressive JavaScript dialogs pressuring the visitor
4. Behavior inconsistent with the page's claimed purpose

Provide your analysis in this exact format:
Verdict: safe/phishing/uncertain
Confidence: <0.0-1.0>
Reasoning: <brief explanation>`,
		link, f.FinalURL, f.Redirected, f.RequestCount,
		len(f.ForeignDomains), f.DialogCount, joinOrNone(f.DialogMessages))
}

func (s *BehaviorStage) heuristic(f behaviorFeatures) detection.StageResult {
	suspicious := 0
	var reasons []string

	if f.Redirected {
		suspicious += 2
		reasons = append(reasons, "redirected to a different domain")
	}
	if len(f.ForeignDomains) > 5 {
		suspicious++
		reasons = append(reasons, "many third-party domains contacted")
	}
	if f.DialogCount > 0 {
		suspicious++
		reasons = append(reasons, "JavaScript dialogs opened")
	}

	reasoning := "Analyzed using heuristics"
	if len(reasons) > 0 {
		reasoning = "Analyzed using heuristics: " + strings.Join(reasons, ", ")
	}

	switch {
	case suspicious >= 3:
		return detection.StageResult{Verdict: detection.VerdictPhishing, Confidence: 0.8, Reasoning: reasoning}
	case suspicious >= 1:
		return detection.StageResult{Verdict: detection.VerdictUncertain, Confidence: 0.5, Reasoning: reasoning}
	default:
		return detection.StageResult{Verdict: detection.VerdictSafe, Confidence: 0.6, Reasoning: reasoning}
	}
}
