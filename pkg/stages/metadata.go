package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/smishguard/smishguard/pkg/detection"
	"github.com/smishguard/smishguard/pkg/httputil"
)

// securityHeaders are the response headers whose presence indicates a site
// operated with at least baseline security hygiene. Phishing kits rarely
// bother setting any of them.
var securityHeaders = []string{
	"Strict-Transport-Security",
	"Content-Security-Policy",
	"X-Frame-Options",
	"X-Content-Type-Options",
}

// MetadataStage inspects the transport-level posture of a link: TLS, HTTP
// status, security headers and server identification.
type MetadataStage struct {
	deps *Deps
}

func NewMetadataStage(deps *Deps) *MetadataStage {
	return &MetadataStage{deps: deps}
}

func (s *MetadataStage) ID() detection.StageID { return detection.StageMetadata }

type metadataFeatures struct {
	IsHTTPS        bool
	StatusCode     int
	Server         string
	ContentType    string
	PresentHeaders []string
	MissingHeaders []string
}

func (s *MetadataStage) Analyze(ctx context.Context, dc *detection.Context, link string) detection.StageResult {
	s.deps.logf("analyzing metadata of: %s", link)

	fetchCtx, cancel := context.WithTimeout(ctx, s.deps.Config.FetchTimeout)
	res, err := httputil.Fetch(fetchCtx, link, s.deps.Config.UserAgent)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return detection.FailedResult(s.ID(), ctx.Err())
		}
		return detection.FailedResult(s.ID(), fmt.Errorf("%w: fetching response metadata: %v", detection.ErrFetch, err))
	}

	feats := extractMetadata(res)

	// Surface transport posture for the aggregate report.
	dc.SecurityHeaderScore = len(feats.PresentHeaders) * 100 / len(securityHeaders)
	tlsValid := feats.IsHTTPS
	dc.TLSValid = &tlsValid

	result, ok := s.deps.askOracle(ctx, "metadata", s.buildPrompt(link, feats))
	if !ok {
		result = s.heuristic(feats)
	}
	result.Features = mergeFeatures(result.Features, map[string]any{
		"is_https":        feats.IsHTTPS,
		"status_code":     feats.StatusCode,
		"server":          feats.Server,
		"content_type":    feats.ContentType,
		"missing_headers": feats.MissingHeaders,
	})

	switch result.Verdict {
	case detection.VerdictPhishing:
		dc.AddRisk(int(result.Confidence*25), result.Reasoning, s.ID())
	case detection.VerdictSafe:
		dc.AddGreenFlag(result.Reasoning, s.ID())
	}
	if !feats.IsHTTPS {
		dc.AddRisk(10, "Page served without TLS", s.ID())
	} else if len(feats.MissingHeaders) == 0 {
		dc.AddGreenFlag("All standard security headers present", s.ID())
	}

	return result
}

func extractMetadata(res *httputil.FetchResult) metadataFeatures {
	feats := metadataFeatures{
		IsHTTPS:     res.TLS,
		StatusCode:  res.StatusCode,
		Server:      res.Header.Get("Server"),
		ContentType: res.Header.Get("Content-Type"),
	}
	for _, h := range securityHeaders {
		if res.Header.Get(h) != "" {
			feats.PresentHeaders = append(feats.PresentHeaders, h)
		} else {
			feats.MissingHeaders = append(feats.MissingHeaders, h)
		}
	}
	return feats
}

func (s *MetadataStage) buildPrompt(link string, f metadataFeatures) string {
	return fmt.Sprintf(`Analyze this website metadata for phishing indicators.

URL: %s
HTTPS: %t
Status Code: %d
Server: %s
Content-Type: %s
Security Headers Present: %s
Security Headers Missing: %s

Check for:
1. Missing HTTPS encryption
2. Missing security headers (HSTS, CSP, X-Frame-Options)
3. Unusual status codes or redirects
4. Suspicious server configurations

Provide your analysis in this exact format:
Verdict: safe/phishing/uncertain
Confidence: <0.0-1.0>
Reasoning: <brief explanation>`,
		link, f.IsHTTPS, f.StatusCode, f.Server, f.ContentType,
		joinOrNone(f.PresentHeaders), joinOrNone(f.MissingHeaders))
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

func (s *MetadataStage) heuristic(f metadataFeatures) detection.StageResult {
	suspicious := 0
	var reasons []string

	if !f.IsHTTPS {
		suspicious += 2
		reasons = append(reasons, "no HTTPS")
	}
	if len(f.MissingHeaders) >= 3 {
		suspicious++
		reasons = append(reasons, "security headers missing")
	}
	switch f.StatusCode {
	case 200, 301, 302:
	default:
		suspicious++
		reasons = append(reasons, fmt.Sprintf("unusual status %d", f.StatusCode))
	}

	reasoning := "Analyzed using heuristics"
	if len(reasons) > 0 {
		reasoning = "Analyzed using heuristics: " + strings.Join(reasons, ", ")
	}

	switch {
	case suspicious >= 3:
		return detection.StageResult{Verdict: detection.VerdictPhishing, Confidence: 0.7, Reasoning: reasoning}
	case suspicious >= 1:
		return detection.StageResult{Verdict: detection.VerdictUncertain, Confidence: 0.5, Reasoning: reasoning}
	default:
		return detection.StageResult{Verdict: detection.VerdictSafe, Confidence: 0.6, Reasoning: reasoning}
	}
}
