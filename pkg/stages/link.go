package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"

	"github.com/smishguard/smishguard/pkg/cache"
	"github.com/smishguard/smishguard/pkg/detection"
	"github.com/smishguard/smishguard/pkg/httputil"
	"github.com/smishguard/smishguard/pkg/patterns"
	"github.com/smishguard/smishguard/pkg/urlutil"
)

// LinkStage expands a link to its final destination and judges its structure:
// scheme, host shape, registration age, embedded script, shortener use.
type LinkStage struct {
	deps *Deps
}

func NewLinkStage(deps *Deps) *LinkStage {
	return &LinkStage{deps: deps}
}

func (s *LinkStage) ID() detection.StageID { return detection.StageURL }

// linkFeatures is the evidence set fed to the oracle and the heuristic.
type linkFeatures struct {
	OriginalURL   string
	ExpandedURL   string
	WasShortened  bool
	Domain        string
	Subdomain     string
	Path          string
	IsHTTPS       bool
	URLLength     int
	HasIPHost     bool
	DotCount      int
	SpecialChars  int
	DomainAgeDays int // -1 when unknown
	Registrar     string
	NameServers   []string
	DNSSEC        bool
	Country       string
	Status        []string
	SuspiciousJS  []string
}

func (s *LinkStage) Analyze(ctx context.Context, dc *detection.Context, link string) detection.StageResult {
	s.deps.logf("analyzing link: %s", link)

	fetchCtx, cancel := context.WithTimeout(ctx, s.deps.Config.FetchTimeout)
	res, err := httputil.Fetch(fetchCtx, link, s.deps.Config.UserAgent)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			// Caller cancellation, not link behavior.
			return detection.FailedResult(s.ID(), ctx.Err())
		}
		// Smishing links are taken down fast; a dead link behind an SMS is
		// itself strong evidence of a burned campaign URL.
		dc.RecordExpansion(link, link, false)
		dc.AddRisk(40, fmt.Sprintf("Link expired or inaccessible: %v", truncate(err.Error(), 80)), s.ID())
		return detection.StageResult{
			Verdict:    detection.VerdictPhishing,
			Confidence: 0.9,
			Reasoning:  fmt.Sprintf("Link could not be reached and is probably a burned phishing URL: %v", truncate(err.Error(), 80)),
			Features:   map[string]any{"original_url": link, "fetch_error": err.Error()},
		}
	}

	wasShortened := res.FinalURL != link || urlutil.IsShortener(link)
	dc.RecordExpansion(link, res.FinalURL, wasShortened)

	feats := s.extractFeatures(ctx, link, res.FinalURL, wasShortened)
	feats.SuspiciousJS = scanScript(string(res.Body))

	result, ok := s.deps.askOracle(ctx, "link", s.buildPrompt(feats))
	if !ok {
		result = s.heuristic(feats)
	}
	result.Features = mergeFeatures(result.Features, feats.featureMap())

	switch result.Verdict {
	case detection.VerdictPhishing:
		dc.AddRisk(int(result.Confidence*35), result.Reasoning, s.ID())
	case detection.VerdictSafe:
		dc.AddGreenFlag(result.Reasoning, s.ID())
	}
	if len(feats.SuspiciousJS) > 0 {
		shown := feats.SuspiciousJS
		if len(shown) > 3 {
			shown = shown[:3]
		}
		dc.AddRisk(15, "Suspicious JavaScript patterns: "+strings.Join(shown, ", "), s.ID())
	}
	if wasShortened {
		dc.AddRisk(5, "URL shortener detected", s.ID())
	}

	return result
}

// scanScript checks page markup for high-risk script constructs.
func scanScript(body string) []string {
	matched := patterns.Get().MatchAll(body, patterns.CategorySuspiciousJS)
	names := make([]string, 0, len(matched))
	for _, p := range matched {
		names = append(names, p.Name)
	}
	return names
}

func (s *LinkStage) extractFeatures(ctx context.Context, original, expanded string, wasShortened bool) linkFeatures {
	feats := linkFeatures{
		OriginalURL:   original,
		ExpandedURL:   expanded,
		WasShortened:  wasShortened,
		Domain:        urlutil.Domain(expanded),
		Subdomain:     urlutil.Subdomain(expanded),
		Path:          urlutil.Path(expanded),
		IsHTTPS:       urlutil.IsHTTPS(expanded),
		URLLength:     len(expanded),
		HasIPHost:     urlutil.HasIPHost(expanded),
		DotCount:      urlutil.DotCount(expanded),
		SpecialChars:  urlutil.SpecialCharCount(expanded),
		DomainAgeDays: -1,
	}

	if s.deps.Config.EnableWhois && !feats.HasIPHost && feats.Domain != "" {
		s.applyWhois(ctx, &feats)
	}
	return feats
}

// applyWhois enriches features with domain registration data. Lookups are
// cached: WHOIS servers rate-limit aggressively.
func (s *LinkStage) applyWhois(ctx context.Context, feats *linkFeatures) {
	var raw string
	key := cache.Key("whois", feats.Domain)
	if cached, ok := s.deps.Cache.Get(ctx, key); ok {
		raw = cached
	} else {
		client := whois.NewClient().SetTimeout(s.deps.Config.WhoisTimeout)
		fetched, err := client.Whois(feats.Domain)
		if err != nil {
			s.deps.logf("whois lookup for %s failed: %v", feats.Domain, err)
			return
		}
		raw = fetched
		s.deps.Cache.Set(ctx, key, raw)
	}

	info, err := whoisparser.Parse(raw)
	if err != nil {
		s.deps.logf("whois parse for %s failed: %v", feats.Domain, err)
		return
	}

	if info.Domain != nil {
		if info.Domain.CreatedDateInTime != nil {
			feats.DomainAgeDays = int(time.Since(*info.Domain.CreatedDateInTime).Hours() / 24)
		}
		feats.NameServers = info.Domain.NameServers
		feats.Status = info.Domain.Status
		feats.DNSSEC = info.Domain.DNSSec
	}
	if info.Registrar != nil {
		feats.Registrar = info.Registrar.Name
	}
	if info.Registrant != nil {
		feats.Country = info.Registrant.Country
	}
}

func (s *LinkStage) buildPrompt(f linkFeatures) string {
	urlDisplay := "URL: " + f.OriginalURL
	if f.WasShortened {
		urlDisplay = fmt.Sprintf("Original URL: %s\nExpanded URL: %s", f.OriginalURL, f.ExpandedURL)
	}
	jsInfo := ""
	if len(f.SuspiciousJS) > 0 {
		jsInfo = "\nSuspicious JavaScript Detected: " + strings.Join(f.SuspiciousJS, ", ")
	}
	age := "unknown"
	if f.DomainAgeDays >= 0 {
		age = fmt.Sprintf("%d", f.DomainAgeDays)
	}

	return fmt.Sprintf(`Analyze this URL for phishing indicators: %s
Domain: %s
Subdomain: %s
Path: %s
Uses HTTPS: %t
URL Length: %d
Has IP Address: %t
Number of Dots in Domain: %d
Special Characters: %d
Was URL Shortened: %t
Domain Age (Days): %s
Registrar: %s
Name Servers: %s
DNSSEC: %t
Registrant Country: %s
Status: %s%s

Check for:
1. Lack of HTTPS
2. Typosquatting or misspelled legitimate domains
3. IP addresses in URLs
4. Newly registered domains or suspicious registrars (domain age less than 6 months)
5. Suspicious subdomains
6. URL shorteners (increases risk as they hide destination)
7. Suspicious special characters
8. Malicious JavaScript patterns
9. Abnormal domain status or DNSSEC configuration
10. Excessive URL length

Confidence Weighting: weight indicators ranked higher in the list above more heavily in your confidence calculation.
If there is a legitimate domain present and you think this is a phishing link then use a mild confidence score.

Provide your analysis in this exact format:
Verdict: safe/phishing
Confidence: <0.0-1.0>
Reasoning: <brief explanation>
If the confidence score is under 0.4 for phishing or safe then return uncertain with reasoning.
The reasoning should summarize the key factors that influenced your decision, one paragraph maximum. The output should only contain the requested fields.`,
		urlDisplay, f.Domain, f.Subdomain, f.Path, f.IsHTTPS, f.URLLength,
		f.HasIPHost, f.DotCount, f.SpecialChars, f.WasShortened, age,
		f.Registrar, strings.Join(f.NameServers, ", "), f.DNSSEC, f.Country,
		strings.Join(f.Status, ", "), jsInfo)
}

// heuristic is the oracle-free scoring path. Each structural red flag adds
// weight; three points of suspicion reads as phishing.
func (s *LinkStage) heuristic(f linkFeatures) detection.StageResult {
	suspicious := 0
	var reasons []string

	if !f.IsHTTPS {
		suspicious += 2
		reasons = append(reasons, "no HTTPS")
	}
	if f.HasIPHost {
		suspicious += 2
		reasons = append(reasons, "IP address host")
	}
	if f.URLLength > 100 {
		suspicious++
		reasons = append(reasons, "excessive URL length")
	}
	if f.SpecialChars > 3 {
		suspicious++
		reasons = append(reasons, "suspicious special characters")
	}
	if f.WasShortened {
		suspicious++
		reasons = append(reasons, "URL shortener")
	}
	if len(f.SuspiciousJS) > 0 {
		suspicious += 2
		reasons = append(reasons, "suspicious JavaScript")
	}
	if f.DomainAgeDays >= 0 && f.DomainAgeDays < 180 {
		suspicious++
		reasons = append(reasons, "recently registered domain")
	}

	reasoning := "Analyzed using heuristics"
	if len(reasons) > 0 {
		reasoning = "Analyzed using heuristics: " + strings.Join(reasons, ", ")
	}

	switch {
	case suspicious >= 3:
		return detection.StageResult{Verdict: detection.VerdictPhishing, Confidence: 0.7, Reasoning: reasoning}
	case suspicious >= 1:
		return detection.StageResult{Verdict: detection.VerdictUncertain, Confidence: 0.4, Reasoning: reasoning}
	default:
		return detection.StageResult{Verdict: detection.VerdictSafe, Confidence: 0.6, Reasoning: reasoning}
	}
}

func (f linkFeatures) featureMap() map[string]any {
	return map[string]any{
		"original_url":    f.OriginalURL,
		"expanded_url":    f.ExpandedURL,
		"was_shortened":   f.WasShortened,
		"domain":          f.Domain,
		"subdomain":       f.Subdomain,
		"is_https":        f.IsHTTPS,
		"url_length":      f.URLLength,
		"has_ip_host":     f.HasIPHost,
		"dot_count":       f.DotCount,
		"special_chars":   f.SpecialChars,
		"domain_age_days": f.DomainAgeDays,
		"registrar":       f.Registrar,
		"dnssec":          f.DNSSEC,
		"country":         f.Country,
		"suspicious_js":   f.SuspiciousJS,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
