package stages

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/smishguard/smishguard/pkg/detection"
	"github.com/smishguard/smishguard/pkg/httputil"
	"github.com/smishguard/smishguard/pkg/patterns"
	"github.com/smishguard/smishguard/pkg/urlutil"
)

// ContentStage fetches the linked page and judges its markup: credential
// forms, missing contact information, brand references on foreign domains.
type ContentStage struct {
	deps *Deps
}

func NewContentStage(deps *Deps) *ContentStage {
	return &ContentStage{deps: deps}
}

func (s *ContentStage) ID() detection.StageID { return detection.StageContent }

type contentFeatures struct {
	Title          string
	FormCount      int
	PasswordFields int
	InputFields    int
	FormFieldNames []string
	ExternalLinks  int
	HasContactInfo bool
	TextSample     string
	Brand          string
	SensitiveForm  bool
}

func (s *ContentStage) Analyze(ctx context.Context, dc *detection.Context, link string) detection.StageResult {
	s.deps.logf("analyzing content of: %s", link)

	fetchCtx, cancel := context.WithTimeout(ctx, s.deps.Config.FetchTimeout)
	res, err := httputil.Fetch(fetchCtx, link, s.deps.Config.UserAgent)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return detection.FailedResult(s.ID(), ctx.Err())
		}
		return detection.FailedResult(s.ID(), fmt.Errorf("%w: fetching page content: %v", detection.ErrFetch, err))
	}

	feats, err := s.extractFeatures(res.Body, link)
	if err != nil {
		return detection.FailedResult(s.ID(), fmt.Errorf("%w: parsing page markup: %v", detection.ErrParse, err))
	}
	// The sensitive-form patterns match raw input markup, so scan the body
	// rather than the parsed tree.
	feats.SensitiveForm = feats.PasswordFields > 0 ||
		patterns.Get().MatchAny(string(res.Body), patterns.CategorySensitiveForm) != nil

	// Surface the fields the report builder renders.
	dc.PageTitle = feats.Title
	dc.FormFields = feats.FormFieldNames
	if feats.Brand != "" {
		dc.BrandImpersonation = feats.Brand
		dc.AddRisk(20, fmt.Sprintf("Page references %s but is not hosted on its domain", feats.Brand), s.ID())
	}

	result, ok := s.deps.askOracle(ctx, "content", s.buildPrompt(link, feats))
	if !ok {
		result = s.heuristic(feats)
	}
	result.Features = mergeFeatures(result.Features, map[string]any{
		"title":            feats.Title,
		"form_count":       feats.FormCount,
		"password_fields":  feats.PasswordFields,
		"input_fields":     feats.InputFields,
		"external_links":   feats.ExternalLinks,
		"has_contact_info": feats.HasContactInfo,
		"brand":            feats.Brand,
	})

	switch result.Verdict {
	case detection.VerdictPhishing:
		dc.AddRisk(int(result.Confidence*30), result.Reasoning, s.ID())
	case detection.VerdictSafe:
		dc.AddGreenFlag(result.Reasoning, s.ID())
	}
	if feats.SensitiveForm {
		dc.AddRisk(15, "Page form requests sensitive data (password, card or OTP fields)", s.ID())
	}

	return result
}

func (s *ContentStage) extractFeatures(body []byte, pageURL string) (contentFeatures, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return contentFeatures{}, err
	}

	feats := contentFeatures{}
	domain := urlutil.Domain(pageURL)
	var text strings.Builder

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "title":
				if n.FirstChild != nil && feats.Title == "" {
					feats.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "form":
				feats.FormCount++
			case "input":
				feats.InputFields++
				inputType := strings.ToLower(attr(n, "type"))
				name := attr(n, "name")
				if name == "" {
					name = attr(n, "id")
				}
				if name != "" {
					feats.FormFieldNames = append(feats.FormFieldNames, name)
				}
				if inputType == "password" {
					feats.PasswordFields++
				}
			case "a":
				href := attr(n, "href")
				if strings.HasPrefix(href, "http") && domain != "" && !strings.Contains(href, domain) {
					feats.ExternalLinks++
				}
			case "script", "style":
				return // skip script/style text
			}
		case html.TextNode:
			text.WriteString(n.Data)
			text.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if feats.Title == "" {
		feats.Title = "No title"
	}

	pageText := text.String()
	lower := strings.ToLower(pageText)
	for _, kw := range []string{"contact", "email", "phone", "address", "support"} {
		if strings.Contains(lower, kw) {
			feats.HasContactInfo = true
			break
		}
	}
	feats.TextSample = truncate(strings.Join(strings.Fields(pageText), " "), 1000)
	feats.Brand = s.detectBrand(feats.Title+" "+feats.TextSample, domain)

	return feats, nil
}

// detectBrand reports a brand named on the page whose configured legitimate
// domain does not serve it. Cloned login pages keep the brand text but
// cannot keep the domain.
func (s *ContentStage) detectBrand(text, domain string) string {
	lower := strings.ToLower(text)
	for _, legitDomain := range s.deps.Config.LegitimateDomains {
		brand, _, _ := strings.Cut(legitDomain, ".")
		if len(brand) < 4 {
			continue // short names false-positive on ordinary words
		}
		if strings.Contains(lower, brand) && domain != legitDomain && !strings.HasSuffix(domain, "."+legitDomain) {
			return brand
		}
	}
	return ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func (s *ContentStage) buildPrompt(link string, f contentFeatures) string {
	return fmt.Sprintf(`Analyze this website content for phishing indicators.

URL: %s
Page Title: %s
Number of Forms: %d
Password Fields: %d
Input Fields: %d
External Links: %d
Has Contact Info: %t
Text Sample: %s

Check for:
1. Suspicious forms requesting sensitive data
2. Poor grammar and spelling
3. Missing or fake contact information
4. Urgency or threatening language
5. Suspicious external links
6. Low-quality design elements
7. Requests for passwords or financial info

Provide your analysis in this exact format:
Verdict: safe/phishing/uncertain
Confidence: <0.0-1.0>
Reasoning: <brief explanation>`,
		link, f.Title, f.FormCount, f.PasswordFields, f.InputFields,
		f.ExternalLinks, f.HasContactInfo, truncate(f.TextSample, 500))
}

func (s *ContentStage) heuristic(f contentFeatures) detection.StageResult {
	suspicious := 0
	var reasons []string

	if f.PasswordFields > 0 {
		suspicious += 2
		reasons = append(reasons, "password field present")
	}
	if f.FormCount > 2 {
		suspicious++
		reasons = append(reasons, "multiple forms")
	}
	if !f.HasContactInfo {
		suspicious++
		reasons = append(reasons, "no contact information")
	}
	if f.ExternalLinks > 10 {
		suspicious++
		reasons = append(reasons, "many external links")
	}
	if f.Brand != "" {
		suspicious += 2
		reasons = append(reasons, "brand impersonation")
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
