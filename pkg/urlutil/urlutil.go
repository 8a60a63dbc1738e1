// Package urlutil extracts links from message text and provides small domain
// helpers shared by the analysis stages.
package urlutil

import (
	"net/url"
	"regexp"
	"strings"
)

// Pre-compiled extraction patterns (compiled once, used on every message).
var (
	// Absolute http/https URLs, permissive about path characters.
	reHTTPURL = regexp.MustCompile(`https?://[^\s<>"']+`)
	// Scheme-less www. hosts, normalized to http:// on extraction.
	reWWWURL = regexp.MustCompile(`\bwww\.(?:[a-zA-Z0-9-]+\.)+[a-zA-Z]{2,}(?:/[^\s<>"']*)?`)
	// Bare IPv4 hosts inside an authority.
	reIPHost = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// Known link-shortening hosts. A redirect from any of these counts as
// shortener use even when the destination is benign.
var shortenerHosts = map[string]bool{
	"bit.ly":       true,
	"tinyurl.com":  true,
	"t.co":         true,
	"goo.gl":       true,
	"is.gd":        true,
	"buff.ly":      true,
	"ow.ly":        true,
	"rebrand.ly":   true,
	"cutt.ly":      true,
	"shorturl.at":  true,
	"rb.gy":        true,
	"tiny.cc":      true,
	"lnkd.in":      true,
	"s.id":         true,
	"v.gd":         true,
	"qr.ae":        true,
	"shorte.st":    true,
	"soo.gd":       true,
	"clicky.me":    true,
	"budurl.com":   true,
	"bl.ink":       true,
	"short.io":     true,
	"t.ly":         true,
	"han.gl":       true,
	"url.kr":       true,
	"me2.kr":       true,
	"vo.la":        true,
	"linktr.ee":    false, // profile hub, not a redirector
	"surl.li":      true,
	"u.to":         true,
	"x.co":         true,
	"adf.ly":       true,
	"shorturl.com": true,
}

// Extract returns every link in text in order of first appearance.
// Duplicates are preserved: each occurrence is analyzed independently.
// Scheme-less www hosts are returned with an http:// prefix; a trailing dot
// (sentence punctuation) is stripped.
func Extract(text string) []string {
	var links []string
	for _, u := range reHTTPURL.FindAllString(text, -1) {
		links = append(links, trimTrailing(u))
	}
	for _, u := range reWWWURL.FindAllString(text, -1) {
		links = append(links, "http://"+trimTrailing(u))
	}
	return links
}

func trimTrailing(u string) string {
	return strings.TrimRight(u, ".,;:!?)")
}

// Host returns the lowercased host portion of a link, without port.
func Host(link string) string {
	parsed, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// Domain returns the registrable-ish domain of a link: the last two labels of
// the host, or the whole host when it has fewer (or is an IP address).
func Domain(link string) string {
	host := Host(link)
	if host == "" || HasIPHost(link) {
		return host
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// Subdomain returns the labels of the host in front of the registrable domain.
func Subdomain(link string) string {
	host := Host(link)
	domain := Domain(link)
	if host == domain {
		return ""
	}
	return strings.TrimSuffix(host, "."+domain)
}

// Path returns the path portion of a link, or "" when it cannot be parsed.
func Path(link string) string {
	parsed, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return parsed.Path
}

// IsHTTPS reports whether a link uses the https scheme.
func IsHTTPS(link string) bool {
	return strings.HasPrefix(strings.ToLower(link), "https://")
}

// HasIPHost reports whether the link's host is a bare IPv4 address.
func HasIPHost(link string) bool {
	return reIPHost.MatchString(Host(link))
}

// IsShortener reports whether the link's host is a known link shortener.
func IsShortener(link string) bool {
	return shortenerHosts[Host(link)]
}

// SpecialCharCount counts the characters commonly abused to disguise URLs.
func SpecialCharCount(link string) int {
	n := 0
	for _, c := range link {
		switch c {
		case '@', '-', '_':
			n++
		}
	}
	return n
}

// DotCount counts dots in the link's host.
func DotCount(link string) int {
	return strings.Count(Host(link), ".")
}
