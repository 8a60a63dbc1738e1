// Package geo enriches detections with sender phone intelligence and
// link-host geolocation.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/nyaruka/phonenumbers"

	"github.com/smishguard/smishguard/pkg/detection"
	"github.com/smishguard/smishguard/pkg/httputil"
)

// SenderInfo describes what the numbering plan says about a sender.
// Short codes and alphanumeric sender IDs parse as invalid; that alone is
// not suspicious, so callers treat Valid=false as "unknown", not "bad".
type SenderInfo struct {
	Valid      bool   `json:"valid"`
	Country    string `json:"country"`
	Carrier    string `json:"carrier"`
	NumberType string `json:"number_type"`
}

// AnalyzeSender parses the sender against the phone numbering plan.
// defaultRegion is the ISO country code assumed for national-format numbers.
func AnalyzeSender(sender, defaultRegion string) SenderInfo {
	if defaultRegion == "" {
		defaultRegion = "US"
	}

	num, err := phonenumbers.Parse(sender, defaultRegion)
	if err != nil {
		return SenderInfo{Valid: false}
	}

	info := SenderInfo{
		Valid:      phonenumbers.IsValidNumber(num),
		Country:    phonenumbers.GetRegionCodeForNumber(num),
		NumberType: numberTypeName(phonenumbers.GetNumberType(num)),
	}
	if carrier, err := phonenumbers.GetCarrierForNumber(num, "en"); err == nil {
		info.Carrier = carrier
	}
	return info
}

func numberTypeName(t phonenumbers.PhoneNumberType) string {
	switch t {
	case phonenumbers.MOBILE:
		return "mobile"
	case phonenumbers.FIXED_LINE:
		return "fixed_line"
	case phonenumbers.FIXED_LINE_OR_MOBILE:
		return "fixed_line_or_mobile"
	case phonenumbers.TOLL_FREE:
		return "toll_free"
	case phonenumbers.PREMIUM_RATE:
		return "premium_rate"
	case phonenumbers.VOIP:
		return "voip"
	default:
		return "unknown"
	}
}

// ipAPIEndpoint is swappable for tests.
var ipAPIEndpoint = "http://ip-api.com/json/"

type ipAPIResponse struct {
	Status   string  `json:"status"`
	Message  string  `json:"message"`
	City     string  `json:"city"`
	Country  string  `json:"country"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Timezone string  `json:"timezone"`
	Query    string  `json:"query"`
}

// LocateHost resolves the host of rawURL and geolocates its first address.
func LocateHost(ctx context.Context, rawURL string) (*detection.HostLocation, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: no host in %q", detection.ErrParse, rawURL)
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, u.Hostname())
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", u.Hostname(), err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", u.Hostname())
	}

	return locateIP(ctx, addrs[0])
}

func locateIP(ctx context.Context, ip string) (*detection.HostLocation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ipAPIEndpoint+ip, nil)
	if err != nil {
		return nil, err
	}

	resp, err := httputil.Client(httputil.TierFast).Do(req)
	if err != nil {
		return nil, fmt.Errorf("geolocation lookup: %w", err)
	}
	defer httputil.DrainAndClose(resp.Body)

	body, err := httputil.ReadResponseBody(resp.Body, 64*1024)
	if err != nil {
		return nil, err
	}

	var r ipAPIResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", detection.ErrParse, err)
	}
	if r.Status != "success" {
		return nil, fmt.Errorf("geolocation failed for %s: %s", ip, r.Message)
	}

	return &detection.HostLocation{
		IP:        r.Query,
		City:      r.City,
		Country:   r.Country,
		Latitude:  r.Lat,
		Longitude: r.Lon,
		Timezone:  r.Timezone,
	}, nil
}
