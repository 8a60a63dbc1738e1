package detection

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RedFlag is one append-only audit entry recording risk-increasing evidence.
// Every entry is paired with exactly one risk-score increment.
type RedFlag struct {
	Stage     StageID   `json:"stage"`
	Reason    string    `json:"reason"`
	Points    int       `json:"points"`
	Timestamp time.Time `json:"timestamp"`
}

// GreenFlag records trust-increasing evidence. Green flags never change the
// risk score.
type GreenFlag struct {
	Stage     StageID   `json:"stage"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// HostLocation is the geolocation of an analyzed link's host, looked up
// by IP.
type HostLocation struct {
	IP        string  `json:"ip"`
	City      string  `json:"city"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone,omitempty"`
}

// Context is the single shared record of one detection run: inputs,
// intermediate evidence, per-stage results and the final verdict. It is
// created by the orchestrator, mutated only during the pipeline run, and
// treated as read-only once the final verdict is set.
//
// Mutators are mutex-guarded so that an HTTP server can process independent
// detections concurrently; a single Context is still never shared between
// detections.
type Context struct {
	mu sync.Mutex

	DetectionID string    `json:"detection_id"`
	Timestamp   time.Time `json:"timestamp"`

	Sender           string     `json:"sender"`
	Message          string     `json:"message"`
	MessageTimestamp *time.Time `json:"message_timestamp,omitempty"`

	HostLocation     *HostLocation `json:"host_location,omitempty"`
	SenderCountry    string        `json:"sender_country,omitempty"`
	SenderCarrier    string        `json:"sender_carrier,omitempty"`
	SenderPhoneValid *bool         `json:"sender_phone_valid,omitempty"`

	LinksFound    []string          `json:"links_found"`
	ExpandedLinks map[string]string `json:"expanded_links"`
	ShortenerUsed bool              `json:"shortener_used"`

	RiskScore  int         `json:"risk_score"`
	RedFlags   []RedFlag   `json:"red_flags"`
	GreenFlags []GreenFlag `json:"green_flags"`

	StageResults map[string]StageResult `json:"stage_results"`

	PageTitle           string   `json:"page_title,omitempty"`
	FormFields          []string `json:"form_fields,omitempty"`
	BrandImpersonation  string   `json:"brand_impersonation,omitempty"`
	SecurityHeaderScore int      `json:"security_header_score"`
	TLSValid            *bool    `json:"tls_valid,omitempty"`

	FinalVerdict    Verdict `json:"final_verdict,omitempty"`
	FinalConfidence float64 `json:"final_confidence"`
	DetectedBy      string  `json:"detected_by,omitempty"`

	// Extra is a string-keyed extension map for forward compatibility.
	// Structured data belongs in typed fields above.
	Extra map[string]string `json:"extra,omitempty"`
}

// NewContext creates the Context for one detection run.
func NewContext(sender, message string) *Context {
	return &Context{
		DetectionID:   uuid.NewString(),
		Timestamp:     time.Now(),
		Sender:        sender,
		Message:       message,
		LinksFound:    []string{},
		ExpandedLinks: map[string]string{},
		RedFlags:      []RedFlag{},
		GreenFlags:    []GreenFlag{},
		StageResults:  map[string]StageResult{},
	}
}

// AddRisk increases the risk score by points and appends the paired audit
// entry. Points must be non-negative; a negative value is a programming
// error, not a runtime condition, so it panics.
func (c *Context) AddRisk(points int, reason string, stage StageID) {
	if points < 0 {
		panic(fmt.Sprintf("detection: negative risk points %d from %s", points, stage))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RiskScore += points
	c.RedFlags = append(c.RedFlags, RedFlag{
		Stage:     stage,
		Reason:    reason,
		Points:    points,
		Timestamp: time.Now(),
	})
}

// AddGreenFlag appends a positive indicator without affecting the score.
func (c *Context) AddGreenFlag(reason string, stage StageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GreenFlags = append(c.GreenFlags, GreenFlag{
		Stage:     stage,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

// RecordExpansion stores the resolved form of a link. The shortener flag is
// sticky: once any link in the detection used a shortener, it stays set.
func (c *Context) RecordExpansion(original, expanded string, shortened bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ExpandedLinks[original] = expanded
	if shortened {
		c.ShortenerUsed = true
	}
}

// SetStageResult records the result of one stage invocation. A result, once
// set, is immutable: overwriting an existing key is rejected.
func (c *Context) SetStageResult(key StageKey, result StageResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key.String()
	if _, exists := c.StageResults[k]; exists {
		return fmt.Errorf("stage result %s already recorded", k)
	}
	c.StageResults[k] = result
	return nil
}

// Result returns the recorded result for one stage invocation.
func (c *Context) Result(key StageKey) (StageResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.StageResults[key.String()]
	return r, ok
}

// SetFinal records the final verdict, confidence and the identifier of the
// mechanism that produced it. It may be called exactly once per detection.
func (c *Context) SetFinal(verdict Verdict, confidence float64, detectedBy string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FinalVerdict != "" {
		return fmt.Errorf("final verdict already set to %s by %s", c.FinalVerdict, c.DetectedBy)
	}
	c.FinalVerdict = verdict
	c.FinalConfidence = confidence
	c.DetectedBy = detectedBy
	return nil
}

// Finalized reports whether the final verdict has been set.
func (c *Context) Finalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.FinalVerdict != ""
}

// Summary is a read-only projection for lightweight consumers (logging, the
// list endpoints).
type Summary struct {
	DetectionID     string    `json:"detection_id"`
	Timestamp       time.Time `json:"timestamp"`
	Sender          string    `json:"sender"`
	RiskScore       int       `json:"risk_score"`
	RedFlagCount    int       `json:"red_flag_count"`
	GreenFlagCount  int       `json:"green_flag_count"`
	StagesRun       []string  `json:"stages_run"`
	FinalVerdict    Verdict   `json:"final_verdict,omitempty"`
	FinalConfidence float64   `json:"final_confidence"`
}

// Summary returns the current read-only projection of the detection.
func (c *Context) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	stages := make([]string, 0, len(c.StageResults))
	for k := range c.StageResults {
		stages = append(stages, k)
	}
	sort.Strings(stages)
	return Summary{
		DetectionID:     c.DetectionID,
		Timestamp:       c.Timestamp,
		Sender:          c.Sender,
		RiskScore:       c.RiskScore,
		RedFlagCount:    len(c.RedFlags),
		GreenFlagCount:  len(c.GreenFlags),
		StagesRun:       stages,
		FinalVerdict:    c.FinalVerdict,
		FinalConfidence: c.FinalConfidence,
	}
}

// ToJSON serializes the context for storage. Timestamps use RFC 3339.
func (c *Context) ToJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encoding detection %s: %v", ErrSerialization, c.DetectionID, err)
	}
	return data, nil
}

// FromJSON reconstructs a context from its persisted form. The round trip
// preserves every field.
func FromJSON(data []byte) (*Context, error) {
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decoding detection record: %v", ErrSerialization, err)
	}
	if c.LinksFound == nil {
		c.LinksFound = []string{}
	}
	if c.ExpandedLinks == nil {
		c.ExpandedLinks = map[string]string{}
	}
	if c.RedFlags == nil {
		c.RedFlags = []RedFlag{}
	}
	if c.GreenFlags == nil {
		c.GreenFlags = []GreenFlag{}
	}
	if c.StageResults == nil {
		c.StageResults = map[string]StageResult{}
	}
	return &c, nil
}

func (c *Context) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.DetectionID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("Context(id=%s, verdict=%s, risk=%d, confidence=%.2f)",
		id, c.FinalVerdict, c.RiskScore, c.FinalConfidence)
}
