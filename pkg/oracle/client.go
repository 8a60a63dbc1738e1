// Package oracle talks to an OpenAI-compatible chat completion endpoint and
// turns free-form model output into structured stage verdicts.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smishguard/smishguard/pkg/config"
	"github.com/smishguard/smishguard/pkg/detection"
	"github.com/smishguard/smishguard/pkg/httputil"
)

// systemPrompt frames every oracle call. Stage-specific instructions travel in
// the user message.
const systemPrompt = "You are a cybersecurity expert specialized in phishing detection."

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// DefaultTemperature keeps verdicts deterministic across repeated scans of
// the same message.
const DefaultTemperature = 0.1

// Client is an OpenAI-compatible chat completion client. The zero value is
// not usable; construct with NewClient.
type Client struct {
	client      *http.Client
	provider    config.OracleProvider
	baseURL     string
	apiKey      string
	model       string
	temperature float64
}

// NewClient builds a client from the oracle section of the configuration.
// Returns nil when the provider is "none"; callers treat a nil client as an
// unavailable oracle and fall back to heuristics.
func NewClient(cfg *config.Config) *Client {
	if cfg.OracleProvider == config.ProviderNone {
		return nil
	}

	baseURL := cfg.OracleBaseURL
	if baseURL == "" {
		switch cfg.OracleProvider {
		case config.ProviderOllama:
			baseURL = "http://localhost:11434/v1"
		case config.ProviderGroq:
			baseURL = "https://api.groq.com/openai/v1"
		case config.ProviderOpenRouter:
			baseURL = "https://openrouter.ai/api/v1"
		default:
			// ProviderCustom requires an explicit base URL; Validate enforces it.
			baseURL = "http://localhost:11434/v1"
		}
	}

	timeout := cfg.OracleTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		client:      &http.Client{Timeout: timeout, Transport: httputil.Client(httputil.TierSlow).Transport},
		provider:    cfg.OracleProvider,
		baseURL:     baseURL,
		apiKey:      cfg.OracleAPIKey,
		model:       cfg.OracleModel,
		temperature: DefaultTemperature,
	}
}

// IsReady reports whether the client is configured well enough to attempt a
// call. The openrouter and groq backends need an API key; ollama does not.
func (c *Client) IsReady() bool {
	if c == nil {
		return false
	}
	switch c.provider {
	case config.ProviderOpenRouter, config.ProviderGroq:
		return c.apiKey != ""
	default:
		return true
	}
}

// Model returns the configured model name, for startup logging.
func (c *Client) Model() string {
	if c == nil {
		return ""
	}
	return c.model
}

// Ask sends a stage prompt to the oracle and parses the reply into a stage
// result. Errors wrap detection.ErrOracleUnavailable so stages can degrade
// to their heuristic paths.
func (c *Client) Ask(ctx context.Context, prompt string) (detection.StageResult, error) {
	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return detection.StageResult{}, fmt.Errorf("%w: %v", detection.ErrOracleUnavailable, err)
	}
	return ParseResponse(raw), nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	if !c.IsReady() {
		return "", fmt.Errorf("api key not configured for %s", c.provider)
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: c.temperature,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + "/chat/completions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	// The provider is external; cap the read so a misbehaving endpoint
	// cannot OOM the scanner. 2MB is generous for a chat completion.
	const maxResponseSize = 2 * 1024 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("api error %d: %s", resp.StatusCode, string(body))
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("unmarshal error: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}

	return result.Choices[0].Message.Content, nil
}
