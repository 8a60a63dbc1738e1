// Package semantic maintains an embedding index of previously confirmed
// phishing messages. Reports use it to surface campaigns: a new message that
// sits close to stored phishing texts is likely a template variation.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/smishguard/smishguard/pkg/httputil"
)

// Match is a stored phishing message similar to the query.
type Match struct {
	DetectionID string  `json:"detection_id"`
	Sender      string  `json:"sender"`
	Message     string  `json:"message"`
	Similarity  float32 `json:"similarity"`
}

// Index is an in-memory vector index over phishing message texts.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	mu         sync.RWMutex
	ready      bool
}

// campaignThreshold is the cosine similarity above which two messages are
// considered variants of the same campaign.
const campaignThreshold = 0.8

// newOllamaEmbeddingFunc builds an embedding function against Ollama's
// /api/embeddings endpoint.
func newOllamaEmbeddingFunc(model, baseURL string) chromem.EmbeddingFunc {
	client := httputil.Client(httputil.TierSlow)

	return func(ctx context.Context, text string) ([]float32, error) {
		reqBody := map[string]string{
			"model":  model,
			"prompt": text,
		}
		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshaling embedding request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/api/embeddings", bytes.NewBuffer(jsonData))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("embedding request failed: %w", err)
		}
		defer httputil.DrainAndClose(resp.Body)

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("embedding API error %d", resp.StatusCode)
		}

		var result struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decoding embedding response: %w", err)
		}
		return result.Embedding, nil
	}
}

// NewIndex creates an index backed by Ollama embeddings at baseURL.
// Returns nil when the server is unreachable; similarity lookups simply
// disappear from reports.
func NewIndex(baseURL string) *Index {
	if baseURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/api/tags", nil)
	if err != nil {
		return nil
	}
	resp, err := httputil.Client(httputil.TierFast).Do(req)
	if err != nil {
		return nil
	}
	httputil.DrainAndClose(resp.Body)

	idx, err := NewIndexWithEmbedder(newOllamaEmbeddingFunc("nomic-embed-text", baseURL))
	if err != nil {
		return nil
	}
	return idx
}

// NewIndexWithEmbedder creates an index with a caller-supplied embedding
// function. Tests use a deterministic embedder.
func NewIndexWithEmbedder(embed chromem.EmbeddingFunc) (*Index, error) {
	if embed == nil {
		return nil, fmt.Errorf("embedding function is nil")
	}
	db := chromem.NewDB()
	collection, err := db.CreateCollection("phishing_messages", nil, embed)
	if err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}
	return &Index{db: db, collection: collection, ready: true}, nil
}

// IsReady reports whether the index can serve queries.
func (idx *Index) IsReady() bool {
	if idx == nil {
		return false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ready
}

// Add stores a confirmed phishing message under its detection id.
func (idx *Index) Add(ctx context.Context, detectionID, sender, message string) error {
	if !idx.IsReady() {
		return fmt.Errorf("semantic index not ready")
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	doc := chromem.Document{
		ID:      detectionID,
		Content: strings.ToLower(message),
		Metadata: map[string]string{
			"sender":  sender,
			"message": message,
		},
	}
	if err := idx.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("indexing message: %w", err)
	}
	return nil
}

// Size returns the number of indexed messages.
func (idx *Index) Size() int {
	if !idx.IsReady() {
		return 0
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.collection.Count()
}

// Similar returns up to limit stored messages that cross the campaign
// threshold, most similar first. An empty index yields no matches.
func (idx *Index) Similar(ctx context.Context, message string, limit int) ([]Match, error) {
	if !idx.IsReady() {
		return nil, fmt.Errorf("semantic index not ready")
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	count := idx.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > count {
		limit = count
	}

	results, err := idx.collection.Query(ctx, strings.ToLower(message), limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}

	var matches []Match
	for _, r := range results {
		if r.Similarity < campaignThreshold {
			continue
		}
		matches = append(matches, Match{
			DetectionID: r.ID,
			Sender:      r.Metadata["sender"],
			Message:     r.Metadata["message"],
			Similarity:  r.Similarity,
		})
	}
	return matches, nil
}
