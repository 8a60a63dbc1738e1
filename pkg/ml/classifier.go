// Package ml provides an optional local text classifier for SMS spam
// detection, used as a fallback when the oracle is unreachable.
//
// Inference runs through Hugot on an ONNX model. ONNX Runtime is used when
// libonnxruntime is installed; otherwise the pure Go backend takes over
// (slower, no native dependencies). When no model directory is present the
// scanner degrades to pattern heuristics.
package ml

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"

	"github.com/smishguard/smishguard/pkg/detection"
)

// Classifier wraps a local text classification pipeline.
type Classifier struct {
	session  *hugot.Session
	pipeline *pipelines.TextClassificationPipeline
	mu       sync.RWMutex
	ready    bool
	path     string
}

// modelSearchPaths is checked in order when no explicit path is configured.
var modelSearchPaths = []string{
	"./models/sms-spam",
	"./models/spam-bert",
}

// ResolveModelPath returns the first usable model directory, or "" when none
// exists. The explicit path (config or SMISHGUARD_MODEL_PATH) wins over the
// search list.
func ResolveModelPath(configured string) string {
	candidates := []string{}
	if configured != "" {
		candidates = append(candidates, configured)
	}
	if env := os.Getenv("SMISHGUARD_MODEL_PATH"); env != "" {
		candidates = append(candidates, env)
	}
	candidates = append(candidates, modelSearchPaths...)

	for _, dir := range candidates {
		if _, err := os.Stat(filepath.Join(dir, "model.onnx")); err == nil {
			return dir
		}
	}
	return ""
}

// NewClassifier initializes a classifier from the given model directory.
// Returns nil when path is empty or initialization fails; a nil classifier
// is safe to call and always reports not ready.
func NewClassifier(path string) *Classifier {
	if path == "" {
		return nil
	}
	c := &Classifier{path: path}
	if err := c.initialize(); err != nil {
		log.Printf("WARNING: local classifier unavailable: %v", err)
		return nil
	}
	return c
}

func (c *Classifier) initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := createSession()
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	c.session = session

	pipeline, err := hugot.NewPipeline(session, hugot.TextClassificationConfig{
		ModelPath: c.path,
		Name:      "sms-spam-classifier",
	})
	if err != nil {
		_ = c.session.Destroy()
		return fmt.Errorf("creating pipeline: %w", err)
	}

	c.pipeline = pipeline
	c.ready = true
	log.Printf("Local classifier initialized (model: %s)", c.path)
	return nil
}

// createSession prefers ONNX Runtime, falling back to the Go backend.
func createSession() (*hugot.Session, error) {
	if libDir := onnxRuntimeDir(); libDir != "" {
		session, err := hugot.NewORTSession(options.WithOnnxLibraryPath(libDir))
		if err == nil {
			log.Printf("Local classifier using ONNX Runtime backend")
			return session, nil
		}
		log.Printf("ONNX Runtime unavailable, falling back to Go backend: %v", err)
	}
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("creating Go session: %w", err)
	}
	return session, nil
}

func onnxRuntimeDir() string {
	paths := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return filepath.Dir(p)
		}
	}
	return ""
}

// IsReady reports whether the classifier can serve inferences.
func (c *Classifier) IsReady() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// spam label conventions vary by model: LABEL_1, "spam", "SPAM".
func isSpamLabel(label string) bool {
	switch label {
	case "spam", "SPAM", "LABEL_1":
		return true
	default:
		return false
	}
}

// Classify runs the message through the local model and maps the label to a
// stage verdict. Confidence comes straight from the model score.
func (c *Classifier) Classify(ctx context.Context, message string) (detection.StageResult, error) {
	if !c.IsReady() {
		return detection.StageResult{}, fmt.Errorf("local classifier not ready")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	start := time.Now()
	out, err := c.pipeline.RunPipeline([]string{message})
	if err != nil {
		return detection.StageResult{}, fmt.Errorf("inference failed: %w", err)
	}
	latency := time.Since(start)

	if len(out.ClassificationOutputs) == 0 || len(out.ClassificationOutputs[0]) == 0 {
		return detection.StageResult{}, fmt.Errorf("no classification output")
	}

	top := out.ClassificationOutputs[0][0]
	verdict := detection.VerdictSafe
	if isSpamLabel(top.Label) {
		verdict = detection.VerdictPhishing
	}

	return detection.StageResult{
		Verdict:    verdict,
		Confidence: float64(top.Score),
		Reasoning:  fmt.Sprintf("Local model classified message as %s", top.Label),
		Features: map[string]any{
			"model_label": top.Label,
			"latency_ms":  latency.Milliseconds(),
		},
	}, nil
}

// Close releases the ONNX session.
func (c *Classifier) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = false
	if c.session != nil {
		return c.session.Destroy()
	}
	return nil
}
