package ml

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestNilClassifierIsSafe(t *testing.T) {
	var c *Classifier
	if c.IsReady() {
		t.Error("nil classifier must not report ready")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close on nil classifier: %v", err)
	}
	if _, err := c.Classify(context.Background(), "test"); err == nil {
		t.Error("Classify on nil classifier should fail")
	}
}

func TestNewClassifierEmptyPath(t *testing.T) {
	if c := NewClassifier(""); c != nil {
		t.Error("empty model path should yield nil classifier")
	}
}

func TestResolveModelPath(t *testing.T) {
	if got := ResolveModelPath(filepath.Join(t.TempDir(), "missing")); got != "" {
		t.Errorf("ResolveModelPath for absent dirs = %q, want empty", got)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("stub"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := ResolveModelPath(dir); got != dir {
		t.Errorf("ResolveModelPath = %q, want %q", got, dir)
	}
}

func TestResolveModelPathEnvOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("stub"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SMISHGUARD_MODEL_PATH", dir)
	if got := ResolveModelPath(""); got != dir {
		t.Errorf("ResolveModelPath with env = %q, want %q", got, dir)
	}
}

func TestIsSpamLabel(t *testing.T) {
	for _, label := range []string{"spam", "SPAM", "LABEL_1"} {
		if !isSpamLabel(label) {
			t.Errorf("isSpamLabel(%q) = false", label)
		}
	}
	for _, label := range []string{"ham", "LABEL_0", "LEGITIMATE", ""} {
		if isSpamLabel(label) {
			t.Errorf("isSpamLabel(%q) = true", label)
		}
	}
}
