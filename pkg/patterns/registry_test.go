package patterns

import (
	"testing"
)

func TestRegistryInit(t *testing.T) {
	// Get should return a singleton registry
	r1 := Get()
	r2 := Get()

	if r1 != r2 {
		t.Error("Get() should return the same registry instance")
	}
}

func TestRegistryHasPatterns(t *testing.T) {
	r := Get()

	total := r.TotalPatterns()
	if total < 30 {
		t.Errorf("expected at least 30 patterns, got %d", total)
	}

	t.Logf("Registry loaded %d patterns", total)
}

func TestCategoryPatterns(t *testing.T) {
	r := Get()

	testCases := []struct {
		category    Category
		minPatterns int
	}{
		{CategoryUrgency, 4},
		{CategoryCredentialLure, 4},
		{CategoryRewardLure, 4},
		{CategoryThreat, 3},
		{CategorySuspiciousJS, 5},
		{CategorySensitiveForm, 3},
	}

	for _, tc := range testCases {
		got := len(r.GetByCategory(tc.category))
		if got < tc.minPatterns {
			t.Errorf("category %s: got %d patterns, want at least %d", tc.category, got, tc.minPatterns)
		}
	}
}

func TestMatchAny(t *testing.T) {
	r := Get()

	tests := []struct {
		name      string
		text      string
		cats      []Category
		wantMatch bool
	}{
		{
			name:      "account suspension scare",
			text:      "Your account has been suspended. Verify now.",
			cats:      []Category{CategoryUrgency},
			wantMatch: true,
		},
		{
			name:      "otp harvesting",
			text:      "Please share the OTP we just sent you",
			cats:      []Category{CategoryCredentialLure},
			wantMatch: true,
		},
		{
			name:      "prize lure",
			text:      "Congratulations! You have won a free iPhone",
			cats:      []Category{CategoryRewardLure},
			wantMatch: true,
		},
		{
			name:      "benign appointment reminder",
			text:      "Reminder: your dental appointment is on Tuesday at 10am.",
			cats:      []Category{CategoryUrgency, CategoryCredentialLure, CategoryRewardLure, CategoryThreat},
			wantMatch: false,
		},
		{
			name:      "hidden iframe in page",
			text:      `<iframe src="x" style="visibility: hidden"></iframe>`,
			cats:      []Category{CategorySuspiciousJS},
			wantMatch: true,
		},
		{
			name:      "password form field",
			text:      `<form><input type="password" name="pw"></form>`,
			cats:      []Category{CategorySensitiveForm},
			wantMatch: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.MatchAny(tt.text, tt.cats...)
			if (got != nil) != tt.wantMatch {
				t.Errorf("MatchAny(%q) = %v, want match=%v", tt.text, got, tt.wantMatch)
			}
		})
	}
}

func TestScoreAccumulates(t *testing.T) {
	r := Get()

	text := "URGENT: Your account has been suspended. Verify your identity now to claim your refund."
	score := r.Score(text, CategoryUrgency, CategoryCredentialLure, CategoryRewardLure)
	if score <= 0 {
		t.Errorf("expected positive score for layered lure text, got %d", score)
	}

	benign := "See you at lunch."
	if got := r.Score(benign, CategoryUrgency, CategoryCredentialLure); got != 0 {
		t.Errorf("benign text scored %d, want 0", got)
	}
}
