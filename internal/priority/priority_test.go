package priority_test

import (
	"testing"
	"time"

	"launchdeck/internal/domain"
	"launchdeck/internal/priority"
)

func newClassifier() priority.Classifier {
	c := priority.New(nil)
	c.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return c
}

func TestExplicitTag(t *testing.T) {
	c := newClassifier()
	cases := []struct {
		text  string
		level domain.PriorityLevel
	}{
		{"[P0] checkout is down", domain.P0},
		{"[p1] fix login redirect", domain.P1},
		{"  [P2] tidy settings page", domain.P2},
		{"[P3] rename internal helper", domain.P3},
	}
	for _, tc := range cases {
		cls := c.Classify(tc.text)
		if cls.Level != tc.level {
			t.Errorf("%q: level = %s, want %s", tc.text, cls.Level, tc.level)
		}
		if !cls.IsExplicit || cls.Confidence != 1.0 {
			t.Errorf("%q: explicit=%v confidence=%v, want explicit at 1.0", tc.text, cls.IsExplicit, cls.Confidence)
		}
		if cls.SignalType != domain.SignalPrioritySet {
			t.Errorf("%q: signal type = %s", tc.text, cls.SignalType)
		}
	}
}

func TestTagMustLead(t *testing.T) {
	c := newClassifier()
	cls := c.Classify("see ticket [P0] for details")
	if cls.IsExplicit {
		t.Fatalf("mid-text tag treated as explicit")
	}
}

func TestInferredFallback(t *testing.T) {
	c := newClassifier()
	cls := c.Classify("add a pony to the homepage")
	if cls.Level != domain.P2 {
		t.Errorf("default level = %s, want P2", cls.Level)
	}
	if cls.IsExplicit || cls.Confidence >= 1.0 {
		t.Errorf("inferred classification must stay below explicit confidence, got %v", cls.Confidence)
	}
	if cls.SignalType != domain.SignalInferred {
		t.Errorf("signal type = %s, want inferred", cls.SignalType)
	}
}

func TestKeywordInference(t *testing.T) {
	c := newClassifier()
	cases := []struct {
		text  string
		level domain.PriorityLevel
	}{
		{"production outage on signup", domain.P0},
		{"urgent: payments blocker", domain.P0},
		{"login bug on mobile", domain.P1},
		{"refactor the scan worker", domain.P3},
	}
	for _, tc := range cases {
		if cls := c.Classify(tc.text); cls.Level != tc.level {
			t.Errorf("%q: level = %s, want %s", tc.text, cls.Level, tc.level)
		}
	}
}

// Scores must order by level first: the worst P0 outranks the best P1, and so
// on down the ladder.
func TestScoreMonotonicAcrossLevels(t *testing.T) {
	levels := []domain.PriorityLevel{domain.P0, domain.P1, domain.P2, domain.P3}
	for i := 0; i < len(levels)-1; i++ {
		lowConfHigher := priority.Score(levels[i], 0.0)
		highConfLower := priority.Score(levels[i+1], 1.0)
		if lowConfHigher < highConfLower {
			t.Errorf("score(%s, 0.0)=%v < score(%s, 1.0)=%v", levels[i], lowConfHigher, levels[i+1], highConfLower)
		}
	}
}

func TestScoreMonotonicWithinLevel(t *testing.T) {
	if priority.Score(domain.P1, 0.9) <= priority.Score(domain.P1, 0.3) {
		t.Fatalf("higher confidence must score higher within a level")
	}
}

func TestConfidenceClamped(t *testing.T) {
	c := priority.New(fixedInferencer{level: domain.P1, confidence: 1.7})
	c.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if cls := c.Classify("whatever"); cls.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want clamped to 1.0", cls.Confidence)
	}
	c.Inferencer = fixedInferencer{level: domain.P1, confidence: -0.5}
	if cls := c.Classify("whatever"); cls.Confidence != 0 {
		t.Fatalf("confidence = %v, want clamped to 0", cls.Confidence)
	}
}

func TestSignalTTLs(t *testing.T) {
	c := newClassifier()
	base := c.Now()
	if got := c.Classify("[P0] down").ExpiresAt; got != base.Add(priority.ExplicitTTL) {
		t.Errorf("explicit expiry = %v", got)
	}
	if got := c.Classify("free text").ExpiresAt; got != base.Add(priority.InferredTTL) {
		t.Errorf("inferred expiry = %v", got)
	}
	if got := c.Approval(domain.P1).ExpiresAt; got != base.Add(priority.ApprovalTTL) {
		t.Errorf("approval expiry = %v", got)
	}
}

func TestOverrideAndApproval(t *testing.T) {
	c := newClassifier()
	ov := c.Override(domain.P0)
	if ov.Level != domain.P0 || !ov.IsExplicit || ov.SignalType != domain.SignalPrioritySet {
		t.Fatalf("override = %+v", ov)
	}
	ap := c.Approval(domain.P2)
	if ap.SignalType != domain.SignalApproval || ap.Confidence != 1.0 {
		t.Fatalf("approval = %+v", ap)
	}
	if ap.Score != priority.Score(domain.P2, 1.0) {
		t.Fatalf("approval score = %v", ap.Score)
	}
}

type fixedInferencer struct {
	level      domain.PriorityLevel
	confidence float64
}

func (f fixedInferencer) Infer(string) (domain.PriorityLevel, float64) {
	return f.level, f.confidence
}
