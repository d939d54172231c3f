// Package priority classifies incoming priority signals: explicit [P0]..[P3]
// tags and dashboard overrides at full confidence, free text through a
// pluggable inference engine.
package priority

import (
	"regexp"
	"strings"
	"time"

	"launchdeck/internal/domain"
)

// Signal lifetimes. Explicit intent outlives inference; approvals are the
// shortest because the approval itself moves the story forward.
const (
	ExplicitTTL = 7 * 24 * time.Hour
	ApprovalTTL = 24 * time.Hour
	InferredTTL = 72 * time.Hour
)

// Score bands per level. Bands are 300 apart and the confidence component is
// capped at 100, so score ordering always reproduces level ordering.
var levelBase = map[domain.PriorityLevel]float64{
	domain.P0: 900,
	domain.P1: 600,
	domain.P2: 300,
	domain.P3: 0,
}

// Classification is the result of one classify call.
type Classification struct {
	Level      domain.PriorityLevel
	Score      float64
	Confidence float64
	IsExplicit bool
	SignalType domain.SignalType
	ExpiresAt  time.Time
}

// Inferencer scores free text when no explicit tag is present. Implementations
// may call out to a model; Confidence must stay in [0,1].
type Inferencer interface {
	Infer(rawText string) (domain.PriorityLevel, float64)
}

// Classifier turns raw text into a classification. The zero value is not
// usable; construct with New.
type Classifier struct {
	Inferencer Inferencer
	Now        func() time.Time
}

func New(inf Inferencer) Classifier {
	if inf == nil {
		inf = RuleInferencer{}
	}
	return Classifier{Inferencer: inf, Now: time.Now}
}

var explicitTag = regexp.MustCompile(`(?i)^\s*\[(p[0-3])\]`)

// Classify resolves rawText to a level, score and confidence. A leading
// [P0]..[P3] tag is authoritative; anything else goes through the inferencer.
func (c Classifier) Classify(rawText string) Classification {
	if m := explicitTag.FindStringSubmatch(rawText); m != nil {
		level := domain.PriorityLevel(strings.ToUpper(m[1]))
		return c.explicit(level, domain.SignalPrioritySet, ExplicitTTL)
	}
	level, confidence := c.Inferencer.Infer(rawText)
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return Classification{
		Level:      level,
		Score:      Score(level, confidence),
		Confidence: confidence,
		IsExplicit: false,
		SignalType: domain.SignalInferred,
		ExpiresAt:  c.now().Add(InferredTTL),
	}
}

// Override records a direct level choice from the dashboard.
func (c Classifier) Override(level domain.PriorityLevel) Classification {
	return c.explicit(level, domain.SignalPrioritySet, ExplicitTTL)
}

// Approval records a story-approval event at the given level.
func (c Classifier) Approval(level domain.PriorityLevel) Classification {
	return c.explicit(level, domain.SignalApproval, ApprovalTTL)
}

func (c Classifier) explicit(level domain.PriorityLevel, kind domain.SignalType, ttl time.Duration) Classification {
	return Classification{
		Level:      level,
		Score:      Score(level, 1.0),
		Confidence: 1.0,
		IsExplicit: true,
		SignalType: kind,
		ExpiresAt:  c.now().Add(ttl),
	}
}

func (c Classifier) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Score maps a level and confidence into the level's band.
func Score(level domain.PriorityLevel, confidence float64) float64 {
	return levelBase[level] + confidence*100
}

// RuleInferencer is the deterministic fallback inference engine: keyword
// heuristics over lowercased text. Confidence never reaches 1.0 so explicit
// signals always dominate within a level.
type RuleInferencer struct{}

var inferRules = []struct {
	keywords   []string
	level      domain.PriorityLevel
	confidence float64
}{
	{[]string{"outage", "down", "data loss", "security breach"}, domain.P0, 0.9},
	{[]string{"urgent", "critical", "asap", "blocker"}, domain.P0, 0.8},
	{[]string{"security", "vulnerability", "broken", "bug", "failing"}, domain.P1, 0.7},
	{[]string{"important", "soon", "customer"}, domain.P1, 0.55},
	{[]string{"cleanup", "refactor", "docs", "documentation", "nice to have", "someday"}, domain.P3, 0.6},
}

func (RuleInferencer) Infer(rawText string) (domain.PriorityLevel, float64) {
	text := strings.ToLower(rawText)
	for _, rule := range inferRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.level, rule.confidence
			}
		}
	}
	return domain.P2, 0.35
}
