// Package aggregate computes the derived launch-readiness view of a project
// from its latest scans and story counts.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"launchdeck/internal/domain"
	"launchdeck/internal/repo"
	"launchdeck/internal/score"
)

// Stage buckets: the highest stage whose floor the launch score meets.
var stageFloors = []struct {
	stage domain.LaunchStage
	floor int
}{
	{domain.StageGrowth, 95},
	{domain.StageLaunch, 80},
	{domain.StageBeta, 60},
	{domain.StageAlpha, 40},
	{domain.StageMVP, 20},
	{domain.StageIdea, 0},
}

var defaultStageTips = map[domain.LaunchStage]string{
	domain.StageIdea:   "Define your first milestone and approve a story to get moving",
	domain.StageMVP:    "Ship to a test domain and run a full scan pass",
	domain.StageAlpha:  "Invite early users and watch the security score",
	domain.StageBeta:   "Tighten performance before opening signups",
	domain.StageLaunch: "Set up payments and announce",
	domain.StageGrowth: "Keep the backlog flowing; completion rate drives the score",
}

type Aggregator struct {
	Repo      repo.Repo
	Now       func() time.Time
	StageTips map[domain.LaunchStage]string
}

func New(r repo.Repo) Aggregator {
	return Aggregator{Repo: r, Now: time.Now, StageTips: defaultStageTips}
}

func (a Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Aggregate recomputes the project state. An unknown project is an error;
// storage trouble on the read fan-in degrades to a zeroed state with the
// Degraded flag set instead of failing the caller.
func (a Aggregator) Aggregate(ctx context.Context, projectID string) (domain.AggregatedProjectState, error) {
	project, err := a.Repo.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.AggregatedProjectState{}, domain.NotFoundError{Kind: "project", ID: projectID}
		}
		return degraded(projectID), nil
	}

	scans, err := a.Repo.LatestScans(ctx, projectID)
	if err != nil {
		return degraded(projectID), nil
	}
	work, err := a.Repo.WorkSummary(ctx, projectID)
	if err != nil {
		return degraded(projectID), nil
	}
	weekAgo := repo.Timestamp(a.now().Add(-7 * 24 * time.Hour))
	completedThisWeek, err := a.Repo.CompletedSince(ctx, projectID, weekAgo)
	if err != nil {
		return degraded(projectID), nil
	}

	scored := score.Scans(scans)
	checklist := buildChecklist(project, scans, scored, work)
	launchScore := launchScore(work, completedThisWeek)
	stage := stageFor(launchScore)

	return domain.AggregatedProjectState{
		ProjectID:       projectID,
		LaunchStage:     stage,
		LaunchScore:     launchScore,
		ScanScores:      scored.Scores,
		LaunchChecklist: checklist,
		WorkSummary:     work,
		Recommendations: a.recommendations(checklist, stage),
	}, nil
}

func degraded(projectID string) domain.AggregatedProjectState {
	return domain.AggregatedProjectState{
		ProjectID:       projectID,
		LaunchStage:     domain.StageIdea,
		ScanScores:      map[string]domain.CategoryScore{},
		LaunchChecklist: map[string]bool{},
		Degraded:        true,
	}
}

// launchScore = clamp(0,100, round(completionRate*60) + 15 + min(20, completedThisWeek*4)).
// The flat 15 is the has-a-project floor so a fresh project never shows 0.
func launchScore(work domain.WorkSummary, completedThisWeek int) int {
	completionRate := 0.0
	if work.Total > 0 {
		completionRate = float64(work.Completed) / float64(work.Total)
	}
	weekly := completedThisWeek * 4
	if weekly > 20 {
		weekly = 20
	}
	s := int(math.Round(completionRate*60)) + 15 + weekly
	if s < 0 {
		s = 0
	}
	if s > 100 {
		s = 100
	}
	return s
}

func stageFor(launchScore int) domain.LaunchStage {
	for _, b := range stageFloors {
		if launchScore >= b.floor {
			return b.stage
		}
	}
	return domain.StageIdea
}

func buildChecklist(project domain.Project, scans []domain.Scan, scored score.Result, work domain.WorkSummary) map[string]bool {
	byType := make(map[domain.ScanType]domain.Scan)
	for _, s := range scans {
		byType[s.Type] = s
	}

	var dom score.DomainPayload
	dnsOK := false
	if s, ok := byType[domain.ScanDomain]; ok {
		_ = json.Unmarshal([]byte(s.Payload), &dom)
		// unknown DNS state defaults to resolving, same as the score engine
		dnsOK = dom.DNSResolves == nil || *dom.DNSResolves
	}
	var seo score.SEOPayload
	if s, ok := byType[domain.ScanSEO]; ok {
		_ = json.Unmarshal([]byte(s.Payload), &seo)
	}

	secScore := scored.Scores[string(domain.ScanSecurity)]
	perfScore := scored.Scores[string(domain.ScanPerformance)]
	analyticsScore := scored.Scores[string(domain.ScanAnalytics)]

	return map[string]bool{
		"domain_configured":     project.Domain != "",
		"ssl_valid":             dom.SSLValid,
		"dns_configured":        dnsOK,
		"title_tag":             seo.Title,
		"meta_description":      seo.MetaDescription,
		"h1_present":            seo.H1,
		"analytics_installed":   analyticsScore.Score > 0,
		"security_passing":      secScore.Score == secScore.Max,
		"performance_passing":   perfScore.Score >= 8,
		"payments_configured":   project.PaymentsConfigured,
		"has_stories":           work.Total > 0,
		"first_story_completed": work.Completed > 0,
	}
}

// Ordered recommendation rules, most urgent first.
var recommendationRules = []struct {
	key     string
	message string
}{
	{"ssl_valid", "Fix the SSL certificate on your domain"},
	{"dns_configured", "Point your domain's DNS at the site"},
	{"security_passing", "Resolve the open high-severity security issues"},
	{"domain_configured", "Connect a custom domain to the project"},
	{"analytics_installed", "Install an analytics provider to measure traffic"},
	{"performance_passing", "Improve page load performance (LCP/FCP)"},
	{"meta_description", "Add a meta description for search results"},
	{"title_tag", "Add a title tag to your landing page"},
	{"h1_present", "Add an H1 heading to your landing page"},
	{"has_stories", "Create your first story to start the backlog"},
	{"first_story_completed", "Approve and complete a story end to end"},
	{"payments_configured", "Configure payments before launch"},
}

const maxRecommendations = 4

func (a Aggregator) recommendations(checklist map[string]bool, stage domain.LaunchStage) []string {
	var recs []string
	for _, rule := range recommendationRules {
		if len(recs) >= maxRecommendations {
			return recs
		}
		if !checklist[rule.key] {
			recs = append(recs, rule.message)
		}
	}
	if len(recs) < maxRecommendations {
		tips := a.StageTips
		if tips == nil {
			tips = defaultStageTips
		}
		if tip, ok := tips[stage]; ok {
			recs = append(recs, tip)
		}
	}
	return recs
}
