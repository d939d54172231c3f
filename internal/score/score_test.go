package score_test

import (
	"fmt"
	"testing"

	"launchdeck/internal/domain"
	"launchdeck/internal/score"
)

func scan(t domain.ScanType, payload, scannedAt string) domain.Scan {
	return domain.Scan{ID: string(t) + "-" + scannedAt, ProjectID: "proj-1", Type: t, Status: "ok", Payload: payload, ScannedAt: scannedAt}
}

func TestScansMixedProject(t *testing.T) {
	scans := []domain.Scan{
		scan(domain.ScanDomain, `{"ssl_valid":true,"dns_resolves":true}`, "2024-01-01T00:00:00Z"),
		scan(domain.ScanSEO, `{"title":true,"meta_description":false,"h1":true}`, "2024-01-01T00:00:00Z"),
		scan(domain.ScanAnalytics, `{"providers":[]}`, "2024-01-01T00:00:00Z"),
		scan(domain.ScanSecurity, `{"issues":[{"severity":"critical","title":"exposed admin"},{"severity":"high","title":"weak CSP"},{"severity":"low","title":"verbose errors"}]}`, "2024-01-01T00:00:00Z"),
		scan(domain.ScanPerformance, `{"lcp_ms":2000,"fcp_ms":1500}`, "2024-01-01T00:00:00Z"),
	}
	res := score.Scans(scans)

	want := map[string]int{
		"domain":      15,
		"seo":         7,
		"analytics":   0,
		"security":    3,
		"performance": 10,
	}
	for cat, points := range want {
		got := res.Scores[cat]
		if got.Score != points {
			t.Errorf("%s: score = %d, want %d", cat, got.Score, points)
		}
		if got.Max != score.Weights[domain.ScanType(cat)] {
			t.Errorf("%s: max = %d, want %d", cat, got.Max, score.Weights[domain.ScanType(cat)])
		}
	}

	// critical findings lead, then warnings, then passes
	var lastRank int
	rank := map[score.Severity]int{score.SeverityCritical: 0, score.SeverityWarning: 1, score.SeverityPass: 2}
	for i, f := range res.Findings {
		if r := rank[f.Severity]; r < lastRank {
			t.Fatalf("finding %d (%s/%s) out of order", i, f.Category, f.Severity)
		} else {
			lastRank = r
		}
	}
	criticals := 0
	for _, f := range res.Findings {
		if f.Severity == score.SeverityCritical {
			criticals++
		}
	}
	if criticals != 2 {
		t.Errorf("critical findings = %d, want the two severe security issues", criticals)
	}
}

func TestScansMissingCategoriesScoreZero(t *testing.T) {
	res := score.Scans(nil)
	if len(res.Scores) != len(score.Weights) {
		t.Fatalf("got %d categories, want %d", len(res.Scores), len(score.Weights))
	}
	for cat, cs := range res.Scores {
		if cs.Score != 0 {
			t.Errorf("%s: score = %d, want 0 with no scan", cat, cs.Score)
		}
	}
}

func TestScansLatestWins(t *testing.T) {
	scans := []domain.Scan{
		scan(domain.ScanAnalytics, `{"providers":[]}`, "2024-01-01T00:00:00Z"),
		scan(domain.ScanAnalytics, `{"providers":["plausible"]}`, "2024-01-02T00:00:00Z"),
	}
	if got := score.Scans(scans).Scores["analytics"].Score; got != 10 {
		t.Fatalf("analytics = %d, want the newer scan's 10", got)
	}
}

func TestScansErrorRowsIgnored(t *testing.T) {
	errScan := domain.Scan{ID: "x", ProjectID: "proj-1", Type: domain.ScanDomain, Status: "error",
		Payload: `{"error":"timeout"}`, ScannedAt: "2024-01-03T00:00:00Z"}
	scans := []domain.Scan{
		scan(domain.ScanDomain, `{"ssl_valid":true}`, "2024-01-01T00:00:00Z"),
		errScan,
	}
	if got := score.Scans(scans).Scores["domain"].Score; got != 15 {
		t.Fatalf("domain = %d, want the last good scan's 15", got)
	}
}

func TestScanMalformedPayload(t *testing.T) {
	res := score.Scans([]domain.Scan{scan(domain.ScanSEO, `not json`, "2024-01-01T00:00:00Z")})
	if got := res.Scores["seo"].Score; got != 0 {
		t.Fatalf("seo = %d, want 0 for unreadable payload", got)
	}
	found := false
	for _, f := range res.Findings {
		if f.Category == domain.ScanSEO && f.Severity == score.SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a warning finding for the unreadable payload")
	}
}

func TestPerformanceTiers(t *testing.T) {
	cases := []struct {
		lcp, fcp float64
		want     int
	}{
		{2000, 1500, 10},
		{3000, 1500, 8},
		{5000, 3500, 2},
	}
	for _, tc := range cases {
		payload := fmt.Sprintf(`{"lcp_ms":%g,"fcp_ms":%g}`, tc.lcp, tc.fcp)
		s := scan(domain.ScanPerformance, payload, "2024-01-01T00:00:00Z")
		if got := score.Scans([]domain.Scan{s}).Scores["performance"].Score; got != tc.want {
			t.Errorf("lcp=%v fcp=%v: score = %d, want %d", tc.lcp, tc.fcp, got, tc.want)
		}
	}
}
