// Package score turns raw scan rows into per-category readiness points and a
// sorted findings list. Everything here is pure: rows in, numbers out.
package score

import (
	"encoding/json"
	"sort"

	"launchdeck/internal/domain"
)

// Max points per category.
var Weights = map[domain.ScanType]int{
	domain.ScanDomain:      15,
	domain.ScanSEO:         10,
	domain.ScanAnalytics:   10,
	domain.ScanSecurity:    5,
	domain.ScanPerformance: 10,
}

// Severity of a finding. Sort order is critical first.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityPass     Severity = "pass"
)

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityWarning:  1,
	SeverityPass:     2,
}

type Finding struct {
	Category domain.ScanType `json:"category"`
	Severity Severity        `json:"severity" enum:"critical,warning,pass"`
	Message  string          `json:"message"`
}

type Result struct {
	Scores   map[string]domain.CategoryScore `json:"scores"`
	Findings []Finding                       `json:"findings"`
}

// Category payload shapes, matching what scan workers write.

type DomainPayload struct {
	SSLValid    bool  `json:"ssl_valid"`
	DNSResolves *bool `json:"dns_resolves,omitempty"`
}

type SEOPayload struct {
	Title           bool `json:"title"`
	MetaDescription bool `json:"meta_description"`
	H1              bool `json:"h1"`
}

type AnalyticsPayload struct {
	Providers []string `json:"providers"`
}

type SecurityIssue struct {
	Severity string `json:"severity"`
	Title    string `json:"title"`
}

type SecurityPayload struct {
	Issues []SecurityIssue `json:"issues"`
}

type PerformancePayload struct {
	LCPMillis float64 `json:"lcp_ms"`
	FCPMillis float64 `json:"fcp_ms"`
}

// Scans scores the most recent scan per category and collects findings,
// sorted critical-first. Categories with no scan score 0.
func Scans(scans []domain.Scan) Result {
	latest := latestPerType(scans)
	res := Result{Scores: make(map[string]domain.CategoryScore, len(Weights))}
	for scanType, max := range Weights {
		s, ok := latest[scanType]
		if !ok {
			res.Scores[string(scanType)] = domain.CategoryScore{Score: 0, Max: max}
			continue
		}
		points, findings := scoreOne(s)
		if points < 0 {
			points = 0
		}
		if points > max {
			points = max
		}
		res.Scores[string(scanType)] = domain.CategoryScore{Score: points, Max: max}
		res.Findings = append(res.Findings, findings...)
	}
	sort.SliceStable(res.Findings, func(i, j int) bool {
		return severityRank[res.Findings[i].Severity] < severityRank[res.Findings[j].Severity]
	})
	return res
}

func latestPerType(scans []domain.Scan) map[domain.ScanType]domain.Scan {
	latest := make(map[domain.ScanType]domain.Scan)
	for _, s := range scans {
		if s.Status == "error" {
			continue
		}
		if cur, ok := latest[s.Type]; !ok || s.ScannedAt > cur.ScannedAt {
			latest[s.Type] = s
		}
	}
	return latest
}

func scoreOne(s domain.Scan) (int, []Finding) {
	switch s.Type {
	case domain.ScanDomain:
		return scoreDomain(s)
	case domain.ScanSEO:
		return scoreSEO(s)
	case domain.ScanAnalytics:
		return scoreAnalytics(s)
	case domain.ScanSecurity:
		return scoreSecurity(s)
	case domain.ScanPerformance:
		return scorePerformance(s)
	}
	return 0, nil
}

func scoreDomain(s domain.Scan) (int, []Finding) {
	var p DomainPayload
	if err := json.Unmarshal([]byte(s.Payload), &p); err != nil {
		return 0, []Finding{{Category: s.Type, Severity: SeverityWarning, Message: "domain scan payload unreadable"}}
	}
	points := 0
	var findings []Finding
	if p.SSLValid {
		points += 10
		findings = append(findings, Finding{Category: s.Type, Severity: SeverityPass, Message: "SSL certificate is valid"})
	} else {
		findings = append(findings, Finding{Category: s.Type, Severity: SeverityCritical, Message: "SSL certificate is invalid or missing"})
	}
	// unknown DNS state defaults to resolving
	if p.DNSResolves == nil || *p.DNSResolves {
		points += 5
	} else {
		findings = append(findings, Finding{Category: s.Type, Severity: SeverityCritical, Message: "domain does not resolve"})
	}
	return points, findings
}

func scoreSEO(s domain.Scan) (int, []Finding) {
	var p SEOPayload
	if err := json.Unmarshal([]byte(s.Payload), &p); err != nil {
		return 0, []Finding{{Category: s.Type, Severity: SeverityWarning, Message: "seo scan payload unreadable"}}
	}
	points := 0
	var findings []Finding
	if p.Title {
		points += 4
	} else {
		findings = append(findings, Finding{Category: s.Type, Severity: SeverityWarning, Message: "missing title tag"})
	}
	if p.MetaDescription {
		points += 3
	} else {
		findings = append(findings, Finding{Category: s.Type, Severity: SeverityWarning, Message: "missing meta description"})
	}
	if p.H1 {
		points += 3
	} else {
		findings = append(findings, Finding{Category: s.Type, Severity: SeverityWarning, Message: "missing H1 heading"})
	}
	return points, findings
}

func scoreAnalytics(s domain.Scan) (int, []Finding) {
	var p AnalyticsPayload
	if err := json.Unmarshal([]byte(s.Payload), &p); err != nil {
		return 0, []Finding{{Category: s.Type, Severity: SeverityWarning, Message: "analytics scan payload unreadable"}}
	}
	if len(p.Providers) > 0 {
		return 10, []Finding{{Category: s.Type, Severity: SeverityPass, Message: "analytics provider detected"}}
	}
	return 0, []Finding{{Category: s.Type, Severity: SeverityWarning, Message: "no analytics provider detected"}}
}

func scoreSecurity(s domain.Scan) (int, []Finding) {
	var p SecurityPayload
	if err := json.Unmarshal([]byte(s.Payload), &p); err != nil {
		return 0, []Finding{{Category: s.Type, Severity: SeverityWarning, Message: "security scan payload unreadable"}}
	}
	severe := 0
	var findings []Finding
	for _, issue := range p.Issues {
		if issue.Severity == "critical" || issue.Severity == "high" {
			severe++
			findings = append(findings, Finding{Category: s.Type, Severity: SeverityCritical, Message: issue.Title})
		}
	}
	points := 5 - severe
	if points < 0 {
		points = 0
	}
	if severe == 0 {
		findings = append(findings, Finding{Category: s.Type, Severity: SeverityPass, Message: "no high-severity security issues"})
	}
	return points, findings
}

func scorePerformance(s domain.Scan) (int, []Finding) {
	var p PerformancePayload
	if err := json.Unmarshal([]byte(s.Payload), &p); err != nil {
		return 0, []Finding{{Category: s.Type, Severity: SeverityWarning, Message: "performance scan payload unreadable"}}
	}
	points := tier(p.LCPMillis, 2500, 4000) + tier(p.FCPMillis, 1800, 3000)
	var findings []Finding
	switch {
	case p.LCPMillis >= 4000:
		findings = append(findings, Finding{Category: s.Type, Severity: SeverityCritical, Message: "LCP above 4s"})
	case p.LCPMillis >= 2500:
		findings = append(findings, Finding{Category: s.Type, Severity: SeverityWarning, Message: "LCP above 2.5s"})
	default:
		findings = append(findings, Finding{Category: s.Type, Severity: SeverityPass, Message: "LCP within target"})
	}
	if p.FCPMillis >= 3000 {
		findings = append(findings, Finding{Category: s.Type, Severity: SeverityWarning, Message: "FCP above 3s"})
	}
	return points, findings
}

func tier(value, good, acceptable float64) int {
	switch {
	case value < good:
		return 5
	case value < acceptable:
		return 3
	default:
		return 1
	}
}
