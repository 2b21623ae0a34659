// Package scout turns crowdsourced posts into normalized flood
// observations. Posts flow through vision analysis, text analysis with
// a rule-based fallback, image-text fusion, and geocoding before being
// batched to the hazard agent.
package scout

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/nevindra/agos"
)

var fold = cases.Fold()

// Depth keywords ordered deepest first so "chest-deep baha" does not
// stop at the flood keyword. English and Tagalog.
var depthKeywords = []struct {
	words    []string
	severity float64
}{
	{[]string{"rooftop", "bubong", "neck", "leeg"}, 0.95},
	{[]string{"chest", "dibdib"}, 0.9},
	{[]string{"waist", "baywang", "bewang"}, 0.8},
	{[]string{"knee", "tuhod"}, 0.5},
	{[]string{"ankle", "bukung", "gutter"}, 0.15},
}

var floodKeywords = []string{"flood", "baha", "bumabaha", "lubog", "submerged", "tubig"}
var clearKeywords = []string{"clear", "walang baha", "passable", "madaanan", "dry", "tuyo"}
var blockedKeywords = []string{"blocked", "sarado", "closed", "impassable", "hindi madaanan", "barado"}
var trafficKeywords = []string{"traffic", "trapik", "buhol", "standstill", "gridlock"}

var numericDepthRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(cm|m|ft|feet|meter|metro)`)

// locationPrefixRe matches "sa <Name>", "at <Name>", "in <Name>" where
// the name is capitalized.
var locationPrefixRe = regexp.MustCompile(`\b(?:[Ss]a|[Aa]t|[Ii]n)\s+([A-Z][\w]*(?:\s+[A-Z][\w]*)?)`)

// textAnalysis is the rule-based fallback for free-text reports. It
// mirrors the structured extraction the LLM performs, trading accuracy
// for determinism.
func analyzeTextRules(text string, knownLocations []string) (agos.TextAnalysis, bool) {
	folded := fold.String(text)

	var ta agos.TextAnalysis
	signals := 0

	// Severity from depth keywords, then numeric depths, then a default
	// when flood words are present.
	severitySet := false
	for _, dk := range depthKeywords {
		for _, w := range dk.words {
			if strings.Contains(folded, w) {
				ta.Severity = dk.severity
				severitySet = true
				break
			}
		}
		if severitySet {
			break
		}
	}
	if !severitySet {
		if m := numericDepthRe.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				ta.Severity = depthToSeverity(toMeters(v, strings.ToLower(m[2])))
				severitySet = true
			}
		}
	}
	hasFlood := containsAny(folded, floodKeywords)
	if !severitySet && hasFlood {
		ta.Severity = 0.4
		severitySet = true
	}
	if severitySet {
		signals++
	}

	// Report type by keyword vote, most specific first.
	switch {
	case containsAny(folded, blockedKeywords):
		ta.ReportType = agos.ReportBlocked
		signals++
	case containsAny(folded, clearKeywords):
		ta.ReportType = agos.ReportClear
		signals++
	case containsAny(folded, trafficKeywords):
		ta.ReportType = agos.ReportTraffic
		signals++
	case hasFlood:
		ta.ReportType = agos.ReportFlood
		signals++
	default:
		ta.ReportType = agos.ReportObservation
	}

	// Passability: explicit words win, otherwise inferred from severity.
	// Blocked is checked first: "hindi madaanan" contains "madaanan".
	switch {
	case containsAny(folded, blockedKeywords):
		ta.Passable = false
		signals++
	case containsAny(folded, clearKeywords):
		ta.Passable = true
		signals++
	case ta.Severity >= 0.6:
		ta.Passable = false
	case ta.Severity <= 0.3:
		ta.Passable = true
	default:
		ta.Passable = true // passable with caution
	}

	ta.Location = extractLocation(text, folded, knownLocations)
	if ta.Location != "" {
		signals++
	}

	if !severitySet && ta.ReportType == agos.ReportObservation && ta.Location == "" {
		return agos.TextAnalysis{}, false
	}

	ta.Confidence = 0.3 + 0.15*float64(signals)
	if ta.Confidence > 0.9 {
		ta.Confidence = 0.9
	}
	return ta, true
}

// extractLocation matches known locations first, then the "sa|at|in"
// prefix pattern.
func extractLocation(text, folded string, knownLocations []string) string {
	for _, loc := range knownLocations {
		if strings.Contains(folded, fold.String(loc)) {
			return loc
		}
	}
	if m := locationPrefixRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// depthToSeverity normalizes a numeric water depth to a severity score.
func depthToSeverity(depthM float64) float64 {
	switch {
	case depthM <= 0:
		return 0
	case depthM < 0.2:
		return 0.15
	case depthM < 0.5:
		return 0.5
	case depthM < 1.0:
		return 0.8
	case depthM < 1.5:
		return 0.9
	default:
		return 0.95
	}
}

func toMeters(v float64, unit string) float64 {
	switch unit {
	case "cm":
		return v / 100
	case "ft", "feet":
		return v * 0.3048
	default: // m, meter, metro
		return v
	}
}

func containsAny(folded string, words []string) bool {
	for _, w := range words {
		if strings.Contains(folded, w) {
			return true
		}
	}
	return false
}
