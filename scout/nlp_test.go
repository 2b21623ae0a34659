package scout

import (
	"testing"

	"github.com/nevindra/agos"
)

var marikinaLocations = []string{"Nangka", "Tumana", "Marcos Highway", "Malanday"}

func TestAnalyzeDepthKeywords(t *testing.T) {
	cases := []struct {
		text     string
		severity float64
	}{
		{"Waist-deep flood along Marcos Highway", 0.8},
		{"Knee deep na ang baha sa Nangka", 0.5},
		{"Ankle deep water on the side streets", 0.15},
		{"Chest-deep na po dito", 0.9},
		{"Abot na sa bubong ang tubig", 0.95},
	}
	for _, c := range cases {
		ta, ok := analyzeTextRules(c.text, marikinaLocations)
		if !ok {
			t.Errorf("%q: no analysis", c.text)
			continue
		}
		if ta.Severity != c.severity {
			t.Errorf("%q: severity = %v, want %v", c.text, ta.Severity, c.severity)
		}
	}
}

func TestAnalyzeNumericDepth(t *testing.T) {
	ta, ok := analyzeTextRules("Water is about 60 cm deep near the bridge", nil)
	if !ok {
		t.Fatal("no analysis")
	}
	if ta.Severity != 0.8 {
		t.Errorf("severity = %v, want 0.8 for 0.6m", ta.Severity)
	}

	ta, _ = analyzeTextRules("Flooding around 2 m in low areas", nil)
	if ta.Severity != 0.95 {
		t.Errorf("severity = %v, want 0.95 for 2m", ta.Severity)
	}
}

func TestAnalyzeFloodDefault(t *testing.T) {
	ta, ok := analyzeTextRules("May baha sa Tumana", marikinaLocations)
	if !ok {
		t.Fatal("no analysis")
	}
	if ta.Severity != 0.4 {
		t.Errorf("severity = %v, want the 0.4 default", ta.Severity)
	}
	if ta.ReportType != agos.ReportFlood {
		t.Errorf("type = %v, want flood", ta.ReportType)
	}
	if ta.Location != "Tumana" {
		t.Errorf("location = %q, want Tumana", ta.Location)
	}
}

func TestAnalyzePassability(t *testing.T) {
	cases := []struct {
		text     string
		passable bool
	}{
		{"Road clear na, walang baha", true},
		{"Marcos Highway blocked, hindi madaanan", false},
		{"Waist deep flood dito", false}, // inferred from severity 0.8
		{"Ankle deep lang, still passable", true},
	}
	for _, c := range cases {
		ta, ok := analyzeTextRules(c.text, marikinaLocations)
		if !ok {
			t.Errorf("%q: no analysis", c.text)
			continue
		}
		if ta.Passable != c.passable {
			t.Errorf("%q: passable = %v, want %v", c.text, ta.Passable, c.passable)
		}
	}
}

func TestAnalyzeReportTypes(t *testing.T) {
	cases := []struct {
		text string
		typ  agos.ReportType
	}{
		{"Baha na naman sa Malanday", agos.ReportFlood},
		{"Road closed dahil sa landslide", agos.ReportBlocked},
		{"Walang baha, clear ang daan", agos.ReportClear},
		{"Grabe ang trapik sa Marcos Highway", agos.ReportTraffic},
	}
	for _, c := range cases {
		ta, ok := analyzeTextRules(c.text, marikinaLocations)
		if !ok {
			t.Errorf("%q: no analysis", c.text)
			continue
		}
		if ta.ReportType != c.typ {
			t.Errorf("%q: type = %v, want %v", c.text, ta.ReportType, c.typ)
		}
	}
}

func TestAnalyzeLocationPrefix(t *testing.T) {
	// An unknown location still extracts through the "sa <Name>" pattern.
	ta, ok := analyzeTextRules("Baha na sa Fortune Avenue", nil)
	if !ok {
		t.Fatal("no analysis")
	}
	if ta.Location != "Fortune Avenue" {
		t.Errorf("location = %q, want Fortune Avenue", ta.Location)
	}
}

func TestAnalyzeNoSignal(t *testing.T) {
	if _, ok := analyzeTextRules("Good morning everyone!", marikinaLocations); ok {
		t.Error("signal-free text should not produce an analysis")
	}
}

func TestConfidenceGrowsWithSignals(t *testing.T) {
	weak, _ := analyzeTextRules("May baha daw", nil)
	strong, _ := analyzeTextRules("Knee-deep baha sa Nangka, hindi madaanan", marikinaLocations)
	if strong.Confidence <= weak.Confidence {
		t.Errorf("confidence %v should exceed %v with more signals",
			strong.Confidence, weak.Confidence)
	}
	if strong.Confidence > 0.9 {
		t.Errorf("confidence %v exceeds the 0.9 cap", strong.Confidence)
	}
}

func TestDepthToSeverity(t *testing.T) {
	cases := []struct {
		depth float64
		want  float64
	}{
		{0, 0}, {0.1, 0.15}, {0.3, 0.5}, {0.6, 0.8}, {1.2, 0.9}, {2.0, 0.95},
	}
	for _, c := range cases {
		if got := depthToSeverity(c.depth); got != c.want {
			t.Errorf("depthToSeverity(%v) = %v, want %v", c.depth, got, c.want)
		}
	}
}

func TestToMeters(t *testing.T) {
	if toMeters(50, "cm") != 0.5 {
		t.Error("cm conversion broken")
	}
	if got := toMeters(3, "ft"); got < 0.91 || got > 0.92 {
		t.Errorf("ft conversion = %v", got)
	}
	if toMeters(1.2, "m") != 1.2 {
		t.Error("m conversion broken")
	}
}
