package scout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nevindra/agos"
)

type fakeSource struct {
	posts []RawPost
	err   error
}

func (f *fakeSource) Posts(context.Context) ([]RawPost, error) { return f.posts, f.err }

func testGeocoder() TableGeocoder {
	return TableGeocoder{
		"Nangka": {14.6743, 121.1098},
		"Tumana": {14.6586, 121.0972},
	}
}

func newTestScout(t *testing.T, opts ...Option) (*agos.Bus, *Agent) {
	t.Helper()
	bus := agos.NewBus()
	opts = append(opts,
		WithKnownLocations([]string{"Nangka", "Tumana", "Marcos Highway"}),
		WithGeocoder(testGeocoder()))
	a, err := NewAgent(bus, nil, opts...)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	for _, id := range []string{agos.AgentHazard, "tester"} {
		if err := bus.Register(id); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	return bus, a
}

func TestCycleProcessesPosts(t *testing.T) {
	src := &fakeSource{posts: []RawPost{
		{TweetID: "1", Username: "juan", Text: "Knee-deep baha sa Nangka", Timestamp: 1000},
		{TweetID: "2", Username: "maria", Text: "Good morning!", Timestamp: 1001},
	}}
	_, a := newTestScout(t, WithSource(src))

	batch := a.Cycle(context.Background())
	if batch.ReportCount != 1 {
		t.Fatalf("reports = %d, want 1 (chatter dropped)", batch.ReportCount)
	}
	if batch.Version != agos.ProcessingVersion {
		t.Errorf("version = %q, want %q", batch.Version, agos.ProcessingVersion)
	}
	r := batch.Reports[0]
	if r.Location != "Nangka" || !r.HasCoords {
		t.Errorf("report not geocoded: %+v", r)
	}
	if r.Severity != 0.5 {
		t.Errorf("severity = %v, want 0.5", r.Severity)
	}
	if r.Timestamp != 1000 {
		t.Errorf("timestamp = %d, want the post time", r.Timestamp)
	}
}

func TestCycleDedupesByTweetID(t *testing.T) {
	src := &fakeSource{posts: []RawPost{
		{TweetID: "7", Text: "Baha sa Tumana"},
	}}
	_, a := newTestScout(t, WithSource(src))

	if got := a.Cycle(context.Background()).ReportCount; got != 1 {
		t.Fatalf("first cycle = %d, want 1", got)
	}
	if got := a.Cycle(context.Background()).ReportCount; got != 0 {
		t.Errorf("second cycle = %d, want 0 after dedupe", got)
	}
}

func TestCycleSourceFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("rate limited")}
	_, a := newTestScout(t, WithSource(src))

	batch := a.Cycle(context.Background())
	if batch.ReportCount != 0 {
		t.Errorf("reports = %d from a failed source", batch.ReportCount)
	}
}

func TestProcessDropsUnplaced(t *testing.T) {
	_, a := newTestScout(t)
	// Flood signal but no extractable location.
	if _, ok := a.Process(context.Background(), RawPost{Text: "grabe ang baha dito"}); ok {
		t.Error("unplaced report should be dropped")
	}
}

func TestProcessKeepUnplaced(t *testing.T) {
	bus := agos.NewBus()
	a, err := NewAgent(bus, nil, WithKeepUnplaced())
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	r, ok := a.Process(context.Background(), RawPost{Text: "grabe ang baha dito"})
	if !ok {
		t.Fatal("legacy mode should keep the report")
	}
	if r.HasCoords {
		t.Error("report should carry no coordinates")
	}
}

func TestProcessUngeocodedNamedLocation(t *testing.T) {
	_, a := newTestScout(t)
	// Marcos Highway is a known name but not in the geocoder table; the
	// report passes through for the hazard agent's own table.
	r, ok := a.Process(context.Background(), RawPost{Text: "Baha sa Marcos Highway"})
	if !ok {
		t.Fatal("named report should pass through")
	}
	if r.HasCoords {
		t.Error("ungeocoded report should not claim coordinates")
	}
	if r.Location != "Marcos Highway" {
		t.Errorf("location = %q", r.Location)
	}
}

func TestStepForcedCollection(t *testing.T) {
	src := &fakeSource{posts: []RawPost{
		{TweetID: "9", Text: "Waist-deep baha sa Nangka"},
	}}
	bus, a := newTestScout(t, WithSource(src))

	msg := agos.NewMessage(agos.Request, "tester", a.ID(), agos.CollectData{})
	msg.ConversationID = "m-2"
	if err := bus.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}

	toHazard, ok := bus.Receive(agos.AgentHazard, time.Second)
	if !ok {
		t.Fatal("hazard received nothing")
	}
	if _, ok := toHazard.Body.(agos.ScoutReportBatch); !ok {
		t.Fatalf("hazard body = %T, want ScoutReportBatch", toHazard.Body)
	}

	reply, ok := bus.Receive("tester", time.Second)
	if !ok {
		t.Fatal("no reply")
	}
	if reply.ConversationID != "m-2" {
		t.Errorf("conversation id = %q, want m-2", reply.ConversationID)
	}
	batch := reply.Body.(agos.ScoutReportBatch)
	if batch.ReportCount != 1 {
		t.Errorf("reports = %d, want 1", batch.ReportCount)
	}
}

func TestTableGeocoderCaseInsensitive(t *testing.T) {
	g := testGeocoder()
	lat, lon, ok := g.Geocode(context.Background(), "  nangka ")
	if !ok || lat != 14.6743 || lon != 121.1098 {
		t.Errorf("got %v/%v/%v", lat, lon, ok)
	}
	if _, _, ok := g.Geocode(context.Background(), "Quiapo"); ok {
		t.Error("unknown name should miss")
	}
}
