package agos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingAgent appends its id to a shared log on every step.
type recordingAgent struct {
	id   string
	log  *stepLog
	err  error
	slow time.Duration
}

type stepLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *stepLog) add(id string) {
	l.mu.Lock()
	l.steps = append(l.steps, id)
	l.mu.Unlock()
}

func (l *stepLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...)
}

func (a *recordingAgent) ID() string { return a.id }

func (a *recordingAgent) Step(ctx context.Context) error {
	if a.slow > 0 {
		time.Sleep(a.slow)
	}
	a.log.add(a.id)
	return a.err
}

func TestSchedulerPriorityOrder(t *testing.T) {
	log := &stepLog{}
	s := NewScheduler()
	s.Add(&recordingAgent{id: "low", log: log}, 5)
	s.Add(&recordingAgent{id: "high", log: log}, 0)
	s.Add(&recordingAgent{id: "mid", log: log}, 3)

	s.tick(context.Background())

	got := log.snapshot()
	want := []string{"high", "mid", "low"}
	if len(got) != len(want) {
		t.Fatalf("steps = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSchedulerEqualPriorityKeepsOrder(t *testing.T) {
	log := &stepLog{}
	s := NewScheduler()
	s.Add(&recordingAgent{id: "first", log: log}, 1)
	s.Add(&recordingAgent{id: "second", log: log}, 1)

	s.tick(context.Background())

	got := log.snapshot()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("steps = %v", got)
	}
}

func TestSchedulerPauseSkipsAgents(t *testing.T) {
	log := &stepLog{}
	s := NewScheduler()
	s.Add(&recordingAgent{id: "plain", log: log}, 0)
	s.Add(&recordingAgent{id: "exempt", log: log}, 1, PauseWhen(func() bool { return false }))

	s.SetPaused(true)
	s.tick(context.Background())

	got := log.snapshot()
	if len(got) != 1 || got[0] != "exempt" {
		t.Errorf("steps while paused = %v, want [exempt]", got)
	}

	s.SetPaused(false)
	s.tick(context.Background())
	if got := log.snapshot(); len(got) != 3 {
		t.Errorf("steps after resume = %v", got)
	}
}

func TestSchedulerContinuesPastStepError(t *testing.T) {
	log := &stepLog{}
	s := NewScheduler()
	s.Add(&recordingAgent{id: "bad", log: log, err: errors.New("boom")}, 0)
	s.Add(&recordingAgent{id: "good", log: log}, 1)

	s.tick(context.Background())

	got := log.snapshot()
	if len(got) != 2 {
		t.Fatalf("steps = %v, want both agents", got)
	}
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	log := &stepLog{}
	s := NewScheduler(WithTickInterval(10 * time.Millisecond))
	s.Add(&recordingAgent{id: "a", log: log}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if len(log.snapshot()) == 0 {
		t.Error("no ticks ran")
	}
}

func TestSchedulerNoOverlap(t *testing.T) {
	log := &stepLog{}
	slow := &recordingAgent{id: "slow", log: log, slow: 50 * time.Millisecond}
	s := NewScheduler(WithTickInterval(time.Millisecond))
	s.Add(slow, 0)

	// Run two cycles concurrently; the CAS guard must let only one
	// Step through at a time.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.tick(context.Background())
		}()
	}
	wg.Wait()

	if n := len(log.snapshot()); n != 1 {
		t.Errorf("steps = %d, want 1 (overlapping step skipped)", n)
	}
}
