package observer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nevindra/agos"
)

// mockProvider scripts one Chat outcome.
type mockProvider struct {
	name     string
	chatResp agos.ChatResponse
	chatErr  error
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Chat(_ context.Context, _ agos.ChatRequest) (agos.ChatResponse, error) {
	return m.chatResp, m.chatErr
}

// mockAgent counts steps.
type mockAgent struct {
	id    string
	steps int
	err   error
}

func (m *mockAgent) ID() string { return m.id }
func (m *mockAgent) Step(context.Context) error {
	m.steps++
	return m.err
}

// testInstruments builds Instruments on the default global OTEL
// providers, which are no-ops, so wrapper delegation is testable
// without a backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestObservedProviderName(t *testing.T) {
	op := WrapProvider(&mockProvider{name: "ollama"}, "llava", testInstruments(t))
	if got := op.Name(); got != "ollama" {
		t.Errorf("Name() = %q, want ollama", got)
	}
}

func TestObservedProviderChat(t *testing.T) {
	want := agos.ChatResponse{
		Content: "Marikina River is above first alarm",
		Usage:   agos.Usage{InputTokens: 42, OutputTokens: 7},
	}
	op := WrapProvider(&mockProvider{name: "p", chatResp: want}, "m", testInstruments(t))

	got, err := op.Chat(context.Background(), agos.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != want {
		t.Errorf("wrapped response = %+v, want %+v", got, want)
	}
}

func TestObservedProviderChatError(t *testing.T) {
	wantErr := errors.New("upstream llm offline")
	op := WrapProvider(&mockProvider{name: "p", chatErr: wantErr}, "m", testInstruments(t))

	if _, err := op.Chat(context.Background(), agos.ChatRequest{}); !errors.Is(err, wantErr) {
		t.Errorf("Chat error = %v, want %v", err, wantErr)
	}
}

func TestObservedAgentDelegates(t *testing.T) {
	inner := &mockAgent{id: "hazard"}
	oa := WrapAgent(inner, testInstruments(t))

	if oa.ID() != "hazard" {
		t.Errorf("ID() = %q", oa.ID())
	}
	if err := oa.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if inner.steps != 1 {
		t.Errorf("inner steps = %d, want 1", inner.steps)
	}
}

func TestObservedAgentPropagatesError(t *testing.T) {
	wantErr := errors.New("step broke")
	oa := WrapAgent(&mockAgent{id: "router", err: wantErr}, testInstruments(t))

	if err := oa.Step(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("Step error = %v, want %v", err, wantErr)
	}
}

func TestRecordFusion(t *testing.T) {
	inst := testInstruments(t)
	inst.RecordFusion(2, 3, 12)
}

func TestRecordRoute(t *testing.T) {
	inst := testInstruments(t)
	inst.RecordRoute("balanced", "ok", 5*time.Millisecond)
	inst.RecordRoute("safest", "error", time.Millisecond)
}

func TestRegisterBusDepth(t *testing.T) {
	bus := agos.NewBus()
	if err := bus.Register("hazard"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	inst := testInstruments(t)
	reg, err := inst.RegisterBusDepth(bus, []string{"hazard"})
	if err != nil {
		t.Fatalf("RegisterBusDepth: %v", err)
	}
	if err := reg.Unregister(); err != nil {
		t.Errorf("Unregister: %v", err)
	}
}
