package wiring

import (
	"context"
	"testing"
	"time"

	"github.com/nevindra/oasis"
	"github.com/nevindra/oasis/conversation"
)

type fakeGateway struct {
	events chan oasis.InboundEvent
	sent   []conversation.SendRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{events: make(chan oasis.InboundEvent, 4)}
}

func (g *fakeGateway) Subscribe(agentID string) <-chan oasis.InboundEvent { return g.events }
func (g *fakeGateway) Unsubscribe(agentID string)                        {}

func (g *fakeGateway) Send(ctx context.Context, req conversation.SendRequest) (string, error) {
	g.sent = append(g.sent, req)
	return "msg-1", nil
}

func (g *fakeGateway) Messages(ctx context.Context, bot, channelID string, limit int, before string) ([]oasis.ChatMessage, error) {
	return nil, nil
}

type fakeMemory struct{}

func (fakeMemory) Store(ctx context.Context, agentID, content string, metadata map[string]string) (string, error) {
	return "rec-1", nil
}
func (fakeMemory) Search(ctx context.Context, agentID, query string, k int) ([]oasis.ScoredMemoryRecord, error) {
	return nil, nil
}
func (fakeMemory) Health(ctx context.Context) error { return nil }
func (fakeMemory) Init(ctx context.Context) error    { return nil }
func (fakeMemory) Close() error                      { return nil }

type fakeProvider struct{}

func (fakeProvider) Name() string { return "fake" }
func (fakeProvider) Chat(ctx context.Context, req oasis.ChatRequest) (oasis.ChatResponse, error) {
	return oasis.ChatResponse{Content: "hi"}, nil
}
func (fakeProvider) ChatWithTools(ctx context.Context, req oasis.ChatRequest, tools []oasis.ToolDefinition) (oasis.ChatResponse, error) {
	return oasis.ChatResponse{Content: "hi"}, nil
}
func (fakeProvider) ChatStream(ctx context.Context, req oasis.ChatRequest, ch chan<- oasis.StreamEvent) (oasis.ChatResponse, error) {
	close(ch)
	return oasis.ChatResponse{Content: "hi"}, nil
}

func testSpec() oasis.AgentSpec {
	return oasis.AgentSpec{
		ID:              "alpha",
		Kind:            oasis.KindProcess,
		DiscordTokenRef: "ref",
		LLM:             oasis.LLMConfig{Provider: "openai", Model: "gpt", APIKeyRef: "key"},
	}
}

func TestProcessRuntimeStartStop(t *testing.T) {
	gw := newFakeGateway()
	built := 0
	rt := NewProcessRuntime(func(spec oasis.AgentSpec) (*conversation.Engine, error) {
		built++
		return conversation.New(spec, gw, fakeMemory{}, fakeProvider{}), nil
	})

	handle, err := rt.Start(testSpec())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if built != 1 {
		t.Fatalf("engine factory called %d times, want 1", built)
	}

	deadline := time.Now().Add(time.Second)
	for !handle.Alive() {
		if time.Now().After(deadline) {
			t.Fatal("handle never became alive")
		}
		time.Sleep(time.Millisecond)
	}

	handle.Stop()
	if handle.Alive() {
		t.Fatal("handle still alive after Stop")
	}
}

func TestProcessRuntimeStartPropagatesBuildError(t *testing.T) {
	rt := NewProcessRuntime(func(spec oasis.AgentSpec) (*conversation.Engine, error) {
		return nil, errBuild
	})
	if _, err := rt.Start(testSpec()); err != errBuild {
		t.Fatalf("Start error = %v, want %v", err, errBuild)
	}
}

type buildErr string

func (e buildErr) Error() string { return string(e) }

const errBuild = buildErr("build failed")
