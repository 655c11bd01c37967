package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/nevindra/oasis"
)

type fakeGateway struct {
	events      chan oasis.InboundEvent
	sent        []SendRequest
	history     []oasis.ChatMessage
	unsubCalled bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{events: make(chan oasis.InboundEvent, 8)}
}

func (g *fakeGateway) Subscribe(agentID string) <-chan oasis.InboundEvent { return g.events }
func (g *fakeGateway) Unsubscribe(agentID string)                        { g.unsubCalled = true }

func (g *fakeGateway) Send(ctx context.Context, req SendRequest) (string, error) {
	g.sent = append(g.sent, req)
	return "msg-" + req.ChannelID, nil
}

func (g *fakeGateway) Messages(ctx context.Context, bot, channelID string, limit int, before string) ([]oasis.ChatMessage, error) {
	return g.history, nil
}

type fakeMemory struct {
	stored []struct {
		content string
		meta    map[string]string
	}
	hits []oasis.ScoredMemoryRecord
}

func (m *fakeMemory) Store(ctx context.Context, agentID, content string, metadata map[string]string) (string, error) {
	m.stored = append(m.stored, struct {
		content string
		meta    map[string]string
	}{content, metadata})
	return oasis.NewID(), nil
}

func (m *fakeMemory) Search(ctx context.Context, agentID, query string, k int) ([]oasis.ScoredMemoryRecord, error) {
	return m.hits, nil
}
func (m *fakeMemory) Health(ctx context.Context) error { return nil }
func (m *fakeMemory) Init(ctx context.Context) error   { return nil }
func (m *fakeMemory) Close() error                     { return nil }

var _ oasis.MemoryStore = (*fakeMemory)(nil)

type fakeProvider struct {
	reply string
	err   error
}

func (p *fakeProvider) Chat(ctx context.Context, req oasis.ChatRequest) (oasis.ChatResponse, error) {
	if p.err != nil {
		return oasis.ChatResponse{}, p.err
	}
	return oasis.ChatResponse{Content: p.reply}, nil
}

func (p *fakeProvider) ChatWithTools(ctx context.Context, req oasis.ChatRequest, tools []oasis.ToolDefinition) (oasis.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *fakeProvider) ChatStream(ctx context.Context, req oasis.ChatRequest, ch chan<- oasis.StreamEvent) (oasis.ChatResponse, error) {
	close(ch)
	return p.Chat(ctx, req)
}

func (p *fakeProvider) Name() string { return "fake" }

var _ oasis.Provider = (*fakeProvider)(nil)

func testSpec() oasis.AgentSpec {
	return oasis.AgentSpec{
		ID:          "agent1",
		Kind:        oasis.KindProcess,
		DisplayName: "Agent One",
		Behavior:    oasis.Behavior{MaxContextMessages: 10, MaxTurnsPerThread: 3},
	}
}

func runOneTurn(t *testing.T, e *Engine, gw *fakeGateway, ev oasis.InboundEvent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	gw.events <- ev
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
}

func TestBasicReply(t *testing.T) {
	gw := newFakeGateway()
	mem := &fakeMemory{}
	provider := &fakeProvider{reply: "hello back"}
	e := New(testSpec(), gw, mem, provider)

	runOneTurn(t, e, gw, oasis.InboundEvent{BotIdentityID: "agent1", ChannelID: "C1", Content: "hello"})

	if len(gw.sent) != 1 || gw.sent[0].Content != "hello back" || gw.sent[0].ChannelID != "C1" {
		t.Fatalf("sent = %+v, want one send to C1 with hello back", gw.sent)
	}
	if len(mem.stored) != 2 {
		t.Fatalf("stored %d memory records, want 2 (user + assistant)", len(mem.stored))
	}
	if mem.stored[0].meta["role"] != "user" || mem.stored[1].meta["role"] != "assistant" {
		t.Errorf("stored roles = %q, %q, want user, assistant", mem.stored[0].meta["role"], mem.stored[1].meta["role"])
	}
}

func TestSelfReplyRejectedUnconditionally(t *testing.T) {
	gw := newFakeGateway()
	e := New(testSpec(), gw, &fakeMemory{}, &fakeProvider{reply: "x"})

	runOneTurn(t, e, gw, oasis.InboundEvent{BotIdentityID: "agent1", IsBotAuthor: true, ChannelID: "C1", Content: "hi"})

	if len(gw.sent) != 0 {
		t.Fatalf("sent = %+v, want no reply to own message", gw.sent)
	}
}

func TestIgnoreBotsFiltersUnlistedBotSenders(t *testing.T) {
	gw := newFakeGateway()
	spec := testSpec()
	spec.Behavior.IgnoreBots = true
	e := New(spec, gw, &fakeMemory{}, &fakeProvider{reply: "x"})

	runOneTurn(t, e, gw, oasis.InboundEvent{BotIdentityID: "other-bot", IsBotAuthor: true, AuthorID: "other-bot", ChannelID: "C1", Content: "hi"})

	if len(gw.sent) != 0 {
		t.Fatalf("sent = %+v, want bot sender filtered", gw.sent)
	}
}

func TestChannelAllowlistRejectsOthers(t *testing.T) {
	gw := newFakeGateway()
	spec := testSpec()
	spec.Behavior.ChannelAllowlist = []string{"C1"}
	e := New(spec, gw, &fakeMemory{}, &fakeProvider{reply: "x"})

	runOneTurn(t, e, gw, oasis.InboundEvent{ChannelID: "C2", Content: "hi"})

	if len(gw.sent) != 0 {
		t.Fatalf("sent = %+v, want channel not in allowlist rejected", gw.sent)
	}
}

func TestMaxTurnsPerThreadCapsReplies(t *testing.T) {
	gw := newFakeGateway()
	spec := testSpec()
	spec.Behavior.MaxTurnsPerThread = 1
	e := New(spec, gw, &fakeMemory{}, &fakeProvider{reply: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	gw.events <- oasis.InboundEvent{ChannelID: "C1", Content: "one"}
	time.Sleep(20 * time.Millisecond)
	gw.events <- oasis.InboundEvent{ChannelID: "C1", Content: "two"}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if len(gw.sent) != 1 {
		t.Fatalf("sent %d replies, want exactly 1 (max_turns_per_thread=1)", len(gw.sent))
	}
}

func TestProviderFailureAbortsTurnWithoutPosting(t *testing.T) {
	gw := newFakeGateway()
	e := New(testSpec(), gw, &fakeMemory{}, &fakeProvider{err: &oasis.ErrLLM{Message: "boom"}})

	runOneTurn(t, e, gw, oasis.InboundEvent{ChannelID: "C1", Content: "hi"})

	if len(gw.sent) != 0 {
		t.Fatalf("sent = %+v, want no post on provider failure", gw.sent)
	}
}

func TestThreadedReplyTargetsThreadChannel(t *testing.T) {
	gw := newFakeGateway()
	e := New(testSpec(), gw, &fakeMemory{}, &fakeProvider{reply: "ok"})

	runOneTurn(t, e, gw, oasis.InboundEvent{ChannelID: "C1", ThreadID: "T1", Content: "hi"})

	if len(gw.sent) != 1 || gw.sent[0].ChannelID != "T1" {
		t.Fatalf("sent = %+v, want reply posted to thread T1", gw.sent)
	}
}
