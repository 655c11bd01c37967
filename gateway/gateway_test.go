package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nevindra/oasis"
)

func TestSubscribeAndFanOut(t *testing.T) {
	b := &BotIdentity{ID: "b1", state: oasis.ConnReady, subscribers: make(map[string]*subscription)}
	ch1 := b.Subscribe("s1")
	ch2 := b.Subscribe("s2")

	ev := oasis.InboundEvent{BotIdentityID: "b1", Content: "hi"}
	b.fanOut(ev)

	got1 := <-ch1
	got2 := <-ch2
	if got1.Content != "hi" || got2.Content != "hi" {
		t.Fatalf("fanOut: got %+v / %+v, want content=hi for both", got1, got2)
	}
}

func TestCrossBotIsolation(t *testing.T) {
	b1 := &BotIdentity{ID: "b1", state: oasis.ConnReady, subscribers: make(map[string]*subscription)}
	b2 := &BotIdentity{ID: "b2", state: oasis.ConnReady, subscribers: make(map[string]*subscription)}
	ch2 := b2.Subscribe("s1")

	b1.fanOut(oasis.InboundEvent{BotIdentityID: "b1", Content: "only for b1"})

	select {
	case ev := <-ch2:
		t.Fatalf("subscriber of b2 received event from b1: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFanOutDropsOldestOnOverflow(t *testing.T) {
	b := &BotIdentity{ID: "b1", state: oasis.ConnReady, subscribers: make(map[string]*subscription)}
	ch := b.Subscribe("slow")

	for i := 0; i < subscriberBuffer+10; i++ {
		b.fanOut(oasis.InboundEvent{MessageID: string(rune('a' + i%26))})
	}

	if got := b.DropCount(); got == 0 {
		t.Fatalf("DropCount() = 0, want > 0 after overflowing a %d-capacity buffer", subscriberBuffer)
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("len(ch) = %d, want %d", len(ch), subscriberBuffer)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := &BotIdentity{ID: "b1", state: oasis.ConnReady, subscribers: make(map[string]*subscription)}
	ch := b.Subscribe("s1")
	b.Unsubscribe("s1")

	_, ok := <-ch
	if ok {
		t.Fatal("channel still open after Unsubscribe")
	}
}

func TestReconnectBackoffGrowsAndCaps(t *testing.T) {
	prev := time.Duration(0)
	for i := 0; i < 6; i++ {
		d := reconnectBackoff(i)
		if d < prev {
			t.Errorf("reconnectBackoff(%d) = %v, want >= previous %v", i, d, prev)
		}
		prev = d
	}
	if got := reconnectBackoff(20); got > 5*time.Minute+2*time.Minute {
		t.Errorf("reconnectBackoff(20) = %v, want capped near 5m", got)
	}
}

func TestRegisterBotRejectsDuplicateName(t *testing.T) {
	gw := New()
	if _, err := gw.RegisterBot("a1", "tok1"); err != nil {
		t.Fatalf("RegisterBot: %v", err)
	}
	if _, err := gw.RegisterBot("a1", "tok2"); err == nil {
		t.Fatal("RegisterBot with duplicate name: want error, got nil")
	}
}

func TestHandleBotsHTTP(t *testing.T) {
	gw := New()
	if _, err := gw.RegisterBot("a1", "tok1"); err != nil {
		t.Fatalf("RegisterBot: %v", err)
	}
	srv := NewServer(gw)
	req := httptest.NewRequest(http.MethodGet, "/bots", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /bots = %d, want 200", rec.Code)
	}
}

func TestSendUnknownBotReturns404(t *testing.T) {
	gw := New()
	srv := NewServer(gw)
	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(`{"bot":"nope","channel_id":"c1","content":"hi"}`))
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("POST /send unknown bot = %d, want 404", rec.Code)
	}
}
