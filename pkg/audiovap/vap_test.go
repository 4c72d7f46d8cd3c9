package audiovap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/remdisgo/dialogue/pkg/broker"
	"github.com/remdisgo/dialogue/pkg/config"
	"github.com/remdisgo/dialogue/pkg/iu"
)

type scriptedModel struct {
	mu     sync.Mutex
	scores []Score
	i      int
}

func (m *scriptedModel) Score(user, system []float64) Score {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.i >= len(m.scores) {
		return m.scores[len(m.scores)-1]
	}
	s := m.scores[m.i]
	m.i++
	return s
}

type recordingClient struct {
	mu   sync.Mutex
	msgs []*iu.IU
}

func (c *recordingClient) Publish(ctx context.Context, exchange iu.Exchange, msg *iu.IU) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}
func (c *recordingClient) Subscribe(exchange iu.Exchange, h broker.Handler) func() { return func() {} }
func (c *recordingClient) Close() error                                           { return nil }

func (c *recordingClient) onExchange(exchange iu.Exchange) []*iu.IU {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*iu.IU
	for _, m := range c.msgs {
		if m.Exchange == exchange {
			out = append(out, m)
		}
	}
	return out
}

func TestVAPEmitsSystemTakeTurnWhenBothProbabilitiesHigh(t *testing.T) {
	doc := config.Default()
	doc.VAP.BufferLength = 0.02
	doc.VAP.Threshold = 0.55
	doc.TTS.FrameLength = 1 // disable alignment noise during the test window

	model := &scriptedModel{scores: []Score{{PNow: 0.9, PFuture: 0.9}}}
	client := &recordingClient{}
	vap := New("vap-test", doc, model, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	vap.Start(ctx)
	defer vap.Close()

	waitForAtLeast(t, func() int { return len(client.onExchange(iu.ExchangeVAP)) }, 1)

	events := client.onExchange(iu.ExchangeVAP)
	if events[0].Body.(string) != string(EventSystemTakeTurn) {
		t.Fatalf("expected SYSTEM_TAKE_TURN, got %v", events[0].Body)
	}
}

func TestVAPEmitsUserTakeTurnWhenBothProbabilitiesLow(t *testing.T) {
	doc := config.Default()
	doc.VAP.BufferLength = 0.02
	doc.VAP.Threshold = 0.55
	doc.TTS.FrameLength = 1

	model := &scriptedModel{scores: []Score{{PNow: 0.1, PFuture: 0.1}}}
	client := &recordingClient{}
	vap := New("vap-test", doc, model, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	vap.Start(ctx)
	defer vap.Close()

	waitForAtLeast(t, func() int { return len(client.onExchange(iu.ExchangeVAP)) }, 1)

	events := client.onExchange(iu.ExchangeVAP)
	if events[0].Body.(string) != string(EventUserTakeTurn) {
		t.Fatalf("expected USER_TAKE_TURN, got %v", events[0].Body)
	}
}

func TestVAPDoesNotRepublishUnchangedEvent(t *testing.T) {
	doc := config.Default()
	doc.VAP.BufferLength = 0.02
	doc.VAP.Threshold = 0.55
	doc.TTS.FrameLength = 1

	model := &scriptedModel{scores: []Score{{PNow: 0.9, PFuture: 0.9}, {PNow: 0.9, PFuture: 0.9}, {PNow: 0.9, PFuture: 0.9}}}
	client := &recordingClient{}
	vap := New("vap-test", doc, model, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	vap.Start(ctx)
	defer vap.Close()

	time.Sleep(150 * time.Millisecond)

	events := client.onExchange(iu.ExchangeVAP)
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 vap event across repeated identical scores, got %d", len(events))
	}
}

func TestVAPAlwaysPublishesScore(t *testing.T) {
	doc := config.Default()
	doc.VAP.BufferLength = 0.02
	doc.VAP.Threshold = 0.55
	doc.TTS.FrameLength = 1

	model := &scriptedModel{scores: []Score{{PNow: 0.5, PFuture: 0.5}}}
	client := &recordingClient{}
	vap := New("vap-test", doc, model, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	vap.Start(ctx)
	defer vap.Close()

	waitForAtLeast(t, func() int { return len(client.onExchange(iu.ExchangeScore)) }, 1)
}

func waitForAtLeast(t *testing.T, count func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected at least %d, got %d", want, count())
}
