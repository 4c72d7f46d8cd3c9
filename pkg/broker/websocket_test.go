package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/remdisgo/dialogue/pkg/config"
	"github.com/remdisgo/dialogue/pkg/iu"
)

func TestRemotePublishAndReceiveRoundTrip(t *testing.T) {
	received := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		received <- data
		// Echo the frame straight back, the way a fanout broker would
		// deliver a publisher's own subscription.
		conn.Write(r.Context(), websocket.MessageText, data)
	}))
	defer server.Close()

	cfg := config.Default().Broker
	cfg.Host = "ws://" + strings.TrimPrefix(server.URL, "http://") + "/"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRemote(ctx, cfg, nil)
	defer r.Close()

	gotCh := make(chan *iu.IU, 1)
	unsub := r.Subscribe(iu.ExchangeASR, func(msg *iu.IU) { gotCh <- msg })
	defer unsub()

	msg := iu.New("tester", iu.ExchangeASR, iu.Add, "hello")

	deadline := time.Now().Add(2 * time.Second)
	var pubErr error
	for time.Now().Before(deadline) {
		pubErr = r.Publish(context.Background(), iu.ExchangeASR, msg)
		if pubErr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if pubErr != nil {
		t.Fatalf("publish: %v", pubErr)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the published frame")
	}

	select {
	case got := <-gotCh:
		if got.ID != msg.ID {
			t.Fatalf("expected id %s, got %s", msg.ID, got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the echoed frame")
	}
}

func TestRemotePublishDropsAfterGracePeriodWhenUnreachable(t *testing.T) {
	cfg := config.Default().Broker
	cfg.Host = "ws://127.0.0.1:1/unreachable" // nothing listens here
	cfg.ReconnectMinMS = 50
	cfg.ReconnectMaxMS = 50
	cfg.PublishGraceMS = 30

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRemote(ctx, cfg, nil)
	defer r.Close()

	start := time.Now()
	err := r.Publish(context.Background(), iu.ExchangeASR, iu.New("tester", iu.ExchangeASR, iu.Add, "hello"))
	if err != nil {
		t.Fatalf("Publish should drop silently past the grace period, got error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("expected Publish to wait out the grace period, returned after %v", elapsed)
	}
}
