package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/remdisgo/dialogue/pkg/iu"
)

func TestLocalFanOutDeliversToAllSubscribers(t *testing.T) {
	l := NewLocal(4, nil)
	defer l.Close()

	var mu sync.Mutex
	var gotA, gotB []string

	unsubA := l.Subscribe(iu.ExchangeASR, func(msg *iu.IU) {
		mu.Lock()
		gotA = append(gotA, msg.ID)
		mu.Unlock()
	})
	defer unsubA()
	unsubB := l.Subscribe(iu.ExchangeASR, func(msg *iu.IU) {
		mu.Lock()
		gotB = append(gotB, msg.ID)
		mu.Unlock()
	})
	defer unsubB()

	msg := iu.New("tester", iu.ExchangeASR, iu.Add, "hello")
	if err := l.Publish(context.Background(), iu.ExchangeASR, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotA) == 1 && len(gotB) == 1
	})
}

func TestLocalSubscribeOnOtherExchangeDoesNotReceive(t *testing.T) {
	l := NewLocal(4, nil)
	defer l.Close()

	received := make(chan struct{}, 1)
	unsub := l.Subscribe(iu.ExchangeTTS, func(msg *iu.IU) { received <- struct{}{} })
	defer unsub()

	msg := iu.New("tester", iu.ExchangeASR, iu.Add, "hello")
	if err := l.Publish(context.Background(), iu.ExchangeASR, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-received:
		t.Fatal("subscriber on a different exchange should not receive the message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalDropsWhenSubscriberQueueFull(t *testing.T) {
	l := NewLocal(1, nil)
	defer l.Close()

	block := make(chan struct{})
	proceed := make(chan struct{})
	var proceedOnce sync.Once
	unsub := l.Subscribe(iu.ExchangeASR, func(msg *iu.IU) {
		<-block
		proceedOnce.Do(func() { close(proceed) })
	})
	defer unsub()

	// First publish occupies the handler goroutine (blocked on <-block).
	// Second and third fill and then overflow the size-1 queue.
	for i := 0; i < 3; i++ {
		msg := iu.New("tester", iu.ExchangeASR, iu.Add, "hello")
		if err := l.Publish(context.Background(), iu.ExchangeASR, msg); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	close(block)
	<-proceed
}

func TestLocalUnsubscribeStopsDelivery(t *testing.T) {
	l := NewLocal(4, nil)
	defer l.Close()

	count := 0
	var mu sync.Mutex
	unsub := l.Subscribe(iu.ExchangeASR, func(msg *iu.IU) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsub()

	msg := iu.New("tester", iu.ExchangeASR, iu.Add, "hello")
	if err := l.Publish(context.Background(), iu.ExchangeASR, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestLocalPublishAfterCloseIsNoop(t *testing.T) {
	l := NewLocal(4, nil)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	msg := iu.New("tester", iu.ExchangeASR, iu.Add, "hello")
	if err := l.Publish(context.Background(), iu.ExchangeASR, msg); err != nil {
		t.Fatalf("publish after close should be a no-op, got error: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
