package textvap

import (
	"context"
	"testing"
	"time"

	"github.com/remdisgo/dialogue/pkg/broker"
	"github.com/remdisgo/dialogue/pkg/config"
	"github.com/remdisgo/dialogue/pkg/iu"
)

type scriptedClassifier struct {
	response string
}

func (c *scriptedClassifier) Complete(ctx context.Context, prompt string) (string, error) {
	return c.response, nil
}

func newTestVAP(t *testing.T, classifierResp string, silence time.Duration) (*TextVAP, *broker.Local, func()) {
	t.Helper()
	client := broker.NewLocal(16, nil)
	cfg := config.Default().TextVAP
	cfg.IntervalIUs = 1
	tv := New("textvap-test", cfg, silence, &scriptedClassifier{response: classifierResp}, client, nil)
	return tv, client, func() { client.Close() }
}

func collect(client *broker.Local, exchange iu.Exchange) (<-chan *iu.IU, func()) {
	ch := make(chan *iu.IU, 16)
	unsub := client.Subscribe(exchange, func(msg *iu.IU) { ch <- msg })
	return ch, unsub
}

func TestSilenceTimeoutEmitsASRCommitThenTakeTurn(t *testing.T) {
	tv, client, closeFn := newTestVAP(t, "a:\nb:\nc:\nd: 0\n", 30*time.Millisecond)
	defer closeFn()

	vapCh, unsub := collect(client, iu.ExchangeVAP)
	defer unsub()

	ctx := context.Background()
	tv.HandleASR(ctx, iu.New("asr", iu.ExchangeASR, iu.Add, "hello"))

	var gotCommit, gotTakeTurn bool
	deadline := time.After(time.Second)
	for i := 0; i < 2; i++ {
		select {
		case msg := <-vapCh:
			body := msg.Body.(VAPEvent)
			if body.Event == "ASR_COMMIT" {
				gotCommit = true
				if body.Text != "hello" {
					t.Fatalf("expected committed text 'hello', got %q", body.Text)
				}
			}
			if body.Event == vapTakeTurn {
				gotTakeTurn = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for silence auto-commit events")
		}
	}
	if !gotCommit || !gotTakeTurn {
		t.Fatalf("expected both ASR_COMMIT and SYSTEM_TAKE_TURN, got commit=%v takeTurn=%v", gotCommit, gotTakeTurn)
	}
}

func TestExternalCommitCancelsSilenceTimerAndEmitsOnce(t *testing.T) {
	tv, client, closeFn := newTestVAP(t, "a:\nb:\nc:\nd: 0\n", 30*time.Millisecond)
	defer closeFn()

	vapCh, unsub := collect(client, iu.ExchangeVAP)
	defer unsub()

	ctx := context.Background()
	tv.HandleASR(ctx, iu.New("asr", iu.ExchangeASR, iu.Add, "hi"))
	tv.HandleASR(ctx, iu.New("asr", iu.ExchangeASR, iu.Commit, nil))

	time.Sleep(100 * time.Millisecond) // well past the silence window

	var commits int
	drained := true
	for drained {
		select {
		case msg := <-vapCh:
			if msg.Body.(VAPEvent).Event == "ASR_COMMIT" {
				commits++
			}
		default:
			drained = false
		}
	}
	if commits != 1 {
		t.Fatalf("expected exactly 1 ASR_COMMIT (external commit should cancel the silence timer), got %d", commits)
	}
}

func TestBackchannelRateLimitCapsAtMax(t *testing.T) {
	cfg := config.Default().TextVAP
	cfg.IntervalIUs = 1
	cfg.MaxVerbalBackchannelNum = 2

	client := broker.NewLocal(16, nil)
	defer client.Close()
	tv := New("textvap-test", cfg, time.Hour, &scriptedClassifier{response: "a: uh-huh\nb:\nc:\nd: 0\n"}, client, nil)

	bcCh, unsub := collect(client, iu.ExchangeBC)
	defer unsub()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tv.HandleASR(ctx, iu.New("asr", iu.ExchangeASR, iu.Add, "word"))
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	var count int
	draining := true
	for draining {
		select {
		case <-bcCh:
			count++
		default:
			draining = false
		}
	}
	if count != 2 {
		t.Fatalf("expected exactly 2 backchannels (rate limit), got %d", count)
	}
}

func TestHighTurnYieldScorePublishesSystemTakeTurn(t *testing.T) {
	cfg := config.Default().TextVAP
	cfg.IntervalIUs = 1
	cfg.MinTextVAPThreshold = 7

	client := broker.NewLocal(16, nil)
	defer client.Close()
	tv := New("textvap-test", cfg, time.Hour, &scriptedClassifier{response: "a:\nb:\nc:\nd: 9\n"}, client, nil)

	vapCh, unsub := collect(client, iu.ExchangeVAP)
	defer unsub()

	tv.HandleASR(context.Background(), iu.New("asr", iu.ExchangeASR, iu.Add, "word"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		select {
		case msg := <-vapCh:
			if msg.Body.(VAPEvent).Event == vapTakeTurn {
				return
			}
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	t.Fatal("expected a SYSTEM_TAKE_TURN event from the high turn-yield score")
}
