package tts

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/remdisgo/dialogue/pkg/broker"
	"github.com/remdisgo/dialogue/pkg/config"
	"github.com/remdisgo/dialogue/pkg/iu"
	"github.com/remdisgo/dialogue/pkg/orchestrator"
)

// fakeProvider returns a caller-supplied PCM buffer per phrase; byText
// overrides the default for a specific phrase text, including the empty
// phrase.
type fakeProvider struct {
	pcm    []byte
	byText map[string][]byte
}

func (f *fakeProvider) Synthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language) ([]byte, error) {
	if b, ok := f.byText[text]; ok {
		return b, nil
	}
	return f.pcm, nil
}
func (f *fakeProvider) StreamSynthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language, onChunk func([]byte) error) error {
	return onChunk(f.pcm)
}
func (f *fakeProvider) Name() string { return "fake-tts" }

func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func baseCfg() config.TTSConfig {
	c := config.Default().TTS
	c.OrgSampleRate = c.DstSampleRate // skip resampling by default
	c.SendIntervalMS = 0
	return c
}

func drainTTS(t *testing.T, ch <-chan *iu.IU, want int, timeout time.Duration) []*iu.IU {
	t.Helper()
	var out []*iu.IU
	deadline := time.After(timeout)
	for len(out) < want {
		select {
		case msg := <-ch:
			out = append(out, msg)
		case <-deadline:
			t.Fatalf("timed out waiting for %d tts IUs, got %d", want, len(out))
		}
	}
	return out
}

func TestSynthesizePhraseChunksAndCommitsOnTurnEnd(t *testing.T) {
	cfg := baseCfg()
	cfg.FrameLength = float64(2) / float64(cfg.DstSampleRate) // 2 samples/frame

	provider := &fakeProvider{pcm: pcm16(100, 200, 300, 400)}
	client := broker.NewLocal(16, nil)
	defer client.Close()

	p := New("tts-test", cfg, provider, orchestrator.VoiceF1, orchestrator.LanguageEn, client, nil, nil)
	p.Start(context.Background())
	defer p.Close()

	ch := make(chan *iu.IU, 16)
	unsub := client.Subscribe(iu.ExchangeTTS, func(msg *iu.IU) { ch <- msg })
	defer unsub()

	p.HandleDialogue(iu.New("dialogue-test", iu.ExchangeDialogue, iu.Add, "hello there"))
	p.HandleDialogue(iu.CommitOf("dialogue-test", iu.ExchangeDialogue, nil))

	msgs := drainTTS(t, ch, 3, time.Second) // 2 chunks + commit
	if msgs[0].UpdateType != iu.Add || msgs[1].UpdateType != iu.Add {
		t.Fatalf("expected two ADD chunks, got %+v %+v", msgs[0], msgs[1])
	}
	if msgs[2].UpdateType != iu.Commit {
		t.Fatalf("expected commit after last chunk, got %+v", msgs[2])
	}
	if msgs[0].DataType != iu.DataTypeAudio {
		t.Fatalf("expected audio data_type, got %q", msgs[0].DataType)
	}
	body, ok := msgs[0].Body.([]byte)
	if !ok || len(body) != 4 {
		t.Fatalf("expected 2-sample (4-byte) first chunk, got %T %v", msgs[0].Body, msgs[0].Body)
	}
}

func TestEmptyPhraseProducesOneSilentChunk(t *testing.T) {
	cfg := baseCfg()
	cfg.FrameLength = float64(3) / float64(cfg.DstSampleRate)

	provider := &fakeProvider{byText: map[string][]byte{"": {}}}
	client := broker.NewLocal(16, nil)
	defer client.Close()

	p := New("tts-test", cfg, provider, orchestrator.VoiceF1, orchestrator.LanguageEn, client, nil, nil)
	p.Start(context.Background())
	defer p.Close()

	ch := make(chan *iu.IU, 16)
	unsub := client.Subscribe(iu.ExchangeTTS, func(msg *iu.IU) { ch <- msg })
	defer unsub()

	p.HandleDialogue(iu.New("dialogue-test", iu.ExchangeDialogue, iu.Add, ""))
	p.HandleDialogue(iu.CommitOf("dialogue-test", iu.ExchangeDialogue, nil))

	msgs := drainTTS(t, ch, 2, time.Second)
	if msgs[0].UpdateType != iu.Add {
		t.Fatalf("expected a silent ADD chunk for an empty phrase, got %+v", msgs[0])
	}
	body, ok := msgs[0].Body.([]byte)
	if !ok || len(body) != 6 { // 3 samples * 2 bytes, all zero
		t.Fatalf("expected one 3-sample silent chunk, got %T %v", msgs[0].Body, msgs[0].Body)
	}
	for _, b := range body {
		if b != 0 {
			t.Fatalf("expected silent chunk to be all zeros, got %v", body)
		}
	}
}

func TestRevokeFlushesQueueAndCommitsImmediately(t *testing.T) {
	cfg := baseCfg()
	cfg.FrameLength = float64(2) / float64(cfg.DstSampleRate)
	cfg.SendIntervalMS = 50 // slow enough that a revoke lands mid-phrase

	provider := &fakeProvider{pcm: pcm16(1, 2, 3, 4, 5, 6)} // 3 chunks of 2 samples
	client := broker.NewLocal(16, nil)
	defer client.Close()

	p := New("tts-test", cfg, provider, orchestrator.VoiceF1, orchestrator.LanguageEn, client, nil, nil)
	p.Start(context.Background())
	defer p.Close()

	ch := make(chan *iu.IU, 16)
	unsub := client.Subscribe(iu.ExchangeTTS, func(msg *iu.IU) { ch <- msg })
	defer unsub()

	p.HandleDialogue(iu.New("dialogue-test", iu.ExchangeDialogue, iu.Add, "a longer phrase"))

	// Let the first chunk go out, then barge in before the pacing sleep
	// between chunks elapses.
	time.Sleep(15 * time.Millisecond)
	p.HandleDialogue(iu.New("dialogue-test", iu.ExchangeDialogue, iu.Revoke, nil))

	msgs := drainTTS(t, ch, 2, time.Second)
	if msgs[0].UpdateType != iu.Add {
		t.Fatalf("expected the first chunk to have gone out before the revoke, got %+v", msgs[0])
	}
	if msgs[1].UpdateType != iu.Commit {
		t.Fatalf("expected revoke to emit an immediate commit, got %+v", msgs[1])
	}

	// No further chunks should follow once the generation has moved on.
	select {
	case msg := <-ch:
		t.Fatalf("expected no further chunks after revoke, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
