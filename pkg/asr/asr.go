// Package asr adapts a streaming speech-to-text provider onto the IU asr
// exchange: it turns the provider's whole-string partial transcripts into
// token-level ADD/REVOKE updates via iu.DiffTokens, session-rotates before
// the provider's streaming time limit expires, and guards the rotation with
// a generation counter so a stale callback from the just-retired session
// can never REVOKE tokens that belong to the new one. Grounded on the
// sttGeneration stale-callback handling in managed_stream.go.
package asr

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/remdisgo/dialogue/pkg/broker"
	"github.com/remdisgo/dialogue/pkg/ioerrors"
	"github.com/remdisgo/dialogue/pkg/iu"
	"github.com/remdisgo/dialogue/pkg/logging"
)

// Provider is the minimal streaming STT contract the adapter drives. It
// carries the recognizer's stability/confidence scalars alongside each
// snapshot so the is_final COMMIT can surface them (spec §4.3), rather
// than depending on pkg/orchestrator's batch-only STTProvider contract.
type Provider interface {
	Name() string
	StreamTranscribe(ctx context.Context, lang string, onTranscript func(transcript string, isFinal bool, stability, confidence float64) error) (chan<- []byte, error)
}

type token struct {
	id   string
	text string
}

// Adapter runs one rotating streaming session against Provider and
// publishes its output as token IUs on the asr exchange.
type Adapter struct {
	producer       string
	lang           string
	provider       Provider
	client         broker.Client
	logger         logging.Logger
	streamingLimit time.Duration
	spacer         string

	mu         sync.Mutex
	generation uint64
	audioCh    chan<- []byte
	current    []token
	cancel     context.CancelFunc
}

// New builds an Adapter. streamingLimit should match config.ASRConfig.StreamingLimit.
func New(producer, lang string, provider Provider, client broker.Client, logger logging.Logger, streamingLimit time.Duration) *Adapter {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Adapter{
		producer:       producer,
		lang:           lang,
		provider:       provider,
		client:         client,
		logger:         logger,
		streamingLimit: streamingLimit,
		spacer:         " ",
	}
}

// Start dials the first provider session and begins the rotation loop. It
// returns once the first session is live; rotation continues in the
// background until ctx is cancelled or Close is called.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	if err := a.openSession(runCtx); err != nil {
		cancel()
		return ioerrors.New(ioerrors.FatalConfig, "asr.open_session", err)
	}

	go a.rotateLoop(runCtx)
	return nil
}

func (a *Adapter) rotateLoop(ctx context.Context) {
	ticker := time.NewTicker(a.streamingLimit)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.openSession(ctx); err != nil {
				classified := ioerrors.Classify("asr.rotate_session", err)
				a.logger.Warn("asr: session rotation failed", "provider", a.provider.Name(), "kind", classified.Kind.String(), "error", err)
			}
		}
	}
}

// openSession dials a new provider session, bumping the generation so
// callbacks tied to the outgoing session are ignored once it closes.
func (a *Adapter) openSession(ctx context.Context) error {
	a.mu.Lock()
	gen := a.generation + 1
	a.mu.Unlock()

	audioCh, err := a.provider.StreamTranscribe(ctx, a.lang, func(transcript string, isFinal bool, stability, confidence float64) error {
		return a.onTranscript(gen, transcript, isFinal, stability, confidence)
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.generation = gen
	a.audioCh = audioCh
	a.current = nil
	a.mu.Unlock()
	return nil
}

// Write forwards a microphone audio chunk to the live session. Silently
// drops the chunk if no session is open yet (e.g. during the brief window
// before the first Start completes).
func (a *Adapter) Write(chunk []byte) {
	a.mu.Lock()
	ch := a.audioCh
	a.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- chunk:
	default:
		a.logger.Warn("asr: dropping audio chunk, provider channel full")
	}
}

func (a *Adapter) onTranscript(gen uint64, transcript string, isFinal bool, stability, confidence float64) error {
	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		return nil // stale callback from a retired session
	}
	prev := a.current
	a.mu.Unlock()

	newTokens := strings.Fields(transcript)
	prevStrs := make([]string, len(prev))
	for i, t := range prev {
		prevStrs[i] = t.text
	}
	diff := iu.DiffTokens(prevStrs, newTokens)

	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		return nil
	}
	for range diff.Revokes {
		if len(a.current) == 0 {
			break
		}
		last := a.current[len(a.current)-1]
		a.current = a.current[:len(a.current)-1]
		a.mu.Unlock()
		a.publish(iu.RevokeOf(&iu.IU{ID: last.id, Producer: a.producer, Exchange: iu.ExchangeASR}))
		a.mu.Lock()
	}
	for _, text := range diff.Adds {
		add := iu.New(a.producer, iu.ExchangeASR, iu.Add, text)
		add.DataType = iu.DataTypeText
		// Placeholders per spec §4.3: interim ADDs carry stability=0.0,
		// confidence=0.99, not the recognizer's actual snapshot scalars.
		add.Stability = 0.0
		add.Confidence = 0.99
		a.current = append(a.current, token{id: add.ID, text: text})
		a.mu.Unlock()
		a.publish(add)
		a.mu.Lock()
	}
	if isFinal {
		a.current = nil
	}
	a.mu.Unlock()

	if isFinal {
		commit := iu.CommitOf(a.producer, iu.ExchangeASR, nil)
		commit.Stability = stability
		commit.Confidence = confidence
		a.publish(commit)
	}
	return nil
}

func (a *Adapter) publish(msg *iu.IU) {
	if err := a.client.Publish(context.Background(), iu.ExchangeASR, msg); err != nil {
		a.logger.Warn("asr: publish failed", "error", err)
	}
}

// Close stops the rotation loop. The underlying provider session is torn
// down when its context is cancelled (ctx passed to Start).
func (a *Adapter) Close() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
