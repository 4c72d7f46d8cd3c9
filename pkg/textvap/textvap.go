// Package textvap implements the text-based turn-yield and reaction
// predictor (spec.md §4.5): it accumulates the asr token stream, runs an
// LLM classification pass every configured interval, emits rate-limited
// backchannels/reactions and SYSTEM_TAKE_TURN calls, and auto-commits on
// silence with a single-armed timer guarded by a generation counter — the
// same stale-callback-invalidation idiom as the teacher's sttGeneration
// field in pkg/orchestrator/managed_stream.go, applied here to the
// silence-watch timer instead of a streaming STT session.
package textvap

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/remdisgo/dialogue/pkg/broker"
	"github.com/remdisgo/dialogue/pkg/config"
	"github.com/remdisgo/dialogue/pkg/ioerrors"
	"github.com/remdisgo/dialogue/pkg/iu"
	"github.com/remdisgo/dialogue/pkg/logging"
)

// Classifier invokes the out-of-scope LLM with a single prompt and
// returns its raw text response (spec.md §1: "the LLM API" is an
// external collaborator specified only by the interface the core needs).
type Classifier interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// VAPEvent is the record shape published on the vap exchange for
// non-turn-label events (spec §6: `{event, text?}`).
type VAPEvent struct {
	Event string `json:"event"`
	Text  string `json:"text,omitempty"`
}

// EmoAct is the expression/action record published on emo_act (spec §6).
type EmoAct struct {
	Expression  string `json:"expression,omitempty"`
	Action      string `json:"action,omitempty"`
	Concept     string `json:"concept,omitempty"`
	CurrentText string `json:"current_text,omitempty"`
}

type segment struct {
	id   string
	text string
}

// TextVAP runs the accumulate/classify/auto-commit pipeline for one
// session.
type TextVAP struct {
	producer string
	client   broker.Client
	logger   logging.Logger
	llm      Classifier
	cfg      config.TextVAPConfig
	silence  time.Duration

	mu                sync.Mutex
	segs              []segment
	lastTimestamp     float64
	generation        uint64
	addsSinceClassify int
	verbalCount       int
	nonverbalCount    int
	lastExpr          string
	lastAction        string
}

var classificationLine = regexp.MustCompile(`(?m)^([abcd]):\s*(.*)$`)

// New builds a TextVAP. silence should match config.TimeOutConfig.MaxSilenceTime.
func New(producer string, cfg config.TextVAPConfig, silence time.Duration, llm Classifier, client broker.Client, logger logging.Logger) *TextVAP {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &TextVAP{producer: producer, client: client, logger: logger, llm: llm, cfg: cfg, silence: silence}
}

// HandleASR processes one IU from the asr exchange.
func (t *TextVAP) HandleASR(ctx context.Context, msg *iu.IU) {
	switch msg.UpdateType {
	case iu.Add:
		t.onAdd(ctx, msg)
	case iu.Revoke:
		t.onRevoke(msg)
	case iu.Commit:
		t.onExternalCommit(ctx)
	}
}

func (t *TextVAP) onAdd(ctx context.Context, msg *iu.IU) {
	text, _ := msg.Body.(string)

	t.mu.Lock()
	utteranceStart := len(t.segs) == 0
	if utteranceStart {
		t.verbalCount = 0
		t.nonverbalCount = 0
	}
	t.segs = append(t.segs, segment{id: msg.ID, text: text})
	t.lastTimestamp = msg.Timestamp
	t.generation++
	gen := t.generation
	t.addsSinceClassify++
	shouldClassify := t.addsSinceClassify >= t.cfg.IntervalIUs
	if shouldClassify {
		t.addsSinceClassify = 0
	}
	t.mu.Unlock()

	go t.armSilenceTimer(ctx, gen)
	if shouldClassify {
		go t.classify(ctx, gen)
	}
}

func (t *TextVAP) onRevoke(msg *iu.IU) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.segs {
		if s.id == msg.ID {
			t.segs = append(t.segs[:i], t.segs[i+1:]...)
			break
		}
	}
}

func (t *TextVAP) onExternalCommit(ctx context.Context) {
	t.mu.Lock()
	text := t.joinedText()
	hasText := len(t.segs) > 0
	t.segs = nil
	t.generation++
	t.mu.Unlock()

	if hasText {
		t.emitFinal(ctx, text)
	}
}

// armSilenceTimer waits out the silence window and, if nothing invalidated
// this generation in the meantime, auto-commits. Only one timer is ever
// live for a given generation; a newer ADD or an external COMMIT bumps the
// generation and this goroutine becomes a no-op when it wakes.
func (t *TextVAP) armSilenceTimer(ctx context.Context, gen uint64) {
	timer := time.NewTimer(t.silence)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	text := t.joinedText()
	hasText := len(t.segs) > 0
	t.segs = nil
	t.generation++
	t.mu.Unlock()

	if hasText {
		t.logger.Warn("textvap: silence deadline elapsed, auto-committing", "kind", ioerrors.Timeout.String())
		t.emitFinal(ctx, text)
	}
}

func (t *TextVAP) joinedText() string {
	parts := make([]string, len(t.segs))
	for i, s := range t.segs {
		parts[i] = s.text
	}
	spacer := t.cfg.Spacer
	if spacer == "" {
		spacer = " "
	}
	return strings.Join(parts, spacer)
}

// emitFinal publishes the ASR_COMMIT then SYSTEM_TAKE_TURN pair required
// whenever an utterance closes, whether by external COMMIT or by the
// silence timer — exactly once, since both callers hold generation
// ownership at the moment they call this.
func (t *TextVAP) emitFinal(ctx context.Context, text string) {
	t.publish(ctx, iu.ExchangeVAP, VAPEvent{Event: "ASR_COMMIT", Text: text})
	t.publish(ctx, iu.ExchangeVAP, VAPEvent{Event: string(vapTakeTurn)})
}

const vapTakeTurn = "SYSTEM_TAKE_TURN"

func (t *TextVAP) classify(ctx context.Context, gen uint64) {
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	text := t.joinedText()
	t.mu.Unlock()
	if text == "" {
		return
	}

	raw, err := t.llm.Complete(ctx, classificationPrompt(text))
	if err != nil {
		t.logger.Warn("textvap: classification failed", "error", err)
		return
	}
	result := parseClassification(raw)

	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}

	if result.Verbal != "" && t.verbalCount < t.cfg.MaxVerbalBackchannelNum {
		t.verbalCount++
		t.mu.Unlock()
		t.publish(ctx, iu.ExchangeBC, result.Verbal)
		t.mu.Lock()
	}

	if (result.Expression != t.lastExpr || result.Action != t.lastAction) && t.nonverbalCount < t.cfg.MaxNonverbalBackchannelNum {
		t.lastExpr = result.Expression
		t.lastAction = result.Action
		t.nonverbalCount++
		t.mu.Unlock()
		t.publish(ctx, iu.ExchangeEmoAct, EmoAct{Expression: result.Expression, Action: result.Action})
		t.mu.Lock()
	}
	t.mu.Unlock()

	if result.TurnYield >= t.cfg.MinTextVAPThreshold {
		t.publish(ctx, iu.ExchangeVAP, VAPEvent{Event: vapTakeTurn})
	}
}

func (t *TextVAP) publish(ctx context.Context, exchange iu.Exchange, body interface{}) {
	msg := iu.New(t.producer, exchange, iu.Add, body)
	if exchange == iu.ExchangeVAP || exchange == iu.ExchangeEmoAct {
		msg.DataType = iu.DataTypeEvent
	} else {
		msg.DataType = iu.DataTypeText
	}
	if err := t.client.Publish(ctx, exchange, msg); err != nil {
		t.logger.Warn("textvap: publish failed", "exchange", exchange, "error", err)
	}
}

// classificationResult is the parsed a:/b:/c:/d: response.
type classificationResult struct {
	Verbal     string
	Expression string
	Action     string
	TurnYield  float64
}

func classificationPrompt(text string) string {
	var b strings.Builder
	b.WriteString("Classify the following partial user utterance. Respond with exactly four lines:\n")
	b.WriteString("a: <verbal backchannel, or empty>\nb: <expression label, or empty>\nc: <action label, or empty>\nd: <turn-yield score 0-10>\n\n")
	b.WriteString("Utterance: ")
	b.WriteString(text)
	return b.String()
}

func parseClassification(raw string) classificationResult {
	var res classificationResult
	for _, m := range classificationLine.FindAllStringSubmatch(raw, -1) {
		key, val := m[1], strings.TrimSpace(m[2])
		switch key {
		case "a":
			res.Verbal = val
		case "b":
			res.Expression = val
		case "c":
			res.Action = val
		case "d":
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				res.TurnYield = f
			}
		}
	}
	return res
}
