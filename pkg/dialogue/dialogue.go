// Package dialogue implements the turn-taking state machine (spec.md
// §4.6): the direct generalization of the teacher's
// pkg/orchestrator/managed_stream.go and orchestrator.go. Where the
// teacher tracked one in-flight responseCancel/ttsCancel pair per
// ManagedStream, this package tracks a set of speculative
// ResponseAttempts keyed by the asr_timestamp of the user IU that
// triggered them, and an output_iu_buffer of published dialogue IUs so a
// barge-in can REVOKE exactly the IUs it owns. The attempt set has no size
// cap: every launched attempt stays in it until the next turn-yield drains
// it.
package dialogue

import (
	"container/list"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/remdisgo/dialogue/pkg/broker"
	"github.com/remdisgo/dialogue/pkg/config"
	"github.com/remdisgo/dialogue/pkg/ioerrors"
	"github.com/remdisgo/dialogue/pkg/iu"
	"github.com/remdisgo/dialogue/pkg/logging"
	"github.com/remdisgo/dialogue/pkg/metrics"
	"github.com/remdisgo/dialogue/pkg/orchestrator"
	"github.com/remdisgo/dialogue/pkg/respgen"
	"github.com/remdisgo/dialogue/pkg/textvap"
)

// State is the three-valued turn-taking state spec.md §4.6 defines.
type State string

const (
	Idle      State = "idle"
	Listening State = "listening"
	Talking   State = "talking"
)

const silenceUtterance = "(silence)"

// countWords mirrors the teacher's orchestrator.countWords (managed_stream.go).
func countWords(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	return len(strings.Fields(s))
}

type dmEventKind string

const (
	evASRAdd            dmEventKind = "ASR_ADD"
	evASRCommit         dmEventKind = "ASR_COMMIT"
	evSystemTakeTurn    dmEventKind = "SYSTEM_TAKE_TURN"
	evSystemBackchannel dmEventKind = "SYSTEM_BACKCHANNEL"
	evTTSCommit         dmEventKind = "TTS_COMMIT"
)

type dmEvent struct {
	kind      dmEventKind
	text      string
	timestamp float64
}

type asrSegment struct {
	id   string
	text string
}

// Manager runs the idle/listening/talking state machine for one session.
// It owns its own consumer goroutine so every incoming event (from vap,
// tts, and asr) is processed strictly in enqueue order, per spec.md §4.6's
// tie-break rule.
type Manager struct {
	producer     string
	client       broker.Client
	logger       logging.Logger
	metrics      *metrics.Recorder
	llm          orchestrator.LLMProvider
	cfg          config.DialogueConfig
	llmCfg       config.LLMConfig
	systemPrompt string

	events chan dmEvent
	ctx    context.Context
	cancel context.CancelFunc
	// eg tracks the consumer goroutine and every in-flight beginTurn
	// goroutine, so Close can't return while a turn is still mid-stream.
	eg errgroup.Group

	mu               sync.Mutex
	state            State
	storedText       string
	systemEndTime    float64
	history          *list.List // of orchestrator.Message
	segs             []asrSegment
	addsSinceAttempt int
	attempts         []*attempt
	outputBuffer     []*iu.IU
	turnCancel       context.CancelFunc
	turnGeneration   uint64
	backchannelIdx   int
	lastASRTimestamp float64
}

type attempt struct {
	asrTimestamp float64
	text         string
	cancel       context.CancelFunc
	result       chan attemptResult
}

type attemptResult struct {
	seq *respgen.Sequence
	err error
}

// New builds a Manager. systemPrompt is the fixed instruction prefix sent
// with every LLM completion, supplied by the caller (cmd/agent passes the
// LLM.prompt_resp_path file's content when one is configured, and a
// built-in prompt otherwise).
func New(producer string, cfg config.DialogueConfig, llmCfg config.LLMConfig, systemPrompt string, llm orchestrator.LLMProvider, client broker.Client, rec *metrics.Recorder, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Manager{
		producer:     producer,
		client:       client,
		logger:       logger,
		metrics:      rec,
		llm:          llm,
		cfg:          cfg,
		llmCfg:       llmCfg,
		systemPrompt: systemPrompt,
		events:       make(chan dmEvent, 256),
		state:        Idle,
		history:      list.New(),
	}
}

// Start launches the event-consumer goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.eg.Go(func() error {
		m.run()
		return nil
	})
}

// Close stops the consumer goroutine, cancels any in-flight turn, and
// waits for every tracked goroutine (the consumer plus any still-running
// beginTurn) to unwind before returning.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.eg.Wait()
}

// State returns the manager's current turn-taking state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HandleASR consumes one IU from the asr exchange: ADDs seed the
// speculative response set, REVOKEs retract a segment already folded
// into the accumulated text.
func (m *Manager) HandleASR(msg *iu.IU) {
	switch msg.UpdateType {
	case iu.Add:
		text, _ := msg.Body.(string)
		m.mu.Lock()
		m.segs = append(m.segs, asrSegment{id: msg.ID, text: text})
		m.lastASRTimestamp = msg.Timestamp
		joined := m.joinedSegsLocked()
		m.mu.Unlock()
		m.enqueue(dmEvent{kind: evASRAdd, text: joined, timestamp: msg.Timestamp})
	case iu.Revoke:
		m.mu.Lock()
		for i, s := range m.segs {
			if s.id == msg.ID {
				m.segs = append(m.segs[:i], m.segs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}
}

func (m *Manager) joinedSegsLocked() string {
	spacer := m.cfg.Spacer
	if spacer == "" {
		spacer = " "
	}
	out := ""
	for i, s := range m.segs {
		if i > 0 {
			out += spacer
		}
		out += s.text
	}
	return out
}

// HandleVAP consumes one IU from the vap exchange. Body may be a raw
// event-name string (audiovap's publish shape), a {event,text} record
// (textvap's VAPEvent shape passed through in-process), or the
// equivalent map[string]interface{} that shape decodes to after a
// round-trip through the networked broker's JSON wire format.
func (m *Manager) HandleVAP(msg *iu.IU) {
	event, text := parseVAPBody(msg.Body)
	switch event {
	case string(evASRCommit):
		m.enqueue(dmEvent{kind: evASRCommit, text: text, timestamp: msg.Timestamp})
	case string(evSystemTakeTurn):
		m.enqueue(dmEvent{kind: evSystemTakeTurn, timestamp: msg.Timestamp})
	case string(evSystemBackchannel):
		m.enqueue(dmEvent{kind: evSystemBackchannel, timestamp: msg.Timestamp})
	}
}

func parseVAPBody(body interface{}) (event, text string) {
	switch b := body.(type) {
	case string:
		return b, ""
	case textvap.VAPEvent:
		return b.Event, b.Text
	case map[string]interface{}:
		if v, ok := b["event"].(string); ok {
			event = v
		}
		if v, ok := b["text"].(string); ok {
			text = v
		}
		return event, text
	default:
		return "", ""
	}
}

// HandleTTS consumes one IU from the tts exchange: only COMMIT matters to
// the state machine (spec.md §4.6 row talking/TTS_COMMIT and
// listening/TTS_COMMIT).
func (m *Manager) HandleTTS(msg *iu.IU) {
	if msg.UpdateType == iu.Commit {
		m.enqueue(dmEvent{kind: evTTSCommit, timestamp: msg.Timestamp})
	}
}

func (m *Manager) enqueue(ev dmEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("dialogue: event queue full, dropping event", "kind", ev.kind)
	}
}

func (m *Manager) run() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			m.step(ev)
		}
	}
}

// step applies exactly the transition table in spec.md §4.6. Every branch
// that starts a turn launches its work in its own goroutine so the
// consumer loop keeps draining new events — a barge-in must be able to
// interrupt a turn still being generated.
func (m *Manager) step(ev dmEvent) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	// spec.md §5: reject a stale ASR_COMMIT whose timestamp predates the
	// end of the system's last utterance — leftover recognizer output
	// from audio captured while the system was still talking must not
	// re-trigger a turn.
	if ev.kind == evASRCommit {
		m.mu.Lock()
		stale := ev.timestamp <= m.systemEndTime
		m.mu.Unlock()
		if stale {
			return
		}
	}

	switch {
	case state == Idle && ev.kind == evASRCommit:
		m.mu.Lock()
		m.storedText = ev.text
		m.state = Listening
		m.mu.Unlock()

	case state == Idle && ev.kind == evSystemTakeTurn:
		m.mu.Lock()
		m.state = Talking
		m.mu.Unlock()
		m.beginTurn(silenceUtterance)

	case state == Idle && ev.kind == evSystemBackchannel:
		m.emitBackchannel()

	case state == Listening && ev.kind == evSystemTakeTurn:
		m.mu.Lock()
		text := m.storedText
		m.state = Talking
		m.mu.Unlock()
		if text == "" {
			text = silenceUtterance
		}
		m.beginTurn(text)

	case state == Listening && ev.kind == evTTSCommit:
		// Spurious per the table: a stray TTS_COMMIT while nothing was
		// published for this session still resets to idle.
		m.mu.Lock()
		m.state = Idle
		m.mu.Unlock()

	case state == Listening && ev.kind == evASRCommit:
		m.mu.Lock()
		m.storedText = ev.text
		m.mu.Unlock()

	case state == Talking && ev.kind == evTTSCommit:
		m.mu.Lock()
		m.outputBuffer = nil
		m.systemEndTime = ev.timestamp
		m.state = Idle
		m.mu.Unlock()

	case state == Talking && ev.kind == evASRCommit && countWords(ev.text) >= m.cfg.MinWordsToInterrupt:
		// A barge-in must clear a minimum word count, the same
		// short-utterance guard the teacher's runBatchPipeline/
		// startStreamingSTT apply via MinWordsToInterrupt — otherwise a
		// stray backchannel-length utterance would cut the bot off.
		m.stopResponse()
		m.mu.Lock()
		m.storedText = ev.text
		m.state = Listening
		m.mu.Unlock()

	// SYSTEM_BACKCHANNEL is ignored in listening and talking (spec.md
	// §4.6); ASR_ADD only feeds the speculative set below, never a
	// transition; any other (state, event) pair is a no-op.
	default:
	}

	if ev.kind == evASRAdd {
		m.maybeLaunchAttempt(ev.timestamp, ev.text)
	}
}

func (m *Manager) maybeLaunchAttempt(timestamp float64, text string) {
	interval := m.cfg.ResponseGenerationInterval
	if interval <= 0 {
		interval = 1
	}

	m.mu.Lock()
	m.addsSinceAttempt++
	shouldLaunch := m.addsSinceAttempt >= interval
	if shouldLaunch {
		m.addsSinceAttempt = 0
	}
	m.mu.Unlock()

	if shouldLaunch {
		m.launchAttempt(m.ctx, timestamp, text)
	}
}

func (m *Manager) launchAttempt(parent context.Context, timestamp float64, text string) *attempt {
	ctx, cancel := context.WithCancel(parent)
	a := &attempt{asrTimestamp: timestamp, text: text, cancel: cancel, result: make(chan attemptResult, 1)}

	m.mu.Lock()
	m.attempts = append(m.attempts, a)
	history := m.historyCopyLocked()
	m.mu.Unlock()

	go func() {
		seq, err := respgen.Generate(ctx, m.llm, m.systemPrompt, history, text, m.llmCfg.SplitPattern)
		a.result <- attemptResult{seq: seq, err: err}
	}()
	return a
}

// selectAttempt implements spec.md §4.6's speculative-selection rule: the
// buffered attempt with the largest asr_timestamp wins, every other
// buffered attempt is cancelled and discarded. An empty buffer launches a
// fresh attempt for the current text and waits up to
// llm_wait_timeout_seconds before falling back to the configured default
// phrase. turnCtx is this turn's cancellable context: a barge-in that
// cancels it aborts the wait (and, if this turn had to launch its own
// fallback attempt, the LLM call backing it) within one bounded step.
func (m *Manager) selectAttempt(turnCtx context.Context, fallbackTimestamp float64, fallbackText string) *respgen.Sequence {
	m.mu.Lock()
	pending := m.attempts
	m.attempts = nil
	m.mu.Unlock()

	if len(pending) == 0 {
		pending = []*attempt{m.launchAttempt(turnCtx, fallbackTimestamp, fallbackText)}
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].asrTimestamp > pending[j].asrTimestamp })
	winner := pending[0]
	for _, loser := range pending[1:] {
		loser.cancel()
	}

	timeout := time.Duration(m.cfg.LLMWaitTimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-winner.result:
		if res.err != nil {
			kind := ioerrors.Classify("dialogue.select_attempt", res.err)
			m.logger.Warn("dialogue: response generation failed", "kind", kind.Kind.String(), "error", res.err)
			return nil
		}
		return res.seq
	case <-timer.C:
		winner.cancel()
		m.logger.Warn("dialogue: response generation timed out", "kind", ioerrors.Timeout.String())
		return nil
	case <-turnCtx.Done():
		winner.cancel()
		return nil
	}
}

// beginTurn drains the speculative set (or launches a fresh attempt),
// then streams the winning sequence's fragments onto dialogue/dialogue2
// until it's exhausted or the turn is interrupted.
func (m *Manager) beginTurn(text string) {
	turnCtx, turnCancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.turnGeneration++
	gen := m.turnGeneration
	m.turnCancel = turnCancel
	lastTimestamp := m.lastASRTimestampLocked()
	m.mu.Unlock()

	start := time.Now()
	m.eg.Go(func() error {
		seq := m.selectAttempt(turnCtx, lastTimestamp, text)
		if turnCtx.Err() != nil {
			return nil
		}
		if seq == nil {
			m.publishDefaultPhrase(turnCtx)
			m.finishTurnGeneration(gen)
			return nil
		}
		defer seq.Close()

		spacer := m.cfg.Spacer
		if spacer == "" {
			spacer = " "
		}
		var response string
		for {
			select {
			case <-turnCtx.Done():
				return nil
			default:
			}
			frag, ok, err := seq.Next(turnCtx)
			if err != nil || !ok {
				break
			}
			if frag.End {
				if frag.Expression != "" || frag.Action != "" {
					m.publishReaction(turnCtx, frag.Expression, frag.Action, text)
				}
				continue
			}
			if response != "" {
				response += spacer
			}
			response += frag.Phrase
			m.publishPhrase(turnCtx, frag.Phrase)
		}
		m.commitDialogue(turnCtx)
		m.recordTurn(text, response)
		if m.metrics != nil {
			m.metrics.RecordLatency(turnCtx, metrics.StageLLM, time.Since(start).Milliseconds())
		}
		m.finishTurnGeneration(gen)
		return nil
	})
}

func (m *Manager) finishTurnGeneration(gen uint64) {
	m.mu.Lock()
	if m.turnGeneration == gen {
		m.turnCancel = nil
	}
	m.mu.Unlock()
}

func (m *Manager) lastASRTimestampLocked() float64 {
	return m.lastASRTimestamp
}

// stopResponse is the barge-in action: REVOKE every IU still in
// output_iu_buffer and cancel the in-flight turn goroutine, which the
// streaming loop above observes via turnCtx within one bounded step.
func (m *Manager) stopResponse() {
	m.mu.Lock()
	buffered := m.outputBuffer
	m.outputBuffer = nil
	cancel := m.turnCancel
	m.turnCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, add := range buffered {
		r := iu.RevokeOf(add)
		if err := m.client.Publish(m.ctx, r.Exchange, r); err != nil {
			m.logger.Warn("dialogue: revoke publish failed", "id", r.ID, "error", err)
		}
	}
}

func (m *Manager) publishPhrase(ctx context.Context, phrase string) {
	msg := iu.New(m.producer, iu.ExchangeDialogue, iu.Add, phrase)
	msg.DataType = iu.DataTypeText
	m.mu.Lock()
	m.outputBuffer = append(m.outputBuffer, msg)
	m.mu.Unlock()
	if err := m.client.Publish(ctx, iu.ExchangeDialogue, msg); err != nil {
		m.logger.Warn("dialogue: publish failed", "error", err)
	}
}

// expressionAndAction is the body shape published on dialogue2 (spec §6).
type expressionAndAction struct {
	Expression  string `json:"expression,omitempty"`
	Action      string `json:"action,omitempty"`
	CurrentText string `json:"current_text,omitempty"`
}

func (m *Manager) publishReaction(ctx context.Context, expression, action, currentText string) {
	msg := iu.New(m.producer, iu.ExchangeDialogue2, iu.Add, expressionAndAction{
		Expression:  expression,
		Action:      action,
		CurrentText: currentText,
	})
	msg.DataType = iu.DataTypeEvent
	if err := m.client.Publish(ctx, iu.ExchangeDialogue2, msg); err != nil {
		m.logger.Warn("dialogue: reaction publish failed", "error", err)
	}
}

func (m *Manager) commitDialogue(ctx context.Context) {
	commit := iu.CommitOf(m.producer, iu.ExchangeDialogue, nil)
	if err := m.client.Publish(ctx, iu.ExchangeDialogue, commit); err != nil {
		m.logger.Warn("dialogue: commit publish failed", "error", err)
	}
}

func (m *Manager) publishDefaultPhrase(ctx context.Context) {
	phrase := m.cfg.DefaultPhrase
	if phrase == "" {
		phrase = "Sorry, I didn't quite catch that. Could you repeat?"
	}
	m.publishPhrase(ctx, phrase)
	m.commitDialogue(ctx)
}

// emitBackchannel round-robins the configured backchannel phrase list
// (spec.md §4.6 idle/SYSTEM_BACKCHANNEL row). Unlike a full turn this
// does not enter talking: it's a short, non-interruptible aside.
func (m *Manager) emitBackchannel() {
	m.mu.Lock()
	phrases := m.cfg.Backchannels
	if len(phrases) == 0 {
		m.mu.Unlock()
		return
	}
	phrase := phrases[m.backchannelIdx%len(phrases)]
	m.backchannelIdx++
	m.mu.Unlock()

	msg := iu.New(m.producer, iu.ExchangeDialogue, iu.Add, phrase)
	msg.DataType = iu.DataTypeText
	if err := m.client.Publish(m.ctx, iu.ExchangeDialogue, msg); err != nil {
		m.logger.Warn("dialogue: backchannel publish failed", "error", err)
		return
	}
	m.commitDialogue(m.ctx)
}

func (m *Manager) recordTurn(userText, assistantText string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendHistoryLocked(orchestrator.Message{Role: "user", Content: userText})
	if assistantText != "" {
		m.appendHistoryLocked(orchestrator.Message{Role: "assistant", Content: assistantText})
	}
}

func (m *Manager) appendHistoryLocked(msg orchestrator.Message) {
	m.history.PushBack(msg)
	m.trimHistoryLocked()
}

// trimHistoryLocked keeps the most recent history_length turns per role,
// generalizing ConversationSession.AddMessage's single MaxMessages trim
// (pkg/orchestrator's predecessor) to per-role bookkeeping.
func (m *Manager) trimHistoryLocked() {
	limit := m.cfg.HistoryLength
	if limit <= 0 {
		return
	}
	counts := map[string]int{}
	var keep []*list.Element
	for e := m.history.Back(); e != nil; e = e.Prev() {
		msg := e.Value.(orchestrator.Message)
		if counts[msg.Role] >= limit {
			continue
		}
		counts[msg.Role]++
		keep = append(keep, e)
	}
	kept := make(map[*list.Element]bool, len(keep))
	for _, e := range keep {
		kept[e] = true
	}
	for e := m.history.Front(); e != nil; {
		next := e.Next()
		if !kept[e] {
			m.history.Remove(e)
		}
		e = next
	}
}

func (m *Manager) historyCopyLocked() []orchestrator.Message {
	out := make([]orchestrator.Message, 0, m.history.Len())
	for e := m.history.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(orchestrator.Message))
	}
	return out
}
