// Package audiovap consumes both speakers' audio channels and predicts
// turn-taking events, per spec.md §4.4: two ring buffers (user, system),
// an injected scoring Model, a wall-clock alignment task for the system
// channel, and an event-table state machine publishing turn labels on vap
// and continuous scores on score.
package audiovap

import (
	"context"
	"sync"
	"time"

	"github.com/remdisgo/dialogue/pkg/broker"
	"github.com/remdisgo/dialogue/pkg/config"
	"github.com/remdisgo/dialogue/pkg/iu"
	"github.com/remdisgo/dialogue/pkg/logging"
)

// Event is one of the three turn labels the event table can emit.
type Event string

const (
	EventSystemTakeTurn    Event = "SYSTEM_TAKE_TURN"
	EventSystemBackchannel Event = "SYSTEM_BACKCHANNEL"
	EventUserTakeTurn      Event = "USER_TAKE_TURN"
)

// ScoreBody is the record published on the score exchange every tick.
type ScoreBody struct {
	PNow    float64 `json:"p_now"`
	PFuture float64 `json:"p_future"`
}

// VAP runs the audio turn-prediction pipeline for one session.
type VAP struct {
	producer string
	client   broker.Client
	logger   logging.Logger
	model    Model
	echo     *echoGate

	userBuf *RingBuffer
	sysBuf  *RingBuffer

	frameSamples int
	framePeriod  time.Duration
	bufferPeriod time.Duration
	threshold    float64

	mu                  sync.Mutex
	prevEvent           Event
	sysTouchedSinceTick bool

	cancel context.CancelFunc
}

// New builds a VAP from the hierarchical config document. model is the
// out-of-scope injected scorer (NewRMSModel for the dependency-free
// default, or a *SileroModel binding).
func New(producer string, doc config.Document, model Model, client broker.Client, logger logging.Logger) *VAP {
	if logger == nil {
		logger = logging.NoOp{}
	}
	userCap := int(doc.VAP.BufferLength * float64(doc.ASR.SampleRate))
	sysCap := int(doc.VAP.BufferLength * float64(doc.TTS.DstSampleRate))
	frameSamples := int(doc.TTS.FrameLength * float64(doc.TTS.DstSampleRate))

	return &VAP{
		producer:     producer,
		client:       client,
		logger:       logger,
		model:        model,
		echo:         newEchoGate(doc.TTS.DstSampleRate*2, 0.55),
		userBuf:      NewRingBuffer(userCap),
		sysBuf:       NewRingBuffer(sysCap),
		frameSamples: frameSamples,
		framePeriod:  time.Duration(doc.TTS.FrameLength * float64(time.Second)),
		bufferPeriod: time.Duration(doc.VAP.BufferLength * float64(time.Second)),
		threshold:    doc.VAP.Threshold,
	}
}

// Start launches the alignment and scoring background tasks.
func (v *VAP) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	go v.alignmentLoop(runCtx)
	go v.scoringLoop(runCtx)
}

func (v *VAP) Close() {
	if v.cancel != nil {
		v.cancel()
	}
}

// WriteUserAudio decodes a mic chunk and writes it to the user ring
// buffer, dropping samples the echo gate identifies as system bleed.
func (v *VAP) WriteUserAudio(chunk []byte) {
	samples := DecodePCM16LE(chunk)
	if v.echo.isEcho(samples) {
		return
	}
	v.userBuf.Write(samples)
}

// WriteSystemAudio decodes a tts chunk, records it for echo detection,
// and writes it to the system ring buffer.
func (v *VAP) WriteSystemAudio(chunk []byte) {
	samples := DecodePCM16LE(chunk)
	v.echo.recordPlayed(samples)

	v.mu.Lock()
	v.sysTouchedSinceTick = true
	v.mu.Unlock()

	v.sysBuf.Write(samples)
}

// alignmentLoop inserts silence into the system buffer once per TTS frame
// period whenever no system chunk arrived, keeping the system channel
// registered to wall-clock the way spec §4.4 requires.
func (v *VAP) alignmentLoop(ctx context.Context) {
	if v.framePeriod <= 0 {
		return
	}
	ticker := time.NewTicker(v.framePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.mu.Lock()
			touched := v.sysTouchedSinceTick
			v.sysTouchedSinceTick = false
			v.mu.Unlock()
			if !touched {
				v.sysBuf.Write(make([]float64, v.frameSamples))
			}
		}
	}
}

func (v *VAP) scoringLoop(ctx context.Context) {
	if v.bufferPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(v.bufferPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.tick(ctx)
		}
	}
}

func (v *VAP) tick(ctx context.Context) {
	user := v.userBuf.Snapshot()
	system := v.sysBuf.Snapshot()
	score := v.model.Score(user, system)

	v.publish(ctx, iu.ExchangeScore, iu.DataTypeEvent, ScoreBody{PNow: score.PNow, PFuture: score.PFuture})

	s := v.threshold
	u := 1 - s

	v.mu.Lock()
	prev := v.prevEvent
	var emit Event
	switch {
	case score.PNow >= s && score.PFuture >= s && prev != EventSystemBackchannel:
		emit = EventSystemTakeTurn
	case score.PNow >= s && score.PFuture < u && prev == EventUserTakeTurn:
		emit = EventSystemBackchannel
	case score.PNow < u && score.PFuture < u:
		emit = EventUserTakeTurn
	}
	changed := emit != "" && emit != prev
	if changed {
		v.prevEvent = emit
	}
	v.mu.Unlock()

	if changed {
		v.publish(ctx, iu.ExchangeVAP, iu.DataTypeText, string(emit))
	}
}

func (v *VAP) publish(ctx context.Context, exchange iu.Exchange, dataType iu.DataType, body interface{}) {
	msg := iu.New(v.producer, exchange, iu.Add, body)
	msg.DataType = dataType
	if err := v.client.Publish(ctx, exchange, msg); err != nil {
		v.logger.Warn("audiovap: publish failed", "exchange", exchange, "error", err)
	}
}
