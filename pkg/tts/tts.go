// Package tts turns the Dialogue Manager's per-phrase text stream on the
// dialogue exchange into the paced PCM chunk stream on tts (spec.md §4.8):
// synthesize each phrase, resample from the engine's native rate to the
// playback rate, scale, quantize to 16-bit PCM, slice into frame_length
// chunks, and publish one ADD per chunk at send_interval, COMMITting once
// the last chunk of the last phrase of a turn has gone out. This is the
// same synthesize-then-stream-chunks shape as the teacher's
// runLLMAndTTS/SynthesizeStream (pkg/orchestrator/managed_stream.go), with
// the chunk-by-chunk emission now driven by our own framing instead of
// however the TTS engine happened to have packetized its stream.
package tts

import (
	"context"
	"sync"
	"time"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/remdisgo/dialogue/pkg/audio"
	"github.com/remdisgo/dialogue/pkg/audiovap"
	"github.com/remdisgo/dialogue/pkg/broker"
	"github.com/remdisgo/dialogue/pkg/config"
	"github.com/remdisgo/dialogue/pkg/iu"
	"github.com/remdisgo/dialogue/pkg/logging"
	"github.com/remdisgo/dialogue/pkg/metrics"
	"github.com/remdisgo/dialogue/pkg/orchestrator"
)

type jobKind int

const (
	jobPhrase jobKind = iota
	jobCommit
)

// job is one unit of work handed from HandleDialogue to run(), carrying
// the generation it was enqueued under so a REVOKE-triggered flush can
// invalidate anything still queued or in flight.
type job struct {
	kind jobKind
	text string
	gen  uint64
}

// Pipeline is the single-consumer TTS synthesis-and-framing worker for
// one conversation's dialogue→tts stream.
type Pipeline struct {
	producer string
	client   broker.Client
	provider orchestrator.TTSProvider
	voice    orchestrator.Voice
	lang     orchestrator.Language
	logger   logging.Logger
	metrics  *metrics.Recorder
	cfg      config.TTSConfig

	frameSamples int
	sendInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	jobs chan job

	mu         sync.Mutex
	generation uint64
}

// New builds a Pipeline. voice/lang are the fixed synthesis identity for
// this conversation; the Dialogue Manager doesn't carry per-turn voice
// selection (spec.md has no such operation), so it is fixed for the
// pipeline's lifetime.
func New(producer string, cfg config.TTSConfig, provider orchestrator.TTSProvider, voice orchestrator.Voice, lang orchestrator.Language, client broker.Client, rec *metrics.Recorder, logger logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NoOp{}
	}
	frameSamples := int(cfg.FrameLength * float64(cfg.DstSampleRate))
	if frameSamples <= 0 {
		frameSamples = 1
	}
	return &Pipeline{
		producer:     producer,
		client:       client,
		provider:     provider,
		voice:        voice,
		lang:         lang,
		logger:       logger,
		metrics:      rec,
		cfg:          cfg,
		frameSamples: frameSamples,
		sendInterval: time.Duration(cfg.SendIntervalMS) * time.Millisecond,
		jobs:         make(chan job, 64),
	}
}

func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run()
}

func (p *Pipeline) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pipeline) currentGeneration() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// HandleDialogue consumes the dialogue exchange: ADD enqueues a phrase to
// synthesize, COMMIT marks the end of a turn (a tts COMMIT follows once
// every queued phrase before it has finished), REVOKE is the barge-in
// flush — drop everything queued or mid-flight and COMMIT immediately.
func (p *Pipeline) HandleDialogue(msg *iu.IU) {
	switch msg.UpdateType {
	case iu.Add:
		text, _ := msg.Body.(string)
		p.enqueue(job{kind: jobPhrase, text: text, gen: p.currentGeneration()})
	case iu.Commit:
		p.enqueue(job{kind: jobCommit, gen: p.currentGeneration()})
	case iu.Revoke:
		p.flush()
	}
}

func (p *Pipeline) enqueue(j job) {
	select {
	case p.jobs <- j:
	default:
		p.logger.Warn("tts: job queue full, dropping", "producer", p.producer, "kind", j.kind)
	}
}

// flush is the REVOKE path: bump the generation so anything already
// queued or being synthesized is abandoned mid-step, drain what's left in
// the queue, and emit the tts COMMIT immediately rather than waiting for
// run() to get there.
func (p *Pipeline) flush() {
	p.mu.Lock()
	p.generation++
	p.mu.Unlock()

drain:
	for {
		select {
		case <-p.jobs:
		default:
			break drain
		}
	}
	p.publishCommit()
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.jobs:
			if j.gen != p.currentGeneration() {
				continue
			}
			switch j.kind {
			case jobPhrase:
				p.synthesizePhrase(j.text, j.gen)
			case jobCommit:
				if j.gen == p.currentGeneration() {
					p.publishCommit()
				}
			}
		}
	}
}

func (p *Pipeline) publishCommit() {
	p.client.Publish(p.ctx, iu.ExchangeTTS, iu.CommitOf(p.producer, iu.ExchangeTTS, nil))
}

// synthesizePhrase synthesizes one phrase and streams it out as framed,
// paced PCM chunks. An empty phrase still produces exactly one silent
// chunk, so a downstream player always sees at least one frame per ADD.
func (p *Pipeline) synthesizePhrase(text string, gen uint64) {
	start := time.Now()
	pcm, err := p.provider.Synthesize(p.ctx, text, p.voice, p.lang)
	if err != nil {
		if p.ctx.Err() == nil {
			p.logger.Warn("tts: synthesis failed", "error", err)
		}
		return
	}
	if p.metrics != nil {
		p.metrics.RecordLatency(p.ctx, metrics.StageTTSTotal, time.Since(start).Milliseconds())
	}

	samples := audiovap.DecodePCM16LE(pcm)
	samples, err = p.resample(samples)
	if err != nil {
		p.logger.Warn("tts: resample failed", "error", err)
		return
	}
	p.scale(samples)

	chunks := audio.ChunkFloat64(samples, p.frameSamples)
	if len(chunks) == 0 {
		chunks = [][]float64{make([]float64, p.frameSamples)}
	}

	for _, chunk := range chunks {
		if gen != p.currentGeneration() {
			return
		}
		out := iu.New(p.producer, iu.ExchangeTTS, iu.Add, audio.EncodePCM16LE(audio.QuantizeS16(chunk)))
		out.DataType = iu.DataTypeAudio
		if err := p.client.Publish(p.ctx, iu.ExchangeTTS, out); err != nil {
			return
		}
		select {
		case <-time.After(p.sendInterval):
		case <-p.ctx.Done():
			return
		}
	}
}

// resample converts org_sample_rate PCM to dst_sample_rate using the
// pure-Go resampler (no cgo/FFI, unlike the SoXR binding it's grounded
// alongside). A fresh Resampler per phrase keeps phrases independent;
// phrases here are short enough that losing cross-phrase filter state
// costs nothing audible.
func (p *Pipeline) resample(samples []float64) ([]float64, error) {
	if p.cfg.OrgSampleRate == p.cfg.DstSampleRate || len(samples) == 0 {
		return samples, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(p.cfg.OrgSampleRate),
		OutputRate: float64(p.cfg.DstSampleRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, err
	}
	return r.Process(samples)
}

func (p *Pipeline) scale(samples []float64) {
	factor := p.cfg.ScaleFactor
	if factor == 1.0 || factor == 0 {
		return
	}
	for i, s := range samples {
		v := s * factor
		if v > 1.0 {
			v = 1.0
		}
		if v < -1.0 {
			v = -1.0
		}
		samples[i] = v
	}
}
