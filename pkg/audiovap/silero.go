package audiovap

import (
	"fmt"

	"github.com/streamer45/silero-vad-go/speech"
)

// SileroModel is the optional neural-VAD binding for Model, using the ONNX
// Silero model via github.com/streamer45/silero-vad-go (present in
// iamprashant-voice-ai's go.mod). It runs the detector over the user
// channel to derive speech segments and folds that into the same p_now/
// p_future shape the RMS default produces, so the Audio VAP's event table
// logic never needs to know which Model backs it.
type SileroModel struct {
	detector   *speech.Detector
	sampleRate int
}

// NewSileroModel loads the ONNX model at modelPath and configures the
// detector for sampleRate audio (spec §6 ASR.sample_rate, default 16000).
func NewSileroModel(modelPath string, sampleRate int, threshold float32) (*SileroModel, error) {
	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            modelPath,
		SampleRate:           sampleRate,
		Threshold:            threshold,
		MinSilenceDurationMs: 100,
		SpeechPadMs:          30,
	})
	if err != nil {
		return nil, fmt.Errorf("audiovap: loading silero model %s: %w", modelPath, err)
	}
	return &SileroModel{detector: detector, sampleRate: sampleRate}, nil
}

func (m *SileroModel) Score(user, system []float64) Score {
	userF32 := toFloat32(user)
	segments, err := m.detector.Detect(userF32)
	if err != nil || len(segments) == 0 {
		return Score{PNow: 1, PFuture: 1, UserVAD: false, SystemVAD: rms(system) > 0.02}
	}

	last := segments[len(segments)-1]
	durationSec := float64(len(user)) / float64(m.sampleRate)
	speaking := last.SpeechEndAt == 0 || last.SpeechEndAt >= durationSec-0.05

	pNow := 1.0
	if speaking {
		pNow = 0.0
	}
	return Score{
		PNow:      clamp01(pNow),
		PFuture:   clamp01(pNow),
		UserVAD:   speaking,
		SystemVAD: rms(system) > 0.02,
	}
}

// Close releases the underlying ONNX runtime session.
func (m *SileroModel) Close() error {
	return m.detector.Destroy()
}

func toFloat32(samples []float64) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s)
	}
	return out
}
