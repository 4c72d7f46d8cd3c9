package audiovap

import "math"

// Score is the VAP model's output for one scoring window: the probability
// the user has yielded the turn right now, the probability they will have
// yielded shortly, and whether each channel currently holds speech.
type Score struct {
	PNow       float64
	PFuture    float64
	UserVAD    bool
	SystemVAD  bool
}

// Model is the injected turn-prediction model (out of scope per spec.md
// §1 — "the audio VAP neural model" is an external collaborator). Two
// implementations are provided: rmsModel (dependency-free default) and
// SileroModel (optional neural binding).
type Model interface {
	Score(user, system []float64) Score
}

// rmsModel is a dependency-free default descended from the teacher's
// RMSVAD (pkg/orchestrator/vad.go): it scores turn-yield probability from
// relative RMS energy instead of a trained network, good enough to drive
// the event state machine without requiring a model file.
type rmsModel struct{}

// NewRMSModel returns the default energy-based Model.
func NewRMSModel() Model {
	return rmsModel{}
}

func (rmsModel) Score(user, system []float64) Score {
	userEnergy := rms(user)
	systemEnergy := rms(system)

	userSpeaking := userEnergy > 0.02
	systemSpeaking := systemEnergy > 0.02

	// p_now: high when the user has gone quiet and the system isn't
	// talking over them (turn is free to take). p_future mirrors p_now
	// but looks at only the most recent third of the window, giving a
	// short-horizon read the way the teacher's silenceStart hysteresis
	// does for speech-end detection.
	pNow := clamp01(1 - userEnergy*5)
	if systemSpeaking {
		pNow *= 0.5
	}

	tail := tailWindow(user, 3)
	pFuture := clamp01(1 - rms(tail)*5)

	return Score{
		PNow:      pNow,
		PFuture:   pFuture,
		UserVAD:   userSpeaking,
		SystemVAD: systemSpeaking,
	}
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func tailWindow(samples []float64, divisor int) []float64 {
	if len(samples) == 0 || divisor <= 0 {
		return samples
	}
	start := len(samples) - len(samples)/divisor
	if start < 0 {
		start = 0
	}
	return samples[start:]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
