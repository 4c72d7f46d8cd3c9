package audiovap

import "math"

// echoGate detects when the user channel is picking up the system's own
// recently-played TTS audio, adapted from the teacher's EchoSuppressor
// (pkg/orchestrator/echo_suppression.go) into a float-sample gate that
// runs ahead of VAD scoring instead of a byte-buffer correlation check.
// It takes no part in the system-channel wall-clock alignment: that is
// VAP.alignmentLoop in vap.go, which writes the silent frames into the
// system ring buffer itself.
type echoGate struct {
	played    *RingBuffer
	threshold float64
}

func newEchoGate(capSamples int, threshold float64) *echoGate {
	return &echoGate{played: NewRingBuffer(capSamples), threshold: threshold}
}

// recordPlayed appends samples just sent to the speaker, for later
// correlation against the mic channel.
func (g *echoGate) recordPlayed(samples []float64) {
	g.played.Write(samples)
}

// isEcho reports whether input is likely the system's own output leaking
// into the microphone, via normalized cross-correlation against the tail
// of the played-audio buffer (same normalization the teacher uses).
func (g *echoGate) isEcho(input []float64) bool {
	if len(input) == 0 {
		return false
	}
	ref := g.played.Snapshot()
	if len(ref) == 0 {
		return false
	}

	n := len(input)
	if n > len(ref) {
		n = len(ref)
	}
	refTail := ref[len(ref)-n:]
	inputTail := input[len(input)-n:]

	inEnergy := energy(inputTail)
	refEnergy := energy(refTail)
	if inEnergy == 0 || refEnergy == 0 {
		return false
	}

	var dot float64
	for i := range inputTail {
		dot += inputTail[i] * refTail[i]
	}
	corr := dot / math.Sqrt(inEnergy*refEnergy)
	if corr < 0 {
		corr = 0
	}
	return corr > g.threshold
}

func energy(samples []float64) float64 {
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return sum
}
