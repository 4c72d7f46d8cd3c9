package audiovap

import "encoding/binary"

// RingBuffer is a fixed-size float64 sample buffer that shifts older
// samples out (oldest-drop) as new ones arrive, generalized from the
// byte-oriented bytesToSamples/calculateEnergy helpers in the teacher's
// echo_suppression.go into a reusable per-speaker buffer.
type RingBuffer struct {
	samples []float64
	cap     int
}

// NewRingBuffer creates a buffer holding at most capSamples samples.
func NewRingBuffer(capSamples int) *RingBuffer {
	if capSamples <= 0 {
		capSamples = 1
	}
	return &RingBuffer{samples: make([]float64, 0, capSamples), cap: capSamples}
}

// Write appends samples, dropping the oldest ones if the buffer would
// exceed its capacity.
func (r *RingBuffer) Write(samples []float64) {
	r.samples = append(r.samples, samples...)
	if len(r.samples) > r.cap {
		r.samples = r.samples[len(r.samples)-r.cap:]
	}
}

// Snapshot returns a copy of the current contents, oldest sample first.
func (r *RingBuffer) Snapshot() []float64 {
	out := make([]float64, len(r.samples))
	copy(out, r.samples)
	return out
}

// Len reports the number of samples currently held.
func (r *RingBuffer) Len() int {
	return len(r.samples)
}

// DecodePCM16LE converts little-endian 16-bit linear PCM bytes (the wire
// format on ain/tts, spec §6) into float64 samples in [-1, 1].
func DecodePCM16LE(chunk []byte) []float64 {
	n := len(chunk) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(chunk[i*2 : i*2+2]))
		out[i] = float64(v) / 32768.0
	}
	return out
}
