package audio

import "encoding/binary"

// QuantizeS16 converts normalized float64 samples in [-1, 1] to 16-bit
// signed PCM, clamping anything that overshot after resampling/scaling.
func QuantizeS16(samples []float64) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32767.0
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// EncodePCM16LE packs 16-bit samples into little-endian PCM bytes, the
// inverse of pkg/audiovap's DecodePCM16LE.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// ChunkFloat64 splits samples into consecutive frames of at most
// frameSize samples each; the final frame may be shorter. Returns nil for
// an empty or non-positive frameSize input.
func ChunkFloat64(samples []float64, frameSize int) [][]float64 {
	if frameSize <= 0 || len(samples) == 0 {
		return nil
	}
	var out [][]float64
	for start := 0; start < len(samples); start += frameSize {
		end := start + frameSize
		if end > len(samples) {
			end = len(samples)
		}
		out = append(out, samples[start:end])
	}
	return out
}
