package audio

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

// fullScaleRMS is the RMS value that maps to a level of 1.
const fullScaleRMS = 5000

// RMS returns the root-mean-square amplitude of s16le PCM. A trailing odd
// byte is ignored.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(samples))
}

// NormalizeRMS maps an RMS amplitude onto [0,1] on a log scale.
func NormalizeRMS(rms float64) float64 {
	if rms < 1 || math.IsNaN(rms) {
		return 0
	}
	level := math.Log10(rms) / math.Log10(fullScaleRMS)
	return math.Max(0, math.Min(1, level))
}

// Level is NormalizeRMS(RMS(pcm)).
func Level(pcm []byte) float64 {
	return NormalizeRMS(RMS(pcm))
}

// LevelMeter remembers the level of the most recently observed chunk.
type LevelMeter struct {
	bits atomic.Uint64
}

func NewLevelMeter() *LevelMeter {
	return &LevelMeter{}
}

// Observe records the level of chunk.
func (m *LevelMeter) Observe(chunk []byte) {
	m.bits.Store(math.Float64bits(Level(chunk)))
}

// Current returns the last recorded level, or 0 before any chunk.
func (m *LevelMeter) Current() float64 {
	return math.Float64frombits(m.bits.Load())
}
