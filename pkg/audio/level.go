package audio

import (
	"math"
	"math/cmplx"
)

// Level meter defaults follow the usual analyser node settings.
const (
	DefaultFFTSize   = 256
	defaultMinDB     = -100.0
	defaultMaxDB     = -30.0
	defaultSmoothing = 0.8
)

// LevelMeter computes a normalised loudness level from the magnitude
// spectrum of the most recent samples. Each call updates the smoothed
// spectrum, so one meter belongs to one stream and is not safe for
// concurrent use.
type LevelMeter struct {
	size     int
	window   []float64
	smoothed []float64
	scratch  []complex128
}

// NewLevelMeter returns a meter with the given FFT size, which is rounded
// up to a power of two. Sizes below 32 use [DefaultFFTSize].
func NewLevelMeter(fftSize int) *LevelMeter {
	if fftSize < 32 {
		fftSize = DefaultFFTSize
	}
	size := 1
	for size < fftSize {
		size <<= 1
	}
	m := &LevelMeter{
		size:     size,
		window:   make([]float64, size),
		smoothed: make([]float64, size/2),
		scratch:  make([]complex128, size),
	}
	// Blackman window.
	for i := range m.window {
		x := 2 * math.Pi * float64(i) / float64(size)
		m.window[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return m
}

// ByteFrequencyData returns one byte per frequency bin, mapping
// -100 dB..-30 dB onto 0..255. Only the trailing FFT-size samples are used;
// shorter input is zero padded at the front.
func (m *LevelMeter) ByteFrequencyData(samples []float32) []byte {
	if len(samples) > m.size {
		samples = samples[len(samples)-m.size:]
	}
	pad := m.size - len(samples)
	for i := range m.scratch {
		var v float64
		if i >= pad {
			v = float64(samples[i-pad])
		}
		m.scratch[i] = complex(v*m.window[i], 0)
	}
	fft(m.scratch)

	out := make([]byte, len(m.smoothed))
	for k := range m.smoothed {
		mag := cmplx.Abs(m.scratch[k]) / float64(m.size)
		m.smoothed[k] = defaultSmoothing*m.smoothed[k] + (1-defaultSmoothing)*mag
		db := defaultMinDB
		if m.smoothed[k] > 0 {
			db = 20 * math.Log10(m.smoothed[k])
		}
		scaled := 255 * (db - defaultMinDB) / (defaultMaxDB - defaultMinDB)
		out[k] = byte(math.Max(0, math.Min(255, scaled)))
	}
	return out
}

// Level returns the average byte frequency value divided by 128, clamped to
// [0, 1].
func (m *LevelMeter) Level(samples []float32) float64 {
	bins := m.ByteFrequencyData(samples)
	if len(bins) == 0 {
		return 0
	}
	var sum int
	for _, b := range bins {
		sum += int(b)
	}
	return min(float64(sum)/float64(len(bins))/128, 1)
}

// fft is an in-place iterative radix-2 Cooley-Tukey transform. len(a) must
// be a power of two.
func fft(a []complex128) {
	n := len(a)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			a[i], a[j] = a[j], a[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		w := cmplx.Exp(complex(0, -2*math.Pi/float64(length)))
		for i := 0; i < n; i += length {
			wn := complex(1, 0)
			for k := range length / 2 {
				u := a[i+k]
				v := a[i+k+length/2] * wn
				a[i+k] = u + v
				a[i+k+length/2] = u - v
				wn *= w
			}
		}
	}
}
