package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// Conversion defaults.
const (
	DefaultTargetRate      = 16000
	DefaultMinInputBytes   = 1024
	DefaultMinEncodedBytes = 4096
	DefaultMinSendBytes    = 4096
)

// ConvertConfig controls batch conversion and the transmission gates.
type ConvertConfig struct {
	// TargetRate is the output sample rate in Hz. Default: 16000.
	TargetRate int

	// MinInputBytes rejects batches smaller than this as invalid before any
	// decoding is attempted. Default: 1024.
	MinInputBytes int

	// MinEncodedBytes drops encoded batches smaller than this before
	// conversion. Default: 4096. Negative disables the gate.
	MinEncodedBytes int

	// MinSendBytes drops converted PCM shorter than this. Default: 4096.
	// Negative disables the gate.
	MinSendBytes int

	// Fallback decodes headerless input when sniffing finds nothing. When
	// nil, a 48 kHz mono [RawPCMDecoder] is used.
	Fallback Decoder
}

func (c ConvertConfig) withDefaults() ConvertConfig {
	if c.TargetRate <= 0 {
		c.TargetRate = DefaultTargetRate
	}
	if c.MinInputBytes <= 0 {
		c.MinInputBytes = DefaultMinInputBytes
	}
	if c.MinEncodedBytes == 0 {
		c.MinEncodedBytes = DefaultMinEncodedBytes
	}
	if c.MinSendBytes == 0 {
		c.MinSendBytes = DefaultMinSendBytes
	}
	if c.Fallback == nil {
		c.Fallback = RawPCMDecoder{SampleRate: 48000, Channels: 1}
	}
	return c
}

// Converter turns batches into 16-bit mono PCM at the target rate. It holds
// no per-batch state and is safe for concurrent use.
type Converter struct {
	cfg ConvertConfig
}

// NewConverter returns a Converter using cfg, filling zero fields with
// defaults.
func NewConverter(cfg ConvertConfig) *Converter {
	return &Converter{cfg: cfg.withDefaults()}
}

// Process applies the encoded-size gate, converts b, and applies the
// PCM-size gate. Dropped batches yield [ErrBelowGate].
func (c *Converter) Process(b Batch) ([]byte, error) {
	if c.cfg.MinEncodedBytes > 0 && b.Size() < c.cfg.MinEncodedBytes {
		return nil, fmt.Errorf("%w: encoded %d < %d bytes", ErrBelowGate, b.Size(), c.cfg.MinEncodedBytes)
	}
	pcm, err := c.Convert(b)
	if err != nil {
		return nil, err
	}
	if c.cfg.MinSendBytes > 0 && len(pcm) < c.cfg.MinSendBytes {
		return nil, fmt.Errorf("%w: pcm %d < %d bytes", ErrBelowGate, len(pcm), c.cfg.MinSendBytes)
	}
	return pcm, nil
}

// Convert decodes b and returns little-endian int16 mono PCM at the target
// rate. A failed primary decode is retried once with an alternate decoder.
func (c *Converter) Convert(b Batch) ([]byte, error) {
	data := b.Bytes()
	if len(data) < c.cfg.MinInputBytes {
		return nil, fmt.Errorf("%w: %d < %d bytes", ErrBatchTooSmall, len(data), c.cfg.MinInputBytes)
	}

	buf, err := c.decode(data, b.MIMEType())
	if err != nil {
		return nil, err
	}

	mono := Downmix(buf)
	return Quantize(Resample(mono, buf.SampleRate, c.cfg.TargetRate)), nil
}

func (c *Converter) decode(data []byte, mimeType string) (*Buffer, error) {
	primary, err := DecoderFor(mimeType)
	if err != nil {
		primary = Sniff(data)
	}
	if primary == nil {
		primary = c.cfg.Fallback
	}

	buf, primaryErr := decodeNonEmpty(primary, data)
	if primaryErr == nil {
		return buf, nil
	}

	alt := Sniff(data)
	if alt == nil || sameDecoder(alt, primary) {
		alt = c.cfg.Fallback
	}
	if sameDecoder(alt, primary) {
		return nil, fmt.Errorf("%w: %w", ErrDecode, primaryErr)
	}

	slog.Warn("audio: primary decode failed, retrying with alternate",
		"primary", decoderName(primary),
		"alternate", decoderName(alt),
		"err", primaryErr,
	)
	buf, altErr := decodeNonEmpty(alt, data)
	if altErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, errors.Join(primaryErr, altErr))
	}
	return buf, nil
}

func decodeNonEmpty(d Decoder, data []byte) (*Buffer, error) {
	buf, err := d.Decode(data)
	if err != nil {
		return nil, err
	}
	if buf.Frames() == 0 || buf.SampleRate <= 0 {
		return nil, ErrEmptyAudio
	}
	return buf, nil
}

// Downmix averages all channels of buf into a single channel. Mono input is
// returned without copying.
func Downmix(buf *Buffer) []float32 {
	switch buf.Channels() {
	case 0:
		return nil
	case 1:
		return buf.Samples[0]
	}
	n := buf.Frames()
	out := make([]float32, n)
	scale := 1 / float32(buf.Channels())
	for _, ch := range buf.Samples {
		for i := 0; i < n && i < len(ch); i++ {
			out[i] += ch[i] * scale
		}
	}
	return out
}

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation. The output holds floor(len(in) * dstRate / srcRate) samples.
// Equal rates return the input unchanged.
func Resample(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(in) - 1
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}

// QuantizeSample maps a float sample to int16 with clamping. Negative values
// scale by 0x8000 and non-negative by 0x7FFF, so 1.0 maps to 32767 and -1.0
// maps to -32768. NaN maps to 0.
func QuantizeSample(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// Quantize converts float samples to little-endian 16-bit PCM.
func Quantize(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(QuantizeSample(s)))
	}
	return out
}

// PCMToFloat converts little-endian int16 PCM to float samples in [-1, 1).
func PCMToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 0x8000
	}
	return out
}
