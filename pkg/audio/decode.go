package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// Decoder turns one encoded blob into float samples.
type Decoder interface {
	Decode(data []byte) (*Buffer, error)
}

// DecoderFor returns the decoder registered for mimeType. Parameters such as
// "codecs" are ignored except for raw PCM, where "rate" and "channels" set
// the stream layout.
func DecoderFor(mimeType string) (Decoder, error) {
	if mimeType == "" {
		return nil, ErrUnsupportedFormat
	}
	base, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrUnsupportedFormat, mimeType, err)
	}
	switch base {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return WAVDecoder{}, nil
	case "audio/mpeg", "audio/mp3":
		return MP3Decoder{}, nil
	case "audio/ogg", "audio/opus":
		return OggOpusDecoder{}, nil
	case "audio/pcm", "audio/l16":
		d := RawPCMDecoder{SampleRate: DefaultTargetRate, Channels: 1}
		if v, err := strconv.Atoi(params["rate"]); err == nil && v > 0 {
			d.SampleRate = v
		}
		if v, err := strconv.Atoi(params["channels"]); err == nil && v > 0 {
			d.Channels = v
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, mimeType)
	}
}

// Sniff guesses a decoder from magic bytes. It returns nil when nothing
// matches.
func Sniff(data []byte) Decoder {
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return WAVDecoder{}
	case len(data) >= 4 && string(data[:4]) == "OggS":
		return OggOpusDecoder{}
	case len(data) >= 3 && string(data[:3]) == "ID3":
		return MP3Decoder{}
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return MP3Decoder{}
	}
	return nil
}

func decoderName(d Decoder) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", d), "audio.")
}

func sameDecoder(a, b Decoder) bool {
	return fmt.Sprintf("%#v", a) == fmt.Sprintf("%#v", b)
}

// ── WAV ──────────────────────────────────────────────────────────────────────

// WAVDecoder decodes RIFF/WAVE PCM. Several WAV files concatenated back to
// back are decoded in order and joined, provided they share a layout.
type WAVDecoder struct{}

// Decode implements [Decoder].
func (WAVDecoder) Decode(data []byte) (*Buffer, error) {
	var out *Buffer
	for len(data) > 0 {
		seg, rest := splitRIFF(data)
		buf, err := decodeWAVSegment(seg)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = buf
		} else {
			if buf.SampleRate != out.SampleRate || buf.Channels() != out.Channels() {
				return nil, fmt.Errorf("audio: wav: layout changed mid-batch (%d Hz/%d ch to %d Hz/%d ch)",
					out.SampleRate, out.Channels(), buf.SampleRate, buf.Channels())
			}
			for ch := range out.Samples {
				out.Samples[ch] = append(out.Samples[ch], buf.Samples[ch]...)
			}
		}
		data = rest
	}
	if out == nil {
		return nil, ErrEmptyAudio
	}
	return out, nil
}

// splitRIFF returns the first RIFF container in data and the remainder.
// Containers with an unusable size field swallow the rest of data.
func splitRIFF(data []byte) (seg, rest []byte) {
	if len(data) < 12 || string(data[:4]) != "RIFF" {
		return data, nil
	}
	size := int64(binary.LittleEndian.Uint32(data[4:8]))
	end := 8 + size
	if size == 0 || end > int64(len(data)) {
		return data, nil
	}
	return data[:end], data[end:]
}

func decodeWAVSegment(seg []byte) (*Buffer, error) {
	d := wav.NewDecoder(bytes.NewReader(seg))
	if !d.IsValidFile() {
		return nil, errors.New("audio: wav: invalid file")
	}
	ib, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: wav: %w", err)
	}
	if ib.Format == nil || ib.Format.NumChannels <= 0 {
		return nil, errors.New("audio: wav: missing format")
	}
	return intBufferToFloat(ib, int(d.BitDepth)), nil
}

func intBufferToFloat(ib *goaudio.IntBuffer, bitDepth int) *Buffer {
	channels := ib.Format.NumChannels
	frames := len(ib.Data) / channels
	out := &Buffer{SampleRate: ib.Format.SampleRate, Samples: make([][]float32, channels)}
	for ch := range out.Samples {
		out.Samples[ch] = make([]float32, frames)
	}

	var offset, scale float32
	if bitDepth == 8 {
		offset, scale = 128, 1.0/128
	} else {
		if bitDepth <= 0 {
			bitDepth = 16
		}
		scale = 1 / float32(int64(1)<<(bitDepth-1))
	}
	for i := range frames {
		for ch := range channels {
			out.Samples[ch][i] = (float32(ib.Data[i*channels+ch]) - offset) * scale
		}
	}
	return out
}

// EncodeWAV wraps interleaved int16 samples in a 16-bit PCM WAV container.
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	ws := &memWriteSeeker{}
	enc := wav.NewEncoder(ws, sampleRate, 16, channels, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("audio: wav encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: wav encode: %w", err)
	}
	return ws.buf, nil
}

// memWriteSeeker is an in-memory io.WriteSeeker for the WAV encoder, which
// seeks back to patch chunk sizes on Close.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	if need := m.pos + len(p); need > len(m.buf) {
		m.buf = append(m.buf, make([]byte, need-len(m.buf))...)
	}
	copy(m.buf[m.pos:], p)
	m.pos += len(p)
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(m.pos) + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("audio: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("audio: negative position")
	}
	m.pos = int(abs)
	return abs, nil
}

// ── MPEG ─────────────────────────────────────────────────────────────────────

// MP3Decoder decodes MPEG-1/2 Layer III audio. go-mp3 always yields 16-bit
// stereo, so the buffer has two channels.
type MP3Decoder struct{}

// Decode implements [Decoder].
func (MP3Decoder) Decode(data []byte) (*Buffer, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("audio: mp3: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil && len(pcm) == 0 {
		return nil, fmt.Errorf("audio: mp3: %w", err)
	}
	return interleavedPCMToBuffer(pcm, dec.SampleRate(), 2), nil
}

// ── Raw PCM ──────────────────────────────────────────────────────────────────

// RawPCMDecoder interprets data as headerless little-endian int16 PCM with a
// fixed layout.
type RawPCMDecoder struct {
	SampleRate int
	Channels   int
}

// Decode implements [Decoder].
func (d RawPCMDecoder) Decode(data []byte) (*Buffer, error) {
	if d.SampleRate <= 0 || d.Channels <= 0 {
		return nil, errors.New("audio: pcm: layout not set")
	}
	if len(data)%(2*d.Channels) != 0 {
		data = data[:len(data)-len(data)%(2*d.Channels)]
	}
	return interleavedPCMToBuffer(data, d.SampleRate, d.Channels), nil
}

func interleavedPCMToBuffer(pcm []byte, sampleRate, channels int) *Buffer {
	frames := len(pcm) / (2 * channels)
	out := &Buffer{SampleRate: sampleRate, Samples: make([][]float32, channels)}
	for ch := range out.Samples {
		out.Samples[ch] = make([]float32, frames)
	}
	for i := range frames {
		for ch := range channels {
			off := (i*channels + ch) * 2
			out.Samples[ch][i] = float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 0x8000
		}
	}
	return out
}
