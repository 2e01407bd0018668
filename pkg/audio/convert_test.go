package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/nox/pkg/audio"
)

// tone returns n frames of an interleaved sine at freq Hz.
func tone(freq float64, rate, channels, frames int, amp float64) []int16 {
	out := make([]int16, frames*channels)
	for i := range frames {
		v := int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		for ch := range channels {
			out[i*channels+ch] = v
		}
	}
	return out
}

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestQuantizeSample(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{1.0, 0x7FFF},
		{-1.0, -0x8000},
		{0, 0},
		{1.5, 0x7FFF},
		{-3, -0x8000},
		{0.5, 16383},
		{float32(math.NaN()), 0},
		{float32(math.Inf(1)), 0x7FFF},
		{float32(math.Inf(-1)), -0x8000},
	}
	for _, tc := range tests {
		if got := audio.QuantizeSample(tc.in); got != tc.want {
			t.Errorf("QuantizeSample(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestResample_Length(t *testing.T) {
	in := make([]float32, 48000)
	if got := len(audio.Resample(in, 48000, 16000)); got != 16000 {
		t.Errorf("len = %d, want 16000", got)
	}
	if got := len(audio.Resample(in[:100], 44100, 16000)); got != 36 {
		t.Errorf("len = %d, want 36", got)
	}
	same := audio.Resample(in, 16000, 16000)
	if len(same) != len(in) {
		t.Errorf("equal rates changed length to %d", len(same))
	}
}

func TestResample_Interpolates(t *testing.T) {
	got := audio.Resample([]float32{0, 1, 0, -1}, 2, 4)
	want := []float32{0, 0.5, 1, 0.5, 0, -0.5, -1, -1}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDownmix(t *testing.T) {
	buf := &audio.Buffer{SampleRate: 8000, Samples: [][]float32{{1, 0.5}, {0, -0.5}}}
	got := audio.Downmix(buf)
	if got[0] != 0.5 || got[1] != 0 {
		t.Errorf("Downmix = %v, want [0.5 0]", got)
	}
}

func TestConverter_StereoToneTo16kMono(t *testing.T) {
	wav, err := audio.EncodeWAV(tone(440, 48000, 2, 48000, 0.8), 48000, 2)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}

	c := audio.NewConverter(audio.ConvertConfig{})
	pcm, err := c.Convert(audio.Batch{Chunks: []audio.Chunk{{Data: wav, MIMEType: audio.MIMEWAV}}})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if got := len(pcm) / 2; got != 16000 {
		t.Errorf("samples = %d, want 16000", got)
	}

	var peak int16
	for i := 0; i+1 < len(pcm); i += 2 {
		if s := int16(binary.LittleEndian.Uint16(pcm[i:])); s > peak {
			peak = s
		}
	}
	if peak < 25000 || peak > 27000 {
		t.Errorf("peak = %d, want about %d", peak, int(0.8*32767))
	}
}

func TestConverter_ConcatenatedWAVChunks(t *testing.T) {
	first, _ := audio.EncodeWAV(tone(440, 16000, 1, 8000, 0.5), 16000, 1)
	second, _ := audio.EncodeWAV(tone(440, 16000, 1, 8000, 0.5), 16000, 1)

	c := audio.NewConverter(audio.ConvertConfig{})
	pcm, err := c.Convert(audio.Batch{Chunks: []audio.Chunk{
		{Data: first, MIMEType: audio.MIMEWAV},
		{Data: second, MIMEType: audio.MIMEWAV},
	}})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if got := len(pcm) / 2; got != 16000 {
		t.Errorf("samples = %d, want 16000", got)
	}
}

func TestConverter_RejectsTinyBatch(t *testing.T) {
	c := audio.NewConverter(audio.ConvertConfig{})
	_, err := c.Convert(audio.Batch{Chunks: []audio.Chunk{{Data: make([]byte, 512)}}})
	if !errors.Is(err, audio.ErrBatchTooSmall) {
		t.Errorf("err = %v, want ErrBatchTooSmall", err)
	}
}

func TestConverter_FallsBackToAlternateDecoder(t *testing.T) {
	// Declared as WAV but actually headerless PCM.
	raw := samplesToBytes(tone(440, 48000, 1, 4800, 0.5))

	c := audio.NewConverter(audio.ConvertConfig{})
	pcm, err := c.Convert(audio.Batch{Chunks: []audio.Chunk{{Data: raw, MIMEType: audio.MIMEWAV}}})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if got := len(pcm) / 2; got != 1600 {
		t.Errorf("samples = %d, want 1600", got)
	}
}

type failingDecoder struct{}

func (failingDecoder) Decode([]byte) (*audio.Buffer, error) {
	return nil, errors.New("nope")
}

func TestConverter_DecodeFailureAfterRetry(t *testing.T) {
	c := audio.NewConverter(audio.ConvertConfig{Fallback: failingDecoder{}})
	data := make([]byte, 2048)
	data[0] = 'x'
	_, err := c.Convert(audio.Batch{Chunks: []audio.Chunk{{Data: data, MIMEType: audio.MIMEWAV}}})
	if !errors.Is(err, audio.ErrDecode) {
		t.Errorf("err = %v, want ErrDecode", err)
	}
}

func TestConverter_Process_Gates(t *testing.T) {
	c := audio.NewConverter(audio.ConvertConfig{})

	tests := []struct {
		name  string
		data  []byte
		drops bool
	}{
		{"encoded below floor", make([]byte, 2000), true},
		{"pcm below floor", make([]byte, 6000), true}, // 48k→16k leaves 2000 bytes
		{"large enough", make([]byte, 48000), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Process(audio.Batch{Chunks: []audio.Chunk{{Data: tc.data, MIMEType: "audio/pcm; rate=48000"}}})
			if tc.drops && !errors.Is(err, audio.ErrBelowGate) {
				t.Errorf("err = %v, want ErrBelowGate", err)
			}
			if !tc.drops && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
		})
	}
}

func TestDecoderFor(t *testing.T) {
	tests := []struct {
		mime    string
		want    audio.Decoder
		wantErr bool
	}{
		{"audio/wav", audio.WAVDecoder{}, false},
		{"audio/mpeg", audio.MP3Decoder{}, false},
		{"audio/ogg; codecs=opus", audio.OggOpusDecoder{}, false},
		{"audio/L16; rate=8000; channels=2", audio.RawPCMDecoder{SampleRate: 8000, Channels: 2}, false},
		{"audio/webm", nil, true},
		{"", nil, true},
	}
	for _, tc := range tests {
		got, err := audio.DecoderFor(tc.mime)
		if tc.wantErr {
			if !errors.Is(err, audio.ErrUnsupportedFormat) {
				t.Errorf("DecoderFor(%q) err = %v, want ErrUnsupportedFormat", tc.mime, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("DecoderFor(%q) = (%#v, %v), want %#v", tc.mime, got, err, tc.want)
		}
	}
}

func TestSniff(t *testing.T) {
	wav, _ := audio.EncodeWAV([]int16{1, 2, 3}, 16000, 1)
	if _, ok := audio.Sniff(wav).(audio.WAVDecoder); !ok {
		t.Error("WAV not sniffed")
	}
	if _, ok := audio.Sniff([]byte("OggS\x00")).(audio.OggOpusDecoder); !ok {
		t.Error("Ogg not sniffed")
	}
	if _, ok := audio.Sniff([]byte("ID3\x04")).(audio.MP3Decoder); !ok {
		t.Error("ID3 not sniffed")
	}
	if d := audio.Sniff([]byte{0, 0, 0, 0}); d != nil {
		t.Errorf("Sniff(zeros) = %T, want nil", d)
	}
}
