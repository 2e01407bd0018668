package audio_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/nox/pkg/audio"
)

func TestWAVDecoder_RoundTrip(t *testing.T) {
	t.Parallel()

	data, err := audio.EncodeWAV([]int16{0, 16384, -16384, 32767}, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	buf, err := audio.WAVDecoder{}.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.SampleRate != 16000 || buf.Channels() != 1 {
		t.Fatalf("layout = %d Hz/%d ch, want 16000 Hz/1 ch", buf.SampleRate, buf.Channels())
	}
	want := []float64{0, 0.5, -0.5, 1}
	if len(buf.Samples[0]) != len(want) {
		t.Fatalf("got %d frames, want %d", len(buf.Samples[0]), len(want))
	}
	for i, w := range want {
		if got := float64(buf.Samples[0][i]); math.Abs(got-w) > 1e-3 {
			t.Errorf("sample %d = %f, want %f", i, got, w)
		}
	}
}

func TestWAVDecoder_LayoutChangeRejected(t *testing.T) {
	t.Parallel()

	a, err := audio.EncodeWAV([]int16{1, 2, 3, 4}, 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := audio.EncodeWAV([]int16{1, 2, 3, 4}, 8000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := (audio.WAVDecoder{}).Decode(append(a, b...)); err == nil {
		t.Fatal("expected an error for mixed sample rates")
	}
}

func TestWAVDecoder_Empty(t *testing.T) {
	t.Parallel()

	if _, err := (audio.WAVDecoder{}).Decode(nil); !errors.Is(err, audio.ErrEmptyAudio) {
		t.Fatalf("err = %v, want ErrEmptyAudio", err)
	}
}

func TestRawPCMDecoder(t *testing.T) {
	t.Parallel()

	t.Run("stereo", func(t *testing.T) {
		t.Parallel()
		// Trailing odd byte is dropped.
		data := append(samplesToBytes([]int16{16384, -16384, 0, 0}), 0x7f)
		buf, err := audio.RawPCMDecoder{SampleRate: 48000, Channels: 2}.Decode(data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if buf.Channels() != 2 || len(buf.Samples[0]) != 2 {
			t.Fatalf("got %d ch/%d frames, want 2 ch/2 frames", buf.Channels(), len(buf.Samples[0]))
		}
		if got := buf.Samples[1][0]; math.Abs(float64(got)+0.5) > 1e-3 {
			t.Errorf("right[0] = %f, want -0.5", got)
		}
	})

	t.Run("layout unset", func(t *testing.T) {
		t.Parallel()
		if _, err := (audio.RawPCMDecoder{}).Decode([]byte{0, 0}); err == nil {
			t.Fatal("expected an error without a layout")
		}
	})
}
