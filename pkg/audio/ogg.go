package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// Opus always decodes at 48 kHz; 120 ms is the largest legal frame.
const (
	opusSampleRate   = 48000
	opusMaxFrameSize = opusSampleRate * 120 / 1000
)

// OggOpusDecoder decodes an Ogg-encapsulated Opus stream. Only the first
// logical bitstream is read and page CRCs are not verified.
type OggOpusDecoder struct{}

// Decode implements [Decoder].
func (OggOpusDecoder) Decode(data []byte) (*Buffer, error) {
	packets, err := oggPackets(data)
	if err != nil {
		return nil, err
	}
	if len(packets) == 0 {
		return nil, errors.New("audio: ogg: no packets")
	}

	channels, preSkip, err := parseOpusHead(packets[0])
	if err != nil {
		return nil, err
	}
	dec, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}

	out := &Buffer{SampleRate: opusSampleRate, Samples: make([][]float32, channels)}
	for _, pkt := range packets[1:] {
		if isOpusTags(pkt) || len(pkt) == 0 {
			continue
		}
		pcm, err := dec.Decode(pkt, opusMaxFrameSize, false)
		if err != nil {
			return nil, fmt.Errorf("audio: opus decode: %w", err)
		}
		frames := len(pcm) / channels
		for i := range frames {
			for ch := range channels {
				out.Samples[ch] = append(out.Samples[ch], float32(pcm[i*channels+ch])/0x8000)
			}
		}
	}

	if preSkip > 0 && out.Frames() > preSkip {
		for ch := range out.Samples {
			out.Samples[ch] = out.Samples[ch][preSkip:]
		}
	}
	return out, nil
}

// parseOpusHead reads the identification header.
func parseOpusHead(pkt []byte) (channels, preSkip int, err error) {
	if len(pkt) < 19 || string(pkt[:8]) != "OpusHead" {
		return 0, 0, errors.New("audio: ogg: missing OpusHead")
	}
	channels = int(pkt[9])
	if channels < 1 || channels > 2 {
		return 0, 0, fmt.Errorf("audio: ogg: unsupported channel count %d", channels)
	}
	return channels, int(binary.LittleEndian.Uint16(pkt[10:12])), nil
}

func isOpusTags(pkt []byte) bool {
	return len(pkt) >= 8 && string(pkt[:8]) == "OpusTags"
}

// oggPackets walks Ogg pages and reassembles the packets of the first
// bitstream. A packet continues across segments of length 255 and across
// pages.
func oggPackets(data []byte) ([][]byte, error) {
	var (
		packets [][]byte
		partial []byte
		serial  uint32
		first   = true
	)
	for len(data) > 0 {
		if len(data) < 27 || string(data[:4]) != "OggS" {
			return nil, errors.New("audio: ogg: bad page header")
		}
		nsegs := int(data[26])
		if len(data) < 27+nsegs {
			return nil, errors.New("audio: ogg: truncated segment table")
		}
		table := data[27 : 27+nsegs]
		bodyLen := 0
		for _, l := range table {
			bodyLen += int(l)
		}
		start := 27 + nsegs
		if len(data) < start+bodyLen {
			return nil, errors.New("audio: ogg: truncated page body")
		}
		body := data[start : start+bodyLen]
		pageSerial := binary.LittleEndian.Uint32(data[14:18])
		data = data[start+bodyLen:]

		if first {
			serial, first = pageSerial, false
		} else if pageSerial != serial {
			continue
		}

		off := 0
		for _, l := range table {
			partial = append(partial, body[off:off+int(l)]...)
			off += int(l)
			if l < 255 {
				packets = append(packets, partial)
				partial = nil
			}
		}
	}
	return packets, nil
}
