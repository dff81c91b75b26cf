package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedFormat is returned for WAV files that are not 16-bit PCM.
var ErrUnsupportedFormat = errors.New("audio: unsupported wav format")

// NewWavBuffer wraps mono 16-bit PCM in a WAV header.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	buf := new(bytes.Buffer)

	// RIFF header
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	// fmt chunk
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))

	// data chunk
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// Wav is decoded mono 16-bit PCM.
type Wav struct {
	PCM        []byte
	SampleRate int
}

type fmtChunk struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// ReadWav decodes a 16-bit PCM WAV stream. Multi-channel audio is mixed
// down to mono.
func ReadWav(r io.Reader) (*Wav, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("audio: read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrUnsupportedFormat)
	}

	var format *fmtChunk
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("audio: no data chunk: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			if size < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedFormat)
			}
			format = &fmtChunk{}
			binary.Read(bytes.NewReader(body[:16]), binary.LittleEndian, format)
		case "data":
			if format == nil {
				return nil, fmt.Errorf("%w: data before fmt", ErrUnsupportedFormat)
			}
			if format.AudioFormat != 1 || format.BitsPerSample != 16 || format.Channels == 0 {
				return nil, fmt.Errorf("%w: format %d, %d bits, %d channels",
					ErrUnsupportedFormat, format.AudioFormat, format.BitsPerSample, format.Channels)
			}
			pcm, err := io.ReadAll(io.LimitReader(r, int64(size)))
			if err != nil {
				return nil, fmt.Errorf("audio: read data chunk: %w", err)
			}
			return &Wav{PCM: downmix(pcm, int(format.Channels)), SampleRate: int(format.SampleRate)}, nil
		default:
			// skip LIST, fact and other chunks, including the pad byte
			skip := int64(size) + int64(size&1)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
		}
	}
}

func downmix(pcm []byte, channels int) []byte {
	if channels == 1 {
		return pcm
	}
	frame := channels * 2
	out := make([]byte, 0, len(pcm)/channels)
	for i := 0; i+frame <= len(pcm); i += frame {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[i+2*c:])))
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(sum/channels)))
	}
	return out
}
