package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestNewWavBuffer(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	sampleRate := 44100
	wav := NewWavBuffer(pcm, sampleRate)

	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Errorf("Expected RIFF prefix")
	}

	if !bytes.Contains(wav, []byte("WAVE")) {
		t.Errorf("Expected WAVE format identifier")
	}

	expectedLen := 44 + len(pcm)
	if len(wav) != expectedLen {
		t.Errorf("Expected length %d, got %d", expectedLen, len(wav))
	}
}

func TestReadWavRoundTrip(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	wav, err := ReadWav(bytes.NewReader(NewWavBuffer(pcm, 16000)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wav.SampleRate != 16000 || !bytes.Equal(wav.PCM, pcm) {
		t.Errorf("unexpected wav %d Hz %v", wav.SampleRate, wav.PCM)
	}
}

// stereoWav builds a two-channel file with a LIST chunk before the data.
func stereoWav(samples ...int16) []byte {
	var data []byte
	for _, s := range samples {
		data = binary.LittleEndian.AppendUint16(data, uint16(s))
	}
	buf := new(bytes.Buffer)
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(0))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, fmtChunk{
		AudioFormat: 1, Channels: 2, SampleRate: 8000,
		ByteRate: 32000, BlockAlign: 4, BitsPerSample: 16,
	})
	buf.WriteString("LIST")
	binary.Write(buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{'a', 'b', 'c', 0})
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func TestReadWavDownmixesAndSkipsChunks(t *testing.T) {
	wav, err := ReadWav(bytes.NewReader(stereoWav(100, 300, -50, -150)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wav.SampleRate != 8000 || len(wav.PCM) != 4 {
		t.Fatalf("unexpected wav %d Hz, %d bytes", wav.SampleRate, len(wav.PCM))
	}
	first := int16(binary.LittleEndian.Uint16(wav.PCM))
	second := int16(binary.LittleEndian.Uint16(wav.PCM[2:]))
	if first != 200 || second != -100 {
		t.Errorf("expected 200, -100; got %d, %d", first, second)
	}
}

func TestReadWavRejects(t *testing.T) {
	float := NewWavBuffer([]byte{0, 0}, 16000)
	binary.LittleEndian.PutUint16(float[20:], 3)

	tests := []struct {
		name string
		data []byte
	}{
		{"not riff", []byte("RIFX\x00\x00\x00\x00WAVE")},
		{"float samples", float},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadWav(bytes.NewReader(tt.data)); !errors.Is(err, ErrUnsupportedFormat) {
				t.Errorf("expected ErrUnsupportedFormat, got %v", err)
			}
		})
	}

	if _, err := ReadWav(bytes.NewReader([]byte("RIFF"))); err == nil {
		t.Error("expected an error for a truncated header")
	}
}
