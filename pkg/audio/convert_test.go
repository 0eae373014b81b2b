package audio

import (
	"encoding/binary"
	"slices"
	"testing"
)

func pcm16(samples ...int16) []byte {
	b := make([]byte, 0, 2*len(samples))
	for _, s := range samples {
		b = binary.LittleEndian.AppendUint16(b, uint16(s))
	}
	return b
}

func TestDownmixToMono16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []byte
		channels int
		want     []byte
	}{
		{"mono is untouched", pcm16(1, 2, 3), 1, pcm16(1, 2, 3)},
		{"stereo average", pcm16(100, 300, -50, 50), 2, pcm16(200, 0)},
		{"opposite phase cancels", pcm16(12000, -12000), 2, pcm16(0)},
		{"four channels", pcm16(10, 20, 30, 40), 4, pcm16(25)},
		{"full scale stays in range", pcm16(32767, 32767, -32768, -32768), 2, pcm16(32767, -32768)},
		{"partial frame dropped", append(pcm16(8, 4), 0x01, 0x00), 2, pcm16(6)},
		{"empty", nil, 2, []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DownmixToMono16(tt.in, tt.channels); !slices.Equal(got, tt.want) {
				t.Errorf("DownmixToMono16() = %v, want %v", got, tt.want)
			}
		})
	}
}
