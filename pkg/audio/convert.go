package audio

import "encoding/binary"

// DownmixToMono16 folds interleaved 16-bit little-endian PCM with the given
// channel count into mono by averaging each frame. A trailing partial frame
// is dropped. Mono input is returned as is.
func DownmixToMono16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := 2 * channels
	out := make([]byte, 0, len(pcm)/channels)
	for off := 0; off+stride <= len(pcm); off += stride {
		var sum int
		for c := range channels {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[off+2*c:])))
		}
		// The mean of int16 values always fits in int16.
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(sum/channels)))
	}
	return out
}
