package audio

import (
	"fmt"
	"time"
)

// Channel identifies which side of a call a stream of audio belongs to.
type Channel string

const (
	// ChannelOperator is the sales operator's own microphone.
	ChannelOperator Channel = "operator"

	// ChannelCounterparty is the customer or vendor on the other end of the call.
	ChannelCounterparty Channel = "counterparty"
)

// Valid reports whether c is one of the known channel identities.
func (c Channel) Valid() bool {
	return c == ChannelOperator || c == ChannelCounterparty
}

// Frame is a fixed-size chunk of raw PCM bytes flowing through the pipeline.
// Frames are immutable once produced: the producer hands ownership to exactly
// one consumer and never touches Data again.
type Frame struct {
	// Channel is the call side this audio belongs to.
	Channel Channel

	// Seq is strictly increasing within one channel. A jump greater than one
	// means audio was dropped somewhere between capture and the engine.
	Seq uint64

	// Data is little-endian signed PCM at the stream's [Format].
	Data []byte
}

// Format describes the sample rate, channel count, and sample width of a PCM
// stream.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// BytesPerSample returns the width of one sample of one channel.
func (f Format) BytesPerSample() int {
	return f.BitDepth / 8
}

// FrameWidth returns the byte width of one interleaved sample frame (one
// sample for every channel).
func (f Format) FrameWidth() int {
	return f.BytesPerSample() * f.Channels
}

// Duration returns the playback duration of n bytes in this format.
func (f Format) Duration(n int) time.Duration {
	w := f.FrameWidth()
	if w <= 0 || f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n/w) * time.Second / time.Duration(f.SampleRate)
}

// String returns a human-readable form such as "16000Hz stereo s16".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s s%d", f.SampleRate, ch, f.BitDepth)
}
