package audio_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MrWong99/callpilot/pkg/audio"
)

// interleavedFrames builds n interleaved frames where every byte encodes its
// frame index and byte position so mixups between channels are visible.
func interleavedFrames(n, width int) []byte {
	out := make([]byte, n*width)
	for i := range out {
		out[i] = byte(i*7 + i/width)
	}
	return out
}

func TestLayout_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		layout audio.Layout
	}{
		{"1+1 s16", audio.Layout{BytesPerSample: 2, Operator: audio.ChannelGroup{Offset: 0, Count: 1}, Counterparty: audio.ChannelGroup{Offset: 1, Count: 1}}},
		{"2+2 s16", audio.Layout{BytesPerSample: 2, Operator: audio.ChannelGroup{Offset: 0, Count: 2}, Counterparty: audio.ChannelGroup{Offset: 2, Count: 2}}},
		{"counterparty first", audio.Layout{BytesPerSample: 2, Operator: audio.ChannelGroup{Offset: 2, Count: 1}, Counterparty: audio.ChannelGroup{Offset: 0, Count: 2}}},
		{"1+3 s32", audio.Layout{BytesPerSample: 4, Operator: audio.ChannelGroup{Offset: 0, Count: 1}, Counterparty: audio.ChannelGroup{Offset: 1, Count: 3}}},
		{"single mode", audio.Layout{BytesPerSample: 2, Counterparty: audio.ChannelGroup{Offset: 0, Count: 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.layout.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			for _, n := range []int{0, 1, 7, 160} {
				in := interleavedFrames(n, tt.layout.Width())
				op, cp, err := tt.layout.Split(in)
				if err != nil {
					t.Fatalf("Split(%d frames): %v", n, err)
				}
				if want := n * tt.layout.Operator.Count * tt.layout.BytesPerSample; len(op) != want {
					t.Errorf("operator bytes = %d, want %d", len(op), want)
				}
				if want := n * tt.layout.Counterparty.Count * tt.layout.BytesPerSample; len(cp) != want {
					t.Errorf("counterparty bytes = %d, want %d", len(cp), want)
				}
				back, err := tt.layout.Interleave(op, cp)
				if err != nil {
					t.Fatalf("Interleave: %v", err)
				}
				if !bytes.Equal(back, in) {
					t.Errorf("round trip of %d frames differs", n)
				}
			}
		})
	}
}

func TestLayout_SplitSelectsChannels(t *testing.T) {
	t.Parallel()

	l := audio.Layout{
		BytesPerSample: 2,
		Operator:       audio.ChannelGroup{Offset: 0, Count: 1},
		Counterparty:   audio.ChannelGroup{Offset: 1, Count: 1},
	}
	// Two stereo frames: L=op, R=cp.
	in := []byte{0x01, 0x02, 0xA1, 0xA2, 0x03, 0x04, 0xA3, 0xA4}
	op, cp, err := l.Split(in)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if want := []byte{0x01, 0x02, 0x03, 0x04}; !bytes.Equal(op, want) {
		t.Errorf("operator = %x, want %x", op, want)
	}
	if want := []byte{0xA1, 0xA2, 0xA3, 0xA4}; !bytes.Equal(cp, want) {
		t.Errorf("counterparty = %x, want %x", cp, want)
	}
}

func TestLayout_SplitMisaligned(t *testing.T) {
	t.Parallel()

	l := audio.Layout{
		BytesPerSample: 2,
		Operator:       audio.ChannelGroup{Offset: 0, Count: 2},
		Counterparty:   audio.ChannelGroup{Offset: 2, Count: 2},
	}
	for _, n := range []int{1, 7, 9, 15} {
		op, cp, err := l.Split(make([]byte, n))
		if !errors.Is(err, audio.ErrFrameAlignment) {
			t.Errorf("Split(%d bytes): err = %v, want ErrFrameAlignment", n, err)
		}
		if op != nil || cp != nil {
			t.Errorf("Split(%d bytes): returned partial output", n)
		}
	}
}

func TestLayout_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		layout audio.Layout
	}{
		{"overlap", audio.Layout{BytesPerSample: 2, Operator: audio.ChannelGroup{Offset: 0, Count: 2}, Counterparty: audio.ChannelGroup{Offset: 1, Count: 2}}},
		{"gap", audio.Layout{BytesPerSample: 2, Operator: audio.ChannelGroup{Offset: 0, Count: 1}, Counterparty: audio.ChannelGroup{Offset: 2, Count: 1}}},
		{"no counterparty", audio.Layout{BytesPerSample: 2, Operator: audio.ChannelGroup{Offset: 0, Count: 1}}},
		{"zero sample width", audio.Layout{Counterparty: audio.ChannelGroup{Offset: 0, Count: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.layout.Validate(); err == nil {
				t.Error("Validate: expected error, got nil")
			}
		})
	}
}

// Aggregate capture of 100 interleaved frames of width 4 (2+2 channels, one
// byte per sample) yields exactly 100 frames per side in sequence order.
func TestLayout_Demux100Frames(t *testing.T) {
	t.Parallel()

	l := audio.Layout{
		BytesPerSample: 1,
		Operator:       audio.ChannelGroup{Offset: 0, Count: 2},
		Counterparty:   audio.ChannelGroup{Offset: 2, Count: 2},
	}

	var operator, counterparty []audio.Frame
	for seq := range uint64(100) {
		in := audio.Frame{Seq: seq, Data: []byte{byte(seq), byte(seq) + 1, byte(seq) + 2, byte(seq) + 3}}
		op, cp, err := l.Demux(in)
		if err != nil {
			t.Fatalf("Demux(seq=%d): %v", seq, err)
		}
		operator = append(operator, op)
		counterparty = append(counterparty, cp)
	}

	if len(operator) != 100 || len(counterparty) != 100 {
		t.Fatalf("got %d operator and %d counterparty frames, want 100 each", len(operator), len(counterparty))
	}
	for side, frames := range map[audio.Channel][]audio.Frame{
		audio.ChannelOperator:     operator,
		audio.ChannelCounterparty: counterparty,
	} {
		var tracker audio.SeqTracker
		for i, f := range frames {
			if f.Channel != side {
				t.Fatalf("%s frame %d has channel %q", side, i, f.Channel)
			}
			if f.Seq != uint64(i) {
				t.Fatalf("%s frame %d has seq %d", side, i, f.Seq)
			}
			if gap := tracker.Observe(f.Seq); gap != 0 {
				t.Fatalf("%s frame %d: gap of %d", side, i, gap)
			}
			if len(f.Data) != 2 {
				t.Fatalf("%s frame %d: %d bytes, want 2", side, i, len(f.Data))
			}
		}
	}
	if got, want := counterparty[10].Data, []byte{12, 13}; !bytes.Equal(got, want) {
		t.Errorf("counterparty[10] = %v, want %v", got, want)
	}
}
