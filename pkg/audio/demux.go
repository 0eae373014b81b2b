package audio

import (
	"errors"
	"fmt"
)

// Layout describes how an interleaved sample frame is divided between the
// operator and counterparty channel groups. A zero-count group is absent.
//
// Layout is a value type with no state; all methods are pure.
type Layout struct {
	BytesPerSample int
	Operator       ChannelGroup
	Counterparty   ChannelGroup
}

// Channels returns the total channel count W of one interleaved frame.
func (l Layout) Channels() int {
	return l.Operator.Count + l.Counterparty.Count
}

// Width returns the byte width of one interleaved frame.
func (l Layout) Width() int {
	return l.Channels() * l.BytesPerSample
}

// Validate checks that the two groups are disjoint and together cover every
// channel of the frame.
func (l Layout) Validate() error {
	if l.BytesPerSample <= 0 {
		return fmt.Errorf("layout: bytes per sample must be positive, got %d", l.BytesPerSample)
	}
	if l.Counterparty.Count <= 0 {
		return errors.New("layout: counterparty group must have at least one channel")
	}
	if l.Operator.Count < 0 || l.Operator.Offset < 0 || l.Counterparty.Offset < 0 {
		return errors.New("layout: negative channel offset or count")
	}
	w := l.Channels()
	seen := make([]bool, w)
	for _, g := range []ChannelGroup{l.Operator, l.Counterparty} {
		for ch := g.Offset; ch < g.Offset+g.Count; ch++ {
			if ch >= w {
				return fmt.Errorf("layout: channel %d outside frame of %d channels", ch, w)
			}
			if seen[ch] {
				return fmt.Errorf("layout: channel %d assigned to both groups", ch)
			}
			seen[ch] = true
		}
	}
	return nil
}

// Split de-interleaves chunk into the operator and counterparty sub-streams.
// Each output frame carries the group's channels in their original order.
//
// Split returns an error wrapping [ErrFrameAlignment] when chunk is not a
// whole number of frames; it never pads or truncates.
func (l Layout) Split(chunk []byte) (operator, counterparty []byte, err error) {
	w := l.Width()
	if w == 0 {
		return nil, nil, fmt.Errorf("%w: zero frame width", ErrFrameAlignment)
	}
	if len(chunk)%w != 0 {
		return nil, nil, fmt.Errorf("%w: %d bytes is not a multiple of frame width %d", ErrFrameAlignment, len(chunk), w)
	}
	frames := len(chunk) / w
	operator = make([]byte, 0, frames*l.Operator.Count*l.BytesPerSample)
	counterparty = make([]byte, 0, frames*l.Counterparty.Count*l.BytesPerSample)
	for f := 0; f < len(chunk); f += w {
		frame := chunk[f : f+w]
		operator = append(operator, l.slice(frame, l.Operator)...)
		counterparty = append(counterparty, l.slice(frame, l.Counterparty)...)
	}
	return operator, counterparty, nil
}

// Interleave is the inverse of [Layout.Split]: it rebuilds the interleaved
// stream from the two sub-streams. Both inputs must hold the same number of
// frames.
func (l Layout) Interleave(operator, counterparty []byte) ([]byte, error) {
	ow := l.Operator.Count * l.BytesPerSample
	cw := l.Counterparty.Count * l.BytesPerSample
	if cw == 0 || len(counterparty)%cw != 0 {
		return nil, fmt.Errorf("%w: counterparty stream of %d bytes", ErrFrameAlignment, len(counterparty))
	}
	frames := len(counterparty) / cw
	if ow == 0 && len(operator) != 0 || ow != 0 && len(operator) != frames*ow {
		return nil, fmt.Errorf("%w: operator stream of %d bytes does not match %d frames", ErrFrameAlignment, len(operator), frames)
	}

	w := l.Width()
	out := make([]byte, frames*w)
	for f := range frames {
		frame := out[f*w : (f+1)*w]
		copy(l.slice(frame, l.Operator), operator[f*ow:(f+1)*ow])
		copy(l.slice(frame, l.Counterparty), counterparty[f*cw:(f+1)*cw])
	}
	return out, nil
}

// Demux splits one interleaved frame into an operator and a counterparty
// frame. Both outputs keep the input's sequence number.
func (l Layout) Demux(in Frame) (operator, counterparty Frame, err error) {
	op, cp, err := l.Split(in.Data)
	if err != nil {
		return Frame{}, Frame{}, err
	}
	return Frame{Channel: ChannelOperator, Seq: in.Seq, Data: op},
		Frame{Channel: ChannelCounterparty, Seq: in.Seq, Data: cp},
		nil
}

func (l Layout) slice(frame []byte, g ChannelGroup) []byte {
	start := g.Offset * l.BytesPerSample
	return frame[start : start+g.Count*l.BytesPerSample]
}
