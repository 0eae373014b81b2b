package whisper

import (
	"encoding/binary"
	"math"
	"time"
)

type gateConfig struct {
	silence time.Duration
	maxLen  time.Duration
	energy  float64
}

// utterance is a stretch of speech ready for inference. start is its offset
// from the beginning of the stream.
type utterance struct {
	pcm   []byte
	start time.Duration
	dur   time.Duration
}

// gate segments a PCM stream into utterances. Leading silence is dropped;
// an utterance ends after cfg.silence of quiet or when it reaches
// cfg.maxLen. Not safe for concurrent use.
type gate struct {
	cfg        gateConfig
	bytesPerMs int

	buf      []byte
	speech   bool
	quiet    time.Duration
	consumed time.Duration // stream time before buf
}

func newGate(cfg gateConfig, rate, channels int) *gate {
	bpm := rate * channels * 2 / 1000
	if bpm <= 0 {
		bpm = 32
	}
	return &gate{cfg: cfg, bytesPerMs: bpm}
}

func (g *gate) length(n int) time.Duration {
	return time.Duration(n/g.bytesPerMs) * time.Millisecond
}

// push adds chunk and reports a completed utterance, if any.
func (g *gate) push(chunk []byte) (utterance, bool) {
	if rms(chunk) < g.cfg.energy {
		if !g.speech {
			g.consumed += g.length(len(chunk))
			return utterance{}, false
		}
		g.buf = append(g.buf, chunk...)
		g.quiet += g.length(len(chunk))
		if g.quiet >= g.cfg.silence {
			return g.cut()
		}
		return utterance{}, false
	}

	g.speech = true
	g.quiet = 0
	g.buf = append(g.buf, chunk...)
	if g.cfg.maxLen > 0 && g.length(len(g.buf)) >= g.cfg.maxLen {
		return g.cut()
	}
	return utterance{}, false
}

// hold buffers chunk without ending the utterance.
func (g *gate) hold(chunk []byte) {
	g.buf = append(g.buf, chunk...)
	if rms(chunk) >= g.cfg.energy {
		g.speech = true
	}
}

// cut ends the current utterance. It reports false when nothing but
// silence was buffered.
func (g *gate) cut() (utterance, bool) {
	u := utterance{pcm: g.buf, start: g.consumed, dur: g.length(len(g.buf))}
	speech := g.speech
	g.consumed += u.dur
	g.buf, g.speech, g.quiet = nil, false, 0
	return u, speech && len(u.pcm) > 0
}

// rms is the root mean square of 16-bit little-endian samples.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
