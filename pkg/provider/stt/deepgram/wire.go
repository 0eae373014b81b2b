package deepgram

import (
	"encoding/json"
	"time"

	"github.com/MrWong99/callpilot/pkg/provider/stt"
	"github.com/coder/websocket"
)

var (
	msgFinalize    = []byte(`{"type":"Finalize"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

// frame is one queued outbound websocket message.
type frame struct {
	typ  websocket.MessageType
	data []byte
}

type word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []word  `json:"words"`
}

// results is the subset of a server message callpilot reads. Only messages
// of type "Results" carry a transcript.
type results struct {
	Type         string  `json:"type"`
	IsFinal      bool    `json:"is_final"`
	FromFinalize bool    `json:"from_finalize"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	Channel      struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`
}

// parseResults decodes a server message. ok is false for metadata, malformed
// JSON and interim results with no text. Empty finals are kept: they close an
// utterance.
func parseResults(data []byte) (t stt.Transcript, ok bool) {
	var r results
	if json.Unmarshal(data, &r) != nil || r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return t, false
	}
	best := r.Channel.Alternatives[0]
	if best.Transcript == "" && !r.IsFinal {
		return t, false
	}
	t = stt.Transcript{
		Text:         best.Transcript,
		IsFinal:      r.IsFinal,
		FromFinalize: r.FromFinalize,
		Confidence:   best.Confidence,
		Timestamp:    seconds(r.Start),
		Duration:     seconds(r.Duration),
		Words:        make([]stt.WordDetail, len(best.Words)),
	}
	for i, w := range best.Words {
		t.Words[i] = stt.WordDetail{Word: w.Word, Start: seconds(w.Start), End: seconds(w.End), Confidence: w.Confidence}
	}
	return t, true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
