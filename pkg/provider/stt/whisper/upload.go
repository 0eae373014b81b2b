package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/MrWong99/callpilot/pkg/audio"
)

// modelRate is the sample rate whisper models are trained on.
const modelRate = 16000

// uploader sends utterances to the inference endpoint.
type uploader struct {
	endpoint string
	model    string
	language string
	rate     int
	channels int
	client   *http.Client
}

// transcribe uploads pcm in the stream's format and returns the trimmed
// text, which may be empty.
func (u *uploader) transcribe(ctx context.Context, pcm []byte) (string, error) {
	mono, err := toModelFormat(pcm, u.rate, u.channels)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	file, err := form.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", err
	}
	if err := writeWAV(file, mono, modelRate); err != nil {
		return "", err
	}
	fields := [][2]string{{"response_format", "json"}, {"language", u.language}, {"model", u.model}}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := form.WriteField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp, err := u.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("inference returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode inference response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

// toModelFormat downmixes to mono and resamples to [modelRate]. The result
// holds exactly frames*modelRate/rate samples.
func toModelFormat(pcm []byte, rate, channels int) ([]byte, error) {
	mono := audio.DownmixToMono16(pcm, channels)
	if rate == modelRate {
		return mono, nil
	}

	n := len(mono) / 2
	want := int(int64(n) * modelRate / int64(rate))
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(rate),
		OutputRate: modelRate,
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("resampler %d->%d Hz: %w", rate, modelRate, err)
	}

	// 100 ms of trailing silence pushes the last samples through the filter.
	in := make([]float64, n+rate/10)
	for i := range n {
		in[i] = float64(int16(binary.LittleEndian.Uint16(mono[2*i:]))) / 32768
	}
	res, err := r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}

	out := make([]byte, want*2)
	for i := 0; i < want && i < len(res); i++ {
		v := max(-1, min(res[i], 1))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*32767)))
	}
	return out, nil
}

// wavHeader is the canonical 44-byte RIFF header for 16-bit mono PCM.
type wavHeader struct {
	Riff          [4]byte
	ChunkSize     uint32
	Wave          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

func writeWAV(w io.Writer, pcm []byte, rate int) error {
	h := wavHeader{
		Riff:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		Wave:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      1,
		SampleRate:    uint32(rate),
		ByteRate:      uint32(rate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}
