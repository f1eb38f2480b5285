package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"triageassist/internal/domain"
)

var (
	// ErrUnavailable is returned when the backend answers with success=false or a non-2xx status.
	ErrUnavailable = errors.New("speech backend unavailable")
	// ErrEmptyAudio is returned when synthesis produced no audio.
	ErrEmptyAudio = errors.New("speech backend returned no audio")
)

// Config controls the remote speech backend client.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	Voice        string
	Language     string
	SpeakingRate float64
	SampleRate   int
}

// Client talks to the speech backend: health, speech-to-text and text-to-speech.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Voice == "" {
		cfg.Voice = "en-US-Neural2-F"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.SpeakingRate <= 0 {
		cfg.SpeakingRate = 0.9
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// SpeechToTextRequest is the backend speech-to-text body.
type SpeechToTextRequest struct {
	AudioContent    string `json:"audio_content"`
	LanguageCode    string `json:"language_code"`
	Encoding        string `json:"encoding,omitempty"`
	SampleRateHertz int    `json:"sample_rate_hertz,omitempty"`
}

// TextToSpeechRequest is the backend text-to-speech body.
type TextToSpeechRequest struct {
	Text         string  `json:"text"`
	VoiceName    string  `json:"voice_name"`
	LanguageCode string  `json:"language_code"`
	SpeakingRate float64 `json:"speaking_rate"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

// Healthy reports whether the backend says its speech API works. Any failure means no.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/speech/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var body struct {
		Data struct {
			APIWorking bool `json:"api_working"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return false, fmt.Errorf("decode health: %w", err)
	}
	return body.Data.APIWorking, nil
}

// Recognize sends utterance audio to the backend and returns the transcript, possibly empty.
func (c *Client) Recognize(ctx context.Context, audio domain.Artifact, language string) (string, error) {
	if language == "" {
		language = c.cfg.Language
	}
	body := SpeechToTextRequest{
		AudioContent: base64.StdEncoding.EncodeToString(audio.Data),
		LanguageCode: language,
	}
	if audio.MIMEType == "audio/wav" {
		body.Encoding = "LINEAR16"
		body.SampleRateHertz = c.cfg.SampleRate
	}

	var data struct {
		Transcript string `json:"transcript"`
	}
	if err := c.post(ctx, "/api/speech-to-text", body, &data); err != nil {
		return "", fmt.Errorf("speech-to-text: %w", err)
	}
	return strings.TrimSpace(data.Transcript), nil
}

// Synthesize returns encoded audio for text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body := TextToSpeechRequest{
		Text:         text,
		VoiceName:    c.cfg.Voice,
		LanguageCode: c.cfg.Language,
		SpeakingRate: c.cfg.SpeakingRate,
	}
	var data struct {
		AudioContent string `json:"audio_content"`
	}
	if err := c.post(ctx, "/api/text-to-speech", body, &data); err != nil {
		return nil, fmt.Errorf("text-to-speech: %w", err)
	}
	if data.AudioContent == "" {
		return nil, ErrEmptyAudio
	}
	audio, err := base64.StdEncoding.DecodeString(data.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("text-to-speech: decode audio: %w", err)
	}
	return audio, nil
}

func (c *Client) post(ctx context.Context, path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if env.Error != "" {
			return fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, env.Error)
		}
		return fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if !env.Success {
		return fmt.Errorf("%w: %s", ErrUnavailable, env.Error)
	}
	if len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
