package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"triageassist/internal/providers/backend"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// TextToSpeech calls the Cloud Text-to-Speech REST endpoint.
type TextToSpeech struct {
	endpoint  string
	projectID string
	http      *http.Client
}

// NewTextToSpeech uses httpClient as is. It must already carry credentials.
func NewTextToSpeech(endpoint string, projectID string, httpClient *http.Client) *TextToSpeech {
	return &TextToSpeech{endpoint: endpoint, projectID: projectID, http: httpClient}
}

// DefaultHTTPClient returns an authorized client from application default credentials.
func DefaultHTTPClient(ctx context.Context) (*http.Client, error) {
	creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, creds.TokenSource), nil
}

type synthesizeRequest struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
	Voice struct {
		LanguageCode string `json:"languageCode"`
		Name         string `json:"name,omitempty"`
	} `json:"voice"`
	AudioConfig struct {
		AudioEncoding string  `json:"audioEncoding"`
		SpeakingRate  float64 `json:"speakingRate,omitempty"`
	} `json:"audioConfig"`
}

func (t *TextToSpeech) Synthesize(ctx context.Context, req backend.TextToSpeechRequest) ([]byte, error) {
	var body synthesizeRequest
	body.Input.Text = req.Text
	body.Voice.LanguageCode = req.LanguageCode
	body.Voice.Name = req.VoiceName
	body.AudioConfig.AudioEncoding = "LINEAR16"
	body.AudioConfig.SpeakingRate = req.SpeakingRate

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.projectID != "" {
		httpReq.Header.Set("X-Goog-User-Project", t.projectID)
	}

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("text-to-speech request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("text-to-speech read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, status.Errorf(restCode(resp.StatusCode), "text-to-speech HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out struct {
		AudioContent string `json:"audioContent"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("text-to-speech decode: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("text-to-speech audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, status.Error(codes.Internal, "text-to-speech returned no audio")
	}
	return audio, nil
}

func restCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusBadRequest:
		return codes.InvalidArgument
	default:
		return codes.Unavailable
	}
}
