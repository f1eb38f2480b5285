package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/googleapis/gax-go/v2"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"triageassist/internal/providers/backend"
)

const (
	requestIDHeader = "X-Request-ID"
	defaultLanguage = "en-US"
	maxBodyBytes    = 32 << 20
	webmSampleRate  = 48000
)

var errNotConfigured = status.Error(codes.FailedPrecondition, "speech credentials are not configured")

// Recognizer is the slice of the Cloud Speech client the gateway calls.
type Recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
}

// Synthesizer turns text into encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req backend.TextToSpeechRequest) ([]byte, error)
}

// Server exposes the speech backend surface used by the desktop client.
type Server struct {
	recognizer  Recognizer
	synthesizer Synthesizer
	configured  bool
	log         *logrus.Logger
}

// NewServer builds a gateway. Nil providers leave their routes answering 503.
func NewServer(recognizer Recognizer, synthesizer Synthesizer, configured bool, log *logrus.Logger) *Server {
	return &Server{
		recognizer:  recognizer,
		synthesizer: synthesizer,
		configured:  configured,
		log:         log,
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Get("/speech/health", s.handleHealth)
		api.Post("/speech-to-text", s.handleSpeechToText)
		api.Post("/text-to-speech", s.handleTextToSpeech)
	})
	return r
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	working := s.configured && s.recognizer != nil && s.synthesizer != nil
	respond(w, http.StatusOK, envelope{Success: true, Data: map[string]bool{"api_working": working}})
}

func (s *Server) handleSpeechToText(w http.ResponseWriter, r *http.Request) {
	var req backend.SpeechToTextRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.recognizer == nil {
		s.fail(w, r, errNotConfigured)
		return
	}
	audio, err := base64.StdEncoding.DecodeString(req.AudioContent)
	if err != nil || len(audio) == 0 {
		s.fail(w, r, status.Error(codes.InvalidArgument, "audio_content must be non-empty base64"))
		return
	}

	resp, err := s.recognizer.Recognize(r.Context(), recognizeRequest(req, audio))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	parts := make([]string, 0, len(resp.GetResults()))
	for _, result := range resp.GetResults() {
		if alternatives := result.GetAlternatives(); len(alternatives) > 0 {
			parts = append(parts, strings.TrimSpace(alternatives[0].GetTranscript()))
		}
	}
	respond(w, http.StatusOK, envelope{
		Success: true,
		Data:    map[string]string{"transcript": strings.TrimSpace(strings.Join(parts, " "))},
	})
}

func (s *Server) handleTextToSpeech(w http.ResponseWriter, r *http.Request) {
	var req backend.TextToSpeechRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.fail(w, r, status.Error(codes.InvalidArgument, "text is required"))
		return
	}
	if s.synthesizer == nil {
		s.fail(w, r, errNotConfigured)
		return
	}
	if req.LanguageCode == "" {
		req.LanguageCode = defaultLanguage
	}

	audio, err := s.synthesizer.Synthesize(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, envelope{
		Success: true,
		Data:    map[string]string{"audio_content": base64.StdEncoding.EncodeToString(audio)},
	})
}

func recognizeRequest(req backend.SpeechToTextRequest, audio []byte) *speechpb.RecognizeRequest {
	language := req.LanguageCode
	if language == "" {
		language = defaultLanguage
	}
	config := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_WEBM_OPUS,
		SampleRateHertz:            webmSampleRate,
		LanguageCode:               language,
		EnableAutomaticPunctuation: true,
		Model:                      "latest_long",
	}
	if strings.EqualFold(req.Encoding, "LINEAR16") {
		config.Encoding = speechpb.RecognitionConfig_LINEAR16
		config.SampleRateHertz = int32(req.SampleRateHertz)
	}
	return &speechpb.RecognizeRequest{
		Config: config,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	}
}

func decode(r *http.Request, out any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(out)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request body: %v", err)
	}
	return nil
}

// HTTPStatus maps a provider failure onto the response code.
func HTTPStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch status.Code(err) {
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.FailedPrecondition:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := HTTPStatus(err)
	s.log.WithFields(logrus.Fields{
		"request_id": w.Header().Get(requestIDHeader),
		"path":       r.URL.Path,
		"status":     code,
	}).WithError(err).Warn("speech request failed")

	message := err.Error()
	if st, ok := status.FromError(err); ok {
		message = st.Message()
	}
	respond(w, code, envelope{Success: false, Error: message})
}

func respond(w http.ResponseWriter, code int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"request_id": id,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(started).Round(time.Millisecond),
		}).Debug("request served")
	})
}
