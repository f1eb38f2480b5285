package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration for the triage assistant.
type Config struct {
	Backend    BackendConfig
	Assessment AssessmentConfig
	Speech     SpeechConfig
	Capture    CaptureConfig
	Session    SessionConfig
	Motion     MotionConfig
	Local      LocalSpeechConfig
	Vocab      VocabConfig
	Log        LogConfig
}

type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
}

type AssessmentConfig struct {
	UserID    int
	AnatomyID int
	Type      string
}

type SpeechConfig struct {
	Language          string
	Voice             string
	SpeakingRate      float64
	DuplicateCooldown time.Duration
}

type CaptureConfig struct {
	FFMPEGCommand    string
	FFPlayCommand    string
	AudioInputFormat string
	AudioInputDevice string
	VideoInputFormat string
	VideoInputDevice string
	SampleRate       int
	Channels         int
	FrameRate        int
}

type SessionConfig struct {
	ListenTimeout     time.Duration
	NoSpeechBackoff   time.Duration
	TurnRetryBackoff  time.Duration
	PainCountdown     int
	PainCaptureLength time.Duration
	MotionCaptureLen  time.Duration
}

type MotionConfig struct {
	URL          string
	BodyPart     string
	MovementType string
}

type LocalSpeechConfig struct {
	WhisperCommand string
	WhisperModel   string
	EspeakCommand  string
}

type VocabConfig struct {
	Path           string
	IterationLimit int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load resolves configuration from an optional .env file, environment variables and defaults.
func Load() (Config, error) {
	if err := loadDotEnv(envOrDefault("TRIAGE_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	vocabPath := strings.TrimSpace(os.Getenv("TRIAGE_VOCAB_FILE"))
	if vocabPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			vocabPath = filepath.Join(home, ".config", "triageassist", "vocabulary.rules")
		}
	}

	cfg := Config{
		Backend: BackendConfig{
			BaseURL: strings.TrimRight(envOrDefault("TRIAGE_BACKEND_URL", "http://localhost:8080"), "/"),
			Timeout: time.Duration(envOrDefaultInt("TRIAGE_HTTP_TIMEOUT_MS", 30000)) * time.Millisecond,
		},
		Assessment: AssessmentConfig{
			UserID:    envOrDefaultInt("TRIAGE_USER_ID", 1),
			AnatomyID: envOrDefaultInt("TRIAGE_ANATOMY_ID", 3),
			Type:      envOrDefault("TRIAGE_ASSESSMENT_TYPE", "PAIN"),
		},
		Speech: SpeechConfig{
			Language:          envOrDefault("TRIAGE_LANGUAGE", "en-US"),
			Voice:             envOrDefault("TRIAGE_VOICE", "en-US-Neural2-F"),
			SpeakingRate:      envOrDefaultFloat("TRIAGE_SPEAKING_RATE", 0.9),
			DuplicateCooldown: time.Duration(envOrDefaultInt("TRIAGE_DUPLICATE_COOLDOWN_MS", 1500)) * time.Millisecond,
		},
		Capture: CaptureConfig{
			FFMPEGCommand:    envOrDefault("TRIAGE_FFMPEG_COMMAND", "ffmpeg"),
			FFPlayCommand:    envOrDefault("TRIAGE_FFPLAY_COMMAND", "ffplay"),
			AudioInputFormat: envOrDefault("TRIAGE_AUDIO_INPUT_FORMAT", "pulse"),
			AudioInputDevice: firstNonEmpty(os.Getenv("TRIAGE_AUDIO_INPUT_DEVICE"), os.Getenv("PULSE_SOURCE"), "default"),
			VideoInputFormat: envOrDefault("TRIAGE_VIDEO_INPUT_FORMAT", "v4l2"),
			VideoInputDevice: envOrDefault("TRIAGE_VIDEO_INPUT_DEVICE", "/dev/video0"),
			SampleRate:       envOrDefaultInt("TRIAGE_SAMPLE_RATE", 16000),
			Channels:         envOrDefaultInt("TRIAGE_CHANNELS", 1),
			FrameRate:        envOrDefaultInt("TRIAGE_FRAME_RATE", 10),
		},
		Session: SessionConfig{
			ListenTimeout:     time.Duration(envOrDefaultInt("TRIAGE_LISTEN_TIMEOUT_MS", 8000)) * time.Millisecond,
			NoSpeechBackoff:   time.Duration(envOrDefaultInt("TRIAGE_NO_SPEECH_BACKOFF_MS", 1000)) * time.Millisecond,
			TurnRetryBackoff:  time.Duration(envOrDefaultInt("TRIAGE_TURN_RETRY_BACKOFF_MS", 3000)) * time.Millisecond,
			PainCountdown:     envOrDefaultInt("TRIAGE_PAIN_COUNTDOWN_S", 5),
			PainCaptureLength: time.Duration(envOrDefaultInt("TRIAGE_PAIN_CAPTURE_S", 5)) * time.Second,
			MotionCaptureLen:  time.Duration(envOrDefaultInt("TRIAGE_MOTION_CAPTURE_S", 10)) * time.Second,
		},
		Motion: MotionConfig{
			URL:          envOrDefault("TRIAGE_ROM_URL", "ws://localhost:8000/api/v1/ws"),
			BodyPart:     envOrDefault("TRIAGE_ROM_BODY_PART", "lower_back"),
			MovementType: envOrDefault("TRIAGE_ROM_MOVEMENT", "flexion"),
		},
		Local: LocalSpeechConfig{
			WhisperCommand: envOrDefault("TRIAGE_WHISPER_COMMAND", "whisper-cli"),
			WhisperModel:   strings.TrimSpace(os.Getenv("TRIAGE_WHISPER_MODEL")),
			EspeakCommand:  envOrDefault("TRIAGE_ESPEAK_COMMAND", "espeak-ng"),
		},
		Vocab: VocabConfig{
			Path:           vocabPath,
			IterationLimit: envOrDefaultInt("TRIAGE_VOCAB_ITERATION_LIMIT", 30),
		},
		Log: LogConfig{
			Level:  envOrDefault("TRIAGE_LOG_LEVEL", "info"),
			Format: envOrDefault("TRIAGE_LOG_FORMAT", "text"),
		},
	}

	if cfg.Backend.Timeout <= 0 {
		cfg.Backend.Timeout = 30 * time.Second
	}
	if cfg.Speech.SpeakingRate <= 0 {
		cfg.Speech.SpeakingRate = 0.9
	}
	if cfg.Speech.DuplicateCooldown < 0 {
		cfg.Speech.DuplicateCooldown = 1500 * time.Millisecond
	}
	if cfg.Capture.SampleRate <= 0 {
		cfg.Capture.SampleRate = 16000
	}
	if cfg.Capture.Channels <= 0 {
		cfg.Capture.Channels = 1
	}
	if cfg.Capture.FrameRate <= 0 {
		cfg.Capture.FrameRate = 10
	}
	if cfg.Session.ListenTimeout <= 0 {
		cfg.Session.ListenTimeout = 8 * time.Second
	}
	if cfg.Session.NoSpeechBackoff < 0 {
		cfg.Session.NoSpeechBackoff = time.Second
	}
	if cfg.Session.TurnRetryBackoff < 0 {
		cfg.Session.TurnRetryBackoff = 3 * time.Second
	}
	if cfg.Session.PainCountdown < 0 {
		cfg.Session.PainCountdown = 5
	}
	if cfg.Session.PainCaptureLength <= 0 {
		cfg.Session.PainCaptureLength = 5 * time.Second
	}
	if cfg.Session.MotionCaptureLen <= 0 {
		cfg.Session.MotionCaptureLen = 10 * time.Second
	}
	if cfg.Vocab.IterationLimit <= 0 {
		cfg.Vocab.IterationLimit = 30
	}

	return cfg, nil
}

// LoadGateway resolves the speech gateway configuration.
func LoadGateway() (GatewayConfig, error) {
	if err := loadDotEnv(envOrDefault("TRIAGE_ENV_FILE", ".env")); err != nil {
		return GatewayConfig{}, err
	}
	return GatewayConfig{
		Addr:            envOrDefault("SPEECHGW_ADDR", ":8080"),
		ProjectID:       strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_PROJECT_ID")),
		CredentialsFile: strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
		TTSEndpoint:     envOrDefault("SPEECHGW_TTS_ENDPOINT", "https://texttospeech.googleapis.com/v1/text:synthesize"),
		Log: LogConfig{
			Level:  envOrDefault("TRIAGE_LOG_LEVEL", "info"),
			Format: envOrDefault("TRIAGE_LOG_FORMAT", "text"),
		},
	}, nil
}

// GatewayConfig stores speech gateway settings.
type GatewayConfig struct {
	Addr            string
	ProjectID       string
	CredentialsFile string
	TTSEndpoint     string
	Log             LogConfig
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
