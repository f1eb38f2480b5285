package bootstrap

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"triageassist/internal/audio"
	"triageassist/internal/config"
	"triageassist/internal/domain"
	"triageassist/internal/logging"
	"triageassist/internal/ports"
	"triageassist/internal/providers/backend"
	"triageassist/internal/providers/local"
	"triageassist/internal/providers/oracle"
	"triageassist/internal/providers/rom"
	"triageassist/internal/speech"
	"triageassist/internal/usecase"
	"triageassist/internal/vocab"
)

const healthProbeTimeout = 5 * time.Second

// Services is the assembled runtime graph.
type Services struct {
	Controller   *usecase.SessionController
	Countdown    *usecase.CountdownSink
	Availability *speech.Availability
	Config       config.Config
	Logger       *logrus.Logger
}

// Build wires all backend dependencies for the current runtime.
func Build(eventSink ports.EventSink) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	corrector, err := vocab.Load(cfg.Vocab.Path, cfg.Vocab.IterationLimit)
	if err != nil {
		return Services{}, err
	}
	logger.WithField("rules", corrector.Len()).Debug("vocabulary loaded")

	httpClient := &http.Client{Timeout: cfg.Backend.Timeout}
	oracleClient := oracle.NewClient(oracle.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout,
	}, httpClient)
	speechBackend := backend.NewClient(backend.Config{
		BaseURL:      cfg.Backend.BaseURL,
		Timeout:      cfg.Backend.Timeout,
		Voice:        cfg.Speech.Voice,
		Language:     cfg.Speech.Language,
		SpeakingRate: cfg.Speech.SpeakingRate,
		SampleRate:   cfg.Capture.SampleRate,
	}, httpClient)

	availability := speech.NewAvailability(speechBackend, healthProbeTimeout, logger)

	// whisper needs a model; without one there is no on-device recognizer.
	var onDeviceRecognizer ports.Recognizer
	if cfg.Local.WhisperModel != "" {
		onDeviceRecognizer = local.NewWhisperRecognizer(cfg.Local.WhisperCommand, cfg.Local.WhisperModel)
	}
	input := speech.NewInput(availability, speechBackend, onDeviceRecognizer, cfg.Speech.Language, logger)
	output := speech.NewOutput(
		availability,
		speechBackend,
		local.NewEspeakSynthesizer(cfg.Local.EspeakCommand, cfg.Speech.Language, cfg.Speech.SpeakingRate),
		audio.NewFFPlayPlayer(cfg.Capture.FFPlayCommand),
		cfg.Speech.DuplicateCooldown,
		logger,
	)

	capture := audio.NewFFMPEGCapture(cfg.Capture.FFMPEGCommand, ports.CaptureConfig{
		AudioInputFormat: cfg.Capture.AudioInputFormat,
		AudioInputDevice: cfg.Capture.AudioInputDevice,
		VideoInputFormat: cfg.Capture.VideoInputFormat,
		VideoInputDevice: cfg.Capture.VideoInputDevice,
		SampleRate:       cfg.Capture.SampleRate,
		Channels:         cfg.Capture.Channels,
		FrameRate:        cfg.Capture.FrameRate,
	})
	analyzer := rom.NewAnalyzer(rom.Config{
		URL:          cfg.Motion.URL,
		BodyPart:     cfg.Motion.BodyPart,
		MovementType: cfg.Motion.MovementType,
	}, logger)

	countdown := usecase.NewCountdownSink(eventSink, cfg.Session.PainCountdown)
	controller := usecase.NewSessionController(usecase.Dependencies{
		Oracle:     oracleClient,
		Input:      input,
		Output:     output,
		Health:     availability,
		Capture:    capture,
		Motion:     analyzer,
		Vocabulary: corrector,
		Events:     countdown,
		Log:        logger,
	}, usecase.Config{
		Assessment: domain.AssessmentRequest{
			UserID:         cfg.Assessment.UserID,
			AnatomyID:      cfg.Assessment.AnatomyID,
			AssessmentType: cfg.Assessment.Type,
		},
		ListenTimeout:     cfg.Session.ListenTimeout,
		NoSpeechBackoff:   cfg.Session.NoSpeechBackoff,
		TurnRetryBackoff:  cfg.Session.TurnRetryBackoff,
		PainCountdown:     time.Duration(cfg.Session.PainCountdown) * time.Second,
		PainCaptureLength: cfg.Session.PainCaptureLength,
		MotionCaptureLen:  cfg.Session.MotionCaptureLen,
	})
	availability.OnDowngrade(controller.SpeechDegraded)

	logger.WithFields(logrus.Fields{
		"backend":   cfg.Backend.BaseURL,
		"rom":       cfg.Motion.URL,
		"on_device": onDeviceRecognizer != nil,
	}).Info("runtime assembled")

	return Services{
		Controller:   controller,
		Countdown:    countdown,
		Availability: availability,
		Config:       cfg,
		Logger:       logger,
	}, nil
}
