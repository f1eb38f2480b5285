package ports

import (
	"context"
	"time"

	"triageassist/internal/domain"
)

// Oracle is the remote conversation service.
type Oracle interface {
	CreateAssessment(ctx context.Context, req domain.AssessmentRequest) (string, error)
	Chat(ctx context.Context, assessmentID string, history []domain.ChatTurn, media *domain.Artifact) (domain.ChatReply, error)
	Questionnaire(ctx context.Context, assessmentID string, history []domain.QuestionnaireTurn) (domain.Question, error)
	SaveRangeOfMotion(ctx context.Context, assessmentID string, rom domain.RangeOfMotion) error
	Dashboard(ctx context.Context, assessmentID string) (domain.Summary, error)
}

// SpeechInput turns utterance-bounded audio into text.
type SpeechInput interface {
	Transcribe(ctx context.Context, audio domain.Artifact) (string, error)
}

// SpeechOutput renders text as speech and returns once playback ends.
type SpeechOutput interface {
	Speak(ctx context.Context, text string) error
	Cancel()
}

// SpeechHealth reports whether the remote speech backend is usable.
type SpeechHealth interface {
	Probe(ctx context.Context) bool
	Reset()
	RemoteAvailable() bool
}

// Recognizer is one speech-to-text backend.
type Recognizer interface {
	Recognize(ctx context.Context, audio domain.Artifact, language string) (string, error)
}

// Synthesizer is one text-to-speech backend. Remote backends return encoded
// audio for the player; on-device backends play directly and return nil audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Player plays encoded audio until it ends or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// CaptureConfig describes capture devices and encodings.
type CaptureConfig struct {
	AudioInputFormat string
	AudioInputDevice string
	VideoInputFormat string
	VideoInputDevice string
	SampleRate       int
	Channels         int
	FrameRate        int
}

// FrameStream is a live camera frame source.
type FrameStream interface {
	Frames() <-chan []byte
	Stop() error
}

// Capture acquires audio and video from hardware. Every call releases its devices before returning,
// except StreamFrames, whose devices are held until Stop.
type Capture interface {
	CaptureUtterance(ctx context.Context, maxDuration time.Duration) (domain.Artifact, error)
	CaptureTimedVideo(ctx context.Context, duration time.Duration) (domain.Artifact, error)
	StreamFrames(ctx context.Context) (FrameStream, error)
}

// MotionSession is a live range-of-motion analysis session.
type MotionSession interface {
	SendFrame(frame []byte) error
	Latest() (domain.RangeOfMotion, bool)
	Close() error
}

// MotionAnalyzer opens range-of-motion analysis sessions.
type MotionAnalyzer interface {
	Open(ctx context.Context, sessionID string) (MotionSession, error)
}

// VocabularyRules transforms transcripts using deterministic rules.
type VocabularyRules interface {
	Apply(text string) (string, error)
}

// EventSink emits backend state/events to the UI.
type EventSink interface {
	SessionStateChanged(status domain.Status, reason domain.SessionStateReason)
	TranscriptUpdated(chat []domain.ChatTurn, questionnaire []domain.QuestionnaireTurn)
	SummaryReady(summary domain.Summary)
	Countdown(remaining int)
	SessionError(code domain.ErrorCode, detail string)
}
