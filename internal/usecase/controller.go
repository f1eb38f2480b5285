package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"triageassist/internal/domain"
	"triageassist/internal/logging"
	"triageassist/internal/ports"
)

var (
	ErrTurnInFlight   = errors.New("a turn is already in flight")
	ErrNotStarted     = errors.New("session not started")
	ErrAlreadyStarted = errors.New("session already started")
	ErrWrongPhase     = errors.New("operation not allowed in the current phase")
	ErrEmptyAnswer    = errors.New("answer is empty")
	ErrSessionReset   = errors.New("session was reset")
	ErrClosed         = errors.New("controller closed")
)

const (
	greetingUtterance   = "Hello"
	questionnaireOpener = "hi"
	painVideoUtterance  = "[pain location video]"

	retryMessage        = "Error: please try again."
	noSpeechMessage     = "Sorry, I didn't catch that."
	captureRetryMessage = "The capture didn't work. Let's try again."
	motionInstructions  = "Now let's measure your range of motion. Stand in view of the camera and bend forward slowly as far as is comfortable, then come back up."
)

// Config controls pacing of the session.
type Config struct {
	Assessment        domain.AssessmentRequest
	ListenTimeout     time.Duration
	NoSpeechBackoff   time.Duration
	TurnRetryBackoff  time.Duration
	PainCountdown     time.Duration
	PainCaptureLength time.Duration
	MotionCaptureLen  time.Duration
	// CaptureGrace is how long past its nominal length a capture may run before it is abandoned.
	CaptureGrace time.Duration
}

// Dependencies are the collaborators of the controller.
type Dependencies struct {
	Oracle     ports.Oracle
	Input      ports.SpeechInput
	Output     ports.SpeechOutput
	Health     ports.SpeechHealth
	Capture    ports.Capture
	Motion     ports.MotionAnalyzer
	Vocabulary ports.VocabularyRules
	Events     ports.EventSink
	Log        logrus.FieldLogger
}

// SessionController is the single state machine owning a triage session. All mutations happen
// under mu through the *Locked methods. Asynchronous work captures the epoch it was started in
// and is dropped when a reset has moved the epoch on.
type SessionController struct {
	oracle  ports.Oracle
	input   ports.SpeechInput
	output  ports.SpeechOutput
	health  ports.SpeechHealth
	capture ports.Capture
	motion  ports.MotionAnalyzer
	vocab   ports.VocabularyRules
	events  ports.EventSink
	log     logrus.FieldLogger
	cfg     Config

	hardware *hardwareLease

	mu           sync.Mutex
	session      *domain.Session
	epoch        uint64
	epochCtx     context.Context
	epochCancel  context.CancelFunc
	timers       map[*time.Timer]struct{}
	listenSeq    uint64
	listenCancel context.CancelFunc
	speechSeq    uint64
	cycle        *captureCycle
	message      string
	closed       bool
}

func NewSessionController(deps Dependencies, cfg Config) *SessionController {
	if cfg.ListenTimeout <= 0 {
		cfg.ListenTimeout = 8 * time.Second
	}
	if cfg.NoSpeechBackoff <= 0 {
		cfg.NoSpeechBackoff = time.Second
	}
	if cfg.TurnRetryBackoff <= 0 {
		cfg.TurnRetryBackoff = 3 * time.Second
	}
	if cfg.PainCaptureLength <= 0 {
		cfg.PainCaptureLength = 5 * time.Second
	}
	if cfg.MotionCaptureLen <= 0 {
		cfg.MotionCaptureLen = 10 * time.Second
	}
	if cfg.CaptureGrace <= 0 {
		cfg.CaptureGrace = 10 * time.Second
	}
	log := deps.Log
	if log == nil {
		log = logging.Discard()
	}

	c := &SessionController{
		oracle:   deps.Oracle,
		input:    deps.Input,
		output:   deps.Output,
		health:   deps.Health,
		capture:  deps.Capture,
		motion:   deps.Motion,
		vocab:    deps.Vocabulary,
		events:   deps.Events,
		log:      log.WithField("component", "session"),
		cfg:      cfg,
		hardware: newHardwareLease(),
		timers:   make(map[*time.Timer]struct{}),
	}
	c.epochCtx, c.epochCancel = context.WithCancel(context.Background())
	c.session = domain.NewSession(uuid.NewString())
	return c
}

// Start opens the assessment and runs the greeting turn.
func (c *SessionController) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.session.Step != domain.StepIdle || c.session.Activity != domain.ActivityNone {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.session.Activity = domain.ActivityProcessing
	c.message = ""
	epoch := c.epoch
	opCtx, stop := mergeCancel(c.epochCtx, ctx)
	c.emitStatusLocked(domain.SessionReasonStarting)
	c.mu.Unlock()
	defer stop()

	remote := false
	if c.health != nil {
		remote = c.health.Probe(opCtx)
	}
	assessmentID, err := c.oracle.CreateAssessment(opCtx, c.cfg.Assessment)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(epoch) {
		return ErrSessionReset
	}
	c.session.Activity = domain.ActivityNone
	if err != nil {
		c.message = retryMessage
		c.log.WithError(err).Warn("create assessment failed")
		c.events.SessionError(domain.ErrorCodeStartup, err.Error())
		c.emitStatusLocked(domain.SessionReasonStartFailed)
		return err
	}
	if err := c.session.SetAssessment(assessmentID); err != nil {
		return err
	}
	_ = c.session.Advance(domain.StepChat)
	c.logLocked().WithFields(logrus.Fields{
		"assessment_id": assessmentID,
		"remote_speech": remote,
	}).Info("assessment started")

	if err := c.beginTurnLocked(turnChat, greetingUtterance, nil); err != nil {
		return err
	}
	return nil
}

// SubmitAnswer runs a questionnaire turn with an answer chosen in the view.
func (c *SessionController) SubmitAnswer(_ context.Context, answer string) error {
	answer = strings.TrimSpace(answer)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.session.Step == domain.StepIdle {
		return ErrNotStarted
	}
	if c.session.Phase() != domain.PhaseQuestionnaire {
		return ErrWrongPhase
	}
	if answer == "" {
		return ErrEmptyAnswer
	}
	if c.session.Listening() {
		c.stopListeningLocked()
	}
	return c.beginTurnLocked(turnQuestionnaire, answer, nil)
}

// Reset abandons the current session and starts a fresh idle one.
func (c *SessionController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.resetLocked()
	c.events.TranscriptUpdated(nil, nil)
	c.emitStatusLocked(domain.SessionReasonReset)
}

// Close resets and refuses every later call.
func (c *SessionController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.resetLocked()
	c.closed = true
	c.epochCancel()
}

// SpeechDegraded reports that speech switched to the on-device backend.
func (c *SessionController) SpeechDegraded(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	detail := "remote speech unavailable"
	if cause != nil {
		detail = cause.Error()
	}
	c.events.SessionError(domain.ErrorCodeSpeech, detail)
	c.emitStatusLocked(domain.SessionReasonSpeechDegraded)
}

// Status returns the current backend status.
func (c *SessionController) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Snapshot returns a copy of the whole session.
func (c *SessionController) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := domain.Snapshot{
		Status:        c.statusLocked(),
		Chat:          c.session.ChatHistory(),
		Questionnaire: c.session.QuestionnaireHistory(),
		Summary:       append(domain.Summary(nil), c.session.Summary...),
	}
	if rom := c.session.RangeOfMotion; rom != nil {
		copied := *rom
		snapshot.RangeOfMotion = &copied
	}
	return snapshot
}

// Summary returns the dashboard payload once it has loaded.
func (c *SessionController) Summary() (domain.Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.session.Summary) == 0 {
		return nil, false
	}
	return append(domain.Summary(nil), c.session.Summary...), true
}

func (c *SessionController) resetLocked() {
	c.epoch++
	c.epochCancel()
	c.epochCtx, c.epochCancel = context.WithCancel(context.Background())
	for timer := range c.timers {
		timer.Stop()
		delete(c.timers, timer)
	}
	if c.listenCancel != nil {
		c.listenCancel()
		c.listenCancel = nil
	}
	c.listenSeq++
	c.speechSeq++
	c.cycle = nil
	if c.output != nil {
		c.output.Cancel()
	}
	if c.health != nil {
		c.health.Reset()
	}
	c.session.Activity = domain.ActivityNone
	c.session = domain.NewSession(uuid.NewString())
	c.message = ""
	c.logLocked().Info("session reset")
}

func (c *SessionController) currentLocked(epoch uint64) bool {
	return !c.closed && c.epoch == epoch
}

func (c *SessionController) statusLocked() domain.Status {
	status := c.session.Status()
	if c.health != nil {
		status.RemoteSpeech = c.health.RemoteAvailable()
	}
	status.Message = c.message
	return status
}

func (c *SessionController) emitStatusLocked(reason domain.SessionStateReason) {
	c.events.SessionStateChanged(c.statusLocked(), reason)
}

func (c *SessionController) emitTranscriptLocked() {
	c.events.TranscriptUpdated(c.session.ChatHistory(), c.session.QuestionnaireHistory())
}

func (c *SessionController) logLocked() logrus.FieldLogger {
	return c.log.WithFields(logrus.Fields{
		"session_id": c.session.ID,
		"epoch":      c.epoch,
		"step":       c.session.Step,
	})
}

// mergeCancel returns a context cancelled when either parent is done.
func mergeCancel(primary context.Context, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(primary)
	if secondary == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(secondary, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
