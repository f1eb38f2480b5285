package usecase

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"triageassist/internal/domain"
)

type turnKind int

const (
	turnChat turnKind = iota
	turnQuestionnaire
)

func (k turnKind) String() string {
	if k == turnQuestionnaire {
		return "questionnaire"
	}
	return "chat"
}

var errQuestionUnavailable = errors.New("questionnaire returned no question and no action")

// turnRequest is what a turn sends to the oracle, captured under the lock.
type turnRequest struct {
	epoch         uint64
	kind          turnKind
	assessmentID  string
	chat          []domain.ChatTurn
	questionnaire []domain.QuestionnaireTurn
	media         *domain.Artifact
	previous      *domain.Question
}

// beginTurnLocked opens a transcript entry and sends it to the oracle asynchronously.
func (c *SessionController) beginTurnLocked(kind turnKind, utterance string, media *domain.Artifact) error {
	if c.session.Processing() || c.session.Speaking() {
		c.logLocked().WithField("turn", kind).Debug("turn rejected: another turn or utterance is active")
		return ErrTurnInFlight
	}
	c.stopListeningLocked()

	req := turnRequest{
		epoch:        c.epoch,
		kind:         kind,
		assessmentID: c.session.AssessmentID,
		media:        media,
	}
	switch kind {
	case turnQuestionnaire:
		req.previous = c.session.PendingQuestion
		if err := c.session.OpenQuestionnaireTurn(utterance); err != nil {
			return err
		}
		req.questionnaire = c.session.QuestionnaireHistory()
	default:
		if err := c.session.OpenChatTurn(utterance); err != nil {
			return err
		}
		req.chat = c.session.ChatHistory()
	}

	c.session.Activity = domain.ActivityProcessing
	c.message = ""
	c.emitTranscriptLocked()
	c.emitStatusLocked(domain.SessionReasonProcessing)

	go c.runTurn(c.epochCtx, req)
	return nil
}

func (c *SessionController) runTurn(ctx context.Context, req turnRequest) {
	var (
		reply    domain.ChatReply
		question domain.Question
		err      error
	)
	switch req.kind {
	case turnQuestionnaire:
		question, err = c.oracle.Questionnaire(ctx, req.assessmentID, req.questionnaire)
		if err == nil && strings.TrimSpace(question.Text) == "" && question.Action == domain.ActionContinue {
			err = errQuestionUnavailable
		}
	default:
		reply, err = c.oracle.Chat(ctx, req.assessmentID, req.chat, req.media)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(req.epoch) {
		c.log.WithFields(logrus.Fields{"epoch": req.epoch, "turn": req.kind}).Debug("dropped stale turn result")
		return
	}
	if c.session.Processing() {
		c.session.Activity = domain.ActivityNone
	}
	if err != nil {
		c.failTurnLocked(req, err)
		return
	}

	switch req.kind {
	case turnQuestionnaire:
		if err := c.session.AnswerQuestionnaireTurn(question); err != nil {
			c.logLocked().WithError(err).Error("questionnaire reply without open turn")
			return
		}
		c.emitTranscriptLocked()
		c.handleQuestionLocked(question)
	default:
		if err := c.session.AnswerChatTurn(reply.Response); err != nil {
			c.logLocked().WithError(err).Error("chat reply without open turn")
			return
		}
		if req.media != nil {
			c.session.PainCaptured = true
			_ = c.session.Advance(domain.StepPainReview)
		}
		c.emitTranscriptLocked()
		c.handleChatReplyLocked(reply, req.media != nil)
	}
}

// failTurnLocked rolls the open entry back and waits for new input. Nothing is resent.
func (c *SessionController) failTurnLocked(req turnRequest, err error) {
	c.logLocked().WithError(err).WithField("turn", req.kind).Warn("turn failed")

	reason := domain.SessionReasonTurnFailed
	switch req.kind {
	case turnQuestionnaire:
		c.session.DropOpenQuestionnaireTurn(req.previous)
		if errors.Is(err, errQuestionUnavailable) {
			reason = domain.SessionReasonQuestionUnavailable
		}
	default:
		c.session.DropOpenChatTurn()
	}
	c.message = retryMessage
	c.emitTranscriptLocked()
	c.events.SessionError(domain.ErrorCodeOracle, err.Error())
	c.emitStatusLocked(reason)

	switch {
	case req.media != nil:
		// The video turn is redone by capturing again.
		c.afterLocked(c.cfg.TurnRetryBackoff, c.armPainCaptureLocked)
	case req.kind == turnQuestionnaire && c.session.PendingQuestion == nil:
		// Nothing to answer yet; ask for the first question again.
		c.afterLocked(c.cfg.TurnRetryBackoff, func() {
			if c.session.Phase() == domain.PhaseQuestionnaire && c.session.PendingQuestion == nil {
				_ = c.beginTurnLocked(turnQuestionnaire, questionnaireOpener, nil)
			}
		})
	default:
		c.afterLocked(c.cfg.TurnRetryBackoff, c.resumeListeningLocked)
	}
}

func (c *SessionController) handleChatReplyLocked(reply domain.ChatReply, afterCapture bool) {
	action := reply.Action
	if action == domain.ActionCameraOn && c.session.PainCaptured {
		action = domain.ActionContinue
	}
	c.logLocked().WithField("action", action).Debug("chat reply")

	switch action {
	case domain.ActionCameraOn:
		c.speakThenLocked(reply.Response, c.enterPainCaptureLocked)
	case domain.ActionNextAPI:
		c.speakThenLocked(reply.Response, c.enterQuestionnaireLocked)
	case domain.ActionROM:
		c.speakThenLocked(reply.Response, c.enterMotionLocked)
	case domain.ActionDashboard:
		c.speakThenLocked(reply.Response, c.enterSummaryLocked)
	default:
		if !afterCapture {
			c.stepWithinPhaseLocked()
		}
		c.speakThenLocked(reply.Response, c.resumeListeningLocked)
	}
}

func (c *SessionController) handleQuestionLocked(question domain.Question) {
	c.logLocked().WithField("action", question.Action).Debug("questionnaire reply")

	switch question.Action {
	case domain.ActionROM:
		c.enterMotionLocked()
	case domain.ActionDashboard:
		c.enterSummaryLocked()
	default:
		c.stepWithinPhaseLocked()
		c.emitStatusLocked(domain.SessionReasonQuestionnaire)
		c.speakThenLocked(question.Text, c.resumeListeningLocked)
	}
}

func (c *SessionController) stepWithinPhaseLocked() {
	if c.session.Step < domain.LastStep(c.session.Phase()) {
		_ = c.session.Advance(c.session.Step + 1)
	}
}

// speakThenLocked stops listening, speaks text and then runs next under the lock.
// Completion covers playback end, playback failure and synthesis failure.
func (c *SessionController) speakThenLocked(text string, next func()) {
	text = strings.TrimSpace(text)
	if text == "" || c.output == nil {
		next()
		return
	}
	c.stopListeningLocked()

	c.speechSeq++
	seq := c.speechSeq
	epoch := c.epoch
	ctx := c.epochCtx
	c.session.Activity = domain.ActivitySpeaking
	c.emitStatusLocked(domain.SessionReasonSpeaking)

	go func() {
		err := c.output.Speak(ctx, text)

		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.currentLocked(epoch) || seq != c.speechSeq {
			return
		}
		if err != nil && ctx.Err() == nil {
			c.logLocked().WithError(err).Debug("utterance ended with error")
		}
		if c.session.Speaking() {
			c.session.Activity = domain.ActivityNone
		}
		next()
	}()
}

func (c *SessionController) resumeListeningLocked() {
	if err := c.startListeningLocked(); err != nil {
		c.logLocked().WithError(err).Debug("listen not started")
	}
}

// startListeningLocked captures one utterance. It is refused while speaking, processing or
// already listening, and outside the conversational states.
func (c *SessionController) startListeningLocked() error {
	switch c.session.State() {
	case domain.StateChatting, domain.StateQuestionnaire:
	default:
		return ErrWrongPhase
	}
	if c.session.Activity != domain.ActivityNone {
		return ErrTurnInFlight
	}
	if c.capture == nil || c.input == nil {
		return ErrWrongPhase
	}

	ctx, cancel := context.WithTimeout(c.epochCtx, c.cfg.ListenTimeout+c.cfg.CaptureGrace)
	c.listenSeq++
	seq := c.listenSeq
	c.listenCancel = cancel
	c.session.Activity = domain.ActivityListening
	c.emitStatusLocked(domain.SessionReasonListening)

	go c.runListen(ctx, cancel, c.epoch, seq)
	return nil
}

func (c *SessionController) runListen(ctx context.Context, cancel context.CancelFunc, epoch uint64, seq uint64) {
	defer cancel()

	text, captureErr := c.listenOnce(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(epoch) || seq != c.listenSeq {
		return
	}
	c.listenCancel = nil
	if c.session.Listening() {
		c.session.Activity = domain.ActivityNone
	}
	if captureErr != nil {
		c.events.SessionError(domain.ErrorCodeMicrophone, captureErr.Error())
	}
	if text == "" {
		c.message = noSpeechMessage
		c.emitStatusLocked(domain.SessionReasonNoSpeech)
		c.afterLocked(c.cfg.NoSpeechBackoff, c.resumeListeningLocked)
		return
	}

	kind := turnChat
	if c.session.Phase() == domain.PhaseQuestionnaire {
		kind = turnQuestionnaire
	}
	if err := c.beginTurnLocked(kind, text, nil); err != nil {
		c.logLocked().WithError(err).Warn("utterance dropped")
	}
}

// listenOnce holds the hardware for one utterance capture and transcribes it.
// Only hardware failures are returned; silence and recognition failures yield empty text.
func (c *SessionController) listenOnce(ctx context.Context) (string, error) {
	if err := c.hardware.Acquire(ctx, ownerConversation); err != nil {
		return "", nil
	}
	audio, err := c.capture.CaptureUtterance(ctx, c.cfg.ListenTimeout)
	c.hardware.Release(ownerConversation)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil
		}
		c.log.WithError(err).Warn("utterance capture failed")
		return "", err
	}
	if audio.Empty() {
		return "", nil
	}

	text, err := c.input.Transcribe(ctx, audio)
	if err != nil {
		c.log.WithError(err).Debug("no transcript")
		return "", nil
	}
	text = strings.TrimSpace(text)
	if c.vocab != nil && text != "" {
		corrected, err := c.vocab.Apply(text)
		if err != nil {
			c.log.WithError(err).Warn("vocabulary rules failed")
		} else {
			text = corrected
		}
	}
	return text, nil
}

func (c *SessionController) stopListeningLocked() {
	if c.listenCancel == nil {
		return
	}
	c.listenCancel()
	c.listenCancel = nil
	c.listenSeq++
	if c.session.Listening() {
		c.session.Activity = domain.ActivityNone
	}
}
