package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/samber/lo"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"triageassist/internal/bootstrap"
	"triageassist/internal/config"
	"triageassist/internal/domain"
	"triageassist/internal/usecase"
)

const (
	eventSession    = "triage:session"
	eventTranscript = "triage:transcript"
	eventSummary    = "triage:summary"
	eventCountdown  = "triage:countdown"
	eventError      = "triage:error"
)

// App is the Wails application root.
type App struct {
	ctx context.Context

	controller *usecase.SessionController
	countdown  *usecase.CountdownSink
	cfg        config.Config
	bootErr    error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.cfg = services.Config
	a.controller = services.Controller
	a.countdown = services.Countdown
	a.SessionStateChanged(a.controller.Status(), domain.SessionReasonReady)
}

func (a *App) shutdown(_ context.Context) {
	if a.controller != nil {
		a.controller.Close()
	}
	if a.countdown != nil {
		a.countdown.Stop()
	}
}

// StartAssessment opens a new assessment and starts the conversation.
func (a *App) StartAssessment() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.Start(a.ctx); err != nil {
		return a.controller.Status(), err
	}
	return a.controller.Status(), nil
}

// SubmitAnswer answers the pending questionnaire question with a tapped option.
func (a *App) SubmitAnswer(answer string) (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.SubmitAnswer(a.ctx, answer); err != nil {
		return a.controller.Status(), err
	}
	return a.controller.Status(), nil
}

// Reset abandons the current assessment.
func (a *App) Reset() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	a.controller.Reset()
	return a.controller.Status(), nil
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if a.controller == nil {
		if a.bootErr != nil {
			return domain.Status{State: domain.StateIdle, Phase: domain.PhaseIdle, Message: a.bootErr.Error()}
		}
		return domain.Status{State: domain.StateIdle, Phase: domain.PhaseIdle}
	}
	return a.controller.Status()
}

// GetSession returns the transcripts and results of the current session.
func (a *App) GetSession() (domain.Snapshot, error) {
	if err := a.requireReady(); err != nil {
		return domain.Snapshot{}, err
	}
	return a.controller.Snapshot(), nil
}

// GetSummary returns the dashboard payload once loaded.
func (a *App) GetSummary() (domain.Summary, error) {
	if err := a.requireReady(); err != nil {
		return nil, err
	}
	summary, ok := a.controller.Summary()
	if !ok {
		return nil, fmt.Errorf("summary is not ready")
	}
	return summary, nil
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"backend":        a.cfg.Backend.BaseURL,
		"language":       a.cfg.Speech.Language,
		"voice":          a.cfg.Speech.Voice,
		"vocabularyFile": a.cfg.Vocab.Path,
		"audioInput":     a.cfg.Capture.AudioInputDevice,
		"videoInput":     a.cfg.Capture.VideoInputDevice,
		"romService":     a.cfg.Motion.URL,
		"onDeviceSTT":    strconv.FormatBool(a.cfg.Local.WhisperModel != ""),
		"painCountdown":  strconv.Itoa(a.cfg.Session.PainCountdown),
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// SessionStateChanged emits session lifecycle updates to the frontend.
func (a *App) SessionStateChanged(status domain.Status, reason domain.SessionStateReason) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventSession, sessionPayload(status, reason))
}

// TranscriptUpdated emits both transcripts.
func (a *App) TranscriptUpdated(chat []domain.ChatTurn, questionnaire []domain.QuestionnaireTurn) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventTranscript, map[string]any{
		"chat":          lo.Ternary(chat == nil, []domain.ChatTurn{}, chat),
		"questionnaire": lo.Ternary(questionnaire == nil, []domain.QuestionnaireTurn{}, questionnaire),
	})
}

// SummaryReady emits the loaded dashboard payload.
func (a *App) SummaryReady(summary domain.Summary) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventSummary, summary)
}

// Countdown emits the seconds left before a pain capture.
func (a *App) Countdown(remaining int) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventCountdown, map[string]int{"remaining": remaining})
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func sessionPayload(status domain.Status, reason domain.SessionStateReason) map[string]any {
	message := status.Message
	if message == "" {
		message = sessionReasonMessage(reason)
	}
	return map[string]any{
		"status":  status,
		"state":   string(status.State),
		"phase":   string(status.Phase),
		"step":    int(status.Step),
		"reason":  string(reason),
		"message": message,
	}
}

func sessionReasonMessage(reason domain.SessionStateReason) string {
	switch reason {
	case domain.SessionReasonReady:
		return "Ready"
	case domain.SessionReasonStarting:
		return "Starting assessment..."
	case domain.SessionReasonStartFailed:
		return "Could not start the assessment"
	case domain.SessionReasonListening:
		return "Listening..."
	case domain.SessionReasonNoSpeech:
		return "Didn't catch that. Listening again shortly"
	case domain.SessionReasonProcessing:
		return "Thinking..."
	case domain.SessionReasonSpeaking:
		return "Speaking..."
	case domain.SessionReasonTurnFailed:
		return "Error: please try again"
	case domain.SessionReasonPainCaptureReady:
		return "Get ready to show where it hurts"
	case domain.SessionReasonCapturing:
		return "Recording..."
	case domain.SessionReasonCaptureFailed:
		return "Capture failed. Trying again"
	case domain.SessionReasonQuestionnaire:
		return "Please answer the question"
	case domain.SessionReasonQuestionUnavailable:
		return "Waiting for the next question"
	case domain.SessionReasonMotionCapture:
		return "Range of motion check"
	case domain.SessionReasonMotionSaveFailed:
		return "Range of motion could not be saved"
	case domain.SessionReasonSummaryReady:
		return "Your summary is ready"
	case domain.SessionReasonSummaryFailed:
		return "Summary unavailable"
	case domain.SessionReasonSpeechDegraded:
		return "Using on-device speech"
	case domain.SessionReasonReset:
		return "Assessment reset"
	case domain.SessionReasonIdle:
		return "Idle"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeOracle:
		return "Assistant unavailable"
	case domain.ErrorCodeSpeech:
		return "Speech service issue"
	case domain.ErrorCodeCapture:
		return "Camera capture issue"
	case domain.ErrorCodeMotion:
		return "Range of motion issue"
	case domain.ErrorCodeSummary:
		return "Summary failed to load"
	case domain.ErrorCodeMicrophone:
		return "Microphone issue"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
