package domain

import "encoding/json"

// Step is the session program counter. It only moves forward until the session is reset.
type Step int

const (
	StepIdle          Step = 0
	StepChat          Step = 1
	StepChatLast      Step = 7
	StepPainCapture   Step = 8
	StepPainReview    Step = 9
	StepPainLast      Step = 10
	StepQuestionnaire Step = 11
	StepQuestionLast  Step = 19
	StepMotionIntro   Step = 20
	StepMotionCapture Step = 21
	StepMotionSaved   Step = 22
	StepMotionLast    Step = 23
	StepSummary       Step = 24
)

// Phase is a contiguous range of steps sharing one view.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseChat          Phase = "chat"
	PhasePainCapture   Phase = "pain_capture"
	PhaseQuestionnaire Phase = "questionnaire"
	PhaseMotion        Phase = "motion"
	PhaseSummary       Phase = "summary"
)

// PhaseOf maps a step onto its phase. Steps past the summary stay in the summary phase.
func PhaseOf(step Step) Phase {
	switch {
	case step <= StepIdle:
		return PhaseIdle
	case step <= StepChatLast:
		return PhaseChat
	case step <= StepPainLast:
		return PhasePainCapture
	case step <= StepQuestionLast:
		return PhaseQuestionnaire
	case step <= StepMotionLast:
		return PhaseMotion
	default:
		return PhaseSummary
	}
}

// LastStep returns the final step of a phase.
func LastStep(phase Phase) Step {
	switch phase {
	case PhaseIdle:
		return StepIdle
	case PhaseChat:
		return StepChatLast
	case PhasePainCapture:
		return StepPainLast
	case PhaseQuestionnaire:
		return StepQuestionLast
	case PhaseMotion:
		return StepMotionLast
	default:
		return StepSummary
	}
}

// SessionState is the controller state visible to views, derived from the step.
type SessionState string

const (
	StateIdle                SessionState = "idle"
	StateChatting            SessionState = "chatting"
	StateAwaitingPainCapture SessionState = "awaiting_pain_capture"
	StateQuestionnaire       SessionState = "questionnaire"
	StateMotionCapture       SessionState = "motion_capture"
	StateSummary             SessionState = "summary"
)

// StateOf derives the controller state. The chat resumes inside the pain phase once the capture is delivered.
func StateOf(step Step) SessionState {
	switch PhaseOf(step) {
	case PhaseIdle:
		return StateIdle
	case PhaseChat:
		return StateChatting
	case PhasePainCapture:
		if step == StepPainCapture {
			return StateAwaitingPainCapture
		}
		return StateChatting
	case PhaseQuestionnaire:
		return StateQuestionnaire
	case PhaseMotion:
		return StateMotionCapture
	default:
		return StateSummary
	}
}

// Activity is what the session is doing right now. At most one activity is active at a time.
type Activity string

const (
	ActivityNone       Activity = ""
	ActivityListening  Activity = "listening"
	ActivitySpeaking   Activity = "speaking"
	ActivityProcessing Activity = "processing"
)

// Action is the oracle's declared next move.
type Action string

const (
	ActionContinue  Action = ""
	ActionCameraOn  Action = "camera_on"
	ActionNextAPI   Action = "next_api"
	ActionROM       Action = "rom_api"
	ActionDashboard Action = "dashboard_api"
)

// ParseAction normalizes an oracle action. Anything outside the vocabulary means continue.
func ParseAction(raw string) Action {
	switch Action(raw) {
	case ActionCameraOn, ActionNextAPI, ActionROM, ActionDashboard:
		return Action(raw)
	default:
		return ActionContinue
	}
}

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonReady               SessionStateReason = "ready"
	SessionReasonStarting            SessionStateReason = "starting"
	SessionReasonStartFailed         SessionStateReason = "start_failed"
	SessionReasonListening           SessionStateReason = "listening"
	SessionReasonNoSpeech            SessionStateReason = "no_speech"
	SessionReasonProcessing          SessionStateReason = "processing"
	SessionReasonSpeaking            SessionStateReason = "speaking"
	SessionReasonTurnFailed          SessionStateReason = "turn_failed"
	SessionReasonPainCaptureReady    SessionStateReason = "pain_capture_ready"
	SessionReasonCapturing           SessionStateReason = "capturing"
	SessionReasonCaptureFailed       SessionStateReason = "capture_failed"
	SessionReasonQuestionnaire       SessionStateReason = "questionnaire"
	SessionReasonMotionCapture       SessionStateReason = "motion_capture"
	SessionReasonMotionSaveFailed    SessionStateReason = "motion_save_failed"
	SessionReasonSummaryReady        SessionStateReason = "summary_ready"
	SessionReasonSummaryFailed       SessionStateReason = "summary_failed"
	SessionReasonSpeechDegraded      SessionStateReason = "speech_degraded"
	SessionReasonReset               SessionStateReason = "reset"
	SessionReasonIdle                SessionStateReason = "idle"
	SessionReasonQuestionUnavailable SessionStateReason = "question_unavailable"
)

// ErrorCode identifies non-fatal and fatal backend errors.
type ErrorCode string

const (
	ErrorCodeStartup    ErrorCode = "startup"
	ErrorCodeOracle     ErrorCode = "oracle"
	ErrorCodeSpeech     ErrorCode = "speech"
	ErrorCodeCapture    ErrorCode = "capture"
	ErrorCodeMotion     ErrorCode = "motion"
	ErrorCodeSummary    ErrorCode = "summary"
	ErrorCodeMicrophone ErrorCode = "microphone"
)

// AssessmentRequest is the body used to open an assessment.
type AssessmentRequest struct {
	UserID         int    `json:"userId"`
	AnatomyID      int    `json:"anatomyId"`
	AssessmentType string `json:"assessmentType"`
}

// ChatReply is the oracle's answer to one free-form turn.
type ChatReply struct {
	Response string
	Action   Action
}

// Question is the next structured question. A question carrying a phase action may have no text.
type Question struct {
	Text    string   `json:"question"`
	Options []string `json:"options,omitempty"`
	Action  Action   `json:"action,omitempty"`
}

// MediaKind tags a capture artifact.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
	MediaImage MediaKind = "image"
)

// Artifact is one capture cycle's output. It is discarded after a single oracle call.
type Artifact struct {
	Kind     MediaKind
	MIMEType string
	Data     []byte
}

// Empty reports whether the capture produced no data.
func (a Artifact) Empty() bool {
	return len(a.Data) == 0
}

// RangeOfMotion is the measured movement range in degrees.
type RangeOfMotion struct {
	Minimum float64 `json:"minimum"`
	Maximum float64 `json:"maximum"`
}

// Summary is the aggregated dashboard payload. Its shape belongs to the oracle.
type Summary json.RawMessage

// MarshalJSON keeps the payload verbatim.
func (s Summary) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return s, nil
}

// Status summarizes the current runtime status for views.
type Status struct {
	SessionID       string       `json:"sessionId"`
	State           SessionState `json:"state"`
	Phase           Phase        `json:"phase"`
	Step            Step         `json:"step"`
	AssessmentID    string       `json:"assessmentId,omitempty"`
	Listening       bool         `json:"listening"`
	Speaking        bool         `json:"speaking"`
	Processing      bool         `json:"processing"`
	RemoteSpeech    bool         `json:"remoteSpeech"`
	PendingQuestion *Question    `json:"pendingQuestion,omitempty"`
	Message         string       `json:"message,omitempty"`
}

// Snapshot is a read-only copy of the whole session for views.
type Snapshot struct {
	Status        Status              `json:"status"`
	Chat          []ChatTurn          `json:"chat"`
	Questionnaire []QuestionnaireTurn `json:"questionnaire"`
	RangeOfMotion *RangeOfMotion      `json:"rangeOfMotion,omitempty"`
	Summary       Summary             `json:"summary,omitempty"`
}
