package domain

import "errors"

var (
	// ErrUnansweredTurn is returned when a turn is appended while another still waits for its reply.
	ErrUnansweredTurn = errors.New("previous turn has no reply yet")
	// ErrNoOpenTurn is returned when a reply arrives without an open turn.
	ErrNoOpenTurn = errors.New("no open turn")
	// ErrAssessmentSet is returned when an assessment id is assigned twice.
	ErrAssessmentSet = errors.New("assessment already set")
	// ErrStepBackwards is returned when a step change would decrease the step.
	ErrStepBackwards = errors.New("step cannot decrease")
)

// ChatTurn is one free-form user utterance and the assistant reply it produced.
type ChatTurn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant,omitempty"`
	Answered  bool   `json:"answered"`
}

// QuestionnaireTurn is one structured answer and the question asked after it.
type QuestionnaireTurn struct {
	Answer   string `json:"answer"`
	Question string `json:"question,omitempty"`
	Answered bool   `json:"answered"`
}

// Session is one triage encounter.
type Session struct {
	ID              string
	AssessmentID    string
	Step            Step
	Chat            []ChatTurn
	Questionnaire   []QuestionnaireTurn
	PendingQuestion *Question
	Activity        Activity
	PainCaptured    bool
	RangeOfMotion   *RangeOfMotion
	Summary         Summary
}

// NewSession returns an idle session.
func NewSession(id string) *Session {
	return &Session{ID: id, Step: StepIdle}
}

// SetAssessment assigns the assessment id once.
func (s *Session) SetAssessment(id string) error {
	if s.AssessmentID != "" {
		return ErrAssessmentSet
	}
	s.AssessmentID = id
	return nil
}

// Advance moves the step forward. Equal steps are a no-op.
func (s *Session) Advance(step Step) error {
	if step < s.Step {
		return ErrStepBackwards
	}
	s.Step = step
	return nil
}

// State derives the controller state from the step.
func (s *Session) State() SessionState {
	return StateOf(s.Step)
}

// Phase derives the active phase from the step.
func (s *Session) Phase() Phase {
	return PhaseOf(s.Step)
}

func (s *Session) Listening() bool  { return s.Activity == ActivityListening }
func (s *Session) Speaking() bool   { return s.Activity == ActivitySpeaking }
func (s *Session) Processing() bool { return s.Activity == ActivityProcessing }

// OpenChatTurn appends a user utterance without a reply.
func (s *Session) OpenChatTurn(user string) error {
	if n := len(s.Chat); n > 0 && !s.Chat[n-1].Answered {
		return ErrUnansweredTurn
	}
	s.Chat = append(s.Chat, ChatTurn{User: user})
	return nil
}

// AnswerChatTurn fills the reply of the open turn.
func (s *Session) AnswerChatTurn(reply string) error {
	n := len(s.Chat)
	if n == 0 || s.Chat[n-1].Answered {
		return ErrNoOpenTurn
	}
	s.Chat[n-1].Assistant = reply
	s.Chat[n-1].Answered = true
	return nil
}

// DropOpenChatTurn removes an open turn whose oracle call failed.
func (s *Session) DropOpenChatTurn() {
	if n := len(s.Chat); n > 0 && !s.Chat[n-1].Answered {
		s.Chat = s.Chat[:n-1]
	}
}

// OpenQuestionnaireTurn appends an answer and clears the pending question.
func (s *Session) OpenQuestionnaireTurn(answer string) error {
	if n := len(s.Questionnaire); n > 0 && !s.Questionnaire[n-1].Answered {
		return ErrUnansweredTurn
	}
	s.Questionnaire = append(s.Questionnaire, QuestionnaireTurn{Answer: answer})
	s.PendingQuestion = nil
	return nil
}

// AnswerQuestionnaireTurn fills the open turn and sets the pending question.
func (s *Session) AnswerQuestionnaireTurn(q Question) error {
	n := len(s.Questionnaire)
	if n == 0 || s.Questionnaire[n-1].Answered {
		return ErrNoOpenTurn
	}
	s.Questionnaire[n-1].Question = q.Text
	s.Questionnaire[n-1].Answered = true
	if q.Text != "" {
		pending := q
		pending.Options = append([]string(nil), q.Options...)
		s.PendingQuestion = &pending
	} else {
		s.PendingQuestion = nil
	}
	return nil
}

// DropOpenQuestionnaireTurn removes a failed open turn and restores the question it answered.
func (s *Session) DropOpenQuestionnaireTurn(previous *Question) {
	if n := len(s.Questionnaire); n > 0 && !s.Questionnaire[n-1].Answered {
		s.Questionnaire = s.Questionnaire[:n-1]
	}
	s.PendingQuestion = previous
}

// ChatHistory returns a copy of the chat transcript.
func (s *Session) ChatHistory() []ChatTurn {
	return append([]ChatTurn(nil), s.Chat...)
}

// QuestionnaireHistory returns a copy of the questionnaire transcript.
func (s *Session) QuestionnaireHistory() []QuestionnaireTurn {
	return append([]QuestionnaireTurn(nil), s.Questionnaire...)
}

// UnansweredTurns counts entries still waiting for a reply across both transcripts.
func (s *Session) UnansweredTurns() (chat int, questionnaire int) {
	for _, turn := range s.Chat {
		if !turn.Answered {
			chat++
		}
	}
	for _, turn := range s.Questionnaire {
		if !turn.Answered {
			questionnaire++
		}
	}
	return chat, questionnaire
}

// Status projects the session for views.
func (s *Session) Status() Status {
	status := Status{
		SessionID:    s.ID,
		State:        s.State(),
		Phase:        s.Phase(),
		Step:         s.Step,
		AssessmentID: s.AssessmentID,
		Listening:    s.Listening(),
		Speaking:     s.Speaking(),
		Processing:   s.Processing(),
	}
	if s.PendingQuestion != nil {
		q := *s.PendingQuestion
		q.Options = append([]string(nil), q.Options...)
		status.PendingQuestion = &q
	}
	return status
}
