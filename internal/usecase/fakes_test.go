package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"triageassist/internal/domain"
	"triageassist/internal/ports"
)

type chatResult struct {
	reply domain.ChatReply
	err   error
}

type questionResult struct {
	question domain.Question
	err      error
}

type fakeOracle struct {
	mu            sync.Mutex
	createID      string
	createErr     error
	createCalls   []domain.AssessmentRequest
	chatResults   []chatResult
	chatCalls     [][]domain.ChatTurn
	chatMedia     []*domain.Artifact
	chatReturned  int
	questions     []questionResult
	questionCalls [][]domain.QuestionnaireTurn
	saved         []domain.RangeOfMotion
	saveErr       error
	dashboard     domain.Summary
	dashboardErrs []error
	dashboardHits int
	inFlight      int
	maxInFlight   int

	// chatGate, when set, holds every chat call until a value is received.
	chatGate chan struct{}
}

func (f *fakeOracle) CreateAssessment(_ context.Context, req domain.AssessmentRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, req)
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.createID == "" {
		return "assessment-1", nil
	}
	return f.createID, nil
}

func (f *fakeOracle) Chat(_ context.Context, _ string, history []domain.ChatTurn, media *domain.Artifact) (domain.ChatReply, error) {
	f.mu.Lock()
	f.chatCalls = append(f.chatCalls, history)
	f.chatMedia = append(f.chatMedia, media)
	f.enterLocked()
	gate := f.chatGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.chatReturned++
	if len(f.chatResults) == 0 {
		return domain.ChatReply{Response: "Tell me more."}, nil
	}
	next := f.chatResults[0]
	f.chatResults = f.chatResults[1:]
	return next.reply, next.err
}

func (f *fakeOracle) Questionnaire(_ context.Context, _ string, history []domain.QuestionnaireTurn) (domain.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questionCalls = append(f.questionCalls, history)
	if len(f.questions) == 0 {
		return domain.Question{Text: "Anything else?"}, nil
	}
	next := f.questions[0]
	f.questions = f.questions[1:]
	return next.question, next.err
}

func (f *fakeOracle) SaveRangeOfMotion(_ context.Context, _ string, rom domain.RangeOfMotion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, rom)
	return f.saveErr
}

func (f *fakeOracle) Dashboard(_ context.Context, _ string) (domain.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dashboardHits++
	if len(f.dashboardErrs) > 0 {
		err := f.dashboardErrs[0]
		f.dashboardErrs = f.dashboardErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.dashboard == nil {
		return domain.Summary(`{"painScore":4}`), nil
	}
	return f.dashboard, nil
}

func (f *fakeOracle) enterLocked() {
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
}

func (f *fakeOracle) chatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chatCalls)
}

func (f *fakeOracle) chatCall(i int) ([]domain.ChatTurn, *domain.Artifact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatCalls[i], f.chatMedia[i]
}

func (f *fakeOracle) questionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.questionCalls)
}

func (f *fakeOracle) questionCall(i int) []domain.QuestionnaireTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.questionCalls[i]
}

func (f *fakeOracle) savedRanges() []domain.RangeOfMotion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RangeOfMotion(nil), f.saved...)
}

func (f *fakeOracle) dashboardCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dashboardHits
}

func (f *fakeOracle) returnedChats() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatReturned
}

// fakeInput treats the artifact bytes as the spoken text.
type fakeInput struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeInput) Transcribe(_ context.Context, audio domain.Artifact) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return string(audio.Data), nil
}

type fakeOutput struct {
	mu       sync.Mutex
	spoken   []string
	cancels  int
	gate     chan struct{}
	speaking int
	overlap  bool
}

func (f *fakeOutput) Speak(ctx context.Context, text string) error {
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.speaking++
	if f.speaking > 1 {
		f.overlap = true
	}
	gate := f.gate
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.speaking--
		f.mu.Unlock()
	}()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeOutput) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
}

func (f *fakeOutput) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

func (f *fakeOutput) isSpeaking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speaking > 0
}

type fakeHealth struct {
	mu     sync.Mutex
	remote bool
	probes int
	resets int
}

func (f *fakeHealth) Probe(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.remote
}

func (f *fakeHealth) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeHealth) RemoteAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

type videoResult struct {
	data []byte
	err  error
}

// fakeCapture hands out queued utterances and tracks how many captures hold the hardware.
type fakeCapture struct {
	said chan string

	mu             sync.Mutex
	utteranceCalls int
	videoCalls     int
	streamCalls    int
	videos         []videoResult
	frames         int
	streamErr      error
	active         int
	maxActive      int
	speakingDuring bool
	output         *fakeOutput
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{said: make(chan string, 8), frames: 3}
}

func (f *fakeCapture) say(text string) {
	f.said <- text
}

func (f *fakeCapture) enter() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
}

func (f *fakeCapture) leave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
}

func (f *fakeCapture) CaptureUtterance(ctx context.Context, maxDuration time.Duration) (domain.Artifact, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	f.utteranceCalls++
	if f.output != nil && f.output.isSpeaking() {
		f.speakingDuring = true
	}
	f.mu.Unlock()

	timer := time.NewTimer(maxDuration)
	defer timer.Stop()
	select {
	case text := <-f.said:
		return domain.Artifact{Kind: domain.MediaAudio, MIMEType: "audio/wav", Data: []byte(text)}, nil
	case <-timer.C:
		return domain.Artifact{Kind: domain.MediaAudio}, nil
	case <-ctx.Done():
		return domain.Artifact{}, ctx.Err()
	}
}

func (f *fakeCapture) CaptureTimedVideo(_ context.Context, _ time.Duration) (domain.Artifact, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoCalls++
	result := videoResult{data: []byte("mp4-bytes")}
	if len(f.videos) > 0 {
		result = f.videos[0]
		f.videos = f.videos[1:]
	}
	if result.err != nil {
		return domain.Artifact{}, result.err
	}
	return domain.Artifact{Kind: domain.MediaVideo, MIMEType: "video/mp4", Data: result.data}, nil
}

func (f *fakeCapture) StreamFrames(_ context.Context) (ports.FrameStream, error) {
	f.mu.Lock()
	f.streamCalls++
	err := f.streamErr
	count := f.frames
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	f.enter()
	frames := make(chan []byte, count)
	for i := 0; i < count; i++ {
		frames <- []byte(fmt.Sprintf("frame-%d", i))
	}
	close(frames)
	return &fakeFrameStream{frames: frames, stop: f.leave}, nil
}

func (f *fakeCapture) counts() (utterances int, videos int, streams int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.utteranceCalls, f.videoCalls, f.streamCalls
}

type fakeFrameStream struct {
	frames chan []byte
	once   sync.Once
	stop   func()
}

func (f *fakeFrameStream) Frames() <-chan []byte { return f.frames }

func (f *fakeFrameStream) Stop() error {
	f.once.Do(f.stop)
	return nil
}

type fakeMotion struct {
	mu       sync.Mutex
	rom      domain.RangeOfMotion
	measured bool
	openErr  error
	sent     int
	closed   int
}

func (f *fakeMotion) Open(_ context.Context, _ string) (ports.MotionSession, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeMotionSession{parent: f}, nil
}

func (f *fakeMotion) framesSent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

type fakeMotionSession struct {
	parent *fakeMotion
}

func (s *fakeMotionSession) SendFrame(_ []byte) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.sent++
	return nil
}

func (s *fakeMotionSession) Latest() (domain.RangeOfMotion, bool) {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	return s.parent.rom, s.parent.measured
}

func (s *fakeMotionSession) Close() error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.closed++
	return nil
}

type fakeVocabulary struct {
	from string
	to   string
}

func (f fakeVocabulary) Apply(text string) (string, error) {
	if text == f.from {
		return f.to, nil
	}
	return text, nil
}

type stateEvent struct {
	status domain.Status
	reason domain.SessionStateReason
}

type errEvent struct {
	code   domain.ErrorCode
	detail string
}

// fakeEventSink records events and checks the session invariants on every emission.
type fakeEventSink struct {
	mu            sync.Mutex
	states        []stateEvent
	chat          []domain.ChatTurn
	questionnaire []domain.QuestionnaireTurn
	summaries     []domain.Summary
	errors        []errEvent
	countdowns    []int
	violations    []string
}

func (f *fakeEventSink) SessionStateChanged(status domain.Status, reason domain.SessionStateReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	active := 0
	for _, flag := range []bool{status.Listening, status.Speaking, status.Processing} {
		if flag {
			active++
		}
	}
	if active > 1 {
		f.violations = append(f.violations, fmt.Sprintf("%d activity flags set at %s", active, reason))
	}
	f.states = append(f.states, stateEvent{status: status, reason: reason})
}

func (f *fakeEventSink) TranscriptUpdated(chat []domain.ChatTurn, questionnaire []domain.QuestionnaireTurn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	open := 0
	for _, turn := range chat {
		if !turn.Answered {
			open++
		}
	}
	if open > 1 {
		f.violations = append(f.violations, "chat transcript has more than one open entry")
	}
	open = 0
	for _, turn := range questionnaire {
		if !turn.Answered {
			open++
		}
	}
	if open > 1 {
		f.violations = append(f.violations, "questionnaire transcript has more than one open entry")
	}
	f.chat = chat
	f.questionnaire = questionnaire
}

func (f *fakeEventSink) SummaryReady(summary domain.Summary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, summary)
}

func (f *fakeEventSink) Countdown(remaining int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countdowns = append(f.countdowns, remaining)
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errEvent{code: code, detail: detail})
}

func (f *fakeEventSink) sawReason(reason domain.SessionStateReason) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, state := range f.states {
		if state.reason == reason {
			return true
		}
	}
	return false
}

func (f *fakeEventSink) sawError(code domain.ErrorCode) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.errors {
		if e.code == code {
			return true
		}
	}
	return false
}

func (f *fakeEventSink) summaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.summaries)
}

func (f *fakeEventSink) countdownValues() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.countdowns...)
}

func (f *fakeEventSink) snapshotViolations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.violations...)
}

type harness struct {
	controller *SessionController
	oracle     *fakeOracle
	input      *fakeInput
	output     *fakeOutput
	health     *fakeHealth
	capture    *fakeCapture
	motion     *fakeMotion
	events     *fakeEventSink
	cfg        Config
}

func testConfig() Config {
	return Config{
		Assessment:        domain.AssessmentRequest{UserID: 1, AnatomyID: 3, AssessmentType: "PAIN"},
		ListenTimeout:     200 * time.Millisecond,
		NoSpeechBackoff:   10 * time.Millisecond,
		TurnRetryBackoff:  20 * time.Millisecond,
		PainCaptureLength: 10 * time.Millisecond,
		MotionCaptureLen:  time.Second,
		CaptureGrace:      2 * time.Second,
	}
}

func newHarness(t *testing.T, configure ...func(*harness)) *harness {
	t.Helper()

	output := &fakeOutput{}
	capture := newFakeCapture()
	capture.output = output
	h := &harness{
		oracle:  &fakeOracle{},
		input:   &fakeInput{},
		output:  output,
		health:  &fakeHealth{remote: true},
		capture: capture,
		motion:  &fakeMotion{rom: domain.RangeOfMotion{Minimum: 5, Maximum: 70}, measured: true},
		events:  &fakeEventSink{},
		cfg:     testConfig(),
	}
	for _, fn := range configure {
		fn(h)
	}
	h.controller = NewSessionController(Dependencies{
		Oracle:  h.oracle,
		Input:   h.input,
		Output:  h.output,
		Health:  h.health,
		Capture: h.capture,
		Motion:  h.motion,
		Events:  h.events,
	}, h.cfg)

	t.Cleanup(func() {
		h.controller.Close()
		require.Empty(t, h.events.snapshotViolations())
		h.capture.mu.Lock()
		defer h.capture.mu.Unlock()
		require.LessOrEqual(t, h.capture.maxActive, 1, "hardware held by two captures")
		require.False(t, h.capture.speakingDuring, "listened while speaking")
		h.output.mu.Lock()
		defer h.output.mu.Unlock()
		require.False(t, h.output.overlap, "overlapping utterances")
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.controller.Start(context.Background()))
}

func eventually(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	require.Eventually(t, condition, 3*time.Second, 5*time.Millisecond, msg)
}
