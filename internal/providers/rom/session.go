package rom

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"triageassist/internal/domain"
	"triageassist/internal/ports"
)

var ErrSessionClosed = errors.New("range of motion session closed")

// Config controls the range-of-motion analysis websocket.
type Config struct {
	URL          string
	BodyPart     string
	MovementType string
	CloseGrace   time.Duration
}

// Analyzer implements ports.MotionAnalyzer against the ROM analysis service.
type Analyzer struct {
	cfg    Config
	dialer *websocket.Dialer
	log    logrus.FieldLogger
}

func NewAnalyzer(cfg Config, log logrus.FieldLogger) *Analyzer {
	if cfg.URL == "" {
		cfg.URL = "ws://localhost:8000/api/v1/ws"
	}
	if cfg.BodyPart == "" {
		cfg.BodyPart = "lower_back"
	}
	if cfg.MovementType == "" {
		cfg.MovementType = "flexion"
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = time.Second
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	return &Analyzer{cfg: cfg, dialer: &dialer, log: log.WithField("component", "rom")}
}

// Open connects a new analysis session. The session ends when Close is called or ctx ends.
func (a *Analyzer) Open(ctx context.Context, sessionID string) (ports.MotionSession, error) {
	wsURL, err := buildSessionURL(a.cfg.URL, sessionID)
	if err != nil {
		return nil, err
	}

	conn, _, err := a.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ROM websocket: %w", err)
	}

	session := &motionSession{
		conn:     conn,
		cfg:      a.cfg,
		log:      a.log.WithField("rom_session", sessionID),
		frames:   make(chan []byte, 2),
		done:     make(chan struct{}),
		writeEnd: make(chan struct{}),
	}

	session.wg.Add(2)
	go session.readLoop()
	go session.writeLoop()
	go func() {
		session.wg.Wait()
		close(session.done)
		_ = conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-session.done:
		}
	}()

	return session, nil
}

type frameMessage struct {
	FrameBase64  string `json:"frame_base64"`
	BodyPart     string `json:"body_part"`
	MovementType string `json:"movement_type"`
}

type analysisMessage struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Type   string `json:"type"`
	ROM    *struct {
		Min float64 `json:"min"`
		Max float64 `json:"max"`
	} `json:"rom"`
	ROMData *struct {
		ROM []float64 `json:"ROM"`
	} `json:"rom_data"`
}

type motionSession struct {
	conn *websocket.Conn
	cfg  Config
	log  logrus.FieldLogger

	frames   chan []byte
	done     chan struct{}
	writeEnd chan struct{}

	wg sync.WaitGroup

	mu      sync.Mutex
	latest  domain.RangeOfMotion
	hasData bool
	err     error

	sendMu     sync.RWMutex
	sendClosed bool
	closeOnce  sync.Once
}

// SendFrame queues a JPEG frame. Frames are dropped while the previous ones are still in flight.
func (s *motionSession) SendFrame(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return ErrSessionClosed
	}
	select {
	case s.frames <- frame:
	default:
	}
	return nil
}

// Latest returns the most recent range reported by the service.
func (s *motionSession) Latest() (domain.RangeOfMotion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasData
}

func (s *motionSession) Close() error {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.frames)
		s.sendMu.Unlock()

		select {
		case <-s.done:
		case <-time.After(s.cfg.CloseGrace):
			_ = s.conn.Close()
		}
	})
	<-s.done
	return s.waitErr()
}

func (s *motionSession) waitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *motionSession) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}
	select {
	case <-s.writeEnd:
		// Reads fail once the connection is torn down after our own close.
		return
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *motionSession) writeLoop() {
	defer s.wg.Done()

	for frame := range s.frames {
		msg := frameMessage{
			FrameBase64:  base64.StdEncoding.EncodeToString(frame),
			BodyPart:     s.cfg.BodyPart,
			MovementType: s.cfg.MovementType,
		}
		if err := s.conn.WriteJSON(msg); err != nil {
			s.setErr(fmt.Errorf("failed to send frame: %w", err))
			for range s.frames {
			}
			close(s.writeEnd)
			return
		}
	}

	close(s.writeEnd)
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)); err != nil {
		s.log.WithError(err).Debug("rom close handshake failed")
	}
}

func (s *motionSession) readLoop() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("failed to read ROM event: %w", err))
			return
		}

		var msg analysisMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if strings.EqualFold(msg.Type, "ping") {
			continue
		}
		if strings.EqualFold(msg.Status, "error") {
			s.log.WithField("detail", msg.Error).Debug("rom frame rejected")
			continue
		}

		if rom, ok := extractRange(msg); ok {
			s.mu.Lock()
			s.latest = rom
			s.hasData = true
			s.mu.Unlock()
		}
	}
}

func extractRange(msg analysisMessage) (domain.RangeOfMotion, bool) {
	if msg.ROM != nil {
		return domain.RangeOfMotion{Minimum: msg.ROM.Min, Maximum: msg.ROM.Max}, true
	}
	if msg.ROMData != nil && len(msg.ROMData.ROM) >= 2 {
		return domain.RangeOfMotion{Minimum: msg.ROMData.ROM[0], Maximum: msg.ROMData.ROM[1]}, true
	}
	return domain.RangeOfMotion{}, false
}

func buildSessionURL(base string, sessionID string) (string, error) {
	base = strings.TrimSpace(base)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	parsed, err := url.Parse(base + "/" + url.PathEscape(sessionID))
	if err != nil {
		return "", fmt.Errorf("invalid ROM websocket URL: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid ROM websocket scheme %q", parsed.Scheme)
	}
	return parsed.String(), nil
}
