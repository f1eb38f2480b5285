package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"

	"triageassist/internal/domain"
)

// ErrUnsuccessful is returned when the oracle answers with success=false or an unusable body.
var ErrUnsuccessful = errors.New("oracle reported failure")

// StatusError carries a non-2xx HTTP status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("oracle returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("oracle returned HTTP %d: %s", e.Status, e.Body)
}

// Config controls the oracle HTTP client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements ports.Oracle over the assessment REST API. It keeps no session state.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{baseURL: strings.TrimRight(cfg.BaseURL, "/"), http: httpClient}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

type chatEntry struct {
	User     string `json:"user"`
	Response string `json:"response,omitempty"`
}

type questionnaireEntry struct {
	User      string `json:"user"`
	Assistant string `json:"assistant,omitempty"`
}

type chatRequest struct {
	ChatHistory []chatEntry `json:"chat_history"`
	Video       string      `json:"video,omitempty"`
	Image       string      `json:"image,omitempty"`
}

type questionnaireRequest struct {
	ChatHistory []questionnaireEntry `json:"chat_history"`
}

type romRequest struct {
	RangeOfMotion domain.RangeOfMotion `json:"rangeOfMotion"`
}

// CreateAssessment opens a new assessment and returns its id.
func (c *Client) CreateAssessment(ctx context.Context, req domain.AssessmentRequest) (string, error) {
	var data struct {
		AssessmentID json.RawMessage `json:"assessmentId"`
	}
	if err := c.do(ctx, http.MethodPost, "/assessments", req, &data); err != nil {
		return "", fmt.Errorf("create assessment: %w", err)
	}
	id := rawID(data.AssessmentID)
	if id == "" {
		return "", fmt.Errorf("create assessment: %w: missing assessmentId", ErrUnsuccessful)
	}
	return id, nil
}

// Chat sends the full chat transcript plus optional captured media.
func (c *Client) Chat(ctx context.Context, assessmentID string, history []domain.ChatTurn, media *domain.Artifact) (domain.ChatReply, error) {
	body := chatRequest{
		ChatHistory: lo.Map(history, func(turn domain.ChatTurn, _ int) chatEntry {
			return chatEntry{User: turn.User, Response: turn.Assistant}
		}),
	}
	if media != nil && !media.Empty() {
		encoded := base64.StdEncoding.EncodeToString(media.Data)
		if media.Kind == domain.MediaImage {
			body.Image = encoded
		} else {
			body.Video = encoded
		}
	}

	var data struct {
		Response string `json:"response"`
		Action   string `json:"action"`
	}
	if err := c.do(ctx, http.MethodPost, assessmentPath(assessmentID, "chat"), body, &data); err != nil {
		return domain.ChatReply{}, fmt.Errorf("chat: %w", err)
	}
	return domain.ChatReply{Response: strings.TrimSpace(data.Response), Action: domain.ParseAction(data.Action)}, nil
}

// Questionnaire sends the questionnaire transcript and returns the next question.
func (c *Client) Questionnaire(ctx context.Context, assessmentID string, history []domain.QuestionnaireTurn) (domain.Question, error) {
	body := questionnaireRequest{
		ChatHistory: lo.Map(history, func(turn domain.QuestionnaireTurn, _ int) questionnaireEntry {
			return questionnaireEntry{User: turn.Answer, Assistant: turn.Question}
		}),
	}

	var data struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
		Action   string   `json:"action"`
	}
	if err := c.do(ctx, http.MethodPost, assessmentPath(assessmentID, "questionnaires"), body, &data); err != nil {
		return domain.Question{}, fmt.Errorf("questionnaire: %w", err)
	}
	options := lo.Compact(lo.Map(data.Options, func(option string, _ int) string {
		return strings.TrimSpace(option)
	}))
	return domain.Question{
		Text:    strings.TrimSpace(data.Question),
		Options: options,
		Action:  domain.ParseAction(data.Action),
	}, nil
}

// SaveRangeOfMotion stores the measured range for the assessment.
func (c *Client) SaveRangeOfMotion(ctx context.Context, assessmentID string, rom domain.RangeOfMotion) error {
	if err := c.do(ctx, http.MethodPost, assessmentPath(assessmentID, "rom"), romRequest{RangeOfMotion: rom}, nil); err != nil {
		return fmt.Errorf("save range of motion: %w", err)
	}
	return nil
}

// Dashboard loads the aggregated assessment summary.
func (c *Client) Dashboard(ctx context.Context, assessmentID string) (domain.Summary, error) {
	var data json.RawMessage
	if err := c.do(ctx, http.MethodGet, assessmentPath(assessmentID, "dashboardByAssessmentId"), nil, &data); err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	return domain.Summary(data), nil
}

func (c *Client) do(ctx context.Context, method string, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(lo.Subset(raw, 0, 512)))}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsuccessful, err)
	}
	if !env.Success {
		return fmt.Errorf("%w: %s", ErrUnsuccessful, lo.CoalesceOrEmpty(env.Error, env.Message, "success=false"))
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsuccessful, err)
	}
	return nil
}

func assessmentPath(assessmentID string, tail string) string {
	return "/assessments/" + url.PathEscape(assessmentID) + "/" + tail
}

// rawID accepts both numeric and string identifiers.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
