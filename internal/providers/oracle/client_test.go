package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triageassist/internal/domain"
)

func newOracleServer(t *testing.T, register func(r chi.Router)) *Client {
	t.Helper()
	router := chi.NewRouter()
	register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return NewClient(Config{BaseURL: server.URL + "/", Timeout: 2 * time.Second}, nil)
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func TestCreateAssessmentAcceptsNumericID(t *testing.T) {
	t.Parallel()

	client := newOracleServer(t, func(r chi.Router) {
		r.Post("/assessments", func(w http.ResponseWriter, req *http.Request) {
			var body domain.AssessmentRequest
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, domain.AssessmentRequest{UserID: 1, AnatomyID: 3, AssessmentType: "PAIN"}, body)
			writeJSON(t, w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"assessmentId": 42}})
		})
	})

	id, err := client.CreateAssessment(context.Background(), domain.AssessmentRequest{UserID: 1, AnatomyID: 3, AssessmentType: "PAIN"})
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestChatSendsHistoryAndVideo(t *testing.T) {
	t.Parallel()

	client := newOracleServer(t, func(r chi.Router) {
		r.Post("/assessments/{id}/chat", func(w http.ResponseWriter, req *http.Request) {
			assert.Equal(t, "a-1", chi.URLParam(req, "id"))
			var body struct {
				ChatHistory []map[string]string `json:"chat_history"`
				Video       string              `json:"video"`
			}
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			require.Len(t, body.ChatHistory, 2)
			assert.Equal(t, map[string]string{"user": "Hello", "response": "Hi, where does it hurt?"}, body.ChatHistory[0])
			assert.Equal(t, map[string]string{"user": "[pain location video]"}, body.ChatHistory[1])
			assert.Equal(t, "AQID", body.Video)
			writeJSON(t, w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{"response": " Thanks. ", "action": "next_api"},
			})
		})
	})

	reply, err := client.Chat(context.Background(), "a-1", []domain.ChatTurn{
		{User: "Hello", Assistant: "Hi, where does it hurt?", Answered: true},
		{User: "[pain location video]"},
	}, &domain.Artifact{Kind: domain.MediaVideo, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, domain.ChatReply{Response: "Thanks.", Action: domain.ActionNextAPI}, reply)
}

func TestQuestionnaireParsesOptionsAndAction(t *testing.T) {
	t.Parallel()

	client := newOracleServer(t, func(r chi.Router) {
		r.Post("/assessments/{id}/questionnaires", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				ChatHistory []map[string]string `json:"chat_history"`
			}
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, []map[string]string{{"user": "hi"}}, body.ChatHistory)
			writeJSON(t, w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{"question": "How bad is it?", "options": []string{"Mild", " ", "Severe"}, "action": "unknown"},
			})
		})
	})

	q, err := client.Questionnaire(context.Background(), "a-1", []domain.QuestionnaireTurn{{Answer: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "How bad is it?", q.Text)
	assert.Equal(t, []string{"Mild", "Severe"}, q.Options)
	assert.Equal(t, domain.ActionContinue, q.Action)
}

func TestSaveRangeOfMotionBody(t *testing.T) {
	t.Parallel()

	client := newOracleServer(t, func(r chi.Router) {
		r.Post("/assessments/{id}/rom", func(w http.ResponseWriter, req *http.Request) {
			var body map[string]map[string]float64
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, map[string]float64{"minimum": 12.5, "maximum": 80}, body["rangeOfMotion"])
			writeJSON(t, w, http.StatusOK, map[string]any{"success": true})
		})
	})

	require.NoError(t, client.SaveRangeOfMotion(context.Background(), "a-1", domain.RangeOfMotion{Minimum: 12.5, Maximum: 80}))
}

func TestDashboardReturnsRawPayload(t *testing.T) {
	t.Parallel()

	client := newOracleServer(t, func(r chi.Router) {
		r.Get("/assessments/{id}/dashboardByAssessmentId", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(t, w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"painScore": 6}})
		})
	})

	summary, err := client.Dashboard(context.Background(), "a-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"painScore":6}`, string(summary))
}

func TestFailuresSurfaceAsSingleError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newOracleServer(t, func(r chi.Router) {
		r.Post("/assessments/{id}/chat", func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			http.Error(w, "upstream down", http.StatusBadGateway)
		})
		r.Post("/assessments/{id}/questionnaires", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(t, w, http.StatusOK, map[string]any{"success": false, "error": "model overloaded"})
		})
	})

	_, err := client.Chat(context.Background(), "a-1", []domain.ChatTurn{{User: "hi"}}, nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.Status)
	assert.Equal(t, int32(1), calls.Load())

	_, err = client.Questionnaire(context.Background(), "a-1", nil)
	require.ErrorIs(t, err, ErrUnsuccessful)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestRequestHonorsContext(t *testing.T) {
	t.Parallel()

	client := newOracleServer(t, func(r chi.Router) {
		r.Post("/assessments", func(w http.ResponseWriter, req *http.Request) {
			<-req.Context().Done()
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.CreateAssessment(ctx, domain.AssessmentRequest{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
