package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	"github.com/lueurxax/scam-relay/internal/core/ports/mocks"
)

var feedbackNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type recorderFunc func(ctx context.Context, fb domain.Feedback) (string, error)

func (fn recorderFunc) SaveLatestFeedback(ctx context.Context, fb domain.Feedback) (string, error) {
	return fn(ctx, fb)
}

func newFeedbackHandler(recorder FeedbackRecorder) *FeedbackHandler {
	logger := zerolog.Nop()

	h := NewFeedbackHandler(recorder, Config{}, &logger)
	h.now = func() time.Time { return feedbackNow }

	return h
}

func newFeedbackRequest(body string, withKey bool) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/feedback", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	if withKey {
		req.Header.Set("X-API-Key", "key")
	}

	return req
}

func decodeFeedbackAck(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return body
}

func TestFeedbackRatesLatestUnratedVerdict(t *testing.T) {
	queue := mocks.NewAnalysisQueue()
	queue.PutResult("older", "+15550001", domain.Verdict{Label: "Safe"}, feedbackNow.Add(-2*time.Hour))
	queue.PutResult("newer", "+15550001", domain.Verdict{Label: "Scam"}, feedbackNow.Add(-time.Hour))
	queue.PutResult("other", "+15550002", domain.Verdict{Label: "Scam"}, feedbackNow)

	rec := httptest.NewRecorder()
	newFeedbackHandler(queue).ServeHTTP(rec, newFeedbackRequest(
		`{"phone_number":"+15550001","rating":"thumbs_down","comment":" wrong call ","timestamp":"2026-03-14T09:30:00Z"}`, true))

	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeFeedbackAck(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Feedback saved successfully", body["message"])
	assert.Equal(t, "newer", body["submission_id"])

	fb, ok := queue.Feedback("newer")
	require.True(t, ok)
	assert.Equal(t, RatingThumbsDown, fb.Rating)
	assert.Equal(t, "wrong call", fb.Text)
	assert.Equal(t, domain.FeedbackSourceWebApp, fb.Source)
	assert.True(t, fb.At.Equal(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)))

	_, ok = queue.Feedback("older")
	assert.False(t, ok)

	_, ok = queue.Feedback("other")
	assert.False(t, ok)
}

func TestFeedbackDefaultsTimestampToNow(t *testing.T) {
	var got domain.Feedback

	h := newFeedbackHandler(recorderFunc(func(_ context.Context, fb domain.Feedback) (string, error) {
		got = fb

		return "m1", nil
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newFeedbackRequest(`{"phone_number":"+15550001","rating":"thumbs_up"}`, true))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, got.At.Equal(feedbackNow))
	assert.Empty(t, got.MessageID)
	assert.Empty(t, got.Text)
}

func TestFeedbackRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		withKey bool
		status  int
		errText string
	}{
		{"missing credentials", `{"phone_number":"+1","rating":"thumbs_up"}`, false, http.StatusUnauthorized, "Missing authorization"},
		{"malformed json", `{"phone_number":`, true, http.StatusBadRequest, "Invalid request payload"},
		{"missing phone", `{"rating":"thumbs_up"}`, true, http.StatusBadRequest, "phone_number is required"},
		{"missing rating", `{"phone_number":"+1"}`, true, http.StatusBadRequest, "rating is required"},
		{"unknown rating", `{"phone_number":"+1","rating":"meh"}`, true, http.StatusBadRequest, "rating must be either"},
		{"bad timestamp", `{"phone_number":"+1","rating":"thumbs_up","timestamp":0}`, true, http.StatusBadRequest, "invalid timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := newFeedbackHandler(recorderFunc(func(context.Context, domain.Feedback) (string, error) {
				called = true

				return "", nil
			}))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, newFeedbackRequest(tt.body, tt.withKey))

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, decodeFeedbackAck(t, rec)["error"], tt.errText)
			assert.False(t, called)
		})
	}
}

func TestFeedbackWithoutUnratedVerdict(t *testing.T) {
	queue := mocks.NewAnalysisQueue()
	queue.PutResult("limited", "+15550001", domain.Verdict{Label: domain.LabelLimitReached}, feedbackNow)

	rec := httptest.NewRecorder()
	newFeedbackHandler(queue).ServeHTTP(rec, newFeedbackRequest(`{"phone_number":"+15550001","rating":"thumbs_up"}`, true))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, decodeFeedbackAck(t, rec)["success"])
}

func TestFeedbackStoreFailure(t *testing.T) {
	h := newFeedbackHandler(recorderFunc(func(context.Context, domain.Feedback) (string, error) {
		return "", errors.New("connection reset")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newFeedbackRequest(`{"phone_number":"+15550001","rating":"thumbs_up"}`, true))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrorCodeInternal, decodeFeedbackAck(t, rec)["error_code"])
}

func TestFeedbackRejectsGet(t *testing.T) {
	rec := httptest.NewRecorder()
	newFeedbackHandler(mocks.NewAnalysisQueue()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/feedback", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}
