package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
	"github.com/lueurxax/scam-relay/internal/platform/observability"
)

// Web app ratings.
const (
	RatingThumbsUp   = "thumbs_up"
	RatingThumbsDown = "thumbs_down"
)

const feedbackMetricLabel = "feedback"

// FeedbackRecorder stores a rating against the sender's latest unrated verdict.
type FeedbackRecorder interface {
	SaveLatestFeedback(ctx context.Context, fb domain.Feedback) (string, error)
}

type feedbackRequest struct {
	PhoneNumber string          `json:"phone_number"`
	Rating      string          `json:"rating"`
	Comment     string          `json:"comment"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

type feedbackAck struct {
	jsonAck
	SubmissionID string `json:"submission_id,omitempty"`
}

// FeedbackHandler serves POST /feedback for the web app's thumbs up/down.
type FeedbackHandler struct {
	recorder     FeedbackRecorder
	maxBodyBytes int64
	logger       *zerolog.Logger
	now          func() time.Time
}

// NewFeedbackHandler creates a feedback handler. Only cfg.MaxBodyBytes is used.
func NewFeedbackHandler(recorder FeedbackRecorder, cfg Config, logger *zerolog.Logger) *FeedbackHandler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &FeedbackHandler{
		recorder:     recorder,
		maxBodyBytes: cfg.MaxBodyBytes,
		logger:       logger,
		now:          time.Now,
	}
}

func (h *FeedbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)

		return
	}

	if err := authorize(r, domain.ChannelWebApp.Capabilities()); err != nil {
		h.fail(w, http.StatusUnauthorized, "Missing authorization header or API key", ErrorCodeValidation)

		return
	}

	fb, msg := h.decode(w, r)
	if msg != "" {
		h.fail(w, http.StatusBadRequest, msg, ErrorCodeValidation)

		return
	}

	messageID, err := h.recorder.SaveLatestFeedback(r.Context(), fb)
	if err != nil {
		if errs.Is(err, errs.ErrNotFound) {
			h.fail(w, http.StatusNotFound, "No recent submission found for this phone number without feedback", ErrorCodeValidation)

			return
		}

		h.logger.Error().Err(err).Str(logFieldPhone, fb.PhoneNumber).Msg("failed to save feedback")
		h.fail(w, http.StatusInternalServerError, "Failed to save feedback", ErrorCodeInternal)

		return
	}

	h.logger.Info().
		Str(logFieldPhone, fb.PhoneNumber).
		Str("rating", fb.Rating).
		Str("message_id", messageID).
		Msg("web app feedback saved")

	countFeedback(http.StatusOK)

	w.Header().Set(headerContentType, contentTypeJSONUTF8)
	w.WriteHeader(http.StatusOK)

	_ = json.NewEncoder(w).Encode(feedbackAck{
		jsonAck: jsonAck{
			Success:   true,
			Message:   "Feedback saved successfully",
			MessageID: messageID,
		},
		SubmissionID: messageID,
	})
}

// decode returns the feedback or a client-facing reason it was rejected.
func (h *FeedbackHandler) decode(w http.ResponseWriter, r *http.Request) (domain.Feedback, string) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return domain.Feedback{}, "Invalid request payload"
	}

	phone := strings.TrimSpace(req.PhoneNumber)
	if phone == "" {
		return domain.Feedback{}, "phone_number is required"
	}

	rating := strings.TrimSpace(req.Rating)
	switch rating {
	case "":
		return domain.Feedback{}, "rating is required"
	case RatingThumbsUp, RatingThumbsDown:
	default:
		return domain.Feedback{}, `rating must be either "thumbs_up" or "thumbs_down"`
	}

	at, err := parseTimestamp(req.Timestamp, h.now())
	if err != nil {
		return domain.Feedback{}, "invalid timestamp"
	}

	return domain.Feedback{
		PhoneNumber: phone,
		Source:      domain.FeedbackSourceWebApp,
		Rating:      rating,
		Text:        strings.TrimSpace(req.Comment),
		At:          at,
	}, ""
}

func (h *FeedbackHandler) fail(w http.ResponseWriter, status int, message, code string) {
	countFeedback(status)
	writeJSONError(w, status, message, code)
}

func countFeedback(status int) {
	observability.WebhookRequests.WithLabelValues(feedbackMetricLabel, strconv.Itoa(status)).Inc()
}
