// Package webhook receives inbound channel deliveries over HTTP, normalizes
// them into fragments for the aggregator and answers each channel in the
// format it expects.
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lueurxax/scam-relay/internal/aggregate"
	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
	"github.com/lueurxax/scam-relay/internal/platform/observability"
)

// Defaults for Config zero values.
const (
	defaultMaxBodyBytes = 1 << 20
	defaultSenderRPS    = 2.0
	defaultSenderBurst  = 10
	maxTrackedSenders   = 10000
)

// Log field constants.
const (
	logFieldChannel = "channel"
	logFieldPhone   = "phone"
)

// Ingester accepts normalized fragments.
type Ingester interface {
	Ingest(ctx context.Context, f domain.Fragment) (aggregate.Outcome, error)
}

// Config tunes request limits.
type Config struct {
	MaxBodyBytes int64
	// SenderRPS is the sustained per-sender request rate; SenderBurst its bucket size.
	SenderRPS   float64
	SenderBurst int
}

// Handler serves POST /webhook.
type Handler struct {
	ingester Ingester
	cfg      Config
	logger   *zerolog.Logger
	now      func() time.Time

	// Per-sender rate limiting
	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex
}

// NewHandler creates a webhook handler.
func NewHandler(ingester Ingester, cfg Config, logger *zerolog.Logger) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	if cfg.SenderRPS <= 0 {
		cfg.SenderRPS = defaultSenderRPS
	}

	if cfg.SenderBurst <= 0 {
		cfg.SenderBurst = defaultSenderBurst
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Handler{
		ingester: ingester,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// ServeHTTP handles one webhook delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)

		return
	}

	channel, err := DetectChannel(r)
	if err != nil {
		h.countRequest(channel, http.StatusBadRequest)
		writeJSONError(w, http.StatusBadRequest, "Unsupported client type", ErrorCodeInvalidPayload)

		return
	}

	caps := channel.Capabilities()

	if err := authorize(r, caps); err != nil {
		h.countRequest(channel, http.StatusUnauthorized)
		writeJSONError(w, http.StatusUnauthorized, "Missing authorization header or API key", ErrorCodeValidation)

		return
	}

	fragment, err := h.decode(w, r, channel)
	if err != nil {
		h.logger.Warn().Err(err).Str(logFieldChannel, channel.String()).Msg("rejected malformed webhook payload")
		h.respondError(w, channel, http.StatusBadRequest, "Invalid request payload", ErrorCodeInvalidPayload)

		return
	}

	if !h.allowSender(fragment.PhoneNumber) {
		h.logger.Warn().Str(logFieldPhone, fragment.PhoneNumber).Msg("sender rate limited")
		h.respondError(w, channel, http.StatusTooManyRequests, "Too many requests", ErrorCodeRateLimited)

		return
	}

	outcome, err := h.ingester.Ingest(r.Context(), fragment)
	if err != nil {
		h.handleIngestError(w, channel, fragment, err)

		return
	}

	h.respond(w, channel, fragment, outcome)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, channel domain.Channel) (domain.Fragment, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)

	if channel.Capabilities().FormEncoded {
		if err := r.ParseForm(); err != nil {
			return domain.Fragment{}, errors.Join(errs.ErrDecode, err)
		}

		return ParseTwilio(r.PostForm, h.now())
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return domain.Fragment{}, errors.Join(errs.ErrDecode, err)
	}

	return ParseClient(body, channel, h.now())
}

func (h *Handler) handleIngestError(w http.ResponseWriter, channel domain.Channel, f domain.Fragment, err error) {
	switch {
	case errs.Is(err, errs.ErrDecode):
		h.logger.Warn().Err(err).Str(logFieldChannel, channel.String()).Msg("rejected invalid fragment")
		h.respondError(w, channel, http.StatusBadRequest, "Invalid request payload", ErrorCodeInvalidPayload)
	case errs.Is(err, errs.ErrDispatchFailed):
		h.logger.Error().Err(err).Str(logFieldPhone, f.PhoneNumber).Msg("message could not be queued")
		// Twilio retries on 5xx; JSON clients get a retryable 503.
		if channel.Capabilities().Reply == domain.ReplyTwiML {
			h.respondError(w, channel, http.StatusInternalServerError, MessageRetry, ErrorCodeUnavailable)
		} else {
			h.respondError(w, channel, http.StatusServiceUnavailable, "Service temporarily unavailable", ErrorCodeUnavailable)
		}
	default:
		h.logger.Error().Err(err).Str(logFieldPhone, f.PhoneNumber).Msg("ingest failed")
		h.respondError(w, channel, http.StatusInternalServerError, MessageRetry, ErrorCodeInternal)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, channel domain.Channel, status int, message, code string) {
	h.countRequest(channel, status)

	if channel.Capabilities().Reply == domain.ReplyTwiML {
		writeTwiML(w, status, MessageRetry)

		return
	}

	writeJSONError(w, status, message, code)
}

func (h *Handler) respond(w http.ResponseWriter, channel domain.Channel, f domain.Fragment, outcome aggregate.Outcome) {
	h.countRequest(channel, http.StatusOK)

	if channel.Capabilities().Reply == domain.ReplyTwiML {
		if !outcome.Acknowledge() {
			writeTwiML(w, http.StatusOK, "")

			return
		}

		writeTwiML(w, http.StatusOK, ackMessage(f))

		return
	}

	ack := jsonAck{Success: true, Status: "received"}
	if outcome.Status == aggregate.StatusReleased && outcome.Merged != nil {
		ack.Message = ackMessage(f)
		ack.MessageID = outcome.Merged.MessageID
	}

	writeJSON(w, http.StatusOK, ack)
}

func ackMessage(f domain.Fragment) string {
	if f.ButtonText != "" && f.Channel.Capabilities().SupportsButtons {
		return MessageFeedback
	}

	return MessageAnalyzing
}

func (h *Handler) countRequest(channel domain.Channel, status int) {
	observability.WebhookRequests.WithLabelValues(channel.String(), strconv.Itoa(status)).Inc()
}

func (h *Handler) allowSender(sender string) bool {
	h.limitersMu.Lock()

	limiter, ok := h.limiters[sender]
	if !ok {
		if len(h.limiters) >= maxTrackedSenders {
			h.limiters = make(map[string]*rate.Limiter)
		}

		limiter = rate.NewLimiter(rate.Limit(h.cfg.SenderRPS), h.cfg.SenderBurst)
		h.limiters[sender] = limiter
	}

	h.limitersMu.Unlock()

	return limiter.Allow()
}
