// Package analysis consumes the analysis queue and classifies released
// messages with a remote model.
package analysis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
	"github.com/lueurxax/scam-relay/internal/platform/observability"
)

const (
	circuitBreakerThreshold = 5
	circuitBreakerTimeout   = 1 * time.Minute
	rateLimiterBurst        = 5
	defaultRPS              = 1.0
	defaultTimeout          = 60 * time.Second
	maxTextRunes            = 4000
)

// Analyzer classifies a released message.
type Analyzer interface {
	Analyze(ctx context.Context, msg domain.MergedMessage) (domain.Verdict, error)
}

// chatClient is the part of the go-openai client the analyzer uses.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig configures the OpenAI analyzer.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint; empty uses the OpenAI default.
	BaseURL string
	Model   string
	RPS     float64
	Timeout time.Duration
}

// OpenAIAnalyzer sends messages to a chat completion model and parses a JSON verdict.
type OpenAIAnalyzer struct {
	client      chatClient
	model       string
	timeout     time.Duration
	rateLimiter *rate.Limiter
	logger      *zerolog.Logger

	// Circuit breaker state
	consecutiveFailures int
	circuitOpenUntil    time.Time
	mu                  sync.Mutex
	now                 func() time.Time
}

// NewOpenAI creates an analyzer backed by the OpenAI API.
func NewOpenAI(cfg OpenAIConfig, logger *zerolog.Logger) (*OpenAIAnalyzer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai analyzer: %w: missing api key", errs.ErrClientDisabled)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return newOpenAIAnalyzer(openai.NewClientWithConfig(clientCfg), cfg, logger), nil
}

func newOpenAIAnalyzer(client chatClient, cfg OpenAIConfig, logger *zerolog.Logger) *OpenAIAnalyzer {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}

	if cfg.RPS <= 0 {
		cfg.RPS = defaultRPS
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &OpenAIAnalyzer{
		client:      client,
		model:       cfg.Model,
		timeout:     cfg.Timeout,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RPS), rateLimiterBurst),
		logger:      logger,
		now:         time.Now,
	}
}

// Analyze classifies one message. Transport failures are returned as errors;
// model output that cannot be parsed yields the Unknown verdict.
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, msg domain.MergedMessage) (domain.Verdict, error) {
	if err := a.checkCircuit(); err != nil {
		return domain.Verdict{}, err
	}

	if err := a.rateLimiter.Wait(ctx); err != nil {
		return domain.Verdict{}, fmt.Errorf("rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()

	resp, err := a.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, MultiContent: buildParts(msg)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})

	observability.AnalysisRequestDuration.WithLabelValues(a.model).Observe(time.Since(start).Seconds())

	if err != nil {
		a.recordFailure()

		return domain.Verdict{}, fmt.Errorf("openai chat completion: %w", err)
	}

	a.recordSuccess()

	if len(resp.Choices) == 0 {
		return domain.Verdict{}, fmt.Errorf("openai chat completion: %w", errs.ErrEmptyResponse)
	}

	content := resp.Choices[0].Message.Content
	a.logger.Debug().Str("content", content).Msg("analysis response")

	verdict := parseVerdict(content)
	verdict.Model = a.model

	return verdict, nil
}

func buildParts(msg domain.MergedMessage) []openai.ChatMessagePart {
	parts := []openai.ChatMessagePart{
		{Type: openai.ChatMessagePartTypeText, Text: buildUserText(msg)},
	}

	for _, m := range msg.Media {
		if m.SourceURL == "" || !isImage(m.ContentType) {
			continue
		}

		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    m.SourceURL,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}

	return parts
}

func buildUserText(msg domain.MergedMessage) string {
	var sb strings.Builder

	sb.WriteString("Channel: ")
	sb.WriteString(msg.Channel.String())
	sb.WriteString("\n")

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = "(no text)"
	}

	sb.WriteString("Message:\n")
	sb.WriteString(truncateRunes(text, maxTextRunes))

	var keys []string

	for _, m := range msg.Media {
		if m.StorageKey != "" {
			keys = append(keys, m.StorageKey)
		}

		if m.SourceURL != "" && !isImage(m.ContentType) {
			keys = append(keys, m.SourceURL)
		}
	}

	if len(keys) > 0 {
		sb.WriteString("\nAttachments not shown: ")
		sb.WriteString(strings.Join(keys, ", "))
	}

	return sb.String()
}

// isImage treats an unknown content type as an image; WhatsApp media usually carries one.
func isImage(contentType string) bool {
	return contentType == "" || strings.HasPrefix(strings.ToLower(contentType), "image/")
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}

	return string(runes[:limit]) + "..."
}

func (a *OpenAIAnalyzer) checkCircuit() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.now().Before(a.circuitOpenUntil) {
		return fmt.Errorf("%w until %v", errs.ErrCircuitBreakerOpen, a.circuitOpenUntil)
	}

	return nil
}

func (a *OpenAIAnalyzer) recordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.consecutiveFailures = 0
}

func (a *OpenAIAnalyzer) recordFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.consecutiveFailures++
	if a.consecutiveFailures >= circuitBreakerThreshold {
		a.circuitOpenUntil = a.now().Add(circuitBreakerTimeout)
		a.logger.Warn().
			Int("consecutive_failures", a.consecutiveFailures).
			Time("open_until", a.circuitOpenUntil).
			Msg("Circuit breaker opened")
	}
}
