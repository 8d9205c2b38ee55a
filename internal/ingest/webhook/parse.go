package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
)

const (
	whatsappPrefix  = "whatsapp:"
	maxTwilioMedia  = 10
	unixMillisFloor = 1e12
)

// Client timestamps outside this range are rejected.
var (
	minTimestamp = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	maxTimestamp = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// ParseTwilio normalizes a Twilio WhatsApp form delivery into a fragment.
func ParseTwilio(form url.Values, receivedAt time.Time) (domain.Fragment, error) {
	from := strings.TrimSpace(form.Get("From"))
	if from == "" {
		return domain.Fragment{}, fmt.Errorf("%w: missing From", errs.ErrDecode)
	}

	f := domain.Fragment{
		SourceID:      strings.TrimSpace(form.Get("MessageSid")),
		Channel:       domain.ChannelWhatsApp,
		PhoneNumber:   strings.TrimPrefix(from, whatsappPrefix),
		FromNumber:    from,
		ToNumber:      strings.TrimSpace(form.Get("To")),
		ReceivedAt:    receivedAt,
		Text:          strings.TrimSpace(form.Get("Body")),
		ButtonPayload: strings.TrimSpace(form.Get("ButtonPayload")),
		ButtonText:    strings.TrimSpace(form.Get("ButtonText")),
	}

	media, err := twilioMedia(form)
	if err != nil {
		return domain.Fragment{}, err
	}

	f.Media = media

	raw, err := json.Marshal(flattenForm(form))
	if err != nil {
		return domain.Fragment{}, fmt.Errorf("marshal raw payload: %w", err)
	}

	f.RawPayload = raw

	return f, nil
}

func twilioMedia(form url.Values) ([]domain.MediaRef, error) {
	numMedia := strings.TrimSpace(form.Get("NumMedia"))
	if numMedia == "" {
		return nil, nil
	}

	n, err := strconv.Atoi(numMedia)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: invalid NumMedia %q", errs.ErrDecode, numMedia)
	}

	if n > maxTwilioMedia {
		n = maxTwilioMedia
	}

	var media []domain.MediaRef

	for i := 0; i < n; i++ {
		mediaURL := strings.TrimSpace(form.Get("MediaUrl" + strconv.Itoa(i)))
		if mediaURL == "" {
			continue
		}

		media = append(media, domain.MediaRef{
			SourceURL:   mediaURL,
			ContentType: strings.TrimSpace(form.Get("MediaContentType" + strconv.Itoa(i))),
		})
	}

	return media, nil
}

func flattenForm(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k := range form {
		out[k] = form.Get(k)
	}

	return out
}

// clientPayload is the JSON body sent by the webapp and mobile clients.
type clientPayload struct {
	PhoneNumber    string          `json:"phone_number"`
	Text           string          `json:"text"`
	Message        string          `json:"message"`
	AdditionalText string          `json:"additionalText"`
	S3Keys         []s3Key         `json:"s3_keys"`
	S3Key          string          `json:"s3_key"`
	MessageID      string          `json:"message_id"`
	Timestamp      json.RawMessage `json:"timestamp"`
	UserID         string          `json:"user_id"`
	SessionID      string          `json:"session_id"`
	ButtonPayload  string          `json:"button_payload"`
	ButtonText     string          `json:"button_text"`
}

// s3Key accepts either a bare key string or a {key, content_type, size} object.
type s3Key struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

func (k *s3Key) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &k.Key) //nolint:wrapcheck // decoded by the caller
	}

	type plain s3Key

	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err //nolint:wrapcheck // decoded by the caller
	}

	*k = s3Key(p)

	return nil
}

// ParseClient normalizes a webapp or mobile JSON body into a fragment.
func ParseClient(body []byte, channel domain.Channel, receivedAt time.Time) (domain.Fragment, error) {
	var p clientPayload

	if err := json.Unmarshal(body, &p); err != nil {
		return domain.Fragment{}, fmt.Errorf("%w: %w", errs.ErrDecode, err)
	}

	phone := strings.TrimSpace(p.PhoneNumber)
	if phone == "" {
		return domain.Fragment{}, fmt.Errorf("%w: missing phone_number", errs.ErrDecode)
	}

	at, err := parseTimestamp(p.Timestamp, receivedAt)
	if err != nil {
		return domain.Fragment{}, err
	}

	f := domain.Fragment{
		SourceID:      strings.TrimSpace(p.MessageID),
		Channel:       channel,
		PhoneNumber:   phone,
		ReceivedAt:    at,
		Text:          firstNonEmpty(p.Text, p.Message, p.AdditionalText),
		ButtonPayload: strings.TrimSpace(p.ButtonPayload),
		ButtonText:    strings.TrimSpace(p.ButtonText),
		UserID:        strings.TrimSpace(p.UserID),
		SessionID:     strings.TrimSpace(p.SessionID),
		RawPayload:    json.RawMessage(body),
	}

	for _, k := range p.S3Keys {
		if strings.TrimSpace(k.Key) == "" {
			continue
		}

		f.Media = append(f.Media, domain.MediaRef{StorageKey: strings.TrimSpace(k.Key), ContentType: k.ContentType, Size: k.Size})
	}

	if key := strings.TrimSpace(p.S3Key); key != "" && len(f.Media) == 0 {
		f.Media = append(f.Media, domain.MediaRef{StorageKey: key})
	}

	return f, nil
}

// parseTimestamp accepts a free-form date string or unix seconds/milliseconds;
// an absent timestamp yields the fallback.
func parseTimestamp(raw json.RawMessage, fallback time.Time) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fallback, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp: %w", errs.ErrDecode, err)
		}

		if strings.TrimSpace(s) == "" {
			return fallback, nil
		}

		t, err := dateparse.ParseIn(s, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q: %w", errs.ErrDecode, s, err)
		}

		return checkTimestampRange(t)
	}

	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %s: %w", errs.ErrDecode, raw, err)
	}

	// Bound the number before converting so int64 cannot overflow.
	if math.IsNaN(n) || n <= 0 || n > float64(maxTimestamp.UnixMilli()) {
		return time.Time{}, fmt.Errorf("%w: timestamp %s out of range", errs.ErrDecode, raw)
	}

	if n >= unixMillisFloor {
		return checkTimestampRange(time.UnixMilli(int64(n)).UTC())
	}

	return checkTimestampRange(time.Unix(int64(n), 0).UTC())
}

func checkTimestampRange(t time.Time) (time.Time, error) {
	if t.Before(minTimestamp) || !t.Before(maxTimestamp) {
		return time.Time{}, fmt.Errorf("%w: timestamp %s out of range", errs.ErrDecode, t.Format(time.RFC3339))
	}

	return t, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}

	return ""
}
