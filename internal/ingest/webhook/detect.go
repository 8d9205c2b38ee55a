package webhook

import (
	"mime"
	"net/http"
	"strings"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	errs "github.com/lueurxax/scam-relay/internal/core/errors"
)

const (
	headerTwilioSignature = "X-Twilio-Signature"
	headerClientType      = "X-Client-Type"
	headerContentType     = "Content-Type"
	headerAuthorization   = "Authorization"
	headerAPIKey          = "X-API-Key"

	contentTypeForm = "application/x-www-form-urlencoded"
	contentTypeJSON = "application/json"
)

// DetectChannel infers the client surface of a webhook request. A Twilio
// signature wins, then an explicit client header, then the body encoding.
func DetectChannel(r *http.Request) (domain.Channel, error) {
	if r.Header.Get(headerTwilioSignature) != "" {
		return domain.ChannelWhatsApp, nil
	}

	if clientType := r.Header.Get(headerClientType); clientType != "" {
		switch strings.ToLower(strings.TrimSpace(clientType)) {
		case "webapp":
			return domain.ChannelWebApp, nil
		case "mobile":
			return domain.ChannelMobile, nil
		}
	}

	switch mediaType(r) {
	case contentTypeForm:
		return domain.ChannelWhatsApp, nil
	case contentTypeJSON:
		return domain.ChannelWebApp, nil
	default:
		return domain.ChannelUnknown, errs.ErrUnknownChannel
	}
}

// authorize checks the credentials a channel requires. Only presence is
// checked; signature and key verification happen at the gateway.
func authorize(r *http.Request, caps domain.Capabilities) error {
	if !caps.RequiresAPIKey {
		return nil
	}

	if r.Header.Get(headerAuthorization) == "" && r.Header.Get(headerAPIKey) == "" {
		return errs.ErrUnauthorized
	}

	return nil
}

func mediaType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get(headerContentType))
	if err != nil {
		return ""
	}

	return mt
}
