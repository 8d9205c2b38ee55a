package domain

import (
	"fmt"
	"strings"

	errs "github.com/lueurxax/scam-relay/internal/core/errors"
)

// Channel identifies the client surface a message arrived from.
type Channel uint8

const (
	ChannelUnknown Channel = iota
	ChannelWhatsApp
	ChannelWebApp
	ChannelMobile
)

// ReplyFormat is the acknowledgment encoding a channel expects.
type ReplyFormat uint8

const (
	ReplyJSON ReplyFormat = iota
	ReplyTwiML
)

// MediaSource describes where a channel's media references point to.
type MediaSource uint8

const (
	MediaSourceStorageKey MediaSource = iota
	MediaSourceURL
)

// Capabilities is looked up once at ingress and carried as data afterwards.
type Capabilities struct {
	RequiresSignature bool
	FormEncoded       bool
	SupportsButtons   bool
	// SplitsMedia is set for channels that deliver each media item of one
	// user send as a separate webhook call.
	SplitsMedia    bool
	RequiresAPIKey bool
	Reply          ReplyFormat
	Media          MediaSource
}

var capabilities = map[Channel]Capabilities{
	ChannelWhatsApp: {
		RequiresSignature: true,
		FormEncoded:       true,
		SupportsButtons:   true,
		SplitsMedia:       true,
		Reply:             ReplyTwiML,
		Media:             MediaSourceURL,
	},
	ChannelWebApp: {
		RequiresAPIKey: true,
		Reply:          ReplyJSON,
		Media:          MediaSourceStorageKey,
	},
	ChannelMobile: {
		RequiresAPIKey: true,
		Reply:          ReplyJSON,
		Media:          MediaSourceStorageKey,
	},
}

// Capabilities returns the capability record of the channel.
func (c Channel) Capabilities() Capabilities {
	if caps, ok := capabilities[c]; ok {
		return caps
	}

	return Capabilities{Reply: ReplyJSON, Media: MediaSourceStorageKey}
}

func (c Channel) String() string {
	switch c {
	case ChannelWhatsApp:
		return "whatsapp"
	case ChannelWebApp:
		return "webapp"
	case ChannelMobile:
		return "mobile"
	default:
		return "unknown"
	}
}

// ParseChannel maps a channel name to its Channel value.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "whatsapp":
		return ChannelWhatsApp, nil
	case "webapp":
		return ChannelWebApp, nil
	case "mobile":
		return ChannelMobile, nil
	default:
		return ChannelUnknown, fmt.Errorf("%w: %q", errs.ErrUnknownChannel, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Channel) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Channel) UnmarshalText(text []byte) error {
	parsed, err := ParseChannel(string(text))
	if err != nil {
		return err
	}

	*c = parsed

	return nil
}
