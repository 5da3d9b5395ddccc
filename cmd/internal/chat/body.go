package chat

import (
	"net/url"
	"strings"
	"unicode/utf8"
)

// BodyKind tags which variant a Body holds.
type BodyKind string

const (
	BodyText      BodyKind = "text"
	BodyMedia     BodyKind = "media"
	BodyTombstone BodyKind = "tombstone"
)

// MediaType is the coarse class of an externally stored attachment.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
	MediaFile  MediaType = "file"
)

func (t MediaType) Valid() bool {
	switch t {
	case MediaImage, MediaVideo, MediaAudio, MediaFile:
		return true
	default:
		return false
	}
}

// MediaRef points at media stored outside chatd.
type MediaRef struct {
	URL        string    `json:"url"`
	Type       MediaType `json:"type"`
	Thumbnail  string    `json:"thumbnail,omitempty"`
	Size       int64     `json:"size,omitempty"`
	DurationMS int64     `json:"durationMs,omitempty"`
}

// Body is the tagged message payload.
//
//   - text:      Text set, Media nil
//   - media:     Media set, Text is an optional caption
//   - tombstone: both empty
type Body struct {
	Kind  BodyKind
	Text  string
	Media *MediaRef
}

// TextBody builds a text body.
func TextBody(text string) Body {
	return Body{Kind: BodyText, Text: text}
}

// MediaBody builds a media body with an optional caption.
func MediaBody(ref MediaRef, caption string) Body {
	return Body{Kind: BodyMedia, Text: caption, Media: &ref}
}

// NewBody picks the variant from optional content and media, as sent by clients.
// Media wins when both are present; the text becomes its caption.
func NewBody(text string, media *MediaRef) Body {
	text = strings.TrimSpace(text)
	if media != nil {
		return MediaBody(*media, text)
	}
	return TextBody(text)
}

// Validate checks a client-authored body. Tombstones are never valid input.
func (b Body) Validate(maxChars int) error {
	const op = "chat.Body.Validate"

	if maxChars <= 0 {
		maxChars = DefaultMaxTextChars
	}
	if utf8.RuneCountInString(b.Text) > maxChars {
		return OpError{Op: op, Kind: ErrValidation, Msg: "content too long"}
	}
	if !utf8.ValidString(b.Text) {
		return OpError{Op: op, Kind: ErrValidation, Msg: "content is not valid utf-8"}
	}

	switch b.Kind {
	case BodyText:
		if b.Media != nil {
			return OpError{Op: op, Kind: ErrValidation, Msg: "text body carries media"}
		}
		if strings.TrimSpace(b.Text) == "" {
			return OpError{Op: op, Kind: ErrValidation, Msg: "content or media is required"}
		}
		return nil
	case BodyMedia:
		if b.Media == nil {
			return OpError{Op: op, Kind: ErrValidation, Msg: "media body without media"}
		}
		return b.Media.validate()
	default:
		return OpError{Op: op, Kind: ErrValidation, Msg: "unsupported body kind"}
	}
}

func (m MediaRef) validate() error {
	const op = "chat.MediaRef.validate"

	if !m.Type.Valid() {
		return OpError{Op: op, Kind: ErrValidation, Msg: "unsupported media type"}
	}
	if !isHTTPURL(m.URL) {
		return OpError{Op: op, Kind: ErrValidation, Msg: "media url must be absolute http(s)"}
	}
	if m.Thumbnail != "" && !isHTTPURL(m.Thumbnail) {
		return OpError{Op: op, Kind: ErrValidation, Msg: "thumbnail url must be absolute http(s)"}
	}
	if m.Size < 0 || m.DurationMS < 0 {
		return OpError{Op: op, Kind: ErrValidation, Msg: "negative media size or duration"}
	}
	return nil
}

func isHTTPURL(raw string) bool {
	if len(raw) > 2048 {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (b Body) clone() Body {
	out := b
	if b.Media != nil {
		m := *b.Media
		out.Media = &m
	}
	return out
}
