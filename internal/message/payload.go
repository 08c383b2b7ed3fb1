// Package message defines the outbound payloads the gateway can dispatch.
package message

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPayload = errors.New("invalid payload")

type Kind string

const (
	KindText     Kind = "text"
	KindMedia    Kind = "media"
	KindPoll     Kind = "poll"
	KindLocation Kind = "location"
	KindContact  Kind = "contact"
	KindReaction Kind = "reaction"
	KindRich     Kind = "rich"
)

// Pace is the pacing class a payload kind falls into.
type Pace int

const (
	PaceNormal Pace = iota
	PaceSlow
)

// Pace returns PaceSlow for media uploads and PaceNormal otherwise.
func (k Kind) Pace() Pace {
	if k == KindMedia {
		return PaceSlow
	}
	return PaceNormal
}

// Payload is one renderable unit sent to a single recipient.
// Exactly the section matching Kind is consulted.
type Payload struct {
	Kind Kind `json:"kind"`

	Text     string    `json:"text,omitempty"`
	Media    *Media    `json:"media,omitempty"`
	Poll     *Poll     `json:"poll,omitempty"`
	Location *Location `json:"location,omitempty"`
	Contact  *Contact  `json:"contact,omitempty"`
	Reaction *Reaction `json:"reaction,omitempty"`
	Rich     *Rich     `json:"rich,omitempty"`
}

type Media struct {
	URL      string `json:"url,omitempty"`
	FilePath string `json:"filePath,omitempty"`
	Base64   string `json:"base64,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type Poll struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	AllowMultiple bool     `json:"allowMultipleAnswers,omitempty"`
}

type Location struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Description string  `json:"description,omitempty"`
}

type Contact struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Reaction is a text message with a suggested reaction emoji appended.
type Reaction struct {
	Text  string `json:"text"`
	Emoji string `json:"emoji,omitempty"`
}

// Rich is a text message with mentions and an optional quoted message.
type Rich struct {
	Text     string   `json:"text"`
	Mentions []string `json:"mentions,omitempty"`
	QuotedID string   `json:"quotedMessageId,omitempty"`
}

// Text builds a plain text payload.
func Text(s string) Payload { return Payload{Kind: KindText, Text: s} }

// Validate reports the first structural problem, wrapped in ErrInvalidPayload.
func (p Payload) Validate() error {
	switch p.Kind {
	case KindText:
		if strings.TrimSpace(p.Text) == "" {
			return invalid("text is required")
		}
	case KindMedia:
		m := p.Media
		if m == nil {
			return invalid("media is required")
		}
		if m.URL == "" && m.FilePath == "" && m.Base64 == "" {
			return invalid("media source required: filePath, url, or base64")
		}
		if m.Base64 != "" && m.MimeType == "" {
			return invalid("media.mimetype is required with base64")
		}
	case KindPoll:
		if p.Poll == nil || strings.TrimSpace(p.Poll.Question) == "" {
			return invalid("poll.question is required")
		}
		if len(p.Poll.Options) < 2 {
			return invalid("poll must have at least 2 options")
		}
		for i, o := range p.Poll.Options {
			if strings.TrimSpace(o) == "" {
				return invalid(fmt.Sprintf("poll.options[%d] is empty", i))
			}
		}
	case KindLocation:
		l := p.Location
		if l == nil {
			return invalid("location is required")
		}
		if l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180 {
			return invalid("location coordinates out of range")
		}
		if l.Latitude == 0 && l.Longitude == 0 {
			return invalid("location.latitude and location.longitude are required")
		}
	case KindContact:
		if p.Contact == nil || strings.TrimSpace(p.Contact.Name) == "" || strings.TrimSpace(p.Contact.Number) == "" {
			return invalid("contact.name and contact.number are required")
		}
	case KindReaction:
		if p.Reaction == nil || strings.TrimSpace(p.Reaction.Text) == "" {
			return invalid("reaction.text is required")
		}
	case KindRich:
		if p.Rich == nil || strings.TrimSpace(p.Rich.Text) == "" {
			return invalid("rich.text is required")
		}
	case "":
		return invalid("kind is required")
	default:
		return invalid(fmt.Sprintf("unknown kind %q", p.Kind))
	}
	return nil
}

func invalid(msg string) error { return fmt.Errorf("%w: %s", ErrInvalidPayload, msg) }

// Summary is a short, log-safe description of the payload.
func (p Payload) Summary() string {
	const maxN = 48
	var s string
	switch p.Kind {
	case KindText:
		s = p.Text
	case KindPoll:
		if p.Poll != nil {
			s = p.Poll.Question
		}
	case KindReaction:
		if p.Reaction != nil {
			s = p.Reaction.Text
		}
	case KindRich:
		if p.Rich != nil {
			s = p.Rich.Text
		}
	case KindMedia:
		if p.Media != nil {
			s = p.Media.Filename
		}
	case KindContact:
		if p.Contact != nil {
			s = p.Contact.Name
		}
	}
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxN {
		s = string(r[:maxN-3]) + "..."
	}
	if s == "" {
		return string(p.Kind)
	}
	return string(p.Kind) + ": " + s
}
