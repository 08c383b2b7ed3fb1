package message

import (
	"fmt"
	"strings"
)

// PlainText renders payloads for providers that only speak text.
// Structured kinds degrade to a readable representation.
func (p Payload) PlainText() string {
	switch p.Kind {
	case KindText:
		return p.Text
	case KindReaction:
		if p.Reaction == nil {
			return ""
		}
		if p.Reaction.Emoji == "" {
			return p.Reaction.Text
		}
		return p.Reaction.Text + "\n\nReact with " + p.Reaction.Emoji
	case KindRich:
		if p.Rich == nil {
			return ""
		}
		var b strings.Builder
		b.WriteString(p.Rich.Text)
		if len(p.Rich.Mentions) > 0 {
			b.WriteString("\n\n")
			for i, m := range p.Rich.Mentions {
				if i > 0 {
					b.WriteString(" ")
				}
				b.WriteString("@")
				b.WriteString(strings.TrimPrefix(m, "@"))
			}
		}
		return b.String()
	case KindPoll:
		if p.Poll == nil {
			return ""
		}
		var b strings.Builder
		b.WriteString(p.Poll.Question)
		for i, o := range p.Poll.Options {
			fmt.Fprintf(&b, "\n%d. %s", i+1, o)
		}
		return b.String()
	case KindLocation:
		if p.Location == nil {
			return ""
		}
		s := fmt.Sprintf("https://maps.google.com/?q=%.6f,%.6f", p.Location.Latitude, p.Location.Longitude)
		if p.Location.Description != "" {
			s = p.Location.Description + "\n" + s
		}
		return s
	case KindContact:
		if p.Contact == nil {
			return ""
		}
		return p.Contact.Name + "\n" + p.Contact.Number
	case KindMedia:
		if p.Media == nil {
			return ""
		}
		return p.Media.Caption
	}
	return ""
}
