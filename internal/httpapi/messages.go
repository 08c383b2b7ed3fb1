package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"msgate/internal/dispatch"
	"msgate/internal/message"
	"msgate/internal/templates"
)

// sendRequest is the union of every send endpoint's body. Each builder
// reads only its own section.
type sendRequest struct {
	SessionID string `json:"sessionId"`
	// SenderID is the older name for SessionID.
	SenderID   string   `json:"senderId"`
	Recipients []string `json:"recipients"`
	Async      bool     `json:"async"`

	Message    string           `json:"message"`
	Template   string           `json:"template"`
	TemplateID string           `json:"templateId"`
	Params     []map[string]any `json:"params"`

	MediaData    *message.Media    `json:"mediaData"`
	PollData     *message.Poll     `json:"pollData"`
	LocationData *message.Location `json:"locationData"`
	ContactData  *message.Contact  `json:"contactData"`
	MessageData  *messageData      `json:"messageData"`
}

type messageData struct {
	Text            string   `json:"text"`
	Reaction        string   `json:"reaction"`
	Mentions        []string `json:"mentions"`
	QuotedMessageID string   `json:"quotedMessageId"`
}

func (r sendRequest) session() string {
	if id := strings.TrimSpace(r.SessionID); id != "" {
		return id
	}
	return strings.TrimSpace(r.SenderID)
}

type buildFunc func(req sendRequest) ([]message.Payload, error)

func missing(fields string) error {
	return fmt.Errorf("%w: missing required fields: %s", errBadRequest, fields)
}

// buildSend accepts either a literal message or an inline template with one
// params entry per rendered payload.
func buildSend(req sendRequest) ([]message.Payload, error) {
	switch {
	case req.Template != "":
		return renderAll(req.Template, req.Params)
	case strings.TrimSpace(req.Message) != "":
		return []message.Payload{message.Text(req.Message)}, nil
	default:
		return nil, missing("message or template")
	}
}

func (s *Server) buildTemplate(req sendRequest) ([]message.Payload, error) {
	if req.TemplateID == "" {
		return nil, missing("templateId")
	}
	t, found := s.deps.Templates.Get(req.TemplateID)
	if !found {
		return nil, fmt.Errorf("%w: %s", templates.ErrNotFound, req.TemplateID)
	}
	return renderAll(t.Body, req.Params)
}

func renderAll(body string, params []map[string]any) ([]message.Payload, error) {
	if len(params) == 0 {
		return []message.Payload{message.Text(templates.Render(body, nil))}, nil
	}
	out := make([]message.Payload, 0, len(params))
	for _, p := range params {
		out = append(out, message.Text(templates.Render(body, p)))
	}
	return out, nil
}

func buildMedia(req sendRequest) ([]message.Payload, error) {
	if req.MediaData == nil {
		return nil, missing("mediaData")
	}
	return []message.Payload{{Kind: message.KindMedia, Media: req.MediaData}}, nil
}

func buildPoll(req sendRequest) ([]message.Payload, error) {
	if req.PollData == nil {
		return nil, missing("pollData.question, pollData.options")
	}
	return []message.Payload{{Kind: message.KindPoll, Poll: req.PollData}}, nil
}

func buildLocation(req sendRequest) ([]message.Payload, error) {
	if req.LocationData == nil {
		return nil, missing("locationData.latitude, locationData.longitude")
	}
	return []message.Payload{{Kind: message.KindLocation, Location: req.LocationData}}, nil
}

func buildContact(req sendRequest) ([]message.Payload, error) {
	if req.ContactData == nil {
		return nil, missing("contactData.name, contactData.number")
	}
	return []message.Payload{{Kind: message.KindContact, Contact: req.ContactData}}, nil
}

func buildReaction(req sendRequest) ([]message.Payload, error) {
	if req.MessageData == nil {
		return nil, missing("messageData.text")
	}
	m := req.MessageData
	return []message.Payload{{Kind: message.KindReaction, Reaction: &message.Reaction{Text: m.Text, Emoji: m.Reaction}}}, nil
}

func buildRich(req sendRequest) ([]message.Payload, error) {
	if req.MessageData == nil {
		return nil, missing("messageData.text")
	}
	m := req.MessageData
	return []message.Payload{{Kind: message.KindRich, Rich: &message.Rich{Text: m.Text, Mentions: m.Mentions, QuotedID: m.QuotedMessageID}}}, nil
}

type sendResponse struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message"`
	SessionID string            `json:"sessionId,omitempty"`
	Sent      int               `json:"sent"`
	Failed    int               `json:"failed"`
	Results   []dispatch.Result `json:"results"`
}

// sendHandler decodes a send body, builds payloads with build and either
// dispatches synchronously or queues a job when async is set.
func (s *Server) sendHandler(build buildFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := s.decode(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		if len(req.Recipients) == 0 {
			s.fail(w, r, missing("recipients"))
			return
		}
		payloads, err := build(req)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if s.deps.Dispatcher == nil {
			s.fail(w, r, fmt.Errorf("%w: dispatcher", errNotFound))
			return
		}

		sessionID := req.session()
		if req.Async {
			id, err := s.deps.Dispatcher.Submit(sessionID, req.Recipients, payloads)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			ok(w, http.StatusAccepted, "Messages queued", map[string]any{"jobId": id})
			return
		}

		results, err := s.deps.Dispatcher.Send(r.Context(), sessionID, req.Recipients, payloads)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp := sendResponse{Success: true, Message: "Messages processed", SessionID: sessionID, Results: results}
		for _, res := range results {
			if res.OK() {
				resp.Sent++
			} else {
				resp.Failed++
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.deps.Dispatcher == nil {
		s.fail(w, r, fmt.Errorf("%w: job %s", errNotFound, id))
		return
	}
	st, found := s.deps.Dispatcher.Job(id)
	if !found {
		s.fail(w, r, fmt.Errorf("%w: job %s", errNotFound, id))
		return
	}
	ok(w, http.StatusOK, "", map[string]any{"job": st})
}
