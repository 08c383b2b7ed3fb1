package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"msgate/internal/templates"
	"msgate/pkg/logx"
)

const (
	defaultDeliveryLimit = 50
	maxDeliveryLimit     = 1000
)

func (s *Server) handleSessionConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Sessions.GetOrCreate(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.deps.Sessions.Status(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, fmt.Sprintf("Session %s initializing", st.ID), map[string]any{"session": st})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Sessions.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "", map[string]any{"session": st})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Sessions.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "", map[string]any{"sessions": all, "count": len(all)})
}

func (s *Server) handleSessionRestore(w http.ResponseWriter, r *http.Request) {
	started, err := s.deps.Sessions.Restore(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if started == nil {
		started = []string{}
	}
	ok(w, http.StatusOK, "Session restoration initiated", map[string]any{"restored": started})
}

func (s *Server) handleSessionDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Sessions.Disconnect(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, fmt.Sprintf("Session %s disconnected", id), nil)
}

func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Sessions.Clear(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, fmt.Sprintf("Session %s cleared", id), nil)
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Deliveries == nil {
		s.fail(w, r, fmt.Errorf("%w: delivery log disabled", errNotFound))
		return
	}
	limit := defaultDeliveryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.fail(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = min(n, maxDeliveryLimit)
	}
	list, err := s.deps.Deliveries.RecentDeliveries(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "", map[string]any{"deliveries": list, "count": len(list)})
}

type templateRequest struct {
	TemplateID string `json:"templateId"`
	// Name and Template are accepted as alternatives to TemplateID and Body.
	Name     string `json:"name"`
	Body     string `json:"body"`
	Template string `json:"template"`
}

func (s *Server) handleTemplatePut(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	name := strings.TrimSpace(req.TemplateID)
	if name == "" {
		name = strings.TrimSpace(req.Name)
	}
	body := req.Template
	if body == "" {
		body = req.Body
	}
	if name == "" || body == "" {
		s.fail(w, r, fmt.Errorf("%w: template ID and template content are required", errBadRequest))
		return
	}
	s.deps.Templates.Put(name, body)
	s.log.Info("template stored", logx.String("template", name))
	ok(w, http.StatusCreated, "Template added", map[string]any{"template": templates.Template{Name: name, Body: body}})
}

func (s *Server) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	ok(w, http.StatusOK, "", map[string]any{"templates": s.deps.Templates.List()})
}

func (s *Server) handleTemplateGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, found := s.deps.Templates.Get(id)
	if !found {
		s.fail(w, r, fmt.Errorf("%w: %s", templates.ErrNotFound, id))
		return
	}
	ok(w, http.StatusOK, "", map[string]any{"template": t})
}
