package httpapi

import (
	"context"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"msgate/internal/dispatch"
	"msgate/internal/message"
	"msgate/internal/runtime/supervisor"
	"msgate/internal/session"
	"msgate/internal/storage"
	"msgate/internal/templates"
)

// Sessions is the registry surface used by the session routes.
type Sessions interface {
	GetOrCreate(ctx context.Context, id string) (*session.Session, error)
	Status(ctx context.Context, id string) (session.Status, error)
	List(ctx context.Context) ([]session.Status, error)
	Restore(ctx context.Context) ([]string, error)
	Disconnect(ctx context.Context, id string) error
	Clear(ctx context.Context, id string) error
}

// Dispatcher is the send surface used by the message routes.
type Dispatcher interface {
	Send(ctx context.Context, sessionID string, recipients []string, payloads []message.Payload) ([]dispatch.Result, error)
	Submit(sessionID string, recipients []string, payloads []message.Payload) (string, error)
	Job(id string) (dispatch.JobStatus, bool)
}

// Deliveries reads the delivery log. Optional.
type Deliveries interface {
	RecentDeliveries(ctx context.Context, sessionID string, limit int) ([]storage.Delivery, error)
}

type Deps struct {
	Sessions   Sessions
	Dispatcher Dispatcher
	Templates  *templates.Store
	Deliveries Deliveries

	// Supervisors are reported by /health, keyed by component.
	Supervisors func() map[string]*supervisor.Supervisor
	Version     string
	StartedAt   time.Time
}

func (s *Server) routes(pprof bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/messages/send", s.sendHandler(buildSend))
	api.HandleFunc("POST /api/messages/send-template", s.sendHandler(s.buildTemplate))
	api.HandleFunc("POST /api/messages/send-media", s.sendHandler(buildMedia))
	api.HandleFunc("POST /api/messages/send-poll", s.sendHandler(buildPoll))
	api.HandleFunc("POST /api/messages/send-location", s.sendHandler(buildLocation))
	api.HandleFunc("POST /api/messages/send-contact", s.sendHandler(buildContact))
	api.HandleFunc("POST /api/messages/send-reaction", s.sendHandler(buildReaction))
	api.HandleFunc("POST /api/messages/send-rich", s.sendHandler(buildRich))
	api.HandleFunc("GET /api/jobs/{id}", s.handleJob)

	api.HandleFunc("GET /api/sessions", s.handleSessionList)
	api.HandleFunc("POST /api/sessions/restore", s.handleSessionRestore)
	api.HandleFunc("POST /api/sessions/{id}/connect", s.handleSessionConnect)
	api.HandleFunc("GET /api/sessions/{id}/status", s.handleSessionStatus)
	api.HandleFunc("DELETE /api/sessions/{id}/disconnect", s.handleSessionDisconnect)
	api.HandleFunc("DELETE /api/sessions/{id}/clear", s.handleSessionClear)
	api.HandleFunc("GET /api/sessions/{id}/deliveries", s.handleDeliveries)

	api.HandleFunc("POST /api/templates", s.handleTemplatePut)
	api.HandleFunc("GET /api/templates", s.handleTemplateList)
	api.HandleFunc("GET /api/templates/{id}", s.handleTemplateGet)

	api.HandleFunc("/api/", notFound)
	mux.Handle("/api/", s.withAuth(api))

	if pprof {
		dbg := http.NewServeMux()
		dbg.HandleFunc("/debug/pprof/", hpprof.Index)
		dbg.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		dbg.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		dbg.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		dbg.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		mux.Handle("/debug/pprof/", s.withAuth(dbg))
	}

	mux.HandleFunc("/", notFound)
	return mux
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: "route not found"})
}

type healthResponse struct {
	Success     bool                           `json:"success"`
	Status      string                         `json:"status"`
	Version     string                         `json:"version,omitempty"`
	Uptime      string                         `json:"uptime,omitempty"`
	Supervisors map[string]supervisor.Snapshot `json:"supervisors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Success: true, Status: "ok", Version: s.deps.Version}
	if !s.deps.StartedAt.IsZero() {
		resp.Uptime = time.Since(s.deps.StartedAt).Truncate(time.Second).String()
	}
	if s.deps.Supervisors != nil {
		resp.Supervisors = map[string]supervisor.Snapshot{}
		for name, sup := range s.deps.Supervisors() {
			snap := sup.Snapshot()
			if snap.FirstError != "" {
				resp.Status = "degraded"
			}
			resp.Supervisors[name] = snap
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
