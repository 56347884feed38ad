package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"remindcal/internal/access"
	"remindcal/internal/config"
	"remindcal/internal/ics"
	appLog "remindcal/internal/log"
	"remindcal/internal/model"
	"remindcal/internal/reminder"
	"remindcal/internal/store"
	"remindcal/internal/subscription"
)

// maxUploadBytes bounds an uploaded calendar.
const maxUploadBytes = 8 << 20

// Server exposes the reminder engine over HTTP. Every /api/users/{user}
// route is checked against the whitelist before anything else happens.
type Server struct {
	cfg     *config.Config
	sched   *reminder.Scheduler
	decoder ics.Decoder
	allow   *access.Whitelist
	syncer  *subscription.Syncer
	mux     *http.ServeMux
}

// NewServer constructs a new Server. syncer may be nil when no
// subscriptions are configured.
func NewServer(cfg *config.Config, sched *reminder.Scheduler, decoder ics.Decoder, allow *access.Whitelist, syncer *subscription.Syncer) *Server {
	s := &Server{
		cfg:     cfg,
		sched:   sched,
		decoder: decoder,
		allow:   allow,
		syncer:  syncer,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials count as disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="remindcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/help", s.handleHelp)

	s.mux.HandleFunc("POST /api/users/{user}/calendar", s.userOnly(s.handleUpload))
	s.mux.HandleFunc("GET /api/users/{user}/reminders", s.userOnly(s.handleList))
	s.mux.HandleFunc("DELETE /api/users/{user}/reminders", s.userOnly(s.handleClear))
	s.mux.HandleFunc("POST /api/users/{user}/reminders/{event}/ack", s.userOnly(s.handleAck))
	s.mux.HandleFunc("POST /api/users/{user}/actions/{token}", s.userOnly(s.handleAction))
	s.mux.HandleFunc("POST /api/users/{user}/sync", s.userOnly(s.handleSync))
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// userOnly validates the {user} path segment and applies the whitelist.
// Rejected users get a bare 403.
func (s *Server) userOnly(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("user")
		if !store.ValidUserID(userID) {
			writeError(w, http.StatusBadRequest, "invalid user id")
			return
		}
		if err := s.allow.Check(userID); err != nil {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r, userID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type helpResponse struct {
	Text     string            `json:"text"`
	Commands map[string]string `json:"commands"`
}

func (s *Server) handleHelp(w http.ResponseWriter, _ *http.Request) {
	p := s.sched.Policy()
	text := fmt.Sprintf("Upload an ICS calendar to get reminders the day before each event at %d:%02d. "+
		"Reminders repeat every %s until midnight of the event day, or until you acknowledge them.",
		p.Hour, p.Minute, p.Interval)
	writeJSON(w, http.StatusOK, helpResponse{
		Text: text,
		Commands: map[string]string{
			"POST /api/users/{user}/calendar":              "upload an ICS file and replace your reminders",
			"GET /api/users/{user}/reminders":              "list upcoming reminders",
			"DELETE /api/users/{user}/reminders":           "clear all reminders",
			"POST /api/users/{user}/reminders/{event}/ack": "acknowledge one event",
			"POST /api/users/{user}/actions/{token}":       "run a notification action",
			"POST /api/users/{user}/sync":                  "re-import configured calendar subscriptions",
		},
	})
}

type importResponse struct {
	Scheduled  int `json:"scheduled"`
	Ignored    int `json:"ignored"`
	Expired    int `json:"expired"`
	Duplicates int `json:"duplicates"`
}

// handleUpload imports an ICS body. A malformed calendar leaves the
// user's current reminders untouched.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, userID string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "calendar too large")
		return
	}

	raws, err := s.decoder.Decode(body, s.sched.Now())
	if err != nil {
		appLog.Warn("calendar upload rejected", "user", userID, "error", err.Error())
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.sched.Import(r.Context(), userID, raws)
	if err != nil {
		// The in-memory set is already live; only persistence failed.
		appLog.Error("calendar import not persisted", err, "user", userID)
	}
	writeJSON(w, http.StatusOK, importResponse{
		Scheduled:  len(res.Events),
		Ignored:    res.Ignored,
		Expired:    res.Expired,
		Duplicates: res.Duplicates,
	})
}

// eventDTO is the JSON view of a reminder record.
type eventDTO struct {
	ID            string     `json:"id"`
	Summary       string     `json:"summary"`
	Type          string     `json:"type"`
	Start         time.Time  `json:"start"`
	State         string     `json:"state"`
	NextReminder  *time.Time `json:"next_reminder,omitempty"`
	FirstReminder bool       `json:"first_reminder"`
	Sent          int        `json:"sent"`
}

func toDTO(ev model.Event, now time.Time) eventDTO {
	dto := eventDTO{
		ID:            ev.ID,
		Summary:       ev.Summary,
		Type:          ev.Type,
		Start:         ev.Start,
		State:         string(ev.State(now)),
		FirstReminder: ev.FirstReminder,
		Sent:          ev.Sent,
	}
	if !ev.NextReminder.IsZero() {
		next := ev.NextReminder
		dto.NextReminder = &next
	}
	return dto
}

type listResponse struct {
	Reminders []eventDTO `json:"reminders"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, userID string) {
	events, err := s.sched.List(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list reminders")
		return
	}
	now := s.sched.Now()
	out := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, toDTO(ev, now))
	}
	writeJSON(w, http.StatusOK, listResponse{Reminders: out})
}

type clearResponse struct {
	Cleared int `json:"cleared"`
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, userID string) {
	n, err := s.sched.Clear(r.Context(), userID)
	if err != nil {
		appLog.Error("clear not persisted", err, "user", userID)
	}
	writeJSON(w, http.StatusOK, clearResponse{Cleared: n})
}

type ackResponse struct {
	Acknowledged bool      `json:"acknowledged"`
	Event        *eventDTO `json:"event,omitempty"`
}

func (s *Server) writeAck(w http.ResponseWriter, ev model.Event, found bool) {
	resp := ackResponse{Acknowledged: found}
	if found {
		dto := toDTO(ev, s.sched.Now())
		resp.Event = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAck is idempotent: acknowledging an unknown or already removed
// event succeeds with acknowledged=false.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request, userID string) {
	ev, found, err := s.sched.Acknowledge(r.Context(), userID, r.PathValue("event"))
	if err != nil {
		appLog.Error("acknowledgment not persisted", err, "user", userID)
	}
	s.writeAck(w, ev, found)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, userID string) {
	ev, found, err := s.sched.HandleAction(r.Context(), userID, r.PathValue("token"))
	if errors.Is(err, reminder.ErrUnknownAction) {
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	if err != nil {
		appLog.Error("action not persisted", err, "user", userID)
	}
	s.writeAck(w, ev, found)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, userID string) {
	if s.syncer == nil {
		writeError(w, http.StatusNotFound, "no subscriptions configured")
		return
	}
	n, err := s.syncer.Sync(r.Context(), userID)
	if errors.Is(err, subscription.ErrNoSources) {
		writeError(w, http.StatusNotFound, "no subscriptions configured")
		return
	}
	if err != nil {
		appLog.Error("manual sync failed", err, "user", userID)
		writeError(w, http.StatusBadGateway, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, importResponse{Scheduled: n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
