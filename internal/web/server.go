// Package web is the JSON control surface: inspect, create, cancel and
// delete booking requests, upload CSV batches and pull audit trails. It
// only ever talks to the store through the compare-and-set contract (via
// the scheduler for state changes), so it can never corrupt an execution.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/court-scheduler/internal/auth"
	"github.com/example/court-scheduler/internal/booking"
	"github.com/example/court-scheduler/internal/ical"
	"github.com/example/court-scheduler/internal/ingest"
	"github.com/example/court-scheduler/internal/scheduler"
	"github.com/example/court-scheduler/internal/store"
)

type Server struct {
	Auth   *auth.Store
	Store  store.Store
	Sched  *scheduler.Scheduler
	Loc    *time.Location
	Logger *slog.Logger
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)

	authed := func(h http.HandlerFunc) http.Handler { return s.Auth.RequireAuth(h) }
	mux.Handle("GET /api/bookings", authed(s.handleList))
	mux.Handle("POST /api/bookings", authed(s.handleCreate))
	mux.Handle("POST /api/bookings/upload", authed(s.handleUpload))
	mux.Handle("GET /api/bookings/{id}", authed(s.handleGet))
	mux.Handle("GET /api/bookings/{id}/log", authed(s.handleAuditLog))
	mux.Handle("GET /api/bookings/{id}/invite.ics", authed(s.handleInvite))
	mux.Handle("POST /api/bookings/{id}/cancel", authed(s.handleCancel))
	mux.Handle("DELETE /api/bookings/{id}", authed(s.handleDelete))
	mux.Handle("GET /api/stats", authed(s.handleStats))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Store.Stats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := s.Auth.Authenticate(r.Context(), strings.TrimSpace(body.Username), body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid username/password")
		return
	}
	if err := s.Auth.SetSession(w, r, id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type requestView struct {
	ID             string `json:"id"`
	TargetDate     string `json:"target_date"`
	ChoicePrimary  string `json:"choice_primary"`
	ChoiceFallback string `json:"choice_fallback,omitempty"`
	Status         string `json:"status"`
	ExecuteAt      string `json:"execute_at,omitempty"`
	ResultChoice   string `json:"result_choice,omitempty"`
	ResultLabel    string `json:"result_label,omitempty"`
	ErrorDetail    string `json:"error_detail,omitempty"`
	EvidenceRef    string `json:"evidence_ref,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func viewOf(req booking.Request) requestView {
	v := requestView{
		ID:             req.ID.String(),
		TargetDate:     req.TargetDate.Format("2006-01-02"),
		ChoicePrimary:  req.ChoicePrimary,
		ChoiceFallback: req.ChoiceFallback,
		Status:         string(req.Status),
		ResultChoice:   string(req.ResultChoice),
		ResultLabel:    req.ResultLabel,
		ErrorDetail:    req.ErrorDetail,
		EvidenceRef:    req.EvidenceRef,
		CreatedAt:      req.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      req.UpdatedAt.Format(time.RFC3339),
	}
	if !req.ExecuteAt.IsZero() {
		v.ExecuteAt = req.ExecuteAt.Format(time.RFC3339)
	}
	return v
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := booking.Status(r.URL.Query().Get("status"))
	reqs, err := s.Store.List(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, viewOf(req))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetDate   string `json:"target_date"` // YYYY-MM-DD
		TimePrimary  string `json:"time_primary"`
		TimeFallback string `json:"time_fallback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	target, err := time.ParseInLocation("2006-01-02", body.TargetDate, s.Loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target_date (want YYYY-MM-DD)")
		return
	}

	req, err := booking.NewRequest(target, body.TimePrimary, body.TimeFallback, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.Store.Create(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	armed, err := s.Sched.Arm(r.Context(), created)
	if err != nil {
		var se *booking.ScheduleError
		if errors.As(err, &se) {
			// Keep the surface clean: a stale window is a client problem.
			_ = s.Store.Delete(r.Context(), created.ID)
			writeError(w, http.StatusUnprocessableEntity, se.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(armed))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	reader := r.Body
	if file, _, err := r.FormFile("file"); err == nil {
		reader = file
	}
	defer reader.Close()

	rows, skipped, err := ingest.Parse(reader, s.Loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sum := ingest.Import(r.Context(), s.Store, s.Sched, rows, s.Logger)
	sum.Skipped += skipped
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	req, ok := s.lookup(w, r)
	if !ok {
		return
	}
	entries, err := s.Store.AuditLog(r.Context(), req.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type auditView struct {
		Timestamp   string `json:"timestamp"`
		Phase       string `json:"phase"`
		Outcome     string `json:"outcome"`
		Detail      string `json:"detail,omitempty"`
		EvidenceRef string `json:"evidence_ref,omitempty"`
	}
	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditView{
			Timestamp:   e.Timestamp.Format(time.RFC3339Nano),
			Phase:       string(e.Phase),
			Outcome:     string(e.Outcome),
			Detail:      e.Detail,
			EvidenceRef: e.EvidenceRef,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	req, ok := s.lookup(w, r)
	if !ok {
		return
	}
	data, err := ical.Invite(req, s.Loc)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "padel_"+req.TargetDate.Format("2006-01-02")+".ics"))
	_, _ = w.Write(data)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := s.Sched.Cancel(r.Context(), req.ID); err != nil {
		if booking.IsConflict(err) {
			writeError(w, http.StatusConflict, "request already finished")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !req.Status.Terminal() {
		// Disarm first so a live timer can't fire against a deleted row.
		if err := s.Sched.Cancel(r.Context(), req.ID); err != nil && !booking.IsConflict(err) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := s.Store.Delete(r.Context(), req.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"total":     stats.Total,
		"pending":   stats.Pending,
		"scheduled": stats.Scheduled,
		"executing": stats.Executing,
		"booked":    stats.Booked,
		"failed":    stats.Failed,
		"cancelled": stats.Cancelled,
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (booking.Request, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return booking.Request{}, false
	}
	req, err := s.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return booking.Request{}, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return booking.Request{}, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Start runs the HTTP server until ctx is done.
func Start(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if logger != nil {
		logger.Info("listening", "addr", addr)
	}
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
