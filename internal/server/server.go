package server

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yourorg/abtest/internal/bucket"
	"github.com/yourorg/abtest/internal/catalog"
	"github.com/yourorg/abtest/internal/config"
	"github.com/yourorg/abtest/internal/logger"
	"github.com/yourorg/abtest/internal/sanitize"
	"github.com/yourorg/abtest/internal/store"
	"github.com/yourorg/abtest/pkg/types"
)

var (
	//go:embed ui.html
	uiHTML string

	uiTemplate = template.Must(template.New("ui").Funcs(template.FuncMap{
		"percent": func(f float64) string { return strconv.FormatFloat(f*100, 'f', 0, 64) + "%" },
		"date":    func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	}).Parse(uiHTML))
)

const maxBodyBytes = 1 << 20

// Server exposes the ingest API, read-only query endpoints and the results
// dashboard.
type Server struct {
	cfg       *config.Config
	store     store.Store
	catalog   *catalog.Catalog
	sanitizer *sanitize.Sanitizer
	lggr      logger.Logger
	router    chi.Router
	now       func() time.Time
}

type uiData struct {
	Experiments []types.Experiment
	Report      *types.Report
}

// New constructs a new Server with routes registered.
func New(cfg *config.Config, st store.Store, cat *catalog.Catalog, lggr logger.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if st == nil {
		return nil, errors.New("store is nil")
	}
	if cat == nil {
		return nil, errors.New("catalog is nil")
	}
	if lggr == nil {
		lggr = logger.Nop()
	}

	srv := &Server{
		cfg:       cfg,
		store:     st,
		catalog:   cat,
		sanitizer: sanitize.New(cfg.Sanitize),
		lggr:      lggr.Named("server"),
		router:    chi.NewRouter(),
		now:       time.Now,
	}
	srv.registerRoutes()
	return srv, nil
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.lggr.Infow("listening", "addr", addr)
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return hs.ListenAndServe()
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.handleIndex)

	r.Route("/api/ab-testing", func(r chi.Router) {
		r.Use(s.cors)

		r.Post("/participation/", s.handleParticipation)
		r.Post("/event/", s.handleEvent)

		r.Get("/experiments", s.handleExperiments)
		r.Get("/assignments", s.handleAssignments)
		r.Get("/participations", s.handleListParticipations)
		r.Get("/events", s.handleListEvents)
		r.Get("/results", s.handleResults)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.Report(r.Context())
	if err != nil {
		s.lggr.Errorw("building report failed", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = uiTemplate.Execute(w, uiData{Experiments: s.catalog.Experiments(), Report: report})
}

func (s *Server) handleParticipation(w http.ResponseWriter, r *http.Request) {
	var req types.ParticipationPayload
	if _, ok := s.decode(w, r, &req); !ok {
		return
	}
	if strings.TrimSpace(req.ExperimentID) == "" || strings.TrimSpace(req.Variant) == "" {
		writeIngest(w, http.StatusBadRequest, types.IngestResponse{Status: "error", Message: "experimentId and variant are required"})
		return
	}
	if req.UserID == "" {
		req.UserID = "unknown"
	}
	p := s.sanitizer.Participation(req.Participation())
	if err := s.store.SaveParticipation(r.Context(), &p); err != nil {
		s.lggr.Errorw("saving participation failed", "experiment", p.ExperimentID, "err", err)
		writeIngest(w, http.StatusInternalServerError, types.IngestResponse{Status: "error", Message: "Internal server error"})
		return
	}
	s.lggr.Debugw("participation saved", "id", p.ID, "experiment", p.ExperimentID, "variant", p.Variant)
	writeIngest(w, http.StatusOK, types.IngestResponse{
		Status:    "success",
		Message:   "A/B testing participation received and saved",
		ID:        p.ID,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req types.EventPayload
	raw, ok := s.decode(w, r, &req)
	if !ok {
		return
	}
	if req.EventType == "" {
		req.EventType = "unknown"
	}
	if req.UserID == "" {
		req.UserID = "unknown"
	}
	e := req.Event()
	e.Raw = raw
	e = s.sanitizer.Event(e)
	if err := s.store.SaveEvent(r.Context(), &e); err != nil {
		s.lggr.Errorw("saving event failed", "event_type", e.EventType, "err", err)
		writeIngest(w, http.StatusInternalServerError, types.IngestResponse{Status: "error", Message: "Internal server error"})
		return
	}
	s.lggr.Debugw("event saved", "id", e.ID, "event_type", e.EventType)
	writeIngest(w, http.StatusOK, types.IngestResponse{
		Status:    "success",
		Message:   "A/B testing event received and saved",
		ID:        e.ID,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleExperiments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Experiments())
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	at := s.now()
	if v := r.URL.Query().Get("at"); v != "" {
		t, err := catalog.ParseInstant(v)
		if err != nil {
			http.Error(w, "invalid at: "+err.Error(), http.StatusBadRequest)
			return
		}
		at = t
	}
	active, err := bucket.ActiveAssignments(userID, s.catalog.Experiments(), at)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := struct {
		UserID      string            `json:"userId"`
		At          time.Time         `json:"at"`
		Assignments map[string]string `json:"assignments"`
	}{UserID: userID, At: at.UTC(), Assignments: active}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListParticipations(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.store.ListParticipations(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.store.ListEvents(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.Report(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// decode reads a body holding exactly one JSON object into v and returns
// the object as received. Anything else is answered with 400.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) (json.RawMessage, bool) {
	raw, err := readObject(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(raw, v)
	}
	if err != nil {
		s.lggr.Debugw("rejecting request body", "path", r.URL.Path, "err", err)
		writeIngest(w, http.StatusBadRequest, types.IngestResponse{Status: "error", Message: "Invalid JSON data"})
		return nil, false
	}
	return raw, true
}

func readObject(body io.Reader) (json.RawMessage, error) {
	dec := json.NewDecoder(body)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errors.New("body is not a JSON object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON object")
	}
	return raw, nil
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORS(w, s.cfg.Server.CORSOrigin)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.lggr.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		UserID:       q.Get("user_id"),
		ExperimentID: q.Get("experiment_id"),
		EventType:    q.Get("event_type"),
	}
	if v := q.Get("since"); v != "" {
		t, err := catalog.ParseInstant(v)
		if err != nil {
			return f, errors.New("invalid since: " + err.Error())
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("invalid limit")
		}
		f.Limit = n
	}
	return f, nil
}

func writeIngest(w http.ResponseWriter, status int, resp types.IngestResponse) {
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setCORS(w http.ResponseWriter, origin string) {
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-CSRFToken")
}
