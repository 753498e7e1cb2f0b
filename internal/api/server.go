package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/config"
	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
	"github.com/bryanchriswhite/PresentationRecorder/internal/history"
	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
	"github.com/bryanchriswhite/PresentationRecorder/internal/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultRecordingsLimit = 50
	callTimeout            = 10 * time.Second
)

// Controller is the capture coordinator as the API sees it.
type Controller interface {
	Request(ctx context.Context, req session.Request) (session.Status, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() session.Status
	Subscribe() chan session.Event
	Unsubscribe(ch chan session.Event)
}

// Negotiator answers dry-run capability queries.
type Negotiator interface {
	Negotiate(width, height, frameRate int) (encoder.Profile, error)
}

// Recordings lists finished recordings.
type Recordings interface {
	List(ctx context.Context, limit int) ([]history.Entry, error)
}

// Server represents the HTTP API server
type Server struct {
	router     *mux.Router
	controller Controller
	negotiator Negotiator
	recordings Recordings
	defaults   session.Request
	preview    http.Handler
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer creates a new API server. Zero fields of a capture request fall
// back to defaults. recordings may be nil when history is disabled.
func NewServer(controller Controller, negotiator Negotiator, recordings Recordings, defaults session.Request) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		controller: controller,
		negotiator: negotiator,
		recordings: recordings,
		defaults:   defaults,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local tooling
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Capture session
	api.HandleFunc("/capture", s.handleRequestCapture).Methods("POST")
	api.HandleFunc("/capture/start", s.handleStartCapture).Methods("POST")
	api.HandleFunc("/capture/stop", s.handleStopCapture).Methods("POST")
	api.HandleFunc("/capture/status", s.handleCaptureStatus).Methods("GET")
	api.HandleFunc("/capture/events", s.handleCaptureEvents)
	api.HandleFunc("/capture/preview", s.handleCapturePreview).Methods("GET")

	// Encoder
	api.HandleFunc("/encoder/negotiate", s.handleNegotiate).Methods("GET")

	// History
	api.HandleFunc("/recordings", s.handleRecordings).Methods("GET")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.Handle("/metrics", promhttp.Handler())
}

// SetPreview installs the live MJPEG preview stream
func (s *Server) SetPreview(h http.Handler) {
	s.preview = h
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.WithComponent("api").Info().Str("addr", addr).Msg("Starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HTTP Handlers

func (s *Server) handleRequestCapture(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	req = s.withDefaults(req)

	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()
	st, err := s.controller.Request(ctx, req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()
	if err := s.controller.Start(ctx); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()
	if err := s.controller.Stop(ctx); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleCaptureEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates := s.controller.Subscribe()
	defer s.controller.Unsubscribe(updates)

	// Reads only detect the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	initial := session.Event{Type: session.EventStatus, Status: s.controller.Status()}
	if err := conn.WriteJSON(initial); err != nil {
		log.Debug().Err(err).Msg("WebSocket write failed")
		return
	}

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (s *Server) handleCapturePreview(w http.ResponseWriter, r *http.Request) {
	if s.preview == nil {
		writeError(w, http.StatusNotFound, errors.New("preview is disabled"))
		return
	}
	s.preview.ServeHTTP(w, r)
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	width, err1 := intParam(q.Get("width"), s.defaults.Width)
	height, err2 := intParam(q.Get("height"), s.defaults.Height)
	fps, err3 := intParam(q.Get("fps"), s.defaults.FrameRate)
	if err := errors.Join(err1, err2, err3); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	profile, err := s.negotiator.Negotiate(width, height, fps)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if s.recordings == nil {
		writeJSON(w, http.StatusOK, []history.Entry{})
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), defaultRecordingsLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
		return
	}
	entries, err := s.recordings.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"state":   s.controller.Status().State.String(),
		"version": "0.1.0",
	})
}

func (s *Server) withDefaults(req session.Request) session.Request {
	if req.Width == 0 {
		req.Width = s.defaults.Width
	}
	if req.Height == 0 {
		req.Height = s.defaults.Height
	}
	if req.DensityDPI == 0 {
		req.DensityDPI = s.defaults.DensityDPI
	}
	if req.FrameRate == 0 {
		req.FrameRate = s.defaults.FrameRate
	}
	if req.OutputPath == "" {
		req.OutputPath = s.defaults.OutputPath
	}
	req.OutputPath = config.ExpandPath(req.OutputPath)
	return req
}

// statusFor maps coordinator and negotiation errors onto HTTP statuses
func statusFor(err error) int {
	var capErr *encoder.CapabilityError
	switch {
	case errors.As(err, &capErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrSessionActive),
		errors.Is(err, session.ErrAlreadyActive),
		errors.Is(err, session.ErrNoGrant):
		return http.StatusConflict
	case errors.Is(err, session.ErrLoopStopped),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		var allocErr *session.ResourceAllocationError
		if errors.As(err, &allocErr) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]string{"error": err.Error()}
	if reason := encoder.ReasonLabel(err); reason != "error" {
		body["reason"] = reason
	}
	writeJSON(w, status, body)
}
