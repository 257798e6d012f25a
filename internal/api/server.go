// Package api serves the ECG session over HTTP: session control, the live
// event stream, stored measurements and their charts.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/ecg.report/internal/connection"
	"github.com/banshee-data/ecg.report/internal/db"
	"github.com/banshee-data/ecg.report/internal/httputil"
	"github.com/banshee-data/ecg.report/internal/report"
	"github.com/banshee-data/ecg.report/internal/session"
	"github.com/banshee-data/ecg.report/internal/version"
)

// ANSI escape codes for request logging.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

const toggleTimeout = 5 * time.Second

// Sessions is the orchestrator surface the API drives.
type Sessions interface {
	Toggle(ctx context.Context) error
	Connect() error
	Status() session.Status
	Subscribe(buffer int) (string, <-chan session.Event)
	Unsubscribe(id string)
}

// Store reads and deletes finished measurements.
type Store interface {
	ListMeasurements(ctx context.Context, limit int) ([]session.Record, error)
	GetMeasurement(ctx context.Context, id string) (*session.Record, error)
	DeleteMeasurement(ctx context.Context, id string) error
}

// Prompts lists and answers pending permission requests.
type Prompts interface {
	Pending() []string
	Answer(token string, granted bool) int
}

// ConnectionStatus reports the sensing connection.
type ConnectionStatus interface {
	Status() connection.Status
}

// Options wires the optional parts of the API. Endpoints whose dependency
// is nil are not registered.
type Options struct {
	Store      Store
	Prompts    Prompts
	Connection ConnectionStatus
	// Config is served as-is from /api/config.
	Config any
	// ExportDir enables PNG export of stored traces into that directory.
	ExportDir string
	Chart     report.ChartOptions
}

type Server struct {
	sessions Sessions
	opts     Options
}

func NewServer(sessions Sessions, opts Options) *Server {
	return &Server{sessions: sessions, opts: opts}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.showStatus)
	mux.HandleFunc("POST /api/toggle", s.toggle)
	mux.HandleFunc("POST /api/connect", s.connect)
	mux.HandleFunc("GET /api/events", s.streamEvents)
	mux.HandleFunc("GET /api/version", s.showVersion)
	if s.opts.Config != nil {
		mux.HandleFunc("GET /api/config", s.showConfig)
	}
	if s.opts.Prompts != nil {
		mux.HandleFunc("GET /api/permission", s.listPrompts)
		mux.HandleFunc("POST /api/permission", s.answerPrompt)
	}
	if s.opts.Store != nil {
		mux.HandleFunc("GET /api/sessions", s.listSessions)
		mux.HandleFunc("GET /api/sessions/{id}", s.showSession)
		mux.HandleFunc("DELETE /api/sessions/{id}", s.deleteSession)
		mux.HandleFunc("GET /api/sessions/{id}/chart", s.showChart)
		mux.HandleFunc("GET /api/sessions/{id}/trace.png", s.showTracePNG)
		if s.opts.ExportDir != "" {
			mux.HandleFunc("POST /api/sessions/{id}/export", s.exportTrace)
		}
	}
	return mux
}

// statusResponse is the orchestrator snapshot plus the link details.
type statusResponse struct {
	session.Status
	Connection *connection.Status `json:"connection,omitempty"`
}

func (s *Server) status() statusResponse {
	resp := statusResponse{Status: s.sessions.Status()}
	if s.opts.Connection != nil {
		cs := s.opts.Connection.Status()
		resp.Connection = &cs
	}
	return resp
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.status())
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), toggleTimeout)
	defer cancel()

	if err := s.sessions.Toggle(ctx); err != nil {
		httputil.WriteJSONError(w, toggleStatusCode(err), err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.status())
}

// toggleStatusCode maps a Toggle or Connect error onto an HTTP status.
func toggleStatusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrNoPermission):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNoConnection), errors.Is(err, session.ErrTrackerUnsupported):
		return http.StatusPreconditionFailed
	case errors.Is(err, session.ErrShutdown), errors.Is(err, connection.ErrConnectionFatal):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Connect(); err != nil {
		httputil.WriteJSONError(w, toggleStatusCode(err), err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, s.status())
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Current())
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.opts.Config)
}

func (s *Server) listPrompts(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string][]string{"pending": s.opts.Prompts.Pending()})
}

type promptAnswer struct {
	Token   string `json:"token"`
	Granted bool   `json:"granted"`
}

func (s *Server) answerPrompt(w http.ResponseWriter, r *http.Request) {
	var a promptAnswer
	if err := httputil.DecodeJSON(r, &a); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if a.Token == "" {
		httputil.BadRequest(w, "token is required")
		return
	}
	n := s.opts.Prompts.Answer(a.Token, a.Granted)
	if n == 0 {
		httputil.NotFound(w, "no pending request for "+a.Token)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"token": a.Token, "granted": a.Granted, "answered": n})
}

// writeStoreError reports a store failure, mapping db.ErrNotFound to 404.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, err.Error())
}
