package api

import (
	"bytes"
	"errors"
	"math"
	"net/http"
	"strconv"

	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/ecg.report/internal/db"
	"github.com/banshee-data/ecg.report/internal/httputil"
	"github.com/banshee-data/ecg.report/internal/report"
	"github.com/banshee-data/ecg.report/internal/security"
	"github.com/banshee-data/ecg.report/internal/session"
)

const maxListLimit = 1000

type sessionResponse struct {
	*session.Record
	Summary report.Summary `json:"summary"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := db.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			httputil.BadRequest(w, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		limit = n
	}

	recs, err := s.opts.Store.ListMeasurements(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if recs == nil {
		recs = []session.Record{}
	}
	httputil.WriteJSONOK(w, map[string]any{"sessions": recs})
}

func (s *Server) record(w http.ResponseWriter, r *http.Request) (*session.Record, bool) {
	rec, err := s.opts.Store.GetMeasurement(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	return rec, true
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	sum := report.Summarize(rec.Trace)
	if math.IsNaN(sum.StdDev) {
		sum.StdDev = 0
	}
	httputil.WriteJSONOK(w, sessionResponse{Record: rec, Summary: sum})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Store.DeleteMeasurement(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeRendered buffers a render so a failure can still produce a JSON
// error instead of a truncated body.
func writeRendered(w http.ResponseWriter, contentType string, render func(*bytes.Buffer) error) {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		if errors.Is(err, report.ErrEmptyTrace) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) showChart(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	writeRendered(w, "text/html; charset=utf-8", func(buf *bytes.Buffer) error {
		return report.RenderTraceHTML(buf, *rec, s.opts.Chart)
	})
}

// showTracePNG accepts optional width and height in inches.
func (s *Server) showTracePNG(w http.ResponseWriter, r *http.Request) {
	width, err := inches(r, "width")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	height, err := inches(r, "height")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	writeRendered(w, "image/png", func(buf *bytes.Buffer) error {
		return report.WriteTracePNG(buf, *rec, width, height)
	})
}

func inches(r *http.Request, name string) (vg.Length, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 || f > 40 {
		return 0, errors.New(name + " must be between 0 and 40 inches")
	}
	return vg.Length(f) * vg.Inch, nil
}

func (s *Server) exportTrace(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	path, err := security.ExportPath(s.opts.ExportDir, "ecg_"+rec.ID, ".png")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := report.SaveTracePNG(path, *rec); err != nil {
		if errors.Is(err, report.ErrEmptyTrace) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"path": path})
}
