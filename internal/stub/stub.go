// Package stub is a local stand-in for the GROBID REST API. It answers
// /api/isalive and /api/{service} with a small TEI document and can be told to
// answer busy or fail for particular inputs.
package stub

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/grobid-batch/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// citationKey is the request key used for citation-list calls, which carry no filename.
const citationKey = "citations"

// Options controls stub behaviour.
type Options struct {
	// Latency delays every processing response.
	Latency time.Duration
	// BusyFirst answers 503 to the first N calls for each input.
	BusyFirst int
	// FailStatus maps an input file name to the status code returned for it.
	FailStatus map[string]int
	// Down makes /api/isalive answer 503.
	Down bool
}

// Request is a recorded processing call.
type Request struct {
	Service  string
	Filename string
	Fields   url.Values
	Size     int
	At       time.Time
}

// Server records calls and serves the stub routes.
type Server struct {
	opts Options

	mu       sync.Mutex
	calls    map[string]int
	requests []Request
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts, calls: make(map[string]int)}
}

// Router builds the chi router for the stub API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/isalive", s.handleIsAlive)
	r.Post("/api/{service}", s.handleProcess)
	return r
}

// Calls returns how many processing calls were made for an input file name.
func (s *Server) Calls(filename string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[filename]
}

// Requests returns a copy of every recorded processing call.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) handleIsAlive(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Down {
		http.Error(w, "false", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprint(w, "true")
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if _, err := types.ParseService(service); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	rec, err := readRequest(r, service)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls[rec.Filename]++
	n := s.calls[rec.Filename]
	s.requests = append(s.requests, rec)
	s.mu.Unlock()

	if s.opts.Latency > 0 {
		select {
		case <-time.After(s.opts.Latency):
		case <-r.Context().Done():
			return
		}
	}

	if n <= s.opts.BusyFirst {
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}
	if code, ok := s.opts.FailStatus[rec.Filename]; ok {
		http.Error(w, fmt.Sprintf("cannot process %s", rec.Filename), code)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprint(w, TEI(service, rec.Filename))
}

func readRequest(r *http.Request, service string) (Request, error) {
	rec := Request{Service: service, At: time.Now()}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return rec, fmt.Errorf("parse multipart: %w", err)
		}
		file, hdr, err := r.FormFile("input")
		if err != nil {
			return rec, fmt.Errorf("missing input part: %w", err)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return rec, err
		}
		rec.Filename = hdr.Filename
		rec.Size = len(data)
		rec.Fields = url.Values(r.MultipartForm.Value)
		return rec, nil
	}

	if err := r.ParseForm(); err != nil {
		return rec, fmt.Errorf("parse form: %w", err)
	}
	rec.Filename = citationKey
	rec.Fields = r.PostForm
	rec.Size = len(r.PostForm["citations"])
	return rec, nil
}

// TEI renders the stub response document.
func TEI(service, filename string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<TEI xmlns="http://www.tei-c.org/ns/1.0">
  <teiHeader><fileDesc><titleStmt><title>%s</title></titleStmt></fileDesc></teiHeader>
  <text><body><p>%s</p></body></text>
</TEI>
`, html.EscapeString(filename), html.EscapeString(service))
}
