// Package fakeapi is an in-process implementation of the remote job and
// storage API. Tests run it behind httptest and script job progress, log
// output and faults through its methods.
package fakeapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"
)

// Server holds the simulated remote state.
type Server struct {
	// Token, when set, is the only bearer token accepted.
	Token string

	// PageSize bounds storage LIST pages. Zero means 1000.
	PageSize int

	mu          sync.Mutex
	jobs        map[string]*job
	order       []string
	idempotency map[string]string
	objects     map[string]*object
	corruptions map[string]int
	faults      []*Fault
	requests    map[string]int
	onSubmit    func(id string)

	router chi.Router
}

// New returns an empty server.
func New() *Server {
	s := &Server{
		jobs:        make(map[string]*job),
		idempotency: make(map[string]string),
		objects:     make(map[string]*object),
		corruptions: make(map[string]int),
		requests:    make(map[string]int),
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(recovery)
	r.Use(s.count)
	r.Use(s.auth)
	r.Use(s.inject)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.submitJob)
		r.Get("/", s.listJobs)
		r.Get("/{id}", s.getJob)
		r.Delete("/{id}", s.cancelJob)
		r.Get("/{id}/log", s.streamLog)
	})

	r.Route("/storage", func(r chi.Router) {
		r.Get("/*", s.getStorage)
		r.Put("/*", s.putObject)
		r.Delete("/*", s.deleteObject)
	})
	return r
}

// Requests returns how many requests matched method and path prefix.
func (s *Server) Requests(method, pathPrefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, c := range s.requests {
		m, p, _ := strings.Cut(k, " ")
		if m == method && strings.HasPrefix(p, pathPrefix) {
			n += c
		}
	}
	return n
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestIDHeader is echoed back and used as the correlation id of error
// envelopes.
const RequestIDHeader = "X-Request-ID"

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = gferrors.GenerateCorrelationID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// recovery converts handler panics into a 500 error envelope.
func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			env := gferrors.NewErrorEnvelope("INTERNAL_ERROR", fmt.Sprintf("panic: %v", v)).
				WithPath(r.URL.Path)
			if err, ok := v.(error); ok {
				env = env.WithOriginal(err)
			}
			writeEnvelope(w, http.StatusInternalServerError, env)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorResponse is the body of every failing route.
type ErrorResponse struct {
	Error *gferrors.ErrorEnvelope `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeEnvelope(w, status, gferrors.NewErrorEnvelope(code, message))
}

func writeErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeEnvelope(w, status, gferrors.NewErrorEnvelope(code, message).WithDetails(details))
}

func writeEnvelope(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	if id := w.Header().Get(RequestIDHeader); id != "" {
		env = env.WithCorrelationID(id)
	}
	writeJSON(w, status, ErrorResponse{Error: env})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
