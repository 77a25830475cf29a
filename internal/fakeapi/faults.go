package fakeapi

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
)

// Fault makes matching requests fail.
type Fault struct {
	// Method and Path (prefix) select requests. Empty matches all.
	Method string
	Path   string

	// Times is how many requests the fault applies to. Zero means once.
	Times int

	// Status is the HTTP status returned.
	Status int

	// RetryAfter is sent as the Retry-After header in seconds.
	RetryAfter int

	// Drop closes the connection without a response instead of returning
	// Status.
	Drop bool

	// AfterHandle runs the real handler first, so the server acts on the
	// request, and then fails the response.
	AfterHandle bool
}

// Inject queues a fault. Faults are matched in insertion order.
func (s *Server) Inject(f Fault) {
	if f.Times <= 0 {
		f.Times = 1
	}
	s.mu.Lock()
	s.faults = append(s.faults, &f)
	s.mu.Unlock()
}

func (s *Server) takeFault(r *http.Request) *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.faults {
		if f.Method != "" && f.Method != r.Method {
			continue
		}
		if f.Path != "" && !strings.HasPrefix(r.URL.Path, f.Path) {
			continue
		}
		out := *f
		f.Times--
		if f.Times <= 0 {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
		}
		return &out
	}
	return nil
}

func (s *Server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := s.takeFault(r)
		if f == nil {
			next.ServeHTTP(w, r)
			return
		}
		if f.AfterHandle {
			next.ServeHTTP(httptest.NewRecorder(), r)
		}
		if f.Drop {
			dropConnection(w)
			return
		}
		if f.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(f.RetryAfter))
		}
		writeError(w, f.Status, "INJECTED", http.StatusText(f.Status))
	})
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic(http.ErrAbortHandler)
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	_ = conn.Close()
}
