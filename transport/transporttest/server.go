// Package transporttest is an httptest.Server wired with
// github.com/julienschmidt/httprouter that serves byte ranges of an
// in-memory artifact, with knobs to flake/500/truncate responses.
// Grounded on the teacher's httpStoreClient/httpStoreServer pairing
// (chunks/http_store_test.go) for the client/server test harness
// shape, and go/store/nbs's makeFlakyS3 (s3_table_reader_test.go) for
// "fail the Nth request, then behave" fake-transport idiom.
package transporttest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/julienschmidt/httprouter"
)

// Server serves a single fixed byte slice at "/artifact" with Range
// support, and optionally a second fixed byte slice at
// "/artifact.mref" (set via SetReferenceTree) for tests exercising
// session's reference-tree fetch.
type Server struct {
	httpSrv *httptest.Server
	data    []byte

	mu            sync.Mutex
	refData       []byte
	failNextN     int  // remaining requests to fail with 500
	truncateNextN int  // remaining requests to truncate mid-body
	requestCount  int64
}

// New starts a Server backed by data.
func New(data []byte) *Server {
	s := &Server{data: data}
	router := httprouter.New()
	router.HEAD("/artifact", s.handleHead)
	router.GET("/artifact", s.handleGet)
	router.HEAD("/artifact.mref", s.handleRefHead)
	router.GET("/artifact.mref", s.handleRefGet)
	s.httpSrv = httptest.NewServer(router)
	return s
}

// SetReferenceTree arms the "/artifact.mref" endpoint with data,
// served the same way as the main artifact (HEAD for size, ranged
// GET for bytes) but without fault injection.
func (s *Server) SetReferenceTree(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refData = data
}

// URL returns the full URL of the served artifact.
func (s *Server) URL() string { return s.httpSrv.URL + "/artifact" }

// Close shuts the underlying httptest.Server down.
func (s *Server) Close() { s.httpSrv.Close() }

// RequestCount returns the number of requests handled so far.
func (s *Server) RequestCount() int64 { return atomic.LoadInt64(&s.requestCount) }

// FailNext arranges for the next n GET requests to receive a 500
// response instead of range data.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextN = n
}

// TruncateNext arranges for the next n GET requests to write only
// half their declared Content-Length before closing the connection,
// simulating a reset mid-transfer.
func (s *Server) TruncateNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncateNextN = n
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	atomic.AddInt64(&s.requestCount, 1)
	w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
	w.Header().Set("ETag", fmt.Sprintf("%q", "fixed-etag"))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	atomic.AddInt64(&s.requestCount, 1)

	s.mu.Lock()
	fail := s.failNextN > 0
	if fail {
		s.failNextN--
	}
	truncate := s.truncateNextN > 0
	if truncate {
		s.truncateNextN--
	}
	s.mu.Unlock()

	if fail {
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}

	lo, hi, ok := parseRange(r.Header.Get("Range"), len(s.data))
	if !ok {
		http.Error(w, "bad range", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	body := s.data[lo:hi]
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", lo, hi-1, len(s.data)))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusPartialContent)

	if truncate {
		half := len(body) / 2
		w.Write(body[:half])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
			}
		}
		return
	}

	w.Write(body)
}

func (s *Server) handleRefHead(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	atomic.AddInt64(&s.requestCount, 1)
	s.mu.Lock()
	data := s.refData
	s.mu.Unlock()
	if data == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRefGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	atomic.AddInt64(&s.requestCount, 1)
	s.mu.Lock()
	data := s.refData
	s.mu.Unlock()
	if data == nil {
		http.NotFound(w, r)
		return
	}
	lo, hi, ok := parseRange(r.Header.Get("Range"), len(data))
	if !ok {
		http.Error(w, "bad range", http.StatusRequestedRangeNotSatisfiable)
		return
	}
	body := data[lo:hi]
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", lo, hi-1, len(data)))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(body)
}

func parseRange(header string, total int) (lo, hi int, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	parts := strings.SplitN(strings.TrimPrefix(header, prefix), "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	lo, err := strconv.Atoi(parts[0])
	if err != nil || lo < 0 || lo >= total {
		return 0, 0, false
	}
	end, err := strconv.Atoi(parts[1])
	if err != nil || end < lo || end >= total {
		return 0, 0, false
	}
	return lo, end + 1, true
}
