// Package testutil provides an httptest media server that simulates the resource
// behaviours the queue has to survive: healthy files, HTTP errors, hung and stalled
// connections, flaky transports and length-less streams.
package testutil

import (
	"fmt"
	"mime"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MediaServer is an httptest server with one route per simulated behaviour.
//
//	/ok/<name>?size=N&delay=D   N bytes (default 4096) in 1 KiB chunks, D between chunks
//	/status/<code>               the given HTTP status
//	/hang/<name>                 never sends headers
//	/stall/<name>?after=N        sends N bytes of a larger body, then blocks
//	/flaky/<name>?fail=K&size=N  drops the connection mid-body on the first K requests
//	/stream/<name>?size=N        chunked body without Content-Length
//
// Content-Type is derived from the name's extension unless ?type= is given.
type MediaServer struct {
	server  *httptest.Server
	mux     *http.ServeMux
	mu      sync.Mutex
	hits    map[string]int
	release chan struct{}
	once    sync.Once
}

// NewMediaServer starts a media server.
func NewMediaServer() *MediaServer {
	ms := &MediaServer{
		mux:     http.NewServeMux(),
		hits:    make(map[string]int),
		release: make(chan struct{}),
	}

	ms.mux.HandleFunc("/ok/", ms.okHandler)
	ms.mux.HandleFunc("/status/", ms.statusHandler)
	ms.mux.HandleFunc("/hang/", ms.hangHandler)
	ms.mux.HandleFunc("/stall/", ms.stallHandler)
	ms.mux.HandleFunc("/flaky/", ms.flakyHandler)
	ms.mux.HandleFunc("/stream/", ms.streamHandler)

	ms.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.mu.Lock()
		ms.hits[r.URL.Path]++
		ms.mu.Unlock()
		ms.mux.ServeHTTP(w, r)
	}))

	return ms
}

// Close unblocks every hung handler and shuts the server down.
func (ms *MediaServer) Close() {
	ms.once.Do(func() { close(ms.release) })
	ms.server.CloseClientConnections()
	ms.server.Close()
}

// URL returns the absolute URL of p.
func (ms *MediaServer) URL(p string) string {
	return ms.server.URL + p
}

// Hits returns how many requests reached the path of p.
func (ms *MediaServer) Hits(p string) int {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.hits[p]
}

// Handle registers an extra handler, e.g. an HTML page for discovery tests.
func (ms *MediaServer) Handle(pattern string, handler http.Handler) {
	ms.mux.Handle(pattern, handler)
}

// HandleHTML serves body as text/html at p.
func (ms *MediaServer) HandleHTML(p, body string) {
	ms.Handle(p, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, body)
	}))
}

// Payload returns the deterministic body served for a file of the given size.
func Payload(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte('A' + i%26)
	}
	return b
}

func (ms *MediaServer) okHandler(w http.ResponseWriter, r *http.Request) {
	size := intParam(r, "size", 4096)
	delay, _ := time.ParseDuration(r.URL.Query().Get("delay"))

	setContentType(w, r)
	w.Header().Set("Content-Length", strconv.Itoa(size))
	w.WriteHeader(http.StatusOK)
	ms.writeChunks(w, r, Payload(size), delay)
}

func (ms *MediaServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/status/"))
	if err != nil || code < 100 {
		code = http.StatusInternalServerError
	}
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, "HTTP %d response for testing", code)
}

func (ms *MediaServer) hangHandler(w http.ResponseWriter, r *http.Request) {
	ms.block(r)
}

func (ms *MediaServer) stallHandler(w http.ResponseWriter, r *http.Request) {
	after := intParam(r, "after", 1024)

	setContentType(w, r)
	w.Header().Set("Content-Length", strconv.Itoa(after*4))
	w.WriteHeader(http.StatusOK)
	ms.writeChunks(w, r, Payload(after), 0)
	ms.block(r)
}

func (ms *MediaServer) flakyHandler(w http.ResponseWriter, r *http.Request) {
	fail := intParam(r, "fail", 2)
	size := intParam(r, "size", 4096)

	if ms.Hits(r.URL.Path) <= fail {
		w.Header().Set("Content-Length", strconv.Itoa(size))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(Payload(size / 4))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Drops the connection; the client sees an unexpected EOF.
		panic(http.ErrAbortHandler)
	}

	setContentType(w, r)
	w.Header().Set("Content-Length", strconv.Itoa(size))
	w.WriteHeader(http.StatusOK)
	ms.writeChunks(w, r, Payload(size), 0)
}

func (ms *MediaServer) streamHandler(w http.ResponseWriter, r *http.Request) {
	size := intParam(r, "size", 2*1024*1024)

	setContentType(w, r)
	w.WriteHeader(http.StatusOK)
	ms.writeChunks(w, r, Payload(size), 0)
}

func (ms *MediaServer) writeChunks(w http.ResponseWriter, r *http.Request, body []byte, delay time.Duration) {
	const chunk = 1024
	for off := 0; off < len(body); off += chunk {
		end := off + chunk
		if end > len(body) {
			end = len(body)
		}
		if _, err := w.Write(body[off:end]); err != nil {
			return
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			case <-ms.release:
				return
			}
		}
	}
}

func (ms *MediaServer) block(r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-ms.release:
	}
}

func setContentType(w http.ResponseWriter, r *http.Request) {
	ct := r.URL.Query().Get("type")
	if ct == "" {
		ct = mime.TypeByExtension(path.Ext(r.URL.Path))
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
}

func intParam(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v >= 0 {
		return v
	}
	return def
}
