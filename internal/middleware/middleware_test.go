package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"assetindex/internal/logging"

	"github.com/gorilla/mux"
)

func TestResponseWriterWriteHeader(t *testing.T) {
	w := httptest.NewRecorder()
	rw := newResponseWriter(w)

	rw.WriteHeader(http.StatusNotFound)
	rw.WriteHeader(http.StatusInternalServerError)

	if rw.statusCode != http.StatusNotFound {
		t.Errorf("Expected status code 404, got %d", rw.statusCode)
	}
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected recorder status 404, got %d", w.Code)
	}

	n, err := rw.Write([]byte("hello"))
	if err != nil || n != 5 || rw.bytesWritten != 5 {
		t.Errorf("Write = %d, %v; bytesWritten %d", n, err, rw.bytesWritten)
	}
}

func TestLoggerMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logging.SetOutput(&buf)
	defer logging.SetOutput(os.Stderr)

	handler := Logger(DefaultLoggingConfig())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/assets?path=/a%0Ab", http.NoBody)
	req.Header.Set("User-Agent", "test agent")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	id := w.Header().Get(RequestIDHeader)
	if id == "" {
		t.Fatal("Expected a request id header")
	}

	line := buf.String()
	for _, want := range []string{"GET", "/api/assets", " 418 ", " 5 ", "test agent", id} {
		if !strings.Contains(line, want) {
			t.Errorf("Log line %q does not contain %q", line, want)
		}
	}
}

func TestLoggerKeepsClientRequestID(t *testing.T) {
	handler := Logger(LoggingConfig{SkipPaths: []string{"/metrics"}})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("Request id = %q, want abc-123", got)
	}
}

func TestShouldSkip(t *testing.T) {
	config := LoggingConfig{SkipPaths: []string{"/metrics"}, LogHealthChecks: false}

	tests := []struct {
		path string
		want bool
	}{
		{"/metrics", true},
		{"/health", true},
		{"/readyz", true},
		{"/api/jobs/stats", false},
	}
	for _, tt := range tests {
		if got := shouldSkip(tt.path, config); got != tt.want {
			t.Errorf("shouldSkip(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}

	config.LogHealthChecks = true
	if shouldSkip("/health", config) {
		t.Error("Health checks should be logged when enabled")
	}
}

func TestSanitizeLogField(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"a\nb\rc", "a b c"},
		{"esc\x1b[31m", "esc[31m"},
		{"nul\x00l", "null"},
		{"tab\tok", "tab\tok"},
	}
	for _, tt := range tests {
		if got := sanitizeLogField(tt.in); got != tt.want {
			t.Errorf("sanitizeLogField(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "1.2.3.4:5", "10.0.0.1"},
		{"real ip", map[string]string{"X-Real-IP": "10.0.0.9"}, "1.2.3.4:5", "10.0.0.9"},
		{"remote addr", nil, "1.2.3.4:5", "1.2.3.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompressionMiddleware(t *testing.T) {
	tests := []struct {
		name              string
		path              string
		body              string
		contentType       string
		contentEncoding   string
		acceptEncoding    string
		expectCompression bool
	}{
		{"compresses JSON", "/api/duplicates", strings.Repeat(`{"key":"value"}`, 200), "application/json", "", "gzip", true},
		{"skips small responses", "/api/jobs/stats", `{"pending":1}`, "application/json", "", "gzip", false},
		{"skips previews", "/api/blobs/x/preview", strings.Repeat("data", 500), "image/jpeg", "", "gzip", false},
		{"skips clients without gzip", "/api/duplicates", strings.Repeat("data", 500), "application/json", "", "", false},
		{"skips pre-encoded output", "/metrics", strings.Repeat("data", 500), "text/plain", "gzip", "gzip", false},
		{"skips event streams", "/api/audit/stream", strings.Repeat("data", 500), "text/event-stream", "", "gzip", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Compression(DefaultCompressionConfig())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				if tt.contentEncoding != "" {
					w.Header().Set("Content-Encoding", tt.contentEncoding)
				}
				w.Write([]byte(tt.body))
			}))

			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			compressed := w.Header().Get("Content-Encoding") == "gzip" && tt.contentEncoding == ""
			if compressed != tt.expectCompression {
				t.Fatalf("compressed = %v, want %v", compressed, tt.expectCompression)
			}

			if !compressed {
				if w.Body.String() != tt.body {
					t.Errorf("Body changed without compression")
				}
				return
			}

			gr, err := gzip.NewReader(w.Body)
			if err != nil {
				t.Fatalf("gzip.NewReader: %v", err)
			}
			plain, err := io.ReadAll(gr)
			if err != nil {
				t.Fatalf("read gzip body: %v", err)
			}
			if string(plain) != tt.body {
				t.Errorf("Decompressed body does not match")
			}
		})
	}
}

func TestCompressionFlushCommitsHeader(t *testing.T) {
	handler := Compression(DefaultCompressionConfig())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{}`))
		w.(http.Flusher).Flush()
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/rescan", http.NoBody)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted || w.Body.String() != `{}` {
		t.Errorf("Flushed response = %d %q", w.Code, w.Body.String())
	}
}

func TestMetricsMiddlewareRouteLabel(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Metrics(DefaultMetricsConfig()))

	var label string
	r.HandleFunc("/api/assets/{id}", func(w http.ResponseWriter, req *http.Request) {
		label = routeLabel(req)
		w.WriteHeader(http.StatusNotFound)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/assets/42", http.NoBody))

	if label != "/api/assets/{id}" {
		t.Errorf("routeLabel = %q, want the route template", label)
	}
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}

	if got := routeLabel(httptest.NewRequest(http.MethodGet, "/nowhere", http.NoBody)); got != "unmatched" {
		t.Errorf("routeLabel(unrouted) = %q", got)
	}
}

func TestMetricsResponseWriterFlush(t *testing.T) {
	w := httptest.NewRecorder()
	rw := newMetricsResponseWriter(w)
	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusOK)
	rw.Flush()

	if rw.statusCode != http.StatusCreated {
		t.Errorf("statusCode = %d, want 201", rw.statusCode)
	}
	if !w.Flushed {
		t.Error("Flush did not reach the underlying writer")
	}
}
