package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Brownie44l1/thyroid-api/internal/config"
	"github.com/Brownie44l1/thyroid-api/internal/handlers"
	"github.com/Brownie44l1/thyroid-api/internal/metrics"
	"github.com/Brownie44l1/thyroid-api/internal/preprocess"
)

type fixedPredictor float32

func (p fixedPredictor) Predict(context.Context, *preprocess.Tensor) (float32, error) {
	return float32(p), nil
}

func newTestServer(t *testing.T, opts ...func(*config.Config)) *Server {
	t.Helper()

	cfg := &config.Config{
		Environment: "test",
		Host:        "127.0.0.1",
		Port:        8000,
		Upload:      config.UploadConfig{MaxBytes: 1 << 20},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	m := metrics.New()
	h := handlers.NewHandler(fixedPredictor(0.3), handlers.Options{MaxBytes: cfg.Upload.MaxBytes}, m, zap.NewNop())

	s, err := New(cfg, h, m, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	return s
}

func TestIndexServesEmbeddedPage(t *testing.T) {
	s := newTestServer(t)

	resp := httptest.NewRecorder()
	s.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `/static/script.js`) {
		t.Fatal("expected upload page to reference the script asset")
	}
	if resp.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
}

func TestStaticAssets(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/static/script.js", "/static/style.css", "/static/icons/dark_mode.svg"} {
		resp := httptest.NewRecorder()
		s.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected status %d, got %d", path, http.StatusOK, resp.Code)
		}
	}
}

func TestStaticAssetsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log('local')"), 0o600); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	s := newTestServer(t, func(cfg *config.Config) { cfg.Web.StaticDir = dir })

	resp := httptest.NewRecorder()
	s.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "local") {
		t.Fatalf("unexpected response %d: %s", resp.Code, resp.Body.String())
	}
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "http://192.168.1.20:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp := httptest.NewRecorder()
	s.Handler().ServeHTTP(resp, req)

	if resp.Code >= 300 {
		t.Fatalf("unexpected preflight status %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard origin, got %q", got)
	}
}

func TestPanicBecomesJSONError(t *testing.T) {
	s := newTestServer(t)
	s.engine.GET("/boom", func(c *gin.Context) {
		panic("unexpected state")
	})

	resp := httptest.NewRecorder()
	s.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["error"] != "unexpected state" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	resp := httptest.NewRecorder()
	s.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(resp.Body.String(), `http_requests_total{method="GET",path="/health",status="200"} 1`) {
		t.Fatalf("expected health request to be counted:\n%s", resp.Body.String())
	}
}

func TestMetricsCollapseUnmatchedPaths(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/wp-admin/a1b2c3", "/does/not/exist/9f8e7d"} {
		resp := httptest.NewRecorder()
		s.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, resp.Code)
		}
	}

	resp := httptest.NewRecorder()
	s.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := resp.Body.String()
	if !strings.Contains(body, `http_requests_total{method="GET",path="unmatched",status="404"} 2`) {
		t.Fatalf("expected unmatched requests to share one series:\n%s", body)
	}
	for _, raw := range []string{"wp-admin", "9f8e7d"} {
		if strings.Contains(body, raw) {
			t.Fatalf("raw path %q leaked into metrics:\n%s", raw, body)
		}
	}
}

func TestServeLogsReadinessAndShutsDownGracefully(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	requestStarted := make(chan struct{})
	releaseRequest := make(chan struct{})
	defer func() {
		select {
		case <-releaseRequest:
		default:
			close(releaseRequest)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-requestStarted:
		default:
			close(requestStarted)
		}
		<-releaseRequest
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: mux}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- Serve(server, listener, 2*time.Second, logger, signalCh)
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)

	if logs.FilterMessage(ReadinessMarker).Len() != 1 {
		t.Fatalf("expected readiness marker to be logged once, got %v", logs.All())
	}

	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Post("http://"+addr+"/predict", "text/plain", nil)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-requestStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(releaseRequest)

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
