package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/enterstudio/browserless/internal/browser"
	"github.com/enterstudio/browserless/internal/config"
	"github.com/enterstudio/browserless/internal/pressure"
	"github.com/enterstudio/browserless/internal/sandbox"
	"github.com/enterstudio/browserless/internal/session"
	"github.com/enterstudio/browserless/internal/swarm"
)

// stubPage answers every capability from canned data. When gate is set,
// Evaluate blocks until the gate closes or the job context ends.
type stubPage struct {
	gate <-chan struct{}
}

func (p *stubPage) Navigate(context.Context, string) error { return nil }

func (p *stubPage) Evaluate(ctx context.Context, _ string) ([]byte, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []byte(`{"result":42}`), nil
}

func (p *stubPage) Content(context.Context) (string, error) {
	return "<html><body>rendered</body></html>", nil
}

func (p *stubPage) Screenshot(context.Context) ([]byte, error) {
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func (p *stubPage) PDF(context.Context) ([]byte, error) { return []byte("%PDF-1.4"), nil }
func (p *stubPage) Close(context.Context) error         { return nil }

type stubHandle struct {
	gate <-chan struct{}

	mu     sync.Mutex
	pages  []browser.Page
	closed bool
}

func (h *stubHandle) NewPage(context.Context) (browser.Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := &stubPage{gate: h.gate}
	h.pages = append(h.pages, p)
	return p, nil
}

func (h *stubHandle) Pages() []browser.Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]browser.Page(nil), h.pages...)
}

func (h *stubHandle) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *stubHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type stubDriver struct {
	gate <-chan struct{}

	mu      sync.Mutex
	handles []*stubHandle
}

func (d *stubDriver) Launch(context.Context, []string) (browser.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := &stubHandle{gate: d.gate}
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *stubDriver) handleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *stubDriver) handleAt(i int) *stubHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[i]
}

var _ browser.Driver = (*stubDriver)(nil)

type serverFixture struct {
	srv   *httptest.Server
	queue *session.Queue
	stats *session.Stats
}

func newFixture(t *testing.T, cfg config.Config, driver browser.Driver, monitor pressure.Monitor) *serverFixture {
	t.Helper()

	logger := zap.NewNop()
	sw := swarm.New(driver, swarm.Config{
		Size:        cfg.Session.MaxConcurrent,
		LaunchFlags: cfg.Browser.LaunchFlags,
		KeepAlive:   cfg.Session.KeepAlive,
		Preboot:     cfg.Session.Preboot,
	}, logger)
	stats := session.NewStats()
	queue := session.NewQueue(sw, stats, nil, session.QueueConfig{
		MaxConcurrent: cfg.Session.MaxConcurrent,
		Timeout:       cfg.SessionTimeout(),
		KeepAlive:     cfg.Session.KeepAlive,
	}, logger)
	sw.SetQueueProbe(queue.Len)
	controller := session.NewController(queue, sandbox.EvalBinder{}, monitor, stats, nil, session.ControllerConfig{
		MaxConcurrent:  cfg.Session.MaxConcurrent,
		MaxQueueLength: cfg.Session.MaxQueueLength,
		AutoQueue:      cfg.Session.AutoQueue,
	}, logger)

	server := NewServer(controller, queue, sw, monitor, stats, cfg, logger)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &serverFixture{srv: srv, queue: queue, stats: stats}
}

func baseConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 3000},
		Session: config.SessionConfig{MaxConcurrent: 2, TimeoutSeconds: 5, MaxQueueLength: 2},
		Swarm:   config.SwarmConfig{RefreshIntervalSeconds: 1800},
	}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func TestServer_RunFunction(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConfig(), &stubDriver{}, nil)

	resp := postJSON(t, f.srv.URL+"/function", `{"code":"({result: 42})"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	payload := decodeJSON(t, resp)
	require.Equal(t, float64(42), payload["result"])
	require.Equal(t, int64(1), f.stats.Snapshot().Successful)
}

func TestServer_RunFunctionRejectsEmptyCode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConfig(), &stubDriver{}, nil)

	resp := postJSON(t, f.srv.URL+"/function", `{"code":""}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	payload := decodeJSON(t, resp)
	require.Contains(t, payload["error"], "empty code")
	require.Equal(t, 0, f.queue.Len())
}

func TestServer_RunFunctionRejectsInvalidJSON(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConfig(), &stubDriver{}, nil)

	resp := postJSON(t, f.srv.URL+"/function", `{not json`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_ArtifactEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConfig(), &stubDriver{}, nil)

	cases := []struct {
		path        string
		contentType string
		body        string
	}{
		{"/screenshot", "image/png", "\x89PNG"},
		{"/content", "text/html; charset=utf-8", "<html><body>rendered</body></html>"},
		{"/pdf", "application/pdf", "%PDF-1.4"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			resp := postJSON(t, f.srv.URL+tc.path, `{"url":"https://example.com"}`)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, tc.contentType, resp.Header.Get("Content-Type"))
			data, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, tc.body, string(data))
		})
	}
}

func TestServer_ArtifactRequiresURL(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConfig(), &stubDriver{}, nil)

	for _, path := range []string{"/screenshot", "/content", "/pdf"} {
		resp := postJSON(t, f.srv.URL+path, `{}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestServer_RejectsWhenSaturated(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	cfg := baseConfig()
	cfg.Session.MaxConcurrent = 1
	cfg.Session.MaxQueueLength = 0
	f := newFixture(t, cfg, &stubDriver{gate: gate}, nil)

	// First request blocks inside Evaluate, holding the only run slot.
	firstDone := make(chan *http.Response, 1)
	go func() {
		firstDone <- postJSON(t, f.srv.URL+"/function", `{"code":"slow()"}`)
	}()
	require.Eventually(t, func() bool { return f.queue.Running() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := postJSON(t, f.srv.URL+"/function", `{"code":"fast()"}`)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()

	close(gate)
	first := <-firstDone
	require.Equal(t, http.StatusOK, first.StatusCode)
	first.Body.Close()
}

func TestServer_ClientDisconnectCancelsJob(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{}) // never closed
	cfg := baseConfig()
	cfg.Session.MaxConcurrent = 1
	driver := &stubDriver{gate: gate}
	f := newFixture(t, cfg, driver, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.srv.URL+"/function", strings.NewReader(`{"code":"hang()"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	errCh := make(chan error, 1)
	go func() {
		resp, doErr := http.DefaultClient.Do(req)
		if doErr == nil {
			resp.Body.Close()
		}
		errCh <- doErr
	}()
	require.Eventually(t, func() bool { return f.queue.Running() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The client goes away mid-execution.
	cancel()
	require.Error(t, <-errCh)

	// The run slot frees and the handle is torn down without any terminal
	// outcome ever being counted.
	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return driver.handleCount() == 1 && driver.handleAt(0).isClosed()
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, session.Counts{}, f.stats.Snapshot())
}

func TestServer_TimeoutReturns408(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{}) // never closed
	cfg := baseConfig()
	cfg.Session.MaxConcurrent = 1
	cfg.Session.TimeoutSeconds = 1
	f := newFixture(t, cfg, &stubDriver{gate: gate}, nil)

	resp := postJSON(t, f.srv.URL+"/function", `{"code":"hang()"}`)
	require.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	resp.Body.Close()
	require.Equal(t, int64(1), f.stats.Snapshot().TimedOut)
}

func TestServer_Pressure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConfig(), &stubDriver{}, pressure.Static(true))

	resp, err := http.Get(f.srv.URL + "/pressure")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload := decodeJSON(t, resp)
	p, ok := payload["pressure"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(0), p["running"])
	require.Equal(t, float64(0), p["waiting"])
	require.Equal(t, float64(2), p["maxConcurrent"])
	require.Equal(t, true, p["isConstrained"])
	require.Contains(t, p, "counters")
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConfig(), &stubDriver{}, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(f.srv.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConfig(), &stubDriver{}, nil)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_APIKeyAuth(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "sekrit"}
	f := newFixture(t, cfg, &stubDriver{}, nil)

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(f.srv.URL + "/healthz?api_key=sekrit")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
