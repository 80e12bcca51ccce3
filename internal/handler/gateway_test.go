package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"opencloud-proxy-go/internal/auth"
	"opencloud-proxy-go/internal/client"
	"opencloud-proxy-go/internal/config"
	"opencloud-proxy-go/internal/metrics"
	"opencloud-proxy-go/internal/model"
	"opencloud-proxy-go/internal/policy"
	"opencloud-proxy-go/internal/rewrite"
	"opencloud-proxy-go/internal/service"
	"opencloud-proxy-go/internal/target"
)

const testAccessKey = "test-access-key"

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Auth:    config.AuthConfig{AccessKey: testAccessKey},
		Rewrite: config.RewriteConfig{GzipMethod: string(model.GzipAppend)},
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
			UserAgent:       "Mozilla",
		},
		OpenCloud: config.OpenCloudConfig{Host: "apis.roblox.com"},
		Metrics:   config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config, m *metrics.Metrics) *GatewayHandler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r, err := target.NewResolver(cfg.Upstream.BaseURL)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	svc := service.NewGatewayService(
		client.NewUpstreamClient(cfg, logger, m),
		cfg,
		auth.NewVerifier([]byte(cfg.Auth.AccessKey)),
		r,
		policy.NewAllowList(cfg.AllowList.Enabled, cfg.AllowList.Hosts),
		logger,
	)
	rw := rewrite.New(cfg.RewritePolicy(), rewrite.GzipCompressor{}, m, logger)
	return NewGatewayHandler(svc, rw, m, logger)
}

func newTestEcho(t *testing.T, cfg *config.Config, m *metrics.Metrics) *echo.Echo {
	t.Helper()
	e := echo.New()
	RegisterRoutes(e, cfg, m, newTestGateway(t, cfg, m), NewHealthHandler(cfg, "test"))
	return e
}

func outcomeCount(t *testing.T, m *metrics.Metrics, o model.Outcome) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "opencloud_proxy_gateway_outcomes_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if metric.GetLabel()[0].GetValue() == string(o) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestGateway_Rejections(t *testing.T) {
	upstreamCalled := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		upstreamCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.AllowList = config.AllowListConfig{Enabled: true, Hosts: []string{"apis.roblox.com"}}

	tests := []struct {
		name        string
		header      http.Header
		wantStatus  int
		wantBody    string
		wantOutcome model.Outcome
	}{
		{
			name:        "no control headers",
			header:      http.Header{},
			wantStatus:  http.StatusBadRequest,
			wantBody:    msgMissingHeaders,
			wantOutcome: model.OutcomeRejectedMissingHeaders,
		},
		{
			name:        "missing target",
			header:      http.Header{"Proxy-Access-Key": {testAccessKey}},
			wantStatus:  http.StatusBadRequest,
			wantBody:    msgMissingHeaders,
			wantOutcome: model.OutcomeRejectedMissingHeaders,
		},
		{
			name:        "missing target checked before credential",
			header:      http.Header{"Proxy-Access-Key": {"wrong"}},
			wantStatus:  http.StatusBadRequest,
			wantBody:    msgMissingHeaders,
			wantOutcome: model.OutcomeRejectedMissingHeaders,
		},
		{
			name:        "wrong credential",
			header:      http.Header{"Proxy-Access-Key": {"test-access-kez"}, "Proxy-Target": {"/v1/x"}},
			wantStatus:  http.StatusForbidden,
			wantBody:    msgBadCredential,
			wantOutcome: model.OutcomeRejectedBadCredential,
		},
		{
			name:        "credential checked before host policy",
			header:      http.Header{"Proxy-Access-Key": {"short"}, "Proxy-Target": {"https://evil.example.com/"}},
			wantStatus:  http.StatusForbidden,
			wantBody:    msgBadCredential,
			wantOutcome: model.OutcomeRejectedBadCredential,
		},
		{
			name:        "unparsable target",
			header:      http.Header{"Proxy-Access-Key": {testAccessKey}, "Proxy-Target": {"http://[::1"}},
			wantStatus:  http.StatusBadRequest,
			wantBody:    msgBadTarget,
			wantOutcome: model.OutcomeRejectedBadTarget,
		},
		{
			name:        "forbidden host",
			header:      http.Header{"Proxy-Access-Key": {testAccessKey}, "Proxy-Target": {"https://evil.example.com/x"}},
			wantStatus:  http.StatusBadRequest,
			wantBody:    msgForbiddenHost,
			wantOutcome: model.OutcomeRejectedForbiddenHost,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := newTestEcho(t, cfg, m)

			req := httptest.NewRequest(http.MethodGet, "/anything", http.NoBody)
			for k, v := range tt.header {
				req.Header[k] = v
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Body.String(); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
			if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
				t.Errorf("Content-Type = %q, want text/plain", ct)
			}
			if got := outcomeCount(t, m, tt.wantOutcome); got != 1 {
				t.Errorf("outcome %s = %v, want 1", tt.wantOutcome, got)
			}
		})
	}

	if upstreamCalled {
		t.Error("upstream must not be contacted for rejected requests")
	}
}

func TestGateway_ForwardsSanitizedRequest(t *testing.T) {
	var got *http.Request
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	cfg := testConfig(upstream.URL)
	cfg.AllowList = config.AllowListConfig{Enabled: true, Hosts: []string{u.Host}}
	cfg.Rewrite.RewriteAcceptEncoding = true
	m := metrics.New()
	e := newTestEcho(t, cfg, m)

	req := httptest.NewRequest(http.MethodPost, "/ignored/inbound/path?drop=1", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("Proxy-Access-Key", testAccessKey)
	req.Header.Set("Proxy-Target", "/cloud/v2/universes/1?view=FULL")
	req.Header.Set("Roblox-Id", "12345")
	req.Header.Set("Accept-Encoding", "br, deflate")
	req.Header.Set("X-Custom", "kept")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("body = %q, want %q", rec.Body.String(), `{"ok":true}`)
	}
	if got == nil {
		t.Fatal("upstream was not called")
	}

	if got.Method != http.MethodPost {
		t.Errorf("method = %q, want POST", got.Method)
	}
	if got.URL.RequestURI() != "/cloud/v2/universes/1?view=FULL" {
		t.Errorf("request URI = %q, want %q", got.URL.RequestURI(), "/cloud/v2/universes/1?view=FULL")
	}
	if gotBody != `{"name":"x"}` {
		t.Errorf("body = %q, want %q", gotBody, `{"name":"x"}`)
	}
	if got.Host != u.Host {
		t.Errorf("Host = %q, want %q", got.Host, u.Host)
	}
	if ua := got.Header.Get("User-Agent"); ua != "Mozilla" {
		t.Errorf("User-Agent = %q, want %q", ua, "Mozilla")
	}
	if ae := got.Header.Get("Accept-Encoding"); ae != "gzip" {
		t.Errorf("Accept-Encoding = %q, want %q", ae, "gzip")
	}
	if v := got.Header.Get("X-Custom"); v != "kept" {
		t.Errorf("X-Custom = %q, want %q", v, "kept")
	}
	for _, h := range model.ControlHeaders {
		if v := got.Header.Get(h); v != "" {
			t.Errorf("control header %q forwarded with value %q", h, v)
		}
	}
	if got := outcomeCount(t, m, model.OutcomeCompleted); got != 1 {
		t.Errorf("completed outcome = %v, want 1", got)
	}
}

func TestGateway_ForwardsAnyMethod(t *testing.T) {
	methods := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods <- r.Method
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("done"))
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig(upstream.URL), nil)

	for _, method := range []string{"PURGE", "MKCOL", "LINK", http.MethodGet} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/v1/cache/entry", http.NoBody)
			req.Header.Set("Proxy-Access-Key", testAccessKey)
			req.Header.Set("Proxy-Target", "/v1/cache/entry")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
			}
			if rec.Body.String() != "done" {
				t.Errorf("body = %q, want %q", rec.Body.String(), "done")
			}
			if got := <-methods; got != method {
				t.Errorf("upstream method = %q, want %q", got, method)
			}
		})
	}
}

func TestGateway_AnyMethodIsAuthorized(t *testing.T) {
	e := newTestEcho(t, testConfig("https://apis.roblox.com"), nil)

	req := httptest.NewRequest("PURGE", "/", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if rec.Body.String() != msgMissingHeaders {
		t.Errorf("body = %q, want %q", rec.Body.String(), msgMissingHeaders)
	}
}

func TestGateway_OverrideUserAgent(t *testing.T) {
	var gotUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig(upstream.URL), nil)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Proxy-Access-Key", testAccessKey)
	req.Header.Set("Proxy-Target", "/v1/users/1")
	req.Header.Set("Proxy-Override-User-Agent", "custom-agent/1.0")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotUA != "custom-agent/1.0" {
		t.Errorf("User-Agent = %q, want %q", gotUA, "custom-agent/1.0")
	}
}

func TestGateway_OverrideAndAppendHead(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Rewrite.OverrideStatus = true
	cfg.Rewrite.AppendHead = true
	e := newTestEcho(t, cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Proxy-Access-Key", testAccessKey)
	req.Header.Set("Proxy-Target", "/missing")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := rec.Body.String()
	parts := strings.Split(body, rewrite.Delimiter)
	if len(parts) != 3 || parts[0] != "{}" || parts[2] != "" {
		t.Fatalf("body = %q, want {} followed by one delimited trailer", body)
	}

	var head struct {
		Headers map[string]any `json:"headers"`
		Status  struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"status"`
	}
	if err := json.Unmarshal([]byte(parts[1]), &head); err != nil {
		t.Fatalf("unmarshal trailer: %v", err)
	}
	if head.Status.Code != http.StatusNotFound || head.Status.Message != "Not Found" {
		t.Errorf("trailer status = %+v, want 404 Not Found", head.Status)
	}
	if ct := head.Headers["content-type"]; ct != "application/json" {
		t.Errorf("trailer content-type = %v, want application/json", ct)
	}
	cookies, ok := head.Headers["set-cookie"].([]any)
	if !ok || len(cookies) != 2 {
		t.Errorf("trailer set-cookie = %v, want two-element list", head.Headers["set-cookie"])
	}
}

func TestGateway_UpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	baseURL := upstream.URL
	upstream.Close()

	m := metrics.New()
	e := newTestEcho(t, testConfig(baseURL), m)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Proxy-Access-Key", testAccessKey)
	req.Header.Set("Proxy-Target", "/v1/x?access_key=leak")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if rec.Body.String() != msgProxyFailed {
		t.Errorf("body = %q, want %q", rec.Body.String(), msgProxyFailed)
	}
	if strings.Contains(rec.Body.String(), "127.0.0.1") {
		t.Error("response leaks upstream details")
	}
	if got := outcomeCount(t, m, model.OutcomeFailedUpstream); got != 1 {
		t.Errorf("failed_upstream outcome = %v, want 1", got)
	}
}

func TestGateway_CallerGoneWritesNothing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	m := metrics.New()
	h := newTestGateway(t, testConfig(upstream.URL), m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(ctx)
	req.Header.Set("Proxy-Access-Key", testAccessKey)
	req.Header.Set("Proxy-Target", "/v1/x")
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if c.Response().Committed {
		t.Error("response committed for a disconnected caller")
	}
	if got := outcomeCount(t, m, model.OutcomeAborted); got != 1 {
		t.Errorf("aborted outcome = %v, want 1", got)
	}
}

func TestGateway_TruncatedUpstreamAborts(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"partial`))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Rewrite.AppendHead = true
	m := metrics.New()
	h := newTestGateway(t, cfg, m)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Proxy-Access-Key", testAccessKey)
	req.Header.Set("Proxy-Target", "/v1/x")
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_ = h.Handle(c)
	}()

	if err, ok := recovered.(error); !ok || !errors.Is(err, http.ErrAbortHandler) {
		t.Fatalf("recovered = %v, want http.ErrAbortHandler", recovered)
	}
	if strings.Contains(rec.Body.String(), rewrite.Delimiter) {
		t.Errorf("trailer written after truncated body: %q", rec.Body.String())
	}
	if got := outcomeCount(t, m, model.OutcomeAborted); got != 1 {
		t.Errorf("aborted outcome = %v, want 1", got)
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`Get "https://x/?api_key=abc&b=1": EOF`, `Get "https://x/?api_key=[REDACTED]&b=1": EOF`},
		{`Get "https://x/?ApiKey=abc": EOF`, `Get "https://x/?ApiKey=[REDACTED]": EOF`},
		{`Get "https://x/?access_key=s3cr3t": EOF`, `Get "https://x/?access_key=[REDACTED]": EOF`},
		{`Get "https://x/?token=t": EOF`, `Get "https://x/?token=[REDACTED]": EOF`},
		{"dial tcp: connection refused", "dial tcp: connection refused"},
	}

	for _, tt := range tests {
		if got := sanitizeError(errors.New(tt.in)); got != tt.want {
			t.Errorf("sanitizeError(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
