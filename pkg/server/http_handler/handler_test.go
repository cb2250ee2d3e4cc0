package http_handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/analysis-gateway/pkg/gateway"
	C "github.com/pmkol/analysis-gateway/pkg/query_context"
	"github.com/pmkol/analysis-gateway/pkg/upstream"
)

type testRequest struct{ r *http.Request }

func (r *testRequest) URL() *url.URL             { return r.r.URL }
func (r *testRequest) TLS() *TlsInfo             { return nil }
func (r *testRequest) Body() io.ReadCloser       { return r.r.Body }
func (r *testRequest) Header() Header            { return r.r.Header }
func (r *testRequest) Method() string            { return r.r.Method }
func (r *testRequest) Context() context.Context  { return r.r.Context() }
func (r *testRequest) RequestURI() string        { return r.r.RequestURI }
func (r *testRequest) GetRemoteAddr() string     { return r.r.RemoteAddr }
func (r *testRequest) SetRemoteAddr(addr string) { r.r.RemoteAddr = addr }

type testWriter struct{ w *httptest.ResponseRecorder }

func (w *testWriter) Header() Header              { return w.w.Header() }
func (w *testWriter) Write(b []byte) (int, error) { return w.w.Write(b) }
func (w *testWriter) WriteHeader(code int)        { w.w.WriteHeader(code) }

type fakeGateway struct {
	analyze     func(ctx context.Context, c gateway.Category, body []byte) (*gateway.Result, error)
	passThrough func(ctx context.Context, path string, body []byte, contentType string) (*upstream.Response, error)
}

func (g *fakeGateway) Analyze(ctx context.Context, c gateway.Category, body []byte) (*gateway.Result, error) {
	return g.analyze(ctx, c, body)
}

func (g *fakeGateway) PassThrough(ctx context.Context, path string, body []byte, contentType string) (*upstream.Response, error) {
	return g.passThrough(ctx, path, body, contentType)
}

func (g *fakeGateway) Info() gateway.Info {
	return gateway.Info{Name: "analysis-gateway"}
}

type healthFunc func(ctx context.Context) ([]byte, error)

func (f healthFunc) Check(ctx context.Context) ([]byte, error) { return f(ctx) }

func newTestHandler(t *testing.T, g *fakeGateway, hc HealthChecker) (*Handler, *prometheus.Registry) {
	t.Helper()
	if hc == nil {
		hc = healthFunc(func(context.Context) ([]byte, error) { return []byte(`{"status":"healthy"}`), nil })
	}
	reg := prometheus.NewRegistry()
	h, err := NewHandler(HandlerOpts{Gateway: g, Health: hc, MetricsReg: reg})
	require.NoError(t, err)
	return h, reg
}

func serve(h *Handler, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(&testWriter{rec}, &testRequest{req})
	return rec
}

func TestHandler_analyze(t *testing.T) {
	var gotCategory gateway.Category
	g := &fakeGateway{analyze: func(ctx context.Context, c gateway.Category, body []byte) (*gateway.Result, error) {
		gotCategory = c
		assert.Equal(t, `{"text":"hi"}`, string(body))
		qCtx := C.FromContext(ctx)
		assert.Equal(t, "req-1", qCtx.Id())
		assert.Equal(t, c.String(), qCtx.Category())
		return &gateway.Result{Body: []byte(`{"sentiment":"neutral"}`), Cache: gateway.CacheHit}, nil
	}}
	h, reg := newTestHandler(t, g, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/sentiment", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("X-Request-Id", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(&testWriter{rec}, &testRequest{req})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, gateway.Sentiment, gotCategory)
	assert.Equal(t, `{"sentiment":"neutral"}`, rec.Body.String())
	assert.Equal(t, "hit", rec.Header().Get("X-Cache"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.requests.WithLabelValues("sentiment", "200")))
	assert.NotZero(t, testutil.CollectAndCount(reg))
}

func TestHandler_routes(t *testing.T) {
	seen := make(map[gateway.Category]bool)
	g := &fakeGateway{analyze: func(ctx context.Context, c gateway.Category, body []byte) (*gateway.Result, error) {
		seen[c] = true
		return &gateway.Result{Body: []byte(`{}`), Cache: gateway.CacheBypass}, nil
	}}
	h, _ := newTestHandler(t, g, nil)

	for _, p := range []string{"/api/sentiment", "/api/leads", "/api/phishing", "/api/phishing/ensemble"} {
		rec := serve(h, http.MethodPost, p, `{}`)
		assert.Equal(t, http.StatusOK, rec.Code, p)
		assert.Empty(t, rec.Header().Get("X-Cache"), p)
	}
	assert.Len(t, seen, 4)
	assert.True(t, seen[gateway.PhishingEnsemble])
}

func TestHandler_errors(t *testing.T) {
	var err error
	g := &fakeGateway{analyze: func(ctx context.Context, c gateway.Category, body []byte) (*gateway.Result, error) {
		return nil, err
	}}
	h, _ := newTestHandler(t, g, nil)

	err = &gateway.UnavailableError{Message: "C++ processor unavailable", Err: errors.New("dial tcp: refused")}
	rec := serve(h, http.MethodPost, "/api/leads", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"C++ processor unavailable"}`, rec.Body.String())

	err = gateway.ErrMalformedRequest
	rec = serve(h, http.MethodPost, "/api/leads", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"malformed request"}`, rec.Body.String())

	err = errors.New("secret cause")
	rec = serve(h, http.MethodPost, "/api/leads", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestHandler_methodAndCORS(t *testing.T) {
	h, _ := newTestHandler(t, &fakeGateway{}, nil)

	rec := serve(h, http.MethodGet, "/api/sentiment", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Allow"))

	rec = serve(h, http.MethodOptions, "/api/sentiment", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	rec = serve(h, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_bodyTooLarge(t *testing.T) {
	h, _ := newTestHandler(t, &fakeGateway{}, nil)
	rec := serve(h, http.MethodPost, "/api/sentiment", strings.Repeat("a", maxBodySize+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandler_passThrough(t *testing.T) {
	g := &fakeGateway{passThrough: func(ctx context.Context, path string, body []byte, contentType string) (*upstream.Response, error) {
		assert.Equal(t, "/api/analyze-restaurant", path)
		assert.Equal(t, "application/json", contentType)
		return &upstream.Response{StatusCode: http.StatusAccepted, ContentType: "application/json", Body: []byte(`{"x":1}`)}, nil
	}}
	h, _ := newTestHandler(t, g, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/analyze-restaurant", strings.NewReader(`{"url":"u"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(&testWriter{rec}, &testRequest{req})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, `{"x":1}`, rec.Body.String())

	g.passThrough = func(context.Context, string, []byte, string) (*upstream.Response, error) {
		return nil, &gateway.UnavailableError{Message: "AI service unavailable"}
	}
	rec = serve(h, http.MethodPost, "/api/contact", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"AI service unavailable"}`, rec.Body.String())
}

func TestHandler_health(t *testing.T) {
	h, _ := newTestHandler(t, &fakeGateway{}, nil)
	rec := serve(h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	h, _ = newTestHandler(t, &fakeGateway{}, healthFunc(func(context.Context) ([]byte, error) {
		return nil, errors.New("aggregator broken")
	}))
	rec = serve(h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","error":"aggregator broken"}`, rec.Body.String())
}

func TestHandler_info(t *testing.T) {
	h, _ := newTestHandler(t, &fakeGateway{}, nil)
	for _, p := range []string{"/api/", "/api"} {
		rec := serve(h, http.MethodGet, p, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"name":"analysis-gateway"`)
	}
}

func TestGetRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::ffff:10.0.0.1]:1234"
	addr, err := getRemoteAddr(&testRequest{req}, "")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", addr.String())

	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.2")
	addr, err = getRemoteAddr(&testRequest{req}, "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", addr.String())

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("CF-Connecting-IP", "5.6.7.8")
	addr, _ = getRemoteAddr(&testRequest{req}, "CF-Connecting-IP")
	assert.Equal(t, "5.6.7.8", addr.String())
}
