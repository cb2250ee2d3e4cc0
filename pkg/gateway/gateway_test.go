package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/analysis-gateway/pkg/cache"
	"github.com/pmkol/analysis-gateway/pkg/cache/mem_cache"
	"github.com/pmkol/analysis-gateway/pkg/cache/redis_cache"
	"github.com/pmkol/analysis-gateway/pkg/upstream"
)

type fakeBackend struct {
	calls atomic.Int32
	srv   *httptest.Server
}

func newFakeBackend(t *testing.T, h http.HandlerFunc) *fakeBackend {
	t.Helper()
	f := new(fakeBackend)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBackend) upstream(t *testing.T, name string) *upstream.Upstream {
	t.Helper()
	u, err := upstream.NewUpstream(name, f.srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	return u
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

type testEnv struct {
	g    *Gateway
	fast *fakeBackend
	ai   *fakeBackend
	ml   *fakeBackend
}

func newTestEnv(t *testing.T, backend cache.Backend, fast, ai, ml http.HandlerFunc, timeouts Timeouts) *testEnv {
	t.Helper()
	if backend == nil {
		mc := mem_cache.NewMemCache(1024, 0)
		t.Cleanup(func() { _ = mc.Close() })
		backend = mc
	}
	svc, err := cache.NewService(cache.ServiceOpts{Backend: backend})
	require.NoError(t, err)

	notUsed := func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected backend call %s", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	}
	if fast == nil {
		fast = notUsed
	}
	if ai == nil {
		ai = notUsed
	}
	if ml == nil {
		ml = notUsed
	}

	e := &testEnv{
		fast: newFakeBackend(t, fast),
		ai:   newFakeBackend(t, ai),
		ml:   newFakeBackend(t, ml),
	}
	e.g, err = New(Opts{
		Cache:         svc,
		FastProcessor: e.fast.upstream(t, "fast_processor"),
		AIService:     e.ai.upstream(t, "ai_service"),
		MLEnsemble:    e.ml.upstream(t, "ml_ensemble"),
		Timeouts:      timeouts,
	})
	require.NoError(t, err)
	return e
}

func TestBucketSentiment(t *testing.T) {
	tests := []struct {
		score      float64
		want       string
		confidence float64
	}{
		{0.61, "positive", 0.61},
		{0.39, "negative", 0.39},
		{0.40, "neutral", 0.4},
		{0.60, "neutral", 0.6},
		{0.50, "neutral", 0.5},
		{0.125, "negative", 0.13},
		{1, "positive", 1},
		{0, "negative", 0},
	}
	for _, tt := range tests {
		r := BucketSentiment(tt.score)
		assert.Equal(t, tt.want, r.Sentiment, "score %v", tt.score)
		assert.Equal(t, tt.confidence, r.Confidence, "score %v", tt.score)
		assert.NotEmpty(t, r.Explanation)
	}
	assert.Equal(t, "Text is balanced with no strong sentiment.", BucketSentiment(0.5).Explanation)
}

// countingBackend counts the writes reaching a cache.Backend.
type countingBackend struct {
	cache.Backend
	sets atomic.Int32
}

func (b *countingBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	b.sets.Add(1)
	return b.Backend.Set(ctx, key, value, ttl)
}

func TestGateway_sentimentCacheAside(t *testing.T) {
	mc := mem_cache.NewMemCache(1024, 0)
	t.Cleanup(func() { _ = mc.Close() })
	cb := &countingBackend{Backend: mc}
	e := newTestEnv(t, cb, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze", r.URL.Path)
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, map[string]string{"text": "great service"}, req)
		jsonHandler(`{"sentiment":0.876,"words":3}`)(w, r)
	}, nil, nil, Timeouts{})

	ctx := context.Background()
	r1, err := e.g.Analyze(ctx, Sentiment, []byte(`{"text":"great service"}`))
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, r1.Cache)
	assert.JSONEq(t, `{"sentiment":"positive","confidence":0.88,"explanation":"Text expresses satisfaction and positive sentiment."}`, string(r1.Body))

	r2, err := e.g.Analyze(ctx, Sentiment, []byte(`{"text":"great service"}`))
	require.NoError(t, err)
	assert.Equal(t, CacheHit, r2.Cache)
	assert.JSONEq(t, string(r1.Body), string(r2.Body))
	assert.Equal(t, int32(1), e.fast.calls.Load())
	assert.Equal(t, int32(1), cb.sets.Load())
}

func TestGateway_ttl(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := redis_cache.NewFromURL("redis://"+mr.Addr(), time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	e := newTestEnv(t, rc, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/analyze":
			jsonHandler(`{"sentiment":0.2}`)(w, r)
		case "/score-lead":
			jsonHandler(`{"score":72,"quality":"warm","factors":[]}`)(w, r)
		case "/detect-phishing":
			jsonHandler(`{"risk_score":12,"risk_level":"low","indicators":[]}`)(w, r)
		}
	}, nil, nil, Timeouts{})

	ctx := context.Background()
	sentiment := []byte(`{"text":"meh"}`)
	lead := []byte(`{"email":"a@b.com","company":"Acme"}`)
	mail := []byte(`{"sender":"ops@acme.io","subject":"Invoice"}`)
	for _, req := range []struct {
		c    Category
		body []byte
		ttl  time.Duration
	}{
		{Sentiment, sentiment, time.Hour},
		{Leads, lead, 24 * time.Hour},
		{Phishing, mail, 24 * time.Hour},
	} {
		before := e.fast.calls.Load()
		_, err := e.g.Analyze(ctx, req.c, req.body)
		require.NoError(t, err)

		mr.FastForward(req.ttl - time.Second)
		r, err := e.g.Analyze(ctx, req.c, req.body)
		require.NoError(t, err)
		assert.Equal(t, CacheHit, r.Cache, req.c)

		mr.FastForward(time.Second)
		r, err = e.g.Analyze(ctx, req.c, req.body)
		require.NoError(t, err)
		assert.Equal(t, CacheMiss, r.Cache, req.c)
		assert.Equal(t, before+2, e.fast.calls.Load(), req.c)
	}
}

func TestGateway_coarseKeys(t *testing.T) {
	e := newTestEnv(t, nil, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		// The whole request reaches the backend.
		assert.JSONEq(t, `{"sender":"x@evil.io","subject":"Reset","body":"first"}`, string(b))
		jsonHandler(`{"risk_score":91,"risk_level":"high","indicators":["urgent"]}`)(w, r)
	}, nil, nil, Timeouts{})

	ctx := context.Background()
	r1, err := e.g.Analyze(ctx, Phishing, []byte(`{"sender":"x@evil.io","subject":"Reset","body":"first"}`))
	require.NoError(t, err)
	r2, err := e.g.Analyze(ctx, Phishing, []byte(`{"sender":"x@evil.io","subject":"Reset","body":"second"}`))
	require.NoError(t, err)

	assert.Equal(t, CacheHit, r2.Cache)
	assert.JSONEq(t, string(r1.Body), string(r2.Body))
	assert.Equal(t, int32(1), e.fast.calls.Load())
}

func TestGateway_malformed(t *testing.T) {
	e := newTestEnv(t, nil, nil, nil, nil, Timeouts{})
	ctx := context.Background()

	for _, tt := range []struct {
		c    Category
		body string
	}{
		{Sentiment, `{}`},
		{Sentiment, `{"text":42}`},
		{Sentiment, `not json`},
		{Leads, `{"email":"a@b.com"}`},
		{Phishing, `{"subject":"x"}`},
		{Phishing, `[1,2]`},
		{PhishingEnsemble, `{`},
	} {
		_, err := e.g.Analyze(ctx, tt.c, []byte(tt.body))
		assert.ErrorIs(t, err, ErrMalformedRequest, "%s %s", tt.c, tt.body)
	}
	assert.Zero(t, e.fast.calls.Load())
}

func TestGateway_backendFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	e := newTestEnv(t, nil, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		jsonHandler(`{"score":10}`)(w, r)
	}, nil, nil, Timeouts{})

	ctx := context.Background()
	body := []byte(`{"email":"a@b.com","company":"Acme"}`)
	_, err := e.g.Analyze(ctx, Leads, body)
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "C++ processor unavailable", ue.Message)
	assert.ErrorIs(t, err, upstream.ErrBadStatus)

	// Failures are not cached.
	fail.Store(false)
	r, err := e.g.Analyze(ctx, Leads, body)
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, r.Cache)
	assert.Equal(t, int32(2), e.fast.calls.Load())
}

func TestGateway_sentimentBadResponse(t *testing.T) {
	e := newTestEnv(t, nil, jsonHandler(`{"sentiment":"high"}`), nil, nil, Timeouts{})
	_, err := e.g.Analyze(context.Background(), Sentiment, []byte(`{"text":"x"}`))
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.ErrorIs(t, err, upstream.ErrBadResponse)
}

func TestGateway_timeout(t *testing.T) {
	e := newTestEnv(t, nil, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}, nil, nil, Timeouts{FastProcessor: 50 * time.Millisecond})

	start := time.Now()
	_, err := e.g.Analyze(context.Background(), Sentiment, []byte(`{"text":"x"}`))
	assert.ErrorIs(t, err, upstream.ErrTimeout)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestGateway_cacheOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := redis_cache.NewFromURL("redis://"+mr.Addr(), 100*time.Millisecond, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	mr.Close()

	e := newTestEnv(t, rc, jsonHandler(`{"sentiment":0.5}`), nil, nil, Timeouts{})
	for i := 0; i < 2; i++ {
		r, err := e.g.Analyze(context.Background(), Sentiment, []byte(`{"text":"x"}`))
		require.NoError(t, err)
		assert.Equal(t, CacheMiss, r.Cache)
		assert.JSONEq(t, `{"sentiment":"neutral","confidence":0.5,"explanation":"Text is balanced with no strong sentiment."}`, string(r.Body))
	}
	assert.Equal(t, int32(2), e.fast.calls.Load())
}

func TestGateway_ensemble(t *testing.T) {
	e := newTestEnv(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/extract-phishing-features", r.URL.Path)
			jsonHandler(`{"features":{"urls":2,"urgency":0.9},"elapsed_us":40}`)(w, r)
		},
		nil,
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/classify-ensemble", r.URL.Path)
			b, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"features":{"urls":2,"urgency":0.9},"text":"click here"}`, string(b))
			jsonHandler(`{"is_phishing":true,"confidence":0.97,"models":{"rf":1,"xgb":1}}`)(w, r)
		},
		Timeouts{})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		r, err := e.g.Analyze(ctx, PhishingEnsemble, []byte(`{"text":"click here"}`))
		require.NoError(t, err)
		assert.Equal(t, CacheBypass, r.Cache)
		assert.Equal(t, `{"is_phishing":true,"confidence":0.97,"models":{"rf":1,"xgb":1}}`, string(r.Body))
	}
	// Never cached.
	assert.Equal(t, int32(2), e.ml.calls.Load())
}

func TestGateway_ensembleStage2Timeout(t *testing.T) {
	e := newTestEnv(t, nil,
		jsonHandler(`{"features":[1,2,3]}`),
		nil,
		func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		},
		Timeouts{Ensemble: 100 * time.Millisecond})

	r, err := e.g.Analyze(context.Background(), PhishingEnsemble, []byte(`{"text":"x"}`))
	assert.Nil(t, r)
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "ML ensemble unavailable", ue.Message)
	assert.Equal(t, int32(1), e.fast.calls.Load())
}

func TestGateway_ensembleStage1Timeout(t *testing.T) {
	e := newTestEnv(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(500 * time.Millisecond):
			}
			jsonHandler(`{"features":[1]}`)(w, r)
		},
		nil, nil,
		Timeouts{Ensemble: 100 * time.Millisecond})

	_, err := e.g.Analyze(context.Background(), PhishingEnsemble, []byte(`{"text":"x"}`))
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "ML ensemble unavailable", ue.Message)
	assert.Zero(t, e.ml.calls.Load())
}

func TestGateway_ensembleStage1Failure(t *testing.T) {
	e := newTestEnv(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, nil, nil, Timeouts{})

	_, err := e.g.Analyze(context.Background(), PhishingEnsemble, []byte(`{"text":"x"}`))
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "ML ensemble unavailable", ue.Message)
	assert.Zero(t, e.ml.calls.Load())
}

func TestGateway_ensembleMissingFeatures(t *testing.T) {
	e := newTestEnv(t, nil, jsonHandler(`{"ok":true}`), nil, nil, Timeouts{})
	_, err := e.g.Analyze(context.Background(), PhishingEnsemble, []byte(`{}`))
	assert.ErrorIs(t, err, upstream.ErrBadResponse)
	assert.Zero(t, e.ml.calls.Load())
}

func TestGateway_ensembleNullFeatures(t *testing.T) {
	e := newTestEnv(t, nil, jsonHandler(`{"features":null}`), nil, nil, Timeouts{})
	_, err := e.g.Analyze(context.Background(), PhishingEnsemble, []byte(`{"text":"x"}`))
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "ML ensemble unavailable", ue.Message)
	assert.ErrorIs(t, err, upstream.ErrBadResponse)
	assert.Zero(t, e.ml.calls.Load())
}

func TestGateway_PassThrough(t *testing.T) {
	e := newTestEnv(t, nil, nil, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/score-email", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"detail":"slow down"}`)
	}, nil, Timeouts{})

	res, err := e.g.PassThrough(context.Background(), "/api/score-email", []byte(`{"email":"hi"}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, `{"detail":"slow down"}`, string(res.Body))

	_, err = e.g.PassThrough(context.Background(), "/api/unknown", nil, "")
	assert.Error(t, err)
}

func TestGateway_PassThroughUnavailable(t *testing.T) {
	e := newTestEnv(t, nil, nil, nil, nil, Timeouts{})
	e.ai.srv.Close()

	_, err := e.g.PassThrough(context.Background(), "/api/contact", []byte(`{}`), "application/json")
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "AI service unavailable", ue.Message)
}

func TestCategory_TTL(t *testing.T) {
	assert.Equal(t, time.Hour, Sentiment.TTL())
	assert.Equal(t, 24*time.Hour, Leads.TTL())
	assert.Equal(t, 24*time.Hour, Phishing.TTL())
	assert.Zero(t, PhishingEnsemble.TTL())
}

func TestNew_missing(t *testing.T) {
	_, err := New(Opts{})
	assert.Error(t, err)
}
