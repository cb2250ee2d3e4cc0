package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/pmkol/analysis-gateway/pkg/cache"
	"github.com/pmkol/analysis-gateway/pkg/query_context"
	"github.com/pmkol/analysis-gateway/pkg/upstream"
	"github.com/pmkol/analysis-gateway/pkg/utils"
)

var (
	nopLogger = zap.NewNop()
	tracer    = otel.Tracer("github.com/pmkol/analysis-gateway/pkg/gateway")
)

// Backend is a client bound to one backend service.
// *upstream.Upstream implements it.
type Backend interface {
	Name() string
	Call(ctx context.Context, path string, body any, timeout time.Duration) ([]byte, error)
	Forward(ctx context.Context, path string, body []byte, contentType string, timeout time.Duration) (*upstream.Response, error)
}

var _ Backend = (*upstream.Upstream)(nil)

// Timeouts of the backend call sites.
type Timeouts struct {
	// FastProcessor bounds a single fast processor call. Default is 2s.
	FastProcessor time.Duration
	// Ensemble bounds both stages of the ensemble pipeline together.
	// Default is 5s.
	Ensemble time.Duration
	// AIService bounds AI backed pass-through calls. Default is 30s.
	AIService time.Duration
	// Contact bounds the contact form pass-through. Default is 5s.
	Contact time.Duration
}

func (t *Timeouts) init() {
	utils.SetDefaultNum(&t.FastProcessor, 2*time.Second)
	utils.SetDefaultNum(&t.Ensemble, 5*time.Second)
	utils.SetDefaultNum(&t.AIService, 30*time.Second)
	utils.SetDefaultNum(&t.Contact, 5*time.Second)
}

type Opts struct {
	// Cache cannot be nil.
	Cache *cache.Service

	// FastProcessor, AIService and MLEnsemble cannot be nil.
	FastProcessor Backend
	AIService     Backend
	MLEnsemble    Backend

	Timeouts Timeouts

	// Logger is the *zap.Logger for this Gateway.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Cache == nil {
		return errors.New("nil cache service")
	}
	if opts.FastProcessor == nil || opts.AIService == nil || opts.MLEnsemble == nil {
		return errors.New("missing backend")
	}
	opts.Timeouts.init()
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Gateway dispatches analysis requests to the backends. Results of the
// single-call categories are cached aside. It is safe for concurrent use.
type Gateway struct {
	opts Opts
}

func New(opts Opts) (*Gateway, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Gateway{opts: opts}, nil
}

// CacheStatus tells whether a Result came from the cache.
type CacheStatus string

const (
	CacheHit  CacheStatus = "hit"
	CacheMiss CacheStatus = "miss"
	// CacheBypass is used by categories that are never cached.
	CacheBypass CacheStatus = ""
)

// Result is the public JSON payload of an analysis.
type Result struct {
	Body  json.RawMessage
	Cache CacheStatus
}

type SentimentResult struct {
	Sentiment   string  `json:"sentiment"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// BucketSentiment maps a score in [0,1] to a SentimentResult. Scores above
// 0.6 are positive, below 0.4 negative, anything in between (both bounds
// included) neutral. Confidence is the score rounded half up to 2 decimals.
func BucketSentiment(score float64) SentimentResult {
	r := SentimentResult{Confidence: math.Floor(score*100+0.5) / 100}
	switch {
	case score > 0.6:
		r.Sentiment = "positive"
		r.Explanation = "Text expresses satisfaction and positive sentiment."
	case score < 0.4:
		r.Sentiment = "negative"
		r.Explanation = "Text expresses dissatisfaction and negative sentiment."
	default:
		r.Sentiment = "neutral"
		r.Explanation = "Text is balanced with no strong sentiment."
	}
	return r
}

// Analyze serves one request of category c. body is the client request
// body. Errors are either ErrMalformedRequest or *UnavailableError.
func (g *Gateway) Analyze(ctx context.Context, c Category, body []byte) (*Result, error) {
	ctx, span := tracer.Start(ctx, "gateway."+c.String())
	defer span.End()

	var (
		r   *Result
		err error
	)
	switch c {
	case Sentiment:
		r, err = g.sentiment(ctx, body)
	case Leads:
		r, err = g.passJSON(ctx, c, body, "email", "company")
	case Phishing:
		r, err = g.passJSON(ctx, c, body, "sender", "subject")
	case PhishingEnsemble:
		r, err = g.ensemble(ctx, body)
	default:
		err = fmt.Errorf("unknown category %q", c)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("cache", string(r.Cache)))
	return r, nil
}

func (g *Gateway) sentiment(ctx context.Context, body []byte) (*Result, error) {
	fields, err := requireFields(body, "text")
	if err != nil {
		return nil, err
	}
	text := fields[0]

	var cached SentimentResult
	if g.opts.Cache.Lookup(ctx, Sentiment.String(), text, &cached) {
		return marshalResult(cached, CacheHit)
	}

	b, err := g.opts.FastProcessor.Call(ctx, categoryPath[Sentiment], map[string]string{"text": text}, g.opts.Timeouts.FastProcessor)
	if err != nil {
		return nil, g.unavailable(ctx, msgFastProcessorUnavailable, err)
	}
	score := gjson.GetBytes(b, "sentiment")
	if score.Type != gjson.Number {
		return nil, g.unavailable(ctx, msgFastProcessorUnavailable, &upstream.Error{
			Backend: g.opts.FastProcessor.Name(),
			Op:      categoryPath[Sentiment],
			Err:     fmt.Errorf("%w: missing numeric sentiment", upstream.ErrBadResponse),
		})
	}

	res := BucketSentiment(score.Float())
	g.opts.Cache.Store(ctx, Sentiment.String(), text, res, Sentiment.TTL())
	return marshalResult(res, CacheMiss)
}

// passJSON serves the categories whose backend answer is returned as is.
// The cache input joins the values of keyFields with ":".
func (g *Gateway) passJSON(ctx context.Context, c Category, body []byte, keyFields ...string) (*Result, error) {
	fields, err := requireFields(body, keyFields...)
	if err != nil {
		return nil, err
	}
	input := strings.Join(fields, ":")

	var cached json.RawMessage
	if g.opts.Cache.Lookup(ctx, c.String(), input, &cached) {
		return &Result{Body: cached, Cache: CacheHit}, nil
	}

	b, err := g.opts.FastProcessor.Call(ctx, categoryPath[c], json.RawMessage(body), g.opts.Timeouts.FastProcessor)
	if err != nil {
		return nil, g.unavailable(ctx, msgFastProcessorUnavailable, err)
	}
	if !gjson.ParseBytes(b).IsObject() {
		return nil, g.unavailable(ctx, msgFastProcessorUnavailable, &upstream.Error{
			Backend: g.opts.FastProcessor.Name(),
			Op:      categoryPath[c],
			Err:     fmt.Errorf("%w: not a json object", upstream.ErrBadResponse),
		})
	}

	g.opts.Cache.Store(ctx, c.String(), input, json.RawMessage(b), c.TTL())
	return &Result{Body: b, Cache: CacheMiss}, nil
}

func (g *Gateway) unavailable(ctx context.Context, msg string, err error) error {
	g.opts.Logger.Warn(msg, query_context.FromContext(ctx).InfoField(), zap.Error(err))
	return &UnavailableError{Message: msg, Err: err}
}

// requireFields returns the string values of names in the JSON object body.
func requireFields(body []byte, names ...string) ([]string, error) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("%w: body is not a json object", ErrMalformedRequest)
	}
	values := make([]string, 0, len(names))
	for _, n := range gjson.GetManyBytes(body, names...) {
		if n.Type != gjson.String {
			return nil, fmt.Errorf("%w: missing or non-string field %q", ErrMalformedRequest, names[len(values)])
		}
		values = append(values, n.Str)
	}
	return values, nil
}

func marshalResult(v any, cs CacheStatus) (*Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Result{Body: b, Cache: cs}, nil
}
