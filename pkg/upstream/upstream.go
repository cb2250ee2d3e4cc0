package upstream

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"gitlab.com/go-extension/http"
	eTLS "gitlab.com/go-extension/tls"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	C "github.com/pmkol/analysis-gateway/constant"
	"github.com/pmkol/analysis-gateway/pkg/utils"
)

const (
	jsonContentType = "application/json"

	// Backends answer small JSON documents.
	maxBodySize = 4 << 20

	defaultTimeout     = 2 * time.Second
	defaultIdleTimeout = 90 * time.Second
	defaultMaxConns    = 64
)

var (
	nopLogger        = zap.NewNop()
	defaultUserAgent = fmt.Sprintf("analysis-gateway/%s", C.Version)
	tracer           = otel.Tracer("github.com/pmkol/analysis-gateway/pkg/upstream")
)

type Opt struct {
	// Timeout is used when a call passes a non-positive timeout.
	// Default is 2s.
	Timeout time.Duration

	// IdleTimeout specifies the idle timeout for keep-alive connections.
	// Default is 90s.
	IdleTimeout time.Duration

	// MaxConns limits the number of connections per host. Default is 64.
	MaxConns int

	// Insecure disables TLS certificate verification.
	Insecure bool

	// RootCAs for https backends. Nil means the system pool.
	RootCAs *x509.CertPool

	// Metrics records request durations and errors. Optional.
	Metrics *Metrics

	// Logger is the *zap.Logger for this Upstream.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opt *Opt) init() {
	utils.SetDefaultNum(&opt.Timeout, defaultTimeout)
	utils.SetDefaultNum(&opt.IdleTimeout, defaultIdleTimeout)
	utils.SetDefaultNum(&opt.MaxConns, defaultMaxConns)
	if opt.Logger == nil {
		opt.Logger = nopLogger
	}
}

// Upstream is a JSON-over-HTTP client bound to one backend base URL.
// It is safe for concurrent use. Calls are never retried.
type Upstream struct {
	name      string
	base      string
	opt       Opt
	transport *http.Transport
}

// NewUpstream returns an Upstream named name for the backend at addr,
// which must be an absolute http or https URL.
func NewUpstream(name, addr string, opt *Opt) (*Upstream, error) {
	if opt == nil {
		opt = new(Opt)
	}
	opt.init()

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid backend address %q: %w", addr, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
	if len(u.Host) == 0 {
		return nil, fmt.Errorf("missing host in backend address %q", addr)
	}

	t := &http.Transport{
		IdleConnTimeout:     opt.IdleTimeout,
		MaxConnsPerHost:     opt.MaxConns,
		MaxIdleConnsPerHost: opt.MaxConns,
		TLSClientConfig: &eTLS.Config{
			RootCAs:            opt.RootCAs,
			InsecureSkipVerify: opt.Insecure,
		},
	}

	return &Upstream{
		name:      name,
		base:      strings.TrimSuffix(u.String(), "/"),
		opt:       *opt,
		transport: t,
	}, nil
}

func (u *Upstream) Name() string {
	return u.name
}

// Address returns the base URL of the backend.
func (u *Upstream) Address() string {
	return u.base
}

// Response is a backend answer passed through unchanged.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Call POSTs body encoded as JSON to path and returns the raw body of a
// 2xx JSON response.
func (u *Upstream) Call(ctx context.Context, path string, body any, timeout time.Duration) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, span := u.startSpan(ctx, path)
	defer span.End()

	start := time.Now()
	res, err := u.do(ctx, http.MethodPost, path, b, timeout)
	if err == nil {
		err = u.checkJSON(path, res)
	}
	u.finish(span, path, start, err)
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

// Forward POSTs body as is and returns whatever the backend answered,
// including non 2xx statuses. Only transport failures are errors.
func (u *Upstream) Forward(ctx context.Context, path string, body []byte, contentType string, timeout time.Duration) (*Response, error) {
	ctx, span := u.startSpan(ctx, path)
	defer span.End()

	start := time.Now()
	res, err := u.doWithType(ctx, http.MethodPost, path, body, contentType, timeout)
	u.finish(span, path, start, err)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
	return res, nil
}

// Probe GETs path and returns its body if it is a JSON object.
func (u *Upstream) Probe(ctx context.Context, path string, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := u.startSpan(ctx, path)
	defer span.End()

	start := time.Now()
	res, err := u.do(ctx, http.MethodGet, path, nil, timeout)
	if err == nil {
		err = u.checkJSON(path, res)
	}
	if err == nil && !gjson.ParseBytes(res.Body).IsObject() {
		err = u.newErr(path, 0, fmt.Errorf("%w: not a json object", ErrBadResponse))
	}
	u.finish(span, path, start, err)
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

func (u *Upstream) startSpan(ctx context.Context, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "upstream."+u.name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.backend", u.name),
			attribute.String("http.path", path),
		),
	)
}

func (u *Upstream) finish(span trace.Span, path string, start time.Time, err error) {
	elapsed := time.Since(start)
	u.opt.Metrics.observe(u.name, path, elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		u.opt.Logger.Debug("upstream error", zap.String("backend", u.name), zap.String("path", path), zap.Duration("elapsed", elapsed), zap.Error(err))
	}
}

func (u *Upstream) checkJSON(path string, res *Response) error {
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return u.newErr(path, res.StatusCode, fmt.Errorf("%w: http %d", ErrBadStatus, res.StatusCode))
	}
	if !gjson.ValidBytes(res.Body) {
		return u.newErr(path, res.StatusCode, fmt.Errorf("%w: invalid json body", ErrBadResponse))
	}
	return nil
}

func (u *Upstream) do(ctx context.Context, method, path string, body []byte, timeout time.Duration) (*Response, error) {
	return u.doWithType(ctx, method, path, body, jsonContentType, timeout)
}

func (u *Upstream) doWithType(ctx context.Context, method, path string, body []byte, contentType string, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = u.opt.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.base+path, r)
	if err != nil {
		return nil, u.newErr(path, 0, fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	if body != nil {
		if len(contentType) == 0 {
			contentType = jsonContentType
		}
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", jsonContentType)
	req.Header.Set("User-Agent", defaultUserAgent)

	res, err := u.transport.RoundTrip(req)
	if err != nil {
		return nil, u.newErr(path, 0, u.classify(ctx, err))
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize+1))
	if err != nil {
		return nil, u.newErr(path, res.StatusCode, u.classify(ctx, err))
	}
	if len(b) > maxBodySize {
		return nil, u.newErr(path, res.StatusCode, fmt.Errorf("%w: response exceeds %d bytes", ErrBadResponse, maxBodySize))
	}

	return &Response{
		StatusCode:  res.StatusCode,
		ContentType: res.Header.Get("Content-Type"),
		Body:        b,
	}, nil
}

func (u *Upstream) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func (u *Upstream) newErr(path string, status int, err error) *Error {
	return &Error{Backend: u.name, Op: path, StatusCode: status, Err: err}
}

func (u *Upstream) Close() error {
	u.transport.CloseIdleConnections()
	return nil
}
