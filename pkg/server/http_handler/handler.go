/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of analysis-gateway.
 */

package http_handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/pmkol/analysis-gateway/pkg/gateway"
	C "github.com/pmkol/analysis-gateway/pkg/query_context"
	"github.com/pmkol/analysis-gateway/pkg/upstream"
)

var nopLogger = zap.NewNop()

// proxyHeaders is defined as a package-level variable to avoid allocation on every request.
var proxyHeaders = []string{"True-Client-IP", "X-Real-IP", "X-Forwarded-For"}

const (
	jsonContentType = "application/json"
	requestIDHeader = "X-Request-Id"

	// Requests are small JSON documents.
	maxBodySize = 1 << 20
)

// Gateway serves the analysis routes. *gateway.Gateway implements it.
type Gateway interface {
	Analyze(ctx context.Context, c gateway.Category, body []byte) (*gateway.Result, error)
	PassThrough(ctx context.Context, path string, body []byte, contentType string) (*upstream.Response, error)
	Info() gateway.Info
}

// HealthChecker builds the health payload. *health.Aggregator implements it.
type HealthChecker interface {
	Check(ctx context.Context) ([]byte, error)
}

type HandlerOpts struct {
	// Gateway and Health cannot be nil.
	Gateway Gateway
	Health  HealthChecker

	// SrcIPHeader names an extra header holding the client address.
	SrcIPHeader string

	// MetricsReg registers the request metrics. Optional.
	MetricsReg prometheus.Registerer

	Logger *zap.Logger
}

func (opts *HandlerOpts) Init() error {
	if opts.Gateway == nil {
		return errors.New("nil gateway")
	}
	if opts.Health == nil {
		return errors.New("nil health checker")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Handler is the gateway HTTP API. It is transport agnostic: the server
// package adapts net/http and go-extension/http requests to it.
type Handler struct {
	opts   HandlerOpts
	routes map[string]route

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

type route struct {
	name    string
	method  string
	handler func(h *Handler, w ResponseWriter, req Request, body []byte) int
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	h := &Handler{
		opts:   opts,
		routes: make(map[string]route),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "The total number of API requests by route and status code",
		}, []string{"route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "The duration of API requests by route",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"route"}),
	}
	if reg := opts.MetricsReg; reg != nil {
		if err := reg.Register(h.requests); err != nil {
			return nil, err
		}
		if err := reg.Register(h.duration); err != nil {
			return nil, err
		}
	}

	for path, c := range map[string]gateway.Category{
		"/api/sentiment":         gateway.Sentiment,
		"/api/leads":             gateway.Leads,
		"/api/phishing":          gateway.Phishing,
		"/api/phishing/ensemble": gateway.PhishingEnsemble,
	} {
		h.routes[path] = route{name: c.String(), method: http.MethodPost, handler: analyze(c)}
	}
	for _, path := range gateway.PassThroughPaths() {
		h.routes[path] = route{name: strings.TrimPrefix(path, "/api/"), method: http.MethodPost, handler: (*Handler).passThrough}
	}
	h.routes["/api/health"] = route{name: "health", method: http.MethodGet, handler: (*Handler).health}
	h.routes["/api/"] = route{name: "info", method: http.MethodGet, handler: (*Handler).info}
	h.routes["/api"] = h.routes["/api/"]
	return h, nil
}

// Interfaces to abstract http/http3 requests
type ResponseWriter interface {
	Header() Header
	Write([]byte) (int, error)
	WriteHeader(statusCode int)
}

type Header interface {
	Get(key string) string
	Set(key string, value string)
}

type Request interface {
	URL() *url.URL
	TLS() *TlsInfo
	Body() io.ReadCloser
	Header() Header
	Method() string
	Context() context.Context
	RequestURI() string
	GetRemoteAddr() string
	SetRemoteAddr(addr string)
}

type TlsInfo struct {
	Version            uint16
	ServerName         string
	NegotiatedProtocol string
}

func (h *Handler) ServeHTTP(w ResponseWriter, req Request) {
	start := time.Now()

	w.Header().Set("Access-Control-Allow-Origin", "*")

	rt, ok := h.routes[req.URL().Path]
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not found")
		h.observe("unknown", http.StatusNotFound, start)
		return
	}

	if req.Method() == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", rt.method+", OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+requestIDHeader)
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
		h.observe(rt.name, http.StatusNoContent, start)
		return
	}
	if req.Method() != rt.method {
		w.Header().Set("Allow", rt.method+", OPTIONS")
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		h.observe(rt.name, http.StatusMethodNotAllowed, start)
		return
	}

	qCtx := C.NewContext(rt.name, req.Header().Get(requestIDHeader))
	w.Header().Set(requestIDHeader, qCtx.Id())

	var body []byte
	if rt.method == http.MethodPost {
		b, err := io.ReadAll(io.LimitReader(req.Body(), maxBodySize+1))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "failed to read request body")
			h.observe(rt.name, http.StatusBadRequest, start)
			return
		}
		if len(b) > maxBodySize {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			h.observe(rt.name, http.StatusRequestEntityTooLarge, start)
			return
		}
		body = b
	}

	ctx := C.WithContext(req.Context(), qCtx)
	code := rt.handler(h, w, &ctxRequest{Request: req, ctx: ctx}, body)
	h.observe(rt.name, code, start)

	if ce := h.opts.Logger.Check(zap.DebugLevel, "request served"); ce != nil {
		var client string
		if addr, err := getRemoteAddr(req, h.opts.SrcIPHeader); err == nil {
			client = addr.String()
		}
		ce.Write(qCtx.InfoField(), zap.String("client", client), zap.String("proto", proto(req)), zap.Int("code", code))
	}
}

func (h *Handler) observe(route string, code int, start time.Time) {
	h.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	h.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

func analyze(c gateway.Category) func(h *Handler, w ResponseWriter, req Request, body []byte) int {
	return func(h *Handler, w ResponseWriter, req Request, body []byte) int {
		r, err := h.opts.Gateway.Analyze(req.Context(), c, body)
		if err != nil {
			return h.writeErr(w, req, err)
		}
		if r.Cache != gateway.CacheBypass {
			w.Header().Set("X-Cache", string(r.Cache))
		}
		writeJSON(w, http.StatusOK, r.Body)
		return http.StatusOK
	}
}

func (h *Handler) passThrough(w ResponseWriter, req Request, body []byte) int {
	res, err := h.opts.Gateway.PassThrough(req.Context(), req.URL().Path, body, req.Header().Get("Content-Type"))
	if err != nil {
		return h.writeErr(w, req, err)
	}
	if len(res.ContentType) != 0 {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
	return res.StatusCode
}

func (h *Handler) health(w ResponseWriter, req Request, _ []byte) int {
	b, err := h.opts.Health.Check(req.Context())
	if err != nil {
		h.opts.Logger.Error("health aggregation failed", C.FromContext(req.Context()).InfoField(), zap.Error(err))
		v, _ := json.Marshal(map[string]string{"status": "unhealthy", "error": err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, v)
		return http.StatusServiceUnavailable
	}
	writeJSON(w, http.StatusOK, b)
	return http.StatusOK
}

func (h *Handler) info(w ResponseWriter, _ Request, _ []byte) int {
	b, err := json.Marshal(h.opts.Gateway.Info())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return http.StatusInternalServerError
	}
	writeJSON(w, http.StatusOK, b)
	return http.StatusOK
}

// writeErr maps gateway errors to status codes. Causes are never exposed.
func (h *Handler) writeErr(w ResponseWriter, req Request, err error) int {
	var ue *gateway.UnavailableError
	switch {
	case errors.Is(err, gateway.ErrMalformedRequest):
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return http.StatusBadRequest
	case errors.As(err, &ue):
		writeJSONError(w, http.StatusServiceUnavailable, ue.Message)
		return http.StatusServiceUnavailable
	default:
		h.opts.Logger.Error("unexpected gateway error", C.FromContext(req.Context()).InfoField(), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return http.StatusInternalServerError
	}
}

func writeJSON(w ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func writeJSONError(w ResponseWriter, code int, msg string) {
	b, _ := json.Marshal(map[string]string{"error": msg})
	writeJSON(w, code, b)
}

// ctxRequest overrides the context of a Request.
type ctxRequest struct {
	Request
	ctx context.Context
}

func (r *ctxRequest) Context() context.Context { return r.ctx }

func proto(req Request) string {
	tlsInfo := req.TLS()
	if tlsInfo == nil {
		return "http"
	}
	switch tlsInfo.NegotiatedProtocol {
	case http3.NextProtoH3:
		return "h3"
	case "h2":
		return "h2"
	default:
		return "https"
	}
}

func getRemoteAddr(req Request, customHeader string) (netip.Addr, error) {
	for _, h := range proxyHeaders {
		if val := req.Header().Get(h); val != "" {
			// Take the first address of X-Forwarded-For.
			ipStr := val
			if h == "X-Forwarded-For" {
				ipStr, _, _ = strings.Cut(val, ",")
			}
			if addr, err := netip.ParseAddr(strings.TrimSpace(ipStr)); err == nil {
				return addr.Unmap(), nil
			}
		}
	}

	if customHeader != "" {
		if val := req.Header().Get(customHeader); val != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(val)); err == nil {
				return addr.Unmap(), nil
			}
		}
	}

	addrport, err := netip.ParseAddrPort(req.GetRemoteAddr())
	if err != nil {
		return netip.Addr{}, err
	}
	return addrport.Addr().Unmap(), nil
}
