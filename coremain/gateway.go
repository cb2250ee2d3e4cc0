/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of analysis-gateway.
 *
 * analysis-gateway is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * analysis-gateway is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package coremain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	C "github.com/pmkol/analysis-gateway/constant"
	"github.com/pmkol/analysis-gateway/mlog"
	"github.com/pmkol/analysis-gateway/pkg/cache"
	"github.com/pmkol/analysis-gateway/pkg/cache/mem_cache"
	"github.com/pmkol/analysis-gateway/pkg/cache/redis_cache"
	"github.com/pmkol/analysis-gateway/pkg/cache/sqlite_cache"
	"github.com/pmkol/analysis-gateway/pkg/gateway"
	"github.com/pmkol/analysis-gateway/pkg/health"
	"github.com/pmkol/analysis-gateway/pkg/safe_close"
	"github.com/pmkol/analysis-gateway/pkg/server"
	H "github.com/pmkol/analysis-gateway/pkg/server/http_handler"
	"github.com/pmkol/analysis-gateway/pkg/upstream"
	"github.com/pmkol/analysis-gateway/pkg/utils"
)

const defaultServerAddr = ":8080"

// Gateway owns every long-lived component of a running gateway.
type Gateway struct {
	logger *zap.Logger
	cfg    *Config

	cache    *cache.Service
	backends []*upstream.Upstream
	handler  *H.Handler

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	tracerShutdown func(context.Context) error

	sc *safe_close.SafeClose
}

// RunGateway builds a Gateway from cfg and serves until ctx is done or
// a server fails.
func RunGateway(ctx context.Context, cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	m, err := NewGateway(cfg, lg)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Run(ctx)
}

// NewGateway builds the components described by cfg. Nothing is
// listening until Run is called.
func NewGateway(cfg *Config, lg *zap.Logger) (_ *Gateway, err error) {
	m := &Gateway{
		logger:     lg,
		cfg:        cfg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	m.httpAPIMux.HandleFunc("/cache/stats", m.serveCacheStats)

	if cfg.Trace.Stdout {
		shutdown, err := initTracer(cfg.Trace)
		if err != nil {
			return nil, fmt.Errorf("failed to init tracer, %w", err)
		}
		m.tracerShutdown = shutdown
	}

	backend, backendName, err := newCacheBackend(&cfg.Cache, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to init cache backend, %w", err)
	}
	m.cache, err = cache.NewService(cache.ServiceOpts{
		Backend:     backend,
		BackendName: backendName,
		Logger:      lg.Named("cache"),
		MetricsReg:  m.GetMetricsReg(),
	})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to init cache service, %w", err)
	}
	lg.Info("cache ready", zap.String("backend", backendName))

	upstreamMetrics := upstream.NewMetrics()
	if err := upstreamMetrics.Register(m.GetMetricsReg()); err != nil {
		return nil, err
	}
	opt := &upstream.Opt{
		IdleTimeout: cfg.Backends.IdleTimeout,
		MaxConns:    cfg.Backends.MaxConns,
		Insecure:    cfg.Backends.Insecure,
		Metrics:     upstreamMetrics,
		Logger:      lg.Named("upstream"),
	}
	if len(cfg.Backends.CA) > 0 {
		pool, err := utils.LoadCertPool(cfg.Backends.CA)
		if err != nil {
			return nil, fmt.Errorf("failed to load backend ca, %w", err)
		}
		opt.RootCAs = pool
	}
	fast, err := m.newUpstream("fast_processor", cfg.Backends.FastProcessor, opt)
	if err != nil {
		return nil, err
	}
	ai, err := m.newUpstream("ai_service", cfg.Backends.AIService, opt)
	if err != nil {
		return nil, err
	}
	ml, err := m.newUpstream("ml_ensemble", cfg.Backends.MLEnsemble, opt)
	if err != nil {
		return nil, err
	}

	g, err := gateway.New(gateway.Opts{
		Cache:         m.cache,
		FastProcessor: fast,
		AIService:     ai,
		MLEnsemble:    ml,
		Timeouts: gateway.Timeouts{
			FastProcessor: cfg.Timeouts.FastProcessor,
			Ensemble:      cfg.Timeouts.Ensemble,
			AIService:     cfg.Timeouts.AIService,
			Contact:       cfg.Timeouts.Contact,
		},
		Logger: lg.Named("gateway"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init gateway, %w", err)
	}

	hc, err := health.NewAggregator(health.Opts{
		Checks: []health.Check{
			{Field: "cppProcessor", Prober: fast},
			{Field: "fastApiBackend", Prober: ai},
			{Field: "mlEnsemble", Prober: ml},
		},
		Cache:   m.cache,
		Timeout: cfg.Timeouts.Health,
		Logger:  lg.Named("health"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init health aggregator, %w", err)
	}

	m.handler, err = H.NewHandler(H.HandlerOpts{
		Gateway:     g,
		Health:      hc,
		SrcIPHeader: cfg.GetUserIPFromHeader,
		MetricsReg:  m.GetMetricsReg(),
		Logger:      lg.Named("http"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init http handler, %w", err)
	}
	return m, nil
}

func (m *Gateway) newUpstream(name, addr string, opt *upstream.Opt) (*upstream.Upstream, error) {
	u, err := upstream.NewUpstream(name, addr, opt)
	if err != nil {
		return nil, fmt.Errorf("invalid %s backend, %w", name, err)
	}
	m.backends = append(m.backends, u)
	m.logger.Info("backend configured", zap.String("name", name), zap.String("addr", addr))
	return u, nil
}

// Run starts the listeners and the api server, then blocks until ctx is
// done or any of them fails.
func (m *Gateway) Run(ctx context.Context) error {
	servers := m.cfg.Servers
	if len(servers) == 0 {
		m.logger.Info("no server is configured, using the default listener", zap.String("addr", defaultServerAddr))
		servers = []ServerConfig{{Listeners: []*ServerListenerConfig{{Protocol: "http", Addr: defaultServerAddr}}}}
	}

	eg, egCtx := errgroup.WithContext(context.Background())
	var started []*server.Server
	for i := range servers {
		ss, err := m.startServers(eg, &servers[i])
		started = append(started, ss...)
		if err != nil {
			for _, s := range started {
				s.Close()
			}
			_ = eg.Wait()
			return fmt.Errorf("failed to start server #%d, %w", i, err)
		}
	}

	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		select {
		case <-egCtx.Done():
		case <-closeSignal:
		}
		for _, s := range started {
			s.Close()
		}
		if err := eg.Wait(); err != nil && !errors.Is(err, server.ErrServerClosed) {
			m.sc.SendCloseSignal(err)
		}
	})

	if httpAddr := m.cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:              httpAddr,
			Handler:           m.httpAPIMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		m.sc.AttachServe(func() error {
			m.logger.Info("starting api http server", zap.String("addr", httpAddr))
			return httpServer.ListenAndServe()
		}, func() {
			httpServer.Close()
		})
	}

	m.sc.CloseOnDone(ctx)

	<-m.sc.ReceiveCloseSignal()
	m.sc.Done()
	m.sc.CloseWait()
	return m.sc.Err()
}

// startServers opens every listener of sc and serves it in eg. Servers
// already started are returned even on error.
func (m *Gateway) startServers(eg *errgroup.Group, sc *ServerConfig) ([]*server.Server, error) {
	var started []*server.Server
	for i, lc := range sc.Listeners {
		if len(lc.Addr) == 0 {
			return started, fmt.Errorf("listener #%d has no address", i)
		}
		s := server.NewServer(server.ServerOpts{
			Logger:        m.logger.Named("server"),
			HttpHandler:   m.handler,
			Cert:          lc.Cert,
			Key:           lc.Key,
			KeyDir:        lc.KeyDir,
			KernelRX:      lc.KernelRX,
			KernelTX:      lc.KernelTX,
			AllowedSNI:    lc.AllowedSNI,
			ProxyProtocol: lc.ProxyProtocol,
			IdleTimeout:   time.Duration(lc.IdleTimeout) * time.Second,
		})

		var (
			serve func() error
			addr  net.Addr
		)
		switch proto := strings.ToLower(lc.Protocol); proto {
		case "", "http", "https", "tls":
			network := "tcp"
			if lc.UnixDomainSocket {
				network = "unix"
			}
			l, err := net.Listen(network, lc.Addr)
			if err != nil {
				return started, fmt.Errorf("failed to listen on %s, %w", lc.Addr, err)
			}
			addr = l.Addr()
			if proto == "https" || proto == "tls" {
				serve = func() error { return s.ServeHTTPS(l) }
			} else {
				serve = func() error { return s.ServeHTTP(l) }
			}
		case "h3", "http3":
			conn, err := net.ListenPacket("udp", lc.Addr)
			if err != nil {
				return started, fmt.Errorf("failed to listen on %s, %w", lc.Addr, err)
			}
			addr = conn.LocalAddr()
			serve = func() error { return s.ServeH3(conn) }
		default:
			return started, fmt.Errorf("unknown protocol %q", lc.Protocol)
		}

		started = append(started, s)
		eg.Go(serve)
		m.logger.Info("server started",
			zap.String("tag", sc.Tag),
			zap.String("protocol", lc.Protocol),
			zap.Stringer("addr", addr))
	}
	return started, nil
}

func (m *Gateway) serveCacheStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.cache.Stats())
}

// Close releases the cache backend, the backend connections and the
// tracer. It must be called after Run returned.
func (m *Gateway) Close() error {
	var errs []error
	if m.cache != nil {
		errs = append(errs, m.cache.Close())
	}
	for _, u := range m.backends {
		errs = append(errs, u.Close())
	}
	if m.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, m.tracerShutdown(ctx))
		cancel()
	}
	return errors.Join(errs...)
}

func (m *Gateway) GetSafeClose() *safe_close.SafeClose {
	return m.sc
}

func (m *Gateway) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("gateway_", m.metricsReg)
}

func (m *Gateway) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

// Handler returns the gateway API handler shared by all servers.
func (m *Gateway) Handler() *H.Handler {
	return m.handler
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

func newCacheBackend(cc *CacheConfig, lg *zap.Logger) (cache.Backend, string, error) {
	switch strings.ToLower(cc.Backend) {
	case "", "redis":
		url := cc.Redis
		if !strings.Contains(url, "://") {
			url = "redis://" + url
		}
		r, err := redis_cache.NewFromURL(url, cc.RedisTimeout, lg.Named("redis"))
		if err != nil {
			return nil, "", err
		}
		return r, "redis", nil
	case "memory":
		return mem_cache.NewMemCache(cc.Size, cc.CleanerInterval), "memory", nil
	case "sqlite":
		path := cc.Path
		if len(path) == 0 {
			p, err := xdg.CacheFile(filepath.Join(C.ServiceName, "cache.db"))
			if err != nil {
				return nil, "", err
			}
			path = p
		}
		c, err := sqlite_cache.New(sqlite_cache.Opts{
			Path:            path,
			CleanerInterval: cc.CleanerInterval,
			Logger:          lg.Named("sqlite"),
		})
		if err != nil {
			return nil, "", err
		}
		return c, "sqlite", nil
	default:
		return nil, "", fmt.Errorf("unknown cache backend %q", cc.Backend)
	}
}

func initTracer(tc TraceConfig) (func(context.Context) error, error) {
	var opts []stdouttrace.Option
	if tc.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}

	ratio := tc.SampleRatio
	utils.SetDefaultNum(&ratio, 1)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", C.ServiceName),
			attribute.String("service.version", C.Version),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

var _ io.Closer = (*Gateway)(nil)
