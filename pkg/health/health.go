package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	C "github.com/pmkol/analysis-gateway/constant"
	"github.com/pmkol/analysis-gateway/pkg/cache"
	"github.com/pmkol/analysis-gateway/pkg/utils"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	defaultProbePath    = "/health"
	defaultProbeTimeout = 2 * time.Second

	// Number of demos reachable through the gateway API.
	demosAvailable = 6
)

var (
	nopLogger = zap.NewNop()
	unknown   = json.RawMessage(`{"status":"unknown"}`)
)

// Prober answers a health probe with a JSON object.
// *upstream.Upstream implements it.
type Prober interface {
	Probe(ctx context.Context, path string, timeout time.Duration) (json.RawMessage, error)
}

// Check is one backend probed by the Aggregator.
type Check struct {
	// Field is the member of the payload that holds the probe result.
	Field  string
	Prober Prober
}

type Opts struct {
	Checks []Check

	// Cache is reported in the payload. Optional.
	Cache *cache.Service

	// Path probed on every backend. Default is "/health".
	Path string

	// Timeout of each probe. Default is 2s.
	Timeout time.Duration

	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	for _, c := range opts.Checks {
		if len(c.Field) == 0 || c.Prober == nil {
			return errors.New("invalid health check")
		}
	}
	utils.SetDefaultString(&opts.Path, defaultProbePath)
	utils.SetDefaultNum(&opts.Timeout, defaultProbeTimeout)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Aggregator probes all backends concurrently and merges the answers.
// A failed probe never fails the aggregation, it is reported as
// {"status":"unknown"} and degrades the overall status.
type Aggregator struct {
	opts Opts
}

func NewAggregator(opts Opts) (*Aggregator, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Aggregator{opts: opts}, nil
}

type probeResult struct {
	body json.RawMessage
	ok   bool
}

// Check runs every probe and returns the aggregated JSON payload.
func (a *Aggregator) Check(ctx context.Context) ([]byte, error) {
	results := make([]probeResult, len(a.opts.Checks))

	var wg conc.WaitGroup
	for i, c := range a.opts.Checks {
		wg.Go(func() {
			results[i] = a.probe(ctx, c)
		})
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	status := StatusHealthy
	for _, r := range results {
		if !r.ok {
			status = StatusDegraded
			break
		}
	}

	b := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			b, err = sjson.SetBytes(b, path, v)
		}
	}
	setRaw := func(path string, raw []byte) {
		if err == nil {
			b, err = sjson.SetRawBytes(b, path, raw)
		}
	}

	set("status", status)
	set("service", C.ServiceName)
	for i, c := range a.opts.Checks {
		setRaw(c.Field, results[i].body)
	}
	if a.opts.Cache != nil {
		st := a.opts.Cache.Stats()
		set("cache.backend", st.Backend)
		set("cache.entries", st.Entries)
	}
	set("demos_available", demosAvailable)
	if err != nil {
		return nil, fmt.Errorf("failed to build health payload: %w", err)
	}
	return b, nil
}

func (a *Aggregator) probe(ctx context.Context, c Check) probeResult {
	var (
		r  probeResult
		pc panics.Catcher
	)
	pc.Try(func() {
		body, err := c.Prober.Probe(ctx, a.opts.Path, a.opts.Timeout)
		if err != nil {
			a.opts.Logger.Warn("health probe failed", zap.String("backend", c.Field), zap.Error(err))
			return
		}
		r = probeResult{body: body, ok: true}
	})
	if rec := pc.Recovered(); rec != nil {
		a.opts.Logger.Error("health probe panicked", zap.String("backend", c.Field), zap.Error(rec.AsError()))
		r = probeResult{}
	}
	if !r.ok {
		r.body = unknown
	}
	return r
}
