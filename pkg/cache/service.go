package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

// logInputLen bounds how much of a raw input ends up in the logs.
const logInputLen = 30

const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultError = "error"
)

type ServiceOpts struct {
	// Backend cannot be nil.
	Backend Backend

	// BackendName is reported by Stats. Optional.
	BackendName string

	// Deriver derives keys. Default is the SHA-256 Deriver.
	Deriver *Deriver

	// Logger is the *zap.Logger for this Service.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// MetricsReg registers the cache metrics. Optional.
	MetricsReg prometheus.Registerer
}

func (opts *ServiceOpts) Init() error {
	if opts.Backend == nil {
		return errors.New("nil cache backend")
	}
	if opts.Deriver == nil {
		opts.Deriver = defaultDeriver
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Service is a best-effort cache-aside layer over a Backend. Values are
// stored as JSON. No error ever leaves a Service: a failing backend or a
// corrupted entry is logged and reads as a miss.
type Service struct {
	opts ServiceOpts

	hits   atomic.Int64
	misses atomic.Int64

	lookups     *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
}

func NewService(opts ServiceOpts) (*Service, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	s := &Service{
		opts: opts,
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "The total number of cache lookups by category and result",
		}, []string{"category", "result"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_store_errors_total",
			Help: "The total number of failed cache writes by category",
		}, []string{"category"}),
	}
	if reg := opts.MetricsReg; reg != nil {
		if err := reg.Register(s.lookups); err != nil {
			return nil, err
		}
		if err := reg.Register(s.storeErrors); err != nil {
			return nil, err
		}
	}
	if opts.Deriver.Degraded() {
		opts.Logger.Warn("cache key hash unavailable, using non-cryptographic fallback")
	}
	return s, nil
}

// Lookup reads the entry of (category, input) and decodes it into dst,
// which must be a pointer. It reports whether dst was filled. The content
// of dst is undefined when Lookup returns false.
func (s *Service) Lookup(ctx context.Context, category, input string, dst any) bool {
	key := s.opts.Deriver.Derive(category, input)
	v, ok, err := s.opts.Backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrBackendDisabled) {
			s.opts.Logger.Debug("cache backend disabled", zap.String("category", category))
		} else {
			s.opts.Logger.Warn("cache get error", zap.String("category", category), zap.Error(err))
		}
		s.record(category, resultError)
		return false
	}

	if !ok {
		s.opts.Logger.Debug("cache miss", zap.String("category", category), zap.String("input", truncate(input)))
		s.record(category, resultMiss)
		return false
	}

	if err := json.Unmarshal([]byte(v), dst); err != nil {
		s.opts.Logger.Error("cache deserialization error", zap.String("category", category), zap.String("key", key), zap.Error(err))
		s.record(category, resultError)
		return false
	}

	s.opts.Logger.Debug("cache hit", zap.String("category", category), zap.String("input", truncate(input)))
	s.record(category, resultHit)
	return true
}

// Store encodes v and writes it under (category, input) for ttl.
// A non-positive ttl disables caching.
func (s *Service) Store(ctx context.Context, category, input string, v any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	key := s.opts.Deriver.Derive(category, input)
	b, err := json.Marshal(v)
	if err != nil {
		s.opts.Logger.Error("cache serialization error", zap.String("category", category), zap.Error(err))
		s.storeErrors.WithLabelValues(category).Inc()
		return
	}

	// The write should survive the client hanging up after the backend answered.
	if err := s.opts.Backend.Set(context.WithoutCancel(ctx), key, string(b), ttl); err != nil {
		if !errors.Is(err, ErrBackendDisabled) {
			s.opts.Logger.Warn("cache set error", zap.String("category", category), zap.Error(err))
		}
		s.storeErrors.WithLabelValues(category).Inc()
		return
	}
	s.opts.Logger.Debug("cached", zap.String("category", category), zap.String("input", truncate(input)), zap.Duration("ttl", ttl))
}

func (s *Service) record(category, result string) {
	if result == resultHit {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	s.lookups.WithLabelValues(category, result).Inc()
}

type Stats struct {
	Backend string  `json:"backend"`
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns a snapshot of the cache counters. HitRate is a percentage
// rounded to two decimals.
func (s *Service) Stats() Stats {
	hits, misses := s.hits.Load(), s.misses.Load()
	st := Stats{
		Backend: s.opts.BackendName,
		Entries: s.opts.Backend.Len(),
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		st.HitRate = math.Round(float64(hits)/float64(total)*10000) / 100
	}
	return st
}

// BackendName returns the configured backend name.
func (s *Service) BackendName() string {
	return s.opts.BackendName
}

// Close closes the Backend.
func (s *Service) Close() error {
	return s.opts.Backend.Close()
}

func truncate(s string) string {
	n := 0
	for i := range s {
		if n == logInputLen {
			return s[:i]
		}
		n++
	}
	return s
}
