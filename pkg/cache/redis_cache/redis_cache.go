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

package redis_cache

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/analysis-gateway/pkg/cache"
	"github.com/pmkol/analysis-gateway/pkg/utils"
)

var nopLogger = zap.NewNop()

var _ cache.Backend = (*RedisCache)(nil)

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisCache is a cache.Backend backed by a redis server. After a
// transport error the client is disabled and probed with PING in the
// background until the server answers again. While disabled every
// operation returns cache.ErrBackendDisabled without touching the network.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32

	closeOnce   sync.Once
	closeNotify chan struct{}
}

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{
		opts:        opts,
		closeNotify: make(chan struct{}),
	}, nil
}

// NewFromURL parses a redis URL (redis://[:password@]host:port/db) and
// returns a RedisCache owning the new client.
func NewFromURL(url string, timeout time.Duration, logger *zap.Logger) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opt.MaxRetries = -1
	c := redis.NewClient(opt)
	return NewRedisCache(RedisCacheOpts{
		Client:        c,
		ClientCloser:  c,
		ClientTimeout: timeout,
		Logger:        logger,
	})
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go r.pingLoop()
	}
}

func (r *RedisCache) pingLoop() {
	const maxBackoff = time.Second * 30
	backoff := time.Millisecond * 100
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for {
		select {
		case <-r.closeNotify:
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
		err := r.opts.Client.Ping(ctx).Err()
		cancel()
		if err != nil {
			if backoff >= maxBackoff {
				backoff = maxBackoff
			} else {
				backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
			}
			r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
			timer.Reset(backoff)
			continue
		}
		atomic.StoreUint32(&r.clientDisabled, 0)
		r.opts.Logger.Info("redis reconnected")
		return
	}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	if r.disabled() {
		return "", false, cache.ErrBackendDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	v, err := r.opts.Client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		// A caller that went away says nothing about the server.
		if !errors.Is(err, context.Canceled) {
			r.disableClient()
		}
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if r.disabled() {
		return cache.ErrBackendDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.disableClient()
		return err
	}
	return nil
}

// Close stops the reconnect loop and closes the redis client.
func (r *RedisCache) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closeNotify)
		if f := r.opts.ClientCloser; f != nil {
			err = f.Close()
		}
	})
	return err
}

// Len returns the number of keys in the selected redis database, or 0
// if it cannot be determined.
func (r *RedisCache) Len() int {
	if r.disabled() {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	i, err := r.opts.Client.DBSize(ctx).Result()
	if err != nil {
		r.opts.Logger.Error("dbsize", zap.Error(err))
		return 0
	}
	return int(i)
}
