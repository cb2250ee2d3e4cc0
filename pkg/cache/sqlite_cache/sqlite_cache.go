package sqlite_cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pmkol/analysis-gateway/pkg/cache"
)

var nopLogger = zap.NewNop()

var _ cache.Backend = (*SQLiteCache)(nil)

const table = "cache_entries"

const createTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key TEXT NOT NULL PRIMARY KEY,
	value TEXT NOT NULL,
	expire_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS cache_entries_expire_at ON cache_entries (expire_at);
`

type Opts struct {
	// Path is the database file. Required.
	Path string

	// CleanerInterval controls how often expired rows are deleted.
	// Zero disables the cleaner.
	CleanerInterval time.Duration

	Logger *zap.Logger
}

// SQLiteCache is a cache.Backend persisted in a local SQLite file.
// Entries survive restarts. Expiry is enforced on read.
type SQLiteCache struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time

	closeOnce   sync.Once
	closeNotify chan struct{}
}

func New(opts Opts) (*SQLiteCache, error) {
	if len(opts.Path) == 0 {
		return nil, fmt.Errorf("missing sqlite cache path")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// One writer at a time, avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	c := &SQLiteCache{
		db:          db,
		logger:      opts.Logger,
		now:         time.Now,
		closeNotify: make(chan struct{}),
	}
	if opts.CleanerInterval > 0 {
		go c.startCleaner(opts.CleanerInterval)
	}
	return c, nil
}

func (c *SQLiteCache) Get(ctx context.Context, key string) (string, bool, error) {
	query, args, err := sq.Select("value").
		From(table).
		Where(sq.Eq{"cache_key": key}).
		Where(sq.Gt{"expire_at": c.now().UnixNano()}).
		ToSql()
	if err != nil {
		return "", false, err
	}

	var v string
	err = c.db.QueryRowContext(ctx, query, args...).Scan(&v)
	switch {
	case err == sql.ErrNoRows:
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("cache get: %w", err)
	}
	return v, true, nil
}

func (c *SQLiteCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	query, args, err := sq.Insert(table).
		Columns("cache_key", "value", "expire_at").
		Values(key, value, c.now().Add(ttl).UnixNano()).
		Suffix("ON CONFLICT(cache_key) DO UPDATE SET value = excluded.value, expire_at = excluded.expire_at").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Len returns the number of live entries.
func (c *SQLiteCache) Len() int {
	query, args, err := sq.Select("COUNT(*)").
		From(table).
		Where(sq.Gt{"expire_at": c.now().UnixNano()}).
		ToSql()
	if err != nil {
		return 0
	}
	var n int
	if err := c.db.QueryRow(query, args...).Scan(&n); err != nil {
		c.logger.Error("cache count", zap.Error(err))
		return 0
	}
	return n
}

func (c *SQLiteCache) clean(ctx context.Context) (int64, error) {
	query, args, err := sq.Delete(table).
		Where(sq.LtOrEq{"expire_at": c.now().UnixNano()}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *SQLiteCache) startCleaner(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeNotify:
			return
		case <-ticker.C:
			n, err := c.clean(context.Background())
			if err != nil {
				c.logger.Warn("cache cleaner", zap.Error(err))
				continue
			}
			if n > 0 {
				c.logger.Debug("expired cache entries removed", zap.Int64("removed", n))
			}
		}
	}
}

func (c *SQLiteCache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeNotify)
		err = c.db.Close()
	})
	return err
}
