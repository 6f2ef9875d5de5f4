package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a single SQLite database. Hashes and sets
// are plain relations; pipelines map to serializable transactions, which is
// what gives the engine its per-operation atomicity.
type SQLiteStore struct {
	db   *sql.DB
	exec failsafe.Executor[any]
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_hash (
	key   TEXT NOT NULL,
	field TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (key, field)
);
CREATE TABLE IF NOT EXISTS kv_set (
	key    TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (key, member)
);
CREATE TABLE IF NOT EXISTS kv_lock (
	key        TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// NewSQLiteStore opens (and if needed initializes) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	// Retry on lock contention only; everything else surfaces immediately.
	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return isBusy(err)
		}).
		WithBackoff(10*time.Millisecond, 250*time.Millisecond).
		WithMaxRetries(5).
		Build()

	return &SQLiteStore{
		db:   db,
		exec: failsafe.With[any](retryPolicy),
	}, nil
}

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

func (s *SQLiteStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_hash WHERE key = ? AND field = ?`, key, field).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s.%s: %w", key, field, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	return s.Pipeline(ctx, func(p Pipe) {
		p.HSet(key, fields)
	})
}

func (s *SQLiteStore) HDel(ctx context.Context, key string, fields ...string) error {
	return s.Pipeline(ctx, func(p Pipe) {
		p.HDel(key, fields...)
	})
}

func (s *SQLiteStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM kv_hash WHERE key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("hgetall %s: %w", key, err)
		}
		out[field] = value
	}
	return out, rows.Err()
}

func (s *SQLiteStore) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	var result float64
	err := s.exec.Run(func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		v, err := hincrTx(ctx, tx, key, field, delta)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("hincrbyfloat %s.%s: %w", key, field, err)
	}
	return result, nil
}

func hincrTx(ctx context.Context, tx *sql.Tx, key, field string, delta float64) (float64, error) {
	var raw string
	cur := 0.0
	err := tx.QueryRowContext(ctx,
		`SELECT value FROM kv_hash WHERE key = ? AND field = ?`, key, field).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return 0, err
	default:
		v, perr := strconv.ParseFloat(raw, 64)
		if perr != nil {
			return 0, fmt.Errorf("field %s.%s is not a number: %v", key, field, perr)
		}
		cur = v
	}
	cur += delta
	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv_hash (key, field, value) VALUES (?, ?, ?)
		 ON CONFLICT (key, field) DO UPDATE SET value = excluded.value`,
		key, field, strconv.FormatFloat(cur, 'g', -1, 64))
	return cur, err
}

func (s *SQLiteStore) SAdd(ctx context.Context, key string, members ...string) error {
	return s.Pipeline(ctx, func(p Pipe) {
		p.SAdd(key, members...)
	})
}

func (s *SQLiteStore) SRem(ctx context.Context, key string, members ...string) error {
	return s.Pipeline(ctx, func(p Pipe) {
		p.SRem(key, members...)
	})
}

func (s *SQLiteStore) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM kv_set WHERE key = ? ORDER BY member`, key)
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("smembers %s: %w", key, err)
		}
		out = append(out, member)
	}
	return out, rows.Err()
}

// escapeLike escapes LIKE wildcards so hash keys such as "sym_BTC/USDT"
// match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func (s *SQLiteStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	prefix, ok := strings.CutSuffix(pattern, "*")
	if !ok {
		prefix = pattern
	}
	like := escapeLike(prefix) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_hash WHERE key LIKE ? ESCAPE '\'
		 UNION SELECT key FROM kv_set WHERE key LIKE ? ESCAPE '\'
		 ORDER BY key`, like, like)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", pattern, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("keys %s: %w", pattern, err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Unlink(ctx context.Context, keys ...string) error {
	return s.Pipeline(ctx, func(p Pipe) {
		p.Del(keys...)
	})
}

func (s *SQLiteStore) Pipeline(ctx context.Context, fn func(Pipe)) error {
	rec := &recorder{}
	fn(rec)

	return s.exec.Run(func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("pipeline begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, o := range rec.ops {
			if err := applyOp(ctx, tx, o); err != nil {
				return fmt.Errorf("pipeline: %w", err)
			}
		}
		return tx.Commit()
	})
}

func applyOp(ctx context.Context, tx *sql.Tx, o op) error {
	switch o.kind {
	case opHSet:
		for field, value := range o.fields {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO kv_hash (key, field, value) VALUES (?, ?, ?)
				 ON CONFLICT (key, field) DO UPDATE SET value = excluded.value`,
				o.key, field, value); err != nil {
				return err
			}
		}
	case opHDel:
		for _, field := range o.members {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM kv_hash WHERE key = ? AND field = ?`, o.key, field); err != nil {
				return err
			}
		}
	case opHIncr:
		if _, err := hincrTx(ctx, tx, o.key, o.field, o.delta); err != nil {
			return err
		}
	case opSAdd:
		for _, member := range o.members {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO kv_set (key, member) VALUES (?, ?)`,
				o.key, member); err != nil {
				return err
			}
		}
	case opSRem:
		for _, member := range o.members {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM kv_set WHERE key = ? AND member = ?`, o.key, member); err != nil {
				return err
			}
		}
	case opDel:
		for _, key := range o.keys {
			for _, q := range []string{
				`DELETE FROM kv_hash WHERE key = ?`,
				`DELETE FROM kv_set WHERE key = ?`,
				`DELETE FROM kv_lock WHERE key = ?`,
			} {
				if _, err := tx.ExecContext(ctx, q, key); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *SQLiteStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.exec.Run(func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM kv_lock WHERE key = ? AND expires_at <= ?`, key, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO kv_lock (key, holder, expires_at) VALUES (?, ?, ?)`,
			key, value, now+ttl.Milliseconds())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		acquired = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return acquired, nil
}

func (s *SQLiteStore) ExtendTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	extended := false
	err := s.exec.Run(func() error {
		now := time.Now().UnixMilli()
		res, err := s.db.ExecContext(ctx,
			`UPDATE kv_lock SET expires_at = ? WHERE key = ? AND holder = ? AND expires_at > ?`,
			now+ttl.Milliseconds(), key, value, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		extended = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("extendttl %s: %w", key, err)
	}
	return extended, nil
}

func (s *SQLiteStore) DelIfEquals(ctx context.Context, key, value string) (bool, error) {
	deleted := false
	err := s.exec.Run(func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_lock WHERE key = ? AND holder = ?`, key, value)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delifequals %s: %w", key, err)
	}
	return deleted, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
