package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultSQLTable = "runnify_cache"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStore keeps entries in a database/sql table with an expiry column.
// Queries use SQLite compatible syntax; WithDollarPlaceholders switches the
// bind style for PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	table  string
	dollar bool
	now    func() time.Time

	mu    sync.Mutex
	ready bool
	owned bool
}

type SQLOption func(*SQLStore)

func WithDollarPlaceholders() SQLOption {
	return func(s *SQLStore) {
		s.dollar = true
	}
}

// NewSQLStore builds a store on db. The table is created on first use.
func NewSQLStore(db *sql.DB, table string, opts ...SQLOption) (*SQLStore, error) {
	if table == "" {
		table = defaultSQLTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid cache table name %q", table)
	}
	s := &SQLStore{db: db, table: table, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, false, err
	}
	q := s.bind(`SELECT value, expires_at FROM %s WHERE cache_key = ?`)
	var (
		value   string
		expires int64
	)
	err := s.db.QueryRowContext(ctx, q, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expires > 0 && s.now().UnixMilli() >= expires {
		if err := s.Delete(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return []byte(value), true, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	var expires int64
	if ttl > 0 {
		expires = s.now().Add(ttl).UnixMilli()
	}
	q := s.bind(`INSERT INTO %s (cache_key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`)
	_, err := s.db.ExecContext(ctx, q, key, string(value), expires)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM %s WHERE cache_key = ?`), key)
	return err
}

func (s *SQLStore) Clear(ctx context.Context, prefix string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if prefix == "" {
		_, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM %s`))
		return err
	}
	q := s.bind(`DELETE FROM %s WHERE substr(cache_key, 1, ?) = ?`)
	_, err := s.db.ExecContext(ctx, q, len(prefix), prefix)
	return err
}

// NewSQLiteStoreFromURI opens a store for a sqlite:// URI. The driver must
// be registered by the program as "sqlite3". The store owns the database
// handle and closes it on Close.
func NewSQLiteStoreFromURI(uri string) (*SQLStore, error) {
	path := strings.TrimPrefix(uri, "sqlite://")
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLStore(db, "")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Close releases the database when the store opened it.
func (s *SQLStore) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		cache_key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at BIGINT NOT NULL DEFAULT 0
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	s.ready = true
	return nil
}

func (s *SQLStore) bind(query string) string {
	query = fmt.Sprintf(query, s.table)
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
