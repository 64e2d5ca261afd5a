// Package sqlstore persists session keys in a SQL table through bun.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// DefaultNamespace is used when no namespace is configured
const DefaultNamespace = "default"

// Entry is the bun model for one persisted session key.
type Entry struct {
	bun.BaseModel `bun:"table:session_entries,alias:se"`

	Namespace string    `bun:"namespace,pk"`
	Key       string    `bun:"entry_key,pk"`
	Value     string    `bun:"entry_value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// Store implements session.Storage on a bun database.
type Store struct {
	db        *bun.DB
	namespace string
	now       func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithNamespace scopes keys so several sessions can share a table.
func WithNamespace(ns string) Option {
	return func(s *Store) {
		if ns = strings.TrimSpace(ns); ns != "" {
			s.namespace = ns
		}
	}
}

// WithClock overrides the clock used for updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:        db,
		namespace: DefaultNamespace,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// OpenSQLite opens a sqlite database using the shim driver.
func OpenSQLite(dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(1)
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

// CreateTable creates the entries table when missing.
func (s *Store) CreateTable(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*Entry)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var e Entry
	err := s.db.NewSelect().
		Model(&e).
		Where("namespace = ? AND entry_key = ?", s.namespace, key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return e.Value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	e := &Entry{
		Namespace: s.namespace,
		Key:       key,
		Value:     value,
		UpdatedAt: s.now().UTC(),
	}
	_, err := s.db.NewInsert().
		Model(e).
		On("CONFLICT (namespace, entry_key) DO UPDATE").
		Set("entry_value = EXCLUDED.entry_value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.db.NewDelete().
		Model((*Entry)(nil)).
		Where("namespace = ?", s.namespace).
		Where("entry_key IN (?)", bun.In(keys)).
		Exec(ctx)
	return err
}

// Namespace returns the namespace keys are stored under
func (s *Store) Namespace() string {
	return s.namespace
}
