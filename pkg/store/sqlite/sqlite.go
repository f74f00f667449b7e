package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/yowenter/fleetd/pkg/store"
	"github.com/yowenter/fleetd/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore is a single-file store for local runs. All access goes through
// one connection so every write transaction is serialized.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(file string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", file+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database: %w", err)
	}
	db.SetMaxOpenConns(1)

	driver, err := sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to instantiate migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Infof("sqlite store ready at %s", file)

	return &SQLiteStore{db: db}, nil
}

// nextRevision bumps the store-wide counter inside tx.
func nextRevision(ctx context.Context, tx *sql.Tx) (int64, error) {
	var rev int64
	err := tx.QueryRowContext(ctx, `UPDATE fleet_revision SET revision = revision + 1 WHERE id = 1 RETURNING revision`).Scan(&rev)
	return rev, err
}

func getPair(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, key string) (*types.KVPair, error) {
	kv := &types.KVPair{Key: key}
	err := q.QueryRowContext(ctx, `SELECT value, revision FROM fleet_kv WHERE key = ?`, key).Scan(&kv.Value, &kv.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return kv, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithError(rbErr).Warn("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, obj *types.KVPair) (*types.KVPair, error) {
	var result *types.KVPair
	var existing *types.KVPair
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getPair(ctx, tx, obj.Key)
		if err == nil {
			existing = cur
			return store.ErrAlreadyExists
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		rev, err := nextRevision(ctx, tx)
		if err != nil {
			return fmt.Errorf("failed to allocate revision: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO fleet_kv (key, value, revision) VALUES (?, ?, ?)`, obj.Key, obj.Value, rev); err != nil {
			return fmt.Errorf("failed to insert %s: %w", obj.Key, err)
		}
		result = &types.KVPair{Key: obj.Key, Value: obj.Value, Revision: rev}
		return nil
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return existing, err
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*types.KVPair, error) {
	return getPair(ctx, s.db, key)
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) (*types.KVPairList, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, revision FROM fleet_kv WHERE substr(key, 1, length(?1)) = ?1 ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	defer rows.Close()

	list := &types.KVPairList{KVPairs: make([]*types.KVPair, 0)}
	for rows.Next() {
		kv := &types.KVPair{}
		if err := rows.Scan(&kv.Key, &kv.Value, &kv.Revision); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", prefix, err)
		}
		if kv.Revision > list.Revision {
			list.Revision = kv.Revision
		}
		list.KVPairs = append(list.KVPairs, kv)
	}
	return list, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, obj *types.KVPair) (*types.KVPair, error) {
	var result *types.KVPair
	var current *types.KVPair
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getPair(ctx, tx, obj.Key)
		if err != nil {
			return err
		}
		if cur.Revision != obj.Revision {
			current = cur
			return store.ErrVersionMismatch
		}
		rev, err := nextRevision(ctx, tx)
		if err != nil {
			return fmt.Errorf("failed to allocate revision: %w", err)
		}
		res, err := tx.ExecContext(ctx, `UPDATE fleet_kv SET value = ?, revision = ? WHERE key = ? AND revision = ?`,
			obj.Value, rev, obj.Key, obj.Revision)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", obj.Key, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			current = cur
			return store.ErrVersionMismatch
		}
		result = &types.KVPair{Key: obj.Key, Value: obj.Value, Revision: rev}
		return nil
	})
	if errors.Is(err, store.ErrVersionMismatch) {
		log.WithFields(log.Fields{"key": obj.Key, "rev": obj.Revision, "current": current.Revision}).
			Warn("Update failed due to revision conflict")
		return current, err
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) Save(ctx context.Context, data types.KeyData) (*types.KVPair, error) {
	return store.Save(ctx, s, data)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
