package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/yowenter/fleetd/pkg/store"
	"github.com/yowenter/fleetd/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	createSQL = `INSERT INTO fleet_kv (key, value, revision)
		VALUES ($1, $2::jsonb, nextval('fleet_kv_revision_seq'))
		ON CONFLICT (key) DO NOTHING
		RETURNING revision`
	getSQL    = `SELECT value::text, revision FROM fleet_kv WHERE key = $1`
	listSQL   = `SELECT key, value::text, revision FROM fleet_kv WHERE left(key, length($1)) = $1 ORDER BY key`
	updateSQL = `UPDATE fleet_kv
		SET value = $2::jsonb, revision = nextval('fleet_kv_revision_seq'), updated_at = now()
		WHERE key = $1 AND revision = $3
		RETURNING revision`
)

// PostgresStore keeps pairs in the fleet_kv table. The conditional UPDATE
// makes Update a single-statement compare-and-swap.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func dsn(cfg *types.PostgresOption) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)
}

func migrationURL(cfg *types.PostgresOption) string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:     "/" + cfg.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(cfg.SSLMode),
	}
	return u.String()
}

func NewPostgresStore(ctx context.Context, cfg *types.PostgresOption) (*PostgresStore, error) {
	if err := runMigrations(cfg); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Minute * 30
	poolConfig.MaxConnIdleTime = time.Minute * 5
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func runMigrations(cfg *types.PostgresOption) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrationURL(cfg))
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Infof("postgres migrations applied to %s", cfg.DBName)
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, obj *types.KVPair) (*types.KVPair, error) {
	var rev int64
	err := s.pool.QueryRow(ctx, createSQL, obj.Key, obj.Value).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, gerr := s.Get(ctx, obj.Key)
		if gerr != nil {
			return nil, gerr
		}
		return existing, store.ErrAlreadyExists
	}
	if err != nil {
		log.WithField("key", obj.Key).WithError(err).Warning("Create failed")
		return nil, fmt.Errorf("failed to create %s: %w", obj.Key, err)
	}
	return &types.KVPair{Key: obj.Key, Value: obj.Value, Revision: rev}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*types.KVPair, error) {
	kv := &types.KVPair{Key: key}
	err := s.pool.QueryRow(ctx, getSQL, key).Scan(&kv.Value, &kv.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return kv, nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) (*types.KVPairList, error) {
	rows, err := s.pool.Query(ctx, listSQL, prefix)
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

func (s *PostgresStore) Update(ctx context.Context, obj *types.KVPair) (*types.KVPair, error) {
	var rev int64
	err := s.pool.QueryRow(ctx, updateSQL, obj.Key, obj.Value, obj.Revision).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		current, gerr := s.Get(ctx, obj.Key)
		if gerr != nil {
			return nil, gerr
		}
		log.WithFields(log.Fields{"key": obj.Key, "rev": obj.Revision, "current": current.Revision}).
			Warn("Update failed due to revision conflict")
		return current, store.ErrVersionMismatch
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", obj.Key, err)
	}
	return &types.KVPair{Key: obj.Key, Value: obj.Value, Revision: rev}, nil
}

func (s *PostgresStore) Save(ctx context.Context, data types.KeyData) (*types.KVPair, error) {
	return store.Save(ctx, s, data)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
