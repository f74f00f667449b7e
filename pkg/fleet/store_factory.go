package fleet

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/yowenter/fleetd/pkg/store"
	"github.com/yowenter/fleetd/pkg/store/etcd"
	"github.com/yowenter/fleetd/pkg/store/memory"
	"github.com/yowenter/fleetd/pkg/store/postgres"
	"github.com/yowenter/fleetd/pkg/store/sqlite"
	"github.com/yowenter/fleetd/pkg/types"
)

// NewStore opens the record store selected by cfg.Backend.
func NewStore(ctx context.Context, cfg *types.StoreOption) (store.Store, error) {
	log.Infof("store backend %v", cfg.Backend)
	switch cfg.Backend {
	case types.STORE_MEMORY, "":
		log.Warn("in-memory store selected, records are lost on restart")
		return memory.NewInMemoryStore(), nil
	case types.STORE_ETCD:
		return etcd.NewEtcdV3Client(&cfg.Etcd)
	case types.STORE_POSTGRES:
		return postgres.NewPostgresStore(ctx, &cfg.Postgres)
	case types.STORE_SQLITE:
		return sqlite.NewSQLiteStore(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
