package dao

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/yowenter/fleetd/pkg/store"
	"github.com/yowenter/fleetd/pkg/types"
)

// FleetDao maps records onto store pairs. Store sentinels pass through
// unchanged.
type FleetDao struct {
	store store.Store
}

func NewDao(store store.Store) *FleetDao {
	return &FleetDao{
		store: store,
	}
}

func (d *FleetDao) GetRecord(ctx context.Context, kind, id string) (*types.Record, error) {
	data, err := d.store.Get(ctx, types.RecordKey(kind, id))
	if err != nil {
		return nil, err
	}
	return types.DeSerializeRecord(data)
}

func (d *FleetDao) ListRecords(ctx context.Context, kind string) ([]*types.Record, error) {
	kvs, err := d.store.List(ctx, types.KindPrefix(kind))
	if err != nil {
		log.Errorf("list %s err %v", kind, err)
		return nil, err
	}
	records := make([]*types.Record, 0, len(kvs.KVPairs))
	for _, kv := range kvs.KVPairs {
		r, err := types.DeSerializeRecord(kv)
		if err != nil {
			log.Error("DeSerializeRecord err", kv.Key, err)
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// SaveRecord creates r when it has no revision and otherwise swaps it in only
// if the stored revision still equals r.Revision. On store.ErrAlreadyExists
// and store.ErrVersionMismatch the stored record is returned with the error.
func (d *FleetDao) SaveRecord(ctx context.Context, r *types.Record) (*types.Record, error) {
	data, err := d.store.Save(ctx, r)
	if data == nil {
		return nil, err
	}
	saved, derr := types.DeSerializeRecord(data)
	if derr != nil {
		log.Error("DeSerializeRecord err", data.Key, derr)
		return nil, derr
	}
	return saved, err
}
