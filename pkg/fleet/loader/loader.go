// Package loader batches record lookups made while expanding references, so
// a list of N drivers costs one read per referenced kind instead of N.
package loader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/yowenter/fleetd/pkg/types"
)

type RecordLister interface {
	ListRecords(ctx context.Context, kind string) ([]*types.Record, error)
}

// RecordLoader caches for its whole lifetime; build one per request.
type RecordLoader struct {
	Loader *dataloader.Loader
}

func loaderKey(kind, id string) dataloader.StringKey {
	return dataloader.StringKey(kind + "/" + id)
}

func splitKey(k dataloader.Key) (kind, id string, err error) {
	kind, id, ok := strings.Cut(k.String(), "/")
	if !ok {
		return "", "", fmt.Errorf("invalid record key %q", k.String())
	}
	return kind, id, nil
}

func NewRecordLoader(lister RecordLister, opts ...dataloader.Option) *RecordLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))

		byKind := map[string]map[string]*types.Record{}
		kindErr := map[string]error{}
		for i, k := range keys {
			kind, id, err := splitKey(k)
			if err != nil {
				results[i] = &dataloader.Result{Error: err}
				continue
			}
			if _, seen := byKind[kind]; !seen {
				if _, failed := kindErr[kind]; !failed {
					records, err := lister.ListRecords(ctx, kind)
					if err != nil {
						kindErr[kind] = err
					} else {
						m := make(map[string]*types.Record, len(records))
						for _, r := range records {
							m[r.ID] = r
						}
						byKind[kind] = m
					}
				}
			}
			if err, failed := kindErr[kind]; failed {
				results[i] = &dataloader.Result{Error: err}
				continue
			}
			if r, ok := byKind[kind][id]; ok {
				results[i] = &dataloader.Result{Data: r}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}
		return results
	}

	opts = append([]dataloader.Option{dataloader.WithWait(5 * time.Millisecond)}, opts...)
	loader := dataloader.NewBatchedLoader(batchFn, opts...)
	return &RecordLoader{Loader: loader}
}

// Prime queues a lookup without waiting for it, so later Loads of other
// references join the same batch.
func (l *RecordLoader) Prime(ctx context.Context, kind, id string) dataloader.Thunk {
	return l.Loader.Load(ctx, loaderKey(kind, id))
}

// Load returns nil without error when the record does not exist.
func (l *RecordLoader) Load(ctx context.Context, kind, id string) (*types.Record, error) {
	return resolve(l.Prime(ctx, kind, id))
}

func resolve(thunk dataloader.Thunk) (*types.Record, error) {
	data, err := thunk()
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	r, ok := data.(*types.Record)
	if !ok {
		return nil, fmt.Errorf("unexpected type %T for record", data)
	}
	return r, nil
}

// Resolve waits on a thunk returned by Prime.
func Resolve(thunk dataloader.Thunk) (*types.Record, error) {
	return resolve(thunk)
}
