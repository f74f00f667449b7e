package store

import (
	"context"
	"errors"

	"github.com/yowenter/fleetd/pkg/types"
)

var (
	ErrNotFound        = errors.New("key not found")
	ErrAlreadyExists   = errors.New("key already exists")
	ErrVersionMismatch = errors.New("revision mismatch")
)

// Store is a revisioned key/value store. Every successful write assigns the
// key a revision strictly greater than any revision handed out before.
type Store interface {
	// Create fails with ErrAlreadyExists, returning the existing pair.
	Create(ctx context.Context, obj *types.KVPair) (*types.KVPair, error)
	Get(ctx context.Context, key string) (*types.KVPair, error)
	List(ctx context.Context, prefix string) (*types.KVPairList, error)
	// Update is a compare-and-swap on obj.Revision. On ErrVersionMismatch the
	// current pair is returned along with the error.
	Update(ctx context.Context, obj *types.KVPair) (*types.KVPair, error)
	Save(ctx context.Context, data types.KeyData) (*types.KVPair, error)
	Close() error
}

// Save creates data when it has no revision yet and updates it otherwise.
func Save(ctx context.Context, s Store, data types.KeyData) (*types.KVPair, error) {
	data.UpdateTs()
	kv, err := data.Serialize()
	if err != nil {
		return nil, err
	}

	if kv.Revision == 0 {
		return s.Create(ctx, kv)
	}
	return s.Update(ctx, kv)
}
