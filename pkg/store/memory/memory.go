package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/yowenter/fleetd/pkg/store"
	"github.com/yowenter/fleetd/pkg/types"
)

// InMemoryStore keeps every pair in a map guarded by one mutex. Revisions come
// from a store-wide counter, like etcd's.
type InMemoryStore struct {
	mux      sync.Mutex
	values   map[string]*types.KVPair
	revision int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{values: make(map[string]*types.KVPair)}
}

func (s *InMemoryStore) Create(ctx context.Context, obj *types.KVPair) (*types.KVPair, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if existing, ok := s.values[obj.Key]; ok {
		log.WithField("key", obj.Key).Debug("create on existing key")
		return copyPair(existing), store.ErrAlreadyExists
	}
	s.revision++
	kv := &types.KVPair{Key: obj.Key, Value: obj.Value, Revision: s.revision}
	s.values[obj.Key] = kv
	return copyPair(kv), nil
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (*types.KVPair, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	kv, ok := s.values[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyPair(kv), nil
}

func (s *InMemoryStore) List(ctx context.Context, prefix string) (*types.KVPairList, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	list := make([]*types.KVPair, 0)
	for k, kv := range s.values {
		if strings.HasPrefix(k, prefix) {
			list = append(list, copyPair(kv))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	return &types.KVPairList{KVPairs: list, Revision: s.revision}, nil
}

func (s *InMemoryStore) Update(ctx context.Context, obj *types.KVPair) (*types.KVPair, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	existing, ok := s.values[obj.Key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if existing.Revision != obj.Revision {
		log.WithFields(log.Fields{"key": obj.Key, "rev": obj.Revision, "current": existing.Revision}).
			Debug("update on outdated revision")
		return copyPair(existing), store.ErrVersionMismatch
	}
	s.revision++
	kv := &types.KVPair{Key: obj.Key, Value: obj.Value, Revision: s.revision}
	s.values[obj.Key] = kv
	return copyPair(kv), nil
}

func (s *InMemoryStore) Save(ctx context.Context, data types.KeyData) (*types.KVPair, error) {
	return store.Save(ctx, s, data)
}

func (s *InMemoryStore) Close() error {
	return nil
}

func copyPair(kv *types.KVPair) *types.KVPair {
	c := *kv
	return &c
}
