// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/database"
)

const (
	resourceCacheSize = 8192
)

var _ ResourceState = &resourceState{}

// ResourceState stores the raw serialized bytes of chain resources keyed by
// state key. Callers decode through the chain codec; this layer never
// interprets the bytes.
type ResourceState interface {
	GetResource(key string) ([]byte, error)
	PutResource(key string, value []byte) error
	DeleteResource(key string) error

	ClearCache()
}

type resourceState struct {
	resourceCache cache.Cacher
	resourceDB    database.Database
}

func NewResourceState(db database.Database) ResourceState {
	return &resourceState{
		resourceCache: &cache.LRU{Size: resourceCacheSize},
		resourceDB:    db,
	}
}

func (s *resourceState) GetResource(key string) ([]byte, error) {
	if cached, ok := s.resourceCache.Get(key); ok {
		if cached == nil {
			return nil, database.ErrNotFound
		}
		return cached.([]byte), nil
	}

	value, err := s.resourceDB.Get([]byte(key))
	if err == database.ErrNotFound {
		s.resourceCache.Put(key, nil)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.resourceCache.Put(key, value)
	return value, nil
}

func (s *resourceState) PutResource(key string, value []byte) error {
	s.resourceCache.Put(key, value)
	return s.resourceDB.Put([]byte(key), value)
}

func (s *resourceState) DeleteResource(key string) error {
	s.resourceCache.Put(key, nil)
	return s.resourceDB.Delete([]byte(key))
}

func (s *resourceState) ClearCache() {
	s.resourceCache.Flush()
}
