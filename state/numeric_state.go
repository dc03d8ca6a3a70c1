// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"errors"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/utils/wrappers"
)

var (
	errBadUint64 = errors.New("invalid uint64 encoding")

	_ NumericState = &numericState{}
)

// NumericState stores the two uint64 spaces: aggregator values keyed by state
// key and delayed-field values keyed by field identifier. Both are encoded as
// 8 big-endian bytes.
type NumericState interface {
	GetAggregator(key string) (uint64, error)
	PutAggregator(key string, value uint64) error

	GetDelayed(id string) (uint64, error)
	PutDelayed(id string, value uint64) error
}

type numericState struct {
	aggregatorDB database.Database
	delayedDB    database.Database
}

func NewNumericState(aggregatorDB database.Database, delayedDB database.Database) NumericState {
	return &numericState{
		aggregatorDB: aggregatorDB,
		delayedDB:    delayedDB,
	}
}

func (s *numericState) GetAggregator(key string) (uint64, error) {
	return getUint64(s.aggregatorDB, key)
}

func (s *numericState) PutAggregator(key string, value uint64) error {
	return putUint64(s.aggregatorDB, key, value)
}

func (s *numericState) GetDelayed(id string) (uint64, error) {
	return getUint64(s.delayedDB, id)
}

func (s *numericState) PutDelayed(id string, value uint64) error {
	return putUint64(s.delayedDB, id, value)
}

func getUint64(db database.Database, key string) (uint64, error) {
	bytes, err := db.Get([]byte(key))
	if err != nil {
		return 0, err
	}

	p := wrappers.Packer{Bytes: bytes}
	value := p.UnpackLong()
	if p.Errored() || p.Offset != len(bytes) {
		return 0, errBadUint64
	}
	return value, nil
}

func putUint64(db database.Database, key string, value uint64) error {
	p := wrappers.Packer{MaxSize: wrappers.LongLen}
	p.PackLong(value)
	if p.Errored() {
		return p.Err
	}
	return db.Put([]byte(key), p.Bytes)
}
