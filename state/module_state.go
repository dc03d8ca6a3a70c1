// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"github.com/ava-labs/avalanchego/database"
)

var _ ModuleState = &moduleState{}

// ModuleState stores published code blobs keyed by module state key. Modules
// are written once and read often, so they are not cached here; the executor
// keeps its own per-block view of them.
type ModuleState interface {
	GetModule(key string) ([]byte, error)
	PutModule(key string, code []byte) error
}

type moduleState struct {
	moduleDB database.Database
}

func NewModuleState(db database.Database) ModuleState {
	return &moduleState{
		moduleDB: db,
	}
}

func (s *moduleState) GetModule(key string) ([]byte, error) {
	return s.moduleDB.Get([]byte(key))
}

func (s *moduleState) PutModule(key string, code []byte) error {
	return s.moduleDB.Put([]byte(key), code)
}
