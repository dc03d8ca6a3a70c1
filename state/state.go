// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package state persists the committed chain state: raw resource and module
// bytes plus the uint64 aggregator and delayed-field spaces. Each space lives
// under its own database prefix so keys can never collide.
package state

import (
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/database/versiondb"
)

var (
	// These are prefixes for db keys.
	// It's important to set different prefixes for each separate database objects.
	resourceStatePrefix   = []byte("resource")
	moduleStatePrefix     = []byte("module")
	aggregatorStatePrefix = []byte("aggregator")
	delayedStatePrefix    = []byte("delayed")

	_ State = &state{}
)

// State is a wrapper around the per-space sub states.
// State also exposes a few methods needed for managing database commits and close.
type State interface {
	ResourceState
	ModuleState
	NumericState

	Commit() error
	Close() error
}

type state struct {
	ResourceState
	ModuleState
	NumericState

	baseDB *versiondb.Database
}

func NewState(db database.Database) State {
	// create a new baseDB
	baseDB := versiondb.New(db)

	// create prefixed sub databases from baseDB
	resourceDB := prefixdb.New(resourceStatePrefix, baseDB)
	moduleDB := prefixdb.New(moduleStatePrefix, baseDB)
	aggregatorDB := prefixdb.New(aggregatorStatePrefix, baseDB)
	delayedDB := prefixdb.New(delayedStatePrefix, baseDB)

	// return state with created sub state components
	return &state{
		ResourceState: NewResourceState(resourceDB),
		ModuleState:   NewModuleState(moduleDB),
		NumericState:  NewNumericState(aggregatorDB, delayedDB),
		baseDB:        baseDB,
	}
}

// Commit commits pending operations to baseDB
func (s *state) Commit() error {
	return s.baseDB.Commit()
}

// Close closes the underlying base database
func (s *state) Close() error {
	return s.baseDB.Close()
}
