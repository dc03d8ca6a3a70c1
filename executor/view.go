// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrDependency is returned by view reads that hit an earlier
	// transaction's invalidated (estimated) write. The executing task must
	// translate it into a SpeculativeExecutionAbortError abort so the
	// scheduler retries once the dependency resolves.
	ErrDependency = errors.New("read blocked on an earlier uncommitted write")

	errGroupValueShape = errors.New("resource group value is not a tag map")
)

// StateView answers a transaction's reads against the speculative
// multi-version history, scoped to the transaction's index: a read observes
// the latest write of any lower-indexed transaction, falling back to base
// storage.
type StateView[K comparable, I comparable] interface {
	TxnIndex() TxnIndex

	// GetResource returns the visible value of a resource key.
	GetResource(key K) (interface{}, bool, error)

	// GetFromGroup returns the sub-value stored under [tag] in the resource
	// group at [groupKey].
	GetFromGroup(groupKey K, tag string) (interface{}, bool, error)

	// GetModule returns the visible value of a module key.
	GetModule(key K) (interface{}, bool, error)

	// GetAggregatorV1 returns the materialized value of a legacy aggregator
	// key, resolving any visible deltas. Reading an aggregator creates a
	// value dependency; transactions that only need to update one should
	// emit a delta instead.
	GetAggregatorV1(key K) (uint64, bool, error)

	// GetDelayedField returns the materialized value of a delayed field.
	GetDelayedField(id I) (uint64, bool, error)
}

// BaseView is the pre-block storage snapshot the multi-version history sits
// on top of. Supplied by the caller; read-only for the duration of the block.
type BaseView[K comparable, I comparable] interface {
	BaseResource(key K) (interface{}, bool, error)
	BaseModule(key K) (interface{}, bool, error)
	BaseAggregatorV1(key K) (uint64, bool, error)
	BaseDelayedField(id I) (uint64, bool, error)
}

type readKind uint8

const (
	readResource readKind = iota
	readModule
	readAggregatorV1
	readDelayed
)

// readRecord captures one observed read for later validation. Resource and
// module reads validate by version (which write entry, if any, was visible);
// aggregator and delayed reads validate by materialized value, so that
// commuting deltas never invalidate a reader.
type readRecord[K comparable, I comparable] struct {
	kind readKind
	key  K
	id   I

	found   bool
	version *Version // write entry observed; nil means base storage
	value   uint64   // materialized value for aggregator/delayed reads
}

type readSet[K comparable, I comparable] []readRecord[K, I]

// latestView is the StateView handed to speculative executions. It records
// every read and, on a dependency, remembers the blocking index so the
// engine can register the dependency with the scheduler.
type latestView[K comparable, I comparable] struct {
	mv   *mvState[K, I]
	base BaseView[K, I]
	idx  TxnIndex

	reads    readSet[K, I]
	blocking TxnIndex // -1 when no dependency was hit
}

var _ StateView[string, string] = (*latestView[string, string])(nil)

func newLatestView[K comparable, I comparable](mv *mvState[K, I], base BaseView[K, I], idx TxnIndex) *latestView[K, I] {
	return &latestView[K, I]{mv: mv, base: base, idx: idx, blocking: -1}
}

func (v *latestView[K, I]) TxnIndex() TxnIndex { return v.idx }

func (v *latestView[K, I]) GetResource(key K) (interface{}, bool, error) {
	value, _, found, _, err := v.readKeyed(&v.mv.resources, key, readResource)
	return value, found, err
}

func (v *latestView[K, I]) GetFromGroup(groupKey K, tag string) (interface{}, bool, error) {
	value, found, err := v.GetResource(groupKey)
	if err != nil || !found {
		return nil, false, err
	}
	group, ok := value.(map[string]interface{})
	if !ok {
		return nil, false, fmt.Errorf("%w at txn %d", errGroupValueShape, v.idx)
	}
	sub, ok := group[tag]
	return sub, ok, nil
}

func (v *latestView[K, I]) GetModule(key K) (interface{}, bool, error) {
	value, _, found, _, err := v.readKeyed(&v.mv.modules, key, readModule)
	return value, found, err
}

func (v *latestView[K, I]) GetAggregatorV1(key K) (uint64, bool, error) {
	value, found, err := v.mv.readAggregator(key, v.idx, v.base)
	if err != nil {
		v.noteDependency(err)
		return 0, false, err
	}
	v.reads = append(v.reads, readRecord[K, I]{
		kind:  readAggregatorV1,
		key:   key,
		found: found,
		value: value,
	})
	return value, found, nil
}

func (v *latestView[K, I]) GetDelayedField(id I) (uint64, bool, error) {
	value, found, err := v.mv.readDelayed(id, v.idx, v.base)
	if err != nil {
		v.noteDependency(err)
		return 0, false, err
	}
	v.reads = append(v.reads, readRecord[K, I]{
		kind:  readDelayed,
		id:    id,
		found: found,
		value: value,
	})
	return value, found, nil
}

// readKeyed performs a versioned read against one key space, recording it.
func (v *latestView[K, I]) readKeyed(space *keySpace[K], key K, kind readKind) (interface{}, interface{}, bool, *Version, error) {
	res := space.read(key, v.idx)
	switch res.status {
	case readHitEstimate:
		err := fmt.Errorf("%w: txn %d blocked on txn %d", ErrDependency, v.idx, res.blocking)
		v.noteBlocking(res.blocking)
		return nil, nil, false, nil, err
	case readFoundWrite:
		version := res.version
		v.reads = append(v.reads, readRecord[K, I]{kind: kind, key: key, found: true, version: &version})
		return res.value, res.layout, true, &version, nil
	}

	// Nothing visible in the version history; fall through to base storage.
	var (
		value interface{}
		found bool
		err   error
	)
	switch kind {
	case readModule:
		value, found, err = v.base.BaseModule(key)
	default:
		value, found, err = v.base.BaseResource(key)
	}
	if err != nil {
		return nil, nil, false, nil, err
	}
	v.reads = append(v.reads, readRecord[K, I]{kind: kind, key: key, found: found})
	return value, nil, found, nil, err
}

func (v *latestView[K, I]) noteBlocking(idx TxnIndex) {
	v.blocking = idx
}

func (v *latestView[K, I]) noteDependency(err error) {
	var dep *dependencyError
	if errors.As(err, &dep) {
		v.blocking = dep.blocking
	}
}

// dependencyError carries the blocking transaction index through error
// returns from the multi-version state.
type dependencyError struct {
	blocking TxnIndex
}

func (e *dependencyError) Error() string {
	return fmt.Sprintf("read blocked on txn %d", e.blocking)
}

func (e *dependencyError) Unwrap() error { return ErrDependency }

// overlayView is the StateView for sequential execution: every prior
// transaction has fully committed into the overlay, so reads are plain map
// lookups with a base fallback and nothing needs recording.
type overlayView[K comparable, I comparable] struct {
	base BaseView[K, I]
	idx  TxnIndex

	resources   map[K]interface{}
	modules     map[K]interface{}
	aggregators map[K]uint64
	delayed     map[I]uint64
}

var _ StateView[string, string] = (*overlayView[string, string])(nil)

func newOverlayView[K comparable, I comparable](base BaseView[K, I]) *overlayView[K, I] {
	return &overlayView[K, I]{
		base:        base,
		resources:   make(map[K]interface{}),
		modules:     make(map[K]interface{}),
		aggregators: make(map[K]uint64),
		delayed:     make(map[I]uint64),
	}
}

func (v *overlayView[K, I]) TxnIndex() TxnIndex { return v.idx }

func (v *overlayView[K, I]) GetResource(key K) (interface{}, bool, error) {
	if value, ok := v.resources[key]; ok {
		return value, true, nil
	}
	return v.base.BaseResource(key)
}

func (v *overlayView[K, I]) GetFromGroup(groupKey K, tag string) (interface{}, bool, error) {
	value, found, err := v.GetResource(groupKey)
	if err != nil || !found {
		return nil, false, err
	}
	group, ok := value.(map[string]interface{})
	if !ok {
		return nil, false, fmt.Errorf("%w at txn %d", errGroupValueShape, v.idx)
	}
	sub, ok := group[tag]
	return sub, ok, nil
}

func (v *overlayView[K, I]) GetModule(key K) (interface{}, bool, error) {
	if value, ok := v.modules[key]; ok {
		return value, true, nil
	}
	return v.base.BaseModule(key)
}

func (v *overlayView[K, I]) GetAggregatorV1(key K) (uint64, bool, error) {
	if value, ok := v.aggregators[key]; ok {
		return value, true, nil
	}
	return v.base.BaseAggregatorV1(key)
}

func (v *overlayView[K, I]) GetDelayedField(id I) (uint64, bool, error) {
	if value, ok := v.delayed[id]; ok {
		return value, true, nil
	}
	return v.base.BaseDelayedField(id)
}
