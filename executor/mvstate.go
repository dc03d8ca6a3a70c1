// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/BoganyDamarien90/aptos-core/aggregator"
)

// entry is one transaction's effect on one key. Exactly one of the three
// payload shapes is set: a plain write (value/layout), an aggregator delta,
// or a delayed-field change. An estimated entry is the ghost of an
// invalidated incarnation: readers must treat it as a dependency rather than
// observe a value that is about to change.
type entry struct {
	estimate    bool
	incarnation Incarnation

	value  interface{}
	layout interface{}

	delta   *aggregator.DeltaOp
	delayed *aggregator.DelayedChange
}

type keyedCells struct {
	sync.RWMutex
	tm *treemap.Map // TxnIndex -> *entry
}

// keySpace is a multi-version history for one kind of key: a lock-free map
// of per-key ordered version lists.
type keySpace[K comparable] struct {
	data sync.Map // K -> *keyedCells
}

type keyedReadStatus uint8

const (
	readNone keyedReadStatus = iota
	readFoundWrite
	readHitEstimate
)

type keyedReadResult struct {
	status   keyedReadStatus
	version  Version
	value    interface{}
	layout   interface{}
	blocking TxnIndex
}

func (s *keySpace[K]) cells(key K, create bool) *keyedCells {
	if val, ok := s.data.Load(key); ok {
		return val.(*keyedCells)
	}
	if !create {
		return nil
	}
	val, _ := s.data.LoadOrStore(key, &keyedCells{tm: treemap.NewWithIntComparator()})
	return val.(*keyedCells)
}

// read returns the latest write entry below [idx], or an estimate hit.
// Delta and delayed entries are skipped here; callers needing aggregation
// use the walk helpers on mvState.
func (s *keySpace[K]) read(key K, idx TxnIndex) (res keyedReadResult) {
	cells := s.cells(key, false)
	if cells == nil {
		return keyedReadResult{status: readNone}
	}

	cells.RLock()
	defer cells.RUnlock()

	at := idx - 1
	for {
		fk, fv := cells.tm.Floor(at)
		if fk == nil {
			return keyedReadResult{status: readNone}
		}
		e := fv.(*entry)
		if e.estimate {
			return keyedReadResult{status: readHitEstimate, blocking: fk.(int)}
		}
		if e.delta == nil && e.delayed == nil {
			return keyedReadResult{
				status:  readFoundWrite,
				version: Version{Index: fk.(int), Incarnation: e.incarnation},
				value:   e.value,
				layout:  e.layout,
			}
		}
		at = fk.(int) - 1
	}
}

func (s *keySpace[K]) write(key K, version Version, e *entry) {
	cells := s.cells(key, true)
	cells.Lock()
	defer cells.Unlock()

	if existing, ok := cells.tm.Get(version.Index); ok {
		old := existing.(*entry)
		if old.incarnation > version.Incarnation {
			panic(fmt.Sprintf("multi-version write for a stale incarnation: txn %d, have %d, got %d",
				version.Index, old.incarnation, version.Incarnation))
		}
	}
	e.incarnation = version.Incarnation
	cells.tm.Put(version.Index, e)
}

func (s *keySpace[K]) remove(key K, idx TxnIndex) {
	cells := s.cells(key, false)
	if cells == nil {
		return
	}
	cells.Lock()
	cells.tm.Remove(idx)
	cells.Unlock()
}

func (s *keySpace[K]) markEstimate(key K, idx TxnIndex) {
	cells := s.cells(key, false)
	if cells == nil {
		return
	}
	cells.Lock()
	if e, ok := cells.tm.Get(idx); ok {
		e.(*entry).estimate = true
	}
	cells.Unlock()
}

// writeSummary is the per-space write footprint of one execution, built from
// a transaction output.
type writeSummary[K comparable, I comparable] struct {
	resources map[K]ValueWithLayout
	modules   map[K]interface{}
	aggWrites map[K]uint64
	aggDeltas map[K]aggregator.DeltaOp
	delayed   map[I]aggregator.DelayedChange
}

// writtenKeys remembers which keys an incarnation wrote, so a later
// incarnation can clear entries it no longer writes and an abort can mark
// them as estimates.
type writtenKeys[K comparable, I comparable] struct {
	resources   []K
	modules     []K
	aggregators []K
	delayed     []I
}

// mvState is the multi-version state the engine executes against: per-key
// version histories for resources, modules, aggregator-v1 keys and delayed
// fields, plus each transaction's last recorded read and write sets.
type mvState[K comparable, I comparable] struct {
	resources   keySpace[K]
	modules     keySpace[K]
	aggregators keySpace[K]
	delayed     keySpace[I]

	lastWrites []atomic.Pointer[writtenKeys[K, I]]
	lastReads  []atomic.Pointer[readSet[K, I]]
}

func newMVState[K comparable, I comparable](blockSize int) *mvState[K, I] {
	return &mvState[K, I]{
		lastWrites: make([]atomic.Pointer[writtenKeys[K, I]], blockSize),
		lastReads:  make([]atomic.Pointer[readSet[K, I]], blockSize),
	}
}

// record installs an incarnation's reads and writes, replacing the previous
// incarnation's entries and deleting entries for keys no longer written.
// Returns whether any write touched a key the previous incarnation did not.
func (mv *mvState[K, I]) record(version Version, reads readSet[K, I], writes writeSummary[K, I]) bool {
	prev := mv.lastWrites[version.Index].Load()

	now := &writtenKeys[K, I]{}
	for key, vl := range writes.resources {
		mv.resources.write(key, version, &entry{value: vl.Value, layout: vl.Layout})
		now.resources = append(now.resources, key)
	}
	for key, value := range writes.modules {
		mv.modules.write(key, version, &entry{value: value})
		now.modules = append(now.modules, key)
	}
	for key, value := range writes.aggWrites {
		mv.aggregators.write(key, version, &entry{value: value})
		now.aggregators = append(now.aggregators, key)
	}
	for key, delta := range writes.aggDeltas {
		d := delta
		mv.aggregators.write(key, version, &entry{delta: &d})
		now.aggregators = append(now.aggregators, key)
	}
	for id, change := range writes.delayed {
		c := change
		mv.delayed.write(id, version, &entry{delayed: &c})
		now.delayed = append(now.delayed, id)
	}

	wroteNew := false
	if prev == nil {
		wroteNew = len(now.resources)+len(now.modules)+len(now.aggregators)+len(now.delayed) > 0
	} else {
		wroteNew = cleanupStale(&mv.resources, prev.resources, now.resources, version.Index) || wroteNew
		wroteNew = cleanupStale(&mv.modules, prev.modules, now.modules, version.Index) || wroteNew
		wroteNew = cleanupStale(&mv.aggregators, prev.aggregators, now.aggregators, version.Index) || wroteNew
		wroteNew = cleanupStale(&mv.delayed, prev.delayed, now.delayed, version.Index) || wroteNew
	}

	mv.lastWrites[version.Index].Store(now)
	mv.lastReads[version.Index].Store(&reads)
	return wroteNew
}

// cleanupStale removes version entries for keys the previous incarnation
// wrote but the current one did not, and reports whether the current
// incarnation wrote any new key.
func cleanupStale[K comparable](space *keySpace[K], prev, now []K, idx TxnIndex) (wroteNew bool) {
	prevSet := make(map[K]struct{}, len(prev))
	for _, key := range prev {
		prevSet[key] = struct{}{}
	}
	nowSet := make(map[K]struct{}, len(now))
	for _, key := range now {
		nowSet[key] = struct{}{}
		if _, ok := prevSet[key]; !ok {
			wroteNew = true
		}
	}
	for _, key := range prev {
		if _, ok := nowSet[key]; !ok {
			space.remove(key, idx)
		}
	}
	return wroteNew
}

// convertWritesToEstimates marks an aborted incarnation's writes as
// estimates so readers block on them instead of observing doomed values.
func (mv *mvState[K, I]) convertWritesToEstimates(idx TxnIndex) {
	writes := mv.lastWrites[idx].Load()
	if writes == nil {
		return
	}
	for _, key := range writes.resources {
		mv.resources.markEstimate(key, idx)
	}
	for _, key := range writes.modules {
		mv.modules.markEstimate(key, idx)
	}
	for _, key := range writes.aggregators {
		mv.aggregators.markEstimate(key, idx)
	}
	for _, id := range writes.delayed {
		mv.delayed.markEstimate(id, idx)
	}
}

// readAggregator materializes an aggregator-v1 key as visible to [idx]:
// delta entries below [idx] accumulate until a write entry or base storage
// supplies the value they resolve against.
func (mv *mvState[K, I]) readAggregator(key K, idx TxnIndex, base BaseView[K, I]) (uint64, bool, error) {
	var suffix *aggregator.DeltaOp

	cells := mv.aggregators.cells(key, false)
	if cells != nil {
		cells.RLock()
		at := idx - 1
		for {
			fk, fv := cells.tm.Floor(at)
			if fk == nil {
				break
			}
			e := fv.(*entry)
			if e.estimate {
				cells.RUnlock()
				return 0, false, &dependencyError{blocking: fk.(int)}
			}
			if e.delta != nil {
				merged, err := mergeBelow(*e.delta, suffix)
				if err != nil {
					cells.RUnlock()
					return 0, false, err
				}
				suffix = &merged
				at = fk.(int) - 1
				continue
			}
			// Write entry: resolve the accumulated suffix against it.
			baseValue, ok := e.value.(uint64)
			cells.RUnlock()
			if !ok {
				return 0, false, fmt.Errorf("aggregator entry at txn %d is not a uint64", fk.(int))
			}
			return applySuffix(baseValue, suffix)
		}
		cells.RUnlock()
	}

	baseValue, found, err := base.BaseAggregatorV1(key)
	if err != nil {
		return 0, false, err
	}
	if !found {
		if suffix != nil {
			return 0, false, fmt.Errorf("delta applied to aggregator missing from storage")
		}
		return 0, false, nil
	}
	value, _, err := applySuffix(baseValue, suffix)
	return value, true, err
}

// readDelayed materializes a delayed field as visible to [idx] by folding
// the changes of lower-indexed transactions over the base value. A create
// entry acts as the fold's floor.
func (mv *mvState[K, I]) readDelayed(id I, idx TxnIndex, base BaseView[K, I]) (uint64, bool, error) {
	var pending []*aggregator.DelayedChange

	cells := mv.delayed.cells(id, false)
	fromBase := true
	if cells != nil {
		cells.RLock()
		at := idx - 1
		for {
			fk, fv := cells.tm.Floor(at)
			if fk == nil {
				break
			}
			e := fv.(*entry)
			if e.estimate {
				cells.RUnlock()
				return 0, false, &dependencyError{blocking: fk.(int)}
			}
			if e.delayed == nil {
				cells.RUnlock()
				return 0, false, fmt.Errorf("non-delayed entry in delayed field history at txn %d", fk.(int))
			}
			pending = append(pending, e.delayed)
			if e.delayed.Kind == aggregator.DelayedCreate {
				fromBase = false
				break
			}
			at = fk.(int) - 1
		}
		cells.RUnlock()
	}

	var (
		value  uint64
		exists bool
		err    error
	)
	if fromBase {
		value, exists, err = base.BaseDelayedField(id)
		if err != nil {
			return 0, false, err
		}
	}
	// pending is highest-first; fold from the bottom up.
	for i := len(pending) - 1; i >= 0; i-- {
		value, err = pending[i].ApplyTo(value, exists)
		if err != nil {
			return 0, false, err
		}
		exists = true
	}
	return value, exists, nil
}

// validateReadSet re-performs every read the last incarnation of [idx]
// recorded and reports whether all observations still hold.
func (mv *mvState[K, I]) validateReadSet(idx TxnIndex, base BaseView[K, I]) bool {
	reads := mv.lastReads[idx].Load()
	if reads == nil {
		return true
	}
	for _, r := range *reads {
		switch r.kind {
		case readResource, readModule:
			space := &mv.resources
			if r.kind == readModule {
				space = &mv.modules
			}
			res := space.read(r.key, idx)
			switch res.status {
			case readHitEstimate:
				return false
			case readFoundWrite:
				if r.version == nil || *r.version != res.version {
					return false
				}
			case readNone:
				if r.version != nil {
					return false
				}
			}
		case readAggregatorV1:
			value, found, err := mv.readAggregator(r.key, idx, base)
			if err != nil || found != r.found || value != r.value {
				return false
			}
		case readDelayed:
			value, found, err := mv.readDelayed(r.id, idx, base)
			if err != nil || found != r.found || value != r.value {
				return false
			}
		}
	}
	return true
}

// mergeBelow stacks [below] under the accumulated [suffix].
func mergeBelow(below aggregator.DeltaOp, suffix *aggregator.DeltaOp) (aggregator.DeltaOp, error) {
	if suffix == nil {
		return below, nil
	}
	return below.MergeWith(*suffix)
}

func applySuffix(base uint64, suffix *aggregator.DeltaOp) (uint64, bool, error) {
	if suffix == nil {
		return base, true, nil
	}
	value, err := suffix.ApplyTo(base)
	return value, true, err
}
