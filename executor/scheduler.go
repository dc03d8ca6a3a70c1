// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	"sync"
	"sync/atomic"
)

// Per-transaction lifecycle. Ready/Executing/Executed/Aborting follow the
// optimistic retry loop; Committed and Skipped are terminal.
const (
	txnStatusReadyToExecute uint8 = iota
	txnStatusExecuting
	txnStatusExecuted
	txnStatusAborting
	txnStatusCommitted
	txnStatusSkipped
)

type taskKind uint8

const (
	taskExecute taskKind = iota
	taskValidate
)

// task is one unit of scheduler work: execute or validate a specific
// incarnation.
type task struct {
	kind    taskKind
	version Version
}

type txnStatus struct {
	sync.RWMutex
	status      uint8
	incarnation Incarnation
}

type txnDependents struct {
	sync.Mutex
	dependents map[TxnIndex]struct{} // transactions blocked on this index
}

type txnBlockers struct {
	sync.Mutex
	blockers map[TxnIndex]struct{} // transactions this index waits for
}

// scheduler hands out execution and validation tasks over a block of
// transactions, tracks dependencies between indices, and gates the ordered
// commit prefix. Execution and validation each sweep an atomic index
// counter; invalidations pull the counters back down.
type scheduler struct {
	blockSize int

	done            atomic.Bool
	executionIndex  atomic.Int32
	validationIndex atomic.Int32
	commitIndex     atomic.Int32

	status     []*txnStatus
	dependents []*txnDependents
	blockers   []*txnBlockers
}

func newScheduler(blockSize int) *scheduler {
	s := &scheduler{
		blockSize:  blockSize,
		status:     make([]*txnStatus, blockSize),
		dependents: make([]*txnDependents, blockSize),
		blockers:   make([]*txnBlockers, blockSize),
	}
	for i := 0; i < blockSize; i++ {
		s.status[i] = &txnStatus{}
		s.dependents[i] = &txnDependents{}
		s.blockers[i] = &txnBlockers{}
	}
	if blockSize == 0 {
		s.done.Store(true)
	}
	return s
}

func (s *scheduler) isDone() bool {
	return s.done.Load()
}

// nextTask prefers validation when its sweep lags execution, mirroring the
// Block-STM discipline of validating as early as possible.
func (s *scheduler) nextTask() *task {
	if s.isDone() {
		return nil
	}
	if s.validationIndex.Load() >= int32(s.blockSize) &&
		s.executionIndex.Load() >= int32(s.blockSize) {
		// Both sweeps are exhausted; only invalidations can create work.
		return nil
	}
	if s.validationIndex.Load() < s.executionIndex.Load() {
		if version := s.nextVersionToValidate(); version != nil {
			return &task{kind: taskValidate, version: *version}
		}
	} else {
		if version := s.nextVersionToExecute(); version != nil {
			return &task{kind: taskExecute, version: *version}
		}
	}
	return nil
}

// addDependency registers that [index] must wait for [blocking] to finish
// executing. Returns false when the dependency already resolved, in which
// case the caller should simply re-execute.
func (s *scheduler) addDependency(index, blocking TxnIndex) bool {
	deps := s.dependents[blocking]
	deps.Lock()

	blockingStatus := s.status[blocking]
	blockingStatus.RLock()
	resolved := blockingStatus.status == txnStatusExecuted ||
		blockingStatus.status == txnStatusCommitted
	blockingStatus.RUnlock()
	if resolved {
		deps.Unlock()
		return false
	}

	st := s.status[index]
	st.Lock()
	st.status = txnStatusAborting
	st.Unlock()

	if deps.dependents == nil {
		deps.dependents = make(map[TxnIndex]struct{})
	}
	deps.dependents[index] = struct{}{}
	deps.Unlock()

	blk := s.blockers[index]
	blk.Lock()
	if blk.blockers == nil {
		blk.blockers = make(map[TxnIndex]struct{})
	}
	blk.blockers[blocking] = struct{}{}
	blk.Unlock()

	return true
}

// finishExecution transitions [version] to Executed, wakes its dependents,
// and either returns a validation task for it or schedules a broader
// revalidation when new locations were written.
func (s *scheduler) finishExecution(version Version, wroteNewLocation bool) *task {
	st := s.status[version.Index]
	st.Lock()
	if st.status != txnStatusExecuting {
		st.Unlock()
		return nil // halted underneath us
	}
	st.status = txnStatusExecuted
	st.Unlock()

	deps := s.dependents[version.Index]
	deps.Lock()
	woken := deps.dependents
	deps.dependents = nil
	deps.Unlock()
	s.resumeDependents(version.Index, woken)

	if s.validationIndex.Load() > int32(version.Index) {
		if wroteNewLocation {
			s.decreaseValidationIndex(version.Index)
		} else {
			return &task{kind: taskValidate, version: version}
		}
	}
	return nil
}

// finishValidation processes a validation outcome; an aborted transaction is
// rescheduled for execution and everything above it for revalidation.
func (s *scheduler) finishValidation(idx TxnIndex, aborted bool) *task {
	if !aborted {
		return nil
	}
	s.setReadyStatus(idx)
	s.decreaseValidationIndex(idx + 1)
	if s.executionIndex.Load() > int32(idx) {
		if version := s.tryIncarnate(idx); version != nil {
			return &task{kind: taskExecute, version: *version}
		}
	}
	return nil
}

// tryValidationAbort claims the right to abort [version]; only one
// validator may win.
func (s *scheduler) tryValidationAbort(version Version) bool {
	st := s.status[version.Index]
	st.Lock()
	defer st.Unlock()
	if st.incarnation == version.Incarnation && st.status == txnStatusExecuted {
		st.status = txnStatusAborting
		return true
	}
	return false
}

// nextToCommit returns the lowest uncommitted index if it has finished
// executing and is ready for a definitive commit-time validation.
func (s *scheduler) nextToCommit() (TxnIndex, bool) {
	idx := int(s.commitIndex.Load())
	if idx >= s.blockSize || s.isDone() {
		return 0, false
	}
	st := s.status[idx]
	st.RLock()
	ready := st.status == txnStatusExecuted
	st.RUnlock()
	return idx, ready
}

// claimCommit transitions the lowest uncommitted index from Executed to
// Committed, after which no validator can abort it. Returns false if a
// concurrent validation abort won the race; the transaction will re-execute
// and commit on a later pass.
func (s *scheduler) claimCommit(idx TxnIndex) bool {
	st := s.status[idx]
	st.Lock()
	defer st.Unlock()
	if st.status != txnStatusExecuted {
		return false
	}
	st.status = txnStatusCommitted
	return true
}

// advanceCommit moves the commit prefix past a claimed index; the block is
// done once the prefix covers it.
func (s *scheduler) advanceCommit() {
	if s.commitIndex.Add(1) >= int32(s.blockSize) {
		s.done.Store(true)
	}
}

// startCommitReexecution claims a fresh incarnation for a transaction whose
// commit-time validation failed. All lower indices are committed, so the
// re-execution reads only final values and cannot conflict again. The claim
// succeeds only from Executed: if a sweep validator aborted the same
// incarnation first, the worker owns the re-execution and the commit pass
// must back off and retry later.
func (s *scheduler) startCommitReexecution(idx TxnIndex) (Version, bool) {
	st := s.status[idx]
	st.Lock()
	defer st.Unlock()
	if st.status != txnStatusExecuted {
		return Version{}, false
	}
	st.incarnation++
	st.status = txnStatusExecuting
	return Version{Index: idx, Incarnation: st.incarnation}, true
}

// finishCommitReexecution records the re-executed transaction and forces
// everything above it back through validation.
func (s *scheduler) finishCommitReexecution(idx TxnIndex) {
	st := s.status[idx]
	st.Lock()
	st.status = txnStatusExecuted
	st.Unlock()

	deps := s.dependents[idx]
	deps.Lock()
	woken := deps.dependents
	deps.dependents = nil
	deps.Unlock()
	s.resumeDependents(idx, woken)

	s.decreaseValidationIndex(idx + 1)
}

// haltAfter voids every index above [idx] and terminates the run; used on
// SkipRest.
func (s *scheduler) haltAfter(idx TxnIndex) {
	for i := idx + 1; i < s.blockSize; i++ {
		st := s.status[i]
		st.Lock()
		st.status = txnStatusSkipped
		st.Unlock()
	}
	s.commitIndex.Store(int32(s.blockSize))
	s.done.Store(true)
}

// haltAll terminates the run immediately; used on fatal errors.
func (s *scheduler) haltAll() {
	s.done.Store(true)
}

func (s *scheduler) resumeDependents(blocking TxnIndex, dependents map[TxnIndex]struct{}) {
	if len(dependents) == 0 {
		return
	}
	minResumed := TxnIndex(-1)
	for dep := range dependents {
		blk := s.blockers[dep]
		blk.Lock()
		delete(blk.blockers, blocking)
		canResume := len(blk.blockers) == 0
		blk.Unlock()
		if canResume {
			s.setReadyStatus(dep)
			if minResumed == -1 || dep < minResumed {
				minResumed = dep
			}
		}
	}
	if minResumed != -1 {
		s.decreaseExecutionIndex(minResumed)
	}
}

func (s *scheduler) setReadyStatus(idx TxnIndex) {
	st := s.status[idx]
	st.Lock()
	if st.status == txnStatusCommitted || st.status == txnStatusSkipped {
		st.Unlock()
		return
	}
	st.incarnation++
	st.status = txnStatusReadyToExecute
	st.Unlock()
}

func (s *scheduler) nextVersionToValidate() *Version {
	idx := s.validationIndex.Add(1) - 1
	if int(idx) >= s.blockSize {
		return nil
	}
	st := s.status[idx]
	st.RLock()
	status, incarnation := st.status, st.incarnation
	st.RUnlock()
	if status == txnStatusExecuted {
		return &Version{Index: int(idx), Incarnation: incarnation}
	}
	return nil
}

func (s *scheduler) nextVersionToExecute() *Version {
	idx := s.executionIndex.Add(1) - 1
	if int(idx) >= s.blockSize {
		return nil
	}
	return s.tryIncarnate(int(idx))
}

// tryIncarnate claims [idx] for execution if it is ready.
func (s *scheduler) tryIncarnate(idx TxnIndex) *Version {
	if idx >= s.blockSize {
		return nil
	}
	st := s.status[idx]
	st.Lock()
	defer st.Unlock()
	if st.status != txnStatusReadyToExecute {
		return nil
	}
	st.status = txnStatusExecuting
	return &Version{Index: idx, Incarnation: st.incarnation}
}

func (s *scheduler) decreaseExecutionIndex(idx TxnIndex) {
	target := int32(idx)
	for {
		cur := s.executionIndex.Load()
		if cur <= target || s.executionIndex.CompareAndSwap(cur, target) {
			return
		}
	}
}

func (s *scheduler) decreaseValidationIndex(idx TxnIndex) {
	target := int32(idx)
	for {
		cur := s.validationIndex.Load()
		if cur <= target || s.validationIndex.CompareAndSwap(cur, target) {
			return
		}
	}
}
