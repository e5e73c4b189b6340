// Copyright 2021 TiKV Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Store is the in-process kvadapter.Adapter test double. Its per-key
// state machine (lock-then-value, write-conflict-on-newer-commit) is
// grounded on mvcc_leveldb.go's Prewrite/Commit/
// PessimisticLock/TxnHeartBeat, ported from a goleveldb column family to a
// guarded Go map since nothing in this repo needs the mock store to
// survive a process restart.
package mocktikv

import (
	"context"
	"sync"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/txncoord/txncoord/internal/kvadapter"
	"github.com/txncoord/txncoord/internal/txncoorderr"
)

// lock mirrors the fields of the teacher's mvccLock that this coordinator
// actually needs: primary-key pointer, TTL and the for-update-ts a
// pessimistic lock carries.
type lock struct {
	startTS     uint64
	forUpdateTS uint64
	primary     []byte
	value       []byte
	op          kvrpcpb.Op
	ttl         uint64
	pessimistic bool
}

// commitRecord is one committed version of a key, ordered newest-first by
// the store's per-key version list.
type commitRecord struct {
	startTS  uint64
	commitTS uint64
	value    []byte
	deleted  bool
}

type keyState struct {
	lock    *lock
	history []commitRecord // sorted descending by commitTS
}

// FaultInjector lets tests force the recovery paths of spec §4.7 without
// timing games: each hook, if non-nil, is consulted on every call and may
// return an error to simulate the condition named.
type FaultInjector struct {
	// BeforePrewrite runs once per partition a prewrite touches, before
	// that partition mutates any key; it receives the request's primary
	// key.
	BeforePrewrite func(partitionKey []byte) error
	// BeforeCommit runs before each key of a commit is applied.
	BeforeCommit func(key []byte) error
}

// Store is a single-partition in-memory MVCC store. One Store instance
// stands in for one region/store pair in Cluster; PartitionedStore (below)
// fans requests out across however many partitions a test's Cluster has.
type Store struct {
	mu     sync.Mutex
	data   map[string]*keyState
	faults FaultInjector
}

// NewStore creates an empty MVCC store.
func NewStore() *Store {
	return &Store{data: make(map[string]*keyState)}
}

func (s *Store) state(key []byte) *keyState {
	ks, ok := s.data[string(key)]
	if !ok {
		ks = &keyState{}
		s.data[string(key)] = ks
	}
	return ks
}

// latestCommitted returns the newest committed value for key as of
// startTS, honoring snapshot-isolation visibility (spec §4.2: "reads see
// their own writes and everything committed before start_ts").
func (ks *keyState) latestCommitted(startTS uint64) (commitRecord, bool) {
	for _, rec := range ks.history {
		if rec.commitTS <= startTS {
			return rec, true
		}
	}
	return commitRecord{}, false
}

// PartitionedStore groups Store instances, one per partition id, with a
// shared FaultInjector, and implements kvadapter.Adapter by grouping each
// request's keys per partition. It is the thing txnkv/txn tests wire up
// against, via NewPartitionedStoreFromCluster.
type PartitionedStore struct {
	mu         sync.RWMutex
	partitions map[uint64]*Store
	partOf     func(key []byte) uint64
	faults     FaultInjector
}

// NewPartitionedStore creates a store whose partitionOf callback resolves
// each key to the partition id owning it (normally cluster.GetRegionByKey,
// wrapped to return just the id).
func NewPartitionedStore(partitionOf func(key []byte) uint64) *PartitionedStore {
	return &PartitionedStore{partitions: make(map[uint64]*Store), partOf: partitionOf}
}

// NewPartitionedStoreFromCluster wires a PartitionedStore directly to
// cluster's region table, so a test driving region splits through
// cluster.SplitRaw is immediately reflected in how the store buckets
// keys.
func NewPartitionedStoreFromCluster(cluster *Cluster) *PartitionedStore {
	return NewPartitionedStore(func(key []byte) uint64 {
		region, _ := cluster.GetRegionByKey(key)
		return region.Id
	})
}

// SetFaults installs fault-injection hooks applied to every partition.
func (p *PartitionedStore) SetFaults(f FaultInjector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = f
	for _, s := range p.partitions {
		s.faults = f
	}
}

func (p *PartitionedStore) storeFor(key []byte) *Store {
	id := p.partOf(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.partitions[id]
	if !ok {
		s = NewStore()
		s.faults = p.faults
		p.partitions[id] = s
	}
	return s
}

func (p *PartitionedStore) groupByStore(keys [][]byte) map[*Store][][]byte {
	out := make(map[*Store][][]byte)
	for _, k := range keys {
		s := p.storeFor(k)
		out[s] = append(out[s], k)
	}
	return out
}

// Prewrite implements kvadapter.Adapter. Mutations are grouped by the
// partition owning each key at the time of the call and applied
// store-by-store. A split does not produce ErrRegionSplit here; the only
// source of that error is a BeforePrewrite fault hook.
func (p *PartitionedStore) Prewrite(ctx context.Context, req *kvadapter.PrewriteRequest) (*kvadapter.PrewriteResponse, error) {
	byStore := make(map[*Store][]kvadapter.Mutation)
	for _, m := range req.Mutations {
		s := p.storeFor(m.Key)
		byStore[s] = append(byStore[s], m)
	}
	var minCommitTS uint64
	for s, muts := range byStore {
		mc, err := s.prewrite(req.StartTS, req.PrimaryLock, req.LockTTL, req.ForUpdateTS, muts)
		if err != nil {
			return nil, err
		}
		if mc > minCommitTS {
			minCommitTS = mc
		}
	}
	return &kvadapter.PrewriteResponse{MinCommitTS: minCommitTS}, nil
}

func (s *Store) prewrite(startTS uint64, primary []byte, ttl, forUpdateTS uint64, muts []kvadapter.Mutation) (uint64, error) {
	if s.faults.BeforePrewrite != nil {
		if err := s.faults.BeforePrewrite(primary); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range muts {
		ks := s.state(m.Key)
		if ks.lock != nil && ks.lock.startTS != startTS {
			return 0, txncoorderr.NewErrWriteConflict(startTS, ks.lock.startTS, m.Key)
		}
		if newer, has := newestCommitAfter(ks, startTS); has {
			return 0, txncoorderr.NewErrWriteConflict(startTS, newer, m.Key)
		}
		if rec, ok := ks.latestCommitted(startTS); ok {
			if m.Op == kvrpcpb.Op_Insert && !rec.deleted {
				return 0, txncoorderr.NewErrKeyExist(m.Key)
			}
		}
	}
	for _, m := range muts {
		ks := s.state(m.Key)
		ks.lock = &lock{
			startTS: startTS, forUpdateTS: forUpdateTS, primary: primary,
			value: m.Value, op: m.Op, ttl: ttl, pessimistic: m.IsPessimisticLock,
		}
	}
	log.Debug("mock prewrite applied", zap.Uint64("startTS", startTS), zap.Int("keys", len(muts)))
	return startTS + 1, nil
}

// newestCommitAfter reports the commit-ts of the newest version committed
// strictly after startTS, the write-conflict condition of spec §4.2.
func newestCommitAfter(ks *keyState, startTS uint64) (uint64, bool) {
	if len(ks.history) == 0 {
		return 0, false
	}
	newest := ks.history[0]
	if newest.commitTS > startTS {
		return newest.commitTS, true
	}
	return 0, false
}

// Commit implements kvadapter.Adapter. Keys are committed partition by
// partition, in no fixed partition order, and in the given order within a
// partition; the primary key gets no special ordering here, since the
// coordinator commits it in a request of its own before the secondaries.
func (p *PartitionedStore) Commit(ctx context.Context, req *kvadapter.CommitRequest) (*kvadapter.CommitResponse, error) {
	for s, keys := range p.groupByStore(req.Keys) {
		if err := s.commit(req.StartTS, req.CommitTS, keys); err != nil {
			return nil, err
		}
	}
	return &kvadapter.CommitResponse{Committed: true}, nil
}

func (s *Store) commit(startTS, commitTS uint64, keys [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if s.faults.BeforeCommit != nil {
			if err := s.faults.BeforeCommit(key); err != nil {
				return err
			}
		}
		ks := s.state(key)
		if ks.lock == nil || ks.lock.startTS != startTS {
			// Already resolved by a concurrent resolver or prior retry:
			// treat as success per spec §4.2 step (ii).
			continue
		}
		if commitTS <= ks.lock.startTS {
			return txncoorderr.NewErrCommitTsExpired(commitTS, ks.lock.startTS+1)
		}
		ks.history = append([]commitRecord{{
			startTS: startTS, commitTS: commitTS,
			value: ks.lock.value, deleted: ks.lock.op == kvrpcpb.Op_Del,
		}}, ks.history...)
		ks.lock = nil
	}
	return nil
}

// PessimisticLock implements kvadapter.Adapter.
func (p *PartitionedStore) PessimisticLock(ctx context.Context, req *kvadapter.PessimisticLockRequest) error {
	for s, keys := range p.groupByStore(req.Keys) {
		if err := s.pessimisticLock(req.StartTS, req.ForUpdateTS, req.LockTTL, keys); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) pessimisticLock(startTS, forUpdateTS, ttl uint64, keys [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		ks := s.state(key)
		if ks.lock != nil && ks.lock.startTS != startTS {
			return txncoorderr.NewErrLockTimeout(int64(ks.lock.ttl), key)
		}
		if newer, has := newestCommitAfter(ks, forUpdateTS); has {
			return txncoorderr.NewErrWriteConflict(startTS, newer, key)
		}
		ks.lock = &lock{startTS: startTS, forUpdateTS: forUpdateTS, primary: key, ttl: ttl, pessimistic: true}
	}
	return nil
}

// PessimisticRollback implements kvadapter.Adapter.
func (p *PartitionedStore) PessimisticRollback(ctx context.Context, startTS, forUpdateTS uint64, keys [][]byte) error {
	for s, ks := range p.groupByStore(keys) {
		s.mu.Lock()
		for _, key := range ks {
			st := s.state(key)
			if st.lock != nil && st.lock.startTS == startTS && st.lock.pessimistic {
				st.lock = nil
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// Heartbeat implements kvadapter.Adapter, extending the primary lock's TTL
// in place (spec §4.3, "First write").
func (p *PartitionedStore) Heartbeat(ctx context.Context, req *kvadapter.HeartbeatRequest) error {
	s := p.storeFor(req.PrimaryLock)
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := s.state(req.PrimaryLock)
	if ks.lock == nil || ks.lock.startTS != req.StartTS {
		return txncoorderr.NewErrTxnStateError("heartbeat", "lock not found")
	}
	if req.NewTTL > ks.lock.ttl {
		ks.lock.ttl = req.NewTTL
	}
	return nil
}

// BatchRollback implements kvadapter.Adapter: drops this transaction's
// uncommitted locks on keys. No rollback record is written, so a later
// prewrite at the same start-ts is not rejected.
func (p *PartitionedStore) BatchRollback(ctx context.Context, startTS uint64, keys [][]byte) error {
	for s, ks := range p.groupByStore(keys) {
		s.mu.Lock()
		for _, key := range ks {
			st := s.state(key)
			if st.lock != nil && st.lock.startTS == startTS {
				st.lock = nil
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// Get returns the value visible to startTS, used by tests to assert
// post-commit state without going through a SQL layer this repo doesn't
// implement.
func (p *PartitionedStore) Get(key []byte, startTS uint64) ([]byte, bool) {
	s := p.storeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.data[string(key)]
	if !ok {
		return nil, false
	}
	rec, ok := ks.latestCommitted(startTS)
	if !ok || rec.deleted {
		return nil, false
	}
	return rec.value, true
}

// IsLocked reports whether key currently carries an uncommitted lock,
// used by table-lock/pessimistic tests.
func (p *PartitionedStore) IsLocked(key []byte) bool {
	s := p.storeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.data[string(key)]
	return ok && ks.lock != nil
}

var _ kvadapter.Adapter = (*PartitionedStore)(nil)
