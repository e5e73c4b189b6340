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

// Package cache is the per-transaction mutation buffer (spec §4.4): an
// ordered multimap keyed by (table-id, key-bytes) with op-merge rules, not
// held under any lock of its own — like the teacher's committer.mutations,
// it belongs to exactly one transaction and is touched only from that
// transaction's owning goroutine.
package cache

import (
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

// Op is the mutation kind, a reduced surface of kvrpcpb.Op plus the two
// synthetic ops spec §3 names that have no direct KV-wire equivalent
// (CheckNotExists, PutIfAbsent).
type Op int

const (
	OpPut Op = iota
	OpDelete
	OpCheckNotExists
	OpPutIfAbsent
	OpLock
)

// KVOp maps a buffer Op to the kvrpcpb.Op the adapter sends over the wire.
// CheckNotExists/PutIfAbsent both prewrite as an Insert so the store
// enforces the not-exists check (mvcc_leveldb.go's checkConflictValue).
func (o Op) KVOp() kvrpcpb.Op {
	switch o {
	case OpDelete:
		return kvrpcpb.Op_Del
	case OpCheckNotExists, OpPutIfAbsent:
		return kvrpcpb.Op_Insert
	case OpLock:
		return kvrpcpb.Op_Lock
	default:
		return kvrpcpb.Op_Put
	}
}

// Mutation is one buffered row write (spec §3, "Mutation").
type Mutation struct {
	Op          Op
	TableID     int64
	PartitionID uint64
	Key         []byte
	Value       []byte
	ForUpdateTS uint64
}

type mutKey struct {
	tableID int64
	key     string
}

// Buffer is the ordered, deduplicated mutation multimap of spec §4.4.
// Iteration order within a partition is the insertion order of each key's
// first write, so that primary-key selection (the first buffered
// mutation, spec §4.2 step i) is deterministic across retries of the same
// statement sequence.
type Buffer struct {
	order []mutKey
	byKey map[mutKey]*Mutation
}

// New creates an empty mutation buffer.
func New() *Buffer {
	return &Buffer{byKey: make(map[mutKey]*Mutation)}
}

// Put inserts or merges mutation m, applying the op-merge rules of spec
// §3: delete∘put=delete, put∘delete=put, check-not-exists∘put=put-if-absent.
func (b *Buffer) Put(m Mutation) {
	k := mutKey{tableID: m.TableID, key: string(m.Key)}
	existing, ok := b.byKey[k]
	if !ok {
		mc := m
		b.byKey[k] = &mc
		b.order = append(b.order, k)
		return
	}
	existing.Op = mergeOp(existing.Op, m.Op)
	existing.Value = m.Value
	existing.PartitionID = m.PartitionID
	if m.ForUpdateTS > existing.ForUpdateTS {
		existing.ForUpdateTS = m.ForUpdateTS
	}
}

// mergeOp applies spec §3's op-merge table; any combination it does not
// name keeps the newer op, matching "later writes supersede earlier".
func mergeOp(prev, next Op) Op {
	switch {
	case prev == OpDelete && next == OpPut:
		return OpDelete
	case prev == OpPut && next == OpDelete:
		return OpPut
	case prev == OpCheckNotExists && next == OpPut:
		return OpPutIfAbsent
	default:
		return next
	}
}

// First returns the earliest-inserted mutation, the primary-key candidate
// of spec §4.2 step (i). Ok is false for an empty buffer.
func (b *Buffer) First() (Mutation, bool) {
	if len(b.order) == 0 {
		return Mutation{}, false
	}
	return *b.byKey[b.order[0]], true
}

// HasAny reports whether the buffer holds at least one mutation, backing
// the state machine's empty-commit short-circuit (spec §4.1).
func (b *Buffer) HasAny() bool {
	return len(b.order) > 0
}

// Len reports the number of distinct buffered keys.
func (b *Buffer) Len() int {
	return len(b.order)
}

// All returns every buffered mutation in insertion order. Used by the
// partition grouping step (spec §4.2 step iv: "Build a prewrite job for
// all remaining mutations grouped by partition").
func (b *Buffer) All() []Mutation {
	out := make([]Mutation, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, *b.byKey[k])
	}
	return out
}

// Secondaries returns every mutation except the one matching primary's
// key, preserving insertion order.
func (b *Buffer) Secondaries(primary Mutation) []Mutation {
	out := make([]Mutation, 0, len(b.order))
	for _, k := range b.order {
		m := b.byKey[k]
		if m.TableID == primary.TableID && string(m.Key) == string(primary.Key) {
			continue
		}
		out = append(out, *m)
	}
	return out
}

// Drop empties the buffer (spec §4.4, "drop()"). Invoked by the cleanup
// job after a successful commit, inline after a failed prewrite or
// commit, and before each CommitWithRetry replan.
func (b *Buffer) Drop() {
	b.order = nil
	b.byKey = make(map[mutKey]*Mutation)
}
