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

// Package kvadapter defines the typed RPC contract to the KV store (spec
// §6): prewrite, commit, pessimistic-lock, heartbeat, rollback, surfaced
// as typed errors rather than the wire-level kvrpcpb.KeyError union the
// teacher's txnkv/transaction/prewrite.go decodes inline
// (prewriteResp.GetErrors(), txnlock.ExtractLockFromKeyErr). The store's
// own MVCC/region implementation is a non-goal (spec §1); this package
// only describes what the coordinator may ask of it.
package kvadapter

import (
	"context"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

// Mutation is the wire-shaped write the adapter sends to the store,
// mirroring kvrpcpb.Mutation (as built in the teacher's
// buildPrewriteRequest) plus the for-update-ts a pessimistic prewrite
// must carry per key (spec §4.3, "Commit").
type Mutation struct {
	Op                kvrpcpb.Op
	Key               []byte
	Value             []byte
	IsPessimisticLock bool
	ForUpdateTS       uint64
}

// PrewriteRequest is the phase-1 2PC RPC (spec §6).
type PrewriteRequest struct {
	StartTS     uint64
	PrimaryLock []byte
	Mutations   []Mutation
	LockTTL     uint64
	ForUpdateTS uint64 // non-zero for pessimistic prewrite
	MinCommitTS uint64
}

// PrewriteResponse is returned only for a successful prewrite and carries
// its min-commit-ts. A key-level conflict is returned as the call's error
// instead, mirroring kvrpcpb.PrewriteResponse.Errors but pre-decoded into
// the typed errors from internal/txncoorderr.
type PrewriteResponse struct {
	MinCommitTS uint64
}

// CommitRequest is the phase-2 2PC RPC (spec §6).
type CommitRequest struct {
	StartTS  uint64
	CommitTS uint64
	Keys     [][]byte
}

// CommitResponse reports whether the commit applied. A store reporting
// the primary key already resolved (e.g. by a concurrent resolver) is
// surfaced by the adapter as Committed=true per spec §4.2 step (ii):
// "If the store reports the key missing (already resolved), treat as
// success."
type CommitResponse struct {
	Committed bool
}

// PessimisticLockRequest acquires row locks ahead of a statement's writes
// (spec §4.3).
type PessimisticLockRequest struct {
	StartTS     uint64
	ForUpdateTS uint64
	Keys        [][]byte
	LockTTL     uint64
}

// HeartbeatRequest extends a primary lock's TTL (spec §4.3, "First
// write").
type HeartbeatRequest struct {
	StartTS     uint64
	PrimaryLock []byte
	NewTTL      uint64
}

// Adapter is the KV store RPC surface the coordinator is built against
// (spec §6, "KV store RPCs"). Implementations: kvclient.Adapter (real
// gRPC transport, internal/kvclient) and mocktikv.Store (in-process test
// double, internal/mockstore/mocktikv).
type Adapter interface {
	// Prewrite implements txn_prewrite. Errors are one of
	// *txncoorderr.ErrWriteConflict, *txncoorderr.ErrKeyExist,
	// *txncoorderr.ErrRegionSplit, *txncoorderr.ErrCommitTsExpired, or a
	// non-retriable error.
	Prewrite(ctx context.Context, req *PrewriteRequest) (*PrewriteResponse, error)

	// Commit implements txn_commit. Errors are
	// *txncoorderr.ErrRegionSplit or *txncoorderr.ErrCommitTsExpired for
	// local recovery; any other error is non-retriable.
	Commit(ctx context.Context, req *CommitRequest) (*CommitResponse, error)

	// PessimisticLock implements txn_pessimistic_lock. Errors are
	// *txncoorderr.ErrLockTimeout, *txncoorderr.ErrWriteConflict, or
	// *txncoorderr.ErrRegionSplit.
	PessimisticLock(ctx context.Context, req *PessimisticLockRequest) error

	// PessimisticRollback implements txn_pessimistic_rollback, used for
	// residual-lock cleanup (spec §4.3) and best-effort rollback.
	PessimisticRollback(ctx context.Context, startTS, forUpdateTS uint64, keys [][]byte) error

	// Heartbeat implements txn_heartbeat.
	Heartbeat(ctx context.Context, req *HeartbeatRequest) error

	// BatchRollback implements txn_batch_rollback, used to roll back
	// prewritten-but-uncommitted keys (spec §4.1, PRE_WRITE_FAIL path).
	BatchRollback(ctx context.Context, startTS uint64, keys [][]byte) error
}
