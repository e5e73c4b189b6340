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

// Pessimistic-specific statement handling (spec §4.3): the first write
// acquires a primary-key lock and starts a heartbeat; every subsequent
// statement bumps for_update_ts and locks its rows before buffering them.
package txn

import (
	"context"

	"go.uber.org/zap"

	"github.com/txncoord/txncoord/internal/config"
	"github.com/txncoord/txncoord/internal/kvadapter"
	"github.com/txncoord/txncoord/internal/logutil"
	"github.com/txncoord/txncoord/internal/txncoorderr"
	"github.com/txncoord/txncoord/txnkv/cache"
)

// LockRows acquires pessimistic row locks on keys ahead of writing them
// (spec §4.3, "First write"/"Subsequent writes"). It advances
// for_update_ts to a fresh TSO value, issues the lock RPC, and records
// every successfully locked key for later residual-lock rollback.
func (t *Transaction) LockRows(ctx context.Context, tableID int64, keys [][]byte) error {
	if t.Kind != KindPessimistic {
		return txncoorderr.NewErrTxnStateError("lock-rows", "transaction is not pessimistic")
	}
	ts, err := t.oracle.GetTS(ctx)
	if err != nil {
		return err
	}
	t.forUpdateTS = ts

	first := !t.havePrimary && len(keys) > 0

	err = t.adapter.PessimisticLock(ctx, &kvadapter.PessimisticLockRequest{
		StartTS: t.StartTS, ForUpdateTS: t.forUpdateTS, Keys: keys,
		LockTTL: uint64(config.DefaultLockTTL.Milliseconds()),
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		t.pess.addAcquired(k)
	}
	if first {
		t.primaryKey = keys[0]
		t.primaryTable = tableID
		t.havePrimary = true
		startHeartbeatFor(t.pess, t.adapter, t.StartTS, t.primaryKey, uint64(config.DefaultLockTTL.Milliseconds()))
	}
	return nil
}

// PutLocked buffers a row write that must already have been locked via
// LockRows, carrying the statement's for_update_ts (spec §4.3, "Commit":
// "prewrite carries for_update_ts per row").
func (t *Transaction) PutLocked(tableID int64, partitionID uint64, key, value []byte) error {
	if t.Kind != KindPessimistic {
		return txncoorderr.NewErrTxnStateError("put", "transaction is not pessimistic")
	}
	t.Buffer().Put(cache.Mutation{
		Op: cache.OpPut, TableID: tableID, PartitionID: partitionID,
		Key: key, Value: value, ForUpdateTS: t.forUpdateTS,
	})
	t.pess.removeAcquired(key) // now covered by a prewritten mutation
	return nil
}

// DeleteLocked buffers a row delete under an already-acquired lock.
func (t *Transaction) DeleteLocked(tableID int64, partitionID uint64, key []byte) error {
	if t.Kind != KindPessimistic {
		return txncoorderr.NewErrTxnStateError("delete", "transaction is not pessimistic")
	}
	t.Buffer().Put(cache.Mutation{
		Op: cache.OpDelete, TableID: tableID, PartitionID: partitionID,
		Key: key, ForUpdateTS: t.forUpdateTS,
	})
	t.pess.removeAcquired(key)
	return nil
}

// residualRollback sends pessimistic-rollback for every acquired lock not
// covered by a buffered mutation (spec §4.3, "Residual-lock rollback").
// Best-effort: errors are logged, never raised (spec §4.3, "Rollback").
func (t *Transaction) residualRollback(ctx context.Context) {
	if t.pess == nil {
		return
	}
	committed := make(map[string]bool)
	for _, m := range t.Buffer().All() {
		committed[string(m.Key)] = true
	}
	residual := t.pess.residual(committed)
	if len(residual) == 0 {
		return
	}
	if err := t.adapter.PessimisticRollback(ctx, t.StartTS, t.ForUpdateTS(), residual); err != nil {
		logutil.Logger(ctx).Warn("residual pessimistic rollback failed",
			zap.Uint64("startTS", t.StartTS), zap.Error(err))
		return
	}
	for _, k := range residual {
		t.pess.removeAcquired(k)
	}
}
