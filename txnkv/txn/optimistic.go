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

// Optimistic-specific statement handling (spec §4.2): writes are buffered
// locally and only sent to the store at commit time via the shared
// prewrite/commit machinery in coordinator.go.
package txn

import (
	"context"

	"github.com/txncoord/txncoord/internal/metrics"
	"github.com/txncoord/txncoord/internal/txncoorderr"
	"github.com/txncoord/txncoord/txnkv/cache"
)

// Put buffers a row write. ok returns an error if t is not an optimistic
// transaction.
func (t *Transaction) Put(tableID int64, partitionID uint64, key, value []byte) error {
	if t.Kind != KindOptimistic {
		return txncoorderr.NewErrTxnStateError("put", "transaction is not optimistic")
	}
	t.Buffer().Put(cache.Mutation{Op: cache.OpPut, TableID: tableID, PartitionID: partitionID, Key: key, Value: value})
	return nil
}

// Delete buffers a row delete.
func (t *Transaction) Delete(tableID int64, partitionID uint64, key []byte) error {
	if t.Kind != KindOptimistic {
		return txncoorderr.NewErrTxnStateError("delete", "transaction is not optimistic")
	}
	t.Buffer().Put(cache.Mutation{Op: cache.OpDelete, TableID: tableID, PartitionID: partitionID, Key: key})
	return nil
}

// CheckNotExists buffers an existence assertion, enforced by the store as
// an Insert at prewrite time (spec §4.2 step iii: "If primary op is
// check-not-exists, return success without touching secondaries").
func (t *Transaction) CheckNotExists(tableID int64, partitionID uint64, key []byte) error {
	if t.Kind != KindOptimistic {
		return txncoorderr.NewErrTxnStateError("check-not-exists", "transaction is not optimistic")
	}
	t.Buffer().Put(cache.Mutation{Op: cache.OpCheckNotExists, TableID: tableID, PartitionID: partitionID, Key: key})
	return nil
}

// CommitWithRetry implements the auto-commit write-conflict retry policy
// of spec §4.7/S3: on WriteConflict, if AutoCommit and TxnRetryEnabled,
// the statement is re-planned against a fresh start_ts up to
// TxnRetryCount times. replan is supplied by the caller (the SQL layer)
// since only it knows how to redo the statement's reads/writes against
// the new snapshot; this package only owns the retry bound and the
// start_ts refresh.
func (t *Transaction) CommitWithRetry(ctx context.Context, replan func(ctx context.Context, newStartTS uint64) error) error {
	err := t.Commit(ctx)
	if err == nil {
		return nil
	}
	if t.Kind != KindOptimistic || !t.session.AutoCommit || !t.session.TxnRetryEnabled {
		return err
	}
	if _, ok := txncoorderr.AsWriteConflict(err); !ok {
		return err
	}
	for attempt := 0; attempt < t.session.TxnRetryCount; attempt++ {
		metrics.RetryCounter.WithLabelValues("write_conflict").Inc()
		ts, tsErr := t.oracle.GetTS(ctx)
		if tsErr != nil {
			return tsErr
		}
		t.StartTS = ts
		t.state = Start
		t.Buffer().Drop()
		t.havePrimary = false
		t.registry.Register(t)
		if replan != nil {
			if rErr := replan(ctx, ts); rErr != nil {
				return rErr
			}
		}
		err = t.Commit(ctx)
		if err == nil {
			return nil
		}
		if _, ok := txncoorderr.AsWriteConflict(err); !ok {
			return err
		}
	}
	return err
}
