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

package txn

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/txncoord/txncoord/internal/config"
	"github.com/txncoord/txncoord/internal/locate"
	"github.com/txncoord/txncoord/internal/mockstore/mocktikv"
	"github.com/txncoord/txncoord/internal/oracle"
	"github.com/txncoord/txncoord/internal/txncoorderr"
	"github.com/txncoord/txncoord/txnkv/registry"
	"github.com/txncoord/txncoord/txnkv/tablelock"
)

// newTestEnv wires a fresh in-process store/PD pair into an Env, the
// collaborator bundle every test transaction is Begin'd against (spec §8's
// scenarios never touch a real cluster).
func newTestEnv(t *testing.T) (*Env, *mocktikv.PartitionedStore) {
	t.Helper()
	cluster := mocktikv.NewCluster()
	store := mocktikv.NewPartitionedStoreFromCluster(cluster)
	pdClient := mocktikv.NewPDClient(cluster)
	env := &Env{
		Adapter:  store,
		Oracle:   oracle.FromPD(pdClient),
		Locator:  locate.NewCache(pdClient),
		Execs:    NewExecutors(),
		Registry: registry.New(),
		Locks:    tablelock.NewManager(),
	}
	return env, store
}

func testSession() config.Session {
	s := config.DefaultSession()
	s.LockWaitTimeout = 200 * time.Millisecond
	return s
}

// S1: optimistic happy path (spec §8).
func TestOptimisticCommitHappyPath(t *testing.T) {
	env, store := newTestEnv(t)
	ctx := context.Background()

	tx, err := Begin(ctx, env, 1, 1, KindOptimistic, testSession(), BeginOpts{})
	require.NoError(t, err)

	require.NoError(t, tx.Put(1, 0, []byte("row1"), []byte("value1")))
	require.NoError(t, tx.Commit(ctx))

	require.Equal(t, Close, tx.State())
	require.Equal(t, 0, env.Registry.Len())

	time.Sleep(20 * time.Millisecond) // let async secondary cleanup settle
	val, ok := store.Get([]byte("row1"), tx.CommitTS())
	require.True(t, ok)
	require.Equal(t, []byte("value1"), val)
}

// S1 variant: an empty mutation buffer commits as a no-op and leaves status
// at START (spec §4.1).
func TestEmptyBufferCommitIsNoOpAtStart(t *testing.T) {
	env, _ := newTestEnv(t)
	ctx := context.Background()

	tx, err := Begin(ctx, env, 1, 1, KindOptimistic, testSession(), BeginOpts{})
	require.NoError(t, err)

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, Start, tx.State())
	require.Equal(t, 0, env.Registry.Len())
}

// S2: write-conflict aborts the losing transaction.
func TestOptimisticWriteConflictAborts(t *testing.T) {
	env, _ := newTestEnv(t)
	ctx := context.Background()

	winner, err := Begin(ctx, env, 1, 1, KindOptimistic, testSession(), BeginOpts{})
	require.NoError(t, err)
	loser, err := Begin(ctx, env, 1, 2, KindOptimistic, testSession(), BeginOpts{})
	require.NoError(t, err)

	require.NoError(t, winner.Put(1, 0, []byte("k"), []byte("winner")))
	require.NoError(t, winner.Commit(ctx))

	require.NoError(t, loser.Put(1, 0, []byte("k"), []byte("loser")))
	err = loser.Commit(ctx)
	require.Error(t, err)
	_, ok := txncoorderr.AsWriteConflict(err)
	require.True(t, ok)
}

// S3: auto-commit retry on write conflict (spec §4.7). The replanned write
// must actually land: a regression test for a prior bug where the
// post-prewrite-fail cleanup job dropped the buffer on the cleanup pool
// asynchronously, racing the replan's Put on the caller's goroutine and
// occasionally wiping it before the retried commit ever saw it.
func TestCommitWithRetryRecoversFromWriteConflict(t *testing.T) {
	env, store := newTestEnv(t)
	ctx := context.Background()

	winner, err := Begin(ctx, env, 1, 1, KindOptimistic, testSession(), BeginOpts{})
	require.NoError(t, err)
	loser, err := Begin(ctx, env, 1, 2, KindOptimistic, testSession(), BeginOpts{})
	require.NoError(t, err)

	require.NoError(t, winner.Put(1, 0, []byte("k"), []byte("winner")))
	require.NoError(t, winner.Commit(ctx))

	require.NoError(t, loser.Put(1, 0, []byte("k"), []byte("loser-v1")))

	session := loser.session
	session.AutoCommit = true
	session.TxnRetryEnabled = true
	session.TxnRetryCount = 3
	loser.session = session

	attempts := 0
	err = loser.CommitWithRetry(ctx, func(ctx context.Context, newStartTS uint64) error {
		attempts++
		return loser.Put(1, 0, []byte("k"), []byte("loser-replanned"))
	})
	require.NoError(t, err)
	require.Equal(t, 1, attempts)

	time.Sleep(20 * time.Millisecond) // let async secondary cleanup settle
	val, ok := store.Get([]byte("k"), loser.CommitTS())
	require.True(t, ok)
	require.Equal(t, []byte("loser-replanned"), val)
}

// S4: a region split observed mid-prewrite is retried transparently.
func TestPrewriteRetriesAfterRegionSplit(t *testing.T) {
	env, store := newTestEnv(t)
	ctx := context.Background()

	var faulted int32
	store.SetFaults(mocktikv.FaultInjector{
		BeforePrewrite: func(primary []byte) error {
			if atomic.AddInt32(&faulted, 1) == 1 {
				return txncoorderr.NewErrRegionSplit(primary)
			}
			return nil
		},
	})

	tx, err := Begin(ctx, env, 1, 1, KindOptimistic, testSession(), BeginOpts{})
	require.NoError(t, err)
	require.NoError(t, tx.Put(1, 0, []byte("split-row"), []byte("v")))
	require.NoError(t, tx.Commit(ctx))
	require.True(t, atomic.LoadInt32(&faulted) >= 2)
}

// S5: pessimistic lock timeout when a row is already locked by another
// in-flight transaction.
func TestPessimisticLockTimeoutOnContendedRow(t *testing.T) {
	env, _ := newTestEnv(t)
	ctx := context.Background()

	holder, err := Begin(ctx, env, 1, 1, KindPessimistic, testSession(), BeginOpts{})
	require.NoError(t, err)
	require.NoError(t, holder.LockRows(ctx, 1, [][]byte{[]byte("contended")}))

	waiter, err := Begin(ctx, env, 1, 2, KindPessimistic, testSession(), BeginOpts{})
	require.NoError(t, err)
	err = waiter.LockRows(ctx, 1, [][]byte{[]byte("contended")})
	require.Error(t, err)
	_, ok := txncoorderr.AsLockTimeout(err)
	require.True(t, ok)

	require.NoError(t, holder.Rollback(ctx))
}

// Pessimistic happy path: lock, write, commit, residual-lock cleanup.
func TestPessimisticCommitHappyPath(t *testing.T) {
	env, store := newTestEnv(t)
	ctx := context.Background()

	tx, err := Begin(ctx, env, 1, 1, KindPessimistic, testSession(), BeginOpts{})
	require.NoError(t, err)

	require.NoError(t, tx.LockRows(ctx, 1, [][]byte{[]byte("p-row")}))
	require.True(t, store.IsLocked([]byte("p-row")))
	require.NoError(t, tx.PutLocked(1, 0, []byte("p-row"), []byte("p-value")))

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, Close, tx.State())

	time.Sleep(20 * time.Millisecond)
	val, ok := store.Get([]byte("p-row"), tx.CommitTS())
	require.True(t, ok)
	require.Equal(t, []byte("p-value"), val)
}

// S6: a kill mid-prewrite cancels the transaction instead of committing it.
func TestCancelBeforeCommitRollsBackInsteadOfCommitting(t *testing.T) {
	env, store := newTestEnv(t)
	ctx := context.Background()

	tx, err := Begin(ctx, env, 1, 1, KindOptimistic, testSession(), BeginOpts{})
	require.NoError(t, err)
	require.NoError(t, tx.Put(1, 0, []byte("cancelled-row"), []byte("v")))

	tx.Cancel()
	err = tx.Commit(ctx)
	require.ErrorIs(t, err, txncoorderr.ErrCancelled)
	require.Equal(t, Close, tx.State())
	require.Equal(t, 0, env.Registry.Len())

	_, ok := store.Get([]byte("cancelled-row"), ^uint64(0))
	require.False(t, ok)
}

// Cancellation observed after the primary already committed must not
// un-commit (spec §5).
func TestCancelAfterPrimaryCommitLeavesTxnCommitted(t *testing.T) {
	env, store := newTestEnv(t)
	ctx := context.Background()

	tx, err := Begin(ctx, env, 1, 1, KindOptimistic, testSession(), BeginOpts{})
	require.NoError(t, err)
	require.NoError(t, tx.Put(1, 0, []byte("already-committed"), []byte("v")))

	tx.setState(PreWriteStart)
	require.NoError(t, tx.prewrite(ctx))
	tx.setState(CommitPrimaryKey)
	require.NoError(t, tx.commitPrimaryAndSecondaries(ctx))

	tx.Cancel()
	err = tx.driveCancel(ctx)
	require.NoError(t, err)
	require.Equal(t, Close, tx.State())

	time.Sleep(20 * time.Millisecond)
	_, ok := store.Get([]byte("already-committed"), tx.CommitTS())
	require.True(t, ok)
}

// Kill-connection cancels every transaction the connection owns, and a
// subsequent commit observes the cancellation rather than racing it.
func TestRegistryKillConnectionCancelsOwnedTransaction(t *testing.T) {
	env, _ := newTestEnv(t)
	ctx := context.Background()

	tx, err := Begin(ctx, env, 1, 42, KindOptimistic, testSession(), BeginOpts{})
	require.NoError(t, err)
	require.NoError(t, tx.Put(1, 0, []byte("k"), []byte("v")))

	env.Registry.KillConnection(42)
	require.True(t, tx.Cancelled())

	require.ErrorIs(t, tx.Commit(ctx), txncoorderr.ErrCancelled)
	require.Equal(t, Close, tx.State())
}

// Double-close is idempotent (spec §4.1).
func TestCloseIsIdempotent(t *testing.T) {
	env, _ := newTestEnv(t)
	ctx := context.Background()

	tx, err := Begin(ctx, env, 1, 1, KindOptimistic, testSession(), BeginOpts{})
	require.NoError(t, err)
	require.NoError(t, tx.Close(ctx))
	require.NoError(t, tx.Close(ctx))
	require.NoError(t, tx.Commit(ctx))
}
