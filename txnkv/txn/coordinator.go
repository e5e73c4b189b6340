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
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pingcap/failpoint"
	"go.uber.org/zap"

	"github.com/txncoord/txncoord/internal/config"
	"github.com/txncoord/txncoord/internal/kvadapter"
	"github.com/txncoord/txncoord/internal/locate"
	"github.com/txncoord/txncoord/internal/logutil"
	"github.com/txncoord/txncoord/internal/metrics"
	"github.com/txncoord/txncoord/internal/oracle"
	"github.com/txncoord/txncoord/internal/retry"
	"github.com/txncoord/txncoord/internal/txncoorderr"
	"github.com/txncoord/txncoord/txnkv/cache"
	"github.com/txncoord/txncoord/txnkv/registry"
	"github.com/txncoord/txncoord/txnkv/tablelock"
)

// Transaction is the coordinator-facing transaction handle (spec §3). It
// embeds *TxnCore for the shared fields and dispatches prewrite/commit
// behavior through the free functions in optimistic.go/pessimistic.go
// keyed on Core.Kind, per the tagged-variant design in core.go.
type Transaction struct {
	*TxnCore

	adapter  kvadapter.Adapter
	oracle   oracle.Client
	locator  *locate.Cache
	execs    *Executors
	registry *registry.Registry
	locks    *tablelock.Manager
	session  config.Session

	heldTableLocks []*tablelock.Request
}

// BeginOpts customizes Begin beyond the session defaults.
type BeginOpts struct {
	// PointStartTS overrides the start-ts obtained from the TSO (spec
	// §12.2, Open Question decision: implemented as an optional override,
	// rejected for pessimistic transactions since for_update_ts tracking
	// assumes start_ts came from the same monotonic source the
	// pessimistic lock path calls again for each statement).
	PointStartTS uint64
}

// Env bundles the process/connection-scoped collaborators a transaction
// needs, constructed once and shared by every Begin call (spec §9,
// "Design Notes": avoid process-wide singletons in tests by
// parameterizing).
type Env struct {
	Adapter  kvadapter.Adapter
	Oracle   oracle.Client
	Locator  *locate.Cache
	Execs    *Executors
	Registry *registry.Registry
	Locks    *tablelock.Manager
}

// Begin opens a new transaction, obtaining start_ts from the TSO (or
// PointStartTS, if set and kind is optimistic) and registering it.
func Begin(ctx context.Context, env *Env, serverID, connID uint64, kind Kind, session config.Session, opts BeginOpts) (*Transaction, error) {
	if opts.PointStartTS != 0 && kind == KindPessimistic {
		return nil, txncoorderr.NewErrTxnStateError("begin", "pointStartTs is not supported for pessimistic transactions")
	}
	startTS := opts.PointStartTS
	if startTS == 0 {
		ts, err := env.Oracle.GetTS(ctx)
		if err != nil {
			return nil, err
		}
		startTS = ts
	}
	core := NewCore(serverID, startTS, 0, connID, kind, session.Isolation, session.AutoCommit)
	t := &Transaction{
		TxnCore: core, adapter: env.Adapter, oracle: env.Oracle,
		locator: env.Locator, execs: env.Execs, registry: env.Registry, locks: env.Locks,
		session: session,
	}
	env.Registry.Register(t)
	return t, nil
}

// setPrimaryIfUnset records m's key as the transaction's primary if none
// is set yet (spec §4.2 step i: "Select primary = first buffered
// mutation").
func (t *Transaction) setPrimaryIfUnset(m cache.Mutation) {
	if t.havePrimary {
		return
	}
	t.primaryKey = m.Key
	t.primaryTable = m.TableID
	t.havePrimary = true
}

// Commit drives the transaction from START through PRE_WRITE* to COMMIT
// (spec §4.1, §4.2, §4.3), returning once the primary key is durably
// committed; secondary commit continues asynchronously.
func (t *Transaction) Commit(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "txn.Commit")
	defer span.Finish()
	start := time.Now()
	defer func() { metrics.CommitDuration.Observe(time.Since(start).Seconds()) }()

	if t.state == Close {
		return nil // idempotent per spec §4.1
	}
	if !t.Buffer().HasAny() {
		// Spec §4.1: "Entering PRE_WRITE_* with an empty mutation buffer
		// is a no-op commit (status stays START)". Resources are still
		// released, but the state field is left at START rather than
		// driven through Close's normal transition.
		if t.Kind == KindPessimistic {
			t.residualRollback(ctx)
		}
		t.releaseResources()
		return nil
	}
	if t.Cancelled() {
		return t.driveCancel(ctx)
	}

	t.setState(PreWriteStart)
	if err := t.prewrite(ctx); err != nil {
		t.setState(PreWriteFail)
		t.rollbackAfterPrewriteFail(ctx)
		t.state = Close
		t.releaseResources()
		return err
	}

	if t.Cancelled() {
		return t.driveCancel(ctx)
	}

	t.setState(CommitPrimaryKey)
	if err := t.commitPrimaryAndSecondaries(ctx); err != nil {
		t.setState(CommitFail)
		t.rollbackAfterPrewriteFail(ctx)
		t.state = Close
		t.releaseResources()
		return err
	}
	t.setState(Commit)
	return t.Close(ctx)
}

// prewrite runs the shared prewrite sequence (spec §4.2 steps i-iv),
// applicable to both kinds: pessimistic mutations simply already carry a
// ForUpdateTS per row from their lock acquisition.
func (t *Transaction) prewrite(ctx context.Context) error {
	primary, ok := t.Buffer().First()
	if !ok {
		return nil
	}
	t.setPrimaryIfUnset(primary)
	t.setState(PreWritePrimaryKey)

	bo := retry.New(ctx, t.session.LockWaitTimeout)
	primaryReq := &kvadapter.PrewriteRequest{
		StartTS: t.StartTS, PrimaryLock: primary.Key,
		Mutations:   []kvadapter.Mutation{toKVMutation(primary)},
		LockTTL:     uint64(config.DefaultLockTTL.Milliseconds()),
		ForUpdateTS: primary.ForUpdateTS,
	}
	err := retryLoop(ctx, bo, t.locator, primary.Key, t.refreshMinCommitTS(primaryReq),
		func(ctx context.Context) error {
			resp, err := t.adapter.Prewrite(ctx, primaryReq)
			if err != nil {
				return err
			}
			if resp.MinCommitTS > primaryReq.MinCommitTS {
				primaryReq.MinCommitTS = resp.MinCommitTS
			}
			return nil
		})
	if err != nil {
		return err
	}

	if primary.Op == cache.OpCheckNotExists {
		// Step (iii): primary is a pure existence check, nothing else to
		// prewrite.
		return nil
	}

	t.setState(PreWrite)
	secondaries := t.Buffer().Secondaries(primary)
	byKey := make(map[string]cache.Mutation, len(secondaries))
	keys := make([][]byte, 0, len(secondaries))
	for _, m := range secondaries {
		byKey[string(m.Key)] = m
		keys = append(keys, m.Key)
	}
	grouped, err := t.locator.GroupByPartition(ctx, keys)
	if err != nil {
		return err
	}
	metrics.TxnRegionsNumHistogramPrewrite.Observe(float64(len(grouped) + 1))
	failpoint.Inject("beforeSecondaryPrewrite", func() {})
	for _, partID := range locate.SortedPartitionIDs(grouped) {
		muts := make([]cache.Mutation, len(grouped[partID]))
		for i, k := range grouped[partID] {
			muts[i] = byKey[string(k)]
		}
		req := &kvadapter.PrewriteRequest{
			StartTS: t.StartTS, PrimaryLock: primary.Key,
			Mutations:   toKVMutations(muts),
			LockTTL:     uint64(config.DefaultLockTTL.Milliseconds()),
			ForUpdateTS: t.ForUpdateTS(),
		}
		err := retryLoop(ctx, bo, t.locator, muts[0].Key, t.refreshMinCommitTS(req),
			func(ctx context.Context) error {
				_, err := t.adapter.Prewrite(ctx, req)
				return err
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// refreshMinCommitTS sets req's MinCommitTS to a fresh TSO value on a
// CommitTsExpired verdict during prewrite (spec §4.2 step ii); the
// transaction's own commit_ts is not touched here.
func (t *Transaction) refreshMinCommitTS(req *kvadapter.PrewriteRequest) func(context.Context) error {
	return func(ctx context.Context) error {
		ts, err := t.oracle.GetTS(ctx)
		if err != nil {
			return err
		}
		req.MinCommitTS = ts
		return nil
	}
}

// commitPrimaryAndSecondaries implements spec §4.2 steps (i)-(v).
func (t *Transaction) commitPrimaryAndSecondaries(ctx context.Context) error {
	commitTS, err := t.oracle.GetTS(ctx)
	if err != nil {
		return err
	}
	t.commitTS = commitTS

	primary, ok := t.Buffer().First()
	if !ok {
		return nil
	}

	bo := retry.New(ctx, t.session.LockWaitTimeout)
	commitReq := &kvadapter.CommitRequest{StartTS: t.StartTS, CommitTS: t.commitTS, Keys: [][]byte{primary.Key}}
	err = retryLoop(ctx, bo, t.locator, primary.Key, func(ctx context.Context) error {
		ts, err := t.oracle.GetTS(ctx)
		if err != nil {
			return err
		}
		t.commitTS = ts
		commitReq.CommitTS = ts
		return nil
	}, func(ctx context.Context) error {
		resp, err := t.adapter.Commit(ctx, commitReq)
		if err != nil {
			return err
		}
		if !resp.Committed {
			return txncoorderr.NewErrStoreUnavailable(nil)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Step (iv): secondary commit dispatched asynchronously; the caller
	// may return success once this point is reached.
	secondaries := t.Buffer().Secondaries(primary)
	secondaryKeys := make([][]byte, 0, len(secondaries))
	for _, m := range secondaries {
		secondaryKeys = append(secondaryKeys, m.Key)
	}
	if grouped, gerr := t.locator.GroupByPartition(ctx, secondaryKeys); gerr == nil {
		metrics.TxnRegionsNumHistogramCommit.Observe(float64(len(grouped) + 1))
	}
	commitCtx := context.Background()
	task := t.execs.dispatchCommit(commitCtx, func() {
		if len(secondaryKeys) == 0 {
			return
		}
		cbo := retry.New(commitCtx, 0)
		serr := retryLoop(commitCtx, cbo, t.locator, secondaryKeys[0], nil, func(ctx context.Context) error {
			_, err := t.adapter.Commit(ctx, &kvadapter.CommitRequest{
				StartTS: t.StartTS, CommitTS: t.commitTS, Keys: secondaryKeys,
			})
			return err
		})
		if serr != nil {
			logutil.BgLogger().Warn("secondary commit failed, store resolver will recover via primary",
				zap.Uint64("startTS", t.StartTS), zap.Error(serr))
		}
	})

	// Step (v): schedule cleanup after secondary commit completes.
	t.execs.dispatchCleanup(commitCtx, func() {
		task.wait()
		t.Buffer().Drop()
	})
	return nil
}

// rollbackAfterPrewriteFail implements spec §7 "Local recovery" exit:
// roll back whatever was prewritten and, for pessimistic transactions,
// every acquired residual lock. The buffer is dropped inline rather than
// on the cleanup pool: unlike the post-commit cleanup job, nothing here
// waits on an async secondary-commit task, and a caller retrying this same
// transaction (CommitWithRetry's replan) re-Puts into the buffer as soon as
// this call returns — a queued async Drop landing after that Put would
// silently wipe the replanned mutation (the buffer is single-owner, not
// safe for that kind of cross-goroutine race; spec §4.4).
func (t *Transaction) rollbackAfterPrewriteFail(ctx context.Context) {
	t.setState(Rollback)
	keys := make([][]byte, 0, t.Buffer().Len())
	for _, m := range t.Buffer().All() {
		keys = append(keys, m.Key)
	}
	if len(keys) > 0 {
		if err := t.adapter.BatchRollback(ctx, t.StartTS, keys); err != nil {
			logutil.Logger(ctx).Warn("batch rollback failed", zap.Error(err))
		}
	}
	if t.Kind == KindPessimistic {
		t.residualRollback(ctx)
	}
	t.Buffer().Drop()
}

// Rollback aborts the transaction outright, without attempting commit
// (caller-initiated rollback, as opposed to the retry engine's internal
// rollback after a failed prewrite/commit).
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.state == Close {
		return nil
	}
	keys := make([][]byte, 0, t.Buffer().Len())
	for _, m := range t.Buffer().All() {
		keys = append(keys, m.Key)
	}
	if t.state != Start && len(keys) > 0 {
		if err := t.adapter.BatchRollback(ctx, t.StartTS, keys); err != nil {
			logutil.Logger(ctx).Warn("rollback failed", zap.Error(err))
		}
	}
	if t.Kind == KindPessimistic {
		t.residualRollback(ctx)
	}
	if t.state == Start || t.state == PreWriteStart || t.state == PreWritePrimaryKey || t.state == PreWrite || t.state == Cancel {
		t.setState(Rollback)
	}
	return t.Close(ctx)
}

// driveCancel implements spec §4.1 "From any state except CLOSE: cancel
// -> CANCEL -> ROLLBACK -> CLOSE" and §5's guarantee that cancellation
// after COMMIT_PRIMARY_KEY does not un-commit. When the transaction is
// rolled back it returns txncoorderr.ErrCancelled; when the primary was
// already committed it returns nil.
func (t *Transaction) driveCancel(ctx context.Context) error {
	if t.state == CommitPrimaryKey || t.state == Commit {
		// Spec §5: "Cancellation after COMMIT_PRIMARY_KEY does NOT
		// un-commit; it only aborts secondary work."
		logutil.Logger(ctx).Warn("cancel observed after primary commit, leaving txn committed",
			zap.Uint64("startTS", t.StartTS))
		t.setState(Commit)
		return t.Close(ctx)
	}
	t.setState(Cancel)
	if err := t.Rollback(ctx); err != nil {
		return err
	}
	return txncoorderr.ErrCancelled
}

// Close releases every resource the transaction holds (table locks,
// heartbeat, registry entry) and is always safe to call more than once
// (spec §4.1: "commit() and rollback() are idempotent after CLOSE"). Close
// is the universal escape hatch: it may be entered from any state, unlike
// the other transitions in state.go.
func (t *Transaction) Close(ctx context.Context) error {
	if t.state == Close {
		return nil
	}
	t.state = Close
	t.releaseResources()
	return nil
}

// releaseResources drops table locks, stops the heartbeat and unregisters
// the transaction, without touching the state field. Used both by Close
// and by the empty-buffer no-op commit path, which must release resources
// while leaving status at START (spec §4.1).
func (t *Transaction) releaseResources() {
	for _, req := range t.heldTableLocks {
		req.Release()
	}
	t.heldTableLocks = nil
	if t.Kind == KindPessimistic && t.pess != nil {
		stopHeartbeat(t.pess)
	}
	t.registry.Unregister(t)
}

// AcquireTableLock enqueues and awaits a table-level DDL lock, releasing
// automatically when the transaction closes (spec §4.5).
func (t *Transaction) AcquireTableLock(ctx context.Context, tableID int64) error {
	return t.acquireLock(ctx, tableID, tablelock.Table)
}

// AcquireRowLock enqueues and awaits a row-level DML lock on tableID,
// used to serialize against a pending table lock (spec §4.5).
func (t *Transaction) AcquireRowLock(ctx context.Context, tableID int64) error {
	return t.acquireLock(ctx, tableID, tablelock.Row)
}

// acquireLock enqueues a wait on the table-lock manager and interrupts it
// early if the transaction is cancelled mid-wait (a kill-query/
// kill-connection observed while parked in req.Wait otherwise has no way
// to unblock it before lock_wait_timeout elapses; spec §4.6 "wakes
// waiters"). The forwarding goroutine's lifetime is bounded by stop, closed
// on every return path.
func (t *Transaction) acquireLock(ctx context.Context, tableID int64, kind tablelock.Kind) error {
	req := t.locks.Lock(tableID, kind, t.TxnID())
	waitCtx, cancel := tablelock.LockWaitTimeout(ctx, t.session.LockWaitTimeout)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-t.cancelCtx.Done():
			cancel()
		case <-stop:
		}
	}()

	if err := req.Wait(waitCtx); err != nil {
		req.Release()
		return err
	}
	t.heldTableLocks = append(t.heldTableLocks, req)
	return nil
}

func toKVMutation(m cache.Mutation) kvadapter.Mutation {
	return kvadapter.Mutation{
		Op: m.Op.KVOp(), Key: m.Key, Value: m.Value,
		IsPessimisticLock: m.ForUpdateTS > 0, ForUpdateTS: m.ForUpdateTS,
	}
}

func toKVMutations(ms []cache.Mutation) []kvadapter.Mutation {
	out := make([]kvadapter.Mutation, len(ms))
	for i, m := range ms {
		out[i] = toKVMutation(m)
	}
	return out
}
