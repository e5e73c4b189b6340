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

// Package kvclient is the production internal/kvadapter.Adapter: it
// speaks the kvrpcpb/tikvpb wire protocol over gRPC to the store. It is a
// heavily reduced adaptation of the teacher's internal/client/client.go —
// the batch-command pipeline, streaming coprocessor lease tracking and
// TiFlash/MPP plumbing there belong to the read path (out of scope, spec
// §1); what survives is the connection-pool shape (connArray, dial
// options, keepalive) wired to the six RPCs this coordinator actually
// issues, resolved to a store address per call via internal/locate (the
// same resolve-then-send split as the teacher's
// RegionRequestSender.SendReq over a RegionCache).
package kvclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/kvproto/pkg/tikvpb"
	"github.com/pkg/errors"
	pd "github.com/tikv/pd/client"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/txncoord/txncoord/internal/kvadapter"
	"github.com/txncoord/txncoord/internal/locate"
	"github.com/txncoord/txncoord/internal/logutil"
	"github.com/txncoord/txncoord/internal/txncoorderr"
)

// Timeout durations, mirroring the teacher's internal/client/client.go.
const (
	dialTimeout      = 5 * time.Second
	ReadTimeoutShort = 30 * time.Second
)

// connArray round-robins a handful of gRPC connections to one store
// address, exactly as the teacher's connArray does, minus the batch
// command pipeline (no read path to batch here).
type connArray struct {
	target string
	index  uint32
	conns  []*grpc.ClientConn
}

func newConnArray(size int, addr string) (*connArray, error) {
	a := &connArray{target: addr, conns: make([]*grpc.ClientConn, size)}
	dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	for i := range a.conns {
		conn, err := grpc.DialContext(dialCtx, addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                time.Minute,
				Timeout:             3 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		if err != nil {
			a.Close()
			return nil, errors.WithStack(err)
		}
		a.conns[i] = conn
	}
	return a, nil
}

func (a *connArray) get() *grpc.ClientConn {
	next := atomic.AddUint32(&a.index, 1) % uint32(len(a.conns))
	return a.conns[next]
}

func (a *connArray) Close() {
	for _, c := range a.conns {
		if c != nil {
			if err := c.Close(); err != nil {
				logutil.BgLogger().Warn("failed to close kv connection", zap.Error(err))
			}
		}
	}
}

// Adapter implements kvadapter.Adapter over gRPC, pooling one connArray
// per store address and resolving each request's store via a shared
// locate.Cache + pd.Client (dialTimeout kept distinct from ReadTimeoutShort
// so a slow dial never masks itself as a slow RPC in logs).
type Adapter struct {
	pdClient pd.Client
	locator  *locate.Cache

	mu    sync.RWMutex
	conns map[string]*connArray
}

// NewAdapter creates a gRPC-backed kvadapter.Adapter resolving partitions
// through locator and store addresses through pdClient.
func NewAdapter(pdClient pd.Client, locator *locate.Cache) *Adapter {
	return &Adapter{pdClient: pdClient, locator: locator, conns: make(map[string]*connArray)}
}

func (a *Adapter) storeAddrForKey(ctx context.Context, key []byte) (string, error) {
	p, err := a.locator.Locate(ctx, key)
	if err != nil {
		return "", err
	}
	region, err := a.pdClient.GetRegionByID(ctx, p.ID)
	if err != nil || region == nil || region.Leader == nil {
		return "", txncoorderr.NewErrRegionSplit(key)
	}
	store, err := a.pdClient.GetStore(ctx, region.Leader.StoreId)
	if err != nil || store == nil {
		return "", txncoorderr.NewErrStoreUnavailable(err)
	}
	return store.Address, nil
}

func (a *Adapter) client(ctx context.Context, key []byte) (tikvpb.TikvClient, error) {
	addr, err := a.storeAddrForKey(ctx, key)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	ca, ok := a.conns[addr]
	a.mu.RUnlock()
	if !ok {
		a.mu.Lock()
		defer a.mu.Unlock()
		ca, ok = a.conns[addr]
		if !ok {
			ca, err = newConnArray(4, addr)
			if err != nil {
				return nil, err
			}
			a.conns[addr] = ca
		}
	}
	return tikvpb.NewTikvClient(ca.get()), nil
}

// Close releases every pooled connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ca := range a.conns {
		ca.Close()
	}
	a.conns = make(map[string]*connArray)
	return nil
}

func classifyKeyErr(e *kvrpcpb.KeyError) error {
	if e == nil {
		return nil
	}
	if c := e.GetConflict(); c != nil {
		return txncoorderr.NewErrWriteConflict(c.StartTs, c.ConflictTs, c.Key)
	}
	if ae := e.GetAlreadyExist(); ae != nil {
		return txncoorderr.NewErrKeyExist(ae.Key)
	}
	if locked := e.GetLocked(); locked != nil {
		return txncoorderr.NewErrLockTimeout(int64(locked.LockTtl), locked.Key)
	}
	return errors.New(e.String())
}

// Prewrite implements kvadapter.Adapter.
func (a *Adapter) Prewrite(ctx context.Context, req *kvadapter.PrewriteRequest) (*kvadapter.PrewriteResponse, error) {
	cli, err := a.client(ctx, req.PrimaryLock)
	if err != nil {
		return nil, err
	}
	mutations := make([]*kvrpcpb.Mutation, len(req.Mutations))
	isPessimistic := make([]bool, len(req.Mutations))
	for i, m := range req.Mutations {
		mutations[i] = &kvrpcpb.Mutation{Op: m.Op, Key: m.Key, Value: m.Value}
		isPessimistic[i] = m.IsPessimisticLock
	}
	resp, err := cli.KvPrewrite(ctx, &kvrpcpb.PrewriteRequest{
		Mutations:         mutations,
		PrimaryLock:       req.PrimaryLock,
		StartVersion:      req.StartTS,
		LockTtl:           req.LockTTL,
		IsPessimisticLock: isPessimistic,
		ForUpdateTs:       req.ForUpdateTS,
		MinCommitTs:       req.MinCommitTS,
	}, grpc.WaitForReady(true))
	if err != nil {
		return nil, txncoorderr.NewErrStoreUnavailable(err)
	}
	if len(resp.GetErrors()) > 0 {
		return nil, classifyKeyErr(resp.GetErrors()[0])
	}
	return &kvadapter.PrewriteResponse{MinCommitTS: resp.GetMinCommitTs()}, nil
}

// Commit implements kvadapter.Adapter.
func (a *Adapter) Commit(ctx context.Context, req *kvadapter.CommitRequest) (*kvadapter.CommitResponse, error) {
	if len(req.Keys) == 0 {
		return &kvadapter.CommitResponse{Committed: true}, nil
	}
	cli, err := a.client(ctx, req.Keys[0])
	if err != nil {
		return nil, err
	}
	resp, err := cli.KvCommit(ctx, &kvrpcpb.CommitRequest{
		StartVersion:  req.StartTS,
		Keys:          req.Keys,
		CommitVersion: req.CommitTS,
	}, grpc.WaitForReady(true))
	if err != nil {
		return nil, txncoorderr.NewErrStoreUnavailable(err)
	}
	if ke := resp.GetError(); ke != nil {
		return nil, classifyKeyErr(ke)
	}
	return &kvadapter.CommitResponse{Committed: true}, nil
}

// PessimisticLock implements kvadapter.Adapter.
func (a *Adapter) PessimisticLock(ctx context.Context, req *kvadapter.PessimisticLockRequest) error {
	if len(req.Keys) == 0 {
		return nil
	}
	cli, err := a.client(ctx, req.Keys[0])
	if err != nil {
		return err
	}
	mutations := make([]*kvrpcpb.Mutation, len(req.Keys))
	for i, k := range req.Keys {
		mutations[i] = &kvrpcpb.Mutation{Op: kvrpcpb.Op_PessimisticLock, Key: k}
	}
	resp, err := cli.KvPessimisticLock(ctx, &kvrpcpb.PessimisticLockRequest{
		Mutations:    mutations,
		StartVersion: req.StartTS,
		ForUpdateTs:  req.ForUpdateTS,
		LockTtl:      req.LockTTL,
	}, grpc.WaitForReady(true))
	if err != nil {
		return txncoorderr.NewErrStoreUnavailable(err)
	}
	if len(resp.GetErrors()) > 0 {
		return classifyKeyErr(resp.GetErrors()[0])
	}
	return nil
}

// PessimisticRollback implements kvadapter.Adapter.
func (a *Adapter) PessimisticRollback(ctx context.Context, startTS, forUpdateTS uint64, keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	cli, err := a.client(ctx, keys[0])
	if err != nil {
		return err
	}
	_, err = cli.KVPessimisticRollback(ctx, &kvrpcpb.PessimisticRollbackRequest{
		StartVersion: startTS,
		ForUpdateTs:  forUpdateTS,
		Keys:         keys,
	}, grpc.WaitForReady(true))
	if err != nil {
		return txncoorderr.NewErrStoreUnavailable(err)
	}
	return nil
}

// Heartbeat implements kvadapter.Adapter. The RPC is bounded by
// ReadTimeoutShort in addition to ctx: an earlier deadline already on ctx
// (such as the ticker interval heartbeat.go sets) still applies.
func (a *Adapter) Heartbeat(ctx context.Context, req *kvadapter.HeartbeatRequest) error {
	ctx, cancel := context.WithTimeout(ctx, ReadTimeoutShort)
	defer cancel()
	cli, err := a.client(ctx, req.PrimaryLock)
	if err != nil {
		return err
	}
	_, err = cli.KvTxnHeartBeat(ctx, &kvrpcpb.TxnHeartBeatRequest{
		StartVersion:  req.StartTS,
		PrimaryLock:   req.PrimaryLock,
		AdviseLockTtl: req.NewTTL,
	}, grpc.WaitForReady(true))
	if err != nil {
		return txncoorderr.NewErrStoreUnavailable(err)
	}
	return nil
}

// BatchRollback implements kvadapter.Adapter.
func (a *Adapter) BatchRollback(ctx context.Context, startTS uint64, keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	cli, err := a.client(ctx, keys[0])
	if err != nil {
		return err
	}
	_, err = cli.KvBatchRollback(ctx, &kvrpcpb.BatchRollbackRequest{
		StartVersion: startTS,
		Keys:         keys,
	}, grpc.WaitForReady(true))
	if err != nil {
		return txncoorderr.NewErrStoreUnavailable(err)
	}
	return nil
}

var _ kvadapter.Adapter = (*Adapter)(nil)
