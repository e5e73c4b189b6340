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

// NOTE: the timestamp allocation in GetTS below is carried over nearly
// verbatim from the teacher's internal/mockstore/mocktikv/pd.go: it is the
// simplest strictly-monotonic (physical, logical) clock that satisfies the
// TSO contract (spec §6, glossary "TSO"), and there is no reason to
// reinvent it for a test double. Everything region/store-shaped below is
// rewired from the teacher's Cluster (not present in the retrieved files)
// onto the Cluster defined in cluster.go.

package mocktikv

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	"github.com/pkg/errors"
	pd "github.com/tikv/pd/client"
)

var tsMu = struct {
	sync.Mutex
	physicalTS int64
	logicalTS  int64
}{}

// pdClient is a mock pd.Client backed by a Cluster, standing in for the
// timestamp oracle and partition router named as non-goals in spec §1.
type pdClient struct {
	cluster *Cluster
}

// NewPDClient creates a mock pd.Client over cluster.
func NewPDClient(cluster *Cluster) pd.Client {
	return &pdClient{cluster: cluster}
}

func (c *pdClient) GetClusterID(context.Context) uint64 { return 1 }

func (c *pdClient) GetTS(context.Context) (int64, int64, error) {
	tsMu.Lock()
	defer tsMu.Unlock()

	ts := time.Now().UnixNano() / int64(time.Millisecond)
	if tsMu.physicalTS >= ts {
		tsMu.logicalTS++
	} else {
		tsMu.physicalTS = ts
		tsMu.logicalTS = 0
	}
	return tsMu.physicalTS, tsMu.logicalTS, nil
}

func (c *pdClient) GetLocalTS(ctx context.Context, _ string) (int64, int64, error) {
	return c.GetTS(ctx)
}

type mockTSFuture struct {
	pdc  *pdClient
	ctx  context.Context
	used bool
}

func (m *mockTSFuture) Wait() (int64, int64, error) {
	if m.used {
		return 0, 0, errors.New("cannot wait tso twice")
	}
	m.used = true
	return m.pdc.GetTS(m.ctx)
}

func (c *pdClient) GetTSAsync(ctx context.Context) pd.TSFuture {
	return &mockTSFuture{c, ctx, false}
}

func (c *pdClient) GetLocalTSAsync(ctx context.Context, _ string) pd.TSFuture {
	return c.GetTSAsync(ctx)
}

func (c *pdClient) GetRegion(ctx context.Context, key []byte, _ ...pd.GetRegionOption) (*pd.Region, error) {
	region, peer := c.cluster.GetRegionByKey(key)
	return &pd.Region{Meta: region, Leader: peer}, nil
}

func (c *pdClient) GetRegionFromMember(context.Context, []byte, []string) (*pd.Region, error) {
	return &pd.Region{}, nil
}

func (c *pdClient) GetPrevRegion(ctx context.Context, key []byte, _ ...pd.GetRegionOption) (*pd.Region, error) {
	region, peer := c.cluster.GetPrevRegionByKey(key)
	return &pd.Region{Meta: region, Leader: peer}, nil
}

func (c *pdClient) GetRegionByID(ctx context.Context, regionID uint64, _ ...pd.GetRegionOption) (*pd.Region, error) {
	region, peer := c.cluster.GetRegionByID(regionID)
	return &pd.Region{Meta: region, Leader: peer}, nil
}

func (c *pdClient) ScanRegions(ctx context.Context, startKey, endKey []byte, limit int) ([]*pd.Region, error) {
	regions := c.cluster.ScanRegions(startKey, endKey, limit)
	out := make([]*pd.Region, 0, len(regions))
	for _, r := range regions {
		out = append(out, &pd.Region{Meta: r, Leader: r.Peers[0]})
	}
	return out, nil
}

func (c *pdClient) GetStore(ctx context.Context, storeID uint64) (*metapb.Store, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	store := c.cluster.GetStore(storeID)
	if store == nil {
		return nil, errors.Errorf("invalid store ID %d, not found", storeID)
	}
	return store, nil
}

func (c *pdClient) GetAllStores(context.Context, ...pd.GetStoreOption) ([]*metapb.Store, error) {
	return c.cluster.GetAllStores(), nil
}

func (c *pdClient) UpdateGCSafePoint(context.Context, uint64) (uint64, error) { return 0, nil }

func (c *pdClient) UpdateServiceGCSafePoint(context.Context, string, int64, uint64) (uint64, error) {
	return 0, nil
}

func (c *pdClient) Close() {}

func (c *pdClient) ScatterRegion(context.Context, uint64) error { return nil }

func (c *pdClient) ScatterRegions(context.Context, []uint64, ...pd.RegionsOption) (*pdpb.ScatterRegionResponse, error) {
	return nil, nil
}

// SplitRegions simulates PD ordering a split at each of splitKeys via
// Cluster.SplitRaw; it does not itself cause any ErrRegionSplit.
func (c *pdClient) SplitRegions(ctx context.Context, splitKeys [][]byte, _ ...pd.RegionsOption) (*pdpb.SplitRegionsResponse, error) {
	regionsID := make([]uint64, 0, len(splitKeys))
	for _, key := range splitKeys {
		old, newRegion := c.cluster.SplitRaw(key)
		regionsID = append(regionsID, old.Id, newRegion.Id)
	}
	return &pdpb.SplitRegionsResponse{FinishedPercentage: 100, RegionsId: regionsID}, nil
}

func (c *pdClient) GetOperator(context.Context, uint64) (*pdpb.GetOperatorResponse, error) {
	return &pdpb.GetOperatorResponse{Status: pdpb.OperatorStatus_SUCCESS}, nil
}

func (c *pdClient) GetAllMembers(context.Context) ([]*pdpb.Member, error) { return nil, nil }

func (c *pdClient) GetLeaderAddr() string { return "mockpd" }

func (c *pdClient) UpdateOption(pd.DynamicOption, interface{}) error { return nil }

func (c *pdClient) LoadGlobalConfig(context.Context, []string) ([]pd.GlobalConfigItem, error) {
	return nil, nil
}

func (c *pdClient) StoreGlobalConfig(context.Context, []pd.GlobalConfigItem) error { return nil }

func (c *pdClient) WatchGlobalConfig(context.Context) (chan []pd.GlobalConfigItem, error) {
	return nil, nil
}
