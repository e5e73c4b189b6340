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

// Package mocktikv is a test double for the KV store: an in-memory MVCC
// map plus a partition (region) table, standing in for the store's
// server-side MVCC implementation and region router named as non-goals
// in spec §1. It is grounded on
// internal/mockstore/mocktikv/mvcc_leveldb.go and pd.go from the teacher,
// with the goleveldb-backed storage replaced by a guarded Go map (there is
// no production caller of an on-disk mock, only tests) and the Cluster
// type — absent from the retrieved files — authored fresh to satisfy the
// pd.Client surface those two files drive.
package mocktikv

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pingcap/kvproto/pkg/metapb"
)

// Cluster simulates the partition (region) table of a sharded store: a
// sorted, non-overlapping set of key ranges, each assigned to exactly one
// store. SplitRaw simulates a region split triggered by the test; the
// PartitionedStore built on this cluster buckets keys by the new
// boundaries from then on, without reporting ErrRegionSplit.
type Cluster struct {
	mu      sync.RWMutex
	nextID  uint64
	regions []*metapb.Region // sorted by StartKey, non-overlapping
	stores  map[uint64]*metapb.Store
}

// NewCluster creates a single-partition, single-store cluster covering
// the whole keyspace.
func NewCluster() *Cluster {
	c := &Cluster{
		nextID: 1,
		stores: make(map[uint64]*metapb.Store),
	}
	storeID := c.AllocID()
	c.stores[storeID] = &metapb.Store{Id: storeID, Address: "mock-store-0"}
	regionID := c.AllocID()
	peerID := c.AllocID()
	c.regions = []*metapb.Region{{
		Id:       regionID,
		StartKey: nil,
		EndKey:   nil,
		Peers:    []*metapb.Peer{{Id: peerID, StoreId: storeID}},
		RegionEpoch: &metapb.RegionEpoch{
			ConfVer: 1,
			Version: 1,
		},
	}}
	return c
}

// AllocID hands out a monotonically increasing id, used for store,
// region and peer ids alike (mirrors the teacher's Cluster.AllocID).
func (c *Cluster) AllocID() uint64 {
	return atomic.AddUint64(&c.nextID, 1)
}

// AllocIDs hands out n ids at once.
func (c *Cluster) AllocIDs(n int) []uint64 {
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = c.AllocID()
	}
	return ids
}

func (c *Cluster) regionIndexLocked(key []byte) int {
	return sort.Search(len(c.regions), func(i int) bool {
		end := c.regions[i].EndKey
		return len(end) == 0 || bytes.Compare(key, end) < 0
	})
}

// GetRegionByKey returns the region owning key and its leader peer.
func (c *Cluster) GetRegionByKey(key []byte) (*metapb.Region, *metapb.Peer) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx := c.regionIndexLocked(key)
	r := c.regions[idx]
	return r, r.Peers[0]
}

// GetPrevRegionByKey returns the region immediately before the one owning
// key, or the owning region itself if key is the first key in the
// keyspace.
func (c *Cluster) GetPrevRegionByKey(key []byte) (*metapb.Region, *metapb.Peer) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx := c.regionIndexLocked(key)
	if idx > 0 {
		idx--
	}
	r := c.regions[idx]
	return r, r.Peers[0]
}

// GetRegionByID returns the region with the given id.
func (c *Cluster) GetRegionByID(regionID uint64) (*metapb.Region, *metapb.Peer) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.regions {
		if r.Id == regionID {
			return r, r.Peers[0]
		}
	}
	return nil, nil
}

// ScanRegions returns up to limit regions overlapping [startKey, endKey).
func (c *Cluster) ScanRegions(startKey, endKey []byte, limit int) []*metapb.Region {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*metapb.Region
	for _, r := range c.regions {
		if len(endKey) > 0 && bytes.Compare(r.StartKey, endKey) >= 0 {
			break
		}
		if len(r.EndKey) > 0 && bytes.Compare(r.EndKey, startKey) <= 0 {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// GetStore returns the store with the given id.
func (c *Cluster) GetStore(storeID uint64) *metapb.Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stores[storeID]
}

// GetAllStores returns every store in the cluster.
func (c *Cluster) GetAllStores() []*metapb.Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*metapb.Store, 0, len(c.stores))
	for _, s := range c.stores {
		out = append(out, s)
	}
	return out
}

// SplitRaw splits the region owning splitKey at splitKey, simulating the
// rebalance described in spec's glossary entry "Region split". The
// original region keeps [start, splitKey) and a new region is created for
// [splitKey, end), and both regions' epoch versions are bumped. Nothing in
// this package checks epochs, so no RPC fails because of the split.
func (c *Cluster) SplitRaw(splitKey []byte) (old, new_ *metapb.Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.regionIndexLocked(splitKey)
	r := c.regions[idx]
	if bytes.Equal(r.StartKey, splitKey) {
		return r, r
	}
	newID := c.AllocID()
	newPeerID := c.AllocID()
	newRegion := &metapb.Region{
		Id:       newID,
		StartKey: splitKey,
		EndKey:   r.EndKey,
		Peers:    []*metapb.Peer{{Id: newPeerID, StoreId: r.Peers[0].StoreId}},
		RegionEpoch: &metapb.RegionEpoch{
			ConfVer: r.RegionEpoch.ConfVer,
			Version: r.RegionEpoch.Version + 1,
		},
	}
	r.EndKey = splitKey
	r.RegionEpoch.Version++

	out := make([]*metapb.Region, 0, len(c.regions)+1)
	out = append(out, c.regions[:idx+1]...)
	out = append(out, newRegion)
	out = append(out, c.regions[idx+1:]...)
	c.regions = out
	return r, newRegion
}
