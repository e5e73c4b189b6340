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

// Package locate resolves keys to partitions and caches the mapping,
// invalidating entries on region split. It is a much-reduced adaptation
// of the teacher's internal/locate/region_cache.go: that file's
// store-selector/replica-read/TiFlash machinery belongs to the read path,
// which is explicitly out of scope (spec §1); what survives here is the
// shape the coordinator actually needs — LocateKey, GroupKeysByRegion and
// invalidate-on-split — renamed to this module's "partition" vocabulary.
package locate

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
	pd "github.com/tikv/pd/client"

	"github.com/txncoord/txncoord/internal/txncoorderr"
)

// Partition identifies the shard owning a contiguous key range, standing
// in for spec's "partition-id" (§3, Mutation).
type Partition struct {
	ID       uint64
	StartKey []byte
	EndKey   []byte // empty means unbounded
}

// Contains reports whether key falls in [StartKey, EndKey).
func (p *Partition) Contains(key []byte) bool {
	if bytes.Compare(key, p.StartKey) < 0 {
		return false
	}
	if len(p.EndKey) > 0 && bytes.Compare(key, p.EndKey) >= 0 {
		return false
	}
	return true
}

// item adapts *Partition to btree.Item, ordered by StartKey so Cache can
// find the partition covering a key with a single descending search.
type item struct{ p *Partition }

func (i item) Less(than btree.Item) bool {
	return bytes.Compare(i.p.StartKey, than.(item).p.StartKey) < 0
}

// Cache resolves keys to partitions, caching PD's answer until told to
// invalidate. Safe for concurrent use (spec §5, "Shared resources": the
// locator, like the table-lock waiter, is shared across transactions).
type Cache struct {
	pdClient pd.Client

	mu   sync.RWMutex
	tree *btree.BTree
}

// NewCache creates a partition cache backed by pdClient.
func NewCache(pdClient pd.Client) *Cache {
	return &Cache{pdClient: pdClient, tree: btree.New(16)}
}

// Locate resolves key to its owning partition, consulting the cache
// before calling out to pdClient.
func (c *Cache) Locate(ctx context.Context, key []byte) (*Partition, error) {
	if p := c.lookupCached(key); p != nil {
		return p, nil
	}
	region, err := c.pdClient.GetRegion(ctx, key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if region == nil || region.Meta == nil {
		return nil, txncoorderr.NewErrRegionSplit(key)
	}
	p := &Partition{ID: region.Meta.Id, StartKey: region.Meta.StartKey, EndKey: region.Meta.EndKey}
	c.insert(p)
	return p, nil
}

func (c *Cache) lookupCached(key []byte) *Partition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var found *Partition
	c.tree.DescendLessOrEqual(item{&Partition{StartKey: key}}, func(i btree.Item) bool {
		p := i.(item).p
		if p.Contains(key) {
			found = p
		}
		return false
	})
	return found
}

func (c *Cache) insert(p *Partition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.ReplaceOrInsert(item{p})
}

// Invalidate drops the cached partition owning key, forcing the next
// Locate to re-resolve from PD. Called by the retry engine when an RPC
// reports ErrRegionSplit (spec §4.7).
func (c *Cache) Invalidate(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var stale btree.Item
	c.tree.DescendLessOrEqual(item{&Partition{StartKey: key}}, func(i btree.Item) bool {
		p := i.(item).p
		if p.Contains(key) {
			stale = i
		}
		return false
	})
	if stale != nil {
		c.tree.Delete(stale)
	}
}

// GroupByPartition buckets keys by the partition that owns them, in
// insertion order within each bucket. It backs the mutation buffer's
// iter_by_partition() (spec §4.4), which prewrite.go's teacher
// equivalent expresses as "build a prewrite job for all remaining
// mutations grouped by partition" (spec §4.2).
func (c *Cache) GroupByPartition(ctx context.Context, keys [][]byte) (map[uint64][][]byte, error) {
	out := make(map[uint64][][]byte)
	for _, k := range keys {
		p, err := c.Locate(ctx, k)
		if err != nil {
			return nil, err
		}
		out[p.ID] = append(out[p.ID], k)
	}
	return out, nil
}

// SortedPartitionIDs returns the keys of a GroupByPartition result in a
// deterministic order, used so retries of the same prewrite/commit fan
// out identically.
func SortedPartitionIDs(grouped map[uint64][][]byte) []uint64 {
	ids := make([]uint64, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
