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

package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPutAndFirst(t *testing.T) {
	b := New()
	require.False(t, b.HasAny())

	b.Put(Mutation{Op: OpPut, TableID: 1, Key: []byte("a"), Value: []byte("1")})
	b.Put(Mutation{Op: OpPut, TableID: 1, Key: []byte("b"), Value: []byte("2")})

	require.True(t, b.HasAny())
	require.Equal(t, 2, b.Len())

	first, ok := b.First()
	require.True(t, ok)
	require.Equal(t, []byte("a"), first.Key)
}

func TestBufferOpMergeDeleteThenPut(t *testing.T) {
	b := New()
	b.Put(Mutation{Op: OpDelete, TableID: 1, Key: []byte("a")})
	b.Put(Mutation{Op: OpPut, TableID: 1, Key: []byte("a"), Value: []byte("1")})

	all := b.All()
	require.Len(t, all, 1)
	require.Equal(t, OpDelete, all[0].Op)
}

func TestBufferOpMergePutThenDelete(t *testing.T) {
	b := New()
	b.Put(Mutation{Op: OpPut, TableID: 1, Key: []byte("a"), Value: []byte("1")})
	b.Put(Mutation{Op: OpDelete, TableID: 1, Key: []byte("a")})

	all := b.All()
	require.Len(t, all, 1)
	require.Equal(t, OpPut, all[0].Op)
}

func TestBufferOpMergeCheckNotExistsThenPut(t *testing.T) {
	b := New()
	b.Put(Mutation{Op: OpCheckNotExists, TableID: 1, Key: []byte("a")})
	b.Put(Mutation{Op: OpPut, TableID: 1, Key: []byte("a"), Value: []byte("1")})

	all := b.All()
	require.Len(t, all, 1)
	require.Equal(t, OpPutIfAbsent, all[0].Op)
}

func TestBufferInsertionOrderPreservedAcrossTables(t *testing.T) {
	b := New()
	b.Put(Mutation{Op: OpPut, TableID: 2, Key: []byte("x")})
	b.Put(Mutation{Op: OpPut, TableID: 1, Key: []byte("a")})
	b.Put(Mutation{Op: OpPut, TableID: 2, Key: []byte("x"), Value: []byte("updated")})

	all := b.All()
	require.Len(t, all, 2)
	require.Equal(t, int64(2), all[0].TableID)
	require.Equal(t, []byte("updated"), all[0].Value)
	require.Equal(t, int64(1), all[1].TableID)
}

func TestBufferSecondariesExcludesPrimary(t *testing.T) {
	b := New()
	b.Put(Mutation{Op: OpPut, TableID: 1, Key: []byte("a")})
	b.Put(Mutation{Op: OpPut, TableID: 1, Key: []byte("b")})
	b.Put(Mutation{Op: OpPut, TableID: 1, Key: []byte("c")})

	primary, ok := b.First()
	require.True(t, ok)

	secondaries := b.Secondaries(primary)
	require.Len(t, secondaries, 2)
	for _, m := range secondaries {
		require.NotEqual(t, primary.Key, m.Key)
	}
}

func TestBufferDrop(t *testing.T) {
	b := New()
	b.Put(Mutation{Op: OpPut, TableID: 1, Key: []byte("a")})
	require.True(t, b.HasAny())

	b.Drop()
	require.False(t, b.HasAny())
	require.Equal(t, 0, b.Len())
}
