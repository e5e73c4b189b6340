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

package tablelock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRowLocksAreMutuallyCompatible(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	r1 := m.Lock(1, Row, 1)
	r2 := m.Lock(1, Row, 2)

	require.NoError(t, r1.Wait(ctx))
	require.NoError(t, r2.Wait(ctx))

	r1.Release()
	r2.Release()
}

func TestTableLockExcludesSubsequentRowLock(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	tl := m.Lock(1, Table, 1)
	require.NoError(t, tl.Wait(ctx))

	rl := m.Lock(1, Row, 2)
	select {
	case <-rl.granted:
		t.Fatal("row lock should not be granted while table lock is held")
	case <-time.After(50 * time.Millisecond):
	}

	tl.Release()
	require.NoError(t, rl.Wait(ctx))
	rl.Release()
}

func TestRowLockJumpsAheadOfBlockedTableLock(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	holder := m.Lock(1, Row, 1)
	require.NoError(t, holder.Wait(ctx))

	// Table lock queues behind the active row lock.
	tl := m.Lock(1, Table, 2)
	select {
	case <-tl.granted:
		t.Fatal("table lock must wait for the active row lock to release")
	case <-time.After(20 * time.Millisecond):
	}

	// A row lock queued after the blocked table lock must still jump ahead
	// of it, per the fairness rule.
	rl := m.Lock(1, Row, 3)
	require.NoError(t, rl.Wait(ctx))

	holder.Release()
	rl.Release()
	require.NoError(t, tl.Wait(ctx))
	tl.Release()
}

func TestLockWaitTimeoutExpires(t *testing.T) {
	m := NewManager()

	holder := m.Lock(1, Table, 1)
	require.NoError(t, holder.Wait(context.Background()))

	waiter := m.Lock(1, Table, 2)
	waitCtx, cancel := LockWaitTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := waiter.Wait(waitCtx)
	require.Error(t, err)

	holder.Release()
}

func TestTableLocksAreExclusiveAcrossEachOther(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	first := m.Lock(1, Table, 1)
	require.NoError(t, first.Wait(ctx))

	second := m.Lock(1, Table, 2)
	select {
	case <-second.granted:
		t.Fatal("second table lock should not be granted while first is held")
	case <-time.After(20 * time.Millisecond):
	}

	first.Release()
	require.NoError(t, second.Wait(ctx))
	second.Release()
}
