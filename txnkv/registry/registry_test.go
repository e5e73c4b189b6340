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

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCoord struct {
	txnID     uint64
	connID    uint64
	cancelled bool
}

func (f *fakeCoord) TxnID() uint64  { return f.txnID }
func (f *fakeCoord) ConnID() uint64 { return f.connID }
func (f *fakeCoord) Cancel()        { f.cancelled = true }

func TestRegisterLookupUnregister(t *testing.T) {
	r := New()
	c := &fakeCoord{txnID: 100, connID: 1}

	r.Register(c)
	require.Equal(t, 1, r.Len())

	got, ok := r.Lookup(100)
	require.True(t, ok)
	require.Same(t, c, got)

	r.Unregister(c)
	require.Equal(t, 0, r.Len())
	_, ok = r.Lookup(100)
	require.False(t, ok)
}

func TestKillQueryCancelsOnlyThatConnection(t *testing.T) {
	r := New()
	a := &fakeCoord{txnID: 1, connID: 10}
	b := &fakeCoord{txnID: 2, connID: 20}
	r.Register(a)
	r.Register(b)

	r.KillQuery(10)

	require.True(t, a.cancelled)
	require.False(t, b.cancelled)
}

func TestKillConnectionCancelsAllTransactionsOnConn(t *testing.T) {
	r := New()
	a := &fakeCoord{txnID: 1, connID: 10}
	b := &fakeCoord{txnID: 2, connID: 10}
	r.Register(a)
	r.Register(b)

	r.KillConnection(10)

	require.True(t, a.cancelled)
	require.True(t, b.cancelled)
}

func TestUnregisterCleansUpEmptyConnectionBucket(t *testing.T) {
	r := New()
	c := &fakeCoord{txnID: 1, connID: 10}
	r.Register(c)
	r.Unregister(c)

	// A kill on a connection with no remaining transactions is a no-op,
	// not a panic on a missing map entry.
	require.NotPanics(t, func() { r.KillQuery(10) })
}
