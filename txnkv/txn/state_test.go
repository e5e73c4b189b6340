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
	"testing"

	"github.com/stretchr/testify/require"
)

// CANCEL must route through ROLLBACK before CLOSE (spec §4.1): no state is
// ever skipped, even on the escape-hatch cancellation path.
func TestCancelMustTransitionThroughRollback(t *testing.T) {
	require.True(t, CanTransition(Cancel, Rollback))
	require.False(t, CanTransition(Cancel, Close))
}

func TestLegalTransitionsCoverFullCommitPath(t *testing.T) {
	require.True(t, CanTransition(Start, PreWriteStart))
	require.True(t, CanTransition(PreWriteStart, PreWritePrimaryKey))
	require.True(t, CanTransition(PreWritePrimaryKey, PreWrite))
	require.True(t, CanTransition(PreWrite, CommitPrimaryKey))
	require.True(t, CanTransition(CommitPrimaryKey, Commit))
	require.True(t, CanTransition(Commit, Close))
}

func TestCloseIsTerminalAndIdempotent(t *testing.T) {
	require.True(t, IsTerminal(Close))
	require.True(t, CanTransition(Close, Close))
	require.False(t, CanTransition(Commit, Commit))
}
