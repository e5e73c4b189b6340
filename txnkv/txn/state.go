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

// State is the transaction lifecycle state (spec §4.1).
type State int

const (
	Start State = iota
	PreWriteStart
	PreWritePrimaryKey
	PreWrite
	PreWriteFail
	CommitPrimaryKey
	Commit
	CommitFail
	Rollback
	RollbackFail
	Cancel
	Close
)

func (s State) String() string {
	switch s {
	case Start:
		return "START"
	case PreWriteStart:
		return "PRE_WRITE_START"
	case PreWritePrimaryKey:
		return "PRE_WRITE_PRIMARY_KEY"
	case PreWrite:
		return "PRE_WRITE"
	case PreWriteFail:
		return "PRE_WRITE_FAIL"
	case CommitPrimaryKey:
		return "COMMIT_PRIMARY_KEY"
	case Commit:
		return "COMMIT"
	case CommitFail:
		return "COMMIT_FAIL"
	case Rollback:
		return "ROLLBACK"
	case RollbackFail:
		return "ROLLBACK_FAIL"
	case Cancel:
		return "CANCEL"
	case Close:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// legalFrom enumerates, for each state, the states a single transition
// may land in (spec §4.1, "Legal transitions"). TxnCore.setState (core.go)
// checks every transition against it and panics on an illegal one; the
// tests check it directly.
var legalFrom = map[State][]State{
	Start:              {PreWriteStart, Cancel, Rollback},
	PreWriteStart:      {PreWritePrimaryKey, PreWriteFail, Cancel, Rollback},
	PreWritePrimaryKey: {PreWrite, PreWriteFail, Cancel, Rollback},
	PreWrite:           {CommitPrimaryKey, PreWriteFail, Cancel, Rollback},
	PreWriteFail:       {Rollback},
	CommitPrimaryKey:   {Commit, CommitFail, Cancel},
	Commit:             {Close},
	CommitFail:         {Rollback},
	Rollback:           {Close, RollbackFail},
	RollbackFail:       {Rollback, Close},
	Cancel:             {Rollback},
	Close:              {Close}, // idempotent per spec §4.1
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range legalFrom[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no further outgoing transitions other
// than to itself.
func IsTerminal(s State) bool {
	return s == Close
}
