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

	"go.uber.org/goleak"
)

// TestMain asserts that none of the heartbeat and executor-pool goroutines
// this package starts (heartbeat.go, executor.go) is still running once
// every test in the package has finished. Close joins the heartbeat; the
// commit and cleanup pool tasks finish on their own.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
