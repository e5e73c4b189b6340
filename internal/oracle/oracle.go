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

// Package oracle exposes the TSO contract of spec §6 ("tso() returns a
// strictly monotonic 64-bit timestamp") as a narrow interface over
// github.com/tikv/pd/client's pd.Client, composing its (physical,
// logical) pair into the single uint64 the coordinator's state machine
// and mutation records use. SQL catalog/partition-routing facets of
// pd.Client are deliberately not exposed here: routing is the job of
// internal/locate, not this package (spec §1 non-goals).
package oracle

import (
	"context"

	pd "github.com/tikv/pd/client"
)

// physicalShiftBits matches the teacher's TSO encoding: the physical
// millisecond timestamp occupies the high bits, the logical counter the
// low 18 bits, so that (physical, logical) pairs with increasing physical
// values always compare greater as plain uint64s.
const physicalShiftBits = 18

// Client is the coordinator-facing timestamp source (spec §6, "TSO").
type Client interface {
	// GetTS returns a fresh, strictly monotonic timestamp. Used for
	// start_ts (§4.1 START), commit_ts (§4.2 Commit step i), and
	// for_update_ts (§4.3 "Subsequent writes").
	GetTS(ctx context.Context) (uint64, error)
}

// FromPD adapts a pd.Client into an oracle.Client.
func FromPD(pdClient pd.Client) Client {
	return &pdOracle{pdClient: pdClient}
}

type pdOracle struct {
	pdClient pd.Client
}

func (o *pdOracle) GetTS(ctx context.Context) (uint64, error) {
	physical, logical, err := o.pdClient.GetTS(ctx)
	if err != nil {
		return 0, err
	}
	return ComposeTS(physical, logical), nil
}

// ComposeTS packs a (physical, logical) pair into the wire/storage
// representation used throughout the coordinator for start_ts/commit_ts.
func ComposeTS(physical, logical int64) uint64 {
	return uint64(physical<<physicalShiftBits + logical)
}

// ExtractPhysical returns the millisecond wall-clock component of a
// composed timestamp, the inverse of ComposeTS's physical half. The
// heartbeat in txnkv/txn/heartbeat.go does not use it; it extends the
// lock on a fixed ticker.
func ExtractPhysical(ts uint64) int64 {
	return int64(ts >> physicalShiftBits)
}
