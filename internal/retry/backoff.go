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

// Package retry provides the Backoffer used throughout the coordinator
// (prewrite, commit, lock) to bound local-recovery retries by an overall
// deadline rather than a fixed attempt count, matching the teacher's
// retry.Backoffer (referenced, not included, by
// txnkv/transaction/prewrite.go as bo.Backoff / bo.BackoffWithCfgAndMaxSleep).
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Config names a backoff reason and fixes the sleep Backoff takes for it
// on every attempt; region-split retries sleep 100 ms (spec §4.7,
// "Backoff"), other reasons use their own base.
type Config struct {
	name string
	base time.Duration
}

var (
	// BoRegionMiss backs off a retry triggered by a stale partition
	// resolution (spec §4.7, RegionSplit).
	BoRegionMiss = Config{name: "regionMiss", base: 100 * time.Millisecond}
	// BoTxnLock backs off a retry triggered by encountering another
	// transaction's lock during prewrite.
	BoTxnLock = Config{name: "txnLock", base: 2 * time.Millisecond}
	// BoCommitTsExpired backs off a commit-ts refresh retry (spec §4.7,
	// CommitTsExpired).
	BoCommitTsExpired = Config{name: "commitTsExpired", base: 30 * time.Millisecond}
)

// Backoffer tracks the remaining time budget for a single logical
// operation (one prewrite, one commit) as it retries across local errors.
// It is not safe for concurrent use; one Backoffer is shared sequentially
// by every batch of the operation (the primary and all secondary
// partitions of a prewrite draw on the same budget).
type Backoffer struct {
	ctx        context.Context
	maxSleep   time.Duration
	totalSleep time.Duration
	types      []string
}

// New creates a Backoffer bounded by maxSleep of total sleep; zero means
// unbounded. The coordinator passes the session's lock_wait_timeout
// (spec §6) for prewrite and primary commit, and zero for the async
// secondary commit.
func New(ctx context.Context, maxSleep time.Duration) *Backoffer {
	return &Backoffer{ctx: ctx, maxSleep: maxSleep}
}

// GetCtx returns the context carried by this Backoffer.
func (b *Backoffer) GetCtx() context.Context { return b.ctx }

// SetCtx replaces the context, used to attach a tracing span per retry
// attempt (spec §9.5).
func (b *Backoffer) SetCtx(ctx context.Context) { b.ctx = ctx }

// Backoff sleeps according to cfg and records the attempt. It returns an
// error (the Backoffer's budget exhausted) rather than retrying forever,
// since every retry loop in this coordinator must respect an operation
// deadline (spec §4.7, §5 "Ordering guarantees").
func (b *Backoffer) Backoff(cfg Config, cause error) error {
	return b.BackoffWithMaxSleep(cfg, int(cfg.base.Milliseconds()), cause)
}

// BackoffWithMaxSleep is Backoff with an explicit per-attempt sleep in
// milliseconds, cut short only to fit the remaining budget, mirroring the
// teacher's BackoffWithCfgAndMaxSleep signature.
func (b *Backoffer) BackoffWithMaxSleep(cfg Config, maxSleepMs int, cause error) error {
	if b.maxSleep > 0 && b.totalSleep >= b.maxSleep {
		return errors.Wrapf(cause, "backoff(%s) exceeded budget of %s", cfg.name, b.maxSleep)
	}
	sleep := time.Duration(maxSleepMs) * time.Millisecond
	if b.maxSleep > 0 && b.totalSleep+sleep > b.maxSleep {
		sleep = b.maxSleep - b.totalSleep
	}
	select {
	case <-b.ctx.Done():
		return errors.Wrap(b.ctx.Err(), cause.Error())
	case <-time.After(sleep):
	}
	b.totalSleep += sleep
	b.types = append(b.types, cfg.name)
	return nil
}

// Exhausted reports whether the budget has been used up, letting a caller
// check before attempting another round-trip instead of paying for a
// doomed RPC.
func (b *Backoffer) Exhausted() bool {
	return b.maxSleep > 0 && b.totalSleep >= b.maxSleep
}
