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

// The retry engine (spec §4.7) classifies an RPC error into one of:
// local recovery (RegionSplit, CommitTsExpired), a retriable write
// conflict bounded by txn_retry_cnt, or a terminal error that drives the
// transaction to ROLLBACK. Modeled as a result type matched on error kind
// rather than an exception hierarchy, per REDESIGN FLAGS "Exception
// control flow for retry."
package txn

import (
	"context"

	"github.com/txncoord/txncoord/internal/locate"
	"github.com/txncoord/txncoord/internal/metrics"
	"github.com/txncoord/txncoord/internal/retry"
	"github.com/txncoord/txncoord/internal/txncoorderr"
)

// outcome is the retry engine's verdict for one RPC attempt.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetryRegionSplit
	outcomeRetryCommitTsExpired
	outcomeTerminal
)

// classify maps err to a retry outcome per the spec §4.7 table. It does
// not distinguish pessimistic/optimistic: the difference between the two
// columns is which outcomes the caller chooses to act on (a pessimistic
// WriteConflict is always terminal since its locks are already held; an
// optimistic one may be retried by the caller checking AutoCommit/TxnRetry
// itself).
func classify(err error) outcome {
	if err == nil {
		return outcomeDone
	}
	if _, ok := txncoorderr.AsRegionSplit(err); ok {
		return outcomeRetryRegionSplit
	}
	if _, ok := txncoorderr.AsCommitTsExpired(err); ok {
		return outcomeRetryCommitTsExpired
	}
	return outcomeTerminal
}

// retryLoop re-issues attempt until it succeeds, exhausts bo's budget, or
// fails with a non-local-recovery error. invalidateKey is re-resolved in
// the locator cache on a region-split verdict (spec §4.7: "retry with new
// partition"). refreshCommitTS is called, if non-nil, on a
// commit-ts-expired verdict to obtain a fresh commit_ts before retrying.
func retryLoop(ctx context.Context, bo *retry.Backoffer, locator *locate.Cache, invalidateKey []byte,
	refreshCommitTS func(ctx context.Context) error, attempt func(ctx context.Context) error) error {
	for {
		err := attempt(ctx)
		switch classify(err) {
		case outcomeDone:
			return nil
		case outcomeRetryRegionSplit:
			metrics.RetryCounter.WithLabelValues("region_split").Inc()
			locator.Invalidate(invalidateKey)
			if boErr := bo.Backoff(retry.BoRegionMiss, err); boErr != nil {
				return boErr
			}
			continue
		case outcomeRetryCommitTsExpired:
			metrics.RetryCounter.WithLabelValues("commit_ts_expired").Inc()
			if refreshCommitTS != nil {
				if rErr := refreshCommitTS(ctx); rErr != nil {
					return rErr
				}
			}
			if boErr := bo.Backoff(retry.BoCommitTsExpired, err); boErr != nil {
				return boErr
			}
			continue
		default:
			return err
		}
	}
}
