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

// Package metrics registers the prometheus collectors used by the
// transaction coordinator, grounded on the teacher's metrics package
// (referenced from txnkv/transaction/prewrite.go and internal/client/client.go
// as metrics.TxnRegionsNumHistogramPrewrite, metrics.TiKVBatchPendingRequests).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Namespace matches the teacher's "tikv_client" prefix, renamed for this
// coordinator.
const namespace = "txncoord"

var (
	// TxnRegionsNumHistogramPrewrite records how many partitions a single
	// prewrite fanned out to.
	TxnRegionsNumHistogramPrewrite = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "txn",
		Name:      "regions_num_prewrite",
		Help:      "Number of regions/partitions touched by a single prewrite.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	// TxnRegionsNumHistogramCommit records how many partitions a single
	// commit fanned out to.
	TxnRegionsNumHistogramCommit = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "txn",
		Name:      "regions_num_commit",
		Help:      "Number of regions/partitions touched by a single commit.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	// RetryCounter counts retries performed by the retry engine, labeled
	// by the error kind that triggered the retry (spec §4.7).
	RetryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retry",
		Name:      "total",
		Help:      "Number of local retries performed by the retry engine, by error kind.",
	}, []string{"kind"})

	// HeartbeatsInFlight gauges how many pessimistic primary-lock
	// heartbeats are currently running (spec §4.3).
	HeartbeatsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "heartbeats_in_flight",
		Help:      "Number of active pessimistic lock heartbeat goroutines.",
	})

	// TableLockWaitDuration observes how long a table-lock request waited
	// before being granted or timing out (spec §4.5).
	TableLockWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tablelock",
		Name:      "wait_seconds",
		Help:      "Seconds a table-lock request waited before grant or timeout.",
		Buckets:   prometheus.DefBuckets,
	})

	// CommitDuration observes end-to-end commit latency as seen by the
	// caller (primary commit only; secondaries are async).
	CommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "txn",
		Name:      "commit_seconds",
		Help:      "Seconds from commit() call to the primary commit RPC returning.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		TxnRegionsNumHistogramPrewrite,
		TxnRegionsNumHistogramCommit,
		RetryCounter,
		HeartbeatsInFlight,
		TableLockWaitDuration,
		CommitDuration,
	)
}
