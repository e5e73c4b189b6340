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
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/txncoord/txncoord/internal/config"
	"github.com/txncoord/txncoord/internal/kvadapter"
	"github.com/txncoord/txncoord/internal/logutil"
	"github.com/txncoord/txncoord/internal/metrics"
)

// startHeartbeatFor launches the background task extending the primary
// lock's TTL at ~TTL/3 cadence until stopped (spec §4.3, "First write":
// "starts a background heartbeat extending the lock TTL at ~TTL/3 cadence
// until commit/rollback"). Modeled as a scheduled task cancelled in
// close(), per REDESIGN FLAGS: "must not outlive the transaction registry
// entry." p must not already have a running heartbeat.
func startHeartbeatFor(p *PessState, adapter kvadapter.Adapter, startTS uint64, primary []byte, ttl uint64) {
	p.heartbeatStop = make(chan struct{})
	p.heartbeatDone = make(chan struct{})
	interval := time.Duration(ttl) * time.Millisecond / config.HeartbeatFraction

	metrics.HeartbeatsInFlight.Inc()
	go func() {
		defer metrics.HeartbeatsInFlight.Dec()
		defer close(p.heartbeatDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.heartbeatStop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				err := adapter.Heartbeat(ctx, &kvadapter.HeartbeatRequest{
					StartTS: startTS, PrimaryLock: primary, NewTTL: ttl,
				})
				cancel()
				if err != nil {
					logutil.BgLogger().Warn("heartbeat failed",
						zap.Uint64("startTS", startTS), zap.Error(err))
				}
			}
		}
	}()
}

// stopHeartbeat signals the heartbeat goroutine to exit and waits for it,
// guaranteeing the goroutine never outlives its owning transaction (spec
// §5, "Shared resources": "The heartbeat task holds no monitor but reads
// immutable fields").
func stopHeartbeat(p *PessState) {
	if p == nil || p.heartbeatStop == nil {
		return
	}
	p.heartbeatOnce.Do(func() {
		close(p.heartbeatStop)
	})
	<-p.heartbeatDone
}
