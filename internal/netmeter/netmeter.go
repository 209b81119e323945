// Copyright 2024 coScene
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

// Package netmeter provides the monotonic upload/download byte counter
// pair (module D). A single instance is constructed in cmd/coscout and
// threaded into the platform client transport and the uploader; there is
// no package-level singleton, so tests can construct isolated meters.
package netmeter

import "sync/atomic"

// Meter is a counter pair. The zero value is ready to use.
type Meter struct {
	uploadBytes   int64
	downloadBytes int64
}

// AddUpload adds n bytes to the upload counter. Safe for concurrent use.
func (m *Meter) AddUpload(n int64) {
	atomic.AddInt64(&m.uploadBytes, n)
}

// AddDownload adds n bytes to the download counter. Safe for concurrent
// use.
func (m *Meter) AddDownload(n int64) {
	atomic.AddInt64(&m.downloadBytes, n)
}

// Snapshot returns the current counter values without resetting them.
func (m *Meter) Snapshot() (uploadBytes, downloadBytes int64) {
	return atomic.LoadInt64(&m.uploadBytes), atomic.LoadInt64(&m.downloadBytes)
}

// Reset zeroes both counters and returns the values they held just before
// the reset, so a caller can report-then-reset atomically with respect to
// its own view (concurrent writers may still race in a new value between
// the load and the store, which is acceptable: heartbeat accounting is
// best-effort, not exact).
func (m *Meter) Reset() (uploadBytes, downloadBytes int64) {
	uploadBytes = atomic.SwapInt64(&m.uploadBytes, 0)
	downloadBytes = atomic.SwapInt64(&m.downloadBytes, 0)
	return
}
