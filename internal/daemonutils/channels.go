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

// Package daemonutils collects small helpers shared by the collector's
// background workers: fan-out shutdown notification and process-wide
// logging setup.
package daemonutils

import (
	"sync"
)

// FanOut multiplexes a single shutdown notification to every background
// worker the collector scheduler starts (log-tail follower, task handler,
// uploader workers). It receives a notification on an input channel
// designated at creation time, and copies that to all output channels added
// by AddReceiver.
type FanOut struct {
	input  chan struct{}
	output []chan struct{}
	sync.Mutex
}

// NewFanOut creates a new FanOut with a given input channel.
func NewFanOut(input chan struct{}) *FanOut {
	fo := &FanOut{input: input}

	go func() {
		for n := range input {
			fo.Lock()
			for _, out := range fo.output {
				out <- n
			}
			fo.Unlock()
		}
		fo.Lock()
		for _, out := range fo.output {
			close(out)
		}
		fo.Unlock()
	}()

	return fo
}

// AddReceiver creates a new output channel, adds it to the list, and returns
// it.
func (fo *FanOut) AddReceiver() chan struct{} {
	c := make(chan struct{})
	fo.Lock()
	fo.output = append(fo.output, c)
	fo.Unlock()
	return c
}

// Notify sends the notification to the input channel (and thus to all the
// receivers).
func (fo *FanOut) Notify() {
	fo.input <- struct{}{}
}
