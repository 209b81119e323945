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

package daemonutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFanOutNotifiesAllReceivers(t *testing.T) {
	assert := require.New(t)

	input := make(chan struct{})
	fo := NewFanOut(input)

	r1 := fo.AddReceiver()
	r2 := fo.AddReceiver()

	go fo.Notify()

	select {
	case <-r1:
	case <-time.After(time.Second):
		assert.Fail("receiver 1 never notified")
	}
	select {
	case <-r2:
	case <-time.After(time.Second):
		assert.Fail("receiver 2 never notified")
	}
}

func TestFanOutClosesReceiversWhenInputCloses(t *testing.T) {
	assert := require.New(t)

	input := make(chan struct{})
	fo := NewFanOut(input)
	r1 := fo.AddReceiver()

	close(input)

	select {
	case _, ok := <-r1:
		assert.False(ok, "receiver channel should be closed, not just empty")
	case <-time.After(time.Second):
		t.Fatal("receiver was never closed")
	}
}

func TestFanOutReceiverAddedAfterNotifyStillWorks(t *testing.T) {
	assert := require.New(t)

	input := make(chan struct{})
	fo := NewFanOut(input)

	fo.Notify()
	r := fo.AddReceiver()
	go fo.Notify()
	select {
	case <-r:
	case <-time.After(time.Second):
		t.Fatal("receiver never notified")
	}
	assert.NotNil(r)
}
