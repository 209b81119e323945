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

// Package classify holds the pluggable per-file classifiers the file-state
// index (module E) tries in order: plain-text logs, MCAP, ROS1 bag, and
// ROS2 bag directories.
package classify

import "time"

// Message is one record handed to the rule-trigger pipeline (module F).
// Payload is the record as the classifier read it (raw message bytes for
// the MCAP, ROS1 and ROS2 classifiers); no schema decoding is done in this
// package.
type Message struct {
	Topic   string
	Payload interface{}
	TimeS   float64
	MsgType string
}

// State is what a classifier produces for one matched path. It mirrors the
// persisted FileState entry.
type State struct {
	Size        int64
	StartTimeS  float64
	EndTimeS    float64
	Unsupported bool
	IsDir       bool
}

// Classifier recognizes one file/directory format and extracts its time
// coverage and message stream.
type Classifier interface {
	// Name identifies the classifier in logs and config.
	Name() string
	// Matches reports whether path belongs to this classifier.
	Matches(path string) bool
	// IsStatic reports whether the file, once matched, can ever still be
	// growing (a static file's size never changes again once seen; a
	// non-static one, like an actively-written log, must be re-measured
	// every sweep).
	IsStatic() bool
	// Size returns the logical size of path: for directory-shaped
	// formats (ROS2) this is the sum of member files, not a directory
	// listing size.
	Size(path string) (int64, error)
	// ComputeState extracts [start,end] coverage (and Size) for path.
	ComputeState(path string) (State, error)
	// Messages returns a lazy, finite iterator over path's content, for
	// the rule-trigger pipeline to consume. Each implementation documents
	// its order; none re-sorts a whole file by log time.
	Messages(path string) (MessageIterator, error)
}

// MessageIterator yields messages one at a time without buffering the
// whole file. Next returns false once exhausted or on error (check Err).
type MessageIterator interface {
	Next() bool
	Message() Message
	Err() error
	Close() error
}

// CutPreparer is implemented by classifiers that can slice their content
// down to a time window instead of copying the whole file verbatim (only
// the log classifier does this today).
type CutPreparer interface {
	PrepareCut(path, targetDir string, startS, endS float64) (string, error)
}

// clockNow is overridable in tests.
var clockNow = time.Now
