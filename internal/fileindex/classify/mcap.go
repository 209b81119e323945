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

package classify

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// mcap magic: "\x89MCAP0\r\n"
var mcapMagic = []byte{0x89, 'M', 'C', 'A', 'P', '0', '\r', '\n'}

const (
	mcapOpStatistics = 0x0B
	mcapOpMessage    = 0x05
	mcapOpFooter     = 0x02
)

// MCAPClassifier matches "*.mcap" files. It is static: an MCAP file is
// written once and never appended to after the writer closes it, so its
// coverage only needs to be computed the first time the index sees a given
// size.
type MCAPClassifier struct{}

func NewMCAPClassifier() *MCAPClassifier { return &MCAPClassifier{} }

func (c *MCAPClassifier) Name() string   { return "mcap" }
func (c *MCAPClassifier) IsStatic() bool { return true }
func (c *MCAPClassifier) Matches(p string) bool {
	return strings.HasSuffix(p, ".mcap")
}

func (c *MCAPClassifier) Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// ComputeState reads the summary section's Statistics record for the
// message time bounds, converting MCAP's nanosecond timestamps to the
// seconds convention the rest of the index uses.
func (c *MCAPClassifier) ComputeState(path string) (State, error) {
	size, err := c.Size(path)
	if err != nil {
		return State{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return State{}, err
	}
	defer f.Close()

	magic := make([]byte, len(mcapMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return State{Size: size, Unsupported: true}, nil
	}
	for i := range magic {
		if magic[i] != mcapMagic[i] {
			return State{Size: size, Unsupported: true}, nil
		}
	}

	startNs, endNs, ok := findStatisticsRecord(f)
	if !ok {
		return State{Size: size, Unsupported: true}, nil
	}

	return State{
		Size:       size,
		StartTimeS: float64(startNs) / 1e9,
		EndTimeS:   float64(endNs) / 1e9,
	}, nil
}

// findStatisticsRecord does a linear scan over top-level records looking
// for the Statistics record (opcode 0x0B), which carries message_start_time
// and message_end_time. A production reader would seek via the footer's
// summary offset instead of scanning; this keeps the implementation small
// since coscout only needs the two timestamps, not the full summary index.
func findStatisticsRecord(f io.Reader) (startNs, endNs uint64, ok bool) {
	r := bufio.NewReader(f)
	for {
		op, err := r.ReadByte()
		if err != nil {
			return 0, 0, false
		}
		var length uint64
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return 0, 0, false
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, 0, false
		}
		if op == mcapOpStatistics && len(body) >= 8+8+8 {
			// messageCount(8) + schemaCount/channelCount/... skipped in
			// this minimal reader; message_start_time and
			// message_end_time are the last two uint64 fields.
			n := len(body)
			startNs = binary.LittleEndian.Uint64(body[n-16 : n-8])
			endNs = binary.LittleEndian.Uint64(body[n-8:])
			return startNs, endNs, true
		}
		if op == mcapOpFooter {
			return 0, 0, false
		}
	}
}

// Messages iterates MCAP Message records in the order they appear in the
// file; they are not re-sorted by log time. Each yielded Message carries
// the record's raw payload bytes and its log time, with Topic left empty
// and MsgType "mcap"; no schema decoding is done.
func (c *MCAPClassifier) Messages(path string) (MessageIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening mcap file")
	}
	magic := make([]byte, len(mcapMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "reading mcap magic")
	}
	return &mcapIterator{f: f, r: bufio.NewReader(f)}, nil
}

type mcapIterator struct {
	f   *os.File
	r   *bufio.Reader
	cur Message
	err error
}

func (it *mcapIterator) Next() bool {
	for {
		op, err := it.r.ReadByte()
		if err != nil {
			it.err = nil // EOF is not an error
			return false
		}
		var length uint64
		if err := binary.Read(it.r, binary.LittleEndian, &length); err != nil {
			it.err = err
			return false
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(it.r, body); err != nil {
			it.err = err
			return false
		}
		if op != mcapOpMessage || len(body) < 18 {
			if op == mcapOpFooter {
				return false
			}
			continue
		}
		logTimeNs := binary.LittleEndian.Uint64(body[10:18])
		it.cur = Message{
			Topic:   "",
			Payload: body[18:],
			TimeS:   float64(logTimeNs) / 1e9,
			MsgType: "mcap",
		}
		return true
	}
}

func (it *mcapIterator) Message() Message { return it.cur }
func (it *mcapIterator) Err() error       { return it.err }
func (it *mcapIterator) Close() error     { return it.f.Close() }
