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

var ros1Magic = []byte("#ROSBAG V2.0\n")

const (
	ros1OpBagHeader = 0x03
	ros1OpConnection = 0x07
	ros1OpMessageData = 0x02
)

// ROS1Classifier matches "*.bag" and "*.bag.active" files written by
// rosbag record. It is static: once a bag is closed (or the active file is
// rolled), its content never changes again.
type ROS1Classifier struct{}

func NewROS1Classifier() *ROS1Classifier { return &ROS1Classifier{} }

func (c *ROS1Classifier) Name() string   { return "ros1" }
func (c *ROS1Classifier) IsStatic() bool { return true }
func (c *ROS1Classifier) Matches(p string) bool {
	return strings.HasSuffix(p, ".bag") || strings.HasSuffix(p, ".bag.active")
}

func (c *ROS1Classifier) Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// ComputeState reads the bag header record's index_pos/conn_count/chunk_count
// fields are not needed here: the start/end times are derived by scanning
// message-data record headers for their time field, taking the min and max
// seen. Bags can be large, so this walks records sequentially rather than
// via the (optional) index, trading a full pass for simplicity.
func (c *ROS1Classifier) ComputeState(path string) (State, error) {
	size, err := c.Size(path)
	if err != nil {
		return State{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return State{}, err
	}
	defer f.Close()

	if !hasROS1Magic(f) {
		return State{Size: size, Unsupported: true}, nil
	}

	startS, endS, ok := scanROS1TimeBounds(f)
	if !ok {
		return State{Size: size, Unsupported: true}, nil
	}
	return State{Size: size, StartTimeS: startS, EndTimeS: endS}, nil
}

func hasROS1Magic(f *os.File) bool {
	buf := make([]byte, len(ros1Magic))
	if _, err := io.ReadFull(f, buf); err != nil {
		return false
	}
	return string(buf) == string(ros1Magic)
}

func scanROS1TimeBounds(f *os.File) (startS, endS float64, ok bool) {
	r := bufio.NewReader(f)
	var haveAny bool
	for {
		headerLen, err := readU32(r)
		if err != nil {
			break
		}
		header := make([]byte, headerLen)
		if _, err := io.ReadFull(r, header); err != nil {
			break
		}
		dataLen, err := readU32(r)
		if err != nil {
			break
		}

		op, fields := parseROS1Header(header)
		if op == ros1OpMessageData {
			if secs, nsecs, have := fields["time"]; have {
				t := float64(secs) + float64(nsecs)/1e9
				if !haveAny || t < startS {
					startS = t
				}
				if !haveAny || t > endS {
					endS = t
				}
				haveAny = true
			}
		}
		if _, err := r.Discard(int(dataLen)); err != nil {
			break
		}
	}
	return startS, endS, haveAny
}

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// parseROS1Header parses the field=value record header format used by
// rosbag; the "time" field (when present) is decoded as a ROS Time
// (uint32 secs, uint32 nsecs).
func parseROS1Header(header []byte) (op byte, fields map[string][2]uint32) {
	fields = map[string][2]uint32{}
	for len(header) > 4 {
		flen := binary.LittleEndian.Uint32(header)
		header = header[4:]
		if int(flen) > len(header) {
			break
		}
		field := header[:flen]
		header = header[flen:]
		eq := indexByte(field, '=')
		if eq < 0 {
			continue
		}
		name := string(field[:eq])
		val := field[eq+1:]
		if name == "op" && len(val) == 1 {
			op = val[0]
		}
		if name == "time" && len(val) == 8 {
			secs := binary.LittleEndian.Uint32(val[0:4])
			nsecs := binary.LittleEndian.Uint32(val[4:8])
			fields["time"] = [2]uint32{secs, nsecs}
		}
	}
	return op, fields
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// normalizeMsgType turns ROS's slash-delimited package-qualified message
// type ("a/msg/b") into the flattened form ("a/b"), collapsing the
// intermediate "msg" segment. The ROS1 message iterator does not call it:
// it yields raw payloads with an empty Topic and MsgType "ros1".
func normalizeMsgType(t string) string {
	parts := strings.Split(t, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "msg" {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "/")
}

func (c *ROS1Classifier) Messages(path string) (MessageIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening ros1 bag")
	}
	if !hasROS1Magic(f) {
		f.Close()
		return nil, errors.New("not a ros1 bag")
	}
	return &ros1Iterator{f: f, r: bufio.NewReader(f), conns: map[uint32]string{}}, nil
}

type ros1Iterator struct {
	f     *os.File
	r     *bufio.Reader
	conns map[uint32]string
	cur   Message
	err   error
}

func (it *ros1Iterator) Next() bool {
	for {
		headerLen, err := readU32(it.r)
		if err != nil {
			return false
		}
		header := make([]byte, headerLen)
		if _, err := io.ReadFull(it.r, header); err != nil {
			it.err = err
			return false
		}
		dataLen, err := readU32(it.r)
		if err != nil {
			it.err = err
			return false
		}
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(it.r, data); err != nil {
			it.err = err
			return false
		}

		op, fields := parseROS1Header(header)
		if op == ros1OpMessageData {
			secsNsecs := fields["time"]
			ts := float64(secsNsecs[0]) + float64(secsNsecs[1])/1e9
			it.cur = Message{TimeS: ts, Payload: data, MsgType: "ros1"}
			return true
		}
	}
}

func (it *ros1Iterator) Message() Message { return it.cur }
func (it *ros1Iterator) Err() error       { return it.err }
func (it *ros1Iterator) Close() error     { return it.f.Close() }
