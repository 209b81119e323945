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
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// ros2Metadata is the subset of rosbag2's metadata.yaml this classifier
// reads.
type ros2Metadata struct {
	RosbagMetadata struct {
		RelativeFilePaths []string `yaml:"relative_file_paths"`
		StartingTime      struct {
			NanosecondsSinceEpoch int64 `yaml:"nanoseconds_since_epoch"`
		} `yaml:"starting_time"`
		DurationNanoseconds int64 `yaml:"duration"`
	} `yaml:"rosbag2_bagfile_information"`
}

// ROS2Classifier matches directories containing both metadata.yaml and at
// least one *.db3 file (a rosbag2 recording). It is static and
// directory-shaped: Size sums only the member db3 files, not the whole
// directory tree.
type ROS2Classifier struct {
	// CustomMsgDirs lists pre-registered *.msg directories for custom
	// message schemas. It is stored as given; Messages does not read it,
	// since payloads are not CDR-decoded in this package.
	CustomMsgDirs []string
}

func NewROS2Classifier(customMsgDirs []string) *ROS2Classifier {
	return &ROS2Classifier{CustomMsgDirs: customMsgDirs}
}

func (c *ROS2Classifier) Name() string   { return "ros2" }
func (c *ROS2Classifier) IsStatic() bool { return true }

func (c *ROS2Classifier) Matches(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return false
	}
	if _, err := os.Stat(filepath.Join(path, "metadata.yaml")); err != nil {
		return false
	}
	dbs, _ := filepath.Glob(filepath.Join(path, "*.db3"))
	return len(dbs) > 0
}

func (c *ROS2Classifier) readMetadata(dir string) (*ros2Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "metadata.yaml"))
	if err != nil {
		return nil, err
	}
	var md ros2Metadata
	if err := yaml.Unmarshal(raw, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// Size is the sum of the *.db3 member files only, per the spec's directive
// that ROS2 bag size excludes metadata.yaml and any sidecar files.
func (c *ROS2Classifier) Size(dir string) (int64, error) {
	dbs, err := filepath.Glob(filepath.Join(dir, "*.db3"))
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range dbs {
		fi, err := os.Stat(p)
		if err != nil {
			return 0, err
		}
		total += fi.Size()
	}
	return total, nil
}

func (c *ROS2Classifier) ComputeState(dir string) (State, error) {
	size, err := c.Size(dir)
	if err != nil {
		return State{}, err
	}

	md, err := c.readMetadata(dir)
	if err != nil {
		return State{Size: size, IsDir: true, Unsupported: true}, nil
	}

	startS := float64(md.RosbagMetadata.StartingTime.NanosecondsSinceEpoch) / 1e9
	endS := startS + float64(md.RosbagMetadata.DurationNanoseconds)/1e9

	return State{Size: size, IsDir: true, StartTimeS: startS, EndTimeS: endS}, nil
}

// Messages opens each *.db3 member in turn (a SQLite database in the
// rosbag2 schema: topics(id,name,type,...), messages(topic_id,timestamp,data))
// and streams its rows ordered by timestamp. Each Message carries the raw
// CDR bytes as Payload and the topic name without its leading "/" as
// MsgType; payloads are not CDR-deserialized.
func (c *ROS2Classifier) Messages(dir string) (MessageIterator, error) {
	dbs, err := filepath.Glob(filepath.Join(dir, "*.db3"))
	if err != nil || len(dbs) == 0 {
		return nil, errors.New("no db3 files found in ros2 bag directory")
	}

	it := &ros2Iterator{dbPaths: dbs}
	if err := it.openNext(); err != nil {
		return nil, err
	}
	return it, nil
}

type ros2Iterator struct {
	dbPaths []string
	dbIdx   int
	db      *sql.DB
	rows    *sql.Rows
	topics  map[int64]string
	cur     Message
	err     error
}

func (it *ros2Iterator) openNext() error {
	if it.db != nil {
		it.rows.Close()
		it.db.Close()
	}
	if it.dbIdx >= len(it.dbPaths) {
		return errors.New("exhausted")
	}
	db, err := sql.Open("sqlite3", "file:"+it.dbPaths[it.dbIdx]+"?mode=ro")
	if err != nil {
		return errors.Wrap(err, "opening ros2 db3 file")
	}
	it.db = db
	it.dbIdx++

	it.topics = map[int64]string{}
	trows, err := db.Query(`SELECT id, name FROM topics`)
	if err == nil {
		for trows.Next() {
			var id int64
			var name string
			if trows.Scan(&id, &name) == nil {
				it.topics[id] = name
			}
		}
		trows.Close()
	}

	rows, err := db.Query(`SELECT topic_id, timestamp, data FROM messages ORDER BY timestamp`)
	if err != nil {
		db.Close()
		return errors.Wrap(err, "querying ros2 messages")
	}
	it.rows = rows
	return nil
}

func (it *ros2Iterator) Next() bool {
	for {
		if it.rows == nil {
			return false
		}
		if it.rows.Next() {
			var topicID int64
			var tsNs int64
			var data []byte
			if err := it.rows.Scan(&topicID, &tsNs, &data); err != nil {
				it.err = err
				return false
			}
			topic := it.topics[topicID]
			it.cur = Message{
				Topic:   topic,
				Payload: data,
				TimeS:   float64(tsNs) / 1e9,
				MsgType: strings.TrimPrefix(topic, "/"),
			}
			return true
		}
		if err := it.openNext(); err != nil {
			return false
		}
	}
}

func (it *ros2Iterator) Message() Message { return it.cur }
func (it *ros2Iterator) Err() error       { return it.err }
func (it *ros2Iterator) Close() error {
	if it.rows != nil {
		it.rows.Close()
	}
	if it.db != nil {
		return it.db.Close()
	}
	return nil
}
