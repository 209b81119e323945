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
	"bytes"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// logTZ is the fixed interpretation zone for every timestamp the log
// classifier extracts, regardless of the host's local zone, so tests can
// pin it deterministically (see testable property / scenario S-1).
var logTZ = time.FixedZone("UTC+8", 8*3600)

const sniffWindow = 16 * 1024
const backScanChunk = 16 * 1024
const backScanAttempts = 5

// hintPattern pairs a regex with the Go reference layout used to parse
// what it matches, tried in order against the filename and then the first
// line.
type hintPattern struct {
	re     *regexp.Regexp
	layout string
}

var hintPatterns = []hintPattern{
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`), "2006-01-02 15:04:05"},
	{regexp.MustCompile(`\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}`), "2006/01/02 15:04:05"},
	{regexp.MustCompile(`\d{10}`), "2006010215"},
}

type lineSchema struct {
	re     *regexp.Regexp
	layout string
}

var lineSchemas = []lineSchema{
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3}`), "2006-01-02 15:04:05.000"},
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3}`), "2006-01-02 15:04:05,000"},
	{regexp.MustCompile(`\d{4} \d{2}:\d{2}:\d{2}\.\d{6}`), "0102 15:04:05.000000"},
	{regexp.MustCompile(`[A-Z][a-z]{2} +\d{1,2} \d{2}:\d{2}:\d{2}`), "Jan 2 15:04:05"},
	{regexp.MustCompile(`\d{2}:\d{2}:\d{2}\.\d{3}`), "15:04:05.000"},
}

// LogClassifier matches plain-text ".log" files. It is non-static: the
// file may still be growing, so its state must be re-derived every sweep
// unless the size hasn't changed.
type LogClassifier struct{}

func NewLogClassifier() *LogClassifier { return &LogClassifier{} }

func (c *LogClassifier) Name() string     { return "log" }
func (c *LogClassifier) IsStatic() bool   { return false }
func (c *LogClassifier) Matches(p string) bool {
	return strings.HasSuffix(p, ".log")
}

func (c *LogClassifier) Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// ComputeState detects the file's encoding, then searches from the top for
// a start timestamp and from the bottom (reading backwards in 16 KiB
// chunks, up to 5 attempts) for an end timestamp. Any extraction failure
// marks the entry unsupported but keeps the observed size, so the sweep
// doesn't keep retrying a file that will never parse.
func (c *LogClassifier) ComputeState(path string) (State, error) {
	size, err := c.Size(path)
	if err != nil {
		return State{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return State{}, err
	}
	defer f.Close()

	enc, err := sniffEncoding(f)
	if err != nil {
		return State{Size: size, Unsupported: true}, nil
	}

	hint := scanHint(path, f, enc)

	startS, ok := scanStartFromTop(f, enc, hint)
	if !ok {
		return State{Size: size, Unsupported: true}, nil
	}
	endS, ok := scanEndFromBottom(f, size, enc, hint)
	if !ok {
		return State{Size: size, Unsupported: true}, nil
	}

	return State{Size: size, StartTimeS: startS, EndTimeS: endS}, nil
}

// DetectFileEncoding sniffs path's leading bytes and returns a decoder
// func suitable for feeding individual lines read later from the same
// file (UTF-8 passthrough, or GB2312 for anything non-UTF-8). Exported
// for the rule-trigger pipeline's log tail-follower, which needs the
// same per-line decoding the classifier uses without re-deriving it.
func DetectFileEncoding(path string) (func([]byte) string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return sniffEncoding(f)
}

// TimestampHint returns the same hint scanHint would compute: a
// timestamp parsed from the file's name or first line, used to fill in
// missing date components when resolving a single line's timestamp.
// Exported for the log tail-follower.
func TimestampHint(path string, decode func([]byte) string) *time.Time {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	return scanHint(path, f, decode)
}

// ResolveLineTimestamp parses line against the known log line schemas,
// filling missing components from hint. Exported for the log
// tail-follower, which needs to timestamp each line as it's read rather
// than scanning a whole file's start/end bounds.
func ResolveLineTimestamp(line string, hint *time.Time) (time.Time, bool) {
	return resolveTimestamp(line, hint)
}

func sniffEncoding(f *os.File) (func([]byte) string, error) {
	buf := make([]byte, sniffWindow)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	buf = buf[:n]

	if utf8.Valid(buf) {
		return func(b []byte) string { return string(b) }, nil
	}

	// Treat everything non-UTF-8 as GB2312.
	dec := simplifiedchinese.GBK.NewDecoder()
	return func(b []byte) string {
		out, err := dec.Bytes(b)
		if err != nil {
			return string(b)
		}
		return string(out)
	}, nil
}

func scanHint(path string, f *os.File, decode func([]byte) string) *time.Time {
	for _, hp := range hintPatterns {
		if m := hp.re.FindString(path); m != "" {
			if t, err := time.ParseInLocation(hp.layout, m, logTZ); err == nil {
				return &t
			}
		}
	}

	r := bufio.NewReader(io.NewSectionReader(f, 0, sniffWindow))
	line, _ := r.ReadString('\n')
	line = decode([]byte(line))
	for _, hp := range hintPatterns {
		if m := hp.re.FindString(line); m != "" {
			if t, err := time.ParseInLocation(hp.layout, m, logTZ); err == nil {
				return &t
			}
		}
	}
	return nil
}

// resolveTimestamp parses a partial timestamp found in a log line against
// lineSchemas, filling missing date components from hint (or "today" if no
// hint exists), and rolling back one unit if the result would otherwise be
// in the future.
func resolveTimestamp(line string, hint *time.Time) (time.Time, bool) {
	now := clockNow().In(logTZ)
	base := now
	if hint != nil {
		base = *hint
	}

	for _, ls := range lineSchemas {
		m := ls.re.FindString(line)
		if m == "" {
			continue
		}
		t, err := time.ParseInLocation(ls.layout, m, logTZ)
		if err != nil {
			continue
		}

		var full time.Time
		switch ls.layout {
		case "2006-01-02 15:04:05.000", "2006-01-02 15:04:05,000":
			full = t
		case "0102 15:04:05.000000":
			full = time.Date(base.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), logTZ)
			if full.After(now) {
				full = full.AddDate(-1, 0, 0)
			}
		case "Jan 2 15:04:05":
			full = time.Date(base.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, logTZ)
			if full.After(now) {
				full = full.AddDate(-1, 0, 0)
			}
		case "15:04:05.000":
			full = time.Date(base.Year(), base.Month(), base.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), logTZ)
			if full.After(now) {
				full = full.AddDate(0, 0, -1)
			}
		}
		return full, true
	}
	return time.Time{}, false
}

func scanStartFromTop(f *os.File, decode func([]byte) string, hint *time.Time) (float64, bool) {
	r := bufio.NewScanner(io.NewSectionReader(f, 0, sniffWindow))
	for r.Scan() {
		line := decode(r.Bytes())
		if t, ok := resolveTimestamp(line, hint); ok {
			return float64(t.Unix()), true
		}
	}
	return 0, false
}

func scanEndFromBottom(f *os.File, size int64, decode func([]byte) string, hint *time.Time) (float64, bool) {
	for attempt := 1; attempt <= backScanAttempts; attempt++ {
		readLen := int64(attempt * backScanChunk)
		if readLen > size {
			readLen = size
		}
		off := size - readLen
		buf := make([]byte, readLen)
		if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
			return 0, false
		}
		text := decode(buf)
		lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			if t, ok := resolveTimestamp(lines[i], hint); ok {
				return float64(t.Unix()), true
			}
		}
		if off == 0 {
			break
		}
	}
	return 0, false
}

func (c *LogClassifier) Messages(path string) (MessageIterator, error) {
	return nil, errors.New("log classifier does not produce decoded messages; tail-follow instead")
}

// PrepareCut writes the log's lines whose timestamp falls in [startS,endS],
// plus every line without a parseable timestamp, to a file of the same
// base name under targetDir, decoding GB2312 input to UTF-8 in the process.
func (c *LogClassifier) PrepareCut(path, targetDir string, startS, endS float64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	decode, err := sniffEncoding(f)
	if err != nil {
		return "", err
	}

	hint := scanHint(path, f, decode)

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	var out bytes.Buffer
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := decode(sc.Bytes())
		if t, ok := resolveTimestamp(line, hint); ok {
			ts := float64(t.Unix())
			if ts < startS || ts > endS {
				continue
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}

	dest := targetDir + "/" + filepathBase(path)
	if err := writeFileAtomic(dest, out.Bytes()); err != nil {
		return "", errors.Wrap(err, "writing cut log file")
	}
	return dest, nil
}
