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

package zaperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestErrorwExtractsErrFieldAsCause(t *testing.T) {
	assert := require.New(t)

	cause := errors.New("disk full")
	fe := Errorw("failed to save record cache", "key", "2024-03-01", "error", cause)

	assert.Equal(cause, fe.Err)
	assert.Equal([]interface{}{"key", "2024-03-01"}, fe.Fields)
	assert.Equal("failed to save record cache: disk full", fe.Error())
	assert.True(errors.Is(fe, cause))
}

func TestErrorwWithoutErrorFieldHasNoCause(t *testing.T) {
	assert := require.New(t)

	fe := Errorw("bad input", "field", "title")

	assert.Nil(fe.Err)
	assert.Equal("bad input", fe.Error())
}

func TestErrorwKeepsNonErrorValueNamedErrorAsField(t *testing.T) {
	assert := require.New(t)

	fe := Errorw("odd case", "error", "not-an-error-object")

	assert.Nil(fe.Err)
	assert.Equal([]interface{}{"error", "not-an-error-object"}, fe.Fields)
}

type fakeEncoder struct {
	zapcore.ObjectEncoder
	strings map[string]string
}

func (f *fakeEncoder) AddString(key, value string) {
	if f.strings == nil {
		f.strings = map[string]string{}
	}
	f.strings[key] = value
}

func TestMarshalLogObjectEncodesMsgAndError(t *testing.T) {
	assert := require.New(t)

	cause := errors.New("disk full")
	fe := Errorw("failed to save record cache", "key", "2024-03-01", "error", cause)

	enc := &fakeEncoder{}
	assert.NoError(fe.MarshalLogObject(enc))
	assert.Equal("failed to save record cache", enc.strings["msg"])
	assert.Equal("disk full", enc.strings["error"])
}
