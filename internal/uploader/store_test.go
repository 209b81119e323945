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

package uploader

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectionErrorWrapsAndUnwraps(t *testing.T) {
	assert := require.New(t)

	cause := errors.New("dial tcp: timeout")
	err := &ConnectionError{Err: cause}

	assert.Contains(err.Error(), "object store connection error")
	assert.Contains(err.Error(), "dial tcp: timeout")
	assert.ErrorIs(err, cause)
}
