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

package grpcutils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
)

func TestBearerCredentialStartsEmpty(t *testing.T) {
	assert := require.New(t)

	c := NewBearerCredential()
	assert.Empty(c.APIKey())
}

func TestBearerCredentialSetAPIKey(t *testing.T) {
	assert := require.New(t)

	c := NewBearerCredential()
	c.SetAPIKey("secret-token")
	assert.Equal("secret-token", c.APIKey())
}

func TestMakeGRPCContextAddsAuthorizationMetadata(t *testing.T) {
	assert := require.New(t)

	c := NewBearerCredential()
	c.SetAPIKey("secret-token")

	ctx := c.MakeGRPCContext(context.Background())
	md, ok := metadata.FromOutgoingContext(ctx)
	assert.True(ok)
	assert.Equal([]string{"Bearer secret-token"}, md.Get("authorization"))
}
