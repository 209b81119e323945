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
	"sync"

	"google.golang.org/grpc/metadata"
)

// BearerCredential attaches the device's current API key (obtained through
// the auth/register loop, module C) to every outgoing gRPC call. Unlike a
// self-signed JWT, the token here is opaque and issued by the platform on
// exchange_device_auth_token; this credential only carries it, it never
// mints one.
type BearerCredential struct {
	mu     sync.RWMutex
	apiKey string
}

// NewBearerCredential creates a credential with no token set; calls made
// before SetAPIKey will be rejected by the server as Unauthorized.
func NewBearerCredential() *BearerCredential {
	return &BearerCredential{}
}

// SetAPIKey updates the token carried on future calls. Called by the auth
// loop whenever ApiClientState.api_key is refreshed.
func (c *BearerCredential) SetAPIKey(apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = apiKey
}

// APIKey returns the currently held token.
func (c *BearerCredential) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// MakeGRPCContext adds an 'authorization:' metadata entry carrying the
// bearer token, the information the server uses to validate the device's
// identity.
func (c *BearerCredential) MakeGRPCContext(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.APIKey())
}
