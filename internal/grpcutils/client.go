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

// Package grpcutils builds the gRPC transport used by the platform client's
// grpc backend (api.type=grpc) and carries the device's bearer credential
// on every outgoing call.
package grpcutils

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// NewClientConn dials the data platform's gRPC endpoint.
func NewClientConn(serverAddr string, enableTLS bool, agent string) (*grpc.ClientConn, error) {
	var err error

	var opts []grpc.DialOption

	if enableTLS {
		cp, nocperr := x509.SystemCertPool()
		if nocperr != nil {
			return nil, fmt.Errorf("no system certificate pool: %v", nocperr)
		}

		tc := tls.Config{
			RootCAs: cp,
		}

		ctls := credentials.NewTLS(&tc)
		opts = append(opts, grpc.WithTransportCredentials(ctls))
	} else {
		opts = append(opts, grpc.WithInsecure())
	}

	opts = append(opts, grpc.WithUserAgent(agent))

	conn, err := grpc.Dial(serverAddr, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "grpc Dial() to '%s' failed", serverAddr)
	}
	return conn, nil
}
