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
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/coscene-io/coscout/internal/platform"
)

// S3Store is the ObjectStore backed by an S3-compatible endpoint. The
// endpoint is forced to https:// if the security token's endpoint field
// lacks a scheme.
type S3Store struct {
	client *s3.S3
}

// NewS3Store builds a session from the platform's security token (module
// B's GenerateSecurityToken result) and returns a ready-to-use store.
func NewS3Store(token platform.SecurityToken) (*S3Store, error) {
	endpoint := token.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, err
	}

	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(endpoint),
		Region:           aws.String("us-east-1"),
		S3ForcePathStyle: aws.Bool(true),
		Credentials: credentials.NewStaticCredentials(
			token.AccessKeyID, token.AccessKeySecret, token.SessionToken),
	})
	if err != nil {
		return nil, err
	}
	return &S3Store{client: s3.New(sess)}, nil
}

func (s *S3Store) CreateMultipartUpload(bucket, key string) (string, error) {
	out, err := s.client.CreateMultipartUpload(&s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", &ConnectionError{Err: err}
	}
	return aws.StringValue(out.UploadId), nil
}

func (s *S3Store) UploadPart(bucket, key, uploadID string, partNumber int64, body io.ReadSeeker, size int64) (string, error) {
	out, err := s.client.UploadPart(&s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int64(partNumber),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", &ConnectionError{Err: err}
	}
	return aws.StringValue(out.ETag), nil
}

func (s *S3Store) CompleteMultipartUpload(bucket, key, uploadID string, parts []Part) error {
	completed := make([]*s3.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, &s3.CompletedPart{
			PartNumber: aws.Int64(p.PartNumber),
			ETag:       aws.String(p.ETag),
		})
	}
	_, err := s.client.CompleteMultipartUpload(&s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return &ConnectionError{Err: err}
	}
	return nil
}

func (s *S3Store) AbortMultipartUpload(bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(&s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return &ConnectionError{Err: err}
	}
	return nil
}

// ObjectKey builds the fixed key layout: projects/<project_id>/records/<record_id>/files/<filename>.
func ObjectKey(projectID, recordID, filename string) string {
	return "projects/" + projectID + "/records/" + recordID + "/files/" + filename
}

// Bucket is fixed across the whole agent.
const Bucket = "default"
