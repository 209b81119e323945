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
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/coscene-io/coscout/internal/netmeter"
)

// Uploader drives one file's resumable multipart upload against an
// ObjectStore, persisting a resume manifest after every part.
type Uploader struct {
	store    ObjectStore
	meter    *netmeter.Meter
	partSize int64
	logger   *zap.SugaredLogger

	// pause is polled between parts; when closed, Upload returns early
	// without error so the caller can retry on the next sweep.
	pause <-chan struct{}
}

// New creates an Uploader. A partSize below MinPartSize is replaced by
// DefaultPartSize; pause may be nil.
func New(store ObjectStore, meter *netmeter.Meter, partSize int64, pause <-chan struct{}, logger *zap.SugaredLogger) *Uploader {
	if partSize < MinPartSize {
		partSize = DefaultPartSize
	}
	return &Uploader{store: store, meter: meter, partSize: partSize, pause: pause, logger: logger}
}

// Upload resumes (or starts) the multipart upload for file into
// bucket/key. If a manifest already exists, it resumes from
// current_part_number; parts already recorded in the manifest are never
// re-uploaded (testable property 8). On success the manifest is left on
// disk with current_part_number one past the last part (a paused upload
// leaves it on disk too), and the file's
// sha256 is not recomputed here; the caller (module I) guarantees the
// frozen prefix is stable before calling Upload.
func (u *Uploader) Upload(bucket, key, file string) error {
	info, err := os.Stat(file)
	if err != nil {
		return errors.Wrapf(err, "stat %q", file)
	}
	totalBytes := info.Size()

	manifest, resumed := loadManifest(file)
	if !resumed {
		uploadID, err := u.store.CreateMultipartUpload(bucket, key)
		if err != nil {
			return err
		}
		manifest = &Manifest{
			MultipartID:       uploadID,
			CurrentPartNumber: 1,
			File:              file,
			TotalBytes:        totalBytes,
			UploadedBytes:     0,
			PartSize:          u.partSize,
			Parts:             nil,
		}
		if err := manifest.save(); err != nil {
			return err
		}
	}

	f, err := os.Open(file)
	if err != nil {
		return errors.Wrapf(err, "opening %q", file)
	}
	defer f.Close()

	startOffset := (manifest.CurrentPartNumber - 1) * manifest.PartSize
	if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
		return errors.Wrap(err, "seeking to resume offset")
	}

	for {
		if u.paused() {
			return nil
		}

		remaining := manifest.TotalBytes - startOffset
		if remaining <= 0 {
			break
		}
		chunkSize := manifest.PartSize
		if remaining < chunkSize {
			chunkSize = remaining
		}

		section := io.NewSectionReader(f, startOffset, chunkSize)
		etag, err := u.store.UploadPart(bucket, key, manifest.MultipartID, manifest.CurrentPartNumber, section, chunkSize)
		if err != nil {
			return err
		}

		manifest.Parts = append(manifest.Parts, Part{PartNumber: manifest.CurrentPartNumber, ETag: etag})
		manifest.CurrentPartNumber++
		manifest.UploadedBytes += chunkSize
		startOffset += chunkSize
		if u.meter != nil {
			u.meter.AddUpload(chunkSize)
		}
		if err := manifest.save(); err != nil {
			return err
		}
		if u.logger != nil {
			u.logger.Debugw("uploaded part", "file", file, "part", manifest.CurrentPartNumber-1, "uploaded_bytes", manifest.UploadedBytes)
		}
	}

	if err := u.store.CompleteMultipartUpload(bucket, key, manifest.MultipartID, manifest.Parts); err != nil {
		return err
	}
	return nil
}

func (u *Uploader) paused() bool {
	if u.pause == nil {
		return false
	}
	select {
	case <-u.pause:
		return true
	default:
		return false
	}
}

// Abort cancels the named multipart upload.
func (u *Uploader) Abort(bucket, key, uploadID string) error {
	return u.store.AbortMultipartUpload(bucket, key, uploadID)
}
