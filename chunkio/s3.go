// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkio

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/grailbio/base/errors"
	"github.com/tomoflow/tomoflow/buffer"
)

// An S3Sink writes artifacts to an S3 bucket using the same key
// scheme as DirSink: {prefix}/{pathHint}/{variantID}/{name}_{offset}.raw.
// Uploads overwrite existing keys, preserving save idempotence.
type S3Sink struct {
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Sink returns a sink uploading into the named bucket under
// prefix, using the provided AWS session.
func NewS3Sink(p client.ConfigProvider, bucket, prefix string) *S3Sink {
	return &S3Sink{
		uploader: s3manager.NewUploader(p),
		bucket:   bucket,
		prefix:   prefix,
	}
}

// Write implements Sink.
func (s *S3Sink) Write(ctx context.Context, b *buffer.Buffer, pathHint, variantID string) error {
	key := path.Join(s.prefix, pathHint, variantID, ArtifactName(b))
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(Encode(b)),
	})
	if err != nil {
		return errors.E(fmt.Sprintf("chunkio: upload artifact %s", key), err)
	}
	return nil
}
