/*
Copyright 2026 The Coldvault Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package objstore implements transport.Transport against an
// S3-compatible object store. Relpaths map onto object keys below a
// fixed prefix; directories are synthetic, derived from "/"-delimited
// listings the way the bucket is actually organized rather than as
// objects of their own.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/coldvault/coldvault/transport"
)

// Config configures a connection to one bucket, optionally confined to
// a sub-prefix within it (mirroring the teacher s3 storage's
// "bucket/dirPrefix" convention, where a bucket name containing a slash
// splits into bucket and a leading key prefix).
type Config struct {
	Bucket   string
	Prefix   string // no leading slash; trailing slash added if missing and non-empty
	Endpoint string // empty uses AWS's default resolver
	Region   string
	ForcePathStyle bool
}

// Transport implements transport.Transport against one bucket+prefix.
type Transport struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string // "" or ends with "/"
}

// New returns a Transport backed by an S3-compatible bucket, performing
// a preflight HeadBucket so misconfiguration is caught at startup
// rather than on the first real operation (grounded on the teacher s3
// storage's own startup check, `skipStartupCheck` notwithstanding).
func New(ctx context.Context, cfg Config) (*Transport, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.Region),
		Endpoint:         awsStringOrNil(cfg.Endpoint),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: creating session: %w", err)
	}
	client := s3.New(sess)
	if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("objstore: bucket %q not reachable: %w", cfg.Bucket, err)
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Transport{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   cfg.Bucket,
		prefix:   prefix,
	}, nil
}

func awsStringOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func (t *Transport) key(relpath string) string {
	return t.prefix + relpath
}

func mapErr(err error, relpath string) error {
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if ok := errorsAs(err, &aerr); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return fmt.Errorf("%w: %s", transport.ErrNotFound, relpath)
		}
	}
	return err
}

// errorsAs reports whether err itself is an awserr.Error, by a direct
// type assertion; a wrapped awserr.Error is not unwrapped.
func errorsAs(err error, target *awserr.Error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		*target = aerr
		return true
	}
	return false
}

func (t *Transport) Read(ctx context.Context, relpath string) ([]byte, error) {
	out, err := t.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(relpath)),
	})
	if err != nil {
		return nil, mapErr(err, relpath)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Write uploads data to relpath. CreateNew checks for prior existence
// with a HeadObject first; S3's API has no atomic create-if-absent
// across all S3-compatible backends, so this narrows but does not
// eliminate the race window, the same trade-off localfs documents for
// its own CreateNew path, acceptable here for the same reason: a lost
// race between two writers of identical content-addressed bytes is
// harmless.
func (t *Transport) Write(ctx context.Context, relpath string, data []byte, mode transport.WriteMode) error {
	key := t.key(relpath)
	if mode == transport.CreateNew {
		_, err := t.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{Bucket: aws.String(t.bucket), Key: aws.String(key)})
		if err == nil {
			return fmt.Errorf("%w: %s", transport.ErrAlreadyExists, relpath)
		}
		if !isNotFoundErr(err) {
			return mapErr(err, relpath)
		}
	}
	_, err := t.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return mapErr(err, relpath)
}

func isNotFoundErr(err error) bool {
	var aerr awserr.Error
	if errorsAs(err, &aerr) {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}

func (t *Transport) ListDir(ctx context.Context, relpath string) ([]transport.Info, []transport.Info, error) {
	dirPrefix := t.key(relpath)
	if dirPrefix != "" && !strings.HasSuffix(dirPrefix, "/") {
		dirPrefix += "/"
	}
	var files, subdirs []transport.Info
	err := t.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(t.bucket),
		Prefix:    aws.String(dirPrefix),
		Delimiter: aws.String("/"),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), dirPrefix)
			if name == "" {
				continue // the directory marker object itself, if one exists
			}
			files = append(files, transport.Info{
				Name:   name,
				Kind:   transport.KindFile,
				Length: aws.Int64Value(obj.Size),
				Mtime:  aws.TimeValue(obj.LastModified),
			})
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.StringValue(cp.Prefix), dirPrefix), "/")
			if name == "" {
				continue
			}
			subdirs = append(subdirs, transport.Info{Name: name, Kind: transport.KindDir})
		}
		return true
	})
	if err != nil {
		return nil, nil, mapErr(err, relpath)
	}
	return files, subdirs, nil
}

// CreateDir is a no-op: S3 has no real directories, only key prefixes
// that come into existence the first time an object is written under
// them.
func (t *Transport) CreateDir(ctx context.Context, relpath string) error { return nil }

func (t *Transport) Metadata(ctx context.Context, relpath string) (transport.Info, error) {
	key := t.key(relpath)
	head, err := t.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{Bucket: aws.String(t.bucket), Key: aws.String(key)})
	if err == nil {
		return transport.Info{
			Name:   path.Base(relpath),
			Kind:   transport.KindFile,
			Length: aws.Int64Value(head.ContentLength),
			Mtime:  aws.TimeValue(head.LastModified),
		}, nil
	}
	if !isNotFoundErr(err) {
		return transport.Info{}, mapErr(err, relpath)
	}
	// Not an object; see if anything exists below it as a prefix, which
	// is the only sense in which an S3 "directory" exists.
	out, listErr := t.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(t.bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int64(1),
	})
	if listErr != nil {
		return transport.Info{}, mapErr(listErr, relpath)
	}
	if len(out.Contents) > 0 {
		return transport.Info{Name: path.Base(relpath), Kind: transport.KindDir}, nil
	}
	return transport.Info{}, fmt.Errorf("%w: %s", transport.ErrNotFound, relpath)
}

func (t *Transport) RemoveFile(ctx context.Context, relpath string) error {
	_, err := t.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(relpath)),
	})
	return mapErr(err, relpath)
}

// RemoveDirAll deletes every object below relpath's prefix, paging
// through listings and batch-deleting up to 1000 keys at a time (S3's
// DeleteObjects limit).
func (t *Transport) RemoveDirAll(ctx context.Context, relpath string) error {
	prefix := t.key(relpath)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var pageErr error
	err := t.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(t.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		if len(page.Contents) == 0 {
			return true
		}
		ids := make([]*s3.ObjectIdentifier, len(page.Contents))
		for i, obj := range page.Contents {
			ids[i] = &s3.ObjectIdentifier{Key: obj.Key}
		}
		_, err := t.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(t.bucket),
			Delete: &s3.Delete{Objects: ids},
		})
		if err != nil {
			pageErr = err
			return false
		}
		return true
	})
	if err != nil {
		return mapErr(err, relpath)
	}
	return pageErr
}

func (t *Transport) Chdir(relpath string) (transport.Transport, error) {
	return &Transport{
		client:   t.client,
		uploader: t.uploader,
		bucket:   t.bucket,
		prefix:   t.key(relpath) + "/",
	}, nil
}

var _ transport.Transport = (*Transport)(nil)
