package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/semaphore"
)

// S3Config configures S3-compatible storage.
type S3Config struct {
	// Bucket is the bucket all objects live in.
	Bucket string

	// Region is the AWS region.
	Region string

	// Endpoint overrides the S3 endpoint (for MinIO and other
	// S3-compatible stores). Empty means the AWS default.
	Endpoint string

	// UsePathStyle forces path-style addressing, required by most
	// S3-compatible stores.
	UsePathStyle bool

	// Multipart tunes multipart uploads for large files.
	Multipart MultipartUploadConfig
}

// S3Storage implements ObjectStorage against S3 or an S3-compatible store.
//
// PutIfAbsent relies on conditional writes (If-None-Match: "*"), which S3
// and recent MinIO releases support natively.
type S3Storage struct {
	client     *s3.Client
	bucket     string
	multipart  MultipartUploadConfig
	maxRetries int
}

// NewS3Storage creates an S3 storage using the default AWS credential chain.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3StorageWithClient(client, cfg), nil
}

// NewS3StorageWithClient creates an S3 storage with a pre-built client.
// Useful for tests and custom client configuration.
func NewS3StorageWithClient(client *s3.Client, cfg S3Config) *S3Storage {
	multipart := cfg.Multipart
	if multipart.PartSize <= 0 {
		multipart = DefaultMultipartConfig()
	}
	if multipart.Concurrency <= 0 {
		multipart.Concurrency = DefaultMultipartConfig().Concurrency
	}
	return &S3Storage{
		client:     client,
		bucket:     cfg.Bucket,
		multipart:  multipart,
		maxRetries: 3,
	}
}

// Put writes data to objectPath, replacing any existing object.
func (s *S3Storage) Put(ctx context.Context, objectPath string, data []byte) error {
	return s.retryWithBackoff(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("storage: put %s: %w", objectPath, err)
		}
		return nil
	})
}

// PutIfAbsent writes data to objectPath only if nothing exists there.
// S3 reports an occupied slot as 412 PreconditionFailed; a concurrent
// conditional write in flight surfaces as 409 ConditionalRequestConflict,
// which is retried until the winner's object becomes visible.
func (s *S3Storage) PutIfAbsent(ctx context.Context, objectPath string, data []byte) error {
	return s.retryWithBackoff(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(objectPath),
			Body:        bytes.NewReader(data),
			IfNoneMatch: aws.String("*"),
		})
		if err != nil {
			if isPreconditionFailed(err) {
				return fmt.Errorf("storage: put %s: %w", objectPath, ErrObjectExists)
			}
			return fmt.Errorf("storage: put %s: %w", objectPath, err)
		}
		return nil
	})
}

// Get reads the full content of the object at objectPath.
func (s *S3Storage) Get(ctx context.Context, objectPath string) ([]byte, error) {
	var data []byte
	err := s.retryWithBackoff(ctx, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			var noKey *s3types.NoSuchKey
			if errors.As(err, &noKey) {
				return fmt.Errorf("storage: get %s: %w", objectPath, ErrObjectNotFound)
			}
			return fmt.Errorf("storage: get %s: %w", objectPath, err)
		}
		defer out.Body.Close()

		data, err = io.ReadAll(out.Body)
		if err != nil {
			return fmt.Errorf("storage: read %s: %w", objectPath, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Upload copies a local file to objectPath, using a multipart upload for
// files larger than the configured part size.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("storage: stat source file: %w", err)
	}

	if info.Size() > s.multipart.PartSize {
		return s.uploadMultipart(ctx, localPath, objectPath, info.Size())
	}

	return s.retryWithBackoff(ctx, func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("storage: open source file: %w", err)
		}
		defer f.Close()

		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
			Body:   f,
		})
		if err != nil {
			return fmt.Errorf("storage: upload %s: %w", objectPath, err)
		}
		return nil
	})
}

// uploadMultipart splits the file into parts and uploads them in parallel,
// bounded by the configured concurrency. The upload is aborted on failure
// so no orphaned parts accumulate.
func (s *S3Storage) uploadMultipart(ctx context.Context, localPath, objectPath string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("storage: open source file: %w", err)
	}
	defer f.Close()

	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		return fmt.Errorf("storage: create multipart upload: %w", err)
	}
	uploadID := create.UploadId

	abort := func() {
		_, _ = s.client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(objectPath),
			UploadId: uploadID,
		})
	}

	numParts := int((size + s.multipart.PartSize - 1) / s.multipart.PartSize)
	sem := semaphore.NewWeighted(int64(s.multipart.Concurrency))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		parts    []s3types.CompletedPart
		firstErr error
	)

	for partNum := 1; partNum <= numParts; partNum++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(partNum int) {
			defer sem.Release(1)
			defer wg.Done()

			offset := int64(partNum-1) * s.multipart.PartSize
			length := s.multipart.PartSize
			if offset+length > size {
				length = size - offset
			}

			out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(objectPath),
				UploadId:      uploadID,
				PartNumber:    aws.Int32(int32(partNum)),
				Body:          io.NewSectionReader(f, offset, length),
				ContentLength: aws.Int64(length),
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("storage: upload part %d: %w", partNum, err)
				}
				return
			}
			parts = append(parts, s3types.CompletedPart{
				ETag:       out.ETag,
				PartNumber: aws.Int32(int32(partNum)),
			})
		}(partNum)
	}

	wg.Wait()
	if firstErr != nil {
		abort()
		return firstErr
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(objectPath),
		UploadId:        uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		abort()
		return fmt.Errorf("storage: complete multipart upload: %w", err)
	}
	return nil
}

// Download copies the object at objectPath to localPath.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	return s.retryWithBackoff(ctx, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			var noKey *s3types.NoSuchKey
			if errors.As(err, &noKey) {
				return fmt.Errorf("storage: download %s: %w", objectPath, ErrObjectNotFound)
			}
			return fmt.Errorf("storage: download %s: %w", objectPath, err)
		}
		defer out.Body.Close()

		f, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("storage: create local file: %w", err)
		}
		defer f.Close()

		if _, err := io.Copy(f, out.Body); err != nil {
			os.Remove(localPath)
			return fmt.Errorf("storage: write local file: %w", err)
		}
		return nil
	})
}

// Delete removes the object at objectPath. S3 deletes are idempotent.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	return s.retryWithBackoff(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			return fmt.Errorf("storage: delete %s: %w", objectPath, err)
		}
		return nil
	})
}

// Exists reports whether an object exists at objectPath.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	var exists bool
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			var notFound *s3types.NotFound
			if errors.As(err, &notFound) {
				exists = false
				return nil
			}
			return fmt.Errorf("storage: head %s: %w", objectPath, err)
		}
		exists = true
		return nil
	})
	return exists, err
}

// List returns info for every object whose key starts with prefix.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Path:         aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

// retryWithBackoff runs op up to maxRetries+1 times with exponential
// backoff. Not-found and already-exists outcomes are final and never
// retried; context cancellation stops the loop immediately.
func (s *S3Storage) retryWithBackoff(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrObjectNotFound) || errors.Is(lastErr, ErrObjectExists) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// isPreconditionFailed detects S3's 412 response to a failed conditional
// write. The SDK surfaces it as a generic API error, so the code and
// status are matched on the error text.
func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "PreconditionFailed") ||
		strings.Contains(msg, "StatusCode: 412")
}
