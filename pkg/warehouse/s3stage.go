package warehouse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stagehand-io/stagehand/internal/logger"
	"github.com/stagehand-io/stagehand/pkg/bufpool"
	"github.com/stagehand-io/stagehand/pkg/config"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
	"github.com/stagehand-io/stagehand/pkg/progress"
)

const (
	// stagePartSize is the multipart part size. 16 MiB keeps a 5 GiB
	// object well under the 10000-part limit.
	stagePartSize = 16 << 20

	// deleteBatchSize is the DeleteObjects batch limit.
	deleteBatchSize = 1000

	// minMultipartSize is the threshold below which a single PutObject is
	// cheaper than a multipart session.
	minMultipartSize = 32 << 20
)

// abortTimeout bounds the cleanup call after a failed multipart upload.
const abortTimeout = 30 * time.Second

// Stager manages ephemeral stage prefixes in the object store.
type Stager interface {
	// Upload stages one local file under the handle's prefix and returns
	// the bytes written.
	Upload(ctx context.Context, localPath string, h *StageHandle, parallel int) (int64, error)

	// Drop removes every object under the handle's prefix. Idempotent.
	Drop(ctx context.Context, h *StageHandle) error
}

// S3Stager stages files in an S3 bucket using parallel multipart uploads.
type S3Stager struct {
	client *s3.Client
	sink   progress.Sink
}

// NewS3Stager builds the stage client from warehouse stage configuration.
func NewS3Stager(ctx context.Context, cfg config.StageConfig, sink progress.Sink) (*S3Stager, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, loaderr.Wrap(loaderr.KindConfigInvalid, "aws configuration failed", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	if sink == nil {
		sink = progress.Null{}
	}
	return &S3Stager{client: client, sink: sink}, nil
}

// Upload stages the file. Files below the multipart threshold go up as a
// single object; larger files are split into fixed-size parts uploaded by
// up to parallel workers.
func (s *S3Stager) Upload(ctx context.Context, localPath string, h *StageHandle, parallel int) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, loaderr.Wrap(loaderr.KindFileIO, "open for upload failed", err).WithPath(localPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, loaderr.Wrap(loaderr.KindFileIO, "stat for upload failed", err).WithPath(localPath)
	}
	size := info.Size()
	key := h.ObjectKey(filepath.Base(localPath))

	s.sink.FileStart(localPath, progress.PhaseUpload, size)
	if size < minMultipartSize {
		err = s.putObject(ctx, f, size, h.Bucket, key)
	} else {
		err = s.multipartUpload(ctx, f, size, h.Bucket, key, parallel)
	}
	if err != nil {
		return 0, err
	}

	logger.Debug("file staged",
		logger.KeyFile, localPath,
		logger.KeyStage, h.URL(),
		logger.KeyBytes, size)
	return size, nil
}

func (s *S3Stager) putObject(ctx context.Context, f *os.File, size int64, bucket, key string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return stageError("put object failed", err)
	}
	s.sink.Progress(key, progress.PhaseUpload, size)
	return nil
}

// multipartUpload reads sequential parts from the file and fans them out
// to parallel part uploaders. The session is aborted on any failure so the
// bucket never accumulates orphaned parts.
func (s *S3Stager) multipartUpload(ctx context.Context, f *os.File, size int64, bucket, key string, parallel int) error {
	if parallel < 1 {
		parallel = 1
	}

	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return stageError("create multipart upload failed", err)
	}
	uploadID := *create.UploadId

	type part struct {
		number int32
		data   []byte
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	parts := make(chan part, parallel)
	errCh := make(chan error, parallel)

	var (
		mu        sync.Mutex
		completed []types.CompletedPart
		wg        sync.WaitGroup
	)

	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range parts {
				out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
					Bucket:     aws.String(bucket),
					Key:        aws.String(key),
					UploadId:   aws.String(uploadID),
					PartNumber: aws.Int32(p.number),
					Body:       bytes.NewReader(p.data),
				})
				if err != nil {
					bufpool.Put(p.data)
					errCh <- stageError(fmt.Sprintf("upload part %d failed", p.number), err)
					cancel()
					return
				}
				bufpool.Put(p.data)
				mu.Lock()
				completed = append(completed, types.CompletedPart{
					ETag:       out.ETag,
					PartNumber: aws.Int32(p.number),
				})
				mu.Unlock()
				s.sink.Progress(key, progress.PhaseUpload, int64(len(p.data)))
			}
		}()
	}

	var readErr error
	var number int32
feed:
	for offset := int64(0); offset < size; offset += stagePartSize {
		n := int64(stagePartSize)
		if size-offset < n {
			n = size - offset
		}
		buf := bufpool.Get(int(n))
		if _, err := io.ReadFull(f, buf); err != nil {
			bufpool.Put(buf)
			readErr = loaderr.Wrap(loaderr.KindFileIO, "read for upload failed", err)
			break
		}
		number++
		select {
		case parts <- part{number: number, data: buf}:
		case <-ctx.Done():
			bufpool.Put(buf)
			break feed
		}
	}
	close(parts)
	wg.Wait()
	close(errCh)

	if readErr == nil {
		readErr = <-errCh // nil when all parts landed
	}
	if readErr == nil && ctx.Err() != nil {
		readErr = loaderr.Wrap(loaderr.KindCancelled, "upload cancelled", ctx.Err())
	}
	if readErr != nil {
		abortCtx, abortCancel := context.WithTimeout(context.Background(), abortTimeout)
		defer abortCancel()
		_, _ = s.client.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		return readErr
	}

	sort.Slice(completed, func(i, j int) bool {
		return *completed[i].PartNumber < *completed[j].PartNumber
	})
	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return stageError("complete multipart upload failed", err)
	}
	return nil
}

// Drop lists the stage prefix and batch-deletes everything under it.
func (s *S3Stager) Drop(ctx context.Context, h *StageHandle) error {
	prefix := h.Prefix + "/"
	var keys []types.ObjectIdentifier

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(h.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return stageError("stage listing failed", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, types.ObjectIdentifier{Key: obj.Key})
		}
	}

	for len(keys) > 0 {
		batch := keys
		if len(batch) > deleteBatchSize {
			batch = batch[:deleteBatchSize]
		}
		keys = keys[len(batch):]

		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(h.Bucket),
			Delete: &types.Delete{
				Objects: batch,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return stageError("stage drop failed", err)
		}
	}

	logger.Debug("stage dropped", logger.KeyStage, h.URL())
	return nil
}

func stageError(msg string, err error) error {
	return loaderr.Wrap(loaderr.KindFileIO, msg, err)
}
