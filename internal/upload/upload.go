// Package upload hands finished job results to the archive.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/me/jobpool/internal/config"
	"github.com/me/jobpool/internal/logging"
	"github.com/me/jobpool/pkg/model"
)

// ErrNoOutput is returned when a submission's output directory holds no files.
var ErrNoOutput = errors.New("no output files")

// Uploader moves the results of a processing_complete job to the archive
// and returns where they went.
type Uploader interface {
	Upload(ctx context.Context, job *model.Job, sub *model.JobSubmit) (location string, err error)
}

// ObjectUploader is the subset of manager.Uploader used here.
type ObjectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Uploader copies a submission's output directory to
// s3://<bucket>/<prefix>/<job id>/.
type S3Uploader struct {
	client ObjectUploader
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Uploader builds an uploader from the default AWS credential chain.
func NewS3Uploader(ctx context.Context, cfg config.Upload, logger *slog.Logger) (*S3Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return NewS3UploaderWithClient(manager.NewUploader(client), cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3UploaderWithClient creates an S3Uploader over an existing client.
func NewS3UploaderWithClient(client ObjectUploader, bucket, prefix string, logger *slog.Logger) *S3Uploader {
	return &S3Uploader{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logging.For(logger, "upload"),
	}
}

// Upload walks sub.OutputDir and uploads every regular file. A partial
// upload is repeated in full on the next attempt; object keys are stable.
func (u *S3Uploader) Upload(ctx context.Context, job *model.Job, sub *model.JobSubmit) (string, error) {
	if sub == nil || sub.OutputDir == "" {
		return "", fmt.Errorf("job %d: %w", job.ID, ErrNoOutput)
	}
	base := path.Join(u.prefix, strconv.FormatInt(job.ID, 10))

	var count int
	var total int64
	err := filepath.WalkDir(sub.OutputDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(sub.OutputDir, p)
		if err != nil {
			return err
		}
		n, err := u.put(ctx, p, path.Join(base, filepath.ToSlash(rel)))
		if err != nil {
			return err
		}
		count++
		total += n
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("job %d: upload %s: %w", job.ID, sub.OutputDir, err)
	}
	if count == 0 {
		return "", fmt.Errorf("job %d: %s: %w", job.ID, sub.OutputDir, ErrNoOutput)
	}

	location := "s3://" + u.bucket + "/" + base
	u.logger.Info("job results uploaded", "job_id", job.ID, "files", count, "bytes", total, "location", location)
	return location, nil
}

func (u *S3Uploader) put(ctx context.Context, local, key string) (int64, error) {
	f, err := os.Open(local)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	u.logger.Debug("put object", "bucket", u.bucket, "key", key, "size", info.Size())
	if _, err := u.client.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	return info.Size(), nil
}
