package s3multipart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kirillkom/document-uploader/internal/core/domain"
	"github.com/kirillkom/document-uploader/internal/infrastructure/resilience"
)

type Config struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// Target uploads each chunk as one multipart part (part number = chunk index + 1).
// Parts may be sent in parallel.
type Target struct {
	awsCfg   aws.Config
	cfg      Config
	executor *resilience.Executor
	logger   *slog.Logger

	mu        sync.Mutex
	clientKey string
	client    *s3.Client
}

func New(ctx context.Context, cfg Config, executor *resilience.Executor, logger *slog.Logger) (*Target, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if executor == nil {
		executor = resilience.NewExecutor(resilience.SingleAttemptConfig(), logger)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Target{awsCfg: awsCfg, cfg: cfg, executor: executor, logger: logger}, nil
}

func (t *Target) SupportsParallelChunks() bool { return true }

// clientFor returns an S3 client signing with the temporary keys of cred. Without keys
// the default credential chain is used.
func (t *Target) clientFor(cred domain.Credential) *s3.Client {
	key := cred.AccessKeyID + "\x00" + cred.SessionToken
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil && t.clientKey == key {
		return t.client
	}
	t.client = s3.NewFromConfig(t.awsCfg, func(o *s3.Options) {
		if cred.AccessKeyID != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cred.AccessKeyID, cred.SecretAccessKey, cred.SessionToken)
		}
		if t.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(t.cfg.Endpoint)
		}
		o.UsePathStyle = t.cfg.PathStyle
	})
	t.clientKey = key
	return t.client
}

func (t *Target) CreateSession(ctx context.Context, dest domain.InitResult, file domain.FileDescriptor, cred domain.Credential) (string, error) {
	client := t.clientFor(cred)
	out, err := resilience.Call(ctx, t.executor, "s3_create_multipart_upload", func(ctx context.Context) (*s3.CreateMultipartUploadOutput, error) {
		return client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(dest.Bucket),
			Key:         aws.String(dest.ObjectHandle),
			ContentType: aws.String(file.ContentType),
		})
	}, classifyForExecutor)
	if err != nil {
		return "", toDomainError("create multipart upload", err)
	}
	return FormatLocator(dest.Bucket, dest.ObjectHandle, aws.ToString(out.UploadId)), nil
}

func (t *Target) QueryOffset(ctx context.Context, locator string, _ domain.FileDescriptor, cred domain.Credential) (int64, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return 0, err
	}
	parts, err := t.listParts(ctx, loc, cred)
	if err != nil {
		return 0, err
	}
	return ContiguousOffset(parts), nil
}

func (t *Target) PutChunk(ctx context.Context, locator string, chunk domain.Chunk, cred domain.Credential) (int64, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return 0, err
	}
	client := t.clientFor(cred)
	err = t.executor.Execute(ctx, "s3_upload_part", func(ctx context.Context) error {
		_, err := client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(loc.Bucket),
			Key:           aws.String(loc.Key),
			UploadId:      aws.String(loc.UploadID),
			PartNumber:    aws.Int32(int32(chunk.Index + 1)),
			Body:          bytes.NewReader(chunk.Data),
			ContentLength: aws.Int64(int64(len(chunk.Data))),
		})
		return err
	}, classifyForExecutor)
	if err != nil {
		return 0, toDomainError(fmt.Sprintf("upload part %d", chunk.Index+1), err)
	}
	return chunk.End(), nil
}

// Commit completes the multipart upload from the parts S3 reports.
func (t *Target) Commit(ctx context.Context, locator string, file domain.FileDescriptor, cred domain.Credential) error {
	loc, err := ParseLocator(locator)
	if err != nil {
		return err
	}
	parts, err := t.listParts(ctx, loc, cred)
	if err != nil {
		return err
	}
	if got := ContiguousOffset(parts); got != file.Size {
		return domain.WrapError(domain.ErrConflict, "complete multipart upload",
			fmt.Errorf("parts cover %d of %d bytes", got, file.Size))
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{ETag: p.ETag, PartNumber: p.PartNumber})
	}
	client := t.clientFor(cred)
	err = t.executor.Execute(ctx, "s3_complete_multipart_upload", func(ctx context.Context) error {
		_, err := client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(loc.Bucket),
			Key:             aws.String(loc.Key),
			UploadId:        aws.String(loc.UploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		return err
	}, classifyForExecutor)
	if err != nil {
		return toDomainError("complete multipart upload", err)
	}
	t.logger.Info("s3_multipart_completed", "bucket", loc.Bucket, "key", loc.Key, "parts", len(completed))
	return nil
}

func (t *Target) listParts(ctx context.Context, loc Locator, cred domain.Credential) ([]types.Part, error) {
	client := t.clientFor(cred)
	parts, err := resilience.Call(ctx, t.executor, "s3_list_parts", func(ctx context.Context) ([]types.Part, error) {
		paginator := s3.NewListPartsPaginator(client, &s3.ListPartsInput{
			Bucket:   aws.String(loc.Bucket),
			Key:      aws.String(loc.Key),
			UploadId: aws.String(loc.UploadID),
		})
		var parts []types.Part
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			parts = append(parts, page.Parts...)
		}
		return parts, nil
	}, classifyForExecutor)
	if err != nil {
		return nil, toDomainError("list parts", err)
	}
	return parts, nil
}

// ContiguousOffset sums the sizes of parts 1..n without gaps. Parts after a gap are
// resent on resume.
func ContiguousOffset(parts []types.Part) int64 {
	sorted := append([]types.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool {
		return aws.ToInt32(sorted[i].PartNumber) < aws.ToInt32(sorted[j].PartNumber)
	})
	var offset int64
	for i, p := range sorted {
		if aws.ToInt32(p.PartNumber) != int32(i+1) {
			break
		}
		offset += aws.ToInt64(p.Size)
	}
	return offset
}

type Locator struct {
	Bucket   string
	Key      string
	UploadID string
}

func FormatLocator(bucket, key, uploadID string) string {
	u := url.URL{Scheme: "s3", Host: bucket, Path: "/" + key}
	u.RawQuery = url.Values{"uploadId": []string{uploadID}}.Encode()
	return u.String()
}

func ParseLocator(locator string) (Locator, error) {
	u, err := url.Parse(locator)
	if err != nil || u.Scheme != "s3" {
		return Locator{}, domain.WrapError(domain.ErrSessionNotFound, "parse locator", fmt.Errorf("not an s3 locator: %q", locator))
	}
	loc := Locator{
		Bucket:   u.Host,
		Key:      strings.TrimPrefix(u.Path, "/"),
		UploadID: u.Query().Get("uploadId"),
	}
	if loc.Bucket == "" || loc.Key == "" || loc.UploadID == "" {
		return Locator{}, domain.WrapError(domain.ErrSessionNotFound, "parse locator", errors.New("incomplete s3 locator"))
	}
	return loc, nil
}
