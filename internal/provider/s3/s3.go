// Package s3 implements a provider on S3-compatible object storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/BadgerOps/sitesync/internal/config"
	"github.com/BadgerOps/sitesync/internal/provider"
	"github.com/BadgerOps/sitesync/internal/safety"
)

// Settings is the typed provider-specific config of an s3 site.
type Settings struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Provider maps resolved paths onto object keys in one bucket.
type Provider struct {
	provider.Base
	settings       Settings
	maxConnections int
	client         *s3.Client
	logger         *slog.Logger
}

// New is the provider.Factory for s3 sites. Credentials come from settings
// when given, otherwise from the default AWS credential chain.
func New(cfg provider.SiteConfig, logger *slog.Logger) (provider.Provider, error) {
	s, err := config.ParseProviderConfig[Settings](cfg.Settings)
	if err != nil {
		return nil, err
	}
	if s.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if s.Region == "" {
		s.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.Region)}
	if s.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
		}
		o.UsePathStyle = s.ForcePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		if s.Timeout > 0 {
			o.HTTPClient = safety.NewHTTPClient(s.Timeout)
		}
	})

	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		Base:           provider.NewBase(cfg, true),
		settings:       *s,
		maxConnections: cfg.MaxConnections,
		client:         client,
		logger:         logger.With("provider", provider.CodeS3, "site", cfg.Name, "bucket", s.Bucket),
	}, nil
}

// MaxConnections implements provider.Limiter.
func (p *Provider) MaxConnections() int {
	return p.maxConnections
}

func key(path string) string {
	return strings.TrimPrefix(path, "/")
}

func (p *Provider) IsActive(ctx context.Context) bool {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.settings.Bucket)})
	if err != nil {
		p.logger.Warn("bucket not reachable", "error", err)
		return false
	}
	return true
}

// CreateFolder is a no-op; object stores have no directories.
func (p *Provider) CreateFolder(ctx context.Context, path string) (string, error) {
	return path, nil
}

func (p *Provider) exists(ctx context.Context, path string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.settings.Bucket),
		Key:    aws.String(key(path)),
	})
	if err == nil {
		return true, nil
	}
	cerr := classify("head_object", path, err)
	if errors.Is(cerr, provider.ErrNotFound) {
		return false, nil
	}
	return false, cerr
}

func (p *Provider) UploadFile(ctx context.Context, source, target string, onProgress provider.ProgressFunc, overwrite bool) (string, error) {
	f, err := os.Open(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", provider.NewError("upload_file", source, provider.ErrNotFound, err)
		}
		return "", provider.NewError("upload_file", source, nil, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", provider.NewError("upload_file", source, nil, err)
	}

	if !overwrite {
		found, err := p.exists(ctx, target)
		if err != nil {
			return "", err
		}
		if found {
			return "", provider.NewError("upload_file", target, provider.ErrAlreadyExists, nil)
		}
	}

	body := provider.NewProgressReader(f, info.Size(), onProgress)
	out, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.settings.Bucket),
		Key:           aws.String(key(target)),
		Body:          body,
		ContentLength: aws.Int64(info.Size()),
	}, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		return "", classify("upload_file", target, err)
	}
	return strings.Trim(aws.ToString(out.ETag), `"`), nil
}

func (p *Provider) DownloadFile(ctx context.Context, source, localPath string, onProgress provider.ProgressFunc, overwrite bool) (string, error) {
	if !overwrite {
		if _, err := os.Stat(localPath); err == nil {
			return "", provider.NewError("download_file", localPath, provider.ErrAlreadyExists, nil)
		}
	}

	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.settings.Bucket),
		Key:    aws.String(key(source)),
	})
	if err != nil {
		return "", classify("download_file", source, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", provider.NewError("download_file", localPath, nil, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".part-")
	if err != nil {
		return "", provider.NewError("download_file", localPath, nil, err)
	}
	reader := provider.NewProgressReader(out.Body, aws.ToInt64(out.ContentLength), onProgress)
	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", classify("download_file", source, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", provider.NewError("download_file", localPath, nil, err)
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		os.Remove(tmp.Name())
		return "", provider.NewError("download_file", localPath, nil, err)
	}
	return localPath, nil
}

// DeleteFile reports ErrNotFound for missing keys even though S3 deletes
// are idempotent.
func (p *Provider) DeleteFile(ctx context.Context, path string) error {
	found, err := p.exists(ctx, path)
	if err != nil {
		return err
	}
	if !found {
		return provider.NewError("delete_file", path, provider.ErrNotFound, nil)
	}
	_, err = p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.settings.Bucket),
		Key:    aws.String(key(path)),
	})
	if err != nil {
		return classify("delete_file", path, err)
	}
	return nil
}

func (p *Provider) ListFolder(ctx context.Context, path string) ([]string, error) {
	prefix := strings.TrimSuffix(key(path), "/") + "/"
	if prefix == "/" {
		prefix = ""
	}
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.settings.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var names []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list_folder", path, err)
		}
		for _, cp := range page.CommonPrefixes {
			names = append(names, strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/"))
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name != "" {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (p *Provider) Tree(ctx context.Context) (map[string]provider.TreeEntry, error) {
	tree := make(map[string]provider.TreeEntry)
	for name, root := range p.Roots.Site {
		prefix := strings.TrimSuffix(key(root), "/") + "/"
		if prefix == "/" {
			prefix = ""
		}
		paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(p.settings.Bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, classify("get_tree", root, err)
			}
			for _, obj := range page.Contents {
				rel := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
				tree[fmt.Sprintf("{root[%s]}/%s", name, rel)] = provider.TreeEntry{
					Size:    aws.ToInt64(obj.Size),
					ModTime: aws.ToTime(obj.LastModified),
				}
			}
		}
	}
	return tree, nil
}

// classify maps S3 API errors onto provider error kinds.
func classify(op, path string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return provider.NewError(op, path, provider.ErrNotFound, err)
		case "SlowDown", "RequestTimeout", "ServiceUnavailable", "InternalError":
			return provider.NewError(op, path, provider.ErrUnavailable, err)
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return provider.NewError(op, path, provider.ErrNotFound, err)
		case safety.IsRetryableStatus(code):
			return provider.NewError(op, path, provider.ErrUnavailable, err)
		}
	}
	if provider.IsResumable(err) {
		return provider.NewError(op, path, provider.ErrUnavailable, err)
	}
	return provider.NewError(op, path, nil, err)
}
