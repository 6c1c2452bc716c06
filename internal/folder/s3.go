package folder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"rostersync/internal/roster"
)

// s3API is the subset of *s3.Client the folder uses.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	s3.ListObjectsV2APIClient
}

// s3Uploader is the subset of *manager.Uploader the folder uses.
type s3Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Options configures an S3Folder. Endpoint and static credentials are
// optional; when unset the default AWS credential chain is used.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Folder is a shared folder stored as objects under a bucket prefix.
// Object writes are whole-object replacements, so readers never see partial files.
type S3Folder struct {
	client   s3API
	uploader s3Uploader
	bucket   string
	prefix   string
}

// NewS3Folder loads AWS configuration and creates an S3Folder.
func NewS3Folder(ctx context.Context, opts S3Options) (*S3Folder, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 folder requires a bucket")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Folder(client, manager.NewUploader(client), opts.Bucket, opts.Prefix), nil
}

func newS3Folder(client s3API, uploader s3Uploader, bucket, prefix string) *S3Folder {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Folder{client: client, uploader: uploader, bucket: bucket, prefix: prefix}
}

func (f *S3Folder) key(name string) string {
	return f.prefix + name
}

func (f *S3Folder) List(ctx context.Context, prefix string) ([]roster.FileInfo, error) {
	var files []roster.FileInfo
	p := s3.NewListObjectsV2Paginator(f.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(f.bucket),
		Prefix: aws.String(f.key(prefix)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error("list", prefix, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), f.prefix)
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			files = append(files, roster.FileInfo{
				Name:    name,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (f *S3Folder) Stat(ctx context.Context, name string) (roster.FileInfo, error) {
	out, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key(name)),
	})
	if err != nil {
		return roster.FileInfo{}, classifyS3Error("stat", name, err)
	}
	return roster.FileInfo{
		Name:    name,
		Size:    aws.ToInt64(out.ContentLength),
		ModTime: aws.ToTime(out.LastModified),
	}, nil
}

func (f *S3Folder) Read(ctx context.Context, name string, w io.Writer) error {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key(name)),
	})
	if err != nil {
		return classifyS3Error("read", name, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return classifyS3Error("read", name, err)
	}
	return nil
}

func (f *S3Folder) Write(ctx context.Context, name string, r io.Reader, size int64) error {
	_, err := f.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(f.bucket),
		Key:           aws.String(f.key(name)),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return classifyS3Error("write", name, err)
	}
	return nil
}

func (f *S3Folder) Delete(ctx context.Context, name string) error {
	_, err := f.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key(name)),
	})
	if err != nil {
		err = classifyS3Error("delete", name, err)
		if roster.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

func (f *S3Folder) ValidateSetup(ctx context.Context) error {
	_, err := f.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(f.bucket)})
	return classifyS3Error("validate", f.bucket, err)
}

// httpStatusError matches the response errors of the AWS transport.
type httpStatusError interface {
	HTTPStatusCode() int
}

// classifyS3Error maps SDK errors onto the storage taxonomy using typed API
// error codes and HTTP status.
func classifyS3Error(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return roster.NewStorageError(s3ErrorKind(err), op, name, err)
}

func s3ErrorKind(err error) roster.ErrorKind {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return roster.KindNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return roster.KindNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return roster.KindPermission
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException", "RequestTimeTooSkewed":
			return roster.KindTransient
		}
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		switch code := statusErr.HTTPStatusCode(); {
		case code == 404:
			return roster.KindNotFound
		case code == 401 || code == 403:
			return roster.KindPermission
		case code == 408 || code == 429 || code >= 500:
			return roster.KindTransient
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return roster.KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return roster.KindTransient
	}
	return roster.KindIO
}

var _ roster.Folder = (*S3Folder)(nil)
