package folder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"rostersync/internal/roster"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failAll error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		LastModified:  aws.Time(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)),
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	out := &s3.ListObjectsV2Output{}
	for key, data := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{
				Key:  aws.String(key),
				Size: aws.Int64(int64(len(data))),
			})
		}
	}
	return out, nil
}

func (f *fakeS3) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	f.objects[aws.ToString(in.Key)] = data
	return &manager.UploadOutput{}, nil
}

func TestS3Folder_PrefixMapping(t *testing.T) {
	fake := newFakeS3()
	f := newS3Folder(fake, fake, "rosters", "team-a")
	ctx := context.Background()

	writeString(t, f, "roster.working.alice.db", "alice")
	writeString(t, f, "changes/s1.json", "{}")
	fake.objects["team-b/roster.base.db"] = []byte("other team")

	if _, ok := fake.objects["team-a/roster.working.alice.db"]; !ok {
		t.Fatalf("object not stored under prefix: %v", fake.objects)
	}

	files, err := f.List(ctx, "roster.")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(files) != 1 || files[0].Name != "roster.working.alice.db" || files[0].Size != 5 {
		t.Errorf("List() = %+v", files)
	}

	var buf bytes.Buffer
	if err := f.Read(ctx, "changes/s1.json", &buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if buf.String() != "{}" {
		t.Errorf("Read() = %q", buf.String())
	}

	info, err := f.Stat(ctx, "roster.working.alice.db")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size != 5 {
		t.Errorf("Stat().Size = %d", info.Size)
	}

	if err := f.Delete(ctx, "roster.working.alice.db"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := f.Stat(ctx, "roster.working.alice.db"); !roster.IsNotFound(err) {
		t.Errorf("Stat() after delete error = %v, want not found", err)
	}
}

func TestS3Folder_FailuresAreClassified(t *testing.T) {
	fake := newFakeS3()
	fake.failAll = &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}
	f := newS3Folder(fake, fake, "rosters", "")

	if _, err := f.List(context.Background(), ""); !roster.IsTransient(err) {
		t.Errorf("List() error = %v, want transient", err)
	}
	if err := f.ValidateSetup(context.Background()); !roster.IsTransient(err) {
		t.Errorf("ValidateSetup() error = %v, want transient", err)
	}
}

func httpResponseError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      errors.New("response error"),
		},
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyS3Error(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want roster.ErrorKind
	}{
		{"no such key", &types.NoSuchKey{}, roster.KindNotFound},
		{"no such bucket", &types.NoSuchBucket{}, roster.KindNotFound},
		{"access denied code", &smithy.GenericAPIError{Code: "AccessDenied"}, roster.KindPermission},
		{"throttled code", &smithy.GenericAPIError{Code: "Throttling"}, roster.KindTransient},
		{"http 404", httpResponseError(404), roster.KindNotFound},
		{"http 403", httpResponseError(403), roster.KindPermission},
		{"http 503", httpResponseError(503), roster.KindTransient},
		{"http 429", httpResponseError(429), roster.KindTransient},
		{"http 400", httpResponseError(400), roster.KindIO},
		{"network timeout", timeoutError{}, roster.KindTransient},
		{"deadline", context.DeadlineExceeded, roster.KindTransient},
		{"unknown", errors.New("boom"), roster.KindIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyS3Error("read", "roster.base.db", tt.err)
			if got := roster.KindOf(err); got != tt.want {
				t.Errorf("classifyS3Error() kind = %v, want %v", got, tt.want)
			}
		})
	}

	if classifyS3Error("read", "x", nil) != nil {
		t.Error("nil error should stay nil")
	}
	if err := classifyS3Error("read", "x", context.Canceled); !errors.Is(err, context.Canceled) || roster.KindOf(err) != 0 {
		t.Errorf("canceled should pass through unclassified, got %v", err)
	}
}
