package folder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sethvargo/go-retry"

	"rostersync/internal/roster"
)

// RetryPolicy bounds retries of transient folder failures.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// RetryingFolder retries operations that fail with a transient StorageError
// using capped exponential backoff. Every other error is returned at once.
type RetryingFolder struct {
	inner  roster.Folder
	policy RetryPolicy
	logger roster.Logger
}

// NewRetryingFolder wraps inner.
func NewRetryingFolder(inner roster.Folder, policy RetryPolicy, logger roster.Logger) *RetryingFolder {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if logger == nil {
		logger = roster.NewNopLogger()
	}
	return &RetryingFolder{inner: inner, policy: policy, logger: logger}
}

func (f *RetryingFolder) backoff() retry.Backoff {
	base := f.policy.BaseDelay
	if base <= 0 {
		base = time.Nanosecond
	}
	b := retry.NewExponential(base)
	if f.policy.MaxDelay > 0 {
		b = retry.WithCappedDuration(f.policy.MaxDelay, b)
	}
	return retry.WithMaxRetries(uint64(f.policy.Attempts-1), b)
}

// do runs fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. An exhausted budget yields a *roster.RetryableError.
func (f *RetryingFolder) do(ctx context.Context, op, name string, fn func(ctx context.Context) error) error {
	attempts := 0
	err := retry.Do(ctx, f.backoff(), func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err != nil && roster.IsTransient(err) {
			f.logger.Debug("transient folder failure", "op", op, "name", name, "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && roster.IsTransient(err) {
		f.logger.Warn("folder operation gave up", "op", op, "name", name, "attempts", attempts)
		return &roster.RetryableError{Op: fmt.Sprintf("%s %s", op, name), Attempts: attempts, Err: err}
	}
	return err
}

func (f *RetryingFolder) List(ctx context.Context, prefix string) ([]roster.FileInfo, error) {
	var files []roster.FileInfo
	err := f.do(ctx, "list", prefix, func(ctx context.Context) error {
		var err error
		files, err = f.inner.List(ctx, prefix)
		return err
	})
	return files, err
}

func (f *RetryingFolder) Stat(ctx context.Context, name string) (roster.FileInfo, error) {
	var info roster.FileInfo
	err := f.do(ctx, "stat", name, func(ctx context.Context) error {
		var err error
		info, err = f.inner.Stat(ctx, name)
		return err
	})
	return info, err
}

// Read buffers each attempt so a failed attempt never leaves partial output in w.
func (f *RetryingFolder) Read(ctx context.Context, name string, w io.Writer) error {
	var buf bytes.Buffer
	err := f.do(ctx, "read", name, func(ctx context.Context) error {
		buf.Reset()
		return f.inner.Read(ctx, name, &buf)
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, &buf)
	return err
}

// Write replays the body on each attempt, seeking when r allows it.
func (f *RetryingFolder) Write(ctx context.Context, name string, r io.Reader, size int64) error {
	seeker, ok := r.(io.ReadSeeker)
	var start int64
	if ok {
		var err error
		if start, err = seeker.Seek(0, io.SeekCurrent); err != nil {
			ok = false
		}
	}
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("buffering %s: %w", name, err)
		}
		seeker = bytes.NewReader(data)
		start = 0
	}

	return f.do(ctx, "write", name, func(ctx context.Context) error {
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding %s: %w", name, err)
		}
		return f.inner.Write(ctx, name, seeker, size)
	})
}

func (f *RetryingFolder) Delete(ctx context.Context, name string) error {
	return f.do(ctx, "delete", name, func(ctx context.Context) error {
		return f.inner.Delete(ctx, name)
	})
}

func (f *RetryingFolder) ValidateSetup(ctx context.Context) error {
	return f.do(ctx, "validate", "", f.inner.ValidateSetup)
}

var _ roster.Folder = (*RetryingFolder)(nil)
