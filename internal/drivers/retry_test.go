package drivers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy(t *testing.T) {
	t.Run("retries transient failures", func(t *testing.T) {
		attempts := 0
		failingFunc := func() error {
			attempts++
			if attempts < 3 {
				return errors.New("transient error")
			}
			return nil
		}

		policy := NewRetryPolicy(
			WithMaxAttempts(5),
			WithInitialDelay(time.Millisecond),
			WithMaxDelay(10*time.Millisecond),
			WithJitter(true),
		)

		err := policy.Execute(context.Background(), failingFunc)

		require.NoError(t, err)
		assert.Equal(t, 3, attempts, "Should succeed on third attempt")
	})

	t.Run("default is a single attempt", func(t *testing.T) {
		attempts := 0
		err := NewRetryPolicy().Execute(context.Background(), func() error {
			attempts++
			return errors.New("boom")
		})

		assert.EqualError(t, err, "boom")
		assert.Equal(t, 1, attempts)
	})

	t.Run("permanent errors stop immediately", func(t *testing.T) {
		sentinel := errors.New("bad request")
		attempts := 0
		policy := NewRetryPolicy(WithMaxAttempts(5), WithInitialDelay(time.Millisecond))

		err := policy.Execute(context.Background(), func() error {
			attempts++
			return Permanent(sentinel)
		})

		assert.Same(t, sentinel, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		policy := NewRetryPolicy(WithMaxAttempts(10), WithInitialDelay(time.Second))

		err := policy.Execute(ctx, func() error { return errors.New("still failing") })

		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("caps delay at max", func(t *testing.T) {
		policy := NewRetryPolicy(
			WithInitialDelay(time.Second),
			WithMaxDelay(2*time.Second),
			WithJitter(false),
		)

		assert.Equal(t, time.Second, policy.calculateDelay(0))
		assert.Equal(t, 2*time.Second, policy.calculateDelay(1))
		assert.Equal(t, 2*time.Second, policy.calculateDelay(5))
	})

	t.Run("clamps attempts to one", func(t *testing.T) {
		assert.Equal(t, 1, NewRetryPolicy(WithMaxAttempts(0)).maxAttempts)
	})
}

// flakyDriver fails the first n calls of each operation.
type flakyDriver struct {
	*LocalDriver
	failures int
	puts     int
}

func (f *flakyDriver) Put(ctx context.Context, container, artifact string, data io.Reader, opts ...PutOption) error {
	f.puts++
	if f.puts <= f.failures {
		_, _ = io.Copy(io.Discard, data)
		return errors.New("connection reset")
	}
	return f.LocalDriver.Put(ctx, container, artifact, data, opts...)
}

func TestRetryableDriver_PutReplaysSeekableBody(t *testing.T) {
	inner := &flakyDriver{LocalDriver: NewLocalDriver(t.TempDir(), nil), failures: 2}
	d := NewRetryableDriver(inner, NewRetryPolicy(WithMaxAttempts(3), WithInitialDelay(time.Millisecond)))
	ctx := context.Background()

	require.NoError(t, d.Put(ctx, "c", "k.wav", bytes.NewReader([]byte("full body"))))
	assert.Equal(t, 3, inner.puts)

	rc, err := d.Get(ctx, "c", "k.wav")
	require.NoError(t, err)
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "full body", string(got))
}

func TestRetryableDriver_GetNotFoundIsNotRetried(t *testing.T) {
	d := NewRetryableDriver(NewLocalDriver(t.TempDir(), nil),
		NewRetryPolicy(WithMaxAttempts(5), WithInitialDelay(time.Second)))

	start := time.Now()
	_, err := d.Get(context.Background(), "c", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
