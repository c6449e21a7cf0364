package drivers

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Driver is the blob store that holds durable copies of recordings.
type Driver interface {
	Get(ctx context.Context, container, artifact string) (io.ReadCloser, error)
	Put(ctx context.Context, container, artifact string, data io.Reader, opts ...PutOption) error
	Delete(ctx context.Context, container, artifact string) error
	List(ctx context.Context, container string, prefix string) ([]string, error)
	Exists(ctx context.Context, container, artifact string) (bool, error)
	// HealthCheck reports whether container can currently be written to.
	HealthCheck(ctx context.Context, container string) error
}

// Object identifies one stored copy of a recording.
type Object struct {
	Container   string
	Key         string
	ContentType string
	Size        int64
}

// PutOptions carries optional object metadata for Put.
type PutOptions struct {
	ContentType string
}

// PutOption configures a Put call
type PutOption func(*PutOptions)

// WithContentType records the object's media type where the backend supports it.
func WithContentType(ct string) PutOption {
	return func(o *PutOptions) {
		o.ContentType = ct
	}
}

func applyPutOptions(opts []PutOption) PutOptions {
	var o PutOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
