// Package forwarder submits stored recordings to the downstream processing
// endpoint as multipart form uploads.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path"
	"strings"
	"time"

	"github.com/FairForge/recording-relay/internal/drivers"
	"go.uber.org/zap"
)

const (
	// FieldName is the form field the processing endpoint reads.
	FieldName = "file"
	// ContentType is sent for every part regardless of the recording's encoding.
	ContentType = "audio/wav"
)

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("forward rejected: status code %d", e.StatusCode)
}

// Source opens stored objects for reading. drivers.Driver satisfies it.
type Source interface {
	Get(ctx context.Context, container, artifact string) (io.ReadCloser, error)
}

// Forwarder posts objects to a fixed URL.
type Forwarder struct {
	url    string
	client *http.Client
	policy *drivers.RetryPolicy
	logger *zap.Logger
}

// Option configures a Forwarder
type Option func(*Forwarder)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) {
		f.client = c
	}
}

// WithRetryPolicy retries failed submissions. 4xx responses are never retried.
func WithRetryPolicy(p *drivers.RetryPolicy) Option {
	return func(f *Forwarder) {
		f.policy = p
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(f *Forwarder) {
		f.logger = l
	}
}

// New creates a Forwarder for endpoint.
func New(endpoint string, opts ...Option) (*Forwarder, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("forwarder: endpoint url is required")
	}
	f := &Forwarder{
		url:    endpoint,
		client: &http.Client{Timeout: 60 * time.Second},
		policy: drivers.NewRetryPolicy(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Forward reads obj from src and submits it. Each attempt reopens the object
// so retries send the full body.
func (f *Forwarder) Forward(ctx context.Context, src Source, obj drivers.Object) error {
	return f.policy.Execute(ctx, func() error {
		err := f.forwardOnce(ctx, src, obj)
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
			return drivers.Permanent(err)
		}
		if errors.Is(err, drivers.ErrNotFound) {
			return drivers.Permanent(err)
		}
		return err
	})
}

func (f *Forwarder) forwardOnce(ctx context.Context, src Source, obj drivers.Object) error {
	rc, err := src.Get(ctx, obj.Container, obj.Key)
	if err != nil {
		return fmt.Errorf("open stored recording: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer rc.Close()
		pw.CloseWithError(writeFilePart(mw, path.Base(obj.Key), rc))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return fmt.Errorf("post recording: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	f.logger.Debug("forwarded recording",
		zap.String("key", obj.Key),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeFilePart(mw *multipart.Writer, filename string, r io.Reader) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		FieldName, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", ContentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}
