// Package fetcher downloads model artifacts from their origin. Each fetch is
// a single attempt bounded by a fixed timeout.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"time"

	s3Pkg "DetectionAPI/pkg/s3"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

var (
	ErrFetchTimeout = errors.New("artifact fetch timed out")
	ErrFetchFailed  = errors.New("artifact fetch failed")
)

const maxRedirects = 5

type IFetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
	Stage(ctx context.Context, uri string, fn func(path string) error) error
}

type fetcher struct {
	client     *fasthttp.Client
	timeout    time.Duration
	scratchDir string
	store      s3Pkg.ItfS3
	log        *logrus.Logger
}

// New returns a fetcher for http(s), file and, when store is non-nil, s3
// URIs. An empty scratchDir means the OS temp directory.
func New(log *logrus.Logger, timeout time.Duration, scratchDir string, store s3Pkg.ItfS3) IFetcher {
	return &fetcher{
		client: &fasthttp.Client{
			Name: "detection-api",
		},
		timeout:    timeout,
		scratchDir: scratchDir,
		store:      store,
		log:        log,
	}
}

func (f *fetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: bad uri %q: %v", ErrFetchFailed, uri, err)
	}

	start := time.Now()
	var body []byte

	switch u.Scheme {
	case "http", "https":
		body, err = f.fetchHTTP(ctx, uri)
	case "s3":
		body, err = f.fetchS3(ctx, uri)
	case "file":
		body, err = os.ReadFile(u.Path)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
	default:
		err = fmt.Errorf("%w: unsupported scheme %q", ErrFetchFailed, u.Scheme)
	}

	fields := logrus.Fields{
		"uri":        redact(u),
		"latency_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		f.log.WithFields(fields).Warn("Artifact fetch failed")
		return nil, err
	}

	fields["bytes"] = len(body)
	f.log.WithFields(fields).Info("Artifact fetched")
	return body, nil
}

// Stage downloads uri into a scratch file named after the uri's extension,
// calls fn with its path and removes the file on every exit path.
func (f *fetcher) Stage(ctx context.Context, uri string, fn func(path string) error) error {
	body, err := f.Fetch(ctx, uri)
	if err != nil {
		return err
	}

	ext := ""
	if u, err := url.Parse(uri); err == nil {
		ext = path.Ext(u.Path)
	}

	tmp, err := os.CreateTemp(f.scratchDir, "artifact-*"+ext)
	if err != nil {
		return fmt.Errorf("failed to create scratch file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write scratch file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close scratch file: %w", err)
	}

	return fn(tmp.Name())
}

func (f *fetcher) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(f.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

func (f *fetcher) fetchHTTP(ctx context.Context, uri string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	deadline := f.deadline(ctx)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(uri)

	for hop := 0; hop <= maxRedirects; hop++ {
		if err := f.client.DoDeadline(req, resp, deadline); err != nil {
			if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
				return nil, fmt.Errorf("%w: %s after %s", ErrFetchTimeout, uri, f.timeout)
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, uri, err)
		}

		code := resp.StatusCode()
		if fasthttp.StatusCodeIsRedirect(code) {
			location := resp.Header.Peek(fasthttp.HeaderLocation)
			if len(location) == 0 {
				return nil, fmt.Errorf("%w: %s: redirect %d without location", ErrFetchFailed, uri, code)
			}
			next := fasthttp.AcquireURI()
			req.URI().CopyTo(next)
			next.UpdateBytes(location)
			req.SetRequestURI(next.String())
			fasthttp.ReleaseURI(next)
			resp.Reset()
			continue
		}

		if code < fasthttp.StatusOK || code >= fasthttp.StatusMultipleChoices {
			return nil, fmt.Errorf("%w: %s: status %d", ErrFetchFailed, uri, code)
		}

		return append([]byte(nil), resp.Body()...), nil
	}

	return nil, fmt.Errorf("%w: %s: more than %d redirects", ErrFetchFailed, uri, maxRedirects)
}

func (f *fetcher) fetchS3(ctx context.Context, uri string) ([]byte, error) {
	if f.store == nil {
		return nil, fmt.Errorf("%w: s3 origin not configured for %s", ErrFetchFailed, uri)
	}
	bucket, key, err := s3Pkg.ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	ctx, cancel := context.WithDeadline(ctx, f.deadline(ctx))
	defer cancel()

	body, err := f.store.Download(ctx, bucket, key)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrFetchTimeout, uri, f.timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return body, nil
}

// redact drops query strings, which often carry signed tokens.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}
