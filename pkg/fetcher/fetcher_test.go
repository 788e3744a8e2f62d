package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/labels.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"0":"healthy"}`))
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/labels.json", http.StatusFound)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch_HTTP(t *testing.T) {
	srv := newOrigin(t)
	f := New(quietLogger(), time.Second, t.TempDir(), nil)

	body, err := f.Fetch(context.Background(), srv.URL+"/labels.json")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != `{"0":"healthy"}` {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestFetch_FollowsRedirect(t *testing.T) {
	srv := newOrigin(t)
	f := New(quietLogger(), time.Second, t.TempDir(), nil)

	body, err := f.Fetch(context.Background(), srv.URL+"/moved")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(string(body), "healthy") {
		t.Fatalf("redirect not followed, body %q", body)
	}
}

func TestFetch_NotFound(t *testing.T) {
	srv := newOrigin(t)
	f := New(quietLogger(), time.Second, t.TempDir(), nil)

	_, err := f.Fetch(context.Background(), srv.URL+"/missing.tflite")
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
}

func TestFetch_Timeout(t *testing.T) {
	srv := newOrigin(t)
	f := New(quietLogger(), 100*time.Millisecond, t.TempDir(), nil)

	start := time.Now()
	_, err := f.Fetch(context.Background(), srv.URL+"/slow")
	if !errors.Is(err, ErrFetchTimeout) {
		t.Fatalf("expected ErrFetchTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced, took %s", time.Since(start))
	}
}

func TestFetch_UnsupportedScheme(t *testing.T) {
	f := New(quietLogger(), time.Second, t.TempDir(), nil)
	if _, err := f.Fetch(context.Background(), "ftp://example.com/model.onnx"); !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if _, err := f.Fetch(context.Background(), "s3://bucket/model.onnx"); !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed without s3 store, got %v", err)
	}
}

type fakeStore struct {
	data  []byte
	delay time.Duration
}

func (s *fakeStore) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	select {
	case <-time.After(s.delay):
		return s.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestFetch_S3(t *testing.T) {
	f := New(quietLogger(), time.Second, t.TempDir(), &fakeStore{data: []byte("weights")})
	body, err := f.Fetch(context.Background(), "s3://models/cats/best.tflite")
	if err != nil || string(body) != "weights" {
		t.Fatalf("got %q, %v", body, err)
	}

	slow := New(quietLogger(), 50*time.Millisecond, t.TempDir(), &fakeStore{delay: time.Second})
	if _, err := slow.Fetch(context.Background(), "s3://models/cats/best.tflite"); !errors.Is(err, ErrFetchTimeout) {
		t.Fatalf("expected ErrFetchTimeout, got %v", err)
	}
}

func TestStage_RemovesScratchFileOnEveryPath(t *testing.T) {
	srv := newOrigin(t)
	dir := t.TempDir()
	f := New(quietLogger(), time.Second, dir, nil)

	var staged string
	err := f.Stage(context.Background(), srv.URL+"/labels.json?token=abc", func(path string) error {
		staged = path
		if filepath.Ext(path) != ".json" {
			t.Fatalf("scratch file should keep the extension, got %s", path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !strings.Contains(string(data), "healthy") {
			t.Fatalf("unexpected staged content %q", data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatalf("scratch file left behind after success: %v", err)
	}

	loadErr := errors.New("parse failed")
	err = f.Stage(context.Background(), srv.URL+"/labels.json", func(path string) error {
		staged = path
		return loadErr
	})
	if !errors.Is(err, loadErr) {
		t.Fatalf("expected loader error to propagate, got %v", err)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatalf("scratch file left behind after failure: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("scratch dir not empty: %d entries", len(entries))
	}
}

func TestFetch_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.yaml")
	if err := os.WriteFile(path, []byte("task: detect\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	f := New(quietLogger(), time.Second, t.TempDir(), nil)

	body, err := f.Fetch(context.Background(), "file://"+path)
	if err != nil || string(body) != "task: detect\n" {
		t.Fatalf("got %q, %v", body, err)
	}
}
