// Package registry owns the loaded model bundles. A bundle is built on the
// first Acquire for its key and kept for the life of the process.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"DetectionAPI/pkg/inference"
	"DetectionAPI/pkg/yolo"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type ModelKey string

var (
	ErrUnknownKey = errors.New("model key not registered")
	ErrUpstream   = errors.New("model resources unavailable")
	ErrClosed     = errors.New("registry closed")
)

// Source is where a key's artifacts live and how its output is read.
type Source struct {
	WeightsURL  string  `validate:"required,uri"`
	LabelsURL   string  `validate:"required,uri"`
	MetadataURL string  `validate:"required,uri"`
	Threshold   float64 `validate:"gte=0,lte=1"`
	Format      yolo.Format
}

// Bundle is immutable once built; only the invoke lock changes state.
type Bundle struct {
	Key       ModelKey
	Runtime   inference.Runtime
	Labels    map[int]string
	Metadata  map[string]interface{}
	Format    yolo.Format
	Threshold float64
	LoadedAt  time.Time

	invokeMu sync.Mutex
}

// Exclusive runs fn while holding the bundle's invoke lock. Runtimes are not
// safe for concurrent invokes; bundles for different keys never contend.
func (b *Bundle) Exclusive(fn func(rt inference.Runtime) error) error {
	b.invokeMu.Lock()
	defer b.invokeMu.Unlock()
	return fn(b.Runtime)
}

// MetadataSnapshot returns a deep copy of the metadata document, safe to
// hand to callers that may mutate it.
func (b *Bundle) MetadataSnapshot() map[string]interface{} {
	if b.Metadata == nil {
		return nil
	}
	return cloneValue(b.Metadata).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

type Loader interface {
	Load(ctx context.Context, key ModelKey, src Source) (*Bundle, error)
}

type IRegistry interface {
	Acquire(ctx context.Context, key ModelKey) (*Bundle, error)
	Keys() []ModelKey
	Loaded() []ModelKey
	Warmup(ctx context.Context)
	Close() error
}

type registry struct {
	sources map[ModelKey]Source
	loader  Loader
	log     *logrus.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	bundles map[ModelKey]*Bundle
	closed  bool
}

func New(log *logrus.Logger, loader Loader, sources map[ModelKey]Source) IRegistry {
	copied := make(map[ModelKey]Source, len(sources))
	for k, v := range sources {
		copied[k] = v
	}
	return &registry{
		sources: copied,
		loader:  loader,
		log:     log,
		bundles: make(map[ModelKey]*Bundle),
	}
}

// Acquire returns the bundle for key, loading it on first use. Concurrent
// callers for an unloaded key share one load and its outcome. A failed load
// is not remembered; a later call tries again.
func (r *registry) Acquire(ctx context.Context, key ModelKey) (*Bundle, error) {
	src, ok := r.sources[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}

	if b, err := r.lookup(key); b != nil || err != nil {
		return b, err
	}

	v, err, shared := r.group.Do(string(key), func() (interface{}, error) {
		// a caller that missed the map just before the previous flight
		// stored its bundle lands here
		if b, err := r.lookup(key); b != nil || err != nil {
			return b, err
		}

		start := time.Now()
		r.log.WithFields(logrus.Fields{
			"model_key": key,
		}).Info("Loading model resources")

		// waiters share this load, so it must not die with the first caller
		b, err := r.loader.Load(context.WithoutCancel(ctx), key, src)
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"model_key":  key,
				"error":      err.Error(),
				"latency_ms": time.Since(start).Milliseconds(),
			}).Error("Failed to load model resources")
			return nil, fmt.Errorf("%w: %s: %w", ErrUpstream, key, err)
		}

		if err := r.store(key, b); err != nil {
			b.Runtime.Close()
			return nil, err
		}

		r.log.WithFields(logrus.Fields{
			"model_key":  key,
			"format":     b.Format.String(),
			"labels":     len(b.Labels),
			"latency_ms": time.Since(start).Milliseconds(),
		}).Info("Model resources loaded")
		return b, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		r.log.WithFields(logrus.Fields{
			"model_key": key,
		}).Debug("Joined in-flight model load")
	}
	return v.(*Bundle), nil
}

func (r *registry) lookup(key ModelKey) (*Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	return r.bundles[key], nil
}

func (r *registry) store(key ModelKey, b *Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.bundles[key] = b
	return nil
}

func (r *registry) Keys() []ModelKey {
	keys := make([]ModelKey, 0, len(r.sources))
	for k := range r.sources {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func (r *registry) Loaded() []ModelKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]ModelKey, 0, len(r.bundles))
	for k := range r.bundles {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// Warmup loads every registered key in parallel. Failures are logged and
// left for the first request to retry.
func (r *registry) Warmup(ctx context.Context) {
	var wg sync.WaitGroup
	for _, key := range r.Keys() {
		wg.Add(1)
		go func(key ModelKey) {
			defer wg.Done()
			if _, err := r.Acquire(ctx, key); err != nil {
				r.log.WithFields(logrus.Fields{
					"model_key": key,
					"error":     err.Error(),
				}).Warn("Could not preload model")
			}
		}(key)
	}
	wg.Wait()
}

func (r *registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for key, b := range r.bundles {
		// wait for an in-progress invoke before tearing the runtime down
		b.invokeMu.Lock()
		if err := b.Runtime.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		b.invokeMu.Unlock()
	}
	return errors.Join(errs...)
}

func sortKeys(keys []ModelKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}
