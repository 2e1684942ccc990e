package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codewandler/eskit-go/internal/reflector"
)

// Committer is the type-erased commit side of a repository, used by the
// unit-of-work participant.
type Committer interface {
	// Commit writes every tracked object to the store concurrently,
	// retrying transient conflicts per object. It returns startingEventID
	// unchanged as a correlation token for the caller.
	Commit(ctx context.Context, commitID, startingEventID string, headers Headers) (string, error)
	// Size returns the number of tracked objects.
	Size() int
	// Dispose clears the tracked cache without flushing. Uncommitted
	// changes are lost.
	Dispose()
}

// Repository tracks domain objects per (bucket, id) for the lifetime of one
// unit of work and commits them with optimistic retry.
type Repository[T Entity] interface {
	// Get returns the tracked object for the key, loading it from the
	// store on first access. ErrStreamNotFound when no stream exists.
	Get(ctx context.Context, bucket, id string) (T, error)
	// TryGet is Get with the not-found case folded into ok=false.
	TryGet(ctx context.Context, bucket, id string) (T, bool, error)
	// New creates a fresh default-state object under the key, replacing
	// any tracked entry for it.
	New(bucket, id string) (T, error)

	Committer
}

type trackedKey struct {
	bucket string
	id     string
}

// prepareFunc binds identity (and parent linkage for child repositories)
// onto a fresh object.
type prepareFunc[T Entity] func(obj T, bucket, id string) error

type repository[T Entity] struct {
	log        *slog.Logger
	store      EventStore
	opts       repoOpts
	entityType string

	// owned by one unit of work, never shared across goroutines
	tracked   map[trackedKey]T
	streamFor func(id string) string
	prepare   prepareFunc[T]
}

// NewRepository creates a root-level repository: the stream id is the
// object id itself.
func NewRepository[T Entity](log *slog.Logger, store EventStore, opts ...RepositoryOption) Repository[T] {
	r := newRepo[T](log, store, opts...)
	r.streamFor = func(id string) string { return id }
	r.prepare = func(obj T, bucket, id string) error {
		return obj.SetIdentity(bucket, id)
	}
	return r
}

// NewChildRepository creates a repository for entities scoped under parent:
// the stream id is the parent's stream id composed with the child id.
func NewChildRepository[T ChildEntity](log *slog.Logger, store EventStore, parent Entity, opts ...RepositoryOption) Repository[T] {
	r := newRepo[T](log, store, opts...)
	r.streamFor = func(id string) string { return parent.GetStreamID() + "-" + id }
	r.prepare = func(obj T, bucket, id string) error {
		if err := obj.SetParent(parent); err != nil {
			return err
		}
		return obj.SetIdentity(bucket, parent.GetStreamID()+"-"+id)
	}
	return r
}

func newRepo[T Entity](log *slog.Logger, store EventStore, opts ...RepositoryOption) *repository[T] {
	entityType := reflector.TypeInfoFor[T]().Name
	return &repository[T]{
		log:        log.With(slog.String("repo", entityType)),
		store:      store,
		opts:       newRepoOpts(opts...),
		entityType: entityType,
		tracked:    map[trackedKey]T{},
	}
}

func newEntity[T Entity]() T {
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() == reflect.Pointer {
		return reflect.New(rt.Elem()).Interface().(T)
	}
	var zero T
	return zero
}

func (r *repository[T]) Get(ctx context.Context, bucket, id string) (obj T, err error) {
	key := trackedKey{bucket: bucket, id: id}
	if tracked, ok := r.tracked[key]; ok {
		return tracked, nil
	}

	defer r.opts.metrics.StreamLoadDuration(bucket).ObserveDuration()

	streamID := r.streamFor(id)
	events, err := r.store.GetStream(ctx, bucket, streamID, 0)
	if err != nil {
		return obj, fmt.Errorf("failed to load %s/%s: %w", bucket, streamID, err)
	}

	obj = newEntity[T]()
	if err = r.prepare(obj, bucket, id); err != nil {
		var zero T
		return zero, err
	}
	if err = obj.Hydrate(events); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to hydrate %s/%s: %w", bucket, streamID, err)
	}

	r.tracked[key] = obj
	return obj, nil
}

func (r *repository[T]) TryGet(ctx context.Context, bucket, id string) (obj T, ok bool, err error) {
	obj, err = r.Get(ctx, bucket, id)
	if err != nil {
		var zero T
		if errors.Is(err, ErrStreamNotFound) {
			return zero, false, nil
		}
		return zero, false, err
	}
	return obj, true, nil
}

func (r *repository[T]) New(bucket, id string) (obj T, err error) {
	obj = newEntity[T]()
	if err = r.prepare(obj, bucket, id); err != nil {
		var zero T
		return zero, err
	}
	r.tracked[trackedKey{bucket: bucket, id: id}] = obj
	return obj, nil
}

func (r *repository[T]) Size() int { return len(r.tracked) }

func (r *repository[T]) Dispose() { clear(r.tracked) }

func (r *repository[T]) Commit(ctx context.Context, commitID, startingEventID string, headers Headers) (string, error) {
	defer r.opts.metrics.CommitDuration(r.entityType).ObserveDuration()

	hdrs := headers.Clone()
	hdrs[HeaderCommitID] = commitID
	hdrs[HeaderStartingEventID] = startingEventID

	g := new(errgroup.Group)
	g.SetLimit(r.opts.maxWriters)
	for _, obj := range r.tracked {
		g.Go(func() error {
			r.commitOne(ctx, obj, hdrs)
			return nil
		})
	}
	_ = g.Wait()

	return startingEventID, nil
}

// commitOne writes one object's uncommitted events, retrying transient
// conflicts up to the attempt cap with linearly increasing backoff. A
// permanently failing write is logged and abandoned so sibling writes are
// unaffected; the under-count is visible through metrics.
func (r *repository[T]) commitOne(ctx context.Context, obj T, headers Headers) {
	pending := obj.Uncommitted()
	if len(pending) == 0 {
		return
	}

	var (
		bucket   = obj.GetBucket()
		streamID = obj.GetStreamID()
		expected = obj.GetVersion()
	)
	for i := range pending {
		pending[i].EntityType = r.entityType
	}

	log := r.log.With(
		slog.Group(
			"write",
			slog.String("bucket", bucket),
			slog.String("stream", streamID),
			slog.Int64("expected_version", expected),
			slog.Int("num_events", len(pending)),
		),
	)

	for attempt := 1; attempt <= r.opts.attempts; attempt++ {
		res, err := r.store.WriteEvents(ctx, bucket, streamID, expected, pending, headers)
		if err == nil {
			obj.setVersion(res.LastVersion)
			obj.ClearUncommitted()
			r.opts.metrics.EventsWritten(bucket, len(pending))
			log.Debug("written", slog.Int("attempt", attempt), slog.Uint64("last_position", res.LastPosition))
			return
		}

		if !errors.Is(err, ErrConcurrencyConflict) {
			log.Error("write failed", slog.Any("error", err))
			r.opts.metrics.WriteAbandoned(bucket)
			return
		}

		r.opts.metrics.WriteConflict(bucket)
		if attempt == r.opts.attempts {
			break
		}

		r.opts.metrics.WriteRetried(bucket, attempt)
		delay := r.opts.backoffUnit * time.Duration((attempt+1)/2)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			log.Warn("write canceled", slog.Any("error", ctx.Err()))
			return
		}
	}

	log.Warn("write abandoned after max attempts", slog.Int("attempts", r.opts.attempts))
	r.opts.metrics.WriteAbandoned(bucket)
}

var _ Repository[*BaseEntity] = (*repository[*BaseEntity])(nil)
