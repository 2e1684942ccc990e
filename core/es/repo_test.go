package es

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// === test domain ===

type accountOpened struct {
	Owner string `json:"owner"`
}

type accountCredited struct {
	Amount int `json:"amount"`
}

type account struct {
	BaseEntity
	Owner   string
	Balance int
}

func (a *account) Open(owner string) error {
	a.Owner = owner
	return a.Raise(accountOpened{Owner: owner})
}

func (a *account) Credit(amount int) error {
	a.Balance += amount
	return a.Raise(accountCredited{Amount: amount})
}

func (a *account) Hydrate(events []Envelope) error {
	if err := a.BaseEntity.Hydrate(events); err != nil {
		return err
	}
	for _, e := range events {
		switch e.Type {
		case EventTypeOf(accountOpened{}):
			var ev accountOpened
			if err := codec.Unmarshal(e.Data, &ev); err != nil {
				return err
			}
			a.Owner = ev.Owner
		case EventTypeOf(accountCredited{}):
			var ev accountCredited
			if err := codec.Unmarshal(e.Data, &ev); err != nil {
				return err
			}
			a.Balance += ev.Amount
		}
	}
	return nil
}

type ledgerEntry struct {
	BaseChildEntity
	Lines int
}

func (l *ledgerEntry) AddLine() error {
	l.Lines++
	return l.Raise(accountCredited{Amount: 1})
}

// === instrumented stores ===

type countingStore struct {
	*InMemoryStore
	loads atomic.Int32
}

func (c *countingStore) GetStream(ctx context.Context, bucket, streamID string, fromVersion int64) ([]Envelope, error) {
	c.loads.Add(1)
	return c.InMemoryStore.GetStream(ctx, bucket, streamID, fromVersion)
}

// conflictStore rejects the first `conflicts` writes per stream with a
// concurrency conflict and records write attempt times.
type conflictStore struct {
	*InMemoryStore
	mu        sync.Mutex
	conflicts map[string]int
	failWith  map[string]error
	attempts  map[string][]time.Time
}

func newConflictStore() *conflictStore {
	return &conflictStore{
		InMemoryStore: NewInMemoryStore(),
		conflicts:     map[string]int{},
		failWith:      map[string]error{},
		attempts:      map[string][]time.Time{},
	}
}

func (c *conflictStore) WriteEvents(ctx context.Context, bucket, streamID string, expectedVersion int64, events []Envelope, headers Headers) (*WriteResult, error) {
	c.mu.Lock()
	c.attempts[streamID] = append(c.attempts[streamID], time.Now())
	if err, ok := c.failWith[streamID]; ok {
		c.mu.Unlock()
		return nil, err
	}
	if c.conflicts[streamID] > 0 {
		c.conflicts[streamID]--
		c.mu.Unlock()
		return nil, ErrConcurrencyConflict
	}
	c.mu.Unlock()
	return c.InMemoryStore.WriteEvents(ctx, bucket, streamID, expectedVersion, events, headers)
}

func (c *conflictStore) attemptsFor(streamID string) []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, len(c.attempts[streamID]))
	copy(out, c.attempts[streamID])
	return out
}

// === tests ===

func TestRepository_GetNotFound(t *testing.T) {
	repo := NewRepository[*account](slog.Default(), NewInMemoryStore())

	_, err := repo.Get(t.Context(), "accounts", "a-1")
	require.ErrorIs(t, err, ErrStreamNotFound)

	_, ok, err := repo.TryGet(t.Context(), "accounts", "a-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRepository_NewThenGetSameInstance(t *testing.T) {
	repo := NewRepository[*account](slog.Default(), NewInMemoryStore())

	acc, err := repo.New("accounts", "a-1")
	require.NoError(t, err)
	require.NoError(t, acc.Open("alice"))

	// repeated access within the scope returns the tracked instance, so
	// the caller reads its own uncommitted writes
	again, err := repo.Get(t.Context(), "accounts", "a-1")
	require.NoError(t, err)
	assert.Same(t, acc, again)
	assert.Equal(t, "alice", again.Owner)
	assert.Equal(t, 1, repo.Size())
}

func TestRepository_NewReplacesTracked(t *testing.T) {
	repo := NewRepository[*account](slog.Default(), NewInMemoryStore())

	first, err := repo.New("accounts", "a-1")
	require.NoError(t, err)
	require.NoError(t, first.Open("alice"))

	second, err := repo.New("accounts", "a-1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, repo.Size())
}

func TestRepository_IdentityValidation(t *testing.T) {
	repo := NewRepository[*account](slog.Default(), NewInMemoryStore())

	_, err := repo.New("", "a-1")
	var argErr *ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "bucket", argErr.Name)

	_, err = repo.New("accounts", "")
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "streamID", argErr.Name)
}

func TestRepository_LoadOncePerScope(t *testing.T) {
	store := &countingStore{InMemoryStore: NewInMemoryStore()}
	_, err := store.WriteEvents(t.Context(), "accounts", "a-1", 0, []Envelope{env("opened")}, nil)
	require.NoError(t, err)

	repo := NewRepository[*account](slog.Default(), store)

	for range 3 {
		_, err := repo.Get(t.Context(), "accounts", "a-1")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, store.loads.Load(), "tracked objects are not reloaded")

	repo.Dispose()
	assert.Zero(t, repo.Size())

	_, err = repo.Get(t.Context(), "accounts", "a-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, store.loads.Load(), "dispose starts a fresh scope")
}

func TestRepository_CommitRoundTrip(t *testing.T) {
	store := NewInMemoryStore()
	repo := NewRepository[*account](slog.Default(), store)

	acc, err := repo.New("accounts", "a-1")
	require.NoError(t, err)
	require.NoError(t, acc.Open("alice"))
	require.NoError(t, acc.Credit(100))

	token, err := repo.Commit(t.Context(), "commit-1", "start-1", Headers{"tenant": "acme"})
	require.NoError(t, err)
	assert.Equal(t, "start-1", token)
	assert.EqualValues(t, 2, acc.GetVersion())
	assert.Empty(t, acc.Uncommitted())

	events, err := store.GetStream(t.Context(), "accounts", "a-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "commit-1", events[0].Headers[HeaderCommitID])
	assert.Equal(t, "start-1", events[0].Headers[HeaderStartingEventID])
	assert.Equal(t, "acme", events[0].Headers["tenant"])
	assert.NotEmpty(t, events[0].EntityType)

	// a fresh scope rehydrates the same state
	repo2 := NewRepository[*account](slog.Default(), store)
	loaded, err := repo2.Get(t.Context(), "accounts", "a-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Owner)
	assert.Equal(t, 100, loaded.Balance)
	assert.EqualValues(t, 2, loaded.GetVersion())
}

func TestRepository_CommitRetriesConflicts(t *testing.T) {
	store := newConflictStore()
	store.conflicts["a-1"] = 3

	unit := 20 * time.Millisecond
	repo := NewRepository[*account](
		slog.Default(), store,
		WithBackoffUnit(unit),
	)

	acc, err := repo.New("accounts", "a-1")
	require.NoError(t, err)
	require.NoError(t, acc.Open("alice"))

	_, err = repo.Commit(t.Context(), "c", "s", nil)
	require.NoError(t, err)
	assert.Empty(t, acc.Uncommitted(), "write succeeded on the fourth attempt")

	attempts := store.attemptsFor("a-1")
	require.Len(t, attempts, 4)

	// unit × ⌈n/2⌉ before retry n
	for n := 1; n < len(attempts); n++ {
		gap := attempts[n].Sub(attempts[n-1])
		want := unit * time.Duration((n+1)/2)
		assert.GreaterOrEqual(t, gap, want, "retry %d waited less than its backoff", n)
	}
}

func TestRepository_CommitAbandonsAfterMaxAttempts(t *testing.T) {
	store := newConflictStore()
	store.conflicts["a-1"] = 100

	repo := NewRepository[*account](
		slog.Default(), store,
		WithRetryAttempts(3),
		WithBackoffUnit(time.Millisecond),
	)

	acc, err := repo.New("accounts", "a-1")
	require.NoError(t, err)
	require.NoError(t, acc.Open("alice"))

	_, err = repo.Commit(t.Context(), "c", "s", nil)
	require.NoError(t, err, "abandoned writes do not fail the commit")
	assert.Len(t, store.attemptsFor("a-1"), 3)
	assert.NotEmpty(t, acc.Uncommitted(), "abandoned changes stay uncommitted")
}

func TestRepository_CommitAbandonsNonConflictImmediately(t *testing.T) {
	store := newConflictStore()
	store.failWith["a-1"] = assert.AnError

	repo := NewRepository[*account](slog.Default(), store, WithBackoffUnit(time.Millisecond))

	acc, err := repo.New("accounts", "a-1")
	require.NoError(t, err)
	require.NoError(t, acc.Open("alice"))

	_, err = repo.Commit(t.Context(), "c", "s", nil)
	require.NoError(t, err)
	assert.Len(t, store.attemptsFor("a-1"), 1, "only conflicts are retried")
}

func TestRepository_SiblingWritesUnaffected(t *testing.T) {
	store := newConflictStore()
	store.failWith["a-bad"] = assert.AnError

	repo := NewRepository[*account](slog.Default(), store, WithBackoffUnit(time.Millisecond))

	good, err := repo.New("accounts", "a-good")
	require.NoError(t, err)
	require.NoError(t, good.Open("alice"))

	bad, err := repo.New("accounts", "a-bad")
	require.NoError(t, err)
	require.NoError(t, bad.Open("mallory"))

	_, err = repo.Commit(t.Context(), "c", "s", nil)
	require.NoError(t, err)

	events, err := store.GetStream(t.Context(), "accounts", "a-good", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "the failing sibling does not block this write")
	assert.Empty(t, good.Uncommitted())
	assert.NotEmpty(t, bad.Uncommitted())
}

func TestChildRepository_StreamComposition(t *testing.T) {
	store := NewInMemoryStore()

	parentRepo := NewRepository[*account](slog.Default(), store)
	parent, err := parentRepo.New("accounts", "a-1")
	require.NoError(t, err)

	childRepo := NewChildRepository[*ledgerEntry](slog.Default(), store, parent)
	child, err := childRepo.New("accounts", "2024-01")
	require.NoError(t, err)
	require.NoError(t, child.AddLine())

	assert.Equal(t, "a-1-2024-01", child.GetStreamID())
	assert.Equal(t, "a-1", child.ParentStreamID())

	_, err = childRepo.Commit(t.Context(), "c", "s", nil)
	require.NoError(t, err)

	events, err := store.GetStream(t.Context(), "accounts", "a-1-2024-01", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestChildRepository_ParentWithoutIdentity(t *testing.T) {
	childRepo := NewChildRepository[*ledgerEntry](slog.Default(), NewInMemoryStore(), &account{})

	_, err := childRepo.New("accounts", "2024-01")
	var argErr *ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "parent", argErr.Name)
}

func TestCommitUnitOfWork(t *testing.T) {
	t.Run("success commits", func(t *testing.T) {
		store := NewInMemoryStore()
		repo := NewRepository[*account](slog.Default(), store)

		acc, err := repo.New("accounts", "a-1")
		require.NoError(t, err)
		require.NoError(t, acc.Open("alice"))

		u := NewCommitUnitOfWork(slog.Default(), repo, func() Headers {
			return Headers{"tenant": "acme"}
		})
		require.NoError(t, u.Begin(t.Context()))
		require.NoError(t, u.End(t.Context(), nil))

		events, err := store.GetStream(t.Context(), "accounts", "a-1", 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.NotEmpty(t, events[0].Headers[HeaderCommitID])
		assert.NotEmpty(t, events[0].Headers[HeaderStartingEventID])
		assert.Equal(t, "acme", events[0].Headers["tenant"])
		assert.Zero(t, repo.Size(), "tracked cache disposed after commit")
	})

	t.Run("failure rolls back", func(t *testing.T) {
		store := NewInMemoryStore()
		repo := NewRepository[*account](slog.Default(), store)

		acc, err := repo.New("accounts", "a-1")
		require.NoError(t, err)
		require.NoError(t, acc.Open("alice"))

		u := NewCommitUnitOfWork(slog.Default(), repo, nil)
		require.NoError(t, u.Begin(t.Context()))
		require.NoError(t, u.End(t.Context(), assert.AnError), "rollback itself does not fail")

		_, err = store.GetStream(t.Context(), "accounts", "a-1", 0)
		assert.ErrorIs(t, err, ErrStreamNotFound, "nothing flushed")
		assert.Zero(t, repo.Size())
	})
}
