package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/CUknot/collab_backend/apperrors"
	"github.com/CUknot/collab_backend/cache"
	"github.com/CUknot/collab_backend/models"
)

// setupTestDB opens a migrated SQLite database in a temp dir with a single
// pooled connection, since cap trims write from their own goroutine.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "chat.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.ChatMessage{}))
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, opts Options) (*Service, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts.Now = clock.Now
	return NewService(NewGormStore(setupTestDB(t)), opts), clock
}

func texts(msgs []models.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestService_SendAndHistory(t *testing.T) {
	svc, clock := newTestService(t, Options{})
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		_, err := svc.Send(ctx, models.ChatGlobal, "alice", "", text, "9:00 AM")
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	svc.Flush()

	history, err := svc.History(ctx, models.ChatGlobal, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, texts(history))
	assert.Equal(t, "alice", history[0].Author)
	assert.Equal(t, "9:00 AM", history[0].DisplayTime)
	assert.Empty(t, history[0].Recipient)
	assert.Empty(t, history[0].DocumentID)

	limited, err := svc.History(ctx, models.ChatGlobal, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "third"}, texts(limited))
}

func TestService_SendValidation(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name   string
		kind   models.ChatKind
		author string
		target string
		text   string
	}{
		{"unknown kind", models.ChatKind("room"), "alice", "", "hi"},
		{"missing author", models.ChatGlobal, " ", "", "hi"},
		{"empty text", models.ChatGlobal, "alice", "", "   "},
		{"text too long", models.ChatGlobal, "alice", "", strings.Repeat("x", models.MaxTextLength+1)},
		{"document without id", models.ChatDocument, "alice", "", "hi"},
		{"private without recipient", models.ChatPrivate, "alice", "", "hi"},
		{"global with target", models.ChatGlobal, "alice", "doc1", "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := svc.Send(ctx, tt.kind, tt.author, tt.target, tt.text, "")
			require.Error(t, err)
			assert.Nil(t, msg)
			assert.True(t, apperrors.Is(err, apperrors.KindValidation))
		})
	}

	// Exactly the limit is accepted; length counts characters, not bytes.
	_, err := svc.Send(ctx, models.ChatGlobal, "alice", "", strings.Repeat("é", models.MaxTextLength), "")
	assert.NoError(t, err)
	svc.Flush()
}

func TestService_RecordShapePerKind(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	doc, err := svc.Send(ctx, models.ChatDocument, "alice", "doc1", "hi doc", "")
	require.NoError(t, err)
	assert.Equal(t, "doc1", doc.DocumentID)
	assert.Empty(t, doc.Recipient)
	assert.NotZero(t, doc.ID)

	priv, err := svc.Send(ctx, models.ChatPrivate, "alice", "bob", "hi bob", "")
	require.NoError(t, err)
	assert.Equal(t, "bob", priv.Recipient)
	assert.Empty(t, priv.DocumentID)
	assert.Equal(t, "alice-bob", priv.Scope)
	svc.Flush()
}

func TestService_CapRetentionPerScope(t *testing.T) {
	svc, clock := newTestService(t, Options{
		Policies: map[models.ChatKind]Policy{
			models.ChatDocument: {Cap: 5},
			models.ChatGlobal:   {Cap: 3},
		},
	})
	ctx := context.Background()

	for i := 1; i <= 8; i++ {
		_, err := svc.Send(ctx, models.ChatDocument, "alice", "doc1", fmt.Sprintf("doc1-%d", i), "")
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	for i := 1; i <= 2; i++ {
		_, err := svc.Send(ctx, models.ChatDocument, "bob", "doc2", fmt.Sprintf("doc2-%d", i), "")
		require.NoError(t, err)
		_, err = svc.Send(ctx, models.ChatGlobal, "bob", "", fmt.Sprintf("global-%d", i), "")
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	svc.Flush()

	doc1, err := svc.History(ctx, models.ChatDocument, "doc1", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc1-4", "doc1-5", "doc1-6", "doc1-7", "doc1-8"}, texts(doc1))

	doc2, err := svc.History(ctx, models.ChatDocument, "doc2", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc2-1", "doc2-2"}, texts(doc2))

	global, err := svc.History(ctx, models.ChatGlobal, "", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"global-1", "global-2"}, texts(global))
}

func TestService_ConcurrentSendsRespectCap(t *testing.T) {
	svc, _ := newTestService(t, Options{
		Policies: map[models.ChatKind]Policy{models.ChatGlobal: {Cap: 10}},
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := svc.Send(ctx, models.ChatGlobal, fmt.Sprintf("user%d", w), "", "hello", "")
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	svc.Flush()

	history, err := svc.History(ctx, models.ChatGlobal, "", MaxHistoryLimit)
	require.NoError(t, err)
	assert.Len(t, history, 10)
}

func TestService_TTLExcludesExpired(t *testing.T) {
	svc, clock := newTestService(t, Options{
		Policies: map[models.ChatKind]Policy{models.ChatDocument: {TTL: time.Hour}},
	})
	ctx := context.Background()

	_, err := svc.Send(ctx, models.ChatDocument, "alice", "doc1", "old", "")
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	_, err = svc.Send(ctx, models.ChatDocument, "alice", "doc1", "newer", "")
	require.NoError(t, err)
	svc.Flush()

	clock.Advance(31 * time.Minute)

	history, err := svc.History(ctx, models.ChatDocument, "doc1", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"newer"}, texts(history))

	deleted, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	clock.Advance(time.Hour)
	history, err = svc.History(ctx, models.ChatDocument, "doc1", 100)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestService_PrivateHistoryIsSymmetric(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.Send(ctx, models.ChatPrivate, "alice", "bob", "hello", "")
	require.NoError(t, err)
	svc.Flush()

	ab, err := svc.PrivateHistory(ctx, "alice", "bob", 100)
	require.NoError(t, err)
	ba, err := svc.PrivateHistory(ctx, "bob", "alice", 100)
	require.NoError(t, err)

	require.Len(t, ab, 1)
	assert.Equal(t, ab, ba)
	assert.Equal(t, "hello", ab[0].Text)

	other, err := svc.PrivateHistory(ctx, "alice", "carol", 100)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestService_UnknownScopeIsEmpty(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	history, err := svc.History(context.Background(), models.ChatDocument, "never-used", 100)
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)

	_, err = svc.History(context.Background(), models.ChatDocument, "", 100)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
}

func TestService_ClearAll(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.Send(ctx, models.ChatGlobal, "alice", "", "a", "")
	require.NoError(t, err)
	_, err = svc.Send(ctx, models.ChatDocument, "alice", "doc1", "b", "")
	require.NoError(t, err)
	_, err = svc.Send(ctx, models.ChatPrivate, "alice", "bob", "c", "")
	require.NoError(t, err)
	svc.Flush()

	n, err := svc.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, kind := range []models.ChatKind{models.ChatGlobal, models.ChatDocument, models.ChatPrivate} {
		scope := map[models.ChatKind]string{models.ChatDocument: "doc1", models.ChatPrivate: "alice-bob"}[kind]
		history, err := svc.History(ctx, kind, scope, 100)
		require.NoError(t, err)
		assert.Empty(t, history, string(kind))
	}
}

type failingStore struct {
	Store
}

func (failingStore) Create(context.Context, *models.ChatMessage) error {
	return errors.New("database is down")
}

func (failingStore) Recent(context.Context, models.ChatKind, string, time.Time, int) ([]models.ChatMessage, error) {
	return nil, errors.New("database is down")
}

func TestService_PersistenceErrors(t *testing.T) {
	svc := NewService(failingStore{}, Options{})
	ctx := context.Background()

	_, err := svc.Send(ctx, models.ChatGlobal, "alice", "", "hi", "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindPersistence))

	_, err = svc.History(ctx, models.ChatGlobal, "", 10)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindPersistence))
}

func TestService_HistoryReadThroughCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	rc := cache.NewRedisCache(client, "test:")

	svc, clock := newTestService(t, Options{Cache: rc, CacheTTL: time.Minute})
	ctx := context.Background()

	_, err := svc.Send(ctx, models.ChatGlobal, "alice", "", "one", "")
	require.NoError(t, err)
	svc.Flush()

	first, err := svc.History(ctx, models.ChatGlobal, "", 10)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:history:global:global"))

	second, err := svc.History(ctx, models.ChatGlobal, "", 10)
	require.NoError(t, err)
	assert.Equal(t, texts(first), texts(second))
	assert.Equal(t, uint64(1), rc.GetStats().Hits)

	// A send invalidates the scope so the next read sees it.
	clock.Advance(time.Second)
	_, err = svc.Send(ctx, models.ChatGlobal, "bob", "", "two", "")
	require.NoError(t, err)
	svc.Flush()

	third, err := svc.History(ctx, models.ChatGlobal, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, texts(third))

	// With the cache gone, reads fall back to the store.
	mr.Close()
	fourth, err := svc.History(ctx, models.ChatGlobal, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, texts(fourth))
}

// pausingStore holds the first Recent call after it has read, until release
// is closed. It then reports the caller's context error, as a driver would.
type pausingStore struct {
	Store
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func newPausingStore(t *testing.T) *pausingStore {
	return &pausingStore{
		Store:   NewGormStore(setupTestDB(t)),
		read:    make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *pausingStore) Recent(ctx context.Context, kind models.ChatKind, scope string, since time.Time, limit int) ([]models.ChatMessage, error) {
	msgs, err := p.Store.Recent(ctx, kind, scope, since, limit)
	p.once.Do(func() {
		close(p.read)
		<-p.release
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return msgs, err
}

func newCachedService(t *testing.T, store Store) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewService(store, Options{Cache: cache.NewRedisCache(client, "test:"), CacheTTL: time.Minute})
}

func TestService_HistoryLoadRacingSendIsNotCached(t *testing.T) {
	store := newPausingStore(t)
	svc := newCachedService(t, store)
	ctx := context.Background()

	done := make(chan []models.ChatMessage)
	go func() {
		msgs, err := svc.History(ctx, models.ChatGlobal, "", 10)
		assert.NoError(t, err)
		done <- msgs
	}()
	<-store.read

	_, err := svc.Send(ctx, models.ChatGlobal, "alice", "", "hello", "")
	require.NoError(t, err)
	svc.Flush()

	close(store.release)
	assert.Empty(t, <-done)

	history, err := svc.History(ctx, models.ChatGlobal, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, texts(history))
}

func TestService_HistoryLoadRacingClearAllIsNotCached(t *testing.T) {
	store := newPausingStore(t)
	svc := newCachedService(t, store)
	ctx := context.Background()

	_, err := svc.Send(ctx, models.ChatDocument, "alice", "doc1", "before", "")
	require.NoError(t, err)
	svc.Flush()

	done := make(chan []models.ChatMessage)
	go func() {
		msgs, err := svc.History(ctx, models.ChatDocument, "doc1", 10)
		assert.NoError(t, err)
		done <- msgs
	}()
	<-store.read

	n, err := svc.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	close(store.release)
	assert.Equal(t, []string{"before"}, texts(<-done))

	history, err := svc.History(ctx, models.ChatDocument, "doc1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestService_HistoryLoadOutlivesCallerContext(t *testing.T) {
	store := newPausingStore(t)
	svc := newCachedService(t, store)

	_, err := svc.Send(context.Background(), models.ChatGlobal, "alice", "", "hello", "")
	require.NoError(t, err)
	svc.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		msgs []models.ChatMessage
		err  error
	}
	done := make(chan result)
	go func() {
		msgs, err := svc.History(ctx, models.ChatGlobal, "", 10)
		done <- result{msgs, err}
	}()
	<-store.read

	cancel()
	close(store.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, []string{"hello"}, texts(res.msgs))
}
