package cookies

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cookiesync/internal/audit"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/codec"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testSecret = "cookie-sync-test-secret"

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:cookiesync_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("record-%d", p.next), nil
}

// fakeCache records TTLs but never expires entries, so tests control staleness explicitly.
type fakeCache struct {
	mu            sync.Mutex
	entries       map[string]Record
	ttls          map[string]time.Duration
	gets          int
	hits          int
	invalidations []string
	getErr        error
	setErr        error
	hasErr        error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]Record), ttls: make(map[string]time.Duration)}
}

func (c *fakeCache) Get(_ context.Context, key string) (Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return Record{}, false, c.getErr
	}
	record, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return record, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, record Record, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.entries[key] = record
	c.ttls[key] = ttl
	return nil
}

func (c *fakeCache) Has(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasErr != nil {
		return false, c.hasErr
	}
	_, ok := c.entries[key]
	return ok, nil
}

func (c *fakeCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	delete(c.ttls, key)
	c.invalidations = append(c.invalidations, key)
	return nil
}

func (c *fakeCache) ttlFor(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ttl, ok := c.ttls[key]
	return ttl, ok
}

func (c *fakeCache) hitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
}

func (s *recordingSink) Emit(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) snapshot() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

type serviceFixture struct {
	service *Service
	store   *GormStore
	cache   *fakeCache
	sink    *recordingSink
	clock   *testClock
	db      *gorm.DB
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	db := openTestDatabase(t)
	store, err := NewGormStore(GormStoreConfig{Database: db, IDProvider: &sequenceIDProvider{}})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	payloadCodec, err := codec.New(testSecret)
	if err != nil {
		t.Fatalf("failed to construct codec: %v", err)
	}
	cache := newFakeCache()
	sink := &recordingSink{}
	clock := newTestClock(time.Unix(1700000000, 0).UTC())

	service, err := NewService(ServiceConfig{
		Store: store,
		Cache: cache,
		Codec: payloadCodec,
		Audit: sink,
		Clock: clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return serviceFixture{service: service, store: store, cache: cache, sink: sink, clock: clock, db: db}
}

var errBackendDown = errors.New("backend down")

// failingStore fails every call.
type failingStore struct{}

func (failingStore) Upsert(context.Context, UpsertInput) (Record, error) {
	return Record{}, errBackendDown
}

func (failingStore) GetByUser(context.Context, UserID) (Record, error) {
	return Record{}, errBackendDown
}

func (failingStore) Tombstone(context.Context, UserID, time.Time) (int64, error) {
	return 0, errBackendDown
}

func (failingStore) FindExpired(context.Context, time.Time, int) ([]Record, error) {
	return nil, errBackendDown
}

func (failingStore) PurgeExpired(context.Context, time.Time, time.Time) (int64, error) {
	return 0, errBackendDown
}

func (failingStore) CountActive(context.Context, time.Time) (AggregateStats, error) {
	return AggregateStats{}, errBackendDown
}
