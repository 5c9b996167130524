package blocklist

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errInjected = errors.New("injected failure")

// memoryStore mimics the relational adapter: a live table, an optional
// staging table and a swap transaction that only publishes on commit.
type memoryStore struct {
	mu sync.Mutex

	live    map[string]struct{}
	staging map[string]struct{}

	failPrepare bool
	failCopy    bool
	failBegin   bool
	failDetach  bool
	failDrop    bool
	failPromote bool
	failAttach  bool
	failCommit  bool
	failCleanup bool
	failExists  bool

	prepareCalls  int
	copyCalls     int
	beginCalls    int
	commitCalls   int
	rollbackCalls int
	cleanupCalls  int
	existsCalls   int
}

func newMemoryStore(initial ...string) *memoryStore {
	s := &memoryStore{live: make(map[string]struct{})}
	for _, ip := range initial {
		s.live[ip] = struct{}{}
	}
	return s
}

func (s *memoryStore) PrepareStaging(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepareCalls++
	if s.failPrepare {
		return errInjected
	}
	s.staging = make(map[string]struct{})
	return nil
}

func (s *memoryStore) CopyToStaging(_ context.Context, addresses []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.copyCalls++
	if s.failCopy {
		return 0, errInjected
	}
	if s.staging == nil {
		return 0, errors.New("staging dataset does not exist")
	}
	rows := make(map[string]struct{}, len(addresses))
	for _, ip := range addresses {
		if _, dup := rows[ip]; dup {
			return 0, fmt.Errorf("duplicate key value violates unique constraint: %s", ip)
		}
		rows[ip] = struct{}{}
	}
	s.staging = rows
	return int64(len(rows)), nil
}

func (s *memoryStore) BeginSwap(context.Context) (SwapTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginCalls++
	if s.failBegin {
		return nil, errInjected
	}
	return &memorySwap{store: s}, nil
}

func (s *memoryStore) DropStaging(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupCalls++
	if s.failCleanup {
		return errInjected
	}
	s.staging = nil
	return nil
}

func (s *memoryStore) Exists(_ context.Context, ip string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsCalls++
	if s.failExists {
		return false, errInjected
	}
	_, ok := s.live[ip]
	return ok, nil
}

func (s *memoryStore) snapshot() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]struct{}, len(s.live))
	for ip := range s.live {
		cp[ip] = struct{}{}
	}
	return cp
}

type memorySwap struct {
	store *memoryStore

	liveDropped bool
	promoted    bool
	done        bool
}

func (t *memorySwap) DetachSequence(context.Context) error {
	if t.store.failDetach {
		return errInjected
	}
	return nil
}

func (t *memorySwap) DropLive(context.Context) error {
	if t.store.failDrop {
		return errInjected
	}
	t.liveDropped = true
	return nil
}

func (t *memorySwap) PromoteStaging(context.Context) error {
	if t.store.failPromote {
		return errInjected
	}
	if !t.liveDropped {
		return errors.New("relation already exists")
	}
	t.promoted = true
	return nil
}

func (t *memorySwap) AttachSequence(context.Context) error {
	if t.store.failAttach {
		return errInjected
	}
	return nil
}

func (t *memorySwap) Commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.commitCalls++
	if t.done {
		return errors.New("transaction already closed")
	}
	t.done = true
	if t.store.failCommit {
		return errInjected
	}
	if t.promoted {
		t.store.live = t.store.staging
		t.store.staging = nil
	}
	return nil
}

func (t *memorySwap) Rollback() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.rollbackCalls++
	if t.done {
		return errors.New("transaction already closed")
	}
	t.done = true
	return nil
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]bool

	failGet   bool
	failSet   bool
	failFlush bool

	getCalls   int
	setCalls   int
	flushCalls int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]bool)}
}

func (c *memoryCache) Get(_ context.Context, ip string) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getCalls++
	if c.failGet {
		return false, false, errInjected
	}
	blocked, ok := c.entries[ip]
	return blocked, ok, nil
}

func (c *memoryCache) Set(_ context.Context, ip string, blocked bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCalls++
	if c.failSet {
		return errInjected
	}
	c.entries[ip] = blocked
	return nil
}

func (c *memoryCache) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushCalls++
	if c.failFlush {
		return errInjected
	}
	c.entries = make(map[string]bool)
	return nil
}
