package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"invoice-import/internal/importer"

	"github.com/redis/go-redis/v9"
)

var ErrSessionNotFound = errors.New("import session not found")

// SessionStore keeps import sessions between requests and across the web
// and worker processes.
type SessionStore interface {
	Save(ctx context.Context, s *importer.Session) error
	Load(ctx context.Context, code string) (*importer.Session, error)
	Delete(ctx context.Context, code string, ownerID int) error
	// ListCodes returns the codes of the owner's live sessions.
	ListCodes(ctx context.Context, ownerID int) ([]string, error)
}

const (
	sessionKeyPrefix = "import:session:"
	ownerKeyPrefix   = "import:owner:"
)

func sessionKey(code string) string { return sessionKeyPrefix + code }

func ownerKey(ownerID int) string { return ownerKeyPrefix + strconv.Itoa(ownerID) }

// RedisSessionStore stores sessions as JSON documents with a TTL.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, ttl: ttl}
}

func (r *RedisSessionStore) Save(ctx context.Context, s *importer.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.Code, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(s.Code), data, r.ttl)
	pipe.SAdd(ctx, ownerKey(s.OwnerID), s.Code)
	if r.ttl > 0 {
		pipe.Expire(ctx, ownerKey(s.OwnerID), r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisSessionStore) Load(ctx context.Context, code string) (*importer.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var s importer.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", code, err)
	}
	return &s, nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, code string, ownerID int) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKey(code))
	pipe.SRem(ctx, ownerKey(ownerID), code)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisSessionStore) ListCodes(ctx context.Context, ownerID int) ([]string, error) {
	codes, err := r.client.SMembers(ctx, ownerKey(ownerID)).Result()
	if err != nil {
		return nil, err
	}
	// Members outlive their session documents when those expire first.
	live := codes[:0]
	for _, code := range codes {
		n, err := r.client.Exists(ctx, sessionKey(code)).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			live = append(live, code)
		} else {
			r.client.SRem(ctx, ownerKey(ownerID), code)
		}
	}
	sort.Strings(live)
	return live, nil
}

type memoryEntry struct {
	data      []byte
	ownerID   int
	expiresAt time.Time
}

// MemorySessionStore is a process-local SessionStore used when Redis is not
// configured. Sessions are stored encoded so callers never share state.
type MemorySessionStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemorySessionStore) Save(_ context.Context, s *importer.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.Code, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.Code] = memoryEntry{data: data, ownerID: s.OwnerID, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *MemorySessionStore) Load(_ context.Context, code string) (*importer.Session, error) {
	m.mu.Lock()
	entry, ok := m.lookup(code)
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	var s importer.Session
	if err := json.Unmarshal(entry.data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", code, err)
	}
	return &s, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, code string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, code)
	return nil
}

func (m *MemorySessionStore) ListCodes(_ context.Context, ownerID int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var codes []string
	for code := range m.entries {
		if entry, ok := m.lookup(code); ok && entry.ownerID == ownerID {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// lookup must be called with mu held. Expired entries are dropped.
func (m *MemorySessionStore) lookup(code string) (memoryEntry, bool) {
	entry, ok := m.entries[code]
	if !ok {
		return memoryEntry{}, false
	}
	if m.ttl > 0 && m.now().After(entry.expiresAt) {
		delete(m.entries, code)
		return memoryEntry{}, false
	}
	return entry, true
}
