// Package sessions maps opaque bearer tokens to users for a short TTL.
// Redis backs it in multi-instance deployments; a single process uses the
// in-memory expirable LRU.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	r "gopkg.in/redis.v5"
)

// ErrSessionNotFound is returned for unknown or expired tokens.
var ErrSessionNotFound = errors.New("session not found")

const redisPrefix = "_COMPANION_SESSION_"

// Session is an authenticated user for the lifetime of a token.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Admin     bool      `json:"admin"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store creates and resolves sessions.
type Store interface {
	Create(ctx context.Context, userID string, admin bool) (*Session, error)
	Get(ctx context.Context, token string) (*Session, error)
	Delete(ctx context.Context, token string) error
	Close() error
}

func newSession(userID string, admin bool, ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		Token:     uuid.NewString(),
		UserID:    userID,
		Admin:     admin,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// New returns a RedisStore when redisURL is set and a MemoryStore otherwise.
func New(redisURL string, ttl time.Duration, maxEntries int) (Store, error) {
	if redisURL == "" {
		log.Info("sessions: using in-memory store")
		return NewMemoryStore(ttl, maxEntries), nil
	}
	return NewRedisStore(redisURL, ttl)
}

// MemoryStore keeps sessions in an expirable LRU.
type MemoryStore struct {
	cache *expirable.LRU[string, *Session]
	ttl   time.Duration
}

// NewMemoryStore creates an in-process store holding at most maxEntries sessions.
func NewMemoryStore(ttl time.Duration, maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryStore{
		cache: expirable.NewLRU[string, *Session](maxEntries, nil, ttl),
		ttl:   ttl,
	}
}

// Create stores a new session for userID.
func (m *MemoryStore) Create(_ context.Context, userID string, admin bool) (*Session, error) {
	if userID == "" {
		return nil, errors.New("sessions: user id is required")
	}
	s := newSession(userID, admin, m.ttl)
	m.cache.Add(s.Token, s)
	return s, nil
}

// Get resolves token.
func (m *MemoryStore) Get(_ context.Context, token string) (*Session, error) {
	s, ok := m.cache.Get(token)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Delete removes token. Unknown tokens are not an error.
func (m *MemoryStore) Delete(_ context.Context, token string) error {
	m.cache.Remove(token)
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// RedisStore keeps sessions in Redis with a key TTL.
type RedisStore struct {
	client *r.Client
	ttl    time.Duration
}

// NewRedisStore connects to url and verifies the connection.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := r.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("sessions: failed to parse Redis URL: %w", err)
	}
	client := r.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("sessions: failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// Create stores a new session for userID.
func (s *RedisStore) Create(_ context.Context, userID string, admin bool) (*Session, error) {
	if userID == "" {
		return nil, errors.New("sessions: user id is required")
	}
	sess := newSession(userID, admin, s.ttl)
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("sessions: failed to encode session: %w", err)
	}
	if err := s.client.Set(redisPrefix+sess.Token, data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("sessions: failed to store session: %w", err)
	}
	return sess, nil
}

// Get resolves token.
func (s *RedisStore) Get(_ context.Context, token string) (*Session, error) {
	data, err := s.client.Get(redisPrefix + token).Bytes()
	if errors.Is(err, r.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: failed to load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("sessions: corrupt session: %w", err)
	}
	return &sess, nil
}

// Delete removes token.
func (s *RedisStore) Delete(_ context.Context, token string) error {
	return s.client.Del(redisPrefix + token).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
