// Package auth resolves API keys to wallet subjects.
//
// Keys are issued per subject (usually a user) and presented either as
// "Authorization: Bearer sk_..." / "X-API-Key" on HTTP routes or inside the
// WebSocket subprotocol list on the realtime relay. Only the SHA-256 hash of
// a key is stored.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/kizuna-ai-lab/sokuji/internal/logging"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or revoked API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

// KeyPrefix marks keys issued by this service.
const KeyPrefix = "sk_"

// APIKey is the stored metadata of an issued key.
type APIKey struct {
	ID          string    `json:"id"`
	Hash        string    `json:"-"`
	SubjectType string    `json:"subjectType"`
	SubjectID   string    `json:"subjectId"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsed    time.Time `json:"lastUsed,omitempty"`
	Revoked     bool      `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListBySubject(ctx context.Context, subjectType, subjectID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager issues and validates API keys.
type Manager struct {
	store Store
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey creates a key for a subject. The raw key is returned once;
// only its hash is persisted.
func (m *Manager) GenerateKey(ctx context.Context, subjectType, subjectID, name string) (string, *APIKey, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey := KeyPrefix + hex.EncodeToString(b)

	key := &APIKey{
		ID:          "ak_" + hex.EncodeToString(b[:8]),
		Hash:        hashKey(rawKey),
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Name:        name,
		CreatedAt:   time.Now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey resolves a raw key (optionally "Bearer "-prefixed).
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil || key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	touched := *key
	touched.LastUsed = time.Now()
	go func() {
		if err := m.store.Update(context.Background(), &touched); err != nil {
			logging.L(ctx).Debug("api key last-used update failed", "key_id", touched.ID, "error", err)
		}
	}()

	return key, nil
}

// Verify resolves a relay credential to its subject.
func (m *Manager) Verify(ctx context.Context, credential string) (subjectType, subjectID string, err error) {
	key, err := m.ValidateKey(ctx, credential)
	if err != nil {
		return "", "", err
	}
	return key.SubjectType, key.SubjectID, nil
}

// ListKeys returns all keys for a subject.
func (m *Manager) ListKeys(ctx context.Context, subjectType, subjectID string) ([]*APIKey, error) {
	return m.store.ListBySubject(ctx, subjectType, subjectID)
}

// RevokeKey revokes one of the subject's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, subjectType, subjectID string) error {
	keys, err := m.store.ListBySubject(ctx, subjectType, subjectID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID && !k.Revoked {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) ListBySubject(_ context.Context, subjectType, subjectID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, k := range s.keys {
		if k.SubjectType == subjectType && k.SubjectID == subjectID {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	existing.LastUsed = key.LastUsed
	existing.Revoked = existing.Revoked || key.Revoked
	return nil
}
