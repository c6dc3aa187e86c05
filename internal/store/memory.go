// ABOUTME: In-memory Store implementation for tests and ephemeral deployments
// ABOUTME: Mirrors the SQLite store semantics including uniqueness constraints

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store with process-local maps. Intended for tests;
// it enforces the same slug and (method, path) uniqueness as the SQLite store.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*User
	bridges map[string]*Bridge
	tokens  map[string]*AccessToken
	logs    []BridgeLog

	// FailAppendLogs makes AppendBridgeLogs fail n times, for testing the
	// audit sink's retry behavior.
	FailAppendLogs int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		bridges: make(map[string]*Bridge),
		tokens:  make(map[string]*AccessToken),
	}
}

func (m *MemoryStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Tier == "" {
		u.Tier = TierRegular
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreateBridge(_ context.Context, b *Bridge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := b.Auth.Validate(); err != nil {
		return err
	}
	for _, existing := range m.bridges {
		if existing.Slug == b.Slug {
			return ErrDuplicateSlug
		}
	}
	if err := checkDuplicateEndpoints(b.Endpoints); err != nil {
		return err
	}

	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	for i := range b.Endpoints {
		if b.Endpoints[i].ID == "" {
			b.Endpoints[i].ID = uuid.New().String()
		}
		b.Endpoints[i].BridgeID = b.ID
	}

	cp := cloneBridge(b)
	m.bridges[b.ID] = cp
	return nil
}

func (m *MemoryStore) GetBridge(_ context.Context, id string) (*Bridge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bridges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBridge(b), nil
}

func (m *MemoryStore) GetBridgeBySlug(_ context.Context, slug string) (*Bridge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bridges {
		if b.Slug == slug {
			return cloneBridge(b), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateBridge(_ context.Context, b *Bridge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := b.Auth.Validate(); err != nil {
		return err
	}
	existing, ok := m.bridges[b.ID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range m.bridges {
		if id != b.ID && other.Slug == b.Slug {
			return ErrDuplicateSlug
		}
	}
	if err := checkDuplicateEndpoints(b.Endpoints); err != nil {
		return err
	}

	b.CreatedAt = existing.CreatedAt
	b.UpdatedAt = time.Now().UTC()
	for i := range b.Endpoints {
		if b.Endpoints[i].ID == "" {
			b.Endpoints[i].ID = uuid.New().String()
		}
		b.Endpoints[i].BridgeID = b.ID
	}
	m.bridges[b.ID] = cloneBridge(b)
	return nil
}

func (m *MemoryStore) SetBridgeEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[id]
	if !ok {
		return ErrNotFound
	}
	b.Enabled = enabled
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListBridges(_ context.Context, userID string) ([]*Bridge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Bridge
	for _, b := range m.bridges {
		if b.UserID == userID {
			out = append(out, cloneBridge(b))
		}
	}
	return out, nil
}

func (m *MemoryStore) CountBridges(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, b := range m.bridges {
		if b.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[ep.BridgeID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range b.Endpoints {
		if sameEndpointKey(existing, *ep) {
			return ErrDuplicateEndpoint
		}
	}
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	b.Endpoints = append(b.Endpoints, *ep)
	return nil
}

func (m *MemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bridges {
		for i, ep := range b.Endpoints {
			if ep.ID == id {
				b.Endpoints = append(b.Endpoints[:i], b.Endpoints[i+1:]...)
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) CountEndpoints(_ context.Context, bridgeID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bridges[bridgeID]
	if !ok {
		return 0, ErrNotFound
	}
	return len(b.Endpoints), nil
}

func (m *MemoryStore) CreateAccessToken(_ context.Context, t *AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	cp := cloneToken(t)
	m.tokens[t.ID] = cp
	return nil
}

func (m *MemoryStore) GetAccessToken(_ context.Context, id string) (*AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneToken(t), nil
}

func (m *MemoryStore) GetAccessTokenBySecret(_ context.Context, secret string) (*AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tokens {
		if t.Secret == secret {
			return cloneToken(t), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListAccessTokens(_ context.Context, bridgeID string) ([]*AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AccessToken
	for _, t := range m.tokens {
		if t.BridgeID == bridgeID {
			out = append(out, cloneToken(t))
		}
	}
	return out, nil
}

func (m *MemoryStore) SetAccessTokenActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	t.IsActive = active
	return nil
}

func (m *MemoryStore) TouchAccessToken(_ context.Context, id string, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	w := when.UTC()
	t.LastUsedAt = &w
	return nil
}

func (m *MemoryStore) DeleteAccessToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[id]; !ok {
		return ErrNotFound
	}
	delete(m.tokens, id)
	return nil
}

func (m *MemoryStore) AppendBridgeLogs(_ context.Context, entries []*BridgeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppendLogs > 0 {
		m.FailAppendLogs--
		return ErrNotFound
	}
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		m.logs = append(m.logs, *e)
	}
	return nil
}

func (m *MemoryStore) ListBridgeLogs(_ context.Context, f BridgeLogFilter) ([]BridgeLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := normalizeLogLimit(f.Limit)
	entries := []BridgeLog{}
	for i := len(m.logs) - 1; i >= 0 && len(entries) < limit; i-- {
		e := m.logs[i]
		if e.BridgeID != f.BridgeID {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.CreatedAt.After(*f.Until) {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (m *MemoryStore) Close() error { return nil }

// checkDuplicateEndpoints rejects duplicate (method, path) pairs within one set.
func checkDuplicateEndpoints(eps []Endpoint) error {
	seen := make(map[string]struct{}, len(eps))
	for _, ep := range eps {
		key := ep.Method + " " + ep.Path
		if _, dup := seen[key]; dup {
			return ErrDuplicateEndpoint
		}
		seen[key] = struct{}{}
	}
	return nil
}

func sameEndpointKey(a, b Endpoint) bool {
	return a.Method == b.Method && a.Path == b.Path
}

func cloneBridge(b *Bridge) *Bridge {
	cp := *b
	cp.Endpoints = append([]Endpoint(nil), b.Endpoints...)
	cp.Tools = append([]McpTool(nil), b.Tools...)
	cp.Prompts = append([]McpPrompt(nil), b.Prompts...)
	cp.Resources = append([]McpResource(nil), b.Resources...)
	if b.Headers != nil {
		cp.Headers = make(map[string]string, len(b.Headers))
		for k, v := range b.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

func cloneToken(t *AccessToken) *AccessToken {
	cp := *t
	cp.Permissions = append([]TokenPermission(nil), t.Permissions...)
	return &cp
}
