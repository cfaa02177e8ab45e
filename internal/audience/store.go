package audience

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemberStore is the persistence boundary for materialized members. The
// production implementation lives in internal/repository/postgres; the
// in-memory implementation below backs tests and the filter engine contract.
type MemberStore interface {
	// GetByEmail returns the member for (sellerID, email), or nil if absent.
	GetByEmail(ctx context.Context, sellerID int64, email string) (*Member, error)
	// ListBySeller returns every member of a seller, ordered by member id.
	ListBySeller(ctx context.Context, sellerID int64) ([]*Member, error)
	// ListEmails returns the distinct emails of a seller's current members.
	ListEmails(ctx context.Context, sellerID int64) ([]string, error)
	// Upsert inserts or replaces a member document and its summary columns
	// in one write. The store assigns Member.ID on first insert.
	Upsert(ctx context.Context, m *Member) error
	// Delete removes the member row for (sellerID, email). Deleting an
	// absent member is not an error.
	Delete(ctx context.Context, sellerID int64, email string) error
}

// NormalizeEmail case-normalizes the contact identity used as the join key
// across purchases, followers, and affiliate links.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ==========================================
// IN-MEMORY STORE
// ==========================================

// MemoryStore is a MemberStore backed by process memory. Used in tests and
// available for local development without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	members map[int64]map[string]*Member // sellerID -> email -> member
}

// NewMemoryStore creates an empty in-memory member store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, members: make(map[int64]map[string]*Member)}
}

func (s *MemoryStore) GetByEmail(ctx context.Context, sellerID int64, email string) (*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[sellerID][NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return copyMember(m), nil
}

func (s *MemoryStore) ListBySeller(ctx context.Context, sellerID int64) ([]*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Member
	for _, m := range s.members[sellerID] {
		out = append(out, copyMember(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListEmails(ctx context.Context, sellerID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for email := range s.members[sellerID] {
		out = append(out, email)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, m *Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := NormalizeEmail(m.Email)
	bySeller, ok := s.members[m.SellerID]
	if !ok {
		bySeller = make(map[string]*Member)
		s.members[m.SellerID] = bySeller
	}

	now := time.Now().UTC()
	if existing, ok := bySeller[email]; ok {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
	} else {
		m.ID = s.nextID
		s.nextID++
		m.CreatedAt = now
	}
	m.Email = email
	m.UpdatedAt = now
	bySeller[email] = copyMember(m)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sellerID int64, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[sellerID], NormalizeEmail(email))
	return nil
}

func copyMember(m *Member) *Member {
	out := *m
	out.Details = m.Details.Clone()
	return &out
}
