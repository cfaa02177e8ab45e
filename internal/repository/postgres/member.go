// Package postgres implements the audience persistence interfaces against
// PostgreSQL. Member documents live in a JSONB column with the summary
// columns denormalized beside it; ground-truth facts are read from the
// platform's purchase, follower, and affiliate tables.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/audience-engine/internal/audience"
)

// MemberRepo implements audience.MemberStore against PostgreSQL.
type MemberRepo struct{ db *sql.DB }

// NewMemberRepo creates a Postgres-backed member store.
func NewMemberRepo(db *sql.DB) *MemberRepo { return &MemberRepo{db: db} }

const memberColumns = `
	id, seller_id, email, details,
	customer, follower, affiliate,
	min_paid_cents, max_paid_cents,
	min_purchase_created_at, max_purchase_created_at,
	min_created_at, max_created_at,
	follower_created_at,
	min_affiliate_created_at, max_affiliate_created_at,
	created_at, updated_at`

func (r *MemberRepo) GetByEmail(ctx context.Context, sellerID int64, email string) (*audience.Member, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM audience_members
		WHERE seller_id = $1 AND email = $2
	`, sellerID, audience.NormalizeEmail(email))

	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

func (r *MemberRepo) ListBySeller(ctx context.Context, sellerID int64) ([]*audience.Member, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+memberColumns+`
		FROM audience_members
		WHERE seller_id = $1
		ORDER BY id
	`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []*audience.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MemberRepo) ListEmails(ctx context.Context, sellerID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT email FROM audience_members WHERE seller_id = $1 ORDER BY email`,
		sellerID)
	if err != nil {
		return nil, fmt.Errorf("list member emails: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		out = append(out, email)
	}
	return out, rows.Err()
}

// Upsert writes the document and its summary columns in one statement, so a
// partially updated row (details disagreeing with summary) is never visible.
func (r *MemberRepo) Upsert(ctx context.Context, m *audience.Member) error {
	detailsJSON, err := json.Marshal(m.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	s := m.Summary
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO audience_members (
			seller_id, email, details,
			customer, follower, affiliate,
			min_paid_cents, max_paid_cents,
			min_purchase_created_at, max_purchase_created_at,
			min_created_at, max_created_at,
			follower_created_at,
			min_affiliate_created_at, max_affiliate_created_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
		ON CONFLICT (seller_id, email) DO UPDATE SET
			details = EXCLUDED.details,
			customer = EXCLUDED.customer,
			follower = EXCLUDED.follower,
			affiliate = EXCLUDED.affiliate,
			min_paid_cents = EXCLUDED.min_paid_cents,
			max_paid_cents = EXCLUDED.max_paid_cents,
			min_purchase_created_at = EXCLUDED.min_purchase_created_at,
			max_purchase_created_at = EXCLUDED.max_purchase_created_at,
			min_created_at = EXCLUDED.min_created_at,
			max_created_at = EXCLUDED.max_created_at,
			follower_created_at = EXCLUDED.follower_created_at,
			min_affiliate_created_at = EXCLUDED.min_affiliate_created_at,
			max_affiliate_created_at = EXCLUDED.max_affiliate_created_at,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`,
		m.SellerID, audience.NormalizeEmail(m.Email), detailsJSON,
		s.Customer, s.Follower, s.Affiliate,
		s.MinPaidCents, s.MaxPaidCents,
		s.MinPurchaseCreatedAt, s.MaxPurchaseCreatedAt,
		s.MinCreatedAt, s.MaxCreatedAt,
		s.FollowerCreatedAt,
		s.MinAffiliateCreatedAt, s.MaxAffiliateCreatedAt,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func (r *MemberRepo) Delete(ctx context.Context, sellerID int64, email string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM audience_members WHERE seller_id = $1 AND email = $2`,
		sellerID, audience.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMember(row rowScanner) (*audience.Member, error) {
	m := &audience.Member{}
	var detailsJSON []byte
	err := row.Scan(
		&m.ID, &m.SellerID, &m.Email, &detailsJSON,
		&m.Summary.Customer, &m.Summary.Follower, &m.Summary.Affiliate,
		&m.Summary.MinPaidCents, &m.Summary.MaxPaidCents,
		&m.Summary.MinPurchaseCreatedAt, &m.Summary.MaxPurchaseCreatedAt,
		&m.Summary.MinCreatedAt, &m.Summary.MaxCreatedAt,
		&m.Summary.FollowerCreatedAt,
		&m.Summary.MinAffiliateCreatedAt, &m.Summary.MaxAffiliateCreatedAt,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &m.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details: %w", err)
		}
	}
	return m, nil
}
