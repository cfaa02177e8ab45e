package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/audience-engine/internal/audience"
)

// Ground-truth fact sources for reconciliation. These read the platform's
// own tables; the refresher never trusts the materialized members.

// FollowerRepo implements audience.FollowerSource against PostgreSQL.
type FollowerRepo struct{ db *sql.DB }

// NewFollowerRepo creates a Postgres-backed follower source.
func NewFollowerRepo(db *sql.DB) *FollowerRepo { return &FollowerRepo{db: db} }

func (r *FollowerRepo) Emails(ctx context.Context, sellerID int64) ([]string, error) {
	return queryEmails(ctx, r.db, `
		SELECT DISTINCT lower(email)
		FROM followers
		WHERE seller_id = $1 AND confirmed_at IS NOT NULL AND deleted_at IS NULL
	`, sellerID)
}

func (r *FollowerRepo) ActiveFollower(ctx context.Context, sellerID int64, email string) (*audience.FollowerFact, error) {
	var f audience.FollowerFact
	err := r.db.QueryRowContext(ctx, `
		SELECT id, created_at
		FROM followers
		WHERE seller_id = $1 AND lower(email) = $2
		  AND confirmed_at IS NOT NULL AND deleted_at IS NULL
		ORDER BY id DESC
		LIMIT 1
	`, sellerID, audience.NormalizeEmail(email)).Scan(&f.ID, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load follower: %w", err)
	}
	return &f, nil
}

// PurchaseRepo implements audience.PurchaseSource against PostgreSQL.
type PurchaseRepo struct{ db *sql.DB }

// NewPurchaseRepo creates a Postgres-backed purchase source.
func NewPurchaseRepo(db *sql.DB) *PurchaseRepo { return &PurchaseRepo{db: db} }

// qualifyingPurchase restricts to the states eligible to contribute to a
// member document: successful, not refunded, not chargedback.
const qualifyingPurchase = `
	seller_id = $1
	AND state = 'successful'
	AND refunded_at IS NULL
	AND chargedback_at IS NULL`

func (r *PurchaseRepo) Emails(ctx context.Context, sellerID int64) ([]string, error) {
	return queryEmails(ctx, r.db, `
		SELECT DISTINCT lower(email)
		FROM purchases
		WHERE `+qualifyingPurchase, sellerID)
}

func (r *PurchaseRepo) QualifyingPurchases(ctx context.Context, sellerID int64, email string) ([]audience.PurchaseFact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_id, variant_ids, price_cents, created_at, COALESCE(country, '')
		FROM purchases
		WHERE `+qualifyingPurchase+`
		  AND lower(email) = $2
		ORDER BY id
	`, sellerID, audience.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("load purchases: %w", err)
	}
	defer rows.Close()

	var out []audience.PurchaseFact
	for rows.Next() {
		var p audience.PurchaseFact
		var variantIDs pq.Int64Array
		if err := rows.Scan(&p.ID, &p.ProductID, &variantIDs, &p.PriceCents, &p.CreatedAt, &p.Country); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		p.VariantIDs = []int64(variantIDs)
		out = append(out, p)
	}
	return out, rows.Err()
}

// AffiliateRepo implements audience.AffiliateSource against PostgreSQL.
// Live product-affiliations cover both direct and collaborator links.
type AffiliateRepo struct{ db *sql.DB }

// NewAffiliateRepo creates a Postgres-backed affiliate source.
func NewAffiliateRepo(db *sql.DB) *AffiliateRepo { return &AffiliateRepo{db: db} }

func (r *AffiliateRepo) Emails(ctx context.Context, sellerID int64) ([]string, error) {
	return queryEmails(ctx, r.db, `
		SELECT DISTINCT lower(email)
		FROM product_affiliates
		WHERE seller_id = $1 AND deleted_at IS NULL
	`, sellerID)
}

func (r *AffiliateRepo) LiveAffiliates(ctx context.Context, sellerID int64, email string) ([]audience.AffiliateFact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_id, created_at
		FROM product_affiliates
		WHERE seller_id = $1 AND lower(email) = $2 AND deleted_at IS NULL
		ORDER BY id
	`, sellerID, audience.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("load affiliates: %w", err)
	}
	defer rows.Close()

	var out []audience.AffiliateFact
	for rows.Next() {
		var a audience.AffiliateFact
		if err := rows.Scan(&a.ID, &a.ProductID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan affiliate: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func queryEmails(ctx context.Context, db *sql.DB, query string, sellerID int64) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, sellerID)
	if err != nil {
		return nil, fmt.Errorf("enumerate emails: %w", err)
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
