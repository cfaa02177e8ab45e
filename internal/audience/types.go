// Package audience maintains the materialized audience of a seller: one
// denormalized member document per (seller, email) pair, aggregating the
// contact's purchase, follower, and affiliate history, with scalar summary
// columns derived from the document for fast filtering.
package audience

import (
	"fmt"
	"time"
)

// ==========================================
// FACT CATEGORIES
// ==========================================

// Category identifies one of the three fact kinds folded into a member.
type Category string

const (
	CategoryFollower  Category = "follower"
	CategoryPurchase  Category = "purchase"
	CategoryAffiliate Category = "affiliate"
)

// ==========================================
// FACTS
// ==========================================

// FollowerFact is the contact's active follow of the seller. A member holds
// at most one.
type FollowerFact struct {
	ID        int64     `json:"id" db:"id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PurchaseFact is one qualifying purchase (successful, non-refunded,
// non-chargedback), including purchases made without account signup.
type PurchaseFact struct {
	ID         int64     `json:"id" db:"id"`
	ProductID  int64     `json:"product_id" db:"product_id"`
	VariantIDs []int64   `json:"variant_ids,omitempty" db:"variant_ids"`
	PriceCents int64     `json:"price_cents" db:"price_cents"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	Country    string    `json:"country,omitempty" db:"country"`
}

// AffiliateFact is one live product-affiliation the contact holds as an
// affiliate (direct or via collaborator) for the seller's products.
type AffiliateFact struct {
	ID        int64     `json:"id" db:"id"`
	ProductID int64     `json:"product_id" db:"product_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ==========================================
// MEMBER DOCUMENT
// ==========================================

// Details is the semi-structured member document. The JSON field names are
// the wire contract relied on by export and targeting collaborators.
type Details struct {
	Follower   *FollowerFact   `json:"follower,omitempty"`
	Purchases  []PurchaseFact  `json:"purchases,omitempty"`
	Affiliates []AffiliateFact `json:"affiliates,omitempty"`
}

// Summary holds the scalar columns derived from a Details document. They are
// recomputed on every save and never independently mutated.
type Summary struct {
	Customer  bool `json:"customer" db:"customer"`
	Follower  bool `json:"follower" db:"follower"`
	Affiliate bool `json:"affiliate" db:"affiliate"`

	MinPaidCents *int64 `json:"min_paid_cents,omitempty" db:"min_paid_cents"`
	MaxPaidCents *int64 `json:"max_paid_cents,omitempty" db:"max_paid_cents"`

	MinPurchaseCreatedAt *time.Time `json:"min_purchase_created_at,omitempty" db:"min_purchase_created_at"`
	MaxPurchaseCreatedAt *time.Time `json:"max_purchase_created_at,omitempty" db:"max_purchase_created_at"`

	MinCreatedAt *time.Time `json:"min_created_at,omitempty" db:"min_created_at"`
	MaxCreatedAt *time.Time `json:"max_created_at,omitempty" db:"max_created_at"`

	FollowerCreatedAt *time.Time `json:"follower_created_at,omitempty" db:"follower_created_at"`

	MinAffiliateCreatedAt *time.Time `json:"min_affiliate_created_at,omitempty" db:"min_affiliate_created_at"`
	MaxAffiliateCreatedAt *time.Time `json:"max_affiliate_created_at,omitempty" db:"max_affiliate_created_at"`
}

// Member is the materialized per-(seller, email) aggregate. A member row
// exists iff at least one fact category is present.
type Member struct {
	ID        int64     `json:"id" db:"id"`
	SellerID  int64     `json:"seller_id" db:"seller_id"`
	Email     string    `json:"email" db:"email"`
	Details   Details   `json:"details" db:"details"`
	Summary   Summary   `json:"summary"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ==========================================
// VALIDATION
// ==========================================

// ValidationError reports a malformed fact rejected at the aggregator
// boundary. The member document is left unchanged.
type ValidationError struct {
	Category Category
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s fact: field %q %s", e.Category, e.Field, e.Reason)
}

func missingField(category Category, field string) error {
	return &ValidationError{Category: category, Field: field, Reason: "is required"}
}

// Validate checks a follower fact for required fields.
func (f FollowerFact) Validate() error {
	if f.ID == 0 {
		return missingField(CategoryFollower, "id")
	}
	if f.CreatedAt.IsZero() {
		return missingField(CategoryFollower, "created_at")
	}
	return nil
}

// Validate checks a purchase fact for required fields.
func (p PurchaseFact) Validate() error {
	if p.ID == 0 {
		return missingField(CategoryPurchase, "id")
	}
	if p.ProductID == 0 {
		return missingField(CategoryPurchase, "product_id")
	}
	if p.CreatedAt.IsZero() {
		return missingField(CategoryPurchase, "created_at")
	}
	if p.PriceCents < 0 {
		return &ValidationError{Category: CategoryPurchase, Field: "price_cents", Reason: "must not be negative"}
	}
	return nil
}

// Validate checks an affiliate fact for required fields.
func (a AffiliateFact) Validate() error {
	if a.ID == 0 {
		return missingField(CategoryAffiliate, "id")
	}
	if a.ProductID == 0 {
		return missingField(CategoryAffiliate, "product_id")
	}
	if a.CreatedAt.IsZero() {
		return missingField(CategoryAffiliate, "created_at")
	}
	return nil
}
