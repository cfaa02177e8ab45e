package audience

import (
	"context"
	"fmt"
	"time"
)

// ==========================================
// FILTER PARAMS
// ==========================================

// FilterParams is the raw filter request from a collaborator (reporting,
// export, email targeting). All predicates are optional and combined with
// AND. Malformed params are rejected before storage is touched.
type FilterParams struct {
	Type                string     `json:"type,omitempty"`
	BoughtProductIDs    []int64    `json:"bought_product_ids,omitempty"`
	BoughtVariantIDs    []int64    `json:"bought_variant_ids,omitempty"`
	NotBoughtProductIDs []int64    `json:"not_bought_product_ids,omitempty"`
	NotBoughtVariantIDs []int64    `json:"not_bought_variant_ids,omitempty"`
	PaidMoreThanCents   *int64     `json:"paid_more_than_cents,omitempty"`
	PaidLessThanCents   *int64     `json:"paid_less_than_cents,omitempty"`
	CreatedAfter        *time.Time `json:"created_after,omitempty"`
	CreatedBefore       *time.Time `json:"created_before,omitempty"`
	BoughtFrom          string     `json:"bought_from,omitempty"`
	AffiliateProductIDs []int64    `json:"affiliate_product_ids,omitempty"`
}

// FilterParamError reports a malformed filter parameter.
type FilterParamError struct {
	Param  string
	Reason string
}

func (e *FilterParamError) Error() string {
	return fmt.Sprintf("invalid filter param %q: %s", e.Param, e.Reason)
}

// Match is one filter result. The id fields are populated only in with-ids
// mode: each is the highest id among the member's facts in that category
// that satisfy the active predicates scoped to that category, or nil when
// the member has no qualifying fact in the category.
type Match struct {
	Member      *Member `json:"member"`
	PurchaseID  *int64  `json:"purchase_id,omitempty"`
	FollowerID  *int64  `json:"follower_id,omitempty"`
	AffiliateID *int64  `json:"affiliate_id,omitempty"`
}

// ==========================================
// FILTER SPEC
// ==========================================

// dateScope names the timestamp set a date bound binds to.
type dateScope int

const (
	scopeMember dateScope = iota // min_created_at / max_created_at
	scopePurchase
	scopeFollower
	scopeAffiliate
)

// filterSpec is the validated, compiled form of FilterParams. Purchase-level
// predicates share one candidate purchase binding: a member matches only if
// a single purchase satisfies product membership AND variant membership AND
// price bounds AND country AND (when purchase-scoped) the date bounds.
type filterSpec struct {
	memberType string // "", "customer", "follower", "affiliate"

	boughtProducts    map[int64]bool
	boughtVariants    map[int64]bool
	notBoughtProducts map[int64]bool
	notBoughtVariants map[int64]bool
	paidMoreThan      *int64
	paidLessThan      *int64
	boughtFrom        string

	affiliateProducts map[int64]bool

	createdAfter  *time.Time
	createdBefore *time.Time
	dates         dateScope
}

const (
	typeCustomer  = "customer"
	typeFollower  = "follower"
	typeAffiliate = "affiliate"
)

// compileFilter validates params and builds the spec. The date-bound scope
// is resolved here: purchase filters pull the bounds onto the candidate
// purchase row, a type pulls them onto that category's timestamps, and a
// bare query binds them to the member's min/max created range.
func compileFilter(params FilterParams) (*filterSpec, error) {
	switch params.Type {
	case "", typeCustomer, typeFollower, typeAffiliate:
	default:
		return nil, &FilterParamError{Param: "type", Reason: fmt.Sprintf("unknown audience type %q", params.Type)}
	}
	if params.PaidMoreThanCents != nil && *params.PaidMoreThanCents < 0 {
		return nil, &FilterParamError{Param: "paid_more_than_cents", Reason: "must not be negative"}
	}
	if params.PaidLessThanCents != nil && *params.PaidLessThanCents < 0 {
		return nil, &FilterParamError{Param: "paid_less_than_cents", Reason: "must not be negative"}
	}
	if params.PaidMoreThanCents != nil && params.PaidLessThanCents != nil &&
		*params.PaidMoreThanCents >= *params.PaidLessThanCents {
		return nil, &FilterParamError{Param: "paid_less_than_cents", Reason: "price range is empty"}
	}
	if params.CreatedAfter != nil && params.CreatedBefore != nil &&
		params.CreatedAfter.After(*params.CreatedBefore) {
		return nil, &FilterParamError{Param: "created_before", Reason: "date range is empty"}
	}

	spec := &filterSpec{
		memberType:        params.Type,
		boughtProducts:    idSet(params.BoughtProductIDs),
		boughtVariants:    idSet(params.BoughtVariantIDs),
		notBoughtProducts: idSet(params.NotBoughtProductIDs),
		notBoughtVariants: idSet(params.NotBoughtVariantIDs),
		paidMoreThan:      params.PaidMoreThanCents,
		paidLessThan:      params.PaidLessThanCents,
		boughtFrom:        params.BoughtFrom,
		affiliateProducts: idSet(params.AffiliateProductIDs),
		createdAfter:      params.CreatedAfter,
		createdBefore:     params.CreatedBefore,
	}

	switch {
	case spec.purchaseScoped():
		spec.dates = scopePurchase
	case params.Type == typeFollower:
		spec.dates = scopeFollower
	case params.Type == typeAffiliate || len(spec.affiliateProducts) > 0:
		spec.dates = scopeAffiliate
	default:
		spec.dates = scopeMember
	}

	return spec, nil
}

// purchaseScoped reports whether any predicate binds to individual purchase
// rows (including a bare customer-type query, whose date bounds then apply
// per purchase).
func (s *filterSpec) purchaseScoped() bool {
	return len(s.boughtProducts) > 0 || len(s.boughtVariants) > 0 ||
		s.paidMoreThan != nil || s.paidLessThan != nil || s.boughtFrom != "" ||
		s.memberType == typeCustomer
}

func idSet(ids []int64) map[int64]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// ==========================================
// PREDICATE EVALUATION
// ==========================================

// matchesPurchase applies every purchase-level predicate to one purchase
// row. The jointness requirement lives here: all row predicates see the
// same candidate purchase.
func (s *filterSpec) matchesPurchase(p PurchaseFact) bool {
	if len(s.boughtProducts) > 0 && !s.boughtProducts[p.ProductID] {
		return false
	}
	if len(s.boughtVariants) > 0 && !intersects(s.boughtVariants, p.VariantIDs) {
		return false
	}
	if s.paidMoreThan != nil && p.PriceCents <= *s.paidMoreThan {
		return false
	}
	if s.paidLessThan != nil && p.PriceCents >= *s.paidLessThan {
		return false
	}
	if s.boughtFrom != "" && p.Country != s.boughtFrom {
		return false
	}
	if s.dates == scopePurchase && !s.inDateBounds(p.CreatedAt) {
		return false
	}
	return true
}

func (s *filterSpec) matchesAffiliate(a AffiliateFact) bool {
	if len(s.affiliateProducts) > 0 && !s.affiliateProducts[a.ProductID] {
		return false
	}
	if s.dates == scopeAffiliate && !s.inDateBounds(a.CreatedAt) {
		return false
	}
	return true
}

func (s *filterSpec) matchesFollower(f *FollowerFact) bool {
	if f == nil {
		return false
	}
	if s.dates == scopeFollower && !s.inDateBounds(f.CreatedAt) {
		return false
	}
	return true
}

func (s *filterSpec) inDateBounds(t time.Time) bool {
	if s.createdAfter != nil && t.Before(*s.createdAfter) {
		return false
	}
	if s.createdBefore != nil && t.After(*s.createdBefore) {
		return false
	}
	return true
}

// matches evaluates the whole spec against one member document.
func (s *filterSpec) matches(m *Member) bool {
	switch s.memberType {
	case typeCustomer:
		if !m.Summary.Customer {
			return false
		}
	case typeFollower:
		if !m.Summary.Follower {
			return false
		}
	case typeAffiliate:
		if !m.Summary.Affiliate {
			return false
		}
	}

	// Member-level negations: zero purchases in the excluded sets.
	if len(s.notBoughtProducts) > 0 || len(s.notBoughtVariants) > 0 {
		for _, p := range m.Details.Purchases {
			if len(s.notBoughtProducts) > 0 && s.notBoughtProducts[p.ProductID] {
				return false
			}
			if len(s.notBoughtVariants) > 0 && intersects(s.notBoughtVariants, p.VariantIDs) {
				return false
			}
		}
	}

	// Joint purchase-row predicates: at least one surviving row.
	if s.purchaseScoped() {
		found := false
		for _, p := range m.Details.Purchases {
			if s.matchesPurchase(p) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(s.affiliateProducts) > 0 || (s.dates == scopeAffiliate && s.hasDateBounds()) {
		found := false
		for _, a := range m.Details.Affiliates {
			if s.matchesAffiliate(a) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if s.dates == scopeFollower && s.hasDateBounds() && !s.matchesFollower(m.Details.Follower) {
		return false
	}

	if s.dates == scopeMember && s.hasDateBounds() {
		if s.createdAfter != nil && (m.Summary.MinCreatedAt == nil || m.Summary.MinCreatedAt.Before(*s.createdAfter)) {
			return false
		}
		if s.createdBefore != nil && (m.Summary.MaxCreatedAt == nil || m.Summary.MaxCreatedAt.After(*s.createdBefore)) {
			return false
		}
	}

	return true
}

func (s *filterSpec) hasDateBounds() bool {
	return s.createdAfter != nil || s.createdBefore != nil
}

func intersects(set map[int64]bool, ids []int64) bool {
	for _, id := range ids {
		if set[id] {
			return true
		}
	}
	return false
}

// ==========================================
// QUALIFYING FACT IDS (with-ids mode)
// ==========================================

// qualifyingIDs resolves each category independently: the max fact id among
// that category's facts satisfying the category-scoped predicates, nil when
// none qualify. With no predicates on a category, every fact qualifies.
func (s *filterSpec) qualifyingIDs(m *Member) (purchaseID, followerID, affiliateID *int64) {
	for _, p := range m.Details.Purchases {
		if s.matchesPurchase(p) {
			purchaseID = maxInt64(purchaseID, p.ID)
		}
	}
	if s.matchesFollower(m.Details.Follower) {
		id := m.Details.Follower.ID
		followerID = &id
	}
	for _, a := range m.Details.Affiliates {
		if s.matchesAffiliate(a) {
			affiliateID = maxInt64(affiliateID, a.ID)
		}
	}
	return purchaseID, followerID, affiliateID
}

// ==========================================
// ENGINE
// ==========================================

// Engine answers filter queries over the materialized member set. It is
// read-only: it never creates, mutates, or deletes members.
type Engine struct {
	store MemberStore
}

// NewEngine creates a filter engine over the given member store.
func NewEngine(store MemberStore) *Engine {
	return &Engine{store: store}
}

// Filter returns the seller's members satisfying every predicate in params,
// ordered by member id ascending, one result per member regardless of how
// many facts qualify. With withIDs set, each match also carries the highest
// qualifying fact id per category. An empty predicate set matches everyone.
func (e *Engine) Filter(ctx context.Context, sellerID int64, params FilterParams, withIDs bool) ([]Match, error) {
	spec, err := compileFilter(params)
	if err != nil {
		return nil, err
	}

	members, err := e.store.ListBySeller(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	matches := make([]Match, 0, len(members))
	for _, m := range members {
		if !spec.matches(m) {
			continue
		}
		match := Match{Member: m}
		if withIDs {
			match.PurchaseID, match.FollowerID, match.AffiliateID = spec.qualifyingIDs(m)
		}
		matches = append(matches, match)
	}
	return matches, nil
}
