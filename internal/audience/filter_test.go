package audience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMember(t *testing.T, store *MemoryStore, sellerID int64, email string, details Details) *Member {
	t.Helper()
	m := &Member{SellerID: sellerID, Email: email, Details: details, Summary: DeriveSummary(details)}
	require.NoError(t, store.Upsert(context.Background(), m))
	return m
}

func filterEmails(matches []Match) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Member.Email)
	}
	return out
}

func i64(v int64) *int64 { return &v }

func TestFilter_NoParamsReturnsEveryoneInIDOrder(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)

	seedMember(t, store, 1, "c@x.com", Details{Purchases: []PurchaseFact{{ID: 1, ProductID: 1, CreatedAt: ts(1)}}})
	seedMember(t, store, 1, "a@x.com", Details{Follower: &FollowerFact{ID: 2, CreatedAt: ts(2)}})
	seedMember(t, store, 1, "b@x.com", Details{Affiliates: []AffiliateFact{{ID: 3, ProductID: 1, CreatedAt: ts(3)}}})
	// Different seller stays invisible.
	seedMember(t, store, 2, "other@x.com", Details{Follower: &FollowerFact{ID: 4, CreatedAt: ts(4)}})

	matches, err := engine.Filter(context.Background(), 1, FilterParams{}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"c@x.com", "a@x.com", "b@x.com"}, filterEmails(matches))
}

func TestFilter_ByType(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)
	ctx := context.Background()

	seedMember(t, store, 1, "customer@x.com", Details{Purchases: []PurchaseFact{{ID: 1, ProductID: 1, CreatedAt: ts(1)}}})
	seedMember(t, store, 1, "follower@x.com", Details{Follower: &FollowerFact{ID: 2, CreatedAt: ts(2)}})
	seedMember(t, store, 1, "everything@x.com", Details{
		Follower:   &FollowerFact{ID: 3, CreatedAt: ts(3)},
		Purchases:  []PurchaseFact{{ID: 4, ProductID: 1, CreatedAt: ts(4)}},
		Affiliates: []AffiliateFact{{ID: 5, ProductID: 1, CreatedAt: ts(5)}},
	})

	customers, err := engine.Filter(ctx, 1, FilterParams{Type: "customer"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"customer@x.com", "everything@x.com"}, filterEmails(customers))

	followers, err := engine.Filter(ctx, 1, FilterParams{Type: "follower"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"follower@x.com", "everything@x.com"}, filterEmails(followers))

	affiliates, err := engine.Filter(ctx, 1, FilterParams{Type: "affiliate"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"everything@x.com"}, filterEmails(affiliates))
}

// Conjunctive purchase filters must be satisfied by a single common
// purchase, not independently across different purchases.
func TestFilter_JointPurchasePredicates(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)
	ctx := context.Background()

	// Purchase A: product 1 for free. Purchase B: product 2 for $2.
	seedMember(t, store, 1, "split@x.com", Details{Purchases: []PurchaseFact{
		{ID: 1, ProductID: 1, PriceCents: 0, CreatedAt: ts(1)},
		{ID: 2, ProductID: 2, PriceCents: 200, CreatedAt: ts(2)},
	}})

	// Product 1 was never paid for: no single purchase satisfies both.
	matches, err := engine.Filter(ctx, 1, FilterParams{BoughtProductIDs: []int64{1}, PaidMoreThanCents: i64(0)}, false)
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Product 2 was paid for by the same purchase.
	matches, err = engine.Filter(ctx, 1, FilterParams{BoughtProductIDs: []int64{2}, PaidMoreThanCents: i64(0)}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"split@x.com"}, filterEmails(matches))
}

// A member with multiple qualifying purchases appears exactly once.
func TestFilter_DeduplicatesMembers(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)

	seedMember(t, store, 1, "repeat@x.com", Details{Purchases: []PurchaseFact{
		{ID: 1, ProductID: 1, PriceCents: 500, CreatedAt: ts(1)},
		{ID: 2, ProductID: 1, PriceCents: 700, CreatedAt: ts(2)},
	}})

	matches, err := engine.Filter(context.Background(), 1, FilterParams{PaidMoreThanCents: i64(100)}, false)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestFilter_ByCountryAndProduct(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)

	seedMember(t, store, 1, "us@x.com", Details{Purchases: []PurchaseFact{
		{ID: 1, ProductID: 1, PriceCents: 100, CreatedAt: ts(1), Country: "United States"},
	}})
	seedMember(t, store, 1, "ca@x.com", Details{Purchases: []PurchaseFact{
		{ID: 2, ProductID: 1, PriceCents: 100, CreatedAt: ts(1), Country: "Canada"},
	}})

	matches, err := engine.Filter(context.Background(), 1, FilterParams{
		BoughtFrom:       "Canada",
		BoughtProductIDs: []int64{1, 3},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"ca@x.com"}, filterEmails(matches))
}

func TestFilter_ByVariants(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)
	ctx := context.Background()

	seedMember(t, store, 1, "deluxe@x.com", Details{Purchases: []PurchaseFact{
		{ID: 1, ProductID: 1, VariantIDs: []int64{10, 11}, PriceCents: 100, CreatedAt: ts(1)},
	}})
	seedMember(t, store, 1, "basic@x.com", Details{Purchases: []PurchaseFact{
		{ID: 2, ProductID: 1, VariantIDs: []int64{12}, PriceCents: 100, CreatedAt: ts(1)},
	}})

	matches, err := engine.Filter(ctx, 1, FilterParams{BoughtVariantIDs: []int64{11, 99}}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"deluxe@x.com"}, filterEmails(matches))

	matches, err = engine.Filter(ctx, 1, FilterParams{NotBoughtVariantIDs: []int64{11}}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"basic@x.com"}, filterEmails(matches))
}

func TestFilter_NotBoughtProducts(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)

	seedMember(t, store, 1, "both@x.com", Details{Purchases: []PurchaseFact{
		{ID: 1, ProductID: 1, PriceCents: 100, CreatedAt: ts(1)},
		{ID: 2, ProductID: 2, PriceCents: 100, CreatedAt: ts(2)},
	}})
	seedMember(t, store, 1, "one@x.com", Details{Purchases: []PurchaseFact{
		{ID: 3, ProductID: 1, PriceCents: 100, CreatedAt: ts(1)},
	}})

	matches, err := engine.Filter(context.Background(), 1, FilterParams{
		BoughtProductIDs:    []int64{1},
		NotBoughtProductIDs: []int64{2},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"one@x.com"}, filterEmails(matches))
}

func TestFilter_PriceRange(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)

	seedMember(t, store, 1, "cheap@x.com", Details{Purchases: []PurchaseFact{
		{ID: 1, ProductID: 1, PriceCents: 50, CreatedAt: ts(1)},
	}})
	seedMember(t, store, 1, "mid@x.com", Details{Purchases: []PurchaseFact{
		{ID: 2, ProductID: 1, PriceCents: 500, CreatedAt: ts(1)},
	}})
	seedMember(t, store, 1, "high@x.com", Details{Purchases: []PurchaseFact{
		{ID: 3, ProductID: 1, PriceCents: 5000, CreatedAt: ts(1)},
	}})

	matches, err := engine.Filter(context.Background(), 1, FilterParams{
		PaidMoreThanCents: i64(100),
		PaidLessThanCents: i64(1000),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"mid@x.com"}, filterEmails(matches))
}

func TestFilter_MemberScopedDateBounds(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)

	seedMember(t, store, 1, "early@x.com", Details{Follower: &FollowerFact{ID: 1, CreatedAt: ts(2)}})
	seedMember(t, store, 1, "late@x.com", Details{Follower: &FollowerFact{ID: 2, CreatedAt: ts(20)}})

	after := ts(10)
	matches, err := engine.Filter(context.Background(), 1, FilterParams{CreatedAfter: &after}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"late@x.com"}, filterEmails(matches))

	before := ts(10)
	matches, err = engine.Filter(context.Background(), 1, FilterParams{CreatedBefore: &before}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"early@x.com"}, filterEmails(matches))
}

// With purchase filters active, date bounds apply to the matching purchase's
// own created_at, not the member's global range.
func TestFilter_PurchaseScopedDateBounds(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)

	seedMember(t, store, 1, "mixed@x.com", Details{Purchases: []PurchaseFact{
		{ID: 1, ProductID: 1, PriceCents: 100, CreatedAt: ts(1)},
		{ID: 2, ProductID: 2, PriceCents: 100, CreatedAt: ts(25)},
	}})

	after := ts(10)
	matches, err := engine.Filter(context.Background(), 1, FilterParams{
		BoughtProductIDs: []int64{1},
		CreatedAfter:     &after,
	}, false)
	require.NoError(t, err)
	assert.Empty(t, matches, "product 1 purchase predates the bound")

	matches, err = engine.Filter(context.Background(), 1, FilterParams{
		BoughtProductIDs: []int64{2},
		CreatedAfter:     &after,
	}, false)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestFilter_FollowerScopedDateBounds(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)

	// Followed long ago, purchased recently.
	seedMember(t, store, 1, "old-follow@x.com", Details{
		Follower:  &FollowerFact{ID: 1, CreatedAt: ts(1)},
		Purchases: []PurchaseFact{{ID: 2, ProductID: 1, PriceCents: 100, CreatedAt: ts(25)}},
	})

	after := ts(10)
	matches, err := engine.Filter(context.Background(), 1, FilterParams{Type: "follower", CreatedAfter: &after}, false)
	require.NoError(t, err)
	assert.Empty(t, matches, "follow date is outside the bound even though a purchase is inside")
}

func TestFilter_ByAffiliateProducts(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)

	seedMember(t, store, 1, "aff1@x.com", Details{Affiliates: []AffiliateFact{{ID: 1, ProductID: 7, CreatedAt: ts(1)}}})
	seedMember(t, store, 1, "aff2@x.com", Details{Affiliates: []AffiliateFact{{ID: 2, ProductID: 8, CreatedAt: ts(1)}}})

	matches, err := engine.Filter(context.Background(), 1, FilterParams{AffiliateProductIDs: []int64{7}}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"aff1@x.com"}, filterEmails(matches))
}

// A predicate on a category the member has no facts in yields no match
// rather than an error.
func TestFilter_NilSafeAcrossCategories(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)

	seedMember(t, store, 1, "follower-only@x.com", Details{Follower: &FollowerFact{ID: 1, CreatedAt: ts(1)}})

	matches, err := engine.Filter(context.Background(), 1, FilterParams{BoughtProductIDs: []int64{1}}, false)
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = engine.Filter(context.Background(), 1, FilterParams{AffiliateProductIDs: []int64{1}}, false)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFilter_WithIDs_NoFilterReturnsMaxFactIDs(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)

	// Highest id wins regardless of price ordering.
	seedMember(t, store, 1, "buyer@x.com", Details{Purchases: []PurchaseFact{
		{ID: 1, ProductID: 1, PriceCents: 100, CreatedAt: ts(1)},
		{ID: 2, ProductID: 1, PriceCents: 90, CreatedAt: ts(2)},
		{ID: 3, ProductID: 1, PriceCents: 120, CreatedAt: ts(3)},
		{ID: 4, ProductID: 1, PriceCents: 70, CreatedAt: ts(4)},
	}})

	matches, err := engine.Filter(context.Background(), 1, FilterParams{}, true)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NotNil(t, matches[0].PurchaseID)
	assert.Equal(t, int64(4), *matches[0].PurchaseID)
	assert.Nil(t, matches[0].FollowerID)
	assert.Nil(t, matches[0].AffiliateID)
}

func TestFilter_WithIDs_RespectsActivePredicates(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)

	seedMember(t, store, 1, "buyer@x.com", Details{Purchases: []PurchaseFact{
		{ID: 1, ProductID: 1, PriceCents: 100, CreatedAt: ts(1)},
		{ID: 2, ProductID: 1, PriceCents: 100, CreatedAt: ts(2)},
		{ID: 3, ProductID: 2, PriceCents: 100, CreatedAt: ts(3)},
	}})

	matches, err := engine.Filter(context.Background(), 1, FilterParams{BoughtProductIDs: []int64{1}}, true)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NotNil(t, matches[0].PurchaseID)
	assert.Equal(t, int64(2), *matches[0].PurchaseID, "max id among product-1 purchases, not the overall max")
}

// Categories resolve independently in with-ids mode: a follower-typed query
// with purchase filters still reports both the follower id and the
// qualifying purchase id.
func TestFilter_WithIDs_MultiCategory(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)

	seedMember(t, store, 1, "both@x.com", Details{
		Follower: &FollowerFact{ID: 9, CreatedAt: ts(1)},
		Purchases: []PurchaseFact{
			{ID: 5, ProductID: 1, PriceCents: 100, CreatedAt: ts(2)},
			{ID: 6, ProductID: 2, PriceCents: 100, CreatedAt: ts(3)},
		},
	})

	matches, err := engine.Filter(context.Background(), 1, FilterParams{
		Type:             "follower",
		BoughtProductIDs: []int64{1},
	}, true)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	require.NotNil(t, matches[0].FollowerID)
	assert.Equal(t, int64(9), *matches[0].FollowerID)
	require.NotNil(t, matches[0].PurchaseID)
	assert.Equal(t, int64(5), *matches[0].PurchaseID)
	assert.Nil(t, matches[0].AffiliateID)
}

func TestFilter_RejectsMalformedParams(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	ctx := context.Background()

	after := ts(20)
	before := ts(10)

	tests := []struct {
		name   string
		params FilterParams
		param  string
	}{
		{"unknown type", FilterParams{Type: "subscriber"}, "type"},
		{"negative paid more", FilterParams{PaidMoreThanCents: i64(-1)}, "paid_more_than_cents"},
		{"negative paid less", FilterParams{PaidLessThanCents: i64(-100)}, "paid_less_than_cents"},
		{"empty price range", FilterParams{PaidMoreThanCents: i64(500), PaidLessThanCents: i64(500)}, "paid_less_than_cents"},
		{"empty date range", FilterParams{CreatedAfter: &after, CreatedBefore: &before}, "created_before"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Filter(ctx, 1, tt.params, false)
			var perr *FilterParamError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.param, perr.Param)
		})
	}
}

func TestFilter_EmptyResultIsNotAnError(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	matches, err := engine.Filter(context.Background(), 42, FilterParams{Type: "customer"}, false)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFilter_TimeBoundsInclusiveOfEqualInstant(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)

	exact := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	seedMember(t, store, 1, "edge@x.com", Details{Purchases: []PurchaseFact{
		{ID: 1, ProductID: 1, PriceCents: 100, CreatedAt: exact},
	}})

	matches, err := engine.Filter(context.Background(), 1, FilterParams{
		BoughtProductIDs: []int64{1},
		CreatedAfter:     &exact,
		CreatedBefore:    &exact,
	}, false)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
