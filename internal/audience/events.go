package audience

import "context"

// Inbound lifecycle events from the purchase, follower, and affiliate
// collaborators. Each maps one domain event onto the aggregator; retried
// deliveries are safe because upserts are idempotent by fact id.

// OnPurchaseQualified records a purchase entering the successful,
// non-refunded, non-chargedback state.
func (a *Aggregator) OnPurchaseQualified(ctx context.Context, sellerID int64, email string, fact PurchaseFact) error {
	return a.UpsertFact(ctx, sellerID, email, CategoryPurchase, fact)
}

// OnPurchaseDisqualified records a purchase leaving the qualifying state
// (refund, chargeback, deletion).
func (a *Aggregator) OnPurchaseDisqualified(ctx context.Context, sellerID int64, email string, purchaseID int64) error {
	return a.RemoveFact(ctx, sellerID, email, CategoryPurchase, purchaseID)
}

// OnFollowerConfirmed records a follower confirmation.
func (a *Aggregator) OnFollowerConfirmed(ctx context.Context, sellerID int64, email string, fact FollowerFact) error {
	return a.UpsertFact(ctx, sellerID, email, CategoryFollower, fact)
}

// OnFollowerUnsubscribed clears the follower object.
func (a *Aggregator) OnFollowerUnsubscribed(ctx context.Context, sellerID int64, email string) error {
	return a.RemoveFact(ctx, sellerID, email, CategoryFollower, 0)
}

// OnAffiliateLinked records a live product-affiliation for the contact.
func (a *Aggregator) OnAffiliateLinked(ctx context.Context, sellerID int64, email string, fact AffiliateFact) error {
	return a.UpsertFact(ctx, sellerID, email, CategoryAffiliate, fact)
}

// OnAffiliateUnlinked removes a product-affiliation.
func (a *Aggregator) OnAffiliateUnlinked(ctx context.Context, sellerID int64, email string, affiliateID int64) error {
	return a.RemoveFact(ctx, sellerID, email, CategoryAffiliate, affiliateID)
}
