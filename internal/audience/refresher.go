package audience

import (
	"context"
	"fmt"
	"sync"

	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// ==========================================
// GROUND-TRUTH FACT SOURCES
// ==========================================

// FollowerSource reads the seller's active (confirmed, not deleted)
// followers from ground truth.
type FollowerSource interface {
	Emails(ctx context.Context, sellerID int64) ([]string, error)
	ActiveFollower(ctx context.Context, sellerID int64, email string) (*FollowerFact, error)
}

// PurchaseSource reads the seller's qualifying (successful, non-refunded,
// non-chargedback) purchases from ground truth.
type PurchaseSource interface {
	Emails(ctx context.Context, sellerID int64) ([]string, error)
	QualifyingPurchases(ctx context.Context, sellerID int64, email string) ([]PurchaseFact, error)
}

// AffiliateSource reads the contact's live product-affiliations for the
// seller's products from ground truth.
type AffiliateSource interface {
	Emails(ctx context.Context, sellerID int64) ([]string, error)
	LiveAffiliates(ctx context.Context, sellerID int64, email string) ([]AffiliateFact, error)
}

// ==========================================
// REFRESHER
// ==========================================

// RefresherConfig tunes the reconciliation fan-out.
type RefresherConfig struct {
	NumWorkers int
}

// DefaultRefresherConfig returns the production defaults.
func DefaultRefresherConfig() RefresherConfig {
	return RefresherConfig{NumWorkers: 8}
}

// ContactError is one contact's failure during a bulk refresh. Failures are
// collected, not fatal to the batch.
type ContactError struct {
	Email string
	Err   error
}

func (e ContactError) Error() string {
	return fmt.Sprintf("refresh %s: %v", e.Email, e.Err)
}

// RefreshResult summarizes one reconciliation run.
type RefreshResult struct {
	Created   int
	Updated   int
	Unchanged int
	Deleted   int
	Errors    []ContactError
}

// Refresher reconciles the materialized member set against ground truth.
// Each contact's document is rebuilt from scratch by querying the fact
// sources, never by patching the stored member, so drift introduced by
// out-of-band mutations is corrected. The outcome is identical to deleting
// every member and replaying all current facts once.
type Refresher struct {
	store      MemberStore
	followers  FollowerSource
	purchases  PurchaseSource
	affiliates AffiliateSource
	cfg        RefresherConfig
}

// NewRefresher creates a refresher over the given store and fact sources.
func NewRefresher(store MemberStore, followers FollowerSource, purchases PurchaseSource, affiliates AffiliateSource, cfg RefresherConfig) *Refresher {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = DefaultRefresherConfig().NumWorkers
	}
	return &Refresher{
		store:      store,
		followers:  followers,
		purchases:  purchases,
		affiliates: affiliates,
		cfg:        cfg,
	}
}

type refreshAction int

const (
	actionUnchanged refreshAction = iota
	actionCreated
	actionUpdated
	actionDeleted
	actionAbsent
)

// RefreshAll recomputes every member of a seller from current ground truth:
// creates missing members, updates drifted ones, and deletes members with no
// remaining facts. Per-contact work fans out across a bounded worker pool;
// one contact failing does not abort the rest.
func (r *Refresher) RefreshAll(ctx context.Context, sellerID int64) (*RefreshResult, error) {
	emails, err := r.groundTruthEmails(ctx, sellerID)
	if err != nil {
		return nil, err
	}

	stored, err := r.store.ListEmails(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("list stored emails: %w", err)
	}

	// Members whose email no longer appears in any fact source get rebuilt
	// too: their rebuild comes back empty and deletes the row.
	inGroundTruth := make(map[string]bool, len(emails))
	for _, e := range emails {
		inGroundTruth[e] = true
	}
	for _, e := range stored {
		if !inGroundTruth[e] {
			emails = append(emails, e)
		}
	}

	result := &RefreshResult{}
	var mu sync.Mutex

	work := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for email := range work {
				action, err := r.refreshEmail(ctx, sellerID, email)
				mu.Lock()
				if err != nil {
					result.Errors = append(result.Errors, ContactError{Email: email, Err: err})
				} else {
					result.count(action)
				}
				mu.Unlock()
			}
		}()
	}

	for _, email := range emails {
		if ctx.Err() != nil {
			close(work)
			wg.Wait()
			return result, ctx.Err()
		}
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return result, ctx.Err()
		case work <- email:
		}
	}
	close(work)
	wg.Wait()

	for _, ce := range result.Errors {
		logger.Error("contact refresh failed", "seller_id", sellerID, "email", ce.Email, "error", ce.Err)
	}
	logger.Info("audience refresh complete",
		"seller_id", sellerID,
		"created", result.Created,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
		"deleted", result.Deleted,
		"failed", len(result.Errors))

	return result, nil
}

// RefreshEmail recomputes one contact's member from ground truth.
func (r *Refresher) RefreshEmail(ctx context.Context, sellerID int64, email string) error {
	_, err := r.refreshEmail(ctx, sellerID, NormalizeEmail(email))
	return err
}

func (result *RefreshResult) count(action refreshAction) {
	switch action {
	case actionCreated:
		result.Created++
	case actionUpdated:
		result.Updated++
	case actionUnchanged:
		result.Unchanged++
	case actionDeleted:
		result.Deleted++
	}
}

// groundTruthEmails enumerates the distinct contact emails across the three
// fact sources.
func (r *Refresher) groundTruthEmails(ctx context.Context, sellerID int64) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(emails []string) {
		for _, e := range emails {
			e = NormalizeEmail(e)
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}

	followerEmails, err := r.followers.Emails(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("enumerate followers: %w", err)
	}
	add(followerEmails)

	purchaseEmails, err := r.purchases.Emails(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("enumerate purchases: %w", err)
	}
	add(purchaseEmails)

	affiliateEmails, err := r.affiliates.Emails(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("enumerate affiliates: %w", err)
	}
	add(affiliateEmails)

	return out, nil
}

// refreshEmail rebuilds one contact's document from scratch and diffs it
// against the stored member. No-op writes are skipped.
func (r *Refresher) refreshEmail(ctx context.Context, sellerID int64, email string) (refreshAction, error) {
	var details Details

	follower, err := r.followers.ActiveFollower(ctx, sellerID, email)
	if err != nil {
		return actionAbsent, fmt.Errorf("load follower: %w", err)
	}
	if follower != nil {
		details.SetFollower(*follower)
	}

	purchases, err := r.purchases.QualifyingPurchases(ctx, sellerID, email)
	if err != nil {
		return actionAbsent, fmt.Errorf("load purchases: %w", err)
	}
	for _, p := range purchases {
		details.UpsertPurchase(p)
	}

	affiliates, err := r.affiliates.LiveAffiliates(ctx, sellerID, email)
	if err != nil {
		return actionAbsent, fmt.Errorf("load affiliates: %w", err)
	}
	for _, a := range affiliates {
		details.UpsertAffiliate(a)
	}

	existing, err := r.store.GetByEmail(ctx, sellerID, email)
	if err != nil {
		return actionAbsent, fmt.Errorf("load member: %w", err)
	}

	if details.Empty() {
		if existing == nil {
			return actionAbsent, nil
		}
		if err := r.store.Delete(ctx, sellerID, email); err != nil {
			return actionAbsent, fmt.Errorf("delete member: %w", err)
		}
		return actionDeleted, nil
	}

	if existing != nil && existing.Details.Equal(details) {
		return actionUnchanged, nil
	}

	member := &Member{SellerID: sellerID, Email: email, Details: details}
	if existing != nil {
		member.ID = existing.ID
		member.CreatedAt = existing.CreatedAt
	}
	member.Summary = DeriveSummary(member.Details)
	if err := r.store.Upsert(ctx, member); err != nil {
		return actionAbsent, fmt.Errorf("save member: %w", err)
	}
	if existing == nil {
		return actionCreated, nil
	}
	return actionUpdated, nil
}
