package audience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/audience-engine/internal/pkg/distlock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// ErrLockContended is returned when the per-member lock could not be
// acquired within the aggregator's retry window. The caller (the event
// producer) owns retries; upserts are idempotent by fact id so redelivery
// is safe.
var ErrLockContended = errors.New("audience: member lock contended")

// AggregatorConfig tunes the aggregator's lock acquisition.
type AggregatorConfig struct {
	LockRetries    int
	LockRetryDelay time.Duration
}

// DefaultAggregatorConfig returns the production defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{LockRetries: 20, LockRetryDelay: 50 * time.Millisecond}
}

// Aggregator folds facts into member documents. It owns the only write path
// for incremental updates: read the document, merge one fact, re-derive the
// summary, persist — all under a per-(seller, email) lock so concurrent
// mutations for the same member cannot lose updates. It never touches the
// source-of-truth fact records; the projection is one-way.
type Aggregator struct {
	store  MemberStore
	locker distlock.Locker
	cfg    AggregatorConfig
}

// NewAggregator creates an aggregator over the given member store.
func NewAggregator(store MemberStore, locker distlock.Locker, cfg AggregatorConfig) *Aggregator {
	if cfg.LockRetries <= 0 {
		cfg.LockRetries = DefaultAggregatorConfig().LockRetries
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = DefaultAggregatorConfig().LockRetryDelay
	}
	if locker == nil {
		locker = distlock.NoopLocker{}
	}
	return &Aggregator{store: store, locker: locker, cfg: cfg}
}

// UpsertFact merges one fact into the member document for (sellerID, email),
// creating the member if absent. Insertion is idempotent by fact id:
// re-applying the same id overwrites the entry with the latest field values.
func (a *Aggregator) UpsertFact(ctx context.Context, sellerID int64, email string, category Category, fact interface{}) error {
	if err := validateFact(category, fact); err != nil {
		return err
	}

	return a.withMember(ctx, sellerID, email, func(d *Details) error {
		switch category {
		case CategoryFollower:
			d.SetFollower(fact.(FollowerFact))
		case CategoryPurchase:
			d.UpsertPurchase(fact.(PurchaseFact))
		case CategoryAffiliate:
			d.UpsertAffiliate(fact.(AffiliateFact))
		}
		return nil
	})
}

// RemoveFact removes one fact from the member document. For the follower
// category the follower object is cleared regardless of factID. If the last
// fact is removed, the member row is deleted rather than saved empty.
func (a *Aggregator) RemoveFact(ctx context.Context, sellerID int64, email string, category Category, factID int64) error {
	switch category {
	case CategoryFollower, CategoryPurchase, CategoryAffiliate:
	default:
		return &ValidationError{Category: category, Field: "category", Reason: "is not a known fact category"}
	}

	return a.withMember(ctx, sellerID, email, func(d *Details) error {
		switch category {
		case CategoryFollower:
			d.ClearFollower()
		case CategoryPurchase:
			d.RemovePurchase(factID)
		case CategoryAffiliate:
			d.RemoveAffiliate(factID)
		}
		return nil
	})
}

// withMember runs mutate against the member's document under the per-member
// lock and persists the result in one logical unit. A document left with no
// facts is deleted.
func (a *Aggregator) withMember(ctx context.Context, sellerID int64, email string, mutate func(*Details) error) error {
	email = NormalizeEmail(email)

	lock := a.locker.MemberLock(sellerID, email)
	if err := a.acquire(ctx, lock, sellerID, email); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("member lock release failed", "seller_id", sellerID, "email", email, "error", err)
		}
	}()

	member, err := a.store.GetByEmail(ctx, sellerID, email)
	if err != nil {
		return fmt.Errorf("load member: %w", err)
	}
	if member == nil {
		member = &Member{SellerID: sellerID, Email: email}
	}

	if err := mutate(&member.Details); err != nil {
		return err
	}

	if member.Details.Empty() {
		if member.ID == 0 {
			// Nothing stored and nothing to store.
			return nil
		}
		if err := a.store.Delete(ctx, sellerID, email); err != nil {
			return fmt.Errorf("delete member: %w", err)
		}
		logger.Debug("member deleted", "seller_id", sellerID, "email", email)
		return nil
	}

	member.Summary = DeriveSummary(member.Details)
	if err := a.store.Upsert(ctx, member); err != nil {
		return fmt.Errorf("save member: %w", err)
	}
	return nil
}

func (a *Aggregator) acquire(ctx context.Context, lock distlock.Lock, sellerID int64, email string) error {
	for attempt := 0; attempt < a.cfg.LockRetries; attempt++ {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire member lock: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.LockRetryDelay):
		}
	}
	logger.Warn("member lock contended", "seller_id", sellerID, "email", email)
	return ErrLockContended
}

func validateFact(category Category, fact interface{}) error {
	switch category {
	case CategoryFollower:
		f, ok := fact.(FollowerFact)
		if !ok {
			return &ValidationError{Category: category, Field: "fact", Reason: "must be a follower fact"}
		}
		return f.Validate()
	case CategoryPurchase:
		p, ok := fact.(PurchaseFact)
		if !ok {
			return &ValidationError{Category: category, Field: "fact", Reason: "must be a purchase fact"}
		}
		return p.Validate()
	case CategoryAffiliate:
		af, ok := fact.(AffiliateFact)
		if !ok {
			return &ValidationError{Category: category, Field: "fact", Reason: "must be an affiliate fact"}
		}
		return af.Validate()
	default:
		return &ValidationError{Category: category, Field: "category", Reason: "is not a known fact category"}
	}
}
