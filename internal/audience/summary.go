package audience

import "time"

// DeriveSummary computes the scalar summary columns from a Details document.
// It is a pure function: stable, order-independent, and min/max over empty
// collections yield nil rather than zero values. The aggregator and
// refresher call it before every persist so the stored summary can never
// disagree with the stored document.
func DeriveSummary(d Details) Summary {
	s := Summary{
		Customer:  len(d.Purchases) > 0,
		Follower:  d.Follower != nil,
		Affiliate: len(d.Affiliates) > 0,
	}

	for _, p := range d.Purchases {
		price := p.PriceCents
		s.MinPaidCents = minInt64(s.MinPaidCents, price)
		s.MaxPaidCents = maxInt64(s.MaxPaidCents, price)
		s.MinPurchaseCreatedAt = minTime(s.MinPurchaseCreatedAt, p.CreatedAt)
		s.MaxPurchaseCreatedAt = maxTime(s.MaxPurchaseCreatedAt, p.CreatedAt)
		s.MinCreatedAt = minTime(s.MinCreatedAt, p.CreatedAt)
		s.MaxCreatedAt = maxTime(s.MaxCreatedAt, p.CreatedAt)
	}

	if d.Follower != nil {
		t := d.Follower.CreatedAt
		s.FollowerCreatedAt = &t
		s.MinCreatedAt = minTime(s.MinCreatedAt, t)
		s.MaxCreatedAt = maxTime(s.MaxCreatedAt, t)
	}

	for _, a := range d.Affiliates {
		s.MinAffiliateCreatedAt = minTime(s.MinAffiliateCreatedAt, a.CreatedAt)
		s.MaxAffiliateCreatedAt = maxTime(s.MaxAffiliateCreatedAt, a.CreatedAt)
		s.MinCreatedAt = minTime(s.MinCreatedAt, a.CreatedAt)
		s.MaxCreatedAt = maxTime(s.MaxCreatedAt, a.CreatedAt)
	}

	return s
}

func minInt64(cur *int64, v int64) *int64 {
	if cur == nil || v < *cur {
		return &v
	}
	return cur
}

func maxInt64(cur *int64, v int64) *int64 {
	if cur == nil || v > *cur {
		return &v
	}
	return cur
}

func minTime(cur *time.Time, v time.Time) *time.Time {
	if cur == nil || v.Before(*cur) {
		return &v
	}
	return cur
}

func maxTime(cur *time.Time, v time.Time) *time.Time {
	if cur == nil || v.After(*cur) {
		return &v
	}
	return cur
}
