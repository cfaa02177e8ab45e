package audience

import "sort"

// Mutations on a Details document. All fact insertion is idempotent by fact
// id: re-applying the same id overwrites the entry instead of duplicating it.
// Callers go through the Aggregator, which recomputes the summary columns
// before every persist; the document is never saved with a stale summary.

// SetFollower sets or replaces the follower object.
func (d *Details) SetFollower(f FollowerFact) {
	copied := f
	d.Follower = &copied
}

// ClearFollower removes the follower object.
func (d *Details) ClearFollower() {
	d.Follower = nil
}

// UpsertPurchase merges one purchase into the document, keyed by purchase id.
func (d *Details) UpsertPurchase(p PurchaseFact) {
	for i := range d.Purchases {
		if d.Purchases[i].ID == p.ID {
			d.Purchases[i] = p
			return
		}
	}
	d.Purchases = append(d.Purchases, p)
}

// RemovePurchase removes the purchase with the given id, if present.
func (d *Details) RemovePurchase(id int64) {
	for i := range d.Purchases {
		if d.Purchases[i].ID == id {
			d.Purchases = append(d.Purchases[:i], d.Purchases[i+1:]...)
			if len(d.Purchases) == 0 {
				d.Purchases = nil
			}
			return
		}
	}
}

// UpsertAffiliate merges one affiliate link into the document, keyed by id.
func (d *Details) UpsertAffiliate(a AffiliateFact) {
	for i := range d.Affiliates {
		if d.Affiliates[i].ID == a.ID {
			d.Affiliates[i] = a
			return
		}
	}
	d.Affiliates = append(d.Affiliates, a)
}

// RemoveAffiliate removes the affiliate link with the given id, if present.
func (d *Details) RemoveAffiliate(id int64) {
	for i := range d.Affiliates {
		if d.Affiliates[i].ID == id {
			d.Affiliates = append(d.Affiliates[:i], d.Affiliates[i+1:]...)
			if len(d.Affiliates) == 0 {
				d.Affiliates = nil
			}
			return
		}
	}
}

// Empty reports whether all three fact categories are absent. An empty
// document means the member row must be deleted, not saved.
func (d Details) Empty() bool {
	return d.Follower == nil && len(d.Purchases) == 0 && len(d.Affiliates) == 0
}

// Clone returns a deep copy of the document.
func (d Details) Clone() Details {
	out := Details{}
	if d.Follower != nil {
		f := *d.Follower
		out.Follower = &f
	}
	if len(d.Purchases) > 0 {
		out.Purchases = make([]PurchaseFact, len(d.Purchases))
		for i, p := range d.Purchases {
			out.Purchases[i] = p
			if len(p.VariantIDs) > 0 {
				out.Purchases[i].VariantIDs = append([]int64(nil), p.VariantIDs...)
			}
		}
	}
	if len(d.Affiliates) > 0 {
		out.Affiliates = append([]AffiliateFact(nil), d.Affiliates...)
	}
	return out
}

// Equal reports whether two documents carry the same facts, ignoring list
// order. Used by the refresher to suppress no-op writes.
func (d Details) Equal(other Details) bool {
	if (d.Follower == nil) != (other.Follower == nil) {
		return false
	}
	if d.Follower != nil && *d.Follower != *other.Follower {
		return false
	}
	if len(d.Purchases) != len(other.Purchases) || len(d.Affiliates) != len(other.Affiliates) {
		return false
	}

	a := sortedPurchases(d.Purchases)
	b := sortedPurchases(other.Purchases)
	for i := range a {
		if !purchaseEqual(a[i], b[i]) {
			return false
		}
	}

	x := append([]AffiliateFact(nil), d.Affiliates...)
	y := append([]AffiliateFact(nil), other.Affiliates...)
	sort.Slice(x, func(i, j int) bool { return x[i].ID < x[j].ID })
	sort.Slice(y, func(i, j int) bool { return y[i].ID < y[j].ID })
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func sortedPurchases(in []PurchaseFact) []PurchaseFact {
	out := append([]PurchaseFact(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func purchaseEqual(a, b PurchaseFact) bool {
	if a.ID != b.ID || a.ProductID != b.ProductID || a.PriceCents != b.PriceCents ||
		!a.CreatedAt.Equal(b.CreatedAt) || a.Country != b.Country {
		return false
	}
	if len(a.VariantIDs) != len(b.VariantIDs) {
		return false
	}
	av := append([]int64(nil), a.VariantIDs...)
	bv := append([]int64(nil), b.VariantIDs...)
	sort.Slice(av, func(i, j int) bool { return av[i] < av[j] })
	sort.Slice(bv, func(i, j int) bool { return bv[i] < bv[j] })
	for i := range av {
		if av[i] != bv[i] {
			return false
		}
	}
	return true
}
