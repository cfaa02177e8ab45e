package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/audience-engine/internal/audience"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// ==========================================
// EVENT INGESTION
// ==========================================

type purchaseEvent struct {
	Email string                `json:"email"`
	Fact  audience.PurchaseFact `json:"fact"`
}

type purchaseRemovalEvent struct {
	Email      string `json:"email"`
	PurchaseID int64  `json:"purchase_id"`
}

type followerEvent struct {
	Email string                `json:"email"`
	Fact  audience.FollowerFact `json:"fact"`
}

type contactEvent struct {
	Email string `json:"email"`
}

type affiliateEvent struct {
	Email string                 `json:"email"`
	Fact  audience.AffiliateFact `json:"fact"`
}

type affiliateRemovalEvent struct {
	Email       string `json:"email"`
	AffiliateID int64  `json:"affiliate_id"`
}

func (s *Server) handlePurchaseQualified(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := sellerIDParam(w, r)
	if !ok {
		return
	}
	var ev purchaseEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	s.applyMutation(w, r, s.aggregator.OnPurchaseQualified(r.Context(), sellerID, ev.Email, ev.Fact))
}

func (s *Server) handlePurchaseDisqualified(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := sellerIDParam(w, r)
	if !ok {
		return
	}
	var ev purchaseRemovalEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	s.applyMutation(w, r, s.aggregator.OnPurchaseDisqualified(r.Context(), sellerID, ev.Email, ev.PurchaseID))
}

func (s *Server) handleFollowerConfirmed(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := sellerIDParam(w, r)
	if !ok {
		return
	}
	var ev followerEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	s.applyMutation(w, r, s.aggregator.OnFollowerConfirmed(r.Context(), sellerID, ev.Email, ev.Fact))
}

func (s *Server) handleFollowerUnsubscribed(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := sellerIDParam(w, r)
	if !ok {
		return
	}
	var ev contactEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	s.applyMutation(w, r, s.aggregator.OnFollowerUnsubscribed(r.Context(), sellerID, ev.Email))
}

func (s *Server) handleAffiliateLinked(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := sellerIDParam(w, r)
	if !ok {
		return
	}
	var ev affiliateEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	s.applyMutation(w, r, s.aggregator.OnAffiliateLinked(r.Context(), sellerID, ev.Email, ev.Fact))
}

func (s *Server) handleAffiliateUnlinked(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := sellerIDParam(w, r)
	if !ok {
		return
	}
	var ev affiliateRemovalEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	s.applyMutation(w, r, s.aggregator.OnAffiliateUnlinked(r.Context(), sellerID, ev.Email, ev.AffiliateID))
}

func (s *Server) applyMutation(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		var verr *audience.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, audience.ErrLockContended):
			writeError(w, http.StatusConflict, "member is being updated, retry")
		default:
			logger.Error("event mutation failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// ==========================================
// FILTER QUERIES
// ==========================================

func (s *Server) handleFilterMembers(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := sellerIDParam(w, r)
	if !ok {
		return
	}

	params, err := parseFilterParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	withIDs := r.URL.Query().Get("with_ids") == "true"

	matches, err := s.engine.Filter(r.Context(), sellerID, params, withIDs)
	if err != nil {
		var perr *audience.FilterParamError
		if errors.As(err, &perr) {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		logger.Error("filter query failed", "seller_id", sellerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(matches),
		"members": matches,
	})
}

func parseFilterParams(r *http.Request) (audience.FilterParams, error) {
	q := r.URL.Query()
	params := audience.FilterParams{
		Type:       q.Get("type"),
		BoughtFrom: q.Get("bought_from"),
	}

	var err error
	if params.BoughtProductIDs, err = idListParam(q.Get("bought_product_ids"), "bought_product_ids"); err != nil {
		return params, err
	}
	if params.BoughtVariantIDs, err = idListParam(q.Get("bought_variant_ids"), "bought_variant_ids"); err != nil {
		return params, err
	}
	if params.NotBoughtProductIDs, err = idListParam(q.Get("not_bought_product_ids"), "not_bought_product_ids"); err != nil {
		return params, err
	}
	if params.NotBoughtVariantIDs, err = idListParam(q.Get("not_bought_variant_ids"), "not_bought_variant_ids"); err != nil {
		return params, err
	}
	if params.AffiliateProductIDs, err = idListParam(q.Get("affiliate_product_ids"), "affiliate_product_ids"); err != nil {
		return params, err
	}
	if params.PaidMoreThanCents, err = centsParam(q.Get("paid_more_than_cents"), "paid_more_than_cents"); err != nil {
		return params, err
	}
	if params.PaidLessThanCents, err = centsParam(q.Get("paid_less_than_cents"), "paid_less_than_cents"); err != nil {
		return params, err
	}
	if params.CreatedAfter, err = timeParam(q.Get("created_after"), "created_after"); err != nil {
		return params, err
	}
	if params.CreatedBefore, err = timeParam(q.Get("created_before"), "created_before"); err != nil {
		return params, err
	}

	return params, nil
}

func idListParam(raw, name string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, &audience.FilterParamError{Param: name, Reason: "must be a comma-separated list of ids"}
		}
		out = append(out, id)
	}
	return out, nil
}

func centsParam(raw, name string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, &audience.FilterParamError{Param: name, Reason: "must be an integer amount of cents"}
	}
	return &v, nil
}

func timeParam(raw, name string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, &audience.FilterParamError{Param: name, Reason: "must be an RFC3339 timestamp"}
	}
	return &t, nil
}

// ==========================================
// MAINTENANCE
// ==========================================

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := sellerIDParam(w, r)
	if !ok {
		return
	}

	result, err := s.refresher.RefreshAll(r.Context(), sellerID)
	if err != nil {
		logger.Error("refresh all failed", "seller_id", sellerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	failed := make([]string, 0, len(result.Errors))
	for _, ce := range result.Errors {
		failed = append(failed, ce.Error())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"created":   result.Created,
		"updated":   result.Updated,
		"unchanged": result.Unchanged,
		"deleted":   result.Deleted,
		"failed":    failed,
	})
}

func (s *Server) handleRefreshContact(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := sellerIDParam(w, r)
	if !ok {
		return
	}
	var ev contactEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	if ev.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	if err := s.refresher.RefreshEmail(r.Context(), sellerID, ev.Email); err != nil {
		logger.Error("contact refresh failed", "seller_id", sellerID, "email", ev.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := sellerIDParam(w, r)
	if !ok {
		return
	}

	params, err := parseFilterParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	matches, err := s.engine.Filter(r.Context(), sellerID, params, true)
	if err != nil {
		var perr *audience.FilterParamError
		if errors.As(err, &perr) {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		logger.Error("export query failed", "seller_id", sellerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	key, err := s.exporter.Export(r.Context(), sellerID, matches)
	if err != nil {
		logger.Error("export upload failed", "seller_id", sellerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "count": len(matches)})
}

// ==========================================
// HELPERS
// ==========================================

func sellerIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "sellerID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "sellerID must be a positive integer")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
