package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-engine/internal/audience"
)

// emptySources back the refresher with no ground-truth facts; refresh
// endpoints then only delete whatever the test seeded.
type emptySources struct{}

func (emptySources) Emails(ctx context.Context, sellerID int64) ([]string, error) { return nil, nil }
func (emptySources) ActiveFollower(ctx context.Context, sellerID int64, email string) (*audience.FollowerFact, error) {
	return nil, nil
}
func (emptySources) QualifyingPurchases(ctx context.Context, sellerID int64, email string) ([]audience.PurchaseFact, error) {
	return nil, nil
}
func (emptySources) LiveAffiliates(ctx context.Context, sellerID int64, email string) ([]audience.AffiliateFact, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *audience.MemoryStore) {
	t.Helper()
	store := audience.NewMemoryStore()
	agg := audience.NewAggregator(store, nil, audience.DefaultAggregatorConfig())
	engine := audience.NewEngine(store)
	refresher := audience.NewRefresher(store, emptySources{}, emptySources{}, emptySources{}, audience.RefresherConfig{NumWorkers: 2})

	srv := httptest.NewServer(NewServer(agg, engine, refresher, nil).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "ok", decodeJSON(t, resp)["status"])
}

func TestPurchaseQualifiedEvent(t *testing.T) {
	srv, store := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/sellers/1/events/purchase/qualified", `{
		"email": "Buyer@Example.com",
		"fact": {"id": 10, "product_id": 3, "variant_ids": [5], "price_cents": 450, "created_at": "2024-03-05T12:00:00Z", "country": "Canada"}
	}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	m, err := store.GetByEmail(context.Background(), 1, "buyer@example.com")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.Summary.Customer)
	require.Len(t, m.Details.Purchases, 1)
	assert.Equal(t, "Canada", m.Details.Purchases[0].Country)
}

func TestPurchaseDisqualifiedEvent(t *testing.T) {
	srv, store := newTestServer(t)

	postJSON(t, srv.URL+"/api/sellers/1/events/purchase/qualified", `{
		"email": "a@b.com",
		"fact": {"id": 10, "product_id": 3, "price_cents": 100, "created_at": "2024-03-05T12:00:00Z"}
	}`)
	resp := postJSON(t, srv.URL+"/api/sellers/1/events/purchase/disqualified", `{
		"email": "a@b.com",
		"purchase_id": 10
	}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	m, _ := store.GetByEmail(context.Background(), 1, "a@b.com")
	assert.Nil(t, m, "removing the only fact deletes the member")
}

func TestEventValidationReturns400(t *testing.T) {
	srv, _ := newTestServer(t)

	// created_at missing from the fact.
	resp := postJSON(t, srv.URL+"/api/sellers/1/events/purchase/qualified", `{
		"email": "a@b.com",
		"fact": {"id": 10, "product_id": 3}
	}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeJSON(t, resp)["error"], "created_at")
}

func TestMalformedBodyReturns400(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/sellers/1/events/follower/confirmed", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvalidSellerIDReturns400(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, sellerID := range []string{"abc", "-3", "0"} {
		resp := postJSON(t, srv.URL+"/api/sellers/"+sellerID+"/events/follower/unsubscribed", `{"email": "a@b.com"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, sellerID)
	}
}

func TestFilterMembers(t *testing.T) {
	srv, _ := newTestServer(t)

	postJSON(t, srv.URL+"/api/sellers/1/events/purchase/qualified", `{
		"email": "buyer@b.com",
		"fact": {"id": 1, "product_id": 3, "price_cents": 450, "created_at": "2024-03-05T12:00:00Z"}
	}`)
	postJSON(t, srv.URL+"/api/sellers/1/events/follower/confirmed", `{
		"email": "fan@b.com",
		"fact": {"id": 2, "created_at": "2024-03-06T12:00:00Z"}
	}`)

	resp, err := http.Get(srv.URL + "/api/sellers/1/members?type=customer&bought_product_ids=3")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Equal(t, float64(1), body["count"])

	members := body["members"].([]interface{})
	first := members[0].(map[string]interface{})
	member := first["member"].(map[string]interface{})
	assert.Equal(t, "buyer@b.com", member["email"])
}

func TestFilterMembersWithIDs(t *testing.T) {
	srv, _ := newTestServer(t)

	postJSON(t, srv.URL+"/api/sellers/1/events/purchase/qualified", `{
		"email": "buyer@b.com",
		"fact": {"id": 7, "product_id": 3, "price_cents": 450, "created_at": "2024-03-05T12:00:00Z"}
	}`)

	resp, err := http.Get(srv.URL + "/api/sellers/1/members?with_ids=true")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := decodeJSON(t, resp)
	members := body["members"].([]interface{})
	first := members[0].(map[string]interface{})
	assert.Equal(t, float64(7), first["purchase_id"])
	assert.Nil(t, first["follower_id"])
}

func TestFilterMembersRejectsBadParams(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []string{
		"type=subscriber",
		"bought_product_ids=1,x",
		"paid_more_than_cents=abc",
		"created_after=yesterday",
		"paid_more_than_cents=-5",
	}
	for _, qs := range tests {
		resp, err := http.Get(srv.URL + "/api/sellers/1/members?" + qs)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, qs)
	}
}

func TestRefreshAllEndpoint(t *testing.T) {
	srv, store := newTestServer(t)

	// Seed a member no fact source knows about; refresh deletes it.
	agg := audience.NewAggregator(store, nil, audience.DefaultAggregatorConfig())
	require.NoError(t, agg.OnFollowerConfirmed(context.Background(), 1, "stale@b.com",
		audience.FollowerFact{ID: 1, CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}))

	resp := postJSON(t, srv.URL+"/api/sellers/1/refresh", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Equal(t, float64(1), body["deleted"])
	assert.Empty(t, body["failed"])

	m, _ := store.GetByEmail(context.Background(), 1, "stale@b.com")
	assert.Nil(t, m)
}

func TestRefreshContactRequiresEmail(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/sellers/1/refresh/contact", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/sellers/1/refresh/contact", `{"email": "a@b.com"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExportRouteAbsentWithoutExporter(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/sellers/1/export", ``)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsAreSellerScoped(t *testing.T) {
	srv, store := newTestServer(t)

	for seller := 1; seller <= 2; seller++ {
		postJSON(t, fmt.Sprintf("%s/api/sellers/%d/events/follower/confirmed", srv.URL, seller), `{
			"email": "fan@b.com",
			"fact": {"id": 1, "created_at": "2024-03-05T12:00:00Z"}
		}`)
	}

	resp, err := http.Get(srv.URL + "/api/sellers/1/members")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, float64(1), decodeJSON(t, resp)["count"])

	m1, _ := store.GetByEmail(context.Background(), 1, "fan@b.com")
	m2, _ := store.GetByEmail(context.Background(), 2, "fan@b.com")
	assert.NotNil(t, m1)
	assert.NotNil(t, m2)
	assert.NotEqual(t, m1.ID, m2.ID)
}
