package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/nebulaforge/fleetmarket/internal/app"
	"github.com/nebulaforge/fleetmarket/internal/app/chain"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/listing"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/rental"
	"github.com/nebulaforge/fleetmarket/internal/middleware"
)

type testAPI struct {
	handler http.Handler
	chain   *chain.Memory
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cm := chain.NewMemory()
	application, err := app.New(app.Stores{}, app.Collaborators{
		Assets: cm, Ledger: cm, Revenue: cm, Staking: cm,
	}, app.Config{
		Admins:   []string{"admin"},
		Resolver: "resolver",
	}, nil)
	require.NoError(t, err)
	return &testAPI{handler: NewHandler(application), chain: cm}
}

func (a *testAPI) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != "" {
		req.Header.Set(middleware.CallerHeader, caller)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, rec))
}

func TestListingLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	ship := a.chain.MintShip("alice", rental.ClassScout)
	a.chain.Approve(ship, app.DefaultCustody)
	a.chain.Credit(payment.Native, "bob", 1000)

	rec := a.do(t, http.MethodPost, "/listings", "alice", map[string]any{
		"asset_id": ship, "payment_asset": string(payment.Native),
		"price": 100, "kind": "fixed", "duration_seconds": 3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[listing.Listing](t, rec)
	assert.Equal(t, "alice", created.Seller)

	rec = a.do(t, http.MethodGet, "/listings/1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Strangers cannot cancel someone else's listing.
	rec = a.do(t, http.MethodDelete, "/listings/1", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodPost, "/listings/1/buy", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	owner, err := a.chain.OwnerOf(ctx, ship)
	require.NoError(t, err)
	assert.Equal(t, "bob", owner)

	bal, err := a.chain.BalanceOf(ctx, payment.Native, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(900), bal)
}

func TestListingErrorsMapToStatusCodes(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/listings/999", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, "/listings", "alice", map[string]any{
		"asset_id": 1, "price": 100, "kind": "raffle", "duration_seconds": 3600,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown JSON fields are rejected outright.
	rec = a.do(t, http.MethodPost, "/listings", "alice", map[string]any{
		"asset_id": 1, "price": 100, "duration_seconds": 3600, "surprise": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuctionOverHTTP(t *testing.T) {
	a := newTestAPI(t)

	ship := a.chain.MintShip("alice", rental.ClassScout)
	a.chain.Approve(ship, app.DefaultCustody)
	a.chain.Credit(payment.Native, "bob", 1000)

	rec := a.do(t, http.MethodPost, "/listings", "alice", map[string]any{
		"asset_id": ship, "payment_asset": string(payment.Native),
		"price": 100, "kind": "auction", "duration_seconds": 3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodPost, "/listings/1/bids", "bob", map[string]any{"amount": 50})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/listings/1/bids", "bob", map[string]any{"amount": 100})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/listings/1/bids", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]listing.Bid](t, rec), 1)

	rec = a.do(t, http.MethodGet, "/listings/1/settleable", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[map[string]bool](t, rec)["settleable"])

	rec = a.do(t, http.MethodPost, "/listings/1/settle", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRentalFlowOverHTTP(t *testing.T) {
	a := newTestAPI(t)

	// Only admins may install protocol rental configs.
	cfg := map[string]any{"class": "scout", "base_price": 100, "active": true, "promo_multiplier": 100}
	rec := a.do(t, http.MethodPost, "/admin/rental-config", "mallory", cfg)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = a.do(t, http.MethodPost, "/admin/rental-config", "admin", cfg)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	a.chain.Credit(payment.Native, "renter", 500)
	rec = a.do(t, http.MethodPost, "/rentals/protocol", "renter", map[string]any{
		"class": "scout", "max_hours": 24,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rented := decode[rental.Active](t, rec)
	assert.Equal(t, "renter", rented.Renter)
	assert.True(t, rented.ProtocolOwned)

	rec = a.do(t, http.MethodGet, "/renters/renter/rentals", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]rental.Active](t, rec), 1)

	// Game consumption is the resolver's privilege.
	path := "/rentals/" + itoa(rented.AssetID) + "/consume"
	rec = a.do(t, http.MethodPost, path, "renter", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = a.do(t, http.MethodPost, path, "resolver", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	after := decode[rental.Active](t, rec)
	assert.Equal(t, rented.GamesRemaining-1, after.GamesRemaining)

	rec = a.do(t, http.MethodGet, "/rentals/"+itoa(rented.AssetID)+"/expired", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[map[string]bool](t, rec)["expired"])
}

func TestCleanupAndAdminOverHTTP(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/cleanup/expired", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodPost, "/cleanup", "caller", map[string]any{"asset_ids": []uint64{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/admin/fees/withdraw", "mallory", map[string]any{
		"asset": string(payment.Native), "to": "treasury",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodPost, "/admin/cleaner", "admin", map[string]any{"cleaner": "janitor"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuditEndpoint(t *testing.T) {
	a := newTestAPI(t)

	ship := a.chain.MintShip("alice", rental.ClassScout)
	a.chain.Approve(ship, app.DefaultCustody)
	rec := a.do(t, http.MethodPost, "/listings", "alice", map[string]any{
		"asset_id": ship, "payment_asset": string(payment.Native),
		"price": 100, "kind": "fixed", "duration_seconds": 3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodGet, "/audit?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[[]json.RawMessage](t, rec))

	rec = a.do(t, http.MethodGet, "/audit?type=listing.created", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]json.RawMessage](t, rec), 1)

	rec = a.do(t, http.MethodGet, "/audit?limit=nope", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}
