package auction

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-auction/internal/types"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	} `json:"error"`
}

func newTestRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	asClaimant := func(c *gin.Context) {
		c.Set("claimantID", "claimant-http")
		c.Next()
	}
	NewGinHandlers(f.svc).RegisterRoutes(r.Group("/api/v1"), asClaimant, func(c *gin.Context) { c.Next() })
	return r
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestBidEndpoint(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	a := f.createAuction(t, "LOT-82", 82000)
	path := "/api/v1/auctions/" + a.AuctionID + "/bids"

	rec, env := do(t, r, http.MethodPost, path, map[string]float64{"percentage": 50})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var receipt BidReceipt
	require.NoError(t, json.Unmarshal(env.Data, &receipt))
	assert.Equal(t, 41000.0, receipt.CapacityPurchased)
	assert.Equal(t, 24.0, receipt.PriceAtSale)
	assert.Equal(t, 41000.0, receipt.RemainingCapacity)

	allocations, err := f.svc.GetDB().ListAllocations(context.Background(), a.AuctionID)
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	assert.Equal(t, "claimant-http", allocations[0].ClaimantID)

	rec, env = do(t, r, http.MethodPost, path, map[string]float64{"percentage": 60})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(KindInsufficientCapacity), env.Error.Code)
	assert.Equal(t, 50.0, env.Error.Details["max_percentage"])
}

func TestBidEndpointErrors(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	a := f.createAuction(t, "LOT-1", 1000)
	path := "/api/v1/auctions/" + a.AuctionID + "/bids"

	rec, _ := do(t, r, http.MethodPost, path, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := do(t, r, http.MethodPost, path, map[string]float64{"percentage": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(KindInvalidPercentage), env.Error.Code)

	rec, env = do(t, r, http.MethodPost, "/api/v1/auctions/AUC_missing/bids", map[string]float64{"percentage": 10})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(KindAuctionNotFound), env.Error.Code)

	f.clock.Advance(16 * 24 * time.Hour)
	rec, env = do(t, r, http.MethodPost, path, map[string]float64{"percentage": 10})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(KindAuctionExpired), env.Error.Code)
}

func TestBidEndpointIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	a := f.createAuction(t, "LOT-1", 1000)
	path := "/api/v1/auctions/" + a.AuctionID + "/bids"

	_, first := do(t, r, http.MethodPost, path, map[string]float64{"percentage": 40}, "Idempotency-Key", "retry-me")
	_, second := do(t, r, http.MethodPost, path, map[string]float64{"percentage": 40}, "Idempotency-Key", "retry-me")

	var r1, r2 BidReceipt
	require.NoError(t, json.Unmarshal(first.Data, &r1))
	require.NoError(t, json.Unmarshal(second.Data, &r2))
	assert.Equal(t, r1.AllocationID, r2.AllocationID)
	assert.True(t, r2.Replayed)
	assert.Equal(t, 400.0, r2.SoldCapacity)
}

func TestBidEndpointRejectsReusedIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	a := f.createAuction(t, "LOT-A", 1000)
	b := f.createAuction(t, "LOT-B", 1000)

	rec, _ := do(t, r, http.MethodPost, "/api/v1/auctions/"+a.AuctionID+"/bids",
		map[string]float64{"percentage": 10}, "Idempotency-Key", "shared")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env := do(t, r, http.MethodPost, "/api/v1/auctions/"+b.AuctionID+"/bids",
		map[string]float64{"percentage": 50}, "Idempotency-Key", "shared")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(KindIdempotencyReused), env.Error.Code)
}

func TestCreateAndCancelEndpoints(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	f.lots.lots["LOT-9"] = types.LotRecord{LotID: "LOT-9", Capacity: 55000, AvailabilityTime: availableIn(time.Hour)}

	rec, env := do(t, r, http.MethodPost, "/api/v1/auctions", map[string]string{"lot_id": "LOT-9"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created Auction
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, 22.0, created.StartPrice)

	rec, env = do(t, r, http.MethodPost, "/api/v1/auctions", map[string]string{"lot_id": "LOT-UNKNOWN"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(KindInvalidLot), env.Error.Code)

	rec, _ = do(t, r, http.MethodPost, "/api/v1/auctions/"+created.AuctionID+"/cancel", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec, env = do(t, r, http.MethodPost, "/api/v1/auctions/"+created.AuctionID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(KindAuctionNotActive), env.Error.Code)
}

func TestReadEndpoints(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	a := f.createAuction(t, "LOT-1", 1000)
	f.bid(t, a.AuctionID, 20)

	rec, env := do(t, r, http.MethodGet, "/api/v1/auctions/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active []ActiveAuctionView
	require.NoError(t, json.Unmarshal(env.Data, &active))
	require.Len(t, active, 1)
	assert.Equal(t, 800.0, active[0].Remaining)

	rec, env = do(t, r, http.MethodGet, "/api/v1/auctions/history?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []HistoryEntry
	require.NoError(t, json.Unmarshal(env.Data, &history))
	require.Len(t, history, 1)
	assert.Equal(t, 20.0, history[0].PercentageOfLot)

	rec, _ = do(t, r, http.MethodGet, "/api/v1/auctions/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = do(t, r, http.MethodGet, "/api/v1/auctions/"+a.AuctionID+"/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats Statistics
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats.AllocationCount)
	assert.Equal(t, 20.0, stats.UtilizationPct)

	rec, env = do(t, r, http.MethodGet, "/api/v1/auctions/AUC_missing/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var missing Statistics
	require.NoError(t, json.Unmarshal(env.Data, &missing))
	assert.Equal(t, Statistics{}, missing)

	rec, env = do(t, r, http.MethodGet, "/api/v1/auctions/past", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var past []PastAuctionView
	require.NoError(t, json.Unmarshal(env.Data, &past))
	assert.Empty(t, past)
}
