package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-auction/internal/auction"
	"github.com/ksred/klear-auction/internal/auth"
	"github.com/ksred/klear-auction/internal/config"
	"github.com/ksred/klear-auction/internal/database"
	"github.com/ksred/klear-auction/internal/lot"
	"github.com/ksred/klear-auction/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	numClaimants     = 8
	bidsPerClaimant  = 12
	lotCapacity      = 82000
	serverAddress    = "http://localhost:8081"
	claimantSecret   = "sim-claimant-secret"
	capacityEpsilon  = 1e-6
	minBidPercentage = 1
	maxBidPercentage = 15
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// apiError is a non-2xx answer from the API
type apiError struct {
	status int
	code   string
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d (%s): %s", e.status, e.code, e.msg)
}

// simulationClient handles HTTP communication with the auction API
type simulationClient struct {
	baseURL string
	client  *http.Client
	stats   map[string]*routeStats
}

// newSimulationClient creates a client with per-route performance tracking
func newSimulationClient() *simulationClient {
	return &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":   {name: "Authentication"},
			"lot":    {name: "Register Lot"},
			"active": {name: "Active Auctions"},
			"bid":    {name: "Place Bid"},
			"stats":  {name: "Statistics"},
		},
	}
}

// do sends a request and decodes the response envelope into out
func (sc *simulationClient) do(route, method, path, token string, body, out interface{}) error {
	start := time.Now()
	failed := true
	defer func() {
		sc.stats[route].addDuration(time.Since(start), failed)
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		apiErr := &apiError{status: resp.StatusCode}
		if env.Error != nil {
			apiErr.code = env.Error.Code
			apiErr.msg = env.Error.Message
		}
		return apiErr
	}

	failed = false
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// authenticate exchanges API credentials for a JWT token
func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	var token auth.TokenResponse
	err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", "", auth.Credentials{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}, &token)
	return token.Token, err
}

// registerLot stores a lot whose capacity becomes available tomorrow
func (sc *simulationClient) registerLot(token, lotID string) error {
	availableAt := time.Now().UTC().Add(24 * time.Hour)
	return sc.do("lot", http.MethodPost, "/api/v1/lots", token, map[string]interface{}{
		"lot_id":            lotID,
		"name":              "Simulation lot",
		"capacity":          lotCapacity,
		"availability_time": availableAt,
	}, nil)
}

// findAuction returns the active auction selling lotID
func (sc *simulationClient) findAuction(lotID string) (*auction.ActiveAuctionView, error) {
	var active []auction.ActiveAuctionView
	if err := sc.do("active", http.MethodGet, "/api/v1/auctions/active", "", nil, &active); err != nil {
		return nil, err
	}
	for i := range active {
		if active[i].LotID == lotID {
			return &active[i], nil
		}
	}
	return nil, fmt.Errorf("no active auction for lot %s", lotID)
}

// placeBid buys percentage of the auction's total capacity
func (sc *simulationClient) placeBid(token, auctionID string, percentage float64) (*auction.BidReceipt, error) {
	var receipt auction.BidReceipt
	err := sc.do("bid", http.MethodPost, "/api/v1/auctions/"+auctionID+"/bids", token,
		map[string]float64{"percentage": percentage}, &receipt)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// statistics fetches the auction's aggregate view
func (sc *simulationClient) statistics(auctionID string) (*auction.Statistics, error) {
	var stats auction.Statistics
	if err := sc.do("stats", http.MethodGet, "/api/v1/auctions/"+auctionID+"/statistics", "", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	for _, route := range routes {
		stats := sc.stats[route]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// bidOutcome aggregates the results of every claimant's bids
type bidOutcome struct {
	mu           sync.Mutex
	accepted     int
	rejected     int
	failed       int
	purchased    float64
	revenue      float64
	byClaimant   map[string]float64
	rejectCodes  map[string]int
	finalAllocID string
}

func (o *bidOutcome) record(claimant string, receipt *auction.BidReceipt, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var apiErr *apiError
	switch {
	case err == nil:
		o.accepted++
		o.purchased += receipt.CapacityPurchased
		o.revenue += receipt.CapacityPurchased * receipt.PriceAtSale
		o.byClaimant[claimant] += receipt.CapacityPurchased
		if receipt.IsFinal {
			o.finalAllocID = receipt.AllocationID
		}
	case errors.As(err, &apiErr):
		o.rejected++
		o.rejectCodes[apiErr.code]++
	default:
		o.failed++
	}
}

// main runs the auction simulation
// It starts a local API server, registers a lot and lets concurrent claimants
// race for its capacity
func main() {
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient := newSimulationClient()

	operatorToken, err := simClient.authenticate(auth.TestOperatorKey, auth.TestOperatorSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate operator")
	}

	lotID := "SIM-" + uuid.New().String()[:8]
	if err := simClient.registerLot(operatorToken, lotID); err != nil {
		log.Fatal().Err(err).Msg("Failed to register lot")
	}

	active, err := simClient.findAuction(lotID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to find auction")
	}
	log.Info().
		Str("auction_id", active.ID).
		Float64("capacity", active.TotalCapacity).
		Float64("start_price", active.StartPrice).
		Float64("floor_price", active.FloorPrice).
		Msg("Auction ready")

	outcome := &bidOutcome{
		byClaimant:  make(map[string]float64),
		rejectCodes: make(map[string]int),
	}
	startTime := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < numClaimants; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			claimant := claimantKey(workerID)
			token, err := simClient.authenticate(claimant, claimantSecret)
			if err != nil {
				log.Error().Err(err).Str("claimant", claimant).Msg("Failed to authenticate claimant")
				return
			}
			bidLoop(simClient, outcome, claimant, token, active.ID)
		}(i)
	}
	wg.Wait()

	final, err := simClient.statistics(active.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to fetch statistics")
	}

	oversold := final.SoldCapacity > final.TotalCapacity*(1+capacityEpsilon)
	mismatch := math.Abs(final.SoldCapacity-outcome.purchased) > capacityEpsilon*final.TotalCapacity

	duration := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 AUCTION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Bid Statistics
------------------
Accepted:         %d
Rejected:         %d
Failed:           %d
Purchased:        %.2f / %.2f
Status:           %s
Revenue:          $%.2f
Average Price:    $%.2f
Oversold:         %t
Ledger Mismatch:  %t
Duration:         %v

📈 Claimant Distribution
--------------------
`, outcome.accepted, outcome.rejected, outcome.failed,
		final.SoldCapacity, final.TotalCapacity, final.Status,
		final.Revenue, final.AveragePrice, oversold, mismatch,
		duration.Round(time.Millisecond))

	claimants := make([]string, 0, len(outcome.byClaimant))
	for claimant := range outcome.byClaimant {
		claimants = append(claimants, claimant)
	}
	sort.Strings(claimants)
	for _, claimant := range claimants {
		share := outcome.byClaimant[claimant] / final.TotalCapacity
		bar := strings.Repeat("█", int(share*40))
		fmt.Printf("%-12s: %s (%.1f%%)\n", claimant, bar, share*100)
	}

	fmt.Println("\n📉 Rejections")
	fmt.Println("------------------")
	for code, count := range outcome.rejectCodes {
		fmt.Printf("%-24s: %d\n", code, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("accepted", outcome.accepted).
		Int("rejected", outcome.rejected).
		Float64("sold", final.SoldCapacity).
		Float64("total", final.TotalCapacity).
		Str("final_allocation", outcome.finalAllocID).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()

	if oversold || mismatch {
		log.Error().Msg("Capacity invariant violated")
		os.Exit(1)
	}
}

// bidLoop places random bids until the claimant's budget of attempts is spent
// or the auction is no longer active
func bidLoop(simClient *simulationClient, outcome *bidOutcome, claimant, token, auctionID string) {
	for i := 0; i < bidsPerClaimant; i++ {
		percentage := float64(rand.Intn(maxBidPercentage-minBidPercentage)+minBidPercentage) + rand.Float64()
		percentage = math.Round(percentage*100) / 100

		receipt, err := simClient.placeBid(token, auctionID, percentage)
		outcome.record(claimant, receipt, err)
		if err != nil {
			log.Warn().Err(err).
				Str("claimant", claimant).
				Float64("percentage", percentage).
				Msg("Bid rejected")
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.code == string(auction.KindAuctionNotActive) {
				return
			}
		} else {
			log.Info().
				Str("claimant", claimant).
				Float64("capacity", receipt.CapacityPurchased).
				Float64("price", receipt.PriceAtSale).
				Float64("remaining", receipt.RemainingCapacity).
				Msg("Bid accepted")
		}

		time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
	}
}

func claimantKey(workerID int) string {
	return fmt.Sprintf("sim-claimant-%d", workerID)
}

// startServer initializes and starts an in-memory auction API server
// Sets up all required services, handlers and routes
func startServer() error {
	cfg := config.Default()
	cfg.DatabaseDSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())

	db, err := database.NewDatabase(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	authService := auth.NewService(cfg.JWTSecret)
	authService.RegisterOperator(auth.TestOperatorKey, auth.TestOperatorSecret)
	for i := 0; i < numClaimants; i++ {
		authService.RegisterClaimant(claimantKey(i), claimantSecret)
	}

	lotService := lot.NewService(db, nil)
	auctionService := auction.NewService(db, cfg, auction.WithLotSource(lotService.GetDB()))
	lotService.SetTrigger(auctionService)

	// Initialize router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	authHandlers := auth.NewGinHandlers(authService)

	v1 := router.Group("/api/v1")
	v1.POST("/auth/token", authHandlers.GenerateTokenHandler())
	auction.NewGinHandlers(auctionService).RegisterRoutes(v1,
		middleware.JWTAuth(cfg.JWTSecret), middleware.InternalAuth(cfg.JWTSecret))
	lot.NewGinHandlers(lotService).RegisterRoutes(v1, middleware.InternalAuth(cfg.JWTSecret))

	return router.Run(strings.TrimPrefix(serverAddress, "http://localhost"))
}
