// Package api is the betting/account JSON-RPC client. Every call goes through
// the shared retry policy; transport concerns live in pkg/sdk/http.
package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/pkg/cache"
	"github.com/betbot/dutchbet/pkg/ratelimit"
	"github.com/betbot/dutchbet/pkg/retry"
	sdkhttp "github.com/betbot/dutchbet/pkg/sdk/http"
)

var log = logrus.WithField("component", "api")

const (
	DefaultBettingURL = "https://api.betfair.com/exchange/betting/json-rpc/v1"
	DefaultAccountURL = "https://api.betfair.com/exchange/account/json-rpc/v1"

	// MinimumOdds is the exclusive lower bound for an order price.
	MinimumOdds = 1.01

	bettingPrefix = "SportsAPING/v1.0/"
	accountPrefix = "AccountAPING/v1.0/"
)

type Config struct {
	BettingURL        string
	AccountURL        string
	Retry             retry.Policy
	Timeout           time.Duration
	RequestsPerSecond float64
	CatalogueTTL      time.Duration
}

type Client struct {
	rpc        *sdkhttp.Client
	bettingURL string
	accountURL string
	policy     retry.Policy
	catalogue  *cache.InMemoryCache[string, []MarketCatalogue]
	now        func() time.Time
}

func NewClient(tokens sdkhttp.TokenSource, cfg Config) *Client {
	if cfg.BettingURL == "" {
		cfg.BettingURL = DefaultBettingURL
	}
	if cfg.AccountURL == "" {
		cfg.AccountURL = DefaultAccountURL
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.CatalogueTTL <= 0 {
		cfg.CatalogueTTL = 10 * time.Minute
	}
	return &Client{
		rpc: sdkhttp.NewClient(tokens, sdkhttp.Options{
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}),
		bettingURL: cfg.BettingURL,
		accountURL: cfg.AccountURL,
		policy:     cfg.Retry,
		catalogue:  cache.NewInMemoryCache[string, []MarketCatalogue](cfg.CatalogueTTL),
		now:        time.Now,
	}
}

// Close releases background resources.
func (c *Client) Close() {
	c.catalogue.Stop()
}

// Limits returns the latest X-RateLimit-* observations.
func (c *Client) Limits() ratelimit.RateLimiter {
	return c.rpc.Limits()
}

func call[T any](ctx context.Context, c *Client, url, method string, params any) (T, error) {
	return retry.Do(ctx, c.policy, method, func(ctx context.Context, attempt int) (T, error) {
		var out T
		err := c.rpc.Call(ctx, url, method, params, &out)
		return out, err
	})
}

func (c *Client) ListEventTypes(ctx context.Context, filter MarketFilter) ([]EventTypeResult, error) {
	return call[[]EventTypeResult](ctx, c, c.bettingURL, bettingPrefix+"listEventTypes", map[string]any{
		"filter": filter,
	})
}

func (c *Client) ListEvents(ctx context.Context, filter MarketFilter) ([]EventResult, error) {
	return call[[]EventResult](ctx, c, c.bettingURL, bettingPrefix+"listEvents", map[string]any{
		"filter": filter,
	})
}

// ListMarketCatalogue returns the markets of an event, first to start first.
// Results are cached per event since catalogue data does not change.
func (c *Client) ListMarketCatalogue(ctx context.Context, eventID string, maxResults int) ([]MarketCatalogue, error) {
	if maxResults <= 0 {
		maxResults = 10
	}
	key := fmt.Sprintf("%s/%d", eventID, maxResults)
	if v, ok := c.catalogue.Get(key); ok {
		return v, nil
	}
	out, err := call[[]MarketCatalogue](ctx, c, c.bettingURL, bettingPrefix+"listMarketCatalogue", map[string]any{
		"filter": MarketFilter{EventIDs: []string{eventID}},
		"marketProjection": []string{
			ProjectionCompetition, ProjectionEvent, ProjectionEventType,
			ProjectionMarketStartTime, ProjectionRunnerDescr,
		},
		"sort":       "FIRST_TO_START",
		"maxResults": maxResults,
	})
	if err != nil {
		return nil, err
	}
	c.catalogue.Set(key, out, 0)
	return out, nil
}

// ListMarketBook fetches best offers for the given markets. An empty result
// is treated as retryable.
func (c *Client) ListMarketBook(ctx context.Context, marketIDs ...string) ([]MarketBook, error) {
	if len(marketIDs) == 0 {
		return nil, retry.Permanent(errors.Wrap(domain.ErrBadRequest, "listMarketBook: no market ids"))
	}
	params := map[string]any{
		"marketIds":       marketIDs,
		"priceProjection": PriceProjection{PriceData: []string{PriceDataBestOffers}},
	}
	method := bettingPrefix + "listMarketBook"
	return retry.Do(ctx, c.policy, method, func(ctx context.Context, attempt int) ([]MarketBook, error) {
		var out []MarketBook
		if err := c.rpc.Call(ctx, c.bettingURL, method, params, &out); err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, errors.Wrap(domain.ErrEmptyResult, method)
		}
		return out, nil
	})
}

// GetAccountFunds returns the wallet balance; AvailableToBetBalance is what
// strategies may commit.
func (c *Client) GetAccountFunds(ctx context.Context) (AccountFunds, error) {
	return call[AccountFunds](ctx, c, c.accountURL, accountPrefix+"getAccountFunds", map[string]any{})
}

// PlaceOrders submits limit orders. customerRef makes the request idempotent on
// the exchange side, so the same ref is reused across retries.
func (c *Client) PlaceOrders(ctx context.Context, marketID string, instructions []PlaceInstruction, customerRef string) (PlaceExecutionReport, error) {
	if customerRef == "" {
		customerRef = newCustomerRef()
	}
	return call[PlaceExecutionReport](ctx, c, c.bettingURL, bettingPrefix+"placeOrders", map[string]any{
		"marketId":     marketID,
		"instructions": instructions,
		"customerRef":  customerRef,
	})
}

// ValidateOrder rejects orders that can never be accepted.
func ValidateOrder(o domain.BetOrder) error {
	if o.MarketID == "" {
		return errors.Wrap(domain.ErrInvalidOrder, "market id is required")
	}
	if o.Size <= 0 {
		return errors.Wrapf(domain.ErrInvalidOrder, "stake must be greater than zero, got %.2f", o.Size)
	}
	if o.Price <= MinimumOdds {
		return errors.Wrapf(domain.ErrInvalidOrder, "odds must be greater than %.2f, got %.2f", MinimumOdds, o.Price)
	}
	if o.Side != domain.SideBack && o.Side != domain.SideLay {
		return errors.Wrapf(domain.ErrInvalidOrder, "unknown side %q", o.Side)
	}
	return nil
}

// PlaceOrder places a single LIMIT/LAPSE order. Invalid input is rejected
// without a network call. A processed-but-rejected order returns a FAILURE
// result and no error; err is reserved for transport/auth/exhaustion.
func (c *Client) PlaceOrder(ctx context.Context, o domain.BetOrder) (domain.BetResult, error) {
	if err := ValidateOrder(o); err != nil {
		return domain.BetResult{Order: o, Status: domain.BetStatusFailure, ErrorCode: "INVALID_INPUT"}, retry.Permanent(err)
	}
	if o.CustomerRef == "" {
		o.CustomerRef = newCustomerRef()
	}

	instr := PlaceInstruction{
		OrderType:   OrderTypeLimit,
		SelectionID: o.SelectionID,
		Handicap:    0,
		Side:        string(o.Side),
		LimitOrder: &LimitOrder{
			Size:            o.Size,
			Price:           o.Price,
			PersistenceType: PersistenceTypeLapse,
		},
	}
	log.WithFields(logrus.Fields{
		"market":    o.MarketID,
		"selection": o.SelectionID,
		"side":      o.Side,
		"size":      o.Size,
		"price":     o.Price,
		"ref":       o.CustomerRef,
	}).Info("placing order")

	report, err := c.PlaceOrders(ctx, o.MarketID, []PlaceInstruction{instr}, o.CustomerRef)
	if err != nil {
		return domain.BetResult{Order: o, Status: domain.BetStatusFailure, ErrorCode: "REQUEST_FAILED", PlacedAt: c.now()}, err
	}
	return resultFromReport(o, report, c.now()), nil
}

func resultFromReport(o domain.BetOrder, report PlaceExecutionReport, now time.Time) domain.BetResult {
	res := domain.BetResult{Order: o, Status: domain.BetStatusFailure, ErrorCode: report.ErrorCode, PlacedAt: now}
	if len(report.InstructionReports) > 0 {
		ir := report.InstructionReports[0]
		res.BetID = ir.BetID
		res.SizeMatched = ir.SizeMatched
		res.AveragePriceMatched = ir.AveragePriceMatched
		if ir.ErrorCode != "" {
			res.ErrorCode = ir.ErrorCode
		}
		if ir.PlacedDate != nil {
			res.PlacedAt = *ir.PlacedDate
		}
		if report.Status == ExecutionSuccess && ir.Status == ExecutionSuccess {
			res.Status = domain.BetStatusSuccess
		}
	} else if report.Status == ExecutionSuccess {
		res.Status = domain.BetStatusSuccess
	}
	if res.Status == domain.BetStatusFailure && res.ErrorCode == "" {
		res.ErrorCode = strings.ToUpper(report.Status)
	}
	return res
}

func newCustomerRef() string {
	// customerRef is limited to 32 characters
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
